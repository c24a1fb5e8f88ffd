// Package logger implements the non-blocking, batched request logger.
//
// Usage records go into a buffered channel and a background goroutine
// flushes them in batches to the sink (the SQLite usage tracker), so
// accounting never blocks the request hot path. When the channel is full new
// records are dropped and counted in DroppedRecords.
package logger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KushGrandhi/llm-routing-server/internal/usage"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// Sink receives flushed batches. *usage.Tracker implements it.
type Sink interface {
	Write(ctx context.Context, records []usage.Record) error
}

// RequestLogger is the async accounting pipeline.
type RequestLogger struct {
	ch        chan usage.Record
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped atomic.Int64

	sink Sink
	log  *slog.Logger
}

// New starts the flush goroutine. A nil sink discards records (accounting
// disabled) but keeps the API uniform for callers.
func New(sink Sink, log *slog.Logger) *RequestLogger {
	if log == nil {
		log = slog.Default()
	}

	l := &RequestLogger{
		ch:   make(chan usage.Record, channelBuffer),
		done: make(chan struct{}),
		sink: sink,
		log:  log,
	}

	l.wg.Add(1)
	go l.run()
	return l
}

// Log enqueues one record without blocking. Full buffer drops the record.
func (l *RequestLogger) Log(rec usage.Record) {
	select {
	case l.ch <- rec:
	default:
		l.dropped.Add(1)
	}
}

// DroppedRecords returns how many records were lost to a full buffer.
func (l *RequestLogger) DroppedRecords() int64 {
	return l.dropped.Load()
}

// Close flushes whatever is buffered and stops the goroutine.
func (l *RequestLogger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *RequestLogger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]usage.Record, 0, batchSize)

	flush := func() {
		if len(batch) == 0 || l.sink == nil {
			batch = batch[:0]
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := l.sink.Write(ctx, batch); err != nil {
			l.log.Error("usage flush failed", "records", len(batch), "error", err)
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-l.ch:
			batch = append(batch, rec)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-l.done:
			// Drain what is already queued, then flush once and exit.
			for {
				select {
				case rec := <-l.ch:
					batch = append(batch, rec)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}
