package cache

import (
	"fmt"
	"regexp"
)

// ExclusionList holds model names whose responses must never be cached.
// Rules are either exact names or regular expressions; exact rules match in
// O(1), patterns are tried in order. A nil list excludes nothing.
type ExclusionList struct {
	exact    map[string]struct{}
	patterns []*regexp.Regexp
}

// NewExclusionList compiles the configured rules. A pattern that fails to
// compile is a startup error, not a silent no-op.
func NewExclusionList(exact, patterns []string) (*ExclusionList, error) {
	el := &ExclusionList{exact: make(map[string]struct{}, len(exact))}

	for _, name := range exact {
		if name != "" {
			el.exact[name] = struct{}{}
		}
	}
	for _, p := range patterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("cache: exclusion pattern %q: %w", p, err)
		}
		el.patterns = append(el.patterns, re)
	}
	return el, nil
}

// Excluded reports whether model is barred from caching.
func (el *ExclusionList) Excluded(model string) bool {
	if el == nil {
		return false
	}
	if _, ok := el.exact[model]; ok {
		return true
	}
	for _, re := range el.patterns {
		if re.MatchString(model) {
			return true
		}
	}
	return false
}

// Len returns the number of configured rules.
func (el *ExclusionList) Len() int {
	if el == nil {
		return 0
	}
	return len(el.exact) + len(el.patterns)
}
