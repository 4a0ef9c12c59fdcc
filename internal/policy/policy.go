// Package policy selects the item-absent retry budget for a path via
// longest-prefix match over configured rules.
package policy

import (
	"sort"
	"strings"
)

// Rule is one path_sync_policy[] entry (§6 configuration).
type Rule struct {
	Prefix            string
	AbsentRetryCount  int // -1 means unbounded
	RetryDelaySeconds int
}

// Decision is what the worker consults on ItemAbsent.
type Decision struct {
	MaxAttempts  int // -1 unbounded, 0 fail immediately
	DelaySeconds int
}

// Engine holds rules sorted so the longest prefix is matched first.
type Engine struct {
	rules []Rule
}

// NewEngine builds an Engine from configuration rules. Order of the input
// slice does not matter; rules are sorted internally by prefix length.
func NewEngine(rules []Rule) *Engine {
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.Slice(sorted, func(i, j int) bool {
		return len(sorted[i].Prefix) > len(sorted[j].Prefix)
	})
	return &Engine{rules: sorted}
}

// Decide returns the retry budget for path. No matching rule yields
// {max_attempts: 0, delay: 0}, i.e. fail immediately.
func (e *Engine) Decide(path string) Decision {
	for _, rule := range e.rules {
		if strings.HasPrefix(path, rule.Prefix) {
			return Decision{
				MaxAttempts:  rule.AbsentRetryCount,
				DelaySeconds: rule.RetryDelaySeconds,
			}
		}
	}
	return Decision{MaxAttempts: 0, DelaySeconds: 0}
}
