package autoreply

import (
	"context"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/mudler/LocalDesk/core/types"
	"github.com/mudler/xlog"
)

// Matcher answers canned triggers without touching the AI provider.
// The three indexes are rebuilt as a unit and swapped atomically, so
// concurrent lookups never observe a half-updated index.
type Matcher struct {
	store types.RuleStore
	index atomic.Pointer[ruleIndex]
}

type ruleIndex struct {
	exact   map[string]string
	partial []types.AutoReplyRule
	keyword []types.AutoReplyRule
}

func NewMatcher(store types.RuleStore) *Matcher {
	m := &Matcher{store: store}
	m.index.Store(&ruleIndex{exact: map[string]string{}})
	return m
}

// Reload rebuilds the indexes from the rule store and swaps them in.
func (m *Matcher) Reload(ctx context.Context) error {
	rules, err := m.store.ListRules(ctx)
	if err != nil {
		return err
	}

	idx := &ruleIndex{exact: map[string]string{}}
	for _, r := range rules {
		r.Trigger = Normalize(r.Trigger)
		if r.Trigger == "" {
			continue
		}
		switch r.MatchType {
		case types.MatchExact:
			idx.exact[r.Trigger] = r.Content
		case types.MatchPartial:
			idx.partial = append(idx.partial, r)
		case types.MatchKeyword:
			idx.keyword = append(idx.keyword, r)
		default:
			xlog.Warn("Skipping auto-reply rule with unknown match type", "matchType", r.MatchType, "trigger", r.Trigger)
		}
	}

	// Longer triggers win within a match type, so a specific prefix
	// beats a shorter generic one.
	byTriggerLength := func(rules []types.AutoReplyRule) func(i, j int) bool {
		return func(i, j int) bool { return len(rules[i].Trigger) > len(rules[j].Trigger) }
	}
	sort.SliceStable(idx.partial, byTriggerLength(idx.partial))
	sort.SliceStable(idx.keyword, byTriggerLength(idx.keyword))

	m.index.Store(idx)
	xlog.Debug("Auto-reply index reloaded", "exact", len(idx.exact), "partial", len(idx.partial), "keyword", len(idx.keyword))
	return nil
}

// Match returns the canned content for the input, if any rule hits.
// Lookup order is exact, then prefix, then keyword; first hit wins.
func (m *Matcher) Match(input string) (string, bool) {
	text := Normalize(input)
	if text == "" {
		return "", false
	}

	idx := m.index.Load()

	if content, ok := idx.exact[text]; ok {
		return content, true
	}
	for _, r := range idx.partial {
		if strings.HasPrefix(text, r.Trigger) {
			return r.Content, true
		}
	}
	for _, r := range idx.keyword {
		if strings.Contains(text, r.Trigger) {
			return r.Content, true
		}
	}
	return "", false
}

// Normalize lowercases, strips terminal punctuation and collapses
// whitespace.
func Normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimRight(s, ".!?;:,")
	return strings.Join(strings.Fields(s), " ")
}
