// Package retention implements a restic-style retention engine for named,
// timestamped items; switchyard applies it to finished runs. Policies are
// additive: an item survives if ANY rule wants to keep it.
package retention

import (
	"context"
	"fmt"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Policy defines how many items to keep using time-bucketed rules.
type Policy struct {
	KeepLast    int `yaml:"keep_last"`    // keep the N most recent
	KeepDaily   int `yaml:"keep_daily"`   // keep one per day for the last N days
	KeepWeekly  int `yaml:"keep_weekly"`  // keep one per week for the last N weeks
	KeepMonthly int `yaml:"keep_monthly"` // keep one per month for the last N months
}

// Active returns true if any retention rule is configured.
func (p Policy) Active() bool {
	return p.KeepLast > 0 || p.KeepDaily > 0 || p.KeepWeekly > 0 || p.KeepMonthly > 0
}

// UnmarshalYAML accepts both:
//
//	retention: 10          → Policy{KeepLast: 10}
//	retention:
//	  keep_last: 3
//	  keep_daily: 7        → Policy{KeepLast: 3, KeepDaily: 7}
func (p *Policy) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var n int
		if err := value.Decode(&n); err != nil {
			return fmt.Errorf("retention: expected integer or policy map, got %q", value.Value)
		}
		*p = Policy{KeepLast: n}
		return nil
	case yaml.MappingNode:
		// alias type avoids infinite recursion
		type policyAlias Policy
		var alias policyAlias
		if err := value.Decode(&alias); err != nil {
			return fmt.Errorf("retention: %w", err)
		}
		*p = Policy(alias)
		return nil
	}
	return fmt.Errorf("retention: expected integer or map, got YAML kind %d", value.Kind)
}

// Item is a named, timestamped entity that can be pruned.
type Item struct {
	Name      string
	CreatedAt time.Time
}

// Result captures what the retention engine did.
type Result struct {
	Matched int      // items considered
	Kept    int      // items kept by policy
	Deleted []string // items successfully deleted
	Errors  []error  // errors from individual deletes
}

// Store abstracts listing and deleting items.
type Store interface {
	List(ctx context.Context) ([]Item, error)
	Delete(ctx context.Context, name string) error
}

// Apply lists all items from the store, sorts them newest first, applies
// the policy and deletes every item no rule keeps. Items named in protect
// are never deleted (the run that just finished, typically).
func Apply(ctx context.Context, store Store, policy Policy, protect ...string) (*Result, error) {
	if !policy.Active() {
		return nil, fmt.Errorf("retention: no active policy (all values zero)")
	}

	result := &Result{}

	items, err := store.List(ctx)
	if err != nil {
		return result, fmt.Errorf("retention: listing items: %w", err)
	}
	result.Matched = len(items)
	if len(items) == 0 {
		return result, nil
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})

	keepSet := ApplyPolicies(items, policy)
	protected := make(map[string]bool, len(protect))
	for _, name := range protect {
		protected[name] = true
	}

	for i, item := range items {
		if keepSet[i] || protected[item.Name] {
			result.Kept++
			continue
		}
		if err := ctx.Err(); err != nil {
			result.Errors = append(result.Errors, err)
			break
		}
		if err := store.Delete(ctx, item.Name); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("deleting %s: %w", item.Name, err))
		} else {
			result.Deleted = append(result.Deleted, item.Name)
		}
	}

	return result, nil
}

// ApplyPolicies evaluates all retention rules and returns a keep/prune decision
// for each candidate. candidates must be sorted newest-first.
func ApplyPolicies(candidates []Item, policy Policy) []bool {
	keepSet := make([]bool, len(candidates))

	for i := 0; i < len(candidates) && i < policy.KeepLast; i++ {
		keepSet[i] = true
	}

	// Time-bucket policies: for each bucket, keep the newest item that falls in it.
	if policy.KeepDaily > 0 {
		ApplyTimeBucket(candidates, keepSet, policy.KeepDaily, TruncateToDay)
	}
	if policy.KeepWeekly > 0 {
		ApplyTimeBucket(candidates, keepSet, policy.KeepWeekly, TruncateToWeek)
	}
	if policy.KeepMonthly > 0 {
		ApplyTimeBucket(candidates, keepSet, policy.KeepMonthly, TruncateToMonth)
	}

	return keepSet
}

// BucketFn truncates a time to the start of its bucket period.
type BucketFn func(time.Time) time.Time

// ApplyTimeBucket keeps the newest item in each of the last N distinct time buckets.
// candidates must be sorted newest-first.
func ApplyTimeBucket(candidates []Item, keepSet []bool, count int, bucket BucketFn) {
	seen := make(map[time.Time]bool)

	for i, item := range candidates {
		if item.CreatedAt.IsZero() {
			continue
		}

		key := bucket(item.CreatedAt)
		if seen[key] {
			continue
		}

		seen[key] = true
		keepSet[i] = true

		if len(seen) >= count {
			break
		}
	}
}

// TruncateToDay truncates a time to the start of its day.
func TruncateToDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// TruncateToWeek truncates a time to the start of its ISO week (Monday).
func TruncateToWeek(t time.Time) time.Time {
	weekday := int(t.Weekday())
	if weekday == 0 {
		weekday = 7 // Sunday = 7
	}
	d := t.AddDate(0, 0, -(weekday - 1))
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, t.Location())
}

// TruncateToMonth truncates a time to the first day of its month.
func TruncateToMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}
