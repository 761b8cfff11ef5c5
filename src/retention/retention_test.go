package retention

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type memStore struct {
	items   []Item
	deleted []string
	failOn  string
}

func (m *memStore) List(context.Context) ([]Item, error) {
	return append([]Item(nil), m.items...), nil
}

func (m *memStore) Delete(_ context.Context, name string) error {
	if name == m.failOn {
		return errors.New("permission denied")
	}
	m.deleted = append(m.deleted, name)
	return nil
}

func day(d int) time.Time {
	return time.Date(2026, 3, d, 12, 0, 0, 0, time.UTC)
}

func TestApply_KeepLast(t *testing.T) {
	store := &memStore{items: []Item{
		{"r1", day(1)}, {"r3", day(3)}, {"r2", day(2)}, {"r4", day(4)},
	}}

	res, err := Apply(context.Background(), store, Policy{KeepLast: 2})
	require.NoError(t, err)

	assert.Equal(t, 4, res.Matched)
	assert.Equal(t, 2, res.Kept)
	sort.Strings(store.deleted)
	assert.Equal(t, []string{"r1", "r2"}, store.deleted)
}

func TestApply_ProtectAndErrors(t *testing.T) {
	store := &memStore{
		items:  []Item{{"old", day(1)}, {"older", day(0)}, {"current", time.Time{}}},
		failOn: "older",
	}

	res, err := Apply(context.Background(), store, Policy{KeepLast: 0, KeepDaily: 1}, "current")
	require.NoError(t, err)

	assert.Empty(t, store.deleted)
	assert.Len(t, res.Errors, 1)
	assert.Equal(t, 2, res.Kept)
}

func TestApply_InactivePolicy(t *testing.T) {
	_, err := Apply(context.Background(), &memStore{}, Policy{})
	assert.Error(t, err)
}

func TestApplyPolicies_Daily(t *testing.T) {
	items := []Item{
		{"d3b", day(3).Add(time.Hour)},
		{"d3a", day(3)},
		{"d2", day(2)},
		{"d1", day(1)},
	}
	keep := ApplyPolicies(items, Policy{KeepDaily: 2})
	assert.Equal(t, []bool{true, false, true, false}, keep)
}

func TestTruncateToWeek(t *testing.T) {
	sunday := time.Date(2026, 3, 8, 15, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), TruncateToWeek(sunday))
}

func TestPolicy_UnmarshalYAML(t *testing.T) {
	var scalar struct{ R Policy `yaml:"retention"` }
	require.NoError(t, yaml.Unmarshal([]byte("retention: 10"), &scalar))
	assert.Equal(t, Policy{KeepLast: 10}, scalar.R)

	var mapped struct{ R Policy `yaml:"retention"` }
	require.NoError(t, yaml.Unmarshal([]byte("retention:\n  keep_last: 3\n  keep_daily: 7\n"), &mapped))
	assert.Equal(t, Policy{KeepLast: 3, KeepDaily: 7}, mapped.R)

	var bad struct{ R Policy `yaml:"retention"` }
	assert.Error(t, yaml.Unmarshal([]byte("retention: lots"), &bad))
}
