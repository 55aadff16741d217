package stmtcache

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handle struct {
	query string
	gen   int
}

// countingPrepare hands out a new handle per call so tests can tell a
// cache hit from a fresh compile.
func countingPrepare(calls *int) PrepareFunc[*handle] {
	return func(_ context.Context, query string) (*handle, error) {
		*calls++
		return &handle{query: query, gen: *calls}, nil
	}
}

func TestCache_GetOrPrepare_HitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c := New[*handle]()
	calls := 0

	first, err := c.GetOrPrepare(ctx, "SELECT 1", countingPrepare(&calls))
	require.NoError(t, err)
	assert.Equal(t, 1, c.Size())

	second, err := c.GetOrPrepare(ctx, "SELECT 1", countingPrepare(&calls))
	require.NoError(t, err)
	assert.Equal(t, 1, c.Size(), "second prepare of the same text must not grow the cache")
	assert.Equal(t, 1, calls, "second prepare must be served from the cache")
	assert.Same(t, first, second)
}

func TestCache_GetOrPrepare_VerbatimKeys(t *testing.T) {
	ctx := context.Background()
	c := New[*handle]()
	calls := 0

	for _, q := range []string{"SELECT 1", "select 1", "SELECT 1 ", "SELECT  1"} {
		_, err := c.GetOrPrepare(ctx, q, countingPrepare(&calls))
		require.NoError(t, err)
	}

	assert.Equal(t, 4, c.Size(), "keys are compared byte for byte")
	assert.Equal(t, 4, calls)
}

func TestCache_GetOrPrepare_ErrorLeavesCacheUnchanged(t *testing.T) {
	ctx := context.Background()
	c := New[*handle]()
	errSyntax := errors.New("syntax error at or near \"SELEC\"")

	_, err := c.GetOrPrepare(ctx, "SELEC 1", func(context.Context, string) (*handle, error) {
		return nil, errSyntax
	})
	require.ErrorIs(t, err, errSyntax)
	assert.Equal(t, 0, c.Size())

	_, ok := c.Get("SELEC 1")
	assert.False(t, ok)
}

func TestCache_Clear_ForcesFreshPrepare(t *testing.T) {
	ctx := context.Background()
	c := New[*handle]()
	calls := 0

	before, err := c.GetOrPrepare(ctx, "SELECT $1", countingPrepare(&calls))
	require.NoError(t, err)

	c.Clear()
	assert.Equal(t, 0, c.Size())

	after, err := c.GetOrPrepare(ctx, "SELECT $1", countingPrepare(&calls))
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "prepare after Clear must be a miss")
	assert.NotSame(t, before, after)
}

func TestNewBounded_EvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	c, err := NewBounded[*handle](2)
	require.NoError(t, err)
	calls := 0

	for i := 0; i < 3; i++ {
		_, err := c.GetOrPrepare(ctx, fmt.Sprintf("SELECT %d", i), countingPrepare(&calls))
		require.NoError(t, err)
	}

	assert.Equal(t, 2, c.Size())
	_, ok := c.Get("SELECT 0")
	assert.False(t, ok, "oldest entry should have been evicted")
	_, ok = c.Get("SELECT 2")
	assert.True(t, ok)
}

func TestNewBounded_InvalidSize(t *testing.T) {
	_, err := NewBounded[*handle](0)
	require.Error(t, err)
}

func TestNewWithEvict_ClearReportsEveryEntry(t *testing.T) {
	for _, size := range []int{0, 8} {
		t.Run(fmt.Sprintf("size=%d", size), func(t *testing.T) {
			ctx := context.Background()
			evicted := map[string]int{}
			c, err := NewWithEvict[*handle](size, func(query string, h *handle) {
				evicted[query] = h.gen
			})
			require.NoError(t, err)
			calls := 0

			for _, q := range []string{"SELECT 1", "SELECT 2"} {
				_, err := c.GetOrPrepare(ctx, q, countingPrepare(&calls))
				require.NoError(t, err)
			}
			assert.Empty(t, evicted)

			c.Clear()
			assert.Equal(t, 0, c.Size())
			assert.Equal(t, map[string]int{"SELECT 1": 1, "SELECT 2": 2}, evicted)
		})
	}
}

func TestNewWithEvict_LRUReportsEvictedEntry(t *testing.T) {
	ctx := context.Background()
	var evicted []string
	c, err := NewWithEvict[*handle](1, func(query string, _ *handle) {
		evicted = append(evicted, query)
	})
	require.NoError(t, err)
	calls := 0

	_, err = c.GetOrPrepare(ctx, "SELECT 1", countingPrepare(&calls))
	require.NoError(t, err)
	_, err = c.GetOrPrepare(ctx, "SELECT 2", countingPrepare(&calls))
	require.NoError(t, err)

	assert.Equal(t, []string{"SELECT 1"}, evicted)
}

func TestNewWithEvict_NegativeSize(t *testing.T) {
	_, err := NewWithEvict[*handle](-1, nil)
	require.Error(t, err)
}
