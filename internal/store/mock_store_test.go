// ABOUTME: Tests for the in-memory MockStore
// ABOUTME: Keeps the mock's behavior aligned with SQLiteStore for the paths tests rely on

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStore_TurnsAndLimit(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, m.SaveSession(ctx, &Session{ID: "s", CreatedAt: now, UpdatedAt: now}))
	for _, q := range []string{"a", "b", "c"} {
		require.NoError(t, m.AppendTurn(ctx, &Turn{SessionID: "s", Query: q, CreatedAt: now}))
	}

	turns, err := m.GetTurns(ctx, "s", 2)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "b", turns[0].Query)
	assert.Equal(t, int64(3), turns[1].Seq)

	err = m.AppendTurn(ctx, &Turn{SessionID: "missing"})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMockStore_Err(t *testing.T) {
	m := NewMockStore()
	m.Err = errors.New("disk full")

	_, err := m.GetSession(context.Background(), "x")
	assert.EqualError(t, err, "disk full")
}

func TestMockStore_QueryStats(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()

	require.NoError(t, m.SaveQuery(ctx, &QueryRecord{ID: "1", Status: QueryStatusCompleted, Duration: time.Second}))
	require.NoError(t, m.SaveQuery(ctx, &QueryRecord{ID: "2", Status: QueryStatusFailed, ErrorCode: "timeout", Duration: 3 * time.Second}))

	stats, err := m.GetQueryStats(ctx, QueryFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Total)
	assert.Equal(t, int64(1), stats.ByErrorCode["timeout"])
	assert.Equal(t, 2*time.Second, stats.AvgDuration)
	assert.Len(t, m.Queries(), 2)
}
