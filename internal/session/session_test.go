// ABOUTME: Tests for the Session Store
// ABOUTME: Covers id resolution, in-flight exclusion, idle eviction, and memory restore

package session

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/rig-gateway/internal/store"
)

// fakeClock lets tests move time past the TTL without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T, cfg Config, persist store.Store) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	st := NewStore(cfg, persist, nil)
	st.now = clock.Now
	return st, clock
}

func TestGetOrCreate_EmptyIDCreates(t *testing.T) {
	st, _ := newTestStore(t, Config{TTL: time.Hour}, nil)

	sess, resumed, err := st.GetOrCreate(t.Context(), "")
	require.NoError(t, err)
	assert.False(t, resumed)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, 1, st.Len())
}

func TestGetOrCreate_UnknownIDGetsFreshID(t *testing.T) {
	st, _ := newTestStore(t, Config{TTL: time.Hour}, nil)

	sess, resumed, err := st.GetOrCreate(t.Context(), "made-up")
	require.NoError(t, err)
	assert.False(t, resumed)
	assert.NotEqual(t, "made-up", sess.ID)
}

func TestGetOrCreate_KnownIDResumes(t *testing.T) {
	st, _ := newTestStore(t, Config{TTL: time.Hour}, nil)

	first, _, err := st.GetOrCreate(t.Context(), "")
	require.NoError(t, err)

	again, resumed, err := st.GetOrCreate(t.Context(), first.ID)
	require.NoError(t, err)
	assert.True(t, resumed)
	assert.Same(t, first, again)
	assert.Equal(t, int64(1), st.Stats().Resumed)
}

func TestAcquire_SerializesQueries(t *testing.T) {
	st, _ := newTestStore(t, Config{TTL: time.Hour}, nil)
	sess, _, err := st.GetOrCreate(t.Context(), "")
	require.NoError(t, err)

	require.NoError(t, st.Acquire(t.Context(), sess))
	assert.True(t, sess.InFlight())

	acquired := make(chan struct{})
	go func() {
		if err := st.Acquire(context.Background(), sess); err == nil {
			close(acquired)
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second query must wait for the first to release")
	case <-time.After(50 * time.Millisecond):
	}

	st.Release(sess, Result{Turn: &Turn{Query: "q1", Response: "r1"}})

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second query never acquired the session")
	}
	st.Release(sess, Result{})
	assert.False(t, sess.InFlight())
}

func TestAcquire_Cancelled(t *testing.T) {
	st, _ := newTestStore(t, Config{TTL: time.Hour}, nil)
	sess, _, err := st.GetOrCreate(t.Context(), "")
	require.NoError(t, err)
	require.NoError(t, st.Acquire(t.Context(), sess))

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, st.Acquire(ctx, sess), context.DeadlineExceeded)
}

func TestEvictIdle_RemovesIdleDetached(t *testing.T) {
	st, clock := newTestStore(t, Config{TTL: time.Minute}, nil)
	sess, _, err := st.GetOrCreate(t.Context(), "")
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	assert.Equal(t, 0, st.EvictIdle(clock.Now()))

	clock.Advance(time.Minute)
	assert.Equal(t, 1, st.EvictIdle(clock.Now()))
	_, ok := st.Get(sess.ID)
	assert.False(t, ok)
}

func TestEvictIdle_KeepsAttached(t *testing.T) {
	st, clock := newTestStore(t, Config{TTL: time.Minute}, nil)
	sess, _, err := st.GetOrCreate(t.Context(), "")
	require.NoError(t, err)
	st.Attach(sess)

	clock.Advance(time.Hour)
	assert.Equal(t, 0, st.EvictIdle(clock.Now()))

	st.Detach(sess)
	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, st.EvictIdle(clock.Now()))
}

// A long-running query keeps its session alive past the TTL; once it
// finishes, the session becomes evictable again.
func TestEvictIdle_NeverRemovesInFlight(t *testing.T) {
	st, clock := newTestStore(t, Config{TTL: time.Minute}, nil)
	sess, _, err := st.GetOrCreate(t.Context(), "")
	require.NoError(t, err)

	require.NoError(t, st.Acquire(t.Context(), sess))

	for range 5 {
		clock.Advance(10 * time.Minute)
		assert.Equal(t, 0, st.EvictIdle(clock.Now()), "in-flight session must be retained")
		_, ok := st.Get(sess.ID)
		require.True(t, ok)
	}

	st.Release(sess, Result{Turn: &Turn{Query: "slow", Response: "done"}})
	assert.Equal(t, 0, st.EvictIdle(clock.Now()), "release counts as activity")

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, st.EvictIdle(clock.Now()))
}

func TestRelease_AppendsMemoryInOrder(t *testing.T) {
	st, _ := newTestStore(t, Config{TTL: time.Hour, MaxTurns: 2}, nil)
	sess, _, err := st.GetOrCreate(t.Context(), "")
	require.NoError(t, err)

	for _, q := range []string{"one", "two", "three"} {
		require.NoError(t, st.Acquire(t.Context(), sess))
		st.Release(sess, Result{Turn: &Turn{Query: q, Response: "re " + q}, Iterations: 2})
	}

	// Failed runs leave memory untouched.
	require.NoError(t, st.Acquire(t.Context(), sess))
	st.Release(sess, Result{Iterations: 10})

	mem := st.Memory(sess)
	require.Len(t, mem, 2)
	assert.Equal(t, "two", mem[0].Query)
	assert.Equal(t, "three", mem[1].Query)
	assert.Equal(t, 10, st.Iterations(sess))
}

// Reconnecting with a known id after the in-memory copy was evicted restores
// the conversation verbatim from the persistent store.
func TestGetOrCreate_RestoresFromPersistence(t *testing.T) {
	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	st, clock := newTestStore(t, Config{TTL: time.Minute}, db)

	sess, _, err := st.GetOrCreate(t.Context(), "")
	require.NoError(t, err)
	id := sess.ID

	turns := []Turn{
		{Query: "gaming PC for $1500", Response: "Here is a build:\n- CPU: Ryzen 5 7600\n- GPU: RX 7800 XT"},
		{Query: "swap the GPU for nvidia", Response: "Use an RTX 4070 Super instead."},
	}
	for _, turn := range turns {
		require.NoError(t, st.Acquire(t.Context(), sess))
		st.Release(sess, Result{Turn: &turn})
	}
	want := st.Memory(sess)

	clock.Advance(time.Hour)
	require.Equal(t, 1, st.EvictIdle(clock.Now()))

	restored, resumed, err := st.GetOrCreate(t.Context(), id)
	require.NoError(t, err)
	assert.True(t, resumed)
	assert.Equal(t, id, restored.ID)

	got := st.Memory(restored)
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].Query, got[i].Query)
		assert.Equal(t, want[i].Response, got[i].Response)
		assert.True(t, want[i].At.Equal(got[i].At))
	}
}

func TestGetOrCreate_PersistFailure(t *testing.T) {
	mock := store.NewMockStore()
	mock.Err = assert.AnError
	st, _ := newTestStore(t, Config{TTL: time.Minute}, mock)

	_, _, err := st.GetOrCreate(t.Context(), "")
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 0, st.Len())
}

func TestStats(t *testing.T) {
	st, _ := newTestStore(t, Config{TTL: time.Minute}, store.NewMockStore())
	a, _, err := st.GetOrCreate(t.Context(), "")
	require.NoError(t, err)
	_, _, err = st.GetOrCreate(t.Context(), "")
	require.NoError(t, err)
	require.NoError(t, st.Acquire(t.Context(), a))
	defer st.Release(a, Result{})

	s := st.Stats()
	assert.Equal(t, 2, s.Active)
	assert.Equal(t, 1, s.InFlight)
	assert.Equal(t, int64(2), s.Created)
}
