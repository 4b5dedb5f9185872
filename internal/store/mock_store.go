// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session // keyed by session ID
	turns    map[string][]*Turn  // keyed by session ID
	queries  []*QueryRecord

	// Err, when set, is returned by every method. Lets tests exercise
	// persistence failures.
	Err error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		sessions: make(map[string]*Session),
		turns:    make(map[string][]*Turn),
	}
}

// SaveSession stores or refreshes a session.
func (m *MockStore) SaveSession(ctx context.Context, sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	if existing, ok := m.sessions[sess.ID]; ok {
		existing.UpdatedAt = sess.UpdatedAt
		return nil
	}
	// Make a copy to avoid external modification
	s := *sess
	m.sessions[s.ID] = &s
	return nil
}

// GetSession retrieves a session by ID.
func (m *MockStore) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *s
	return &result, nil
}

// AppendTurn appends a turn to a session.
func (m *MockStore) AppendTurn(ctx context.Context, turn *Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	s, ok := m.sessions[turn.SessionID]
	if !ok {
		return ErrNotFound
	}
	s.UpdatedAt = turn.CreatedAt

	turn.Seq = int64(len(m.turns[turn.SessionID]) + 1)
	t := *turn
	m.turns[turn.SessionID] = append(m.turns[turn.SessionID], &t)
	return nil
}

// GetTurns returns the latest turns of a session, oldest first.
func (m *MockStore) GetTurns(ctx context.Context, sessionID string, limit int) ([]*Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}

	all := m.turns[sessionID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	result := make([]*Turn, 0, len(all))
	for _, t := range all {
		c := *t
		result = append(result, &c)
	}
	return result, nil
}

// PurgeSessions deletes sessions not updated since before.
func (m *MockStore) PurgeSessions(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}

	var n int64
	for id, s := range m.sessions {
		if s.UpdatedAt.Before(before) {
			delete(m.sessions, id)
			delete(m.turns, id)
			n++
		}
	}
	return n, nil
}

// CountSessions returns the number of stored sessions.
func (m *MockStore) CountSessions(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return 0, m.Err
	}
	return int64(len(m.sessions)), nil
}

// SaveQuery records a query outcome.
func (m *MockStore) SaveQuery(ctx context.Context, rec *QueryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	r := *rec
	m.queries = append(m.queries, &r)
	return nil
}

// GetQueryStats aggregates recorded query outcomes.
func (m *MockStore) GetQueryStats(ctx context.Context, filter QueryFilter) (*QueryStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}

	stats := &QueryStats{ByErrorCode: make(map[string]int64)}
	var total time.Duration
	for _, q := range m.queries {
		if filter.SessionID != nil && q.SessionID != *filter.SessionID {
			continue
		}
		if filter.Since != nil && q.CreatedAt.Before(*filter.Since) {
			continue
		}
		stats.Total++
		switch q.Status {
		case QueryStatusCompleted:
			stats.Completed++
		case QueryStatusFailed:
			stats.Failed++
		case QueryStatusCancelled:
			stats.Cancelled++
		}
		if q.ErrorCode != "" {
			stats.ByErrorCode[q.ErrorCode]++
		}
		stats.MessagesSent += int64(q.MessagesSent)
		total += q.Duration
	}
	if stats.Total > 0 {
		stats.AvgDuration = total / time.Duration(stats.Total)
	}
	return stats, nil
}

// Close is a no-op for the mock.
func (m *MockStore) Close() error {
	return nil
}

// Queries returns a copy of all recorded query outcomes.
func (m *MockStore) Queries() []QueryRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]QueryRecord, 0, len(m.queries))
	for _, q := range m.queries {
		out = append(out, *q)
	}
	return out
}

var (
	_ Store      = (*MockStore)(nil)
	_ QueryStore = (*MockStore)(nil)
)
