// ABOUTME: Store interface and data types for rig-gateway persistence
// ABOUTME: Defines Session, Turn and QueryRecord plus the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Session is the persisted header of a conversation session.
type Session struct {
	ID        string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Turn is one completed query/response pair within a session.
// Seq is assigned by the store and orders turns within a session.
type Turn struct {
	SessionID string
	Seq       int64
	Query     string
	Response  string
	CreatedAt time.Time
}

// Query status values recorded for each agent run.
const (
	QueryStatusCompleted = "completed"
	QueryStatusFailed    = "failed"
	QueryStatusCancelled = "cancelled"
)

// QueryRecord is the outcome of a single agent run, kept for statistics.
type QueryRecord struct {
	ID           string
	SessionID    string
	Status       string // completed, failed, cancelled
	ErrorCode    string // stable wire code when Status is failed
	Iterations   int
	MessagesSent int
	Duration     time.Duration
	CreatedAt    time.Time
}

// QueryFilter narrows aggregate query statistics.
type QueryFilter struct {
	SessionID *string
	Since     *time.Time
}

// QueryStats aggregates QueryRecords.
type QueryStats struct {
	Total        int64            `json:"total"`
	Completed    int64            `json:"completed"`
	Failed       int64            `json:"failed"`
	Cancelled    int64            `json:"cancelled"`
	ByErrorCode  map[string]int64 `json:"by_error_code"`
	AvgDuration  time.Duration    `json:"avg_duration"`
	MessagesSent int64            `json:"messages_sent"`
}

// Store defines the persistence operations used by the gateway.
type Store interface {
	// SaveSession inserts a session or refreshes its UpdatedAt.
	SaveSession(ctx context.Context, sess *Session) error

	// GetSession retrieves a session by ID.
	// Returns ErrNotFound if the session doesn't exist.
	GetSession(ctx context.Context, id string) (*Session, error)

	// AppendTurn adds a turn to the end of a session's history and sets its Seq.
	// Returns ErrNotFound if the session doesn't exist.
	AppendTurn(ctx context.Context, turn *Turn) error

	// GetTurns returns the most recent turns of a session in chronological order.
	// A limit of 0 or less returns all turns.
	GetTurns(ctx context.Context, sessionID string, limit int) ([]*Turn, error)

	// PurgeSessions deletes sessions (and their turns) not updated since before.
	PurgeSessions(ctx context.Context, before time.Time) (int64, error)

	// CountSessions returns the number of persisted sessions.
	CountSessions(ctx context.Context) (int64, error)

	// Close closes the underlying database connection
	Close() error
}

// QueryStore records agent run outcomes.
type QueryStore interface {
	SaveQuery(ctx context.Context, rec *QueryRecord) error
	GetQueryStats(ctx context.Context, filter QueryFilter) (*QueryStats, error)
}
