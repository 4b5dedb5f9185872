// ABOUTME: Session Store owning per-session conversation memory and activity metadata
// ABOUTME: Enforces one in-flight query per session and never evicts a busy session

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/rig-gateway/internal/store"
)

// ErrNotFound is returned when a session is not held by the store.
var ErrNotFound = errors.New("session not found")

// Turn is one completed query/response pair.
type Turn struct {
	Query    string
	Response string
	At       time.Time
}

// Session is a conversation identity with ordered memory. All mutable fields
// are guarded by the owning Store's mutex; busy is the in-flight semaphore.
type Session struct {
	ID        string
	CreatedAt time.Time

	memory       []Turn
	lastActivity time.Time
	iterations   int
	attached     int

	busy chan struct{}
}

func newSession(id string, now time.Time) *Session {
	return &Session{
		ID:           id,
		CreatedAt:    now,
		lastActivity: now,
		busy:         make(chan struct{}, 1),
	}
}

// InFlight reports whether a query is currently running on the session.
func (s *Session) InFlight() bool {
	return len(s.busy) == 1
}

// Config configures a Store.
type Config struct {
	// TTL is how long a session may sit idle before EvictIdle removes it.
	TTL time.Duration
	// MaxTurns bounds the memory kept per session. Zero keeps every turn.
	MaxTurns int
}

// Stats is a snapshot of session activity.
type Stats struct {
	Active   int   `json:"active"`
	InFlight int   `json:"in_flight"`
	Created  int64 `json:"total_created"`
	Resumed  int64 `json:"total_resumed"`
	Evicted  int64 `json:"total_evicted"`
}

// Store holds live sessions keyed by ID. When a persistent store is
// configured, sessions missing from memory are looked up there before a new
// identifier is minted, and completed turns are written through.
type Store struct {
	cfg     Config
	persist store.Store
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	created  int64
	resumed  int64
	evicted  int64
}

// NewStore creates a session store. persist may be nil.
func NewStore(cfg Config, persist store.Store, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		cfg:      cfg,
		persist:  persist,
		logger:   logger.With("component", "sessions"),
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// GetOrCreate returns the session for id, reporting whether it already
// existed. An empty or unknown id yields a new session with a fresh identifier.
func (st *Store) GetOrCreate(ctx context.Context, id string) (*Session, bool, error) {
	if id != "" {
		st.mu.Lock()
		sess, ok := st.sessions[id]
		if ok {
			sess.lastActivity = st.now()
			st.resumed++
			st.mu.Unlock()
			return sess, true, nil
		}
		st.mu.Unlock()

		sess, err := st.load(ctx, id)
		if err != nil {
			return nil, false, err
		}
		if sess != nil {
			st.mu.Lock()
			defer st.mu.Unlock()
			// Another caller may have loaded it while we were reading.
			if existing, ok := st.sessions[id]; ok {
				sess = existing
			} else {
				st.sessions[id] = sess
			}
			sess.lastActivity = st.now()
			st.resumed++
			return sess, true, nil
		}
	}

	now := st.now()
	sess := newSession(uuid.New().String(), now)

	if st.persist != nil {
		err := st.persist.SaveSession(ctx, &store.Session{ID: sess.ID, CreatedAt: now, UpdatedAt: now})
		if err != nil {
			return nil, false, fmt.Errorf("persisting session: %w", err)
		}
	}

	st.mu.Lock()
	st.sessions[sess.ID] = sess
	st.created++
	st.mu.Unlock()

	st.logger.Debug("session created", "session_id", sess.ID)
	return sess, false, nil
}

// load rebuilds a session from persistent storage. It returns nil, nil when
// no store is configured or the session is unknown there.
func (st *Store) load(ctx context.Context, id string) (*Session, error) {
	if st.persist == nil {
		return nil, nil
	}

	rec, err := st.persist.GetSession(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}

	turns, err := st.persist.GetTurns(ctx, id, st.cfg.MaxTurns)
	if err != nil {
		return nil, fmt.Errorf("loading session turns: %w", err)
	}

	sess := newSession(rec.ID, rec.CreatedAt)
	sess.memory = make([]Turn, 0, len(turns))
	for _, t := range turns {
		sess.memory = append(sess.memory, Turn{Query: t.Query, Response: t.Response, At: t.CreatedAt})
	}

	st.logger.Info("session restored from store", "session_id", id, "turns", len(turns))
	return sess, nil
}

// Get returns a live session without creating one.
func (st *Store) Get(id string) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	sess, ok := st.sessions[id]
	return sess, ok
}

// Touch records activity on a session.
func (st *Store) Touch(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if sess, ok := st.sessions[id]; ok {
		sess.lastActivity = st.now()
	}
}

// Attach marks a connection as bound to the session.
func (st *Store) Attach(sess *Session) {
	st.mu.Lock()
	defer st.mu.Unlock()
	sess.attached++
	sess.lastActivity = st.now()
}

// Detach unbinds a connection. Memory is kept until idle eviction.
func (st *Store) Detach(sess *Session) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if sess.attached > 0 {
		sess.attached--
	}
	sess.lastActivity = st.now()
}

// Memory returns a copy of the session's conversation memory.
func (st *Store) Memory(sess *Session) []Turn {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]Turn, len(sess.memory))
	copy(out, sess.memory)
	return out
}

// Iterations returns how many agent iterations the last run consumed.
func (st *Store) Iterations(sess *Session) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return sess.iterations
}

// Acquire blocks until the session has no query in flight, then claims it.
// Every successful Acquire must be paired with Release.
func (st *Store) Acquire(ctx context.Context, sess *Session) error {
	select {
	case sess.busy <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	st.mu.Lock()
	sess.lastActivity = st.now()
	st.mu.Unlock()
	return nil
}

// Result is what a finished run contributes back to its session.
type Result struct {
	// Turn is appended to memory when non-nil. Failed runs leave memory alone.
	Turn       *Turn
	Iterations int
}

// Release records the run's result and frees the session for the next query.
func (st *Store) Release(sess *Session, res Result) {
	st.mu.Lock()
	now := st.now()
	sess.lastActivity = now
	sess.iterations = res.Iterations
	if res.Turn != nil {
		if res.Turn.At.IsZero() {
			res.Turn.At = now
		}
		sess.memory = append(sess.memory, *res.Turn)
		if st.cfg.MaxTurns > 0 && len(sess.memory) > st.cfg.MaxTurns {
			sess.memory = sess.memory[len(sess.memory)-st.cfg.MaxTurns:]
		}
	}
	st.mu.Unlock()

	if res.Turn != nil && st.persist != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := st.persist.AppendTurn(ctx, &store.Turn{
			SessionID: sess.ID,
			Query:     res.Turn.Query,
			Response:  res.Turn.Response,
			CreatedAt: res.Turn.At,
		})
		cancel()
		if err != nil {
			st.logger.Warn("failed to persist turn", "session_id", sess.ID, "error", err)
		}
	}

	<-sess.busy
}

// EvictIdle removes sessions idle for longer than the TTL. Sessions with a
// query in flight or a bound connection are kept. Returns the number removed.
func (st *Store) EvictIdle(now time.Time) int {
	if st.cfg.TTL <= 0 {
		return 0
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	n := 0
	for id, sess := range st.sessions {
		if sess.InFlight() || sess.attached > 0 {
			continue
		}
		if now.Sub(sess.lastActivity) > st.cfg.TTL {
			delete(st.sessions, id)
			n++
		}
	}
	st.evicted += int64(n)
	if n > 0 {
		st.logger.Info("evicted idle sessions", "count", n, "remaining", len(st.sessions))
	}
	return n
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// Stats returns counters for the stats endpoint.
func (st *Store) Stats() Stats {
	st.mu.Lock()
	defer st.mu.Unlock()
	s := Stats{
		Active:  len(st.sessions),
		Created: st.created,
		Resumed: st.resumed,
		Evicted: st.evicted,
	}
	for _, sess := range st.sessions {
		if sess.InFlight() {
			s.InFlight++
		}
	}
	return s
}
