package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNotFound reports an unknown or expired session.
var ErrNotFound = errors.New("session not found")

// Defaults applied when the registry is constructed with zero values.
const (
	DefaultTTL           = 30 * time.Minute
	DefaultSweepInterval = 5 * time.Minute
	DefaultMemoryLimit   = 50
)

// UpstreamHandle is the live upstream connection owned by a session. Present
// if and only if the session is in the connected state.
type UpstreamHandle interface {
	SendAudio(ctx context.Context, data string, mimeType string) error
	Close() error
}

// Turn is one conversation memory entry.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Session holds per-session state. Values returned by the registry are
// snapshots; all mutation goes through registry operations.
type Session struct {
	ID        string
	UserID    string
	CreatedAt time.Time
	Memory    []Turn
	Upstream  UpstreamHandle
}

// Registry owns the session map. All operations are atomic with respect to
// each other; sessions are independent, so one mutex suffices.
type Registry struct {
	logger      *zap.Logger
	ttl         time.Duration
	sweepEvery  time.Duration
	memoryLimit int

	mu       sync.Mutex
	sessions map[string]*Session
	stop     chan struct{}
	stopOnce sync.Once
}

// NewRegistry creates a registry. Zero ttl, sweep interval or memory limit
// fall back to the defaults.
func NewRegistry(logger *zap.Logger, ttl time.Duration, sweepEvery time.Duration, memoryLimit int) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if sweepEvery <= 0 {
		sweepEvery = DefaultSweepInterval
	}
	if memoryLimit <= 0 {
		memoryLimit = DefaultMemoryLimit
	}
	return &Registry{
		logger:      logger,
		ttl:         ttl,
		sweepEvery:  sweepEvery,
		memoryLimit: memoryLimit,
		sessions:    make(map[string]*Session),
		stop:        make(chan struct{}),
	}
}

// Create allocates a fresh session with empty memory and no upstream handle.
func (r *Registry) Create(userID string) Session {
	sess := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		CreatedAt: time.Now(),
	}
	r.mu.Lock()
	r.sessions[sess.ID] = sess
	r.mu.Unlock()

	r.logger.Info("session created",
		zap.String("session_id", sess.ID),
		zap.String("user_id", userID),
	)
	return snapshot(sess)
}

// Get returns a snapshot of the session, or false if it does not exist or
// its TTL has elapsed. Expiry is checked here so a session becomes
// unreachable at exactly creation+TTL, independent of the sweep cadence.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if ok && r.expired(sess, time.Now()) {
		delete(r.sessions, id)
		handle := sess.Upstream
		r.mu.Unlock()
		r.closeHandle(id, handle)
		return Session{}, false
	}
	if !ok {
		r.mu.Unlock()
		return Session{}, false
	}
	out := snapshot(sess)
	r.mu.Unlock()
	return out, true
}

// Update applies fn to the stored session under the registry lock. Returns
// false if the session does not exist.
func (r *Registry) Update(id string, fn func(*Session)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return false
	}
	fn(sess)
	return true
}

// AppendMemory appends a conversation turn and truncates memory to the most
// recent limit entries. No-op if the session is absent.
func (r *Registry) AppendMemory(id string, role string, content string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return
	}
	sess.Memory = append(sess.Memory, Turn{Role: role, Content: content})
	if len(sess.Memory) > r.memoryLimit {
		sess.Memory = sess.Memory[len(sess.Memory)-r.memoryLimit:]
	}
}

// Delete removes the session. Idempotent; returns false if nothing was
// removed. A live upstream handle is closed.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.closeHandle(id, sess.Upstream)
	r.logger.Info("session deleted", zap.String("session_id", id))
	return true
}

// Count returns the number of stored sessions, expired or not.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// StartJanitor runs the periodic expiry sweep until Close is called. The
// sweep is the authoritative eviction mechanism; there are no per-session
// timers.
func (r *Registry) StartJanitor() {
	go func() {
		ticker := time.NewTicker(r.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.SweepExpired()
			case <-r.stop:
				return
			}
		}
	}()
}

// SweepExpired deletes every session whose age exceeds the TTL, closing any
// live upstream handles.
func (r *Registry) SweepExpired() {
	now := time.Now()
	type expired struct {
		id     string
		handle UpstreamHandle
	}
	var evicted []expired

	r.mu.Lock()
	for id, sess := range r.sessions {
		if r.expired(sess, now) {
			delete(r.sessions, id)
			evicted = append(evicted, expired{id: id, handle: sess.Upstream})
		}
	}
	r.mu.Unlock()

	for _, e := range evicted {
		r.closeHandle(e.id, e.handle)
		r.logger.Info("session expired", zap.String("session_id", e.id))
	}
}

// Close stops the janitor and closes every live upstream handle. Idempotent.
func (r *Registry) Close() {
	r.stopOnce.Do(func() {
		close(r.stop)

		r.mu.Lock()
		handles := make(map[string]UpstreamHandle, len(r.sessions))
		for id, sess := range r.sessions {
			if sess.Upstream != nil {
				handles[id] = sess.Upstream
				sess.Upstream = nil
			}
		}
		r.mu.Unlock()

		for id, handle := range handles {
			r.closeHandle(id, handle)
		}
	})
}

func (r *Registry) expired(sess *Session, now time.Time) bool {
	return now.Sub(sess.CreatedAt) > r.ttl
}

func (r *Registry) closeHandle(id string, handle UpstreamHandle) {
	if handle == nil {
		return
	}
	if err := handle.Close(); err != nil {
		r.logger.Warn("upstream close on eviction failed",
			zap.String("session_id", id),
			zap.Error(err),
		)
	}
}

func snapshot(sess *Session) Session {
	out := *sess
	if len(sess.Memory) > 0 {
		out.Memory = make([]Turn, len(sess.Memory))
		copy(out.Memory, sess.Memory)
	}
	return out
}
