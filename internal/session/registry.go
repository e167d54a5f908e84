// internal/session/registry.go
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/authbridge/internal/browser"
	"github.com/xkilldash9x/authbridge/internal/config"
)

// ControllerFactory builds a fresh automation controller for a new session.
type ControllerFactory func() Automator

// Registry tracks live sessions, evicts idle ones on a sweep interval, and
// drains everything on shutdown.
type Registry struct {
	cfg     config.SessionConfig
	logger  *zap.Logger
	factory ControllerFactory

	mu       sync.Mutex
	sessions map[string]*Session
	started  bool

	sweepStop chan struct{}
	sweepDone chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewRegistry creates a session registry.
func NewRegistry(factory ControllerFactory, cfg config.SessionConfig, logger *zap.Logger) (*Registry, error) {
	if factory == nil {
		return nil, fmt.Errorf("controller factory cannot be nil")
	}
	return &Registry{
		cfg:       cfg,
		logger:    logger.Named("registry"),
		factory:   factory,
		sessions:  make(map[string]*Session),
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}, nil
}

// Create registers a new session bound to the given sender and returns it.
func (r *Registry) Create(ctx context.Context, sender Sender) (*Session, error) {
	id := uuid.NewString()
	sess, err := New(ctx, id, r.factory(), sender, r.logger)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.sessions[id] = sess
	count := len(r.sessions)
	r.mu.Unlock()

	r.logger.Info("Session created.",
		zap.String("session_id", shortID(id)), zap.Int("active", count))
	return sess, nil
}

// Get looks up a session by id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

// Remove closes and deregisters a session. Removing an unknown or already
// removed id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	count := len(r.sessions)
	r.mu.Unlock()

	if !ok {
		return
	}
	sess.Close()
	r.logger.Info("Session removed.",
		zap.String("session_id", shortID(id)), zap.Int("active", count))
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Start launches the idle sweeper. Subsequent calls are no-ops.
func (r *Registry) Start() {
	r.startOnce.Do(func() {
		r.mu.Lock()
		r.started = true
		r.mu.Unlock()
		go r.sweepLoop()
	})
}

func (r *Registry) sweepLoop() {
	defer close(r.sweepDone)

	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.sweepStop:
			return
		}
	}
}

// sweep evicts sessions whose last client activity is older than the idle
// timeout. Eviction uses the same path as an explicit disconnect.
func (r *Registry) sweep() {
	cutoff := time.Now().Add(-r.cfg.IdleTimeout)

	r.mu.Lock()
	var stale []string
	for id, sess := range r.sessions {
		if sess.LastActivity().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	for _, id := range stale {
		r.logger.Info("Evicting idle session.", zap.String("session_id", shortID(id)))
		r.Remove(id)
	}
}

// Shutdown stops the sweeper and closes all sessions concurrently, waiting for
// every teardown to finish or the ctx to expire.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.stopOnce.Do(func() {
		close(r.sweepStop)
	})
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	if started {
		select {
		case <-r.sweepDone:
		case <-ctx.Done():
		}
	}

	r.mu.Lock()
	remaining := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		remaining = append(remaining, sess)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	if len(remaining) == 0 {
		return nil
	}
	r.logger.Info("Closing remaining sessions.", zap.Int("count", len(remaining)))

	g, _ := errgroup.WithContext(ctx)
	for _, sess := range remaining {
		g.Go(func() error {
			sess.Close()
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("session drain incomplete: %w", ctx.Err())
	}
}

// compile-time wiring check: the browser controller satisfies the automator
// contract the registry hands out.
var _ Automator = (*browser.Controller)(nil)
