// internal/session/registry_test.go
package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/authbridge/api/schemas"
	"github.com/xkilldash9x/authbridge/internal/config"
)

func testSessionCfg() config.SessionConfig {
	return config.SessionConfig{
		IdleTimeout:   time.Hour,
		SweepInterval: time.Hour,
	}
}

func newTestRegistry(t *testing.T, cfg config.SessionConfig) *Registry {
	t.Helper()
	factory := ControllerFactory(func() Automator {
		return &mockAutomator{}
	})
	registry, err := NewRegistry(factory, cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = registry.Shutdown(ctx)
	})
	return registry
}

func drainReadiness(t *testing.T, sender *recordingSender) {
	t.Helper()
	sender.expect(t, schemas.MsgBrowserReady)
}

func TestNewRegistryRequiresFactory(t *testing.T) {
	_, err := NewRegistry(nil, testSessionCfg(), zap.NewNop())
	assert.Error(t, err)
}

func TestCreateGetRemove(t *testing.T) {
	registry := newTestRegistry(t, testSessionCfg())
	sender := newRecordingSender()

	sess, err := registry.Create(context.Background(), sender)
	require.NoError(t, err)
	drainReadiness(t, sender)
	assert.Equal(t, 1, registry.Len())

	got, ok := registry.Get(sess.ID())
	require.True(t, ok)
	assert.Same(t, sess, got)

	registry.Remove(sess.ID())
	assert.Equal(t, 0, registry.Len())
	_, ok = registry.Get(sess.ID())
	assert.False(t, ok)
}

func TestRemoveIsIdempotent(t *testing.T) {
	registry := newTestRegistry(t, testSessionCfg())
	sender := newRecordingSender()

	sess, err := registry.Create(context.Background(), sender)
	require.NoError(t, err)
	drainReadiness(t, sender)

	registry.Remove(sess.ID())
	registry.Remove(sess.ID())
	registry.Remove("no-such-session")
	assert.Equal(t, 0, registry.Len())
}

func TestSweepEvictsOnlyIdleSessions(t *testing.T) {
	cfg := config.SessionConfig{
		IdleTimeout:   60 * time.Millisecond,
		SweepInterval: 20 * time.Millisecond,
	}
	registry := newTestRegistry(t, cfg)
	registry.Start()

	idleSender := newRecordingSender()
	idle, err := registry.Create(context.Background(), idleSender)
	require.NoError(t, err)
	drainReadiness(t, idleSender)

	activeSender := newRecordingSender()
	active, err := registry.Create(context.Background(), activeSender)
	require.NoError(t, err)
	drainReadiness(t, activeSender)

	// Keep one session warm with pings while the other goes stale.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(15 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = active.Dispatch(context.Background(), schemas.ClientMessage{Type: schemas.MsgPing})
				// Drain pongs so the sender buffer never stalls the session.
				for len(activeSender.msgs) > 0 {
					<-activeSender.msgs
				}
			case <-stop:
				return
			}
		}
	}()

	require.Eventually(t, func() bool {
		_, idleAlive := registry.Get(idle.ID())
		_, activeAlive := registry.Get(active.ID())
		return !idleAlive && activeAlive
	}, 2*time.Second, 10*time.Millisecond, "idle session should be evicted while the active one survives")
}

func TestShutdownClosesAllSessions(t *testing.T) {
	registry := newTestRegistry(t, testSessionCfg())
	registry.Start()

	automators := make([]*mockAutomator, 0, 3)
	factory := ControllerFactory(func() Automator {
		a := &mockAutomator{}
		automators = append(automators, a)
		return a
	})
	registry.factory = factory

	for i := 0; i < 3; i++ {
		sender := newRecordingSender()
		_, err := registry.Create(context.Background(), sender)
		require.NoError(t, err)
		drainReadiness(t, sender)
	}
	require.Equal(t, 3, registry.Len())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, registry.Shutdown(ctx))
	assert.Equal(t, 0, registry.Len())

	for _, a := range automators {
		a.mu.Lock()
		assert.Equal(t, 1, a.cleanupCalls)
		a.mu.Unlock()
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	registry := newTestRegistry(t, testSessionCfg())
	registry.Start()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, registry.Shutdown(ctx))
	require.NoError(t, registry.Shutdown(ctx))
}
