package weft

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startTestRuntime starts a runtime against the test registry and tears it
// down with the test.
func startTestRuntime(t *testing.T, cfg *Config, name string, handler Handler) *Runtime {
	t.Helper()

	rt := NewRuntime(name, handler, cfg)
	require.NoError(t, rt.Start(context.Background()))
	t.Cleanup(rt.Stop)

	// Let the runtime's client sockets settle before traffic.
	time.Sleep(100 * time.Millisecond)
	return rt
}

// echoHandler returns its input payload unchanged
var echoHandler = HandlerFunc(func(ctx context.Context, rc *RuntimeContext, payload any) (any, error) {
	return payload, nil
})

func TestRuntime_Lifecycle(t *testing.T) {
	t.Run("start registers and activates", func(t *testing.T) {
		_, cfg := startTestRegistry(t)
		rt := startTestRuntime(t, cfg, "echo", echoHandler)

		assert.Equal(t, StateActive, rt.State())
		assert.NotEmpty(t, rt.Address())

		client := newTestClient(t, cfg)
		rec, err := client.Lookup(context.Background(), "echo")
		require.NoError(t, err)
		assert.Equal(t, rt.Address(), rec.Address)
	})

	t.Run("stop deregisters before releasing the endpoint", func(t *testing.T) {
		_, cfg := startTestRegistry(t)
		rt := startTestRuntime(t, cfg, "short-lived", echoHandler)
		client := newTestClient(t, cfg)

		rt.Stop()
		assert.Equal(t, StateStopped, rt.State())

		_, err := client.Lookup(context.Background(), "short-lived")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("start without handler fails", func(t *testing.T) {
		_, cfg := startTestRegistry(t)

		rt := NewRuntime("broken", nil, cfg)
		err := rt.Start(context.Background())
		assert.ErrorIs(t, err, ErrInvalid)
		assert.Equal(t, StateUnregistered, rt.State())
	})

	t.Run("registration retries until the registry is up", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.RegistryURL = localEndpoint(findFreePort())
		cfg.RegistryTimeout = 200 * time.Millisecond
		cfg.HeartbeatInterval = 100 * time.Millisecond
		cfg.SweepInterval = 200 * time.Millisecond
		cfg.SweepMaxAge = 600 * time.Millisecond

		// Bring the registry up only after the runtime has started retrying.
		store := NewStore(nil)
		server := NewServer(store, cfg, nil)
		go func() {
			time.Sleep(400 * time.Millisecond)
			server.Start()
		}()
		t.Cleanup(func() { server.Close() })

		rt := NewRuntime("patient", echoHandler, cfg)
		require.NoError(t, rt.Start(context.Background()))
		t.Cleanup(rt.Stop)

		assert.Equal(t, StateActive, rt.State())
	})

	t.Run("registration abandoned when context ends", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.RegistryURL = localEndpoint(findFreePort())
		cfg.RegistryTimeout = 100 * time.Millisecond

		ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
		defer cancel()

		rt := NewRuntime("abandoned", echoHandler, cfg)
		err := rt.Start(ctx)
		assert.Error(t, err)
		assert.Equal(t, StateUnregistered, rt.State())
	})
}

func TestRuntime_Heartbeats(t *testing.T) {
	t.Run("heartbeats keep the record alive across sweeps", func(t *testing.T) {
		store, cfg := startTestRegistry(t)
		rt := startTestRuntime(t, cfg, "steady", echoHandler)

		// Several sweep intervals pass; the runtime must survive them all.
		time.Sleep(3 * cfg.SweepMaxAge)

		_, err := store.Lookup("steady")
		assert.NoError(t, err)
		assert.Equal(t, StateActive, rt.State())
		assert.Greater(t, rt.Metrics().Snapshot().HeartbeatRttAvgMs, 0.0)
	})
}

func TestRuntime_Calls(t *testing.T) {
	t.Run("echo scenario", func(t *testing.T) {
		_, cfg := startTestRegistry(t)
		startTestRuntime(t, cfg, "echo", echoHandler)

		client := newTestClient(t, cfg)
		disp := NewDispatcher(client, cfg.CallTimeout, nil)

		result, err := disp.Call(context.Background(), "echo", map[string]any{"x": 1})
		require.NoError(t, err)

		m, ok := result.(map[string]any)
		require.True(t, ok)
		assert.EqualValues(t, 1, m["x"])
	})

	t.Run("handler failure propagates as remote error", func(t *testing.T) {
		_, cfg := startTestRegistry(t)
		failing := HandlerFunc(func(ctx context.Context, rc *RuntimeContext, payload any) (any, error) {
			return nil, fmt.Errorf("kaboom")
		})
		startTestRuntime(t, cfg, "flaky", failing)

		client := newTestClient(t, cfg)
		disp := NewDispatcher(client, cfg.CallTimeout, nil)

		_, err := disp.Call(context.Background(), "flaky", nil)
		var remote *RemoteError
		require.ErrorAs(t, err, &remote)
		assert.Equal(t, "flaky", remote.Service)
		assert.Contains(t, remote.Message, "kaboom")
	})

	t.Run("handler can call another service through its context", func(t *testing.T) {
		_, cfg := startTestRegistry(t)
		startTestRuntime(t, cfg, "echo", echoHandler)

		relay := HandlerFunc(func(ctx context.Context, rc *RuntimeContext, payload any) (any, error) {
			return rc.Call(ctx, "echo", payload)
		})
		startTestRuntime(t, cfg, "relay", relay)

		client := newTestClient(t, cfg)
		disp := NewDispatcher(client, cfg.CallTimeout, nil)

		result, err := disp.Call(context.Background(), "relay", map[string]any{"hop": 2})
		require.NoError(t, err)

		m, ok := result.(map[string]any)
		require.True(t, ok)
		assert.EqualValues(t, 2, m["hop"])
	})

	t.Run("slow handler does not block other inbound calls", func(t *testing.T) {
		_, cfg := startTestRegistry(t)
		mixed := HandlerFunc(func(ctx context.Context, rc *RuntimeContext, payload any) (any, error) {
			if m, ok := payload.(map[string]any); ok {
				if slow, _ := m["slow"].(bool); slow {
					time.Sleep(800 * time.Millisecond)
				}
			}
			return "done", nil
		})
		startTestRuntime(t, cfg, "mixed", mixed)

		client := newTestClient(t, cfg)
		disp := NewDispatcher(client, cfg.CallTimeout, nil)

		go disp.Call(context.Background(), "mixed", map[string]any{"slow": true})
		time.Sleep(50 * time.Millisecond)

		start := time.Now()
		_, err := disp.Call(context.Background(), "mixed", map[string]any{"slow": false})
		require.NoError(t, err)
		assert.Less(t, time.Since(start), 500*time.Millisecond)
	})
}

func TestRuntime_Subscriptions(t *testing.T) {
	t.Run("subscribe and unsubscribe", func(t *testing.T) {
		_, cfg := startTestRegistry(t)
		rt := startTestRuntime(t, cfg, "listener", echoHandler)
		client := newTestClient(t, cfg)
		ctx := context.Background()

		require.NoError(t, rt.Subscribe(ctx, "events"))

		subs, err := client.SubscribersOf(ctx, "events")
		require.NoError(t, err)
		require.Len(t, subs, 1)
		assert.Equal(t, "listener", subs[0].Name)

		require.NoError(t, rt.Unsubscribe(ctx, "events"))

		subs, err = client.SubscribersOf(ctx, "events")
		require.NoError(t, err)
		assert.Empty(t, subs)
	})
}

func TestRuntime_ConcurrentStop(t *testing.T) {
	// Stop races against callers and the serve loops; the lifecycle flag must
	// hold up under concurrent access and Stop must stay idempotent.
	_, cfg := startTestRegistry(t)
	rt := startTestRuntime(t, cfg, "contended", echoHandler)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				// Which failure a caller sees depends on where the stop
				// lands; any error after it is acceptable.
				if _, err := rt.Call(context.Background(), "contended", "x"); err != nil {
					return
				}
			}
		}()
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		time.Sleep(50 * time.Millisecond)
		rt.Stop()
	}()
	go func() {
		defer wg.Done()
		time.Sleep(50 * time.Millisecond)
		rt.Stop()
	}()
	wg.Wait()

	assert.Equal(t, StateStopped, rt.State())
}

func TestRuntimeState_String(t *testing.T) {
	assert.Equal(t, "unregistered", StateUnregistered.String())
	assert.Equal(t, "registering", StateRegistering.String())
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "deregistering", StateDeregistering.String())
	assert.Equal(t, "stopped", StateStopped.String())
}
