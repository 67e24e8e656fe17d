package connwatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func fastBackoff() Backoff {
	return Backoff{
		Initial: time.Millisecond,
		Max:     4 * time.Millisecond,
		Retries: 5,
		Poll:    5 * time.Millisecond,
		Timeout: 100 * time.Millisecond,
	}
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDefaultBackoff(t *testing.T) {
	b := Backoff{Retries: 3}.withDefaults()
	if b.Retries != 3 {
		t.Errorf("Retries = %d, want explicit 3 kept", b.Retries)
	}
	if b.Initial != 2*time.Second || b.Max != time.Minute || b.Poll != time.Minute || b.Timeout != 10*time.Second {
		t.Errorf("defaults = %+v", b)
	}
}

func TestManager_ReadyAfterRetries(t *testing.T) {
	var calls atomic.Int32
	m := NewManager(t.Context(), quiet())
	defer m.Stop()

	m.Watch("ollama", func(context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("connection refused")
		}
		return nil
	}, fastBackoff())

	waitFor(t, "ready", func() bool { return m.Status()["ollama"].Ready })
	st := m.Status()["ollama"]
	if st.LastError != "" || st.LastCheck.IsZero() {
		t.Errorf("status = %+v", st)
	}
	if calls.Load() < 3 {
		t.Errorf("probes = %d, want at least 3", calls.Load())
	}
}

func TestManager_DownAndRecovered(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	m := NewManager(t.Context(), quiet())
	defer m.Stop()

	m.Watch("mqtt", func(context.Context) error {
		if healthy.Load() {
			return nil
		}
		return errors.New("broker gone")
	}, fastBackoff())

	waitFor(t, "ready", func() bool { return m.Status()["mqtt"].Ready })

	healthy.Store(false)
	waitFor(t, "down", func() bool {
		st := m.Status()["mqtt"]
		return !st.Ready && st.LastError == "broker gone"
	})

	healthy.Store(true)
	waitFor(t, "recovered", func() bool { return m.Status()["mqtt"].Ready })
}

func TestManager_NeverReady(t *testing.T) {
	m := NewManager(t.Context(), quiet())
	defer m.Stop()

	var calls atomic.Int32
	m.Watch("anthropic", func(context.Context) error {
		calls.Add(1)
		return errors.New("401")
	}, fastBackoff())

	// Startup retries give way to polling, which keeps probing.
	waitFor(t, "polling", func() bool { return calls.Load() > int32(fastBackoff().Retries)+1 })
	if st := m.Status()["anthropic"]; st.Ready || st.LastError != "401" {
		t.Errorf("status = %+v", st)
	}
}

func TestManager_DuplicateWatchIgnored(t *testing.T) {
	m := NewManager(t.Context(), quiet())
	defer m.Stop()

	var second atomic.Bool
	m.Watch("x", func(context.Context) error { return nil }, fastBackoff())
	m.Watch("x", func(context.Context) error { second.Store(true); return nil }, fastBackoff())

	waitFor(t, "ready", func() bool { return m.Status()["x"].Ready })
	time.Sleep(20 * time.Millisecond)
	if second.Load() {
		t.Error("second probe for the same name ran")
	}
	if len(m.Status()) != 1 {
		t.Errorf("Status() = %v", m.Status())
	}
}

func TestManager_StopCancelsProbe(t *testing.T) {
	m := NewManager(context.Background(), quiet())
	started := make(chan struct{})
	m.Watch("slow", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, Backoff{Timeout: time.Hour, Retries: 1})

	<-started
	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return while a probe was running")
	}
}

func TestManager_NilStatus(t *testing.T) {
	var m *Manager
	if m.Status() != nil {
		t.Error("nil manager Status() != nil")
	}
}
