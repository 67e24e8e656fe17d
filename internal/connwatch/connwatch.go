// Package connwatch tracks whether Aki's external dependencies (model
// providers and the MQTT broker) are reachable.
//
// A watcher probes its service with growing delays until the first
// success or until its startup retries run out, then polls at a fixed
// interval and logs every transition between up and down. Model calls
// do not consult it; it only feeds the health endpoint.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ProbeFunc reports nil when the service is reachable.
type ProbeFunc func(ctx context.Context) error

// Backoff is the probe schedule.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	// Retries bounds the startup phase.
	Retries int
	Poll    time.Duration
	Timeout time.Duration
}

// DefaultBackoff probes at 2s, 4s, 8s ... capped at 60s for ten
// attempts, then once a minute.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial: 2 * time.Second,
		Max:     60 * time.Second,
		Retries: 10,
		Poll:    60 * time.Second,
		Timeout: 10 * time.Second,
	}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Retries <= 0 {
		b.Retries = d.Retries
	}
	if b.Poll <= 0 {
		b.Poll = d.Poll
	}
	if b.Timeout <= 0 {
		b.Timeout = d.Timeout
	}
	return b
}

// Status is a service's health as reported on the health endpoint.
type Status struct {
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

type watcher struct {
	name    string
	probe   ProbeFunc
	backoff Backoff
	logger  *slog.Logger
	done    chan struct{}

	mu     sync.Mutex
	status Status
}

func (w *watcher) snapshot() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// check probes once and returns the previous and new readiness.
func (w *watcher) check(ctx context.Context) (was, now bool, err error) {
	pctx, cancel := context.WithTimeout(ctx, w.backoff.Timeout)
	err = w.probe(pctx)
	cancel()

	w.mu.Lock()
	defer w.mu.Unlock()
	was = w.status.Ready
	w.status.Ready = err == nil
	w.status.LastCheck = time.Now()
	w.status.LastError = ""
	if err != nil {
		w.status.LastError = err.Error()
	}
	return was, err == nil, err
}

func (w *watcher) run(ctx context.Context) {
	defer close(w.done)

	delay := w.backoff.Initial
	for attempt := 1; attempt <= w.backoff.Retries; attempt++ {
		_, ready, err := w.check(ctx)
		if ready {
			w.logger.Info("service connected", "service", w.name, "after_attempts", attempt)
			break
		}
		if ctx.Err() != nil {
			return
		}
		if attempt == w.backoff.Retries {
			w.logger.Warn("service unreachable at startup, polling in background",
				"service", w.name, "attempts", attempt, "error", err)
			break
		}
		w.logger.Debug("service probe failed, retrying",
			"service", w.name, "attempt", attempt, "next_delay", delay.String(), "error", err)
		if !sleep(ctx, delay) {
			return
		}
		delay = min(2*delay, w.backoff.Max)
	}

	ticker := time.NewTicker(w.backoff.Poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			was, now, err := w.check(ctx)
			switch {
			case was && !now:
				w.logger.Warn("service became unreachable", "service", w.name, "error", err)
			case !was && now:
				w.logger.Info("service recovered", "service", w.name)
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager owns a set of watchers.
type Manager struct {
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	watchers map[string]*watcher
}

// NewManager returns a manager whose watchers run until ctx is
// cancelled or Stop is called.
func NewManager(ctx context.Context, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Manager{
		logger:   logger.With("component", "connwatch"),
		ctx:      ctx,
		cancel:   cancel,
		watchers: make(map[string]*watcher),
	}
}

// Watch starts probing a service. A second Watch with the same name is
// ignored.
func (m *Manager) Watch(name string, probe ProbeFunc, b Backoff) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.watchers[name]; ok {
		return
	}
	w := &watcher{
		name:    name,
		probe:   probe,
		backoff: b.withDefaults(),
		logger:  m.logger,
		done:    make(chan struct{}),
	}
	m.watchers[name] = w
	go w.run(m.ctx)
}

// Status returns the health of every watched service. It is safe to
// call on a nil Manager.
func (m *Manager) Status() map[string]Status {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Status, len(m.watchers))
	for name, w := range m.watchers {
		out[name] = w.snapshot()
	}
	return out
}

// Stop cancels every watcher and waits for them to exit.
func (m *Manager) Stop() {
	m.cancel()
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.watchers {
		<-w.done
	}
}
