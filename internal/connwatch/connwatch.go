// Package connwatch watches the backends a bot depends on (generation
// servers and MCP servers) and logs when they go down or come back.
//
// httpkit retries sub-second dial errors inside one request. connwatch
// covers longer outages: a model server restarting or an MCP subprocess
// failing to come up. Each watcher pings with exponential backoff until
// the backend first answers, then polls at a fixed interval.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Ping checks one backend. Nil means healthy.
type Ping func(ctx context.Context) error

// State is a backend's last known health.
type State string

// Health states.
const (
	StateUnknown State = "unknown"
	StateUp      State = "up"
	StateDown    State = "down"
)

// Schedule controls ping timing. Zero fields take the defaults of
// [DefaultSchedule].
type Schedule struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Poll         time.Duration
	Timeout      time.Duration
}

// DefaultSchedule backs off from 2s to 60s before the first success
// and polls every minute after.
func DefaultSchedule() Schedule {
	return Schedule{
		InitialDelay: 2 * time.Second,
		MaxDelay:     time.Minute,
		Poll:         time.Minute,
		Timeout:      10 * time.Second,
	}
}

func (s Schedule) withDefaults() Schedule {
	d := DefaultSchedule()
	if s.InitialDelay <= 0 {
		s.InitialDelay = d.InitialDelay
	}
	if s.MaxDelay <= 0 {
		s.MaxDelay = d.MaxDelay
	}
	if s.Poll <= 0 {
		s.Poll = d.Poll
	}
	if s.Timeout <= 0 {
		s.Timeout = d.Timeout
	}
	return s
}

// Status is a snapshot of one watcher.
type Status struct {
	Name      string    `json:"name"`
	State     State     `json:"state"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher pings one backend in the background.
type Watcher struct {
	name     string
	ping     Ping
	schedule Schedule
	onChange func(State, error)
	logger   *slog.Logger
	done     chan struct{}

	mu        sync.Mutex
	state     State
	lastErr   error
	lastCheck time.Time
}

// Status returns the watcher's current snapshot.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Status{Name: w.name, State: w.state, LastCheck: w.lastCheck}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Done is closed when the watcher has stopped.
func (w *Watcher) Done() <-chan struct{} { return w.done }

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	delay := w.schedule.InitialDelay
	for w.check(ctx) != StateUp {
		if !sleep(ctx, delay) {
			return
		}
		delay = min(delay*2, w.schedule.MaxDelay)
	}

	ticker := time.NewTicker(w.schedule.Poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

// check pings once and reports transitions.
func (w *Watcher) check(ctx context.Context) State {
	pctx, cancel := context.WithTimeout(ctx, w.schedule.Timeout)
	err := w.ping(pctx)
	cancel()
	if ctx.Err() != nil {
		return StateUnknown
	}

	next := StateUp
	if err != nil {
		next = StateDown
	}

	w.mu.Lock()
	prev := w.state
	w.state = next
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()

	if prev == next {
		if err != nil {
			w.logger.Debug("backend still unreachable", "backend", w.name, "error", err)
		}
		return next
	}

	switch {
	case next == StateUp && prev == StateUnknown:
		w.logger.Info("backend reachable", "backend", w.name)
	case next == StateUp:
		w.logger.Info("backend recovered", "backend", w.name)
	default:
		w.logger.Warn("backend unreachable", "backend", w.name, "error", err)
	}
	if w.onChange != nil {
		w.onChange(next, err)
	}
	return next
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Manager owns the watchers for a process.
type Manager struct {
	logger *slog.Logger

	mu       sync.Mutex
	watchers map[string]*Watcher
	cancels  []context.CancelFunc
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger, watchers: make(map[string]*Watcher)}
}

// Watch starts probing a backend until ctx ends or Stop is called.
// onChange, if set, runs on the watcher goroutine after every state
// change. Watching a name twice replaces nothing and returns the
// existing watcher.
func (m *Manager) Watch(ctx context.Context, name string, ping Ping, s Schedule, onChange func(State, error)) *Watcher {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.watchers[name]; ok {
		return w
	}

	wctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		name:     name,
		ping:     ping,
		schedule: s.withDefaults(),
		onChange: onChange,
		logger:   m.logger,
		done:     make(chan struct{}),
		state:    StateUnknown,
	}
	m.watchers[name] = w
	m.cancels = append(m.cancels, cancel)
	go w.run(wctx)
	return w
}

// Status returns every watcher's snapshot, sorted by name.
func (m *Manager) Status() []Status {
	m.mu.Lock()
	out := make([]Status, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stop cancels every watcher and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancels := m.cancels
	m.cancels = nil
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	for _, w := range watchers {
		<-w.done
	}
}
