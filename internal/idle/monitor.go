// Package idle tracks whether a user session is active, in its warning
// countdown, or timed out.
//
// A Monitor moves through three states:
//
//	Active --(TotalTimeout-PromptDuration without activity)--> Prompting
//	Prompting --(countdown reaches zero)--> Idle
//	any state --(activity pulse)--> Active
//
// In Active only the deadline timer is armed, in Prompting only the one
// second countdown interval is armed, and in Idle neither is. Timer callbacks
// that were already in flight when a reset or teardown happened are
// recognised by their generation and dropped.
package idle

import (
	"sync"
	"time"

	"portafoglio/internal/activity"
	"portafoglio/internal/clock"
	"portafoglio/internal/log"
)

// tickInterval is the countdown resolution.
const tickInterval = time.Second

// Listener observes monitor snapshots.
type Listener func(Snapshot)

// Option configures a Monitor at construction.
type Option func(*Monitor)

// WithClock replaces the wall clock, typically with a clock.Fake in tests.
func WithClock(c clock.Clock) Option {
	return func(m *Monitor) { m.clock = c }
}

// WithSource subscribes the monitor to every activity kind on src. The
// subscription is released by Close.
func WithSource(src activity.Source) Option {
	return func(m *Monitor) { m.source = src }
}

// WithLogger sets the logger used for transition records.
func WithLogger(l *log.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithListener registers a listener before the monitor is armed.
func WithListener(fn Listener) Option {
	return func(m *Monitor) { m.addListener(fn) }
}

// Monitor is the session activity state machine. All methods are safe for
// concurrent use.
type Monitor struct {
	cfg    Config
	clock  clock.Clock
	source activity.Source
	logger *log.Logger

	mu          sync.Mutex
	state       State
	remaining   int
	generation  uint64
	deadline    clock.Timer
	countdown   clock.Timer
	closed      bool
	unsubscribe func()

	listeners    map[uint64]Listener
	nextListener uint64
	pending      []Snapshot
	dispatching  bool
}

// New builds a monitor in Active. Unless cfg is disabled the deadline timer is
// armed immediately.
func New(cfg Config, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:       cfg,
		clock:     clock.Real(),
		listeners: make(map[uint64]Listener),
		state:     Active,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = log.Discard()
	}
	m.logger = m.logger.WithComponent(log.ComponentIdle)

	if !cfg.Enabled() {
		m.logger.Debug("Idle monitoring disabled",
			log.FieldTotalTimeout, cfg.TotalTimeout,
			log.FieldPromptTimeout, cfg.PromptDuration)
	}

	m.mu.Lock()
	m.reset()
	m.mu.Unlock()

	if m.source != nil {
		unsubscribe := m.source.Subscribe(activity.Kinds(), func(kind activity.Kind) {
			m.logger.Debug("Activity pulse", log.FieldActivityKind, string(kind))
			m.NotifyActivity()
		})
		m.mu.Lock()
		m.unsubscribe = unsubscribe
		m.mu.Unlock()
	}

	return m
}

// NotifyActivity cancels any armed timer, returns the monitor to Active and,
// when enabled, schedules a fresh deadline measured from now. It works from
// every state, including Idle. Listeners are only notified when the state
// actually changes.
func (m *Monitor) NotifyActivity() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	prev := m.state
	m.reset()
	if prev != Active {
		m.logger.Debug("Session resumed", log.FieldPrevState, prev.String())
		m.queue()
	}
	m.mu.Unlock()

	m.flush()
}

// Snapshot returns the current state and countdown.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot()
}

// State returns the current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Remaining returns the countdown in whole seconds; zero outside Prompting.
func (m *Monitor) Remaining() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remaining
}

// Enabled reports whether the configuration arms timers at all.
func (m *Monitor) Enabled() bool {
	return m.cfg.Enabled()
}

// Config returns the configuration the monitor was built with.
func (m *Monitor) Config() Config {
	return m.cfg
}

// Subscribe registers fn to receive a snapshot on every transition and every
// countdown tick. Snapshots arrive in the order they were produced and never
// while the monitor's lock is held, so fn may call back into the monitor.
func (m *Monitor) Subscribe(fn Listener) (cancel func()) {
	m.mu.Lock()
	id := m.addListener(fn)
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

// Close cancels every timer and releases the activity subscription. It is
// safe to call from any state and more than once. A closed monitor ignores
// activity and keeps reporting the state it was closed in.
func (m *Monitor) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.generation++
	m.stopTimers()
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	m.pending = nil
	m.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	m.logger.Debug("Idle monitor closed")
}

// reset stops both timers, enters Active and re-arms the deadline. Caller
// holds m.mu.
func (m *Monitor) reset() {
	m.stopTimers()
	m.generation++
	m.state = Active
	m.remaining = 0

	if !m.cfg.Enabled() {
		return
	}
	gen := m.generation
	m.deadline = m.clock.AfterFunc(m.cfg.PromptAfter(), func() { m.onDeadline(gen) })
}

func (m *Monitor) onDeadline(gen uint64) {
	m.mu.Lock()
	if m.closed || gen != m.generation || m.state != Active {
		m.mu.Unlock()
		return
	}
	m.deadline = nil

	remaining := m.cfg.PromptSeconds()
	if remaining <= 0 {
		m.state = Idle
		m.remaining = 0
		m.logger.Debug("Session idle without countdown")
	} else {
		m.state = Prompting
		m.remaining = remaining
		m.countdown = m.clock.Every(tickInterval, func() { m.onTick(gen) })
		m.logger.Debug("Session prompting", log.FieldRemaining, remaining)
	}
	m.queue()
	m.mu.Unlock()

	m.flush()
}

func (m *Monitor) onTick(gen uint64) {
	m.mu.Lock()
	if m.closed || gen != m.generation || m.state != Prompting {
		m.mu.Unlock()
		return
	}

	m.remaining--
	if m.remaining <= 0 {
		m.remaining = 0
		m.state = Idle
		if m.countdown != nil {
			m.countdown.Stop()
			m.countdown = nil
		}
		m.logger.Debug("Session idle")
	}
	m.queue()
	m.mu.Unlock()

	m.flush()
}

// stopTimers cancels both timer handles. Caller holds m.mu.
func (m *Monitor) stopTimers() {
	if m.deadline != nil {
		m.deadline.Stop()
		m.deadline = nil
	}
	if m.countdown != nil {
		m.countdown.Stop()
		m.countdown = nil
	}
}

func (m *Monitor) snapshot() Snapshot {
	return Snapshot{State: m.state, Remaining: m.remaining}
}

// addListener registers fn and returns its id. Caller holds m.mu, except
// during construction when the monitor is not yet shared.
func (m *Monitor) addListener(fn Listener) uint64 {
	m.nextListener++
	m.listeners[m.nextListener] = fn
	return m.nextListener
}

// queue records the current snapshot for delivery. Caller holds m.mu.
func (m *Monitor) queue() {
	if len(m.listeners) == 0 {
		return
	}
	m.pending = append(m.pending, m.snapshot())
}

// flush delivers queued snapshots. Only one goroutine dispatches at a time;
// snapshots queued by other goroutines, or by listeners re-entering the
// monitor, are picked up by the goroutine already dispatching.
func (m *Monitor) flush() {
	m.mu.Lock()
	if m.dispatching {
		m.mu.Unlock()
		return
	}
	m.dispatching = true

	for len(m.pending) > 0 {
		snap := m.pending[0]
		m.pending = m.pending[1:]
		listeners := make([]Listener, 0, len(m.listeners))
		for _, fn := range m.listeners {
			listeners = append(listeners, fn)
		}
		m.mu.Unlock()

		for _, fn := range listeners {
			fn(snap)
		}

		m.mu.Lock()
	}

	m.dispatching = false
	m.mu.Unlock()
}
