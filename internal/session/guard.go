// Package session turns idle monitor transitions into application effects:
// journal entries, broker messages and the lock action taken when a session
// goes idle.
package session

import (
	"context"
	"sync"
	"time"

	"portafoglio/internal/activity"
	"portafoglio/internal/clock"
	"portafoglio/internal/core"
	"portafoglio/internal/idle"
	"portafoglio/internal/log"
)

// effectTimeout bounds journal writes and broker publishes made from timer
// callbacks.
const effectTimeout = 5 * time.Second

// Recorder persists session events.
type Recorder interface {
	RecordEvent(ctx context.Context, e core.SessionEvent) error
}

// Publisher fans session events out to other services.
type Publisher interface {
	PublishSessionEvent(ctx context.Context, e core.SessionEvent) error
}

// IdleAction is run once each time a session reaches Idle, e.g. to lock it.
type IdleAction func(ctx context.Context, sessionID string)

// Guard owns the activity bus and idle monitor of one browser session.
type Guard struct {
	id        string
	bus       *activity.Bus
	monitor   *idle.Monitor
	clock     clock.Clock
	recorder  Recorder
	publisher Publisher
	onIdle    IdleAction
	logger    *log.Logger

	mu          sync.Mutex
	last        idle.State
	closed      bool
	done        chan struct{}
	watchers    int
	lastContact time.Time
}

func newGuard(id string, cfg Config) *Guard {
	g := &Guard{
		id:        id,
		bus:       activity.NewBus(),
		clock:     cfg.Clock,
		recorder:  cfg.Recorder,
		publisher: cfg.Publisher,
		onIdle:    cfg.OnIdle,
		logger:    cfg.Logger.WithComponent(log.ComponentSession).With(log.FieldSessionID, id),
		last:      idle.Active,
		done:      make(chan struct{}),
	}
	g.lastContact = g.clock.Now()

	g.emit(core.EventOpened, 0)

	g.monitor = idle.New(cfg.Idle,
		idle.WithClock(cfg.Clock),
		idle.WithSource(g.bus),
		idle.WithLogger(g.logger),
		idle.WithListener(g.observe),
	)

	return g
}

// ID returns the session identifier.
func (g *Guard) ID() string {
	return g.id
}

// Snapshot returns the monitor's current view.
func (g *Guard) Snapshot() idle.Snapshot {
	return g.monitor.Snapshot()
}

// Enabled reports whether idle monitoring is armed for this session.
func (g *Guard) Enabled() bool {
	return g.monitor.Enabled()
}

// Pulse feeds a browser activity signal into the session's activity source.
func (g *Guard) Pulse(kind activity.Kind) {
	g.touch()
	g.bus.Publish(kind)
}

// Extend is the explicit "stay signed in" action.
func (g *Guard) Extend() {
	g.touch()
	g.logger.Info("Session extended")
	g.monitor.NotifyActivity()
}

// Attach marks a live consumer connection, such as a websocket, on the
// session. Attached sessions are never reaped. The returned func detaches;
// calling it more than once has no further effect.
func (g *Guard) Attach() (detach func()) {
	g.mu.Lock()
	g.watchers++
	g.lastContact = g.clock.Now()
	g.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			g.watchers--
			g.lastContact = g.clock.Now()
			g.mu.Unlock()
		})
	}
}

// abandoned reports whether no consumer has been attached or sent activity
// for at least after.
func (g *Guard) abandoned(now time.Time, after time.Duration) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.watchers == 0 && now.Sub(g.lastContact) >= after
}

func (g *Guard) touch() {
	g.mu.Lock()
	g.lastContact = g.clock.Now()
	g.mu.Unlock()
}

// Subscribe registers fn for every snapshot the monitor produces.
func (g *Guard) Subscribe(fn func(idle.Snapshot)) (cancel func()) {
	return g.monitor.Subscribe(fn)
}

// Closed reports whether Close has run.
func (g *Guard) Closed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// Done is closed once the session has been torn down.
func (g *Guard) Done() <-chan struct{} {
	return g.done
}

// Close tears the monitor down and journals the end of the session. Calling
// it again does nothing.
func (g *Guard) Close(ctx context.Context) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	close(g.done)
	g.mu.Unlock()

	g.monitor.Close()
	g.emitContext(ctx, core.EventClosed, 0)
	g.logger.Info("Session closed")
}

// observe receives monitor snapshots. Countdown ticks within Prompting are
// not journalled; only state changes are.
func (g *Guard) observe(s idle.Snapshot) {
	g.mu.Lock()
	if g.closed || s.State == g.last {
		g.mu.Unlock()
		return
	}
	prev := g.last
	g.last = s.State
	g.mu.Unlock()

	g.logger.Info("Session state changed",
		log.FieldPrevState, prev.String(),
		log.FieldState, s.State.String(),
		log.FieldRemaining, s.Remaining)

	g.emit(eventKind(s.State), s.Remaining)

	if s.State == idle.Idle && g.onIdle != nil {
		ctx, cancel := context.WithTimeout(context.Background(), effectTimeout)
		defer cancel()
		g.onIdle(ctx, g.id)
	}
}

func (g *Guard) emit(kind core.EventKind, remaining int) {
	ctx, cancel := context.WithTimeout(context.Background(), effectTimeout)
	defer cancel()
	g.emitContext(ctx, kind, remaining)
}

// emitContext journals and publishes one event. Failures are logged and never
// reach the monitor.
func (g *Guard) emitContext(ctx context.Context, kind core.EventKind, remaining int) {
	e := core.SessionEvent{
		SessionID:  g.id,
		Kind:       kind,
		Remaining:  remaining,
		OccurredAt: g.clock.Now(),
	}

	if g.recorder != nil {
		if err := g.recorder.RecordEvent(ctx, e); err != nil {
			g.logger.ErrorContext(ctx, "Failed to record session event",
				log.FieldOperation, log.OpRecord,
				"kind", kind,
				log.FieldError, err)
		}
	}
	if g.publisher != nil {
		if err := g.publisher.PublishSessionEvent(ctx, e); err != nil {
			g.logger.ErrorContext(ctx, "Failed to publish session event",
				log.FieldOperation, log.OpPublish,
				"kind", kind,
				log.FieldError, err)
		}
	}
}

func eventKind(s idle.State) core.EventKind {
	switch s {
	case idle.Prompting:
		return core.EventPrompting
	case idle.Idle:
		return core.EventIdle
	default:
		return core.EventActive
	}
}
