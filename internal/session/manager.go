package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"portafoglio/internal/clock"
	"portafoglio/internal/idle"
	"portafoglio/internal/log"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrManagerClosed   = errors.New("session manager closed")
)

// Config is shared by every session a Manager opens.
type Config struct {
	Idle      idle.Config
	Clock     clock.Clock
	Recorder  Recorder
	Publisher Publisher
	OnIdle    IdleAction
	Logger    *log.Logger
	// NewID generates session identifiers; defaults to random UUIDs.
	NewID func() string
}

// Manager keeps one Guard per open session.
type Manager struct {
	cfg    Config
	logger *log.Logger

	mu     sync.RWMutex
	guards  map[string]*Guard
	opening map[string]struct{}
	closed  bool
}

func NewManager(cfg Config) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Discard()
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}

	if !cfg.Idle.Enabled() {
		cfg.Logger.Warn("Idle monitoring disabled by configuration, sessions never time out",
			log.FieldTotalTimeout, cfg.Idle.TotalTimeout.String(),
			log.FieldPromptTimeout, cfg.Idle.PromptDuration.String())
	}

	return &Manager{
		cfg:    cfg,
		logger: cfg.Logger.WithComponent(log.ComponentSession),
		guards:  make(map[string]*Guard),
		opening: make(map[string]struct{}),
	}
}

// Open starts monitoring a new session. The guard is built outside the
// registry lock because building it journals the opening.
func (m *Manager) Open(ctx context.Context) (*Guard, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	id := m.cfg.NewID()
	if _, exists := m.guards[id]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("open session %s: id already in use", id)
	}
	if _, exists := m.opening[id]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("open session %s: id already in use", id)
	}
	m.opening[id] = struct{}{}
	m.mu.Unlock()

	g := newGuard(id, m.cfg)

	m.mu.Lock()
	delete(m.opening, id)
	if m.closed {
		m.mu.Unlock()
		g.Close(ctx)
		return nil, ErrManagerClosed
	}
	m.guards[id] = g
	open := len(m.guards)
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "Session opened",
		log.FieldSessionID, id,
		log.FieldOperation, log.OpOpen,
		"open_sessions", open)

	return g, nil
}

// Get returns the guard for id.
func (m *Manager) Get(id string) (*Guard, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.guards[id]
	if !ok {
		return nil, fmt.Errorf("get session %s: %w", id, ErrSessionNotFound)
	}
	return g, nil
}

// Close tears down one session and forgets it.
func (m *Manager) Close(ctx context.Context, id string) error {
	m.mu.Lock()
	g, ok := m.guards[id]
	if ok {
		delete(m.guards, id)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("close session %s: %w", id, ErrSessionNotFound)
	}

	g.Close(ctx)
	return nil
}

// CloseAll tears down every session and refuses new ones.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	guards := m.guards
	m.guards = make(map[string]*Guard)
	m.mu.Unlock()

	for _, g := range guards {
		g.Close(ctx)
	}

	m.logger.InfoContext(ctx, "All sessions closed",
		log.FieldOperation, log.OpShutdown,
		"count", len(guards))
}

// Reap closes every session that has had no consumer attached and no
// activity for at least after, and returns how many it closed. It covers
// browser tabs that went away without deleting their session.
func (m *Manager) Reap(ctx context.Context, after time.Duration) int {
	now := m.cfg.Clock.Now()

	m.mu.Lock()
	var stale []*Guard
	for id, g := range m.guards {
		if g.abandoned(now, after) {
			stale = append(stale, g)
			delete(m.guards, id)
		}
	}
	m.mu.Unlock()

	for _, g := range stale {
		g.Close(ctx)
	}
	if len(stale) > 0 {
		m.logger.InfoContext(ctx, "Abandoned sessions closed",
			log.FieldOperation, log.OpReap,
			"count", len(stale))
	}
	return len(stale)
}

// RunReaper calls Reap every interval until ctx is cancelled.
func (m *Manager) RunReaper(ctx context.Context, after, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Reap(ctx, after)
		case <-ctx.Done():
			return nil
		}
	}
}

// Len returns the number of open sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.guards)
}
