package core

import (
	"errors"
	"strings"
	"time"
)

const (
	EventOpened    EventKind = "opened"
	EventActive    EventKind = "active"
	EventPrompting EventKind = "prompting"
	EventIdle      EventKind = "idle"
	EventClosed    EventKind = "closed"
)

type (
	// EventKind names a step in a session's lifetime. The middle three
	// mirror the idle monitor states.
	EventKind string

	// SessionEvent is one journal entry: what happened to which session,
	// and when.
	SessionEvent struct {
		SessionID  string
		Kind       EventKind
		Remaining  int // countdown seconds, only set for prompting
		OccurredAt time.Time
	}
)

var (
	ErrEmptySessionID    = errors.New("empty session id")
	ErrInvalidEventKind  = errors.New("invalid event kind")
	ErrNegativeRemaining = errors.New("negative remaining seconds")
	ErrZeroTime          = errors.New("event time cannot be zero")
)

// ParseEventKind returns the kind named by s.
func ParseEventKind(s string) (EventKind, error) {
	k := EventKind(strings.TrimSpace(s))
	if !k.Valid() {
		return "", ErrInvalidEventKind
	}
	return k, nil
}

// Valid reports whether k is one of the known kinds.
func (k EventKind) Valid() bool {
	switch k {
	case EventOpened, EventActive, EventPrompting, EventIdle, EventClosed:
		return true
	}
	return false
}

func (k EventKind) String() string {
	return string(k)
}

func (e SessionEvent) Validate() error {
	if strings.TrimSpace(e.SessionID) == "" {
		return ErrEmptySessionID
	}
	if !e.Kind.Valid() {
		return ErrInvalidEventKind
	}
	if e.Remaining < 0 {
		return ErrNegativeRemaining
	}
	if e.OccurredAt.IsZero() {
		return ErrZeroTime
	}
	return nil
}
