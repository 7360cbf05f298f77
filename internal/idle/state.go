package idle

import (
	"fmt"
	"time"
)

// State classifies a session by how recently the user was active.
type State int

const (
	// Active means recent activity was observed and no warning is shown.
	Active State = iota
	// Prompting means the inactivity threshold passed and the countdown to
	// Idle is running.
	Prompting
	// Idle means the countdown expired. Only an activity pulse leaves Idle.
	Idle
)

// String returns the lowercase wire name of the state.
func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Prompting:
		return "prompting"
	case Idle:
		return "idle"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	switch s {
	case Active, Prompting, Idle:
		return []byte(s.String()), nil
	default:
		return nil, fmt.Errorf("marshal idle state %d: unknown state", int(s))
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "active":
		*s = Active
	case "prompting":
		*s = Prompting
	case "idle":
		*s = Idle
	default:
		return fmt.Errorf("unmarshal idle state %q: unknown state", text)
	}
	return nil
}

// Snapshot is a point-in-time view of a monitor. Remaining is the countdown
// in whole seconds while Prompting and zero in every other state.
type Snapshot struct {
	State     State `json:"state"`
	Remaining int   `json:"remaining_seconds"`
}

// Config is fixed for the lifetime of a monitor; build a new monitor to
// change it.
type Config struct {
	// TotalTimeout is the time from the last activity until the session
	// is Idle.
	TotalTimeout time.Duration
	// PromptDuration is the tail of TotalTimeout spent in Prompting.
	PromptDuration time.Duration
}

// Enabled reports whether the configuration leaves room for a warning
// window. Disabled monitors arm no timers and stay Active.
func (c Config) Enabled() bool {
	return c.TotalTimeout > 0 && c.TotalTimeout > c.PromptDuration
}

// PromptAfter is the delay from the last activity to Prompting.
func (c Config) PromptAfter() time.Duration {
	return c.TotalTimeout - c.PromptDuration
}

// PromptSeconds is the countdown start value: the prompt duration rounded to
// whole seconds, never negative.
func (c Config) PromptSeconds() int {
	if c.PromptDuration <= 0 {
		return 0
	}
	return int(c.PromptDuration.Round(time.Second) / time.Second)
}
