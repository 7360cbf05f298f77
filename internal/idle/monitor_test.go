package idle

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portafoglio/internal/activity"
	"portafoglio/internal/clock"
)

var epoch = time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *recorder) listen(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *recorder) all() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Snapshot(nil), r.snaps...)
}

func newTestMonitor(t *testing.T, cfg Config, opts ...Option) (*Monitor, *clock.Fake, *recorder) {
	t.Helper()
	fake := clock.NewFake(epoch)
	rec := &recorder{}
	opts = append([]Option{WithClock(fake), WithListener(rec.listen)}, opts...)
	m := New(cfg, opts...)
	t.Cleanup(m.Close)
	return m, fake, rec
}

func TestConfig(t *testing.T) {
	tests := []struct {
		name          string
		cfg           Config
		enabled       bool
		promptAfter   time.Duration
		promptSeconds int
	}{
		{name: "typical", cfg: Config{20 * time.Second, 5 * time.Second}, enabled: true, promptAfter: 15 * time.Second, promptSeconds: 5},
		{name: "zero total", cfg: Config{0, 5 * time.Second}, enabled: false},
		{name: "negative total", cfg: Config{-time.Second, 0}, enabled: false},
		{name: "total equals prompt", cfg: Config{5 * time.Second, 5 * time.Second}, enabled: false},
		{name: "total below prompt", cfg: Config{3 * time.Second, 5 * time.Second}, enabled: false},
		{name: "zero prompt", cfg: Config{10 * time.Second, 0}, enabled: true, promptAfter: 10 * time.Second, promptSeconds: 0},
		{name: "fractional prompt rounds half up", cfg: Config{10 * time.Second, 2500 * time.Millisecond}, enabled: true, promptAfter: 7500 * time.Millisecond, promptSeconds: 3},
		{name: "fractional prompt rounds down", cfg: Config{10 * time.Second, 2400 * time.Millisecond}, enabled: true, promptAfter: 7600 * time.Millisecond, promptSeconds: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.enabled, tt.cfg.Enabled())
			if tt.enabled {
				assert.Equal(t, tt.promptAfter, tt.cfg.PromptAfter())
				assert.Equal(t, tt.promptSeconds, tt.cfg.PromptSeconds())
			}
		})
	}
}

func TestMonitor_ConcreteScenario(t *testing.T) {
	m, fake, _ := newTestMonitor(t, Config{TotalTimeout: 20000 * time.Millisecond, PromptDuration: 5000 * time.Millisecond})

	assert.Equal(t, Snapshot{State: Active}, m.Snapshot())

	fake.Advance(14999 * time.Millisecond)
	assert.Equal(t, Active, m.State())

	fake.Advance(time.Millisecond) // t=15000
	assert.Equal(t, Snapshot{State: Prompting, Remaining: 5}, m.Snapshot())

	fake.Advance(time.Second) // t=16000
	assert.Equal(t, Snapshot{State: Prompting, Remaining: 4}, m.Snapshot())

	fake.Advance(500 * time.Millisecond) // t=16500
	m.NotifyActivity()
	assert.Equal(t, Snapshot{State: Active}, m.Snapshot())

	fake.Advance(14999 * time.Millisecond) // t=31499
	assert.Equal(t, Active, m.State())

	fake.Advance(time.Millisecond) // t=31500
	assert.Equal(t, Snapshot{State: Prompting, Remaining: 5}, m.Snapshot())
}

func TestMonitor_UntouchedRunsToIdle(t *testing.T) {
	m, fake, rec := newTestMonitor(t, Config{TotalTimeout: 20 * time.Second, PromptDuration: 5 * time.Second})

	fake.Advance(20 * time.Second)

	assert.Equal(t, Snapshot{State: Idle}, m.Snapshot())
	assert.Equal(t, []Snapshot{
		{State: Prompting, Remaining: 5},
		{State: Prompting, Remaining: 4},
		{State: Prompting, Remaining: 3},
		{State: Prompting, Remaining: 2},
		{State: Prompting, Remaining: 1},
		{State: Idle, Remaining: 0},
	}, rec.all())
	assert.Equal(t, 0, fake.Pending(), "no timer armed once idle")

	fake.Advance(time.Hour)
	assert.Equal(t, Idle, m.State(), "idle is terminal without activity")
	assert.Len(t, rec.all(), 6)
}

func TestMonitor_TransitionTimes(t *testing.T) {
	configs := []Config{
		{TotalTimeout: 20 * time.Second, PromptDuration: 5 * time.Second},
		{TotalTimeout: 3 * time.Second, PromptDuration: time.Second},
		{TotalTimeout: 15 * time.Minute, PromptDuration: 2 * time.Minute},
		{TotalTimeout: 2 * time.Second, PromptDuration: 1500 * time.Millisecond},
		{TotalTimeout: 61 * time.Second, PromptDuration: 60 * time.Second},
	}

	for _, cfg := range configs {
		t.Run(fmt.Sprintf("%v/%v", cfg.TotalTimeout, cfg.PromptDuration), func(t *testing.T) {
			m, fake, _ := newTestMonitor(t, cfg)

			fake.Advance(cfg.PromptAfter() - time.Millisecond)
			require.Equal(t, Active, m.State())
			fake.Advance(time.Millisecond)
			require.Equal(t, Prompting, m.State())
			require.Equal(t, cfg.PromptSeconds(), m.Remaining())

			idleAt := cfg.PromptAfter() + time.Duration(cfg.PromptSeconds())*time.Second
			fake.Advance(idleAt - cfg.PromptAfter() - time.Millisecond)
			require.Equal(t, Prompting, m.State())
			fake.Advance(time.Millisecond)
			require.Equal(t, Idle, m.State())

			diff := idleAt - cfg.TotalTimeout
			if diff < 0 {
				diff = -diff
			}
			assert.LessOrEqual(t, diff, tickInterval, "idle within one tick of the total timeout")
		})
	}
}

func TestMonitor_DisabledConfigStaysActive(t *testing.T) {
	configs := []Config{
		{TotalTimeout: 0, PromptDuration: 0},
		{TotalTimeout: -5 * time.Second, PromptDuration: time.Second},
		{TotalTimeout: 5 * time.Second, PromptDuration: 5 * time.Second},
		{TotalTimeout: 5 * time.Second, PromptDuration: 10 * time.Second},
	}

	for _, cfg := range configs {
		t.Run(fmt.Sprintf("%v/%v", cfg.TotalTimeout, cfg.PromptDuration), func(t *testing.T) {
			m, fake, rec := newTestMonitor(t, cfg)
			assert.False(t, m.Enabled())
			assert.Equal(t, 0, fake.Pending())

			fake.Advance(24 * time.Hour)
			m.NotifyActivity()
			fake.Advance(24 * time.Hour)

			assert.Equal(t, Snapshot{State: Active}, m.Snapshot())
			assert.Equal(t, 0, fake.Pending())
			assert.Empty(t, rec.all())
		})
	}
}

func TestMonitor_RepeatedActivityCollapses(t *testing.T) {
	cfg := Config{TotalTimeout: 10 * time.Second, PromptDuration: 4 * time.Second}
	once, onceClock, onceRec := newTestMonitor(t, cfg)
	many, manyClock, manyRec := newTestMonitor(t, cfg)

	onceClock.Advance(3 * time.Second)
	manyClock.Advance(3 * time.Second)

	once.NotifyActivity()
	for i := 0; i < 50; i++ {
		many.NotifyActivity()
	}

	assert.Equal(t, 1, onceClock.Pending())
	assert.Equal(t, 1, manyClock.Pending())

	for _, step := range []time.Duration{5999 * time.Millisecond, time.Millisecond, 4 * time.Second} {
		onceClock.Advance(step)
		manyClock.Advance(step)
		assert.Equal(t, once.Snapshot(), many.Snapshot())
	}
	assert.Equal(t, onceRec.all(), manyRec.all())
}

func TestMonitor_ActivityBeforeTransitionWins(t *testing.T) {
	t.Run("before prompting", func(t *testing.T) {
		m, fake, rec := newTestMonitor(t, Config{TotalTimeout: 10 * time.Second, PromptDuration: 4 * time.Second})

		fake.Advance(6*time.Second - time.Nanosecond)
		m.NotifyActivity()
		fake.Advance(time.Nanosecond)
		assert.Equal(t, Active, m.State())

		fake.Advance(6*time.Second - 2*time.Nanosecond)
		assert.Equal(t, Active, m.State())
		assert.Empty(t, rec.all())

		fake.Advance(time.Nanosecond)
		assert.Equal(t, Prompting, m.State(), "fresh deadline measured from the pulse")
	})

	t.Run("before idle", func(t *testing.T) {
		m, fake, rec := newTestMonitor(t, Config{TotalTimeout: 10 * time.Second, PromptDuration: 4 * time.Second})

		fake.Advance(10*time.Second - time.Nanosecond)
		require.Equal(t, Snapshot{State: Prompting, Remaining: 1}, m.Snapshot())

		m.NotifyActivity()
		fake.Advance(time.Second)

		assert.Equal(t, Active, m.State())
		for _, s := range rec.all() {
			assert.NotEqual(t, Idle, s.State)
		}
		assert.Equal(t, 1, fake.Pending(), "only the deadline timer is armed")
	})
}

func TestMonitor_ActivityLeavesIdle(t *testing.T) {
	m, fake, rec := newTestMonitor(t, Config{TotalTimeout: 3 * time.Second, PromptDuration: time.Second})

	fake.Advance(3 * time.Second)
	require.Equal(t, Idle, m.State())
	require.Equal(t, 0, fake.Pending())

	m.NotifyActivity()
	assert.Equal(t, Snapshot{State: Active}, m.Snapshot())
	assert.Equal(t, 1, fake.Pending())
	assert.Equal(t, Snapshot{State: Active}, rec.all()[len(rec.all())-1])

	fake.Advance(2 * time.Second)
	assert.Equal(t, Prompting, m.State())
}

func TestMonitor_ZeroPromptGoesStraightToIdle(t *testing.T) {
	m, fake, rec := newTestMonitor(t, Config{TotalTimeout: 5 * time.Second})

	fake.Advance(5 * time.Second)

	assert.Equal(t, Snapshot{State: Idle}, m.Snapshot())
	assert.Equal(t, []Snapshot{{State: Idle}}, rec.all())
	assert.Equal(t, 0, fake.Pending())
}

func TestMonitor_CountdownIsMonotonic(t *testing.T) {
	m, fake, rec := newTestMonitor(t, Config{TotalTimeout: 2 * time.Minute, PromptDuration: time.Minute})

	fake.Advance(2 * time.Minute)
	require.Equal(t, Idle, m.State())

	snaps := rec.all()
	require.Len(t, snaps, 61)
	for i := 1; i < len(snaps)-1; i++ {
		assert.Equal(t, Prompting, snaps[i].State)
		assert.Equal(t, snaps[i-1].Remaining-1, snaps[i].Remaining)
		assert.Positive(t, snaps[i].Remaining)
	}
	assert.Equal(t, Snapshot{State: Idle}, snaps[len(snaps)-1])
}

func TestMonitor_TimerClassInvariant(t *testing.T) {
	m, fake, _ := newTestMonitor(t, Config{TotalTimeout: 4 * time.Second, PromptDuration: 2 * time.Second})

	check := func(want State) {
		t.Helper()
		m.mu.Lock()
		defer m.mu.Unlock()
		require.Equal(t, want, m.state)
		switch want {
		case Active:
			assert.NotNil(t, m.deadline)
			assert.Nil(t, m.countdown)
		case Prompting:
			assert.Nil(t, m.deadline)
			assert.NotNil(t, m.countdown)
		case Idle:
			assert.Nil(t, m.deadline)
			assert.Nil(t, m.countdown)
		}
	}

	check(Active)
	fake.Advance(2 * time.Second)
	check(Prompting)
	fake.Advance(time.Second)
	check(Prompting)
	fake.Advance(time.Second)
	check(Idle)
	m.NotifyActivity()
	check(Active)
}

func TestMonitor_StaleCallbacksAreIgnored(t *testing.T) {
	m, fake, rec := newTestMonitor(t, Config{TotalTimeout: 10 * time.Second, PromptDuration: 5 * time.Second})

	m.mu.Lock()
	staleGen := m.generation
	m.mu.Unlock()

	m.NotifyActivity()

	// A deadline callback that was already running when the reset happened.
	m.onDeadline(staleGen)
	assert.Equal(t, Active, m.State())

	fake.Advance(5 * time.Second)
	require.Equal(t, Prompting, m.State())

	m.mu.Lock()
	gen := m.generation
	m.mu.Unlock()
	m.NotifyActivity()

	// A countdown tick that raced with the reset.
	m.onTick(gen)
	assert.Equal(t, Snapshot{State: Active}, m.Snapshot())
	assert.Equal(t, []Snapshot{{State: Prompting, Remaining: 5}, {State: Active}}, rec.all())
}

func TestMonitor_CloseFromEveryState(t *testing.T) {
	cfg := Config{TotalTimeout: 4 * time.Second, PromptDuration: 2 * time.Second}
	advances := map[State]time.Duration{
		Active:    time.Second,
		Prompting: 3 * time.Second,
		Idle:      4 * time.Second,
	}

	for state, d := range advances {
		t.Run(state.String(), func(t *testing.T) {
			bus := activity.NewBus()
			m, fake, rec := newTestMonitor(t, cfg, WithSource(bus))
			require.Equal(t, 1, bus.Subscribers())

			fake.Advance(d)
			require.Equal(t, state, m.State())
			seen := len(rec.all())

			m.Close()
			assert.Equal(t, 0, fake.Pending())
			assert.Equal(t, 0, bus.Subscribers())

			m.Close()
			assert.Equal(t, 0, fake.Pending())

			m.NotifyActivity()
			bus.Publish(activity.KeyPress)
			fake.Advance(time.Hour)
			assert.Equal(t, state, m.State(), "closed monitor keeps its last state")
			assert.Len(t, rec.all(), seen)
		})
	}
}

func TestMonitor_SourcePulsesReset(t *testing.T) {
	bus := activity.NewBus()
	m, fake, _ := newTestMonitor(t, Config{TotalTimeout: 10 * time.Second, PromptDuration: 5 * time.Second}, WithSource(bus))

	for _, kind := range activity.Kinds() {
		fake.Advance(6 * time.Second)
		require.Equal(t, Prompting, m.State())
		assert.Equal(t, 1, bus.Publish(kind))
		assert.Equal(t, Active, m.State(), "pulse %s resets", kind)
	}
}

func TestMonitor_IndependentInstances(t *testing.T) {
	bus := activity.NewBus()
	fake := clock.NewFake(epoch)
	cfg := Config{TotalTimeout: 10 * time.Second, PromptDuration: 5 * time.Second}

	first := New(cfg, WithClock(fake), WithSource(bus))
	second := New(cfg, WithClock(fake), WithSource(bus))
	require.Equal(t, 2, bus.Subscribers())

	first.Close()
	assert.Equal(t, 1, bus.Subscribers())

	fake.Advance(6 * time.Second)
	assert.Equal(t, Active, first.State())
	assert.Equal(t, Prompting, second.State())

	bus.Publish(activity.Scroll)
	assert.Equal(t, Active, second.State())

	second.Close()
	assert.Equal(t, 0, bus.Subscribers())
	assert.Equal(t, 0, fake.Pending())
}

func TestMonitor_ListenerMayReenter(t *testing.T) {
	fake := clock.NewFake(epoch)
	var m *Monitor
	var seen []Snapshot
	m = New(Config{TotalTimeout: 10 * time.Second, PromptDuration: 5 * time.Second},
		WithClock(fake),
		WithListener(func(s Snapshot) {
			seen = append(seen, s)
			if s.State == Prompting {
				assert.Equal(t, s, m.Snapshot())
				m.NotifyActivity()
			}
		}))
	defer m.Close()

	fake.Advance(5 * time.Second)

	assert.Equal(t, []Snapshot{{State: Prompting, Remaining: 5}, {State: Active}}, seen)
	assert.Equal(t, Active, m.State())
	assert.Equal(t, 1, fake.Pending())
}

func TestMonitor_SubscribeCancel(t *testing.T) {
	m, fake, _ := newTestMonitor(t, Config{TotalTimeout: 10 * time.Second, PromptDuration: 5 * time.Second})

	var got []Snapshot
	cancel := m.Subscribe(func(s Snapshot) { got = append(got, s) })

	fake.Advance(6 * time.Second)
	cancel()
	cancel()
	fake.Advance(time.Minute)

	assert.Equal(t, []Snapshot{{State: Prompting, Remaining: 5}, {State: Prompting, Remaining: 4}}, got)
}

func TestMonitor_RealClock(t *testing.T) {
	reached := make(chan Snapshot, 1)
	m := New(Config{TotalTimeout: 50 * time.Millisecond},
		WithListener(func(s Snapshot) {
			if s.State == Idle {
				reached <- s
			}
		}))
	defer m.Close()

	select {
	case s := <-reached:
		assert.Equal(t, Snapshot{State: Idle}, s)
	case <-time.After(5 * time.Second):
		t.Fatal("monitor never reached idle")
	}
}

func TestState_Text(t *testing.T) {
	for _, s := range []State{Active, Prompting, Idle} {
		text, err := s.MarshalText()
		require.NoError(t, err)

		var back State
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, s, back)
	}

	_, err := State(42).MarshalText()
	assert.Error(t, err)

	var s State
	assert.Error(t, s.UnmarshalText([]byte("asleep")))
}
