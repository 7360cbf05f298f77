package amqp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portafoglio/internal/core"
)

func TestSessionEventMessage_RoutingKey(t *testing.T) {
	tests := []struct {
		kind core.EventKind
		want string
	}{
		{core.EventOpened, "session.opened"},
		{core.EventPrompting, "session.prompting"},
		{core.EventIdle, "session.idle"},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			msg := NewSessionEventMessage(core.SessionEvent{SessionID: "s", Kind: tt.kind, OccurredAt: time.Now()})
			assert.Equal(t, tt.want, msg.RoutingKey())
		})
	}
}

func TestSessionEventMessageFromJSON(t *testing.T) {
	msg, err := SessionEventMessageFromJSON([]byte(`{"session_id":"s1","kind":"prompting","remaining_seconds":30,"occurred_at":"2025-01-01T10:00:00Z"}`))
	require.NoError(t, err)
	assert.Equal(t, "s1", msg.SessionID)
	assert.Equal(t, 30, msg.Remaining)
	assert.Equal(t, time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC), msg.OccurredAt.UTC())

	_, err = SessionEventMessageFromJSON([]byte(`{"session_id":"s1","kind":"locked"}`))
	assert.ErrorIs(t, err, core.ErrInvalidEventKind)

	_, err = SessionEventMessageFromJSON([]byte(`not json`))
	assert.Error(t, err)
}
