package http

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"portafoglio/internal/activity"
	"portafoglio/internal/idle"
	"portafoglio/internal/log"
	"portafoglio/internal/session"
)

const wsWriteTimeout = 5 * time.Second

// Message types exchanged over the session websocket.
const (
	msgSnapshot = "snapshot"
	msgError    = "error"
	msgActivity = "activity"
	msgExtend   = "extend"
)

type clientMessage struct {
	Type string `json:"type"`
	Kind string `json:"kind,omitempty"`
}

type serverMessage struct {
	Type      string `json:"type"`
	State     string `json:"state,omitempty"`
	Remaining int    `json:"remaining_seconds"`
	Message   string `json:"message,omitempty"`
}

// wsConn serialises writes from the push loop and the read loop.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) send(ctx context.Context, msg serverMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.conn, msg)
}

func snapshotMessage(s idle.Snapshot) serverMessage {
	return serverMessage{Type: msgSnapshot, State: s.State.String(), Remaining: s.Remaining}
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	g, ok := s.guard(w, r)
	if !ok {
		return
	}

	logger := log.FromContext(r.Context()).WithComponent(log.ComponentWebSocket).With(log.FieldSessionID, g.ID())

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns,
	})
	if err != nil {
		logger.Warn("Failed to accept websocket", log.FieldError, err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxBodyBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &wsConn{conn: conn}
	updates := make(chan idle.Snapshot, 1)
	unsubscribe := g.Subscribe(func(snap idle.Snapshot) {
		offerLatest(updates, snap)
	})
	detach := g.Attach()
	defer detach()
	defer unsubscribe()

	logger.Info("Websocket connected")
	defer logger.Info("Websocket disconnected")

	go func() {
		defer cancel()
		s.readClient(ctx, c, g, logger)
	}()

	if err := c.send(ctx, snapshotMessage(g.Snapshot())); err != nil {
		logger.Debug("Initial snapshot write failed", log.FieldError, err)
		return
	}

	for {
		select {
		case snap := <-updates:
			if err := c.send(ctx, snapshotMessage(snap)); err != nil {
				logger.Debug("Snapshot write failed", log.FieldError, err)
				return
			}
		case <-g.Done():
			conn.Close(websocket.StatusNormalClosure, "session closed")
			return
		case <-ctx.Done():
			return
		}
	}
}

// offerLatest puts snap in the single-slot channel ch, replacing a snapshot
// the writer has not picked up yet. Only the push loop receives from ch and
// only the monitor's dispatcher sends, so the replacement cannot race another
// sender.
func offerLatest(ch chan idle.Snapshot, snap idle.Snapshot) {
	for {
		select {
		case ch <- snap:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// readClient handles activity and extend messages until the connection drops.
func (s *Server) readClient(ctx context.Context, c *wsConn, g *session.Guard, logger *log.Logger) {
	for {
		var msg clientMessage
		if err := wsjson.Read(ctx, c.conn, &msg); err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				logger.Debug("Websocket read error", log.FieldError, err)
			}
			return
		}

		switch msg.Type {
		case msgActivity:
			kind, err := activity.ParseKind(msg.Kind)
			if err != nil {
				_ = c.send(ctx, serverMessage{Type: msgError, Message: err.Error()})
				continue
			}
			if !s.pulse(g, kind) {
				logger.Debug("Activity pulse dropped by limiter", log.FieldActivityKind, string(kind))
			}
		case msgExtend:
			g.Extend()
		default:
			_ = c.send(ctx, serverMessage{Type: msgError, Message: "unknown message type"})
		}
	}
}
