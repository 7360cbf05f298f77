package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"portafoglio/internal/activity"
	"portafoglio/internal/core"
	"portafoglio/internal/idle"
	"portafoglio/internal/log"
	"portafoglio/internal/session"
)

const (
	maxBodyBytes      = 1 << 10
	defaultEventLimit = 50
	maxEventLimit     = 500
)

type sessionResponse struct {
	ID        string     `json:"id"`
	State     idle.State `json:"state"`
	Remaining int        `json:"remaining_seconds"`
	Enabled   bool       `json:"enabled"`
}

type activityRequest struct {
	Kind string `json:"kind"`
}

type activityResponse struct {
	sessionResponse
	Dropped bool `json:"dropped"`
}

type eventResponse struct {
	Kind       core.EventKind `json:"kind"`
	Remaining  int            `json:"remaining_seconds"`
	OccurredAt time.Time      `json:"occurred_at"`
}

func newSessionResponse(g *session.Guard) sessionResponse {
	snap := g.Snapshot()
	return sessionResponse{
		ID:        g.ID(),
		State:     snap.State,
		Remaining: snap.Remaining,
		Enabled:   g.Enabled(),
	}
}

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	g, err := s.sessions.Open(r.Context())
	if err != nil {
		if errors.Is(err, session.ErrManagerClosed) {
			writeError(w, http.StatusServiceUnavailable, "shutting down")
			return
		}
		log.FromContext(r.Context()).ErrorContext(r.Context(), "Open session failed", log.FieldError, err)
		writeError(w, http.StatusInternalServerError, "could not open session")
		return
	}

	w.Header().Set("Location", "/api/sessions/"+g.ID())
	writeJSON(w, http.StatusCreated, newSessionResponse(g))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	g, ok := s.guard(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(g))
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.sessions.Close(r.Context(), id); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		log.FromContext(r.Context()).ErrorContext(r.Context(), "Close session failed",
			log.FieldSessionID, id, log.FieldError, err)
		writeError(w, http.StatusInternalServerError, "could not close session")
		return
	}

	s.activityLimiter.Forget(id)
	s.eventsCache.DeletePrefix(eventsCacheKey(id, 0))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	g, ok := s.guard(w, r)
	if !ok {
		return
	}

	var req activityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	kind, err := activity.ParseKind(req.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	dropped := !s.pulse(g, kind)
	writeJSON(w, http.StatusAccepted, activityResponse{
		sessionResponse: newSessionResponse(g),
		Dropped:         dropped,
	})
}

func (s *Server) handleExtend(w http.ResponseWriter, r *http.Request) {
	g, ok := s.guard(w, r)
	if !ok {
		return
	}
	g.Extend()
	writeJSON(w, http.StatusOK, newSessionResponse(g))
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.events == nil {
		writeError(w, http.StatusNotImplemented, "journal not configured")
		return
	}

	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	key := eventsCacheKey(id, limit)
	events, hit := s.eventsCache.Get(key)
	if !hit {
		events, err = s.events.ListEvents(r.Context(), id, limit)
		if err != nil {
			log.FromContext(r.Context()).ErrorContext(r.Context(), "List session events failed",
				log.FieldSessionID, id,
				log.FieldOperation, log.OpList,
				log.FieldError, err)
			writeError(w, http.StatusInternalServerError, "could not read journal")
			return
		}
		s.eventsCache.Set(key, events)
	}

	out := make([]eventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, eventResponse{Kind: e.Kind, Remaining: e.Remaining, OccurredAt: e.OccurredAt})
	}

	if hit {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"events":     out,
	})
}

// pulse forwards kind to the session. Only pulses arriving in Active go
// through the limiter, since they merely re-arm the same deadline; a pulse in
// Prompting or Idle is always delivered. It reports whether the pulse was
// delivered.
func (s *Server) pulse(g *session.Guard, kind activity.Kind) bool {
	if g.Snapshot().State == idle.Active && !s.activityLimiter.Allow(g.ID()) {
		return false
	}
	g.Pulse(kind)
	return true
}

func (s *Server) guard(w http.ResponseWriter, r *http.Request) (*session.Guard, bool) {
	g, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	return g, true
}

func eventsCacheKey(id string, limit int) string {
	if limit == 0 {
		return "events:" + id + ":"
	}
	return "events:" + id + ":" + strconv.Itoa(limit)
}

func parseLimit(v string) (int, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return defaultEventLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid limit %q", v)
	}
	return min(n, maxEventLimit), nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
