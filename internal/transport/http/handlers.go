package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cwrk-planet/collab-service/internal/domain"
	"github.com/cwrk-planet/collab-service/internal/protocol"

	"github.com/go-chi/chi/v5"
)

// Sessions is the relay registry as seen by REST callers. Writes go through the same
// validation and fan-out as websocket events.
type Sessions interface {
	Ensure(sessionID string) (domain.SessionSummary, bool, error)
	Snapshot(sessionID string) (domain.Session, error)
	Sessions() []domain.SessionSummary

	PostMessage(sessionID string, user domain.User, ev protocol.SendMessage) (domain.Message, error)
	DeleteMessageAs(sessionID, userID, messageID string) error
	UpdateCounterAs(sessionID string, user domain.User, ev protocol.UpdateCounter) (domain.Counter, error)
	Touch(sessionID, userID string) (domain.User, error)
}

// UserHeader identifies the caller when the request has no body, e.g. DELETE.
const UserHeader = "X-User-ID"

type Handlers struct {
	Sessions Sessions
	Now      func() time.Time
}

type createSessionRequest struct {
	SessionID string `json:"session_id"`
}

type actorRequest struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

func (a actorRequest) user() domain.User {
	return domain.User{ID: a.UserID, DisplayName: a.DisplayName}
}

type postMessageRequest struct {
	actorRequest
	Content     string `json:"content"`
	ExpiresInMs *int64 `json:"expires_in_ms,omitempty"`
}

type counterRequest struct {
	actorRequest
	Delta *int64 `json:"delta,omitempty"`
	Value *int64 `json:"value,omitempty"`
}

// GET /sessions
func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	OK(w, h.Sessions.Sessions())
}

// POST /sessions
func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	var in createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		Error(w, http.StatusBadRequest, "invalid JSON", nil)
		return
	}
	if strings.TrimSpace(in.SessionID) == "" {
		Error(w, http.StatusBadRequest, "session_id is required", nil)
		return
	}

	sum, created, err := h.Sessions.Ensure(in.SessionID)
	if err != nil {
		Error(w, StatusOf(err), "create session failed", map[string]any{"reason": err.Error()})
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	JSON(w, status, envelope{"data": sum})
}

// GET /sessions/{id}
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.snapshot(w, r)
	if !ok {
		return
	}
	OK(w, s)
}

// GET /sessions/{id}/messages
func (h *Handlers) Messages(w http.ResponseWriter, r *http.Request) {
	s, ok := h.snapshot(w, r)
	if !ok {
		return
	}
	OK(w, s.Messages)
}

// GET /sessions/{id}/users
func (h *Handlers) Users(w http.ResponseWriter, r *http.Request) {
	s, ok := h.snapshot(w, r)
	if !ok {
		return
	}
	OK(w, s.Users)
}

// GET /sessions/{id}/counter
func (h *Handlers) Counter(w http.ResponseWriter, r *http.Request) {
	s, ok := h.snapshot(w, r)
	if !ok {
		return
	}
	OK(w, s.Counter)
}

// POST /sessions/{id}/messages
func (h *Handlers) PostMessage(w http.ResponseWriter, r *http.Request) {
	var in postMessageRequest
	if !decode(w, r, &in) {
		return
	}
	id := chi.URLParam(r, "id")
	m, err := h.Sessions.PostMessage(id, in.user(), protocol.SendMessage{Content: in.Content, ExpiresInMs: in.ExpiresInMs})
	if err != nil {
		Error(w, StatusOf(err), err.Error(), map[string]any{"session_id": id})
		return
	}
	JSON(w, http.StatusCreated, envelope{"data": m})
}

// DELETE /sessions/{id}/messages/{messageID}
func (h *Handlers) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	var in actorRequest
	if !decode(w, r, &in) {
		return
	}
	if in.UserID == "" {
		in.UserID = r.Header.Get(UserHeader)
	}
	id, messageID := chi.URLParam(r, "id"), chi.URLParam(r, "messageID")
	if err := h.Sessions.DeleteMessageAs(id, in.UserID, messageID); err != nil {
		Error(w, StatusOf(err), err.Error(), map[string]any{"session_id": id, "message_id": messageID})
		return
	}
	OK(w, map[string]any{"message_id": messageID, "deleted_at": h.Now().UTC()})
}

// POST /sessions/{id}/counter
func (h *Handlers) UpdateCounter(w http.ResponseWriter, r *http.Request) {
	var in counterRequest
	if !decode(w, r, &in) {
		return
	}
	h.updateCounter(w, r, in.user(), protocol.UpdateCounter{Delta: in.Delta, Value: in.Value})
}

// POST /sessions/{id}/counter/increment, /counter/decrement
func (h *Handlers) StepCounter(delta int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in actorRequest
		if !decode(w, r, &in) {
			return
		}
		d := delta
		h.updateCounter(w, r, in.user(), protocol.UpdateCounter{Delta: &d})
	}
}

func (h *Handlers) updateCounter(w http.ResponseWriter, r *http.Request, user domain.User, ev protocol.UpdateCounter) {
	id := chi.URLParam(r, "id")
	c, err := h.Sessions.UpdateCounterAs(id, user, ev)
	if err != nil {
		Error(w, StatusOf(err), err.Error(), map[string]any{"session_id": id})
		return
	}
	OK(w, c)
}

// POST /sessions/{id}/activity
func (h *Handlers) Activity(w http.ResponseWriter, r *http.Request) {
	var in actorRequest
	if !decode(w, r, &in) {
		return
	}
	if in.UserID == "" {
		in.UserID = r.Header.Get(UserHeader)
	}
	id := chi.URLParam(r, "id")
	u, err := h.Sessions.Touch(id, in.UserID)
	if err != nil {
		Error(w, StatusOf(err), err.Error(), map[string]any{"session_id": id})
		return
	}
	OK(w, u)
}

// decode reads an optional JSON body; an empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	Error(w, http.StatusBadRequest, "invalid JSON", nil)
	return false
}

// snapshot loads the session and drops messages already past expiry; the sweeper may not
// have run yet.
func (h *Handlers) snapshot(w http.ResponseWriter, r *http.Request) (domain.Session, bool) {
	id := chi.URLParam(r, "id")
	s, err := h.Sessions.Snapshot(id)
	if err != nil {
		Error(w, StatusOf(err), err.Error(), map[string]any{"session_id": id})
		return domain.Session{}, false
	}

	now := h.Now()
	live := make([]domain.Message, 0, len(s.Messages))
	for _, m := range s.Messages {
		if !m.Expired(now) {
			live = append(live, m)
		}
	}
	s.Messages = live
	return s, true
}

func StatusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound), errors.Is(err, domain.ErrMessageNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidIdentity),
		errors.Is(err, domain.ErrEmptyContent),
		errors.Is(err, domain.ErrContentTooLong),
		errors.Is(err, domain.ErrInvalidExpiry),
		errors.Is(err, domain.ErrInvalidCounter):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotAuthor):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotJoined):
		return http.StatusConflict
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
