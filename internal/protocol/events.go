package protocol

import (
	"math"
	"time"

	"github.com/cwrk-planet/collab-service/internal/domain"
)

type Type string

// client -> server
const (
	TypeJoinSession   Type = "join-session"
	TypeSendMessage   Type = "send-message"
	TypeDeleteMessage Type = "delete-message"
	TypeUpdateCounter Type = "update-counter"
	TypeTypingStart   Type = "typing-start"
	TypeTypingStop    Type = "typing-stop"
)

// server -> client (и локальный канал между вкладками)
const (
	TypeSessionState      Type = "session-state"
	TypeUserJoined        Type = "user-joined"
	TypeUserLeft          Type = "user-left"
	TypeNewMessage        Type = "new-message"
	TypeMessageDeleted    Type = "message-deleted"
	TypeCounterUpdated    Type = "counter-updated"
	TypeUserTyping        Type = "user-typing"
	TypeUserStoppedTyping Type = "user-stopped-typing"
	TypeMessagesExpired   Type = "messages-expired"
	TypeError             Type = "error" // отказ, только отправителю
)

// Event is the closed set of wire events; only types in this package implement it.
type Event interface {
	Type() Type
	isEvent()
}

type JoinSession struct {
	SessionID   string `json:"session_id"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

type SendMessage struct {
	Content     string `json:"content"`
	ExpiresInMs *int64 `json:"expires_in_ms,omitempty"`
}

// MaxExpiresInMs is the largest lifetime that still fits a time.Duration.
const MaxExpiresInMs = math.MaxInt64 / int64(time.Millisecond)

// TTL returns the requested lifetime; zero means the message never expires.
// Negative or unrepresentable lifetimes are ErrInvalidExpiry.
func (e SendMessage) TTL() (time.Duration, error) {
	if e.ExpiresInMs == nil {
		return 0, nil
	}
	ms := *e.ExpiresInMs
	if ms < 0 || ms > MaxExpiresInMs {
		return 0, domain.ErrInvalidExpiry
	}
	return time.Duration(ms) * time.Millisecond, nil
}

type DeleteMessage struct {
	MessageID string `json:"message_id"`
}

// UpdateCounter carries either a delta or an absolute value.
type UpdateCounter struct {
	Delta *int64 `json:"delta,omitempty"`
	Value *int64 `json:"value,omitempty"`
}

type TypingStart struct{}

type TypingStop struct{}

type SessionState struct {
	domain.Session
}

type UserJoined struct {
	domain.User
}

type UserLeft struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	At          time.Time `json:"at"`
}

type NewMessage struct {
	domain.Message
}

type MessageDeleted struct {
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
}

type CounterUpdated struct {
	domain.Counter
}

type UserTyping struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

type UserStoppedTyping struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

type MessagesExpired struct {
	Messages []domain.Message `json:"messages"`
	SweptAt  time.Time        `json:"swept_at"`
}

type Error struct {
	Op     Type   `json:"op"`
	Reason string `json:"reason"`
}

func (JoinSession) Type() Type       { return TypeJoinSession }
func (SendMessage) Type() Type       { return TypeSendMessage }
func (DeleteMessage) Type() Type     { return TypeDeleteMessage }
func (UpdateCounter) Type() Type     { return TypeUpdateCounter }
func (TypingStart) Type() Type       { return TypeTypingStart }
func (TypingStop) Type() Type        { return TypeTypingStop }
func (SessionState) Type() Type      { return TypeSessionState }
func (UserJoined) Type() Type        { return TypeUserJoined }
func (UserLeft) Type() Type          { return TypeUserLeft }
func (NewMessage) Type() Type        { return TypeNewMessage }
func (MessageDeleted) Type() Type    { return TypeMessageDeleted }
func (CounterUpdated) Type() Type    { return TypeCounterUpdated }
func (UserTyping) Type() Type        { return TypeUserTyping }
func (UserStoppedTyping) Type() Type { return TypeUserStoppedTyping }
func (MessagesExpired) Type() Type   { return TypeMessagesExpired }
func (Error) Type() Type             { return TypeError }

func (JoinSession) isEvent()       {}
func (SendMessage) isEvent()       {}
func (DeleteMessage) isEvent()     {}
func (UpdateCounter) isEvent()     {}
func (TypingStart) isEvent()       {}
func (TypingStop) isEvent()        {}
func (SessionState) isEvent()      {}
func (UserJoined) isEvent()        {}
func (UserLeft) isEvent()          {}
func (NewMessage) isEvent()        {}
func (MessageDeleted) isEvent()    {}
func (CounterUpdated) isEvent()    {}
func (UserTyping) isEvent()        {}
func (UserStoppedTyping) isEvent() {}
func (MessagesExpired) isEvent()   {}
func (Error) isEvent()             {}
