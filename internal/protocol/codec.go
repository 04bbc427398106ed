package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMalformed   = errors.New("malformed event")
	ErrUnknownType = errors.New("unknown event type")
)

// Envelope: то, что реально ходит по websocket.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func Encode(ev Event) (Envelope, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", ev.Type(), err)
	}
	return Envelope{Type: ev.Type(), Payload: payload}, nil
}

func Marshal(ev Event) ([]byte, error) {
	env, err := Encode(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func Unmarshal(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return Decode(env)
}

// Decode maps an envelope onto its concrete event type.
func Decode(env Envelope) (Event, error) {
	switch env.Type {
	case TypeJoinSession:
		return decodeAs[JoinSession](env)
	case TypeSendMessage:
		return decodeAs[SendMessage](env)
	case TypeDeleteMessage:
		return decodeAs[DeleteMessage](env)
	case TypeUpdateCounter:
		return decodeAs[UpdateCounter](env)
	case TypeTypingStart:
		return decodeAs[TypingStart](env)
	case TypeTypingStop:
		return decodeAs[TypingStop](env)
	case TypeSessionState:
		return decodeAs[SessionState](env)
	case TypeUserJoined:
		return decodeAs[UserJoined](env)
	case TypeUserLeft:
		return decodeAs[UserLeft](env)
	case TypeNewMessage:
		return decodeAs[NewMessage](env)
	case TypeMessageDeleted:
		return decodeAs[MessageDeleted](env)
	case TypeCounterUpdated:
		return decodeAs[CounterUpdated](env)
	case TypeUserTyping:
		return decodeAs[UserTyping](env)
	case TypeUserStoppedTyping:
		return decodeAs[UserStoppedTyping](env)
	case TypeMessagesExpired:
		return decodeAs[MessagesExpired](env)
	case TypeError:
		return decodeAs[Error](env)
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

func decodeAs[T Event](env Envelope) (Event, error) {
	var ev T
	raw := bytes.TrimSpace(env.Payload)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ev, nil
	}
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}
	return ev, nil
}
