package protocol_test

import (
	"math"
	"testing"
	"time"

	"github.com/cwrk-planet/collab-service/internal/domain"
	"github.com/cwrk-planet/collab-service/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshal_ClientEvents(t *testing.T) {
	ev, err := protocol.Unmarshal([]byte(`{"type":"send-message","payload":{"content":"hi","expires_in_ms":1000}}`))
	require.NoError(t, err)

	msg, ok := ev.(protocol.SendMessage)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, "hi", msg.Content)
	ttl, err := msg.TTL()
	require.NoError(t, err)
	assert.Equal(t, time.Second, ttl)

	ev, err = protocol.Unmarshal([]byte(`{"type":"typing-start"}`))
	require.NoError(t, err)
	assert.IsType(t, protocol.TypingStart{}, ev)
}

func TestSendMessage_TTLBounds(t *testing.T) {
	ms := func(v int64) *int64 { return &v }

	ttl, err := protocol.SendMessage{}.TTL()
	require.NoError(t, err)
	assert.Zero(t, ttl)

	ttl, err = protocol.SendMessage{ExpiresInMs: ms(protocol.MaxExpiresInMs)}.TTL()
	require.NoError(t, err)
	assert.Positive(t, ttl)

	for _, v := range []int64{-1, protocol.MaxExpiresInMs + 1, math.MaxInt64} {
		_, err = protocol.SendMessage{ExpiresInMs: ms(v)}.TTL()
		assert.ErrorIs(t, err, domain.ErrInvalidExpiry, "expires_in_ms=%d", v)
	}
}

func TestMarshal_EmbeddedDomainFieldsAreFlat(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	data, err := protocol.Marshal(protocol.NewMessage{Message: domain.Message{
		ID: "m1", AuthorID: "a", AuthorDisplayName: "Alice", Content: "hi", CreatedAt: now,
	}})
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"type":"new-message","payload":{"id":"m1","author_id":"a","author_display_name":"Alice","content":"hi","created_at":"2026-03-01T10:00:00Z"}}`,
		string(data))

	ev, err := protocol.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, "m1", ev.(protocol.NewMessage).ID)
}

func TestUnmarshal_Rejects(t *testing.T) {
	_, err := protocol.Unmarshal([]byte(`not json`))
	assert.ErrorIs(t, err, protocol.ErrMalformed)

	_, err = protocol.Unmarshal([]byte(`{"payload":{}}`))
	assert.ErrorIs(t, err, protocol.ErrMalformed)

	_, err = protocol.Unmarshal([]byte(`{"type":"explode","payload":{}}`))
	assert.ErrorIs(t, err, protocol.ErrUnknownType)

	_, err = protocol.Unmarshal([]byte(`{"type":"update-counter","payload":{"delta":"one"}}`))
	assert.ErrorIs(t, err, protocol.ErrMalformed)
}
