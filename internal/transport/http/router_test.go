package http_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cwrk-planet/collab-service/internal/domain"
	"github.com/cwrk-planet/collab-service/internal/protocol"
	"github.com/cwrk-planet/collab-service/internal/registry"
	httpx "github.com/cwrk-planet/collab-service/internal/transport/http"
	"github.com/cwrk-planet/collab-service/internal/transport/ws"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopConn struct{ id string }

func (c nopConn) ID() string                   { return c.id }
func (c nopConn) Send(ev protocol.Event) error { return nil }

type response[T any] struct {
	Data  T `json:"data"`
	Error *struct {
		Message string         `json:"message"`
		Meta    map[string]any `json:"meta"`
	} `json:"error"`
}

func do[T any](t *testing.T, h http.Handler, method, path, body string) (int, response[T]) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out response[T]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec.Code, out
}

func setup(t *testing.T) (http.Handler, *registry.Registry, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	reg := registry.New(registry.Options{Clock: clock})
	t.Cleanup(reg.Close)
	return httpx.NewRouter(httpx.Deps{Sessions: reg, Now: clock.Now}), reg, clock
}

func TestHealthz(t *testing.T) {
	h, _, _ := setup(t)
	code, out := do[map[string]string](t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", out.Data["status"])
}

func TestCreateSession(t *testing.T) {
	h, _, _ := setup(t)

	code, out := do[domain.SessionSummary](t, h, http.MethodPost, "/sessions", `{"session_id":"demo"}`)
	assert.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "demo", out.Data.ID)

	code, _ = do[domain.SessionSummary](t, h, http.MethodPost, "/sessions", `{"session_id":"demo"}`)
	assert.Equal(t, http.StatusOK, code)

	code, bad := do[any](t, h, http.MethodPost, "/sessions", `{"session_id":"  "}`)
	assert.Equal(t, http.StatusBadRequest, code)
	require.NotNil(t, bad.Error)

	code, _ = do[any](t, h, http.MethodPost, "/sessions", `{`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, list := do[[]domain.SessionSummary](t, h, http.MethodGet, "/sessions", "")
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, list.Data, 1)
}

func TestSessionReads(t *testing.T) {
	h, reg, clock := setup(t)

	require.NoError(t, reg.Join(nopConn{"c"}, protocol.JoinSession{SessionID: "demo", UserID: "a", DisplayName: "Alice"}))
	ttl := int64(1000)
	_, err := reg.RelayMessage("c", protocol.SendMessage{Content: "short", ExpiresInMs: &ttl})
	require.NoError(t, err)
	_, err = reg.RelayMessage("c", protocol.SendMessage{Content: "long"})
	require.NoError(t, err)
	v := int64(7)
	_, err = reg.RelayCounterUpdate("c", protocol.UpdateCounter{Value: &v})
	require.NoError(t, err)

	code, sess := do[domain.Session](t, h, http.MethodGet, "/sessions/demo", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, sess.Data.Messages, 2)

	// not swept yet, but reads already hide it
	clock.Advance(2 * time.Second)
	code, msgs := do[[]domain.Message](t, h, http.MethodGet, "/sessions/demo/messages", "")
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, msgs.Data, 1)
	assert.Equal(t, "long", msgs.Data[0].Content)

	_, users := do[[]domain.User](t, h, http.MethodGet, "/sessions/demo/users", "")
	require.Len(t, users.Data, 1)
	assert.Equal(t, "Alice", users.Data[0].DisplayName)

	_, counter := do[domain.Counter](t, h, http.MethodGet, "/sessions/demo/counter", "")
	assert.Equal(t, int64(7), counter.Data.Value)
	assert.Equal(t, "a", counter.Data.LastActorID)
}

func TestSessionNotFound(t *testing.T) {
	h, _, _ := setup(t)
	code, out := do[any](t, h, http.MethodGet, "/sessions/missing/counter", "")
	assert.Equal(t, http.StatusNotFound, code)
	require.NotNil(t, out.Error)
	assert.Equal(t, "missing", out.Error.Meta["session_id"])
}

func TestWriteRoutes(t *testing.T) {
	h, reg, clock := setup(t)
	require.NoError(t, reg.Join(nopConn{"c"}, protocol.JoinSession{SessionID: "demo", UserID: "a", DisplayName: "Alice"}))

	code, posted := do[domain.Message](t, h, http.MethodPost, "/sessions/demo/messages",
		`{"user_id":"b","display_name":"Bob","content":"  via rest ","expires_in_ms":60000}`)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "b", posted.Data.AuthorID)
	assert.Equal(t, "  via rest ", posted.Data.Content)
	require.NotNil(t, posted.Data.ExpiresAt)
	assert.True(t, clock.Now().Add(time.Minute).Equal(*posted.Data.ExpiresAt))

	code, _ = do[any](t, h, http.MethodPost, "/sessions/demo/messages", `{"user_id":"b","content":"   "}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = do[any](t, h, http.MethodPost, "/sessions/demo/messages", `{"content":"anonymous"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = do[any](t, h, http.MethodPost, "/sessions/missing/messages", `{"user_id":"b","content":"x"}`)
	assert.Equal(t, http.StatusNotFound, code)

	path := "/sessions/demo/messages/" + posted.Data.ID
	code, _ = do[any](t, h, http.MethodDelete, path, `{"user_id":"a"}`)
	assert.Equal(t, http.StatusForbidden, code)

	req := httptest.NewRequest(http.MethodDelete, path, nil)
	req.Header.Set(httpx.UserHeader, "b")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	code, _ = do[any](t, h, http.MethodDelete, path, `{"user_id":"b"}`)
	assert.Equal(t, http.StatusNotFound, code)

	code, cnt := do[domain.Counter](t, h, http.MethodPost, "/sessions/demo/counter", `{"user_id":"b","value":5}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, int64(5), cnt.Data.Value)

	_, cnt = do[domain.Counter](t, h, http.MethodPost, "/sessions/demo/counter/increment", `{"user_id":"b"}`)
	assert.Equal(t, int64(6), cnt.Data.Value)
	_, cnt = do[domain.Counter](t, h, http.MethodPost, "/sessions/demo/counter/decrement", `{"user_id":"a"}`)
	assert.Equal(t, int64(5), cnt.Data.Value)
	assert.Equal(t, "Alice", cnt.Data.LastActorName)

	code, _ = do[any](t, h, http.MethodPost, "/sessions/demo/counter", `{"user_id":"b","delta":1,"value":1}`)
	assert.Equal(t, http.StatusBadRequest, code)

	clock.Advance(time.Second)
	code, user := do[domain.User](t, h, http.MethodPost, "/sessions/demo/activity", `{"user_id":"a"}`)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, clock.Now().Equal(user.Data.LastActivityAt))

	code, _ = do[any](t, h, http.MethodPost, "/sessions/demo/activity", `{"user_id":"b"}`)
	assert.Equal(t, http.StatusConflict, code)
}

func TestWriteRoutes_FanOutToWebsocketPeer(t *testing.T) {
	reg := registry.New(registry.Options{})
	t.Cleanup(reg.Close)
	srv := httptest.NewServer(httpx.NewRouter(httpx.Deps{
		Sessions: reg,
		WS:       ws.NewServer(reg, ws.Options{}).HandleWS,
	}))
	t.Cleanup(srv.Close)

	peer, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = peer.Close() })

	recv := func() protocol.Event {
		t.Helper()
		require.NoError(t, peer.SetReadDeadline(time.Now().Add(3*time.Second)))
		_, data, err := peer.ReadMessage()
		require.NoError(t, err)
		ev, err := protocol.Unmarshal(data)
		require.NoError(t, err)
		return ev
	}
	post := func(path, body string) {
		t.Helper()
		resp, err := srv.Client().Post(srv.URL+path, "application/json", strings.NewReader(body))
		require.NoError(t, err)
		_ = resp.Body.Close()
		require.Less(t, resp.StatusCode, 300, path)
	}

	join, err := protocol.Marshal(protocol.JoinSession{SessionID: "demo", UserID: "a"})
	require.NoError(t, err)
	require.NoError(t, peer.WriteMessage(websocket.TextMessage, join))
	require.IsType(t, protocol.SessionState{}, recv())

	post("/sessions/demo/messages", `{"user_id":"b","display_name":"Bob","content":"hello from rest"}`)
	nm, ok := recv().(protocol.NewMessage)
	require.True(t, ok)
	assert.Equal(t, "hello from rest", nm.Content)
	assert.Equal(t, "Bob", nm.AuthorDisplayName)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/sessions/demo/messages/"+nm.ID, strings.NewReader(`{"user_id":"b"}`))
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, protocol.MessageDeleted{MessageID: nm.ID, UserID: "b"}, recv())

	post("/sessions/demo/counter/increment", `{"user_id":"b"}`)
	up, ok := recv().(protocol.CounterUpdated)
	require.True(t, ok)
	assert.Equal(t, int64(1), up.Value)
	assert.Equal(t, "b", up.LastActorID)

	post("/sessions/demo/activity", `{"user_id":"a"}`)
	touched, ok := recv().(protocol.UserJoined)
	require.True(t, ok)
	assert.Equal(t, "a", touched.ID)
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, http.StatusConflict, httpx.StatusOf(domain.ErrNotJoined))
	assert.Equal(t, http.StatusForbidden, httpx.StatusOf(domain.ErrNotAuthor))
	assert.Equal(t, http.StatusTooManyRequests, httpx.StatusOf(domain.ErrRateLimited))
	assert.Equal(t, http.StatusBadRequest, httpx.StatusOf(domain.ErrContentTooLong))
	assert.Equal(t, http.StatusInternalServerError, httpx.StatusOf(assert.AnError))
}
