package ws

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cwrk-planet/collab-service/internal/domain"
	"github.com/cwrk-planet/collab-service/internal/protocol"
	"github.com/cwrk-planet/collab-service/internal/registry"
	"github.com/cwrk-planet/collab-service/pkg/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Relay is the part of the registry the socket handlers drive.
type Relay interface {
	Dispatch(c registry.Conn, ev protocol.Event)
	Reject(c registry.Conn, op protocol.Type, err error)
	Leave(connID string)
}

// Limits are per-connection event budgets, per minute.
type Limits struct {
	Messages int
	Counter  int
	Typing   int
}

var DefaultLimits = Limits{Messages: 10, Counter: 30, Typing: 60}

type Options struct {
	PingEvery      time.Duration
	WriteTimeout   time.Duration
	ReadLimit      int64
	SendBuffer     int
	AllowedOrigins []string
	Limits         Limits
}

type Server struct {
	upgrader websocket.Upgrader
	relay    Relay
	opts     Options
}

func NewServer(relay Relay, opts Options) *Server {
	if opts.PingEvery <= 0 {
		opts.PingEvery = 15 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 64 << 10
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.Limits == (Limits{}) {
		opts.Limits = DefaultLimits
	}

	return &Server{
		relay: relay,
		opts:  opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(opts.AllowedOrigins),
		},
	}
}

// HandleWS: GET /ws. The client joins a session with a join-session event after the upgrade.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	wc, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade уже ответил клиенту
		slog.Warn("ws upgrade failed", logger.Err(err))
		return
	}

	c := newConn(uuid.NewString(), wc, s.opts.SendBuffer, s.limiters())
	log := logger.FromContext(r.Context()).With(logger.ConnAttr(c.id))
	log.Debug("ws connected", slog.String("remote", r.RemoteAddr))

	go s.writeLoop(c)
	s.readLoop(c)

	s.relay.Leave(c.id)
	c.close()
	log.Debug("ws disconnected")
}

func (s *Server) readLoop(c *conn) {
	c.ws.SetReadLimit(s.opts.ReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(2 * s.opts.PingEvery))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(2 * s.opts.PingEvery))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("ws read failed", logger.ConnAttr(c.id), logger.Err(err))
			}
			return
		}

		ev, err := protocol.Unmarshal(data)
		if err != nil {
			slog.Debug("ws frame dropped", logger.ConnAttr(c.id), logger.Err(err))
			continue
		}
		if lim, ok := c.limits[ev.Type()]; ok && !lim.Allow() {
			s.relay.Reject(c, ev.Type(), domain.ErrRateLimited)
			continue
		}
		s.relay.Dispatch(c, ev)
	}
}

func (s *Server) writeLoop(c *conn) {
	ticker := time.NewTicker(s.opts.PingEvery)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.egress:
			_ = c.ws.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				slog.Debug("ws write failed", logger.ConnAttr(c.id), logger.Err(err))
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.opts.WriteTimeout)); err != nil {
				c.close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (s *Server) limiters() map[protocol.Type]*rate.Limiter {
	perMinute := func(n int) *rate.Limiter {
		return rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), n)
	}
	l := s.opts.Limits
	out := make(map[protocol.Type]*rate.Limiter, 4)
	if l.Messages > 0 {
		out[protocol.TypeSendMessage] = perMinute(l.Messages)
	}
	if l.Counter > 0 {
		out[protocol.TypeUpdateCounter] = perMinute(l.Counter)
	}
	if l.Typing > 0 {
		// start и stop делят один бюджет
		typing := perMinute(l.Typing)
		out[protocol.TypeTypingStart] = typing
		out[protocol.TypeTypingStop] = typing
	}
	return out
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(r *http.Request) bool { return true }
		}
		set[strings.TrimRight(o, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // не браузер
		}
		_, ok := set[origin]
		return ok
	}
}
