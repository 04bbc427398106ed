package ws

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/cwrk-planet/collab-service/internal/protocol"
	"github.com/cwrk-planet/collab-service/internal/registry"
	"github.com/cwrk-planet/collab-service/pkg/logger"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

var ErrSlowConsumer = errors.New("egress queue full")

// conn implements registry.Conn on top of a websocket. Send only enqueues.
type conn struct {
	id     string
	ws     *websocket.Conn
	egress chan []byte
	limits map[protocol.Type]*rate.Limiter

	closed chan struct{}
	once   sync.Once
}

func newConn(id string, ws *websocket.Conn, buf int, limits map[protocol.Type]*rate.Limiter) *conn {
	return &conn{
		id:     id,
		ws:     ws,
		egress: make(chan []byte, buf),
		limits: limits,
		closed: make(chan struct{}),
	}
}

func (c *conn) ID() string { return c.id }

func (c *conn) Send(ev protocol.Event) error {
	data, err := protocol.Marshal(ev)
	if err != nil {
		return err
	}

	select {
	case <-c.closed:
		return registry.ErrConnClosed
	default:
	}

	select {
	case c.egress <- data:
		return nil
	default:
		// медленный клиент: отключаем, он переподключится и получит снапшот
		slog.Warn("ws egress full, closing", logger.ConnAttr(c.id))
		c.close()
		return ErrSlowConsumer
	}
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}
