package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cwrk-planet/collab-service/internal/protocol"
	"github.com/cwrk-planet/collab-service/pkg/logger"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

var (
	ErrNotConnected = errors.New("relay not connected")
	ErrBufferFull   = errors.New("relay send buffer full")
)

type Options struct {
	URL         string
	SessionID   string
	UserID      string
	DisplayName string

	PingEvery      time.Duration
	WriteTimeout   time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	SendBuffer     int
	Dialer         *websocket.Dialer

	// OnEvent receives every decoded server event, in arrival order.
	OnEvent func(protocol.Event)
	// OnStatus is called on every connect and disconnect.
	OnStatus func(connected bool)
}

// Client keeps one membership alive against the relay: join on connect, reconnect with
// backoff on drop. State is never cleared on disconnect.
type Client struct {
	opts Options

	connected atomic.Bool
	mu        sync.Mutex
	cur       *link
}

type link struct {
	ws     *websocket.Conn
	egress chan []byte
	closed chan struct{}
	once   sync.Once
}

func (l *link) close() {
	l.once.Do(func() {
		close(l.closed)
		_ = l.ws.Close()
	})
}

func New(opts Options) *Client {
	if opts.PingEvery <= 0 {
		opts.PingEvery = 15 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Client{opts: opts}
}

func (c *Client) Connected() bool { return c.connected.Load() }

// Run connects and keeps reconnecting until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialBackoff
	b.MaxInterval = c.opts.MaxBackoff
	b.MaxElapsedTime = 0
	bctx := backoff.WithContext(b, ctx)

	log := logger.FromContext(ctx).With(logger.SessionAttr(c.opts.SessionID), logger.UserAttr(c.opts.UserID))

	for {
		joined, err := c.serve(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if joined {
			bctx.Reset()
		}

		wait := bctx.NextBackOff()
		if wait == backoff.Stop {
			return ctx.Err()
		}
		log.Warn("relay disconnected, reconnecting", logger.Err(err), slog.Duration("in", wait))

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// serve runs one connection until it drops. joined reports whether join-session went out.
func (c *Client) serve(ctx context.Context) (joined bool, err error) {
	ws, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}

	l := &link{ws: ws, egress: make(chan []byte, c.opts.SendBuffer), closed: make(chan struct{})}
	defer l.close()

	join, err := protocol.Marshal(protocol.JoinSession{
		SessionID:   c.opts.SessionID,
		UserID:      c.opts.UserID,
		DisplayName: c.opts.DisplayName,
	})
	if err != nil {
		return false, err
	}
	_ = ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, join); err != nil {
		return false, fmt.Errorf("join: %w", err)
	}

	c.setLink(l)
	defer c.setLink(nil)

	stop := context.AfterFunc(ctx, l.close)
	defer stop()

	go c.writeLoop(l)
	return true, c.readLoop(l)
}

func (c *Client) setLink(l *link) {
	c.mu.Lock()
	c.cur = l
	c.mu.Unlock()

	connected := l != nil
	if c.connected.Swap(connected) != connected && c.opts.OnStatus != nil {
		c.opts.OnStatus(connected)
	}
}

func (c *Client) readLoop(l *link) error {
	deadline := func() { _ = l.ws.SetReadDeadline(time.Now().Add(2 * c.opts.PingEvery)) }
	deadline()
	l.ws.SetPongHandler(func(string) error { deadline(); return nil })
	l.ws.SetPingHandler(func(data string) error {
		deadline()
		return l.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.opts.WriteTimeout))
	})

	for {
		_, data, err := l.ws.ReadMessage()
		if err != nil {
			return err
		}
		deadline()

		ev, err := protocol.Unmarshal(data)
		if err != nil {
			slog.Warn("relay frame dropped", logger.SessionAttr(c.opts.SessionID), logger.Err(err))
			continue
		}
		if c.opts.OnEvent != nil {
			c.opts.OnEvent(ev)
		}
	}
}

func (c *Client) writeLoop(l *link) {
	ticker := time.NewTicker(c.opts.PingEvery)
	defer ticker.Stop()

	for {
		select {
		case data := <-l.egress:
			_ = l.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := l.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				l.close()
				return
			}
		case <-ticker.C:
			if err := l.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				l.close()
				return
			}
		case <-l.closed:
			return
		}
	}
}

// Send is fire-and-forget: it only enqueues on the current connection.
func (c *Client) Send(ev protocol.Event) error {
	data, err := protocol.Marshal(ev)
	if err != nil {
		return err
	}

	c.mu.Lock()
	l := c.cur
	c.mu.Unlock()
	if l == nil {
		return ErrNotConnected
	}

	select {
	case <-l.closed:
		return ErrNotConnected
	case l.egress <- data:
		return nil
	default:
		return ErrBufferFull
	}
}
