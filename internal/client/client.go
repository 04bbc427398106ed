package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cwrk-planet/collab-service/internal/domain"
	"github.com/cwrk-planet/collab-service/internal/protocol"
	"github.com/cwrk-planet/collab-service/internal/store"
	"github.com/cwrk-planet/collab-service/internal/sweeper"
	"github.com/cwrk-planet/collab-service/internal/transport/local"
	"github.com/cwrk-planet/collab-service/internal/transport/relay"
	"github.com/cwrk-planet/collab-service/pkg/logger"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

var ErrStarted = errors.New("client already started")

type Options struct {
	SessionID   string
	UserID      string
	DisplayName string

	// RelayURL is the relay websocket endpoint, e.g. ws://localhost:8080/ws.
	// Empty means local-only: sibling tabs still sync, nothing leaves the device.
	RelayURL string
	// Bus is the same-device channel bus; nil disables cross-tab sync.
	Bus      *local.Bus
	OriginID string

	Clock            clockwork.Clock
	TypingTimeout    time.Duration
	SweepInterval    time.Duration
	ActivityLimit    int
	MaxContentLength int

	PingEvery      time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	OnActivity func(domain.ActivityLogEntry)
	OnStatus   func(connected bool)
	OnReject   func(protocol.Error)
}

// Client is one tab's membership in a session: its store plus the two transports feeding it.
type Client struct {
	opts  Options
	clock clockwork.Clock
	log   *slog.Logger

	store   *store.Store
	relay   *relay.Client
	tab     *local.Channel
	sweeper *sweeper.Sweeper

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

func New(opts Options) (*Client, error) {
	opts.SessionID = strings.TrimSpace(opts.SessionID)
	opts.UserID = strings.TrimSpace(opts.UserID)
	if opts.SessionID == "" || opts.UserID == "" {
		return nil, domain.ErrInvalidIdentity
	}
	if opts.DisplayName == "" {
		opts.DisplayName = opts.UserID
	}
	if opts.OriginID == "" {
		opts.OriginID = uuid.NewString()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.MaxContentLength <= 0 {
		opts.MaxContentLength = domain.DefaultMaxContentLength
	}

	c := &Client{
		opts:  opts,
		clock: opts.Clock,
		log: logger.L().With(
			logger.SessionAttr(opts.SessionID),
			logger.UserAttr(opts.UserID),
			slog.String("origin_id", opts.OriginID)),
	}
	c.store = store.New(store.Options{
		SessionID:     opts.SessionID,
		Clock:         opts.Clock,
		TypingTimeout: opts.TypingTimeout,
		ActivityLimit: opts.ActivityLimit,
		OnActivity:    opts.OnActivity,
	})
	c.sweeper = sweeper.New("client:"+opts.SessionID, c.store, opts.Clock, opts.SweepInterval)

	if opts.RelayURL != "" {
		c.relay = relay.New(relay.Options{
			URL:            opts.RelayURL,
			SessionID:      opts.SessionID,
			UserID:         opts.UserID,
			DisplayName:    opts.DisplayName,
			PingEvery:      opts.PingEvery,
			InitialBackoff: opts.InitialBackoff,
			MaxBackoff:     opts.MaxBackoff,
			OnEvent:        c.onRelayEvent,
			OnStatus:       c.onStatus,
		})
	}
	return c, nil
}

// Start opens the local channel, starts the client sweeper and connects to the relay.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return ErrStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	c.cancel, c.group = cancel, g

	if c.opts.Bus != nil {
		c.tab = c.opts.Bus.Open(local.ChannelName(c.opts.SessionID), c.opts.OriginID, c.onLocalEvent)
		// без релея вкладка сама объявляет себя соседям
		if c.relay == nil {
			self := domain.User{ID: c.opts.UserID, DisplayName: c.opts.DisplayName, LastActivityAt: c.clock.Now()}
			c.store.UpsertUser(self)
			c.publish(protocol.UserJoined{User: self})
		}
	}
	if err := c.sweeper.Start(gctx); err != nil {
		cancel()
		return err
	}
	if c.relay != nil {
		g.Go(func() error { return c.relay.Run(gctx) })
	}

	c.log.Info("session client started", slog.Bool("relay", c.relay != nil), slog.Bool("local", c.tab != nil))
	return nil
}

// Close tears down both transports. The store keeps its last state readable.
func (c *Client) Close() error {
	c.mu.Lock()
	cancel, g := c.cancel, c.group
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	c.sweeper.Stop()
	err := g.Wait()
	if c.tab != nil {
		if c.relay == nil {
			c.publish(protocol.UserLeft{UserID: c.opts.UserID, DisplayName: c.opts.DisplayName, At: c.clock.Now()})
		}
		c.tab.Close()
	}
	c.store.Close()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Client) Store() *store.Store { return c.store }
func (c *Client) UserID() string      { return c.opts.UserID }

// Connected reports the relay link status. Local-only clients are never connected.
func (c *Client) Connected() bool { return c.relay != nil && c.relay.Connected() }

// SendMessage validates locally and hands the message to the relay; it shows up in the
// store with the relay's echo, which carries the server id.
func (c *Client) SendMessage(content string, ttl time.Duration) error {
	text, err := domain.NormalizeContent(content, c.opts.MaxContentLength)
	if err != nil {
		return err
	}
	if ttl < 0 {
		return domain.ErrInvalidExpiry
	}
	if c.relay == nil {
		return relay.ErrNotConnected
	}

	ev := protocol.SendMessage{Content: text}
	if ttl > 0 {
		ms := ttl.Milliseconds()
		ev.ExpiresInMs = &ms
	}
	return c.relay.Send(ev)
}

// DeleteMessage removes one of the user's own messages everywhere.
func (c *Client) DeleteMessage(id string) error {
	if err := c.store.DeleteMessage(id, c.opts.UserID); err != nil && !errors.Is(err, domain.ErrMessageNotFound) {
		return err
	}
	c.publish(protocol.MessageDeleted{MessageID: id, UserID: c.opts.UserID})
	return c.sendRelay(protocol.DeleteMessage{MessageID: id})
}

func (c *Client) Increment() error { return c.bumpCounter(1) }
func (c *Client) Decrement() error { return c.bumpCounter(-1) }

func (c *Client) bumpCounter(delta int64) error {
	next := c.store.Counter().Value + delta
	return c.updateCounter(next, protocol.UpdateCounter{Delta: &delta})
}

// SetCounter sets an absolute value.
func (c *Client) SetCounter(v int64) error {
	return c.updateCounter(v, protocol.UpdateCounter{Value: &v})
}

// updateCounter shows v right away. With a relay the value stays provisional until the
// relay's counter-updated replaces it; sibling tabs get that echo over their own link.
// Without a relay the local stamp is the only one there is, so it goes through LWW.
func (c *Client) updateCounter(v int64, ev protocol.UpdateCounter) error {
	upd := domain.Counter{
		Value:         v,
		LastActorID:   c.opts.UserID,
		LastActorName: c.opts.DisplayName,
		UpdatedAt:     c.clock.Now(),
	}
	if c.relay != nil {
		c.store.SetProvisionalCounter(upd)
		if err := c.sendRelay(ev); err != nil {
			c.store.DropProvisionalCounter()
			return err
		}
		return nil
	}

	cur := c.store.Counter()
	if !upd.UpdatedAt.After(cur.UpdatedAt) {
		upd.UpdatedAt = cur.UpdatedAt.Add(time.Nanosecond)
	}
	c.store.ApplyCounterUpdate(upd)
	c.publish(protocol.CounterUpdated{Counter: upd})
	return nil
}

func (c *Client) StartTyping() error {
	c.store.SetTyping(c.opts.UserID, true)
	c.publish(protocol.UserTyping{UserID: c.opts.UserID, DisplayName: c.opts.DisplayName})
	return c.sendRelay(protocol.TypingStart{})
}

func (c *Client) StopTyping() error {
	c.store.SetTyping(c.opts.UserID, false)
	c.publish(protocol.UserStoppedTyping{UserID: c.opts.UserID, DisplayName: c.opts.DisplayName})
	return c.sendRelay(protocol.TypingStop{})
}

// --- inbound ---

func (c *Client) onRelayEvent(ev protocol.Event) {
	switch e := ev.(type) {
	case protocol.Error:
		c.log.Warn("relay rejected event", slog.String("op", string(e.Op)), slog.String("reason", e.Reason))
		if c.opts.OnReject != nil {
			c.opts.OnReject(e)
		}
		return
	case protocol.NewMessage:
		// эхо своего сообщения: соседним вкладкам
		if e.AuthorID == c.opts.UserID {
			c.publish(e)
		}
	}
	c.apply("relay", ev)
}

func (c *Client) onLocalEvent(ev protocol.Event) {
	c.apply("local", ev)
}

func (c *Client) apply(source string, ev protocol.Event) {
	err := c.store.Apply(ev)
	switch {
	case err == nil, errors.Is(err, domain.ErrMessageNotFound):
	case errors.Is(err, domain.ErrNotAuthor):
		c.log.Warn("unauthorized delete ignored", slog.String("source", source))
	default:
		c.log.Debug("event not applied", slog.String("source", source), slog.String("type", string(ev.Type())), logger.Err(err))
	}
}

func (c *Client) onStatus(connected bool) {
	if connected {
		c.log.Info("relay connected")
	} else {
		c.log.Warn("relay connection lost")
	}
	if c.opts.OnStatus != nil {
		c.opts.OnStatus(connected)
	}
}

// --- outbound ---

func (c *Client) publish(ev protocol.Event) {
	if c.tab == nil {
		return
	}
	if err := c.tab.Publish(ev); err != nil {
		c.log.Debug("local publish failed", slog.String("type", string(ev.Type())), logger.Err(err))
	}
}

// sendRelay forwards to the relay when there is one. A local-only client has nothing to do.
func (c *Client) sendRelay(ev protocol.Event) error {
	if c.relay == nil {
		return nil
	}
	if err := c.relay.Send(ev); err != nil {
		return fmt.Errorf("send %s: %w", ev.Type(), err)
	}
	return nil
}
