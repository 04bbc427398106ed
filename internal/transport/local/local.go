package local

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cwrk-planet/collab-service/internal/protocol"
	"github.com/cwrk-planet/collab-service/pkg/logger"

	"github.com/jonboulle/clockwork"
)

const DefaultInboxSize = 256

var ErrClosed = errors.New("local channel closed")

// Frame is what travels between tabs. Payload is encoded once by the publisher, so every
// receiver works on its own copy.
type Frame struct {
	Type      protocol.Type   `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	OriginID  string          `json:"origin_id"`
}

// ChannelName is the per-session channel every tab of a session opens.
func ChannelName(sessionID string) string { return "collab-session:" + sessionID }

type Handler func(ev protocol.Event)

// Bus connects channels of one device (one browser profile, in the original setting).
type Bus struct {
	clock     clockwork.Clock
	inboxSize int

	mu       sync.RWMutex
	channels map[string]map[*Channel]struct{}
}

func NewBus(clock clockwork.Clock, inboxSize int) *Bus {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if inboxSize <= 0 {
		inboxSize = DefaultInboxSize
	}
	return &Bus{
		clock:     clock,
		inboxSize: inboxSize,
		channels:  make(map[string]map[*Channel]struct{}),
	}
}

// Open subscribes to the named channel. Frames published with the same originID are ignored.
func (b *Bus) Open(name, originID string, h Handler) *Channel {
	c := &Channel{
		bus:      b,
		name:     name,
		originID: originID,
		handler:  h,
		inbox:    make(chan []byte, b.inboxSize),
		done:     make(chan struct{}),
	}

	b.mu.Lock()
	set, ok := b.channels[name]
	if !ok {
		set = make(map[*Channel]struct{})
		b.channels[name] = set
	}
	set[c] = struct{}{}
	b.mu.Unlock()

	go c.dispatch()
	return c
}

// Post delivers raw frame bytes to every channel with that name except skip.
func (b *Bus) Post(name string, data []byte, skip *Channel) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for c := range b.channels[name] {
		if c == skip {
			continue
		}
		select {
		case c.inbox <- data:
		default:
			slog.Warn("local channel inbox full, frame dropped",
				slog.String("channel", name),
				slog.String("origin_id", c.originID))
		}
	}
}

func (b *Bus) remove(c *Channel) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if set, ok := b.channels[c.name]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(b.channels, c.name)
		}
	}
}

type Channel struct {
	bus      *Bus
	name     string
	originID string
	handler  Handler

	inbox chan []byte
	done  chan struct{}
	once  sync.Once
}

func (c *Channel) Name() string     { return c.name }
func (c *Channel) OriginID() string { return c.originID }

// Publish sends ev to sibling channels. Delivery is asynchronous and best-effort.
func (c *Channel) Publish(ev protocol.Event) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	env, err := protocol.Encode(ev)
	if err != nil {
		return err
	}
	data, err := json.Marshal(Frame{
		Type:      env.Type,
		Payload:   env.Payload,
		Timestamp: c.bus.clock.Now(),
		OriginID:  c.originID,
	})
	if err != nil {
		return fmt.Errorf("local frame: %w", err)
	}

	c.bus.Post(c.name, data, c)
	return nil
}

func (c *Channel) dispatch() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.inbox:
			c.deliver(data)
		}
	}
}

func (c *Channel) deliver(data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		slog.Warn("local frame dropped", slog.String("channel", c.name), logger.Err(err))
		return
	}
	if f.OriginID == c.originID {
		return
	}
	ev, err := protocol.Decode(protocol.Envelope{Type: f.Type, Payload: f.Payload})
	if err != nil {
		slog.Warn("local frame dropped", slog.String("channel", c.name), logger.Err(err))
		return
	}
	if c.handler != nil {
		c.handler(ev)
	}
}

// Close unsubscribes; frames still queued are discarded.
func (c *Channel) Close() {
	c.once.Do(func() {
		c.bus.remove(c)
		close(c.done)
	})
}
