package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cwrk-planet/collab-service/internal/domain"
	"github.com/cwrk-planet/collab-service/internal/protocol"
	"github.com/cwrk-planet/collab-service/pkg/logger"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const (
	DefaultEvictionGrace = 5 * time.Minute
	DefaultTypingTimeout = 3 * time.Second
)

// Conn is one live relay connection. Send must not block: the registry fans out while
// holding its lock, so slow peers have to be buffered or dropped by the transport.
type Conn interface {
	ID() string
	Send(ev protocol.Event) error
}

type Options struct {
	Clock            clockwork.Clock
	EvictionGrace    time.Duration
	TypingTimeout    time.Duration
	MaxContentLength int
}

// Registry is the relay's authority over live sessions: participants keyed by connection,
// the message list and the counter of every session.
type Registry struct {
	mu sync.Mutex

	clock         clockwork.Clock
	evictionGrace time.Duration
	typingTimeout time.Duration
	maxContentLen int

	sessions map[string]*session
	conns    map[string]*participant // connID -> participant
}

type session struct {
	id        string
	createdAt time.Time
	conns     map[string]*participant
	messages  []domain.Message
	counter   domain.Counter
	typing    map[string]*typingState // userID -> state
	evict     clockwork.Timer
}

type participant struct {
	conn      Conn
	sessionID string
	user      domain.User
}

type typingState struct {
	connID   string
	deadline time.Time
	timer    clockwork.Timer
}

func New(opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.EvictionGrace <= 0 {
		opts.EvictionGrace = DefaultEvictionGrace
	}
	if opts.TypingTimeout <= 0 {
		opts.TypingTimeout = DefaultTypingTimeout
	}
	if opts.MaxContentLength <= 0 {
		opts.MaxContentLength = domain.DefaultMaxContentLength
	}

	return &Registry{
		clock:         opts.Clock,
		evictionGrace: opts.EvictionGrace,
		typingTimeout: opts.TypingTimeout,
		maxContentLen: opts.MaxContentLength,
		sessions:      make(map[string]*session),
		conns:         make(map[string]*participant),
	}
}

// Dispatch routes one inbound client event. Rejections go back to the sender as an
// error event; neither the connection nor the session is torn down.
func (r *Registry) Dispatch(c Conn, ev protocol.Event) {
	var err error
	switch e := ev.(type) {
	case protocol.JoinSession:
		err = r.Join(c, e)
	case protocol.SendMessage:
		_, err = r.RelayMessage(c.ID(), e)
	case protocol.DeleteMessage:
		err = r.RelayDelete(c.ID(), e.MessageID)
	case protocol.UpdateCounter:
		_, err = r.RelayCounterUpdate(c.ID(), e)
	case protocol.TypingStart:
		err = r.RelayTyping(c.ID(), true)
	case protocol.TypingStop:
		err = r.RelayTyping(c.ID(), false)
	default:
		err = fmt.Errorf("%w: %s is server-only", protocol.ErrUnknownType, ev.Type())
	}
	if err != nil {
		r.Reject(c, ev.Type(), err)
	}
}

// Reject logs the failure and reports it to the sender only.
func (r *Registry) Reject(c Conn, op protocol.Type, err error) {
	slog.Warn("relay event rejected",
		logger.ConnAttr(c.ID()),
		slog.String("op", string(op)),
		logger.Err(err))
	_ = c.Send(protocol.Error{Op: op, Reason: err.Error()})
}

// Join registers c under the session, creating the session on first use. The newcomer
// gets a full snapshot, everyone else a user-joined event.
func (r *Registry) Join(c Conn, ev protocol.JoinSession) error {
	sessionID := strings.TrimSpace(ev.SessionID)
	userID := strings.TrimSpace(ev.UserID)
	if sessionID == "" || userID == "" {
		return domain.ErrInvalidIdentity
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// повторный join с того же соединения = переход в другую сессию
	if _, ok := r.conns[c.ID()]; ok {
		r.leaveLocked(c.ID())
	}

	now := r.clock.Now()
	s := r.ensureLocked(sessionID, now)
	if s.evict != nil {
		s.evict.Stop()
		s.evict = nil
	}

	name := strings.TrimSpace(ev.DisplayName)
	if name == "" {
		name = userID
	}
	p := &participant{
		conn:      c,
		sessionID: sessionID,
		user:      domain.User{ID: userID, DisplayName: name, LastActivityAt: now},
	}
	s.conns[c.ID()] = p
	r.conns[c.ID()] = p

	slog.Info("relay join",
		logger.SessionAttr(sessionID),
		logger.UserAttr(userID),
		logger.ConnAttr(c.ID()),
		slog.Int("connections", len(s.conns)))

	if err := c.Send(protocol.SessionState{Session: r.snapshotLocked(s, now)}); err != nil {
		slog.Warn("relay send snapshot failed", logger.ConnAttr(c.ID()), logger.Err(err))
	}
	r.broadcastLocked(s, protocol.UserJoined{User: p.user}, c.ID())
	return nil
}

// Leave drops the connection. user-left goes out only when the user's last connection
// in the session is gone; an emptied session is evicted after the grace delay.
func (r *Registry) Leave(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(connID)
}

func (r *Registry) leaveLocked(connID string) {
	p, ok := r.conns[connID]
	if !ok {
		return
	}
	delete(r.conns, connID)

	s, ok := r.sessions[p.sessionID]
	if !ok {
		return
	}
	delete(s.conns, connID)

	slog.Info("relay leave",
		logger.SessionAttr(s.id),
		logger.UserAttr(p.user.ID),
		logger.ConnAttr(connID),
		slog.Int("connections", len(s.conns)))

	if !r.userPresentLocked(s, p.user.ID) {
		if t, ok := s.typing[p.user.ID]; ok {
			t.timer.Stop()
			delete(s.typing, p.user.ID)
		}
		r.broadcastLocked(s, protocol.UserLeft{
			UserID:      p.user.ID,
			DisplayName: p.user.DisplayName,
			At:          r.clock.Now(),
		}, "")
	}

	if len(s.conns) == 0 {
		r.scheduleEvictionLocked(s)
	}
}

// RelayMessage validates the content, stamps id and time and fans the message out to the
// whole session, sender included.
func (r *Registry) RelayMessage(connID string, ev protocol.SendMessage) (domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, s, err := r.memberLocked(connID)
	if err != nil {
		return domain.Message{}, err
	}
	return r.postLocked(s, p.user, ev)
}

// PostMessage is RelayMessage for a caller identified by user rather than by a
// connection, e.g. the REST API. The session must exist.
func (r *Registry) PostMessage(sessionID string, user domain.User, ev protocol.SendMessage) (domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, user, err := r.actorLocked(sessionID, user)
	if err != nil {
		return domain.Message{}, err
	}
	return r.postLocked(s, user, ev)
}

func (r *Registry) postLocked(s *session, author domain.User, ev protocol.SendMessage) (domain.Message, error) {
	content, err := domain.NormalizeContent(ev.Content, r.maxContentLen)
	if err != nil {
		return domain.Message{}, err
	}
	ttl, err := ev.TTL()
	if err != nil {
		return domain.Message{}, err
	}
	now := r.clock.Now()
	expiresAt, err := domain.ExpiryFrom(now, ttl)
	if err != nil {
		return domain.Message{}, err
	}

	m := domain.Message{
		ID:                newMessageID(),
		AuthorID:          author.ID,
		AuthorDisplayName: author.DisplayName,
		Content:           content,
		CreatedAt:         now,
		ExpiresAt:         expiresAt,
	}
	s.messages = append(s.messages, m)
	r.touchLocked(s, author.ID, now)

	r.broadcastLocked(s, protocol.NewMessage{Message: m}, "")
	return m, nil
}

// RelayDelete removes the message iff the requesting connection's user wrote it.
func (r *Registry) RelayDelete(connID, messageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, s, err := r.memberLocked(connID)
	if err != nil {
		return err
	}
	return r.deleteLocked(s, p.user.ID, messageID)
}

// DeleteMessageAs removes the message iff userID wrote it.
func (r *Registry) DeleteMessageAs(sessionID, userID, messageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, user, err := r.actorLocked(sessionID, domain.User{ID: userID})
	if err != nil {
		return err
	}
	return r.deleteLocked(s, user.ID, messageID)
}

func (r *Registry) deleteLocked(s *session, userID, messageID string) error {
	idx := -1
	for i, m := range s.messages {
		if m.ID == messageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return domain.ErrMessageNotFound
	}
	if s.messages[idx].AuthorID != userID {
		return domain.ErrNotAuthor
	}

	s.messages = append(s.messages[:idx], s.messages[idx+1:]...)
	r.touchLocked(s, userID, r.clock.Now())

	r.broadcastLocked(s, protocol.MessageDeleted{MessageID: messageID, UserID: userID}, "")
	return nil
}

// RelayCounterUpdate applies a delta or an absolute value and stamps the result with the
// actor and server time. Stamps never go backwards within a session.
func (r *Registry) RelayCounterUpdate(connID string, ev protocol.UpdateCounter) (domain.Counter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, s, err := r.memberLocked(connID)
	if err != nil {
		return domain.Counter{}, err
	}
	return r.counterLocked(s, p.user, ev)
}

// UpdateCounterAs is RelayCounterUpdate on behalf of user.
func (r *Registry) UpdateCounterAs(sessionID string, user domain.User, ev protocol.UpdateCounter) (domain.Counter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, user, err := r.actorLocked(sessionID, user)
	if err != nil {
		return domain.Counter{}, err
	}
	return r.counterLocked(s, user, ev)
}

func (r *Registry) counterLocked(s *session, actor domain.User, ev protocol.UpdateCounter) (domain.Counter, error) {
	if (ev.Delta == nil) == (ev.Value == nil) {
		return domain.Counter{}, domain.ErrInvalidCounter
	}

	value := s.counter.Value
	if ev.Delta != nil {
		d := *ev.Delta
		// переполнение int64 меняет знак счётчика
		if (d > 0 && value > math.MaxInt64-d) || (d < 0 && value < math.MinInt64-d) {
			return domain.Counter{}, fmt.Errorf("%w: %d%+d overflows", domain.ErrInvalidCounter, value, d)
		}
		value += d
	} else {
		value = *ev.Value
	}

	now := r.clock.Now()
	stamp := now
	if !stamp.After(s.counter.UpdatedAt) {
		stamp = s.counter.UpdatedAt.Add(time.Nanosecond)
	}

	s.counter = domain.Counter{
		Value:         value,
		LastActorID:   actor.ID,
		LastActorName: actor.DisplayName,
		UpdatedAt:     stamp,
	}
	r.touchLocked(s, actor.ID, now)

	r.broadcastLocked(s, protocol.CounterUpdated{Counter: s.counter}, "")
	return s.counter, nil
}

// Touch refreshes the user's last activity and announces it with user-joined, which
// replicas merge as an update. Only users with a live connection can be touched.
func (r *Registry) Touch(sessionID, userID string) (domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, user, err := r.actorLocked(sessionID, domain.User{ID: userID})
	if err != nil {
		return domain.User{}, err
	}
	p := r.anyConnOfLocked(s, user.ID)
	if p == nil {
		return domain.User{}, domain.ErrNotJoined
	}

	r.touchLocked(s, user.ID, r.clock.Now())
	u := p.user
	_, u.Typing = s.typing[u.ID]
	r.broadcastLocked(s, protocol.UserJoined{User: u}, "")
	return u, nil
}

// RelayTyping fans typing state out to everyone but the sender. An unrefreshed
// typing-start turns into user-stopped-typing after the typing timeout.
func (r *Registry) RelayTyping(connID string, typing bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, s, err := r.memberLocked(connID)
	if err != nil {
		return err
	}
	userID := p.user.ID

	if !typing {
		if t, ok := s.typing[userID]; ok {
			t.timer.Stop()
			delete(s.typing, userID)
		}
		r.broadcastLocked(s, protocol.UserStoppedTyping{UserID: userID, DisplayName: p.user.DisplayName}, connID)
		return nil
	}

	now := r.clock.Now()
	t, ok := s.typing[userID]
	if ok {
		t.timer.Stop()
	} else {
		t = &typingState{}
		s.typing[userID] = t
	}
	deadline := now.Add(r.typingTimeout)
	t.connID = connID
	t.deadline = deadline
	t.timer = r.clock.AfterFunc(r.typingTimeout, func() {
		r.expireTyping(s.id, userID, deadline)
	})
	r.touchLocked(s, userID, now)

	r.broadcastLocked(s, protocol.UserTyping{UserID: userID, DisplayName: p.user.DisplayName}, connID)
	return nil
}

func (r *Registry) expireTyping(sessionID, userID string, deadline time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	t, ok := s.typing[userID]
	if !ok || !t.deadline.Equal(deadline) {
		return
	}
	delete(s.typing, userID)

	name := userID
	if p := r.anyConnOfLocked(s, userID); p != nil {
		name = p.user.DisplayName
	}
	slog.Debug("relay typing timed out", logger.SessionAttr(sessionID), logger.UserAttr(userID))
	r.broadcastLocked(s, protocol.UserStoppedTyping{UserID: userID, DisplayName: name}, t.connID)
}

// SweepExpired drops expired messages from every session and sends the remaining list to
// the sessions that changed.
func (r *Registry) SweepExpired(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := 0
	for _, s := range r.sessions {
		kept := s.messages[:0]
		for _, m := range s.messages {
			if !m.Expired(now) {
				kept = append(kept, m)
			}
		}
		removed := len(s.messages) - len(kept)
		if removed == 0 {
			continue
		}
		// хвост обнуляем, чтобы не держать ссылки
		for i := len(kept); i < len(s.messages); i++ {
			s.messages[i] = domain.Message{}
		}
		s.messages = kept
		total += removed

		remaining := make([]domain.Message, len(kept))
		copy(remaining, kept)
		r.broadcastLocked(s, protocol.MessagesExpired{Messages: remaining, SweptAt: now}, "")
		slog.Debug("relay swept expired messages", logger.SessionAttr(s.id), slog.Int("removed", removed))
	}
	return total
}

// Ensure creates the session if needed. A session nobody joins is evicted like any other
// empty session.
func (r *Registry) Ensure(sessionID string) (domain.SessionSummary, bool, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return domain.SessionSummary{}, false, domain.ErrInvalidIdentity
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, existed := r.sessions[sessionID]
	s := r.ensureLocked(sessionID, r.clock.Now())
	if !existed {
		r.scheduleEvictionLocked(s)
	}
	return summaryOf(s), !existed, nil
}

func (r *Registry) Snapshot(sessionID string) (domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	return r.snapshotLocked(s, r.clock.Now()), nil
}

func (r *Registry) Summary(sessionID string) (domain.SessionSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return domain.SessionSummary{}, domain.ErrSessionNotFound
	}
	return summaryOf(s), nil
}

// Sessions lists live sessions ordered by id.
func (r *Registry) Sessions() []domain.SessionSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.SessionSummary, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, summaryOf(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close stops every pending timer. Connections are owned by the transport.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.sessions {
		if s.evict != nil {
			s.evict.Stop()
		}
		for _, t := range s.typing {
			t.timer.Stop()
		}
	}
}

// --- internals ---

func (r *Registry) ensureLocked(id string, now time.Time) *session {
	s, ok := r.sessions[id]
	if ok {
		return s
	}
	s = &session{
		id:        id,
		createdAt: now,
		conns:     make(map[string]*participant),
		messages:  make([]domain.Message, 0),
		counter:   domain.Counter{UpdatedAt: now},
		typing:    make(map[string]*typingState),
	}
	r.sessions[id] = s
	slog.Info("relay session created", logger.SessionAttr(id))
	return s
}

func (r *Registry) scheduleEvictionLocked(s *session) {
	if s.evict != nil {
		s.evict.Stop()
	}
	var timer clockwork.Timer
	timer = r.clock.AfterFunc(r.evictionGrace, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		// таймер мог быть отменён повторным join
		cur, ok := r.sessions[s.id]
		if !ok || cur != s || s.evict != timer || len(s.conns) > 0 {
			return
		}
		for _, t := range s.typing {
			t.timer.Stop()
		}
		delete(r.sessions, s.id)
		slog.Info("relay session evicted", logger.SessionAttr(s.id))
	})
	s.evict = timer
}

func (r *Registry) memberLocked(connID string) (*participant, *session, error) {
	p, ok := r.conns[connID]
	if !ok {
		return nil, nil, domain.ErrNotJoined
	}
	s, ok := r.sessions[p.sessionID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, p.sessionID)
	}
	return p, s, nil
}

// actorLocked resolves a connection-less caller. A live connection of the same user
// supplies the display name when the caller gives none.
func (r *Registry) actorLocked(sessionID string, user domain.User) (*session, domain.User, error) {
	user.ID = strings.TrimSpace(user.ID)
	if user.ID == "" {
		return nil, domain.User{}, domain.ErrInvalidIdentity
	}
	s, ok := r.sessions[strings.TrimSpace(sessionID)]
	if !ok {
		return nil, domain.User{}, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, sessionID)
	}
	user.DisplayName = strings.TrimSpace(user.DisplayName)
	if user.DisplayName == "" {
		if p := r.anyConnOfLocked(s, user.ID); p != nil {
			user.DisplayName = p.user.DisplayName
		} else {
			user.DisplayName = user.ID
		}
	}
	return s, user, nil
}

// touchLocked refreshes LastActivityAt on every connection of the user.
func (r *Registry) touchLocked(s *session, userID string, now time.Time) {
	for _, p := range s.conns {
		if p.user.ID == userID {
			p.user.LastActivityAt = now
		}
	}
}

func (r *Registry) userPresentLocked(s *session, userID string) bool {
	return r.anyConnOfLocked(s, userID) != nil
}

func (r *Registry) anyConnOfLocked(s *session, userID string) *participant {
	for _, p := range s.conns {
		if p.user.ID == userID {
			return p
		}
	}
	return nil
}

// broadcastLocked sends ev to every connection of the session except skipConnID.
func (r *Registry) broadcastLocked(s *session, ev protocol.Event, skipConnID string) {
	for id, p := range s.conns {
		if id == skipConnID {
			continue
		}
		if err := p.conn.Send(ev); err != nil && !errors.Is(err, ErrConnClosed) {
			slog.Debug("relay send failed",
				logger.SessionAttr(s.id),
				logger.ConnAttr(id),
				slog.String("type", string(ev.Type())),
				logger.Err(err))
		}
	}
}

// ErrConnClosed may be returned by Conn.Send for a connection that is shutting down.
var ErrConnClosed = errors.New("connection closed")

func (r *Registry) snapshotLocked(s *session, now time.Time) domain.Session {
	byUser := make(map[string]domain.User, len(s.conns))
	for _, p := range s.conns {
		cur, ok := byUser[p.user.ID]
		if !ok || p.user.LastActivityAt.After(cur.LastActivityAt) {
			byUser[p.user.ID] = p.user
		}
	}
	users := make([]domain.User, 0, len(byUser))
	for id, u := range byUser {
		_, u.Typing = s.typing[id]
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })

	messages := make([]domain.Message, 0, len(s.messages))
	for _, m := range s.messages {
		if !m.Expired(now) {
			messages = append(messages, m)
		}
	}

	return domain.Session{ID: s.id, Users: users, Messages: messages, Counter: s.counter}
}

func summaryOf(s *session) domain.SessionSummary {
	users := make(map[string]struct{}, len(s.conns))
	for _, p := range s.conns {
		users[p.user.ID] = struct{}{}
	}
	return domain.SessionSummary{
		ID:           s.id,
		CreatedAt:    s.createdAt,
		Users:        len(users),
		Connections:  len(s.conns),
		Messages:     len(s.messages),
		CounterValue: s.counter.Value,
	}
}

func newMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
