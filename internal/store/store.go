package store

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cwrk-planet/collab-service/internal/domain"
	"github.com/cwrk-planet/collab-service/internal/protocol"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const (
	DefaultTypingTimeout = 3 * time.Second
	DefaultActivityLimit = 20
)

var ErrUnsupportedEvent = errors.New("event does not change session state")

type Options struct {
	SessionID     string
	Clock         clockwork.Clock
	TypingTimeout time.Duration
	ActivityLimit int
	// OnActivity is called outside the store lock for every new activity entry.
	OnActivity func(domain.ActivityLogEntry)
}

// Store holds one session as seen by one participant. Every mutation runs under mu,
// so no reader ever observes a half-applied event.
type Store struct {
	mu sync.Mutex

	sessionID     string
	clock         clockwork.Clock
	typingTimeout time.Duration
	activityLimit int
	onActivity    func(domain.ActivityLogEntry)

	users    map[string]domain.User
	messages map[string]domain.Message
	counter  domain.Counter
	typing   map[string]*typingEntry

	// optimistic value shown until the next authoritative counter update
	provisional *domain.Counter

	// gone is terminal: a deleted or expired id is never re-inserted.
	gone map[string]struct{}
	// deletes that arrived before their message: id -> requesting users
	pendingDeletes map[string]map[string]struct{}

	activity []domain.ActivityLogEntry
	notes    []domain.ActivityLogEntry
}

type typingEntry struct {
	deadline time.Time
	timer    clockwork.Timer
}

func New(opts Options) *Store {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.TypingTimeout <= 0 {
		opts.TypingTimeout = DefaultTypingTimeout
	}
	if opts.ActivityLimit <= 0 {
		opts.ActivityLimit = DefaultActivityLimit
	}

	return &Store{
		sessionID:      opts.SessionID,
		clock:          opts.Clock,
		typingTimeout:  opts.TypingTimeout,
		activityLimit:  opts.ActivityLimit,
		onActivity:     opts.OnActivity,
		users:          make(map[string]domain.User),
		messages:       make(map[string]domain.Message),
		typing:         make(map[string]*typingEntry),
		gone:           make(map[string]struct{}),
		pendingDeletes: make(map[string]map[string]struct{}),
	}
}

func (s *Store) SessionID() string { return s.sessionID }

// update runs fn under the lock and delivers the activity it produced after unlocking.
func (s *Store) update(fn func()) {
	s.mu.Lock()
	fn()
	notes := s.notes
	s.notes = nil
	s.mu.Unlock()

	if s.onActivity == nil {
		return
	}
	for _, n := range notes {
		s.onActivity(n)
	}
}

// UpsertUser inserts the user or refreshes its mutable fields. Returns true on first insert only.
func (s *Store) UpsertUser(u domain.User) (inserted bool) {
	if u.ID == "" {
		return false
	}
	s.update(func() {
		inserted = s.upsertUserLocked(u)
	})
	return inserted
}

func (s *Store) upsertUserLocked(u domain.User) bool {
	cur, ok := s.users[u.ID]
	if !ok {
		typing := u.Typing
		u.Typing = false
		s.users[u.ID] = u
		s.record(domain.ActivityJoin, u.ID, fmt.Sprintf("%s joined", nameOr(u)))
		if typing {
			s.setTypingLocked(u.ID, true)
		}
		return true
	}
	if u.LastActivityAt.Before(cur.LastActivityAt) {
		return false
	}
	if u.DisplayName != "" {
		cur.DisplayName = u.DisplayName
	}
	cur.LastActivityAt = u.LastActivityAt
	s.users[u.ID] = cur
	if _, typing := s.typing[u.ID]; typing != u.Typing {
		s.setTypingLocked(u.ID, u.Typing)
	}
	return false
}

// RemoveUser deletes the user and its typing entry; no-op if absent.
func (s *Store) RemoveUser(userID string) (removed bool) {
	s.update(func() {
		u, ok := s.users[userID]
		if !ok {
			return
		}
		delete(s.users, userID)
		s.clearTypingLocked(userID)
		s.record(domain.ActivityLeave, userID, fmt.Sprintf("%s left", nameOr(u)))
		removed = true
	})
	return removed
}

// UpsertMessage inserts a message unless its id is already known or gone.
func (s *Store) UpsertMessage(m domain.Message) (inserted bool) {
	if m.ID == "" {
		return false
	}
	s.update(func() {
		inserted = s.upsertMessageLocked(m)
	})
	return inserted
}

func (s *Store) upsertMessageLocked(m domain.Message) bool {
	if _, gone := s.gone[m.ID]; gone {
		return false
	}
	if _, ok := s.messages[m.ID]; ok {
		return false
	}
	if requesters, ok := s.pendingDeletes[m.ID]; ok {
		delete(s.pendingDeletes, m.ID)
		if _, byAuthor := requesters[m.AuthorID]; byAuthor {
			s.gone[m.ID] = struct{}{}
			return false
		}
	}
	s.messages[m.ID] = m
	s.record(domain.ActivityMessage, m.AuthorID, fmt.Sprintf("%s sent a message", nameOrID(m.AuthorDisplayName, m.AuthorID)))
	return true
}

// DeleteMessage removes the message only when requesterID is its author.
// A delete for an unknown id is remembered and applied if the author's message shows up later.
func (s *Store) DeleteMessage(id, requesterID string) (err error) {
	s.update(func() {
		m, ok := s.messages[id]
		if !ok {
			if _, gone := s.gone[id]; gone {
				return
			}
			if s.pendingDeletes[id] == nil {
				s.pendingDeletes[id] = make(map[string]struct{})
			}
			s.pendingDeletes[id][requesterID] = struct{}{}
			err = domain.ErrMessageNotFound
			return
		}
		if m.AuthorID != requesterID {
			err = domain.ErrNotAuthor
			return
		}
		delete(s.messages, id)
		s.gone[id] = struct{}{}
		s.record(domain.ActivityMessage, requesterID, fmt.Sprintf("%s deleted a message", nameOrID(m.AuthorDisplayName, m.AuthorID)))
	})
	return err
}

// ApplyCounterUpdate replaces the counter if c is not older than the current one.
// Stale updates are dropped silently. Any update discards the provisional value:
// only authoritative stamps take part in last-writer-wins.
func (s *Store) ApplyCounterUpdate(c domain.Counter) (applied bool) {
	s.update(func() {
		s.provisional = nil
		applied = s.applyCounterLocked(c)
	})
	return applied
}

// SetProvisionalCounter shows c until the next ApplyCounterUpdate or snapshot.
// Its stamp is never compared with authoritative ones.
func (s *Store) SetProvisionalCounter(c domain.Counter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.provisional = &c
}

// DropProvisionalCounter falls back to the last authoritative counter.
func (s *Store) DropProvisionalCounter() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.provisional = nil
}

func (s *Store) applyCounterLocked(c domain.Counter) bool {
	if !c.Supersedes(s.counter) {
		return false
	}
	if c.Value == s.counter.Value && c.LastActorID == s.counter.LastActorID && c.UpdatedAt.Equal(s.counter.UpdatedAt) {
		return false
	}
	s.counter = c
	s.record(domain.ActivityCounter, c.LastActorID, fmt.Sprintf("%s set the counter to %d", nameOrID(c.LastActorName, c.LastActorID), c.Value))
	return true
}

// SetTyping adds or removes the user from the typing set. A typing entry clears itself
// after the typing timeout unless refreshed.
func (s *Store) SetTyping(userID string, typing bool) {
	if userID == "" {
		return
	}
	s.update(func() {
		s.setTypingLocked(userID, typing)
	})
}

func (s *Store) setTypingLocked(userID string, typing bool) {
	if !typing {
		s.clearTypingLocked(userID)
		return
	}

	e, ok := s.typing[userID]
	if ok {
		e.timer.Stop()
	} else {
		e = &typingEntry{}
		s.typing[userID] = e
		name := userID
		if u, known := s.users[userID]; known {
			name = nameOr(u)
		}
		s.record(domain.ActivityTyping, userID, fmt.Sprintf("%s is typing", name))
	}
	deadline := s.clock.Now().Add(s.typingTimeout)
	e.deadline = deadline
	e.timer = s.clock.AfterFunc(s.typingTimeout, func() {
		s.expireTyping(userID, deadline)
	})
}

func (s *Store) clearTypingLocked(userID string) {
	if e, ok := s.typing[userID]; ok {
		e.timer.Stop()
		delete(s.typing, userID)
	}
}

func (s *Store) expireTyping(userID string, deadline time.Time) {
	s.update(func() {
		e, ok := s.typing[userID]
		// обновлён после запуска таймера
		if !ok || !e.deadline.Equal(deadline) {
			return
		}
		delete(s.typing, userID)
	})
}

// SweepExpired removes every message with ExpiresAt <= now.
func (s *Store) SweepExpired(now time.Time) (removed int) {
	s.update(func() {
		for id, m := range s.messages {
			if m.Expired(now) {
				delete(s.messages, id)
				s.gone[id] = struct{}{}
				removed++
			}
		}
	})
	return removed
}

// ReplaceSnapshot swaps the whole state for a server snapshot.
func (s *Store) ReplaceSnapshot(sess domain.Session) {
	s.update(func() {
		for _, e := range s.typing {
			e.timer.Stop()
		}
		s.users = make(map[string]domain.User, len(sess.Users))
		s.messages = make(map[string]domain.Message, len(sess.Messages))
		s.typing = make(map[string]*typingEntry)
		s.gone = make(map[string]struct{})
		s.pendingDeletes = make(map[string]map[string]struct{})
		s.counter = sess.Counter
		s.provisional = nil

		for _, u := range sess.Users {
			typing := u.Typing
			u.Typing = false
			s.users[u.ID] = u
			if typing {
				s.setTypingLocked(u.ID, true)
			}
		}
		for _, m := range sess.Messages {
			s.messages[m.ID] = m
		}
	})
}

// ApplyExpired reconciles with the server's post-sweep message list: local messages created
// no later than sweptAt that the server no longer has are gone.
func (s *Store) ApplyExpired(messages []domain.Message, sweptAt time.Time) (removed int) {
	s.update(func() {
		keep := make(map[string]struct{}, len(messages))
		for _, m := range messages {
			keep[m.ID] = struct{}{}
		}
		for id, m := range s.messages {
			if _, ok := keep[id]; ok || m.CreatedAt.After(sweptAt) {
				continue
			}
			delete(s.messages, id)
			s.gone[id] = struct{}{}
			removed++
		}
		for _, m := range messages {
			s.upsertMessageLocked(m)
		}
	})
	return removed
}

// Apply merges a session event regardless of the transport it came from.
func (s *Store) Apply(ev protocol.Event) error {
	switch e := ev.(type) {
	case protocol.SessionState:
		s.ReplaceSnapshot(e.Session)
	case protocol.UserJoined:
		s.UpsertUser(e.User)
	case protocol.UserLeft:
		s.RemoveUser(e.UserID)
	case protocol.NewMessage:
		s.UpsertMessage(e.Message)
	case protocol.MessageDeleted:
		return s.DeleteMessage(e.MessageID, e.UserID)
	case protocol.CounterUpdated:
		s.ApplyCounterUpdate(e.Counter)
	case protocol.UserTyping:
		s.SetTyping(e.UserID, true)
	case protocol.UserStoppedTyping:
		s.SetTyping(e.UserID, false)
	case protocol.MessagesExpired:
		s.ApplyExpired(e.Messages, e.SweptAt)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedEvent, ev.Type())
	}
	return nil
}

// Close stops pending typing timers.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.typing {
		e.timer.Stop()
	}
}

// --- readers ---

func (s *Store) Users() []domain.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usersLocked()
}

func (s *Store) usersLocked() []domain.User {
	out := make([]domain.User, 0, len(s.users))
	for id, u := range s.users {
		_, u.Typing = s.typing[id]
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) User(id string) (domain.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	_, u.Typing = s.typing[id]
	return u, ok
}

func (s *Store) Messages() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messagesLocked()
}

func (s *Store) messagesLocked() []domain.Message {
	out := make([]domain.Message, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func (s *Store) Message(id string) (domain.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	return m, ok
}

// Counter returns the provisional value if there is one, the authoritative one otherwise.
func (s *Store) Counter() domain.Counter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counterLocked()
}

func (s *Store) counterLocked() domain.Counter {
	if s.provisional != nil {
		return *s.provisional
	}
	return s.counter
}

// TypingUsers returns the ids currently typing, sorted.
func (s *Store) TypingUsers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.typing))
	for id := range s.typing {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Activity returns the activity log, oldest first.
func (s *Store) Activity() []domain.ActivityLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ActivityLogEntry, len(s.activity))
	copy(out, s.activity)
	return out
}

func (s *Store) Snapshot() domain.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.Session{
		ID:       s.sessionID,
		Users:    s.usersLocked(),
		Messages: s.messagesLocked(),
		Counter:  s.counterLocked(),
	}
}

// --- activity ---

func (s *Store) record(kind domain.ActivityKind, actorID, desc string) {
	e := domain.ActivityLogEntry{
		ID:          uuid.NewString(),
		Kind:        kind,
		ActorID:     actorID,
		Description: desc,
		Timestamp:   s.clock.Now(),
	}
	s.activity = append(s.activity, e)
	if over := len(s.activity) - s.activityLimit; over > 0 {
		n := copy(s.activity, s.activity[over:])
		s.activity = s.activity[:n]
	}
	s.notes = append(s.notes, e)
	slog.Debug("store activity", slog.String("session_id", s.sessionID), slog.String("kind", string(kind)), slog.String("actor", actorID))
}

func nameOr(u domain.User) string { return nameOrID(u.DisplayName, u.ID) }

func nameOrID(name, id string) string {
	if name != "" {
		return name
	}
	return id
}
