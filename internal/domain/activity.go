package domain

import "time"

type ActivityKind string

const (
	ActivityJoin    ActivityKind = "join"
	ActivityLeave   ActivityKind = "leave"
	ActivityMessage ActivityKind = "message"
	ActivityCounter ActivityKind = "counter"
	ActivityTyping  ActivityKind = "typing"
)

// ActivityLogEntry is a display projection of store changes; never authoritative.
type ActivityLogEntry struct {
	ID          string       `json:"id"`
	Kind        ActivityKind `json:"kind"`
	ActorID     string       `json:"actor_id"`
	Description string       `json:"description"`
	Timestamp   time.Time    `json:"timestamp"`
}
