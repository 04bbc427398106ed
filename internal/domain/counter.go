package domain

import "time"

type Counter struct {
	Value         int64     `json:"value"`
	LastActorID   string    `json:"last_actor_id,omitempty"`
	LastActorName string    `json:"last_actor_name,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Supersedes reports whether c should replace cur under last-write-wins.
// Equal timestamps fall back to (actor id, value) so replicas agree regardless of arrival order;
// an identical update supersedes itself, which keeps re-delivery a no-op.
func (c Counter) Supersedes(cur Counter) bool {
	if !c.UpdatedAt.Equal(cur.UpdatedAt) {
		return c.UpdatedAt.After(cur.UpdatedAt)
	}
	if c.LastActorID != cur.LastActorID {
		return c.LastActorID > cur.LastActorID
	}
	return c.Value >= cur.Value
}
