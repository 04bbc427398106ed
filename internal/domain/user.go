package domain

import "time"

type User struct {
	ID             string    `json:"user_id"`
	DisplayName    string    `json:"display_name"`
	LastActivityAt time.Time `json:"last_activity_at"`
	Typing         bool      `json:"typing"`
}
