package domain

import "time"

// Session: полный снимок состояния сессии.
type Session struct {
	ID       string    `json:"session_id"`
	Users    []User    `json:"users"`
	Messages []Message `json:"messages"`
	Counter  Counter   `json:"counter"`
}

type SessionSummary struct {
	ID           string    `json:"session_id"`
	CreatedAt    time.Time `json:"created_at"`
	Users        int       `json:"users"`
	Connections  int       `json:"connections"`
	Messages     int       `json:"messages"`
	CounterValue int64     `json:"counter_value"`
}
