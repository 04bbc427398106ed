package domain

import (
	"strings"
	"time"
	"unicode/utf8"
)

const DefaultMaxContentLength = 1000

type Message struct {
	ID                string     `json:"id"`
	AuthorID          string     `json:"author_id"`
	AuthorDisplayName string     `json:"author_display_name"`
	Content           string     `json:"content"`
	CreatedAt         time.Time  `json:"created_at"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the message is past its expiry at now.
func (m Message) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && !m.ExpiresAt.After(now)
}

// Before orders messages by CreatedAt, then ID.
func (m Message) Before(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

// NormalizeContent checks the text against maxLen (in runes) and returns it unchanged.
// Whitespace-only text counts as empty.
func NormalizeContent(content string, maxLen int) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", ErrEmptyContent
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxContentLength
	}
	if utf8.RuneCountInString(content) > maxLen {
		return "", ErrContentTooLong
	}
	return content, nil
}

// ExpiryFrom turns a ttl into an absolute expiry; zero ttl means no expiry.
func ExpiryFrom(createdAt time.Time, ttl time.Duration) (*time.Time, error) {
	if ttl == 0 {
		return nil, nil
	}
	if ttl < 0 {
		return nil, ErrInvalidExpiry
	}
	at := createdAt.Add(ttl)
	return &at, nil
}
