package domain

import "errors"

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrNotJoined       = errors.New("connection has not joined a session")
	ErrInvalidIdentity = errors.New("session id and user id are required")

	ErrMessageNotFound = errors.New("message not found")
	ErrNotAuthor       = errors.New("only the author can delete a message")
	ErrEmptyContent    = errors.New("empty message")
	ErrContentTooLong  = errors.New("message too long")
	ErrInvalidExpiry   = errors.New("expiry must be in the future")

	ErrInvalidCounter = errors.New("counter update needs exactly one of delta or value")
	ErrRateLimited    = errors.New("rate limit exceeded")
)
