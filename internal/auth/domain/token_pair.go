package domain

import "time"

// TokenPair is returned to the caller and never persisted.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	ExpiresIn        int64
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	SessionID        string
}
