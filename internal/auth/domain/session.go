package domain

import "time"

// Session is one authenticated device context. Sessions are never deleted;
// invalidation only clears IsActive.
type Session struct {
	ID                    string
	UserID                string
	FingerprintHash       string
	DeviceInfo            string
	UserAgent             string
	IPAddress             string
	IsActive              bool
	CurrentRefreshTokenID string
	InvalidatedReason     string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// SessionPatch carries the mutable session fields. Nil fields are left as is.
type SessionPatch struct {
	CurrentRefreshTokenID *string
	IsActive              *bool
	InvalidatedReason     *string
	DeviceInfo            *string
	UserAgent             *string
	IPAddress             *string
}

func (p SessionPatch) IsEmpty() bool {
	return p.CurrentRefreshTokenID == nil && p.IsActive == nil && p.InvalidatedReason == nil &&
		p.DeviceInfo == nil && p.UserAgent == nil && p.IPAddress == nil
}

// Apply returns a copy of s with the patch applied and UpdatedAt set to now.
func (p SessionPatch) Apply(s Session, now time.Time) Session {
	if p.CurrentRefreshTokenID != nil {
		s.CurrentRefreshTokenID = *p.CurrentRefreshTokenID
	}
	if p.IsActive != nil {
		s.IsActive = *p.IsActive
	}
	if p.InvalidatedReason != nil {
		s.InvalidatedReason = *p.InvalidatedReason
	}
	if p.DeviceInfo != nil {
		s.DeviceInfo = *p.DeviceInfo
	}
	if p.UserAgent != nil {
		s.UserAgent = *p.UserAgent
	}
	if p.IPAddress != nil {
		s.IPAddress = *p.IPAddress
	}
	s.UpdatedAt = now
	return s
}

// Deactivate is the patch used by every invalidation path.
func Deactivate(reason string) SessionPatch {
	inactive := false
	return SessionPatch{IsActive: &inactive, InvalidatedReason: &reason}
}
