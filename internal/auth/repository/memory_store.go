package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/DKeken/axion-stack-sub001/internal/auth/domain"
)

// MemoryTokenStore keeps every record behind one mutex, which makes each
// operation trivially atomic. It backs TOKEN_STORE=memory and the service
// tests.
type MemoryTokenStore struct {
	mu       sync.Mutex
	tokens   map[string]domain.RefreshToken
	idToJTI  map[string]string
	families map[string][]string
	sessions map[string]domain.Session
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{
		tokens:   make(map[string]domain.RefreshToken),
		idToJTI:  make(map[string]string),
		families: make(map[string][]string),
		sessions: make(map[string]domain.Session),
	}
}

func (s *MemoryTokenStore) CreateSession(ctx context.Context, session domain.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[session.ID]; ok {
		return ErrDuplicateSession
	}
	s.sessions[session.ID] = session
	return nil
}

func (s *MemoryTokenStore) GetSession(ctx context.Context, id string) (domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return domain.Session{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return domain.Session{}, ErrSessionNotFound
	}
	return session, nil
}

func (s *MemoryTokenStore) UpdateSession(ctx context.Context, id string, patch domain.SessionPatch, now time.Time) (domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return domain.Session{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return domain.Session{}, ErrSessionNotFound
	}
	session = patch.Apply(session, now)
	s.sessions[id] = session
	return session, nil
}

func (s *MemoryTokenStore) ListSessionsByUser(ctx context.Context, userID string) ([]domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Session
	for _, session := range s.sessions {
		if session.UserID == userID {
			out = append(out, session)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryTokenStore) CreateRefreshToken(ctx context.Context, token domain.RefreshToken) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(token)
}

func (s *MemoryTokenStore) insertLocked(token domain.RefreshToken) error {
	if _, ok := s.tokens[token.JTI]; ok {
		return ErrDuplicateJTI
	}
	if _, ok := s.idToJTI[token.ID]; ok {
		return ErrDuplicateJTI
	}
	s.tokens[token.JTI] = cloneToken(token)
	s.idToJTI[token.ID] = token.JTI
	s.families[token.FamilyID] = append(s.families[token.FamilyID], token.JTI)
	return nil
}

func (s *MemoryTokenStore) GetRefreshTokenByJTI(ctx context.Context, jti string) (domain.RefreshToken, error) {
	if err := ctx.Err(); err != nil {
		return domain.RefreshToken{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[jti]
	if !ok {
		return domain.RefreshToken{}, ErrRefreshTokenNotFound
	}
	return cloneToken(token), nil
}

func (s *MemoryTokenStore) GetRefreshTokenByID(ctx context.Context, id string) (domain.RefreshToken, error) {
	if err := ctx.Err(); err != nil {
		return domain.RefreshToken{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	jti, ok := s.idToJTI[id]
	if !ok {
		return domain.RefreshToken{}, ErrRefreshTokenNotFound
	}
	return cloneToken(s.tokens[jti]), nil
}

func (s *MemoryTokenStore) RotateRefreshToken(ctx context.Context, jti string, usedAt time.Time, successor domain.RefreshToken) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.tokens[jti]
	if !ok {
		return ErrRefreshTokenNotFound
	}
	if err := classifyLostSwap(current); err != nil {
		return err
	}
	if _, exists := s.tokens[successor.JTI]; exists {
		return ErrDuplicateJTI
	}

	used := usedAt
	current.UsedAt = &used
	s.tokens[jti] = current

	if err := s.insertLocked(successor); err != nil {
		current.UsedAt = nil
		s.tokens[jti] = current
		return err
	}

	if session, ok := s.sessions[current.SessionID]; ok {
		session.CurrentRefreshTokenID = successor.ID
		session.UpdatedAt = usedAt
		s.sessions[session.ID] = session
	}
	return nil
}

func (s *MemoryTokenStore) RevokeRefreshToken(ctx context.Context, jti string, at time.Time, reason string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[jti]
	if !ok {
		return false, ErrRefreshTokenNotFound
	}
	return s.revokeLocked(token, at, reason), nil
}

func (s *MemoryTokenStore) RevokeFamily(ctx context.Context, familyID string, at time.Time, reason string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	for _, jti := range s.families[familyID] {
		token, ok := s.tokens[jti]
		if ok && s.revokeLocked(token, at, reason) {
			revoked++
		}
	}
	return revoked, nil
}

func (s *MemoryTokenStore) revokeLocked(token domain.RefreshToken, at time.Time, reason string) bool {
	if token.RevokedAt != nil || token.UsedAt != nil {
		return false
	}
	revokedAt := at
	token.RevokedAt = &revokedAt
	token.RevokedReason = reason
	s.tokens[token.JTI] = token
	return true
}

func (s *MemoryTokenStore) DeleteExpiredRefreshTokens(ctx context.Context, before time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for jti, token := range s.tokens {
		if !token.ExpiresAt.Before(before) {
			continue
		}
		delete(s.tokens, jti)
		delete(s.idToJTI, token.ID)
		s.families[token.FamilyID] = removeString(s.families[token.FamilyID], jti)
		if len(s.families[token.FamilyID]) == 0 {
			delete(s.families, token.FamilyID)
		}
		deleted++
	}
	return deleted, nil
}

func cloneToken(t domain.RefreshToken) domain.RefreshToken {
	if t.UsedAt != nil {
		v := *t.UsedAt
		t.UsedAt = &v
	}
	if t.RevokedAt != nil {
		v := *t.RevokedAt
		t.RevokedAt = &v
	}
	return t
}

func removeString(list []string, target string) []string {
	for i, v := range list {
		if v == target {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
