package service

import (
	"context"
	"errors"
	"time"

	"github.com/DKeken/axion-stack-sub001/internal/auth/domain"
	authrepo "github.com/DKeken/axion-stack-sub001/internal/auth/repository"
	commonerrors "github.com/DKeken/axion-stack-sub001/internal/common/errors"
	"github.com/DKeken/axion-stack-sub001/internal/common/resilience"
)

// guardedStore runs every store call through the circuit breaker, which also
// bounds it with the configured call timeout. Expected store outcomes pass
// through untouched; anything else becomes ErrStoreUnavailable.
type guardedStore struct {
	store   authrepo.TokenStore
	breaker resilience.CircuitBreakerInterface
}

// NewGuardedStore wraps store with breaker. A nil breaker returns store as is.
func NewGuardedStore(store authrepo.TokenStore, breaker resilience.CircuitBreakerInterface) authrepo.TokenStore {
	if breaker == nil {
		return store
	}
	return &guardedStore{store: store, breaker: breaker}
}

func (g *guardedStore) call(ctx context.Context, fn func(context.Context) error) error {
	err := g.breaker.Call(ctx, fn)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, commonerrors.ErrCircuitOpen):
		return ErrServiceUnavailable.WithCause(err)
	case authrepo.IsExpected(err):
		return err
	default:
		return ErrStoreUnavailable.WithCause(err)
	}
}

func (g *guardedStore) CreateSession(ctx context.Context, session domain.Session) error {
	return g.call(ctx, func(ctx context.Context) error {
		return g.store.CreateSession(ctx, session)
	})
}

func (g *guardedStore) GetSession(ctx context.Context, id string) (domain.Session, error) {
	var session domain.Session
	err := g.call(ctx, func(ctx context.Context) error {
		var err error
		session, err = g.store.GetSession(ctx, id)
		return err
	})
	return session, err
}

func (g *guardedStore) UpdateSession(ctx context.Context, id string, patch domain.SessionPatch, now time.Time) (domain.Session, error) {
	var session domain.Session
	err := g.call(ctx, func(ctx context.Context) error {
		var err error
		session, err = g.store.UpdateSession(ctx, id, patch, now)
		return err
	})
	return session, err
}

func (g *guardedStore) ListSessionsByUser(ctx context.Context, userID string) ([]domain.Session, error) {
	var sessions []domain.Session
	err := g.call(ctx, func(ctx context.Context) error {
		var err error
		sessions, err = g.store.ListSessionsByUser(ctx, userID)
		return err
	})
	return sessions, err
}

func (g *guardedStore) CreateRefreshToken(ctx context.Context, token domain.RefreshToken) error {
	return g.call(ctx, func(ctx context.Context) error {
		return g.store.CreateRefreshToken(ctx, token)
	})
}

func (g *guardedStore) GetRefreshTokenByJTI(ctx context.Context, jti string) (domain.RefreshToken, error) {
	var token domain.RefreshToken
	err := g.call(ctx, func(ctx context.Context) error {
		var err error
		token, err = g.store.GetRefreshTokenByJTI(ctx, jti)
		return err
	})
	return token, err
}

func (g *guardedStore) GetRefreshTokenByID(ctx context.Context, id string) (domain.RefreshToken, error) {
	var token domain.RefreshToken
	err := g.call(ctx, func(ctx context.Context) error {
		var err error
		token, err = g.store.GetRefreshTokenByID(ctx, id)
		return err
	})
	return token, err
}

func (g *guardedStore) RotateRefreshToken(ctx context.Context, jti string, usedAt time.Time, successor domain.RefreshToken) error {
	return g.call(ctx, func(ctx context.Context) error {
		return g.store.RotateRefreshToken(ctx, jti, usedAt, successor)
	})
}

func (g *guardedStore) RevokeRefreshToken(ctx context.Context, jti string, at time.Time, reason string) (bool, error) {
	var revoked bool
	err := g.call(ctx, func(ctx context.Context) error {
		var err error
		revoked, err = g.store.RevokeRefreshToken(ctx, jti, at, reason)
		return err
	})
	return revoked, err
}

func (g *guardedStore) RevokeFamily(ctx context.Context, familyID string, at time.Time, reason string) (int, error) {
	var n int
	err := g.call(ctx, func(ctx context.Context) error {
		var err error
		n, err = g.store.RevokeFamily(ctx, familyID, at, reason)
		return err
	})
	return n, err
}

func (g *guardedStore) DeleteExpiredRefreshTokens(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	err := g.call(ctx, func(ctx context.Context) error {
		var err error
		n, err = g.store.DeleteExpiredRefreshTokens(ctx, before)
		return err
	})
	return n, err
}
