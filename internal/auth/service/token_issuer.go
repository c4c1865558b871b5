package service

import (
	"context"
	"time"

	"github.com/DKeken/axion-stack-sub001/internal/auth/domain"
	authrepo "github.com/DKeken/axion-stack-sub001/internal/auth/repository"
	"github.com/DKeken/axion-stack-sub001/internal/common/clock"
	"github.com/DKeken/axion-stack-sub001/internal/common/constants"
	commoncrypto "github.com/DKeken/axion-stack-sub001/internal/common/crypto"
	"github.com/DKeken/axion-stack-sub001/internal/common/logger"
)

// TokenIssuer mints token pairs. The first refresh token of a session starts
// a new family whose id is the token's own id; successors inherit it.
type TokenIssuer struct {
	store      authrepo.TokenStore
	sessions   *SessionManager
	codec      *TokenCodec
	ids        commoncrypto.IDGenerator
	refreshTTL time.Duration
	clock      clock.Clock
	log        *logger.Logger
}

func NewTokenIssuer(
	store authrepo.TokenStore,
	sessions *SessionManager,
	codec *TokenCodec,
	ids commoncrypto.IDGenerator,
	refreshTTL time.Duration,
	clock clock.Clock,
	log *logger.Logger,
) *TokenIssuer {
	if refreshTTL <= 0 {
		refreshTTL = constants.DefaultRefreshTokenTTL
	}
	return &TokenIssuer{
		store:      store,
		sessions:   sessions,
		codec:      codec,
		ids:        ids,
		refreshTTL: refreshTTL,
		clock:      clock,
		log:        log,
	}
}

// IssueForNewSession creates a session and the head of its token family. If
// the token cannot be stored the session is deactivated again.
func (i *TokenIssuer) IssueForNewSession(ctx context.Context, input IssueInput) (domain.TokenPair, error) {
	if err := validateInput(input); err != nil {
		return domain.TokenPair{}, err
	}

	tokenID, jti, err := i.newTokenIDs()
	if err != nil {
		return domain.TokenPair{}, err
	}

	session, err := i.sessions.Create(ctx, CreateSessionInput{
		UserID:                input.UserID,
		Fingerprint:           input.Fingerprint,
		DeviceInfo:            input.DeviceInfo,
		UserAgent:             input.UserAgent,
		IPAddress:             input.IPAddress,
		CurrentRefreshTokenID: tokenID,
	})
	if err != nil {
		return domain.TokenPair{}, err
	}

	ttl := i.refreshTTL
	if input.TTLOverride > 0 {
		ttl = input.TTLOverride
	}

	now := i.clock.Now()
	record := domain.RefreshToken{
		ID:              tokenID,
		UserID:          input.UserID,
		JTI:             jti,
		FamilyID:        tokenID,
		SessionID:       session.ID,
		FingerprintHash: session.FingerprintHash,
		ExpiresAt:       now.Add(ttl),
		CreatedAt:       now,
	}

	if err := i.store.CreateRefreshToken(ctx, record); err != nil {
		i.log.WithFields(ctx, logger.Fields{
			"user_id":    input.UserID,
			"session_id": session.ID,
			"action":     "refresh_token_create_failed",
		}).Errorf("refresh token create failed: %v", err)
		if derr := i.sessions.deactivate(ctx, session, domain.ReasonIssueFailed); derr != nil {
			i.log.WithFields(ctx, logger.Fields{
				"session_id": session.ID,
				"action":     "session_rollback_failed",
			}).Errorf("session rollback failed: %v", derr)
		}
		return domain.TokenPair{}, mapStoreError(err)
	}
	incrementRefreshTokensIssued()

	pair, err := i.signPair(record, input.Email)
	if err != nil {
		return domain.TokenPair{}, err
	}

	i.log.WithFields(ctx, logger.Fields{
		"user_id":    input.UserID,
		"session_id": session.ID,
		"family_id":  record.FamilyID,
		"action":     "token_pair_issued",
	}).Info("token pair issued")
	return pair, nil
}

// PrepareSuccessor builds the record that replaces pred in its chain. It
// keeps the family, session and fingerprint binding and the original
// lifetime, counted from now.
func (i *TokenIssuer) PrepareSuccessor(pred domain.RefreshToken, now time.Time) (domain.RefreshToken, error) {
	tokenID, jti, err := i.newTokenIDs()
	if err != nil {
		return domain.RefreshToken{}, err
	}

	ttl := pred.Lifetime()
	if ttl <= 0 {
		ttl = i.refreshTTL
	}

	return domain.RefreshToken{
		ID:              tokenID,
		UserID:          pred.UserID,
		JTI:             jti,
		FamilyID:        pred.FamilyID,
		SessionID:       pred.SessionID,
		FingerprintHash: pred.FingerprintHash,
		ExpiresAt:       now.Add(ttl),
		CreatedAt:       now,
	}, nil
}

// IssueRotated signs the pair for a successor that is already persisted.
func (i *TokenIssuer) IssueRotated(ctx context.Context, successor domain.RefreshToken) (domain.TokenPair, error) {
	incrementRefreshTokensIssued()
	return i.signPair(successor, "")
}

func (i *TokenIssuer) signPair(record domain.RefreshToken, email string) (domain.TokenPair, error) {
	accessJTI, err := i.ids.NewID()
	if err != nil {
		return domain.TokenPair{}, err
	}

	access, accessExpiresAt, err := i.codec.SignAccessToken(record.UserID, record.SessionID, email, accessJTI)
	if err != nil {
		return domain.TokenPair{}, err
	}
	refresh, err := i.codec.SignRefreshToken(record)
	if err != nil {
		return domain.TokenPair{}, err
	}
	incrementAccessTokensIssued()

	return domain.TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		ExpiresIn:        int64(i.codec.AccessTTL().Seconds()),
		AccessExpiresAt:  accessExpiresAt,
		RefreshExpiresAt: record.ExpiresAt,
		SessionID:        record.SessionID,
	}, nil
}

func (i *TokenIssuer) newTokenIDs() (string, string, error) {
	id, err := i.ids.NewID()
	if err != nil {
		return "", "", err
	}
	jti, err := i.ids.NewID()
	if err != nil {
		return "", "", err
	}
	return id, jti, nil
}
