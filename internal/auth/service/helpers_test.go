package service

import (
	"context"
	"testing"
	"time"

	"github.com/DKeken/axion-stack-sub001/internal/auth/domain"
	authrepo "github.com/DKeken/axion-stack-sub001/internal/auth/repository"
	"github.com/DKeken/axion-stack-sub001/internal/common/clock"
	commoncrypto "github.com/DKeken/axion-stack-sub001/internal/common/crypto"
	"github.com/DKeken/axion-stack-sub001/internal/common/logger"
	userrepo "github.com/DKeken/axion-stack-sub001/internal/user/repository"
)

const (
	testSecret      = "test-secret-key-must-be-at-least-32-bytes-long"
	testIssuer      = "axion-auth-test"
	testAccessTTL   = 15 * time.Minute
	testRefreshTTL  = 24 * time.Hour
	testLeeway      = 5 * time.Second
	testFingerprint = "fp1-device-fingerprint"
)

var testNow = time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	raw      *authrepo.MemoryTokenStore
	store    *faultyStore
	users    *userrepo.MemoryRepository
	clock    *clock.MockClock
	codec    *TokenCodec
	binder   *FingerprintBinder
	sessions *SessionManager
	issuer   *TokenIssuer
	engine   *RotationEngine
	auth     *AuthService
}

type envOption func(*envConfig)

type envConfig struct {
	policy MismatchPolicy
	ids    commoncrypto.IDGenerator
}

func withPolicy(p MismatchPolicy) envOption {
	return func(c *envConfig) { c.policy = p }
}

func withIDs(ids commoncrypto.IDGenerator) envOption {
	return func(c *envConfig) { c.ids = ids }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	cfg := envConfig{policy: MismatchReject, ids: commoncrypto.NewSequenceGenerator("id")}
	for _, opt := range opts {
		opt(&cfg)
	}

	log := logger.Discard()
	mockClock := clock.NewMockClock(testNow)
	raw := authrepo.NewMemoryTokenStore()
	store := &faultyStore{TokenStore: raw}
	users := userrepo.NewMemoryRepository()

	codec := NewTokenCodec(testSecret, testIssuer, testAccessTTL, testLeeway, mockClock)
	binder := NewFingerprintBinder("pepper")
	sessions := NewSessionManager(store, binder, cfg.ids, mockClock, log)
	issuer := NewTokenIssuer(store, sessions, codec, cfg.ids, testRefreshTTL, mockClock, log)
	engine := NewRotationEngine(store, codec, binder, issuer, sessions, testLeeway, cfg.policy, mockClock, log)
	auth := NewAuthService(users, commoncrypto.NewBcryptHasher(4), cfg.ids, codec, issuer, engine, sessions, mockClock, log)

	return &testEnv{
		raw:      raw,
		store:    store,
		users:    users,
		clock:    mockClock,
		codec:    codec,
		binder:   binder,
		sessions: sessions,
		issuer:   issuer,
		engine:   engine,
		auth:     auth,
	}
}

// login issues a fresh session for u1 on fp1.
func (e *testEnv) login(t *testing.T) domain.TokenPair {
	t.Helper()
	pair, err := e.issuer.IssueForNewSession(context.Background(), IssueInput{
		UserID:      "u1",
		Fingerprint: testFingerprint,
		DeviceInfo:  "laptop",
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return pair
}

func (e *testEnv) refresh(token string) (domain.TokenPair, error) {
	return e.engine.Rotate(context.Background(), RefreshInput{RefreshToken: token, Fingerprint: testFingerprint})
}

func (e *testEnv) record(t *testing.T, token string) domain.RefreshToken {
	t.Helper()
	claims, err := e.codec.DecodeRefreshToken(token)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	rec, err := e.raw.GetRefreshTokenByJTI(context.Background(), claims.ID)
	if err != nil {
		t.Fatalf("get record %s: %v", claims.ID, err)
	}
	return rec
}

func (e *testEnv) session(t *testing.T, id string) domain.Session {
	t.Helper()
	s, err := e.raw.GetSession(context.Background(), id)
	if err != nil {
		t.Fatalf("get session %s: %v", id, err)
	}
	return s
}

// faultyStore delegates to a real store unless a hook is set.
type faultyStore struct {
	authrepo.TokenStore

	createRefreshTokenFunc func(ctx context.Context, token domain.RefreshToken) error
	rotateFunc             func(ctx context.Context, jti string, usedAt time.Time, successor domain.RefreshToken) error
	revokeFamilyFunc       func(ctx context.Context, familyID string, at time.Time, reason string) (int, error)
	listSessionsFunc       func(ctx context.Context, userID string) ([]domain.Session, error)
}

func (f *faultyStore) CreateRefreshToken(ctx context.Context, token domain.RefreshToken) error {
	if f.createRefreshTokenFunc != nil {
		return f.createRefreshTokenFunc(ctx, token)
	}
	return f.TokenStore.CreateRefreshToken(ctx, token)
}

func (f *faultyStore) RotateRefreshToken(ctx context.Context, jti string, usedAt time.Time, successor domain.RefreshToken) error {
	if f.rotateFunc != nil {
		return f.rotateFunc(ctx, jti, usedAt, successor)
	}
	return f.TokenStore.RotateRefreshToken(ctx, jti, usedAt, successor)
}

func (f *faultyStore) RevokeFamily(ctx context.Context, familyID string, at time.Time, reason string) (int, error) {
	if f.revokeFamilyFunc != nil {
		return f.revokeFamilyFunc(ctx, familyID, at, reason)
	}
	return f.TokenStore.RevokeFamily(ctx, familyID, at, reason)
}

func (f *faultyStore) ListSessionsByUser(ctx context.Context, userID string) ([]domain.Session, error) {
	if f.listSessionsFunc != nil {
		return f.listSessionsFunc(ctx, userID)
	}
	return f.TokenStore.ListSessionsByUser(ctx, userID)
}

type mockIDGenerator struct {
	newIDFunc func() (string, error)
}

func (m *mockIDGenerator) NewID() (string, error) {
	if m.newIDFunc != nil {
		return m.newIDFunc()
	}
	return "id", nil
}
