package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DKeken/axion-stack-sub001/internal/auth/domain"
)

func TestSessionManager_Create(t *testing.T) {
	env := newTestEnv(t)

	session, err := env.sessions.Create(context.Background(), CreateSessionInput{
		UserID:      "u1",
		Fingerprint: testFingerprint,
		DeviceInfo:  "phone",
		UserAgent:   "Mozilla/5.0",
		IPAddress:   "10.0.0.1",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if !session.IsActive {
		t.Error("expected new session to be active")
	}
	if session.FingerprintHash == "" || session.FingerprintHash == testFingerprint {
		t.Errorf("expected a fingerprint hash, got %q", session.FingerprintHash)
	}
	if !session.CreatedAt.Equal(testNow) {
		t.Errorf("expected createdAt %v, got %v", testNow, session.CreatedAt)
	}

	stored := env.session(t, session.ID)
	if stored.DeviceInfo != "phone" || stored.IPAddress != "10.0.0.1" {
		t.Errorf("unexpected stored session %+v", stored)
	}
}

func TestSessionManager_Create_Validation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name  string
		input CreateSessionInput
		field string
	}{
		{name: "missing user", input: CreateSessionInput{Fingerprint: testFingerprint}, field: "userId"},
		{name: "missing fingerprint", input: CreateSessionInput{UserID: "u1"}, field: "fingerprint"},
		{name: "short fingerprint", input: CreateSessionInput{UserID: "u1", Fingerprint: "abc"}, field: "fingerprint"},
		{name: "bad ip", input: CreateSessionInput{UserID: "u1", Fingerprint: testFingerprint, IPAddress: "nope"}, field: "ipAddress"},
		{name: "long device", input: CreateSessionInput{UserID: "u1", Fingerprint: testFingerprint, DeviceInfo: strings.Repeat("d", 513)}, field: "deviceInfo"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.sessions.Create(context.Background(), tt.input)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if _, ok := verr.Fields[tt.field]; !ok {
				t.Errorf("expected field %s in %v", tt.field, verr.Fields)
			}
			if !errors.Is(err, ErrValidation) {
				t.Error("expected error to match ErrValidation")
			}
		})
	}
}

func TestSessionManager_Invalidate_CascadesToFamily(t *testing.T) {
	env := newTestEnv(t)
	pair := env.login(t)
	next, err := env.refresh(pair.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if err := env.sessions.Invalidate(context.Background(), pair.SessionID, ""); err != nil {
		t.Fatalf("invalidate: %v", err)
	}

	session := env.session(t, pair.SessionID)
	if session.IsActive {
		t.Error("expected session to be inactive")
	}
	if session.InvalidatedReason != domain.ReasonSessionInvalidated {
		t.Errorf("expected default reason, got %q", session.InvalidatedReason)
	}
	tip := env.record(t, next.RefreshToken)
	if tip.RevokedAt == nil {
		t.Fatal("expected tip to be revoked")
	}

	if _, err := env.refresh(next.RefreshToken); !errors.Is(err, ErrTokenRevoked) {
		t.Errorf("expected revoked after invalidation, got %v", err)
	}
}

func TestSessionManager_Invalidate_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	pair := env.login(t)

	for i := 0; i < 3; i++ {
		if err := env.sessions.Invalidate(context.Background(), pair.SessionID, domain.ReasonLogout); err != nil {
			t.Fatalf("invalidate %d: %v", i, err)
		}
	}
	if env.session(t, pair.SessionID).InvalidatedReason != domain.ReasonLogout {
		t.Error("a repeated invalidation must keep the first reason")
	}

	if err := env.sessions.Invalidate(context.Background(), "missing", ""); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected session not found, got %v", err)
	}
}

func TestSessionManager_Invalidate_RetryFinishesAfterRevokeFailure(t *testing.T) {
	env := newTestEnv(t)
	pair := env.login(t)

	env.store.revokeFamilyFunc = func(ctx context.Context, familyID string, at time.Time, reason string) (int, error) {
		return 0, errors.New("connection reset")
	}
	if err := env.sessions.Invalidate(context.Background(), pair.SessionID, ""); !IsStoreError(err) {
		t.Fatalf("expected store error, got %v", err)
	}
	if !env.session(t, pair.SessionID).IsActive {
		t.Fatal("session must stay active while its family is live")
	}

	env.store.revokeFamilyFunc = nil
	if err := env.sessions.Invalidate(context.Background(), pair.SessionID, ""); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if env.session(t, pair.SessionID).IsActive || env.record(t, pair.RefreshToken).RevokedAt == nil {
		t.Error("expected retry to complete the invalidation")
	}
}

func TestSessionManager_InvalidateOwned(t *testing.T) {
	env := newTestEnv(t)
	pair := env.login(t)

	if err := env.sessions.InvalidateOwned(context.Background(), "u2", pair.SessionID, ""); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected foreign session to be reported as not found, got %v", err)
	}
	if !env.session(t, pair.SessionID).IsActive {
		t.Fatal("foreign caller must not invalidate the session")
	}

	if err := env.sessions.InvalidateOwned(context.Background(), "u1", pair.SessionID, ""); err != nil {
		t.Fatalf("owner invalidate: %v", err)
	}
	if env.session(t, pair.SessionID).IsActive {
		t.Error("expected session to be inactive")
	}
}

func TestSessionManager_InvalidateAllForDevice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	issue := func(userID, fp string) domain.TokenPair {
		pair, err := env.issuer.IssueForNewSession(ctx, IssueInput{UserID: userID, Fingerprint: fp})
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		return pair
	}
	laptop1 := issue("u1", testFingerprint)
	laptop2 := issue("u1", testFingerprint)
	phone := issue("u1", "fp2-phone-fingerprint")
	otherUser := issue("u2", testFingerprint)

	if err := env.sessions.InvalidateAllForDevice(ctx, "u1", testFingerprint); err != nil {
		t.Fatalf("invalidate device: %v", err)
	}

	for _, p := range []domain.TokenPair{laptop1, laptop2} {
		s := env.session(t, p.SessionID)
		if s.IsActive || s.InvalidatedReason != domain.ReasonDeviceLogout {
			t.Errorf("expected %s invalidated for device logout, got %+v", p.SessionID, s)
		}
		if env.record(t, p.RefreshToken).RevokedAt == nil {
			t.Errorf("expected family of %s to be revoked", p.SessionID)
		}
	}
	for _, p := range []domain.TokenPair{phone, otherUser} {
		if !env.session(t, p.SessionID).IsActive {
			t.Errorf("expected %s to stay active", p.SessionID)
		}
	}

	if err := env.sessions.InvalidateAllForDevice(ctx, "u1", ""); !errors.Is(err, ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestSessionManager_InvalidateAllForUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var pairs []domain.TokenPair
	for i := 0; i < 20; i++ {
		pairs = append(pairs, env.login(t))
	}
	other, err := env.issuer.IssueForNewSession(ctx, IssueInput{UserID: "u2", Fingerprint: testFingerprint})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if err := env.sessions.InvalidateAllForUser(ctx, "u1"); err != nil {
		t.Fatalf("invalidate all: %v", err)
	}

	for _, p := range pairs {
		if env.session(t, p.SessionID).IsActive {
			t.Errorf("expected %s to be inactive", p.SessionID)
		}
		if _, err := env.refresh(p.RefreshToken); !errors.Is(err, ErrTokenRevoked) {
			t.Errorf("expected revoked, got %v", err)
		}
	}
	if !env.session(t, other.SessionID).IsActive {
		t.Error("expected other user's session to stay active")
	}

	if err := env.sessions.InvalidateAllForUser(ctx, "u1"); err != nil {
		t.Errorf("expected repeated call to succeed, got %v", err)
	}
}

func TestSessionManager_InvalidateAllForUser_ListFailure(t *testing.T) {
	env := newTestEnv(t)
	env.store.listSessionsFunc = func(ctx context.Context, userID string) ([]domain.Session, error) {
		return nil, errors.New("timeout")
	}

	if err := env.sessions.InvalidateAllForUser(context.Background(), "u1"); !IsStoreError(err) {
		t.Fatalf("expected store error, got %v", err)
	}
}

func TestSessionManager_Update(t *testing.T) {
	env := newTestEnv(t)
	pair := env.login(t)
	ctx := context.Background()

	device := "renamed laptop"
	env.clock.Advance(time.Minute)
	updated, err := env.sessions.Update(ctx, pair.SessionID, domain.SessionPatch{DeviceInfo: &device})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.DeviceInfo != device {
		t.Errorf("expected device %q, got %q", device, updated.DeviceInfo)
	}
	if !updated.UpdatedAt.Equal(env.clock.Now()) {
		t.Errorf("expected updatedAt to move to %v, got %v", env.clock.Now(), updated.UpdatedAt)
	}

	unchanged, err := env.sessions.Update(ctx, pair.SessionID, domain.SessionPatch{})
	if err != nil {
		t.Fatalf("empty update: %v", err)
	}
	if !unchanged.UpdatedAt.Equal(updated.UpdatedAt) {
		t.Error("an empty patch must not touch the session")
	}

	if _, err := env.sessions.Update(ctx, "missing", domain.SessionPatch{DeviceInfo: &device}); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected session not found, got %v", err)
	}

	badIP := "999.1.1.1"
	if _, err := env.sessions.Update(ctx, pair.SessionID, domain.SessionPatch{IPAddress: &badIP}); !errors.Is(err, ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestSessionManager_List(t *testing.T) {
	env := newTestEnv(t)
	a := env.login(t)
	b := env.login(t)

	sessions, err := env.sessions.List(context.Background(), "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	ids := map[string]bool{sessions[0].ID: true, sessions[1].ID: true}
	if !ids[a.SessionID] || !ids[b.SessionID] {
		t.Errorf("unexpected sessions %v", ids)
	}

	empty, err := env.sessions.List(context.Background(), "nobody")
	if err != nil || len(empty) != 0 {
		t.Errorf("expected no sessions, got %v %v", empty, err)
	}
}
