package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DKeken/axion-stack-sub001/internal/auth/domain"
	authrepo "github.com/DKeken/axion-stack-sub001/internal/auth/repository"
	"github.com/DKeken/axion-stack-sub001/internal/auth/service"
	"github.com/DKeken/axion-stack-sub001/internal/common/clock"
	commoncrypto "github.com/DKeken/axion-stack-sub001/internal/common/crypto"
	"github.com/DKeken/axion-stack-sub001/internal/common/logger"
	userrepo "github.com/DKeken/axion-stack-sub001/internal/user/repository"
)

var testNow = time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

// fakeServer accepts only the latest refresh token, like a rotating server.
type fakeServer struct {
	mu        sync.Mutex
	clock     clock.Clock
	prefix    string
	current   string
	seq       int
	presented []string
	ctxErrs   []error
	errs      []error
	release   chan struct{}
	entered   chan struct{}
}

func newFakeServer(clk clock.Clock, initial string) *fakeServer {
	return &fakeServer{clock: clk, prefix: "rt", current: initial}
}

func (f *fakeServer) Refresh(ctx context.Context, refreshToken, fingerprint string) (domain.TokenPair, error) {
	if f.entered != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
	}
	if f.release != nil {
		<-f.release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.presented = append(f.presented, refreshToken)
	f.ctxErrs = append(f.ctxErrs, ctx.Err())

	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return domain.TokenPair{}, err
		}
	}
	if refreshToken != f.current {
		return domain.TokenPair{}, service.ErrTokenReuseDetected
	}

	f.seq++
	f.current = fmt.Sprintf("%s-%d", f.prefix, f.seq)
	return domain.TokenPair{
		AccessToken:     fmt.Sprintf("at-%s-%d", f.prefix, f.seq),
		RefreshToken:    f.current,
		AccessExpiresAt: f.clock.Now().Add(15 * time.Minute),
		SessionID:       "s1",
	}, nil
}

func (f *fakeServer) presentedTokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.presented...)
}

func initialPair(expiresAt time.Time) domain.TokenPair {
	return domain.TokenPair{
		AccessToken:     "at-0",
		RefreshToken:    "rt-0",
		AccessExpiresAt: expiresAt,
		SessionID:       "s1",
	}
}

func newTestScheduler(r Refresher, clk *clock.MockClock, opts Options) *Scheduler {
	opts.Fingerprint = "fp1-device-fingerprint"
	opts.Clock = clk
	opts.Logger = logger.Discard()
	return NewScheduler(r, opts)
}

func TestScheduler_RefreshesInsideWindow(t *testing.T) {
	tests := []struct {
		name      string
		lifetime  time.Duration
		wantDelay time.Duration
	}{
		{name: "window capped at one minute", lifetime: 15 * time.Minute, wantDelay: 14 * time.Minute},
		{name: "short token uses a third of its life", lifetime: 30 * time.Second, wantDelay: 20 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := clock.NewMockClock(testNow)
			server := newFakeServer(clk, "rt-0")
			s := newTestScheduler(server, clk, Options{})

			s.SetCredentials(initialPair(testNow.Add(tt.lifetime)))

			deadline, ok := clk.NextDeadline()
			if !ok {
				t.Fatal("expected a timer to be armed")
			}
			if got := deadline.Sub(testNow); got != tt.wantDelay {
				t.Fatalf("expected refresh after %s, got %s", tt.wantDelay, got)
			}

			clk.Advance(tt.wantDelay - time.Second)
			if len(server.presentedTokens()) != 0 {
				t.Fatal("refreshed too early")
			}

			clk.Advance(time.Second)
			creds, ok := s.Credentials()
			if !ok || creds.RefreshToken != "rt-1" || creds.AccessToken != "at-rt-1" {
				t.Fatalf("expected rotated credentials, got %+v", creds)
			}
			if clk.PendingTimers() != 1 {
				t.Errorf("expected the next refresh to be armed, got %d timers", clk.PendingTimers())
			}
		})
	}
}

func TestScheduler_ExpiredCredentialsRefreshImmediately(t *testing.T) {
	clk := clock.NewMockClock(testNow)
	server := newFakeServer(clk, "rt-0")
	var refreshed []Credentials
	s := newTestScheduler(server, clk, Options{OnRefreshed: func(c Credentials) { refreshed = append(refreshed, c) }})

	s.SetCredentials(initialPair(testNow.Add(-time.Minute)))

	if len(refreshed) != 1 || refreshed[0].RefreshToken != "rt-1" {
		t.Fatalf("expected an immediate refresh, got %+v", refreshed)
	}
}

func TestScheduler_ConcurrentTriggersShareOneRotation(t *testing.T) {
	clk := clock.NewMockClock(testNow)
	server := newFakeServer(clk, "rt-0")
	server.release = make(chan struct{})
	server.entered = make(chan struct{}, 1)
	s := newTestScheduler(server, clk, Options{})
	s.SetCredentials(initialPair(testNow.Add(15 * time.Minute)))

	const callers = 16
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.RefreshNow(context.Background())
			errs <- err
		}()
	}

	<-server.entered
	time.Sleep(20 * time.Millisecond)
	close(server.release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("expected every caller to succeed, got %v", err)
		}
	}

	seen := make(map[string]bool)
	for _, tok := range server.presentedTokens() {
		if seen[tok] {
			t.Fatalf("refresh token %s presented twice", tok)
		}
		seen[tok] = true
	}
}

func TestScheduler_TerminalFailureDropsCredentials(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "reuse detected", err: service.ErrTokenReuseDetected},
		{name: "revoked", err: service.ErrTokenRevoked},
		{name: "expired", err: service.ErrTokenExpired},
		{name: "remote 401", err: ErrReauthRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := clock.NewMockClock(testNow)
			server := newFakeServer(clk, "rt-0")
			server.errs = []error{tt.err}

			var lost error
			s := newTestScheduler(server, clk, Options{OnAuthLost: func(err error) { lost = err }})
			s.SetCredentials(initialPair(testNow.Add(15 * time.Minute)))

			if _, err := s.RefreshNow(context.Background()); !errors.Is(err, tt.err) {
				t.Fatalf("expected %v, got %v", tt.err, err)
			}
			if !errors.Is(lost, tt.err) {
				t.Errorf("expected auth-lost callback with %v, got %v", tt.err, lost)
			}
			if _, ok := s.Credentials(); ok {
				t.Error("expected credentials to be cleared")
			}
			if clk.PendingTimers() != 0 {
				t.Errorf("expected no armed timers, got %d", clk.PendingTimers())
			}
			if _, err := s.RefreshNow(context.Background()); !errors.Is(err, ErrNoCredentials) {
				t.Errorf("expected no credentials, got %v", err)
			}
		})
	}
}

func TestScheduler_TransientFailureRetries(t *testing.T) {
	clk := clock.NewMockClock(testNow)
	server := newFakeServer(clk, "rt-0")
	server.errs = []error{service.ErrStoreUnavailable.WithCause(errors.New("connection refused"))}

	lostCalled := false
	s := newTestScheduler(server, clk, Options{OnAuthLost: func(error) { lostCalled = true }})
	s.SetCredentials(initialPair(testNow.Add(15 * time.Minute)))

	clk.Advance(14 * time.Minute)
	creds, ok := s.Credentials()
	if !ok || creds.RefreshToken != "rt-0" {
		t.Fatalf("expected credentials kept after a transient failure, got %+v", creds)
	}
	deadline, ok := clk.NextDeadline()
	if !ok || deadline.Sub(clk.Now()) != 5*time.Second {
		t.Fatalf("expected a retry in 5s, got %v (armed=%v)", deadline.Sub(clk.Now()), ok)
	}

	clk.Advance(5 * time.Second)
	creds, _ = s.Credentials()
	if creds.RefreshToken != "rt-1" {
		t.Errorf("expected retry to rotate, got %+v", creds)
	}
	if lostCalled {
		t.Error("transient failures must not drop the session")
	}
}

func TestScheduler_TransientFailureAfterExpiryStopsTimer(t *testing.T) {
	clk := clock.NewMockClock(testNow)
	server := newFakeServer(clk, "rt-0")
	server.errs = []error{errors.New("network unreachable")}
	s := newTestScheduler(server, clk, Options{})
	s.SetCredentials(initialPair(testNow.Add(3 * time.Second)))

	clk.Advance(2 * time.Second)
	if clk.PendingTimers() != 0 {
		t.Fatalf("expected no retry past access expiry, got %d timers", clk.PendingTimers())
	}
	if _, ok := s.Credentials(); !ok {
		t.Fatal("expected credentials to be kept for an explicit refresh")
	}

	creds, err := s.RefreshNow(context.Background())
	if err != nil || creds.RefreshToken != "rt-1" {
		t.Fatalf("expected explicit refresh to succeed, got %+v, %v", creds, err)
	}
}

func TestScheduler_Stop(t *testing.T) {
	clk := clock.NewMockClock(testNow)
	server := newFakeServer(clk, "rt-0")
	s := newTestScheduler(server, clk, Options{})
	s.SetCredentials(initialPair(testNow.Add(15 * time.Minute)))

	s.Stop()
	clk.Advance(time.Hour)

	if len(server.presentedTokens()) != 0 {
		t.Error("expected no refresh after stop")
	}
	if _, err := s.RefreshNow(context.Background()); !errors.Is(err, ErrNoCredentials) {
		t.Errorf("expected no credentials, got %v", err)
	}
}

// routeByPrefix sends each refresh token to the server that issued its chain.
func routeByPrefix(servers map[string]*fakeServer) Refresher {
	return RefresherFunc(func(ctx context.Context, refreshToken, fingerprint string) (domain.TokenPair, error) {
		for prefix, srv := range servers {
			if strings.HasPrefix(refreshToken, prefix+"-") {
				return srv.Refresh(ctx, refreshToken, fingerprint)
			}
		}
		return domain.TokenPair{}, service.ErrTokenNotFound
	})
}

func TestScheduler_StopDuringRotationDiscardsResult(t *testing.T) {
	clk := clock.NewMockClock(testNow)
	server := newFakeServer(clk, "rt-0")
	server.release = make(chan struct{})
	server.entered = make(chan struct{}, 1)

	refreshed := 0
	s := newTestScheduler(server, clk, Options{OnRefreshed: func(Credentials) { refreshed++ }})
	s.SetCredentials(initialPair(testNow.Add(15 * time.Minute)))

	done := make(chan error, 1)
	go func() {
		_, err := s.RefreshNow(context.Background())
		done <- err
	}()

	<-server.entered
	s.Stop()
	close(server.release)

	if err := <-done; !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("expected no credentials after stop, got %v", err)
	}
	if creds, ok := s.Credentials(); ok {
		t.Fatalf("credentials restored after stop: %+v", creds)
	}
	if clk.PendingTimers() != 0 {
		t.Errorf("expected no armed timers after stop, got %d", clk.PendingTimers())
	}
	if refreshed != 0 {
		t.Errorf("expected no refreshed callback, got %d", refreshed)
	}

	clk.Advance(time.Hour)
	if got := server.presentedTokens(); len(got) != 1 {
		t.Errorf("expected rotation to stop after the in-flight call, presented %v", got)
	}
}

func TestScheduler_NewLoginDuringRotationWins(t *testing.T) {
	tests := []struct {
		name   string
		oldErr error
	}{
		{name: "old chain rotates"},
		{name: "old chain rejected", oldErr: service.ErrTokenRevoked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := clock.NewMockClock(testNow)
			oldChain := newFakeServer(clk, "rt-0")
			oldChain.release = make(chan struct{})
			oldChain.entered = make(chan struct{}, 1)
			if tt.oldErr != nil {
				oldChain.errs = []error{tt.oldErr}
			}
			newChain := newFakeServer(clk, "login-0")
			newChain.prefix = "login"

			var lost error
			s := newTestScheduler(routeByPrefix(map[string]*fakeServer{"rt": oldChain, "login": newChain}), clk,
				Options{OnAuthLost: func(err error) { lost = err }})
			s.SetCredentials(initialPair(testNow.Add(15 * time.Minute)))

			done := make(chan error, 1)
			go func() {
				_, err := s.RefreshNow(context.Background())
				done <- err
			}()

			<-oldChain.entered
			s.SetCredentials(domain.TokenPair{
				AccessToken:     "at-login-0",
				RefreshToken:    "login-0",
				AccessExpiresAt: testNow.Add(15 * time.Minute),
				SessionID:       "s2",
			})
			close(oldChain.release)

			if err := <-done; err != nil {
				t.Fatalf("expected the retry on the new credentials to succeed, got %v", err)
			}
			if lost != nil {
				t.Errorf("old chain failure dropped the new login: %v", lost)
			}

			creds, ok := s.Credentials()
			if !ok || creds.SessionID != "s2" || creds.RefreshToken != "login-1" {
				t.Fatalf("expected the new session chain to be kept, got %+v", creds)
			}
			if got := oldChain.presentedTokens(); len(got) != 1 || got[0] != "rt-0" {
				t.Errorf("expected the old chain to stop after one call, presented %v", got)
			}
			if clk.PendingTimers() != 1 {
				t.Errorf("expected one armed timer, got %d", clk.PendingTimers())
			}
		})
	}
}

func TestScheduler_CancelledCallerDoesNotFailWaiters(t *testing.T) {
	clk := clock.NewMockClock(testNow)
	server := newFakeServer(clk, "rt-0")
	server.release = make(chan struct{})
	server.entered = make(chan struct{}, 1)
	s := newTestScheduler(server, clk, Options{})
	s.SetCredentials(initialPair(testNow.Add(15 * time.Minute)))

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := s.RefreshNow(firstCtx)
		first <- err
	}()
	<-server.entered

	type result struct {
		creds Credentials
		err   error
	}
	second := make(chan result, 1)
	go func() {
		creds, err := s.RefreshNow(context.Background())
		second <- result{creds, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	if err := <-first; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected the cancelled caller to stop waiting, got %v", err)
	}

	close(server.release)
	res := <-second
	if res.err != nil || res.creds.RefreshToken != "rt-1" {
		t.Fatalf("expected the waiting caller to get the rotation, got %+v, %v", res.creds, res.err)
	}

	server.mu.Lock()
	defer server.mu.Unlock()
	for i, err := range server.ctxErrs {
		if err != nil {
			t.Errorf("call %d saw a cancelled context: %v", i, err)
		}
	}
}

func TestScheduler_WithAuthService(t *testing.T) {
	clk := clock.NewMockClock(testNow)
	log := logger.Discard()
	ids := commoncrypto.NewSequenceGenerator("id")
	store := authrepo.NewMemoryTokenStore()

	codec := service.NewTokenCodec("test-secret-key-must-be-at-least-32-bytes-long", "axion-auth-test", 15*time.Minute, 5*time.Second, clk)
	binder := service.NewFingerprintBinder("pepper")
	sessions := service.NewSessionManager(store, binder, ids, clk, log)
	issuer := service.NewTokenIssuer(store, sessions, codec, ids, 24*time.Hour, clk, log)
	engine := service.NewRotationEngine(store, codec, binder, issuer, sessions, 5*time.Second, service.MismatchReject, clk, log)
	auth := service.NewAuthService(userrepo.NewMemoryRepository(), commoncrypto.NewBcryptHasher(4), ids, codec, issuer, engine, sessions, clk, log)

	pair, err := auth.StartSession(context.Background(), service.IssueInput{UserID: "u1", Fingerprint: "fp1-device-fingerprint"})
	if err != nil {
		t.Fatalf("start session: %v", err)
	}

	s := newTestScheduler(NewServiceRefresher(auth), clk, Options{})
	s.SetCredentials(pair)

	for i := 0; i < 3; i++ {
		clk.Advance(14 * time.Minute)
	}

	creds, ok := s.Credentials()
	if !ok || creds.RefreshToken == pair.RefreshToken {
		t.Fatalf("expected scheduled rotations, got %+v", creds)
	}
	if creds.SessionID != pair.SessionID {
		t.Errorf("expected session %s to continue, got %s", pair.SessionID, creds.SessionID)
	}

	// The original token is spent; replaying it must trip reuse detection.
	if _, err := auth.Refresh(context.Background(), service.RefreshInput{RefreshToken: pair.RefreshToken, Fingerprint: "fp1-device-fingerprint"}); !errors.Is(err, service.ErrTokenReuseDetected) {
		t.Fatalf("expected reuse detection, got %v", err)
	}

	var lost error
	s.opts.OnAuthLost = func(err error) { lost = err }
	if _, err := s.RefreshNow(context.Background()); !errors.Is(err, service.ErrTokenRevoked) {
		t.Fatalf("expected revoked after family revocation, got %v", err)
	}
	if lost == nil {
		t.Error("expected auth-lost callback")
	}
}
