package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/DKeken/axion-stack-sub001/internal/auth/domain"
	"github.com/DKeken/axion-stack-sub001/internal/auth/service"
	"github.com/DKeken/axion-stack-sub001/internal/common/clock"
	"github.com/DKeken/axion-stack-sub001/internal/common/constants"
	"github.com/DKeken/axion-stack-sub001/internal/common/logger"
	"github.com/DKeken/axion-stack-sub001/internal/observability/metrics"
)

var (
	ErrNoCredentials = errors.New("no credentials to refresh")
	// ErrReauthRequired is reported by refreshers that cannot tell the
	// failure kinds apart, such as a remote endpoint answering 401.
	ErrReauthRequired = errors.New("re-authentication required")
	// ErrCredentialsReplaced is returned when SetCredentials or Stop ran
	// while a rotation was in flight. The rotation result is discarded.
	ErrCredentialsReplaced = errors.New("credentials replaced during refresh")
)

const refreshKey = "refresh"

// Refresher exchanges a refresh token for a new pair.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken, fingerprint string) (domain.TokenPair, error)
}

type RefresherFunc func(ctx context.Context, refreshToken, fingerprint string) (domain.TokenPair, error)

func (f RefresherFunc) Refresh(ctx context.Context, refreshToken, fingerprint string) (domain.TokenPair, error) {
	return f(ctx, refreshToken, fingerprint)
}

// NewServiceRefresher adapts an in-process auth service.
func NewServiceRefresher(auth *service.AuthService) Refresher {
	return RefresherFunc(func(ctx context.Context, refreshToken, fingerprint string) (domain.TokenPair, error) {
		return auth.Refresh(ctx, service.RefreshInput{RefreshToken: refreshToken, Fingerprint: fingerprint})
	})
}

// Credentials is the locally held token state.
type Credentials struct {
	AccessToken     string
	RefreshToken    string
	AccessExpiresAt time.Time
	SessionID       string
}

func credentialsFrom(pair domain.TokenPair) Credentials {
	return Credentials{
		AccessToken:     pair.AccessToken,
		RefreshToken:    pair.RefreshToken,
		AccessExpiresAt: pair.AccessExpiresAt,
		SessionID:       pair.SessionID,
	}
}

type Options struct {
	Fingerprint string
	MaxWindow   time.Duration
	RetryDelay  time.Duration
	CallTimeout time.Duration
	// OnAuthLost is called once credentials are discarded after a terminal
	// failure.
	OnAuthLost func(error)
	// OnRefreshed is called with every new set of credentials.
	OnRefreshed func(Credentials)
	Clock       clock.Clock
	Logger      *logger.Logger
}

// Scheduler renews the access token shortly before it expires. All triggers
// (timer, foreground events, explicit calls) share one in-flight rotation, so
// a refresh token is never presented twice by the same client.
type Scheduler struct {
	refresher Refresher
	opts      Options
	group     singleflight.Group

	mu    sync.Mutex
	creds *Credentials
	timer clock.Timer
	gen   uint64
	// epoch changes whenever credentials are replaced or dropped from
	// outside the rotation chain.
	epoch uint64
}

func NewScheduler(refresher Refresher, opts Options) *Scheduler {
	if opts.MaxWindow <= 0 {
		opts.MaxWindow = constants.ClientRefreshMaxWindow
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = constants.ClientRefreshRetryDelay
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	return &Scheduler{refresher: refresher, opts: opts}
}

// SetCredentials stores a freshly issued pair and arms the timer.
func (s *Scheduler) SetCredentials(pair domain.TokenPair) {
	creds := credentialsFrom(pair)
	s.mu.Lock()
	s.creds = &creds
	s.epoch++
	s.mu.Unlock()
	s.schedule(s.refreshDelay(creds.AccessExpiresAt))
}

func (s *Scheduler) Credentials() (Credentials, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.creds == nil {
		return Credentials{}, false
	}
	return *s.creds, true
}

// Stop disarms the timer and forgets the credentials.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked()
}

// RefreshNow rotates immediately. Callers arriving while a rotation is in
// flight wait for its result instead of starting another one. The shared
// rotation is not tied to any single caller's cancellation; ctx only bounds
// how long this caller waits.
func (s *Scheduler) RefreshNow(ctx context.Context) (Credentials, error) {
	creds, err := s.refreshShared(ctx)
	if errors.Is(err, ErrCredentialsReplaced) {
		// The flight we joined belonged to the previous credentials.
		creds, err = s.refreshShared(ctx)
	}
	return creds, err
}

func (s *Scheduler) refreshShared(ctx context.Context) (Credentials, error) {
	detached := context.WithoutCancel(ctx)
	ch := s.group.DoChan(refreshKey, func() (any, error) {
		return s.refresh(detached)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Credentials{}, res.Err
		}
		return res.Val.(Credentials), nil
	case <-ctx.Done():
		return Credentials{}, ctx.Err()
	}
}

func (s *Scheduler) refresh(ctx context.Context) (Credentials, error) {
	s.mu.Lock()
	if s.creds == nil {
		s.mu.Unlock()
		return Credentials{}, ErrNoCredentials
	}
	current := *s.creds
	epoch := s.epoch
	s.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()

	pair, err := s.refresher.Refresh(callCtx, current.RefreshToken, s.opts.Fingerprint)
	if err != nil {
		return Credentials{}, s.handleFailure(current, epoch, err)
	}

	next := credentialsFrom(pair)
	s.mu.Lock()
	if !s.unchangedLocked(current, epoch) {
		s.mu.Unlock()
		metrics.ClientRefreshesTotal.WithLabelValues("discarded").Inc()
		s.opts.Logger.Infof("client refresh: credentials changed during rotation, result discarded")
		return Credentials{}, ErrCredentialsReplaced
	}
	s.creds = &next
	s.mu.Unlock()

	metrics.ClientRefreshesTotal.WithLabelValues("success").Inc()
	if delay := s.refreshDelay(next.AccessExpiresAt); delay > 0 {
		s.schedule(delay)
	} else {
		s.opts.Logger.Warnf("client refresh: received an access token that is already expired")
	}

	if s.opts.OnRefreshed != nil {
		s.opts.OnRefreshed(next)
	}
	return next, nil
}

// unchangedLocked reports whether the credentials a rotation started from
// are still the ones held.
func (s *Scheduler) unchangedLocked(started Credentials, epoch uint64) bool {
	return s.epoch == epoch && s.creds != nil && s.creds.RefreshToken == started.RefreshToken
}

func (s *Scheduler) handleFailure(current Credentials, epoch uint64, err error) error {
	s.mu.Lock()
	if !s.unchangedLocked(current, epoch) {
		s.mu.Unlock()
		s.opts.Logger.Infof("client refresh: failure for replaced credentials ignored: %v", err)
		return ErrCredentialsReplaced
	}
	if isTerminal(err) {
		s.clearLocked()
		s.mu.Unlock()
		metrics.ClientRefreshesTotal.WithLabelValues("auth_lost").Inc()
		s.opts.Logger.Warnf("client refresh: credentials rejected, re-authentication required: %v", err)
		if s.opts.OnAuthLost != nil {
			s.opts.OnAuthLost(err)
		}
		return err
	}
	s.mu.Unlock()

	metrics.ClientRefreshesTotal.WithLabelValues("retry").Inc()
	now := s.opts.Clock.Now()
	if now.Add(s.opts.RetryDelay).Before(current.AccessExpiresAt) {
		s.opts.Logger.Warnf("client refresh failed, retrying in %s: %v", s.opts.RetryDelay, err)
		s.schedule(s.opts.RetryDelay)
		return err
	}
	s.opts.Logger.Warnf("client refresh failed after access token expiry, waiting for an explicit refresh: %v", err)
	s.mu.Lock()
	s.stopTimerLocked()
	s.mu.Unlock()
	return err
}

// refreshDelay places the renewal inside the last third of the remaining
// lifetime, capped at MaxWindow before expiry.
func (s *Scheduler) refreshDelay(expiresAt time.Time) time.Duration {
	remaining := expiresAt.Sub(s.opts.Clock.Now())
	if remaining <= 0 {
		return 0
	}
	window := remaining / 3
	if window > s.opts.MaxWindow {
		window = s.opts.MaxWindow
	}
	return remaining - window
}

func (s *Scheduler) schedule(delay time.Duration) {
	s.mu.Lock()
	s.stopTimerLocked()
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	// AfterFunc may run the callback before returning, so it is armed
	// without holding the lock.
	t := s.opts.Clock.AfterFunc(delay, func() { s.onTimer(gen) })

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		t.Stop()
		return
	}
	s.timer = t
}

func (s *Scheduler) onTimer(gen uint64) {
	s.mu.Lock()
	stale := s.gen != gen || s.creds == nil
	s.mu.Unlock()
	if stale {
		return
	}
	_, _ = s.RefreshNow(context.Background())
}

func (s *Scheduler) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Scheduler) clearLocked() {
	s.stopTimerLocked()
	s.gen++
	s.epoch++
	s.creds = nil
}

func isTerminal(err error) bool {
	return errors.Is(err, ErrReauthRequired) || service.RequiresReauthentication(err)
}
