package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/DKeken/axion-stack-sub001/internal/auth/domain"
	authrepo "github.com/DKeken/axion-stack-sub001/internal/auth/repository"
	"github.com/DKeken/axion-stack-sub001/internal/auth/service"
	"github.com/DKeken/axion-stack-sub001/internal/common/clock"
	"github.com/DKeken/axion-stack-sub001/internal/common/constants"
	commoncrypto "github.com/DKeken/axion-stack-sub001/internal/common/crypto"
	commonhttp "github.com/DKeken/axion-stack-sub001/internal/common/http"
	"github.com/DKeken/axion-stack-sub001/internal/common/logger"
	userrepo "github.com/DKeken/axion-stack-sub001/internal/user/repository"
)

const (
	fpLaptop = "fp1-laptop-fingerprint"
	fpPhone  = "fp2-phone-fingerprint"
)

var testNow = time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

// flakyStore lets a test fail rotation as if the backend were down.
type flakyStore struct {
	authrepo.TokenStore
	rotateErr error
}

func (s *flakyStore) RotateRefreshToken(ctx context.Context, jti string, usedAt time.Time, successor domain.RefreshToken) error {
	if s.rotateErr != nil {
		return s.rotateErr
	}
	return s.TokenStore.RotateRefreshToken(ctx, jti, usedAt, successor)
}

type testServer struct {
	t       *testing.T
	handler http.Handler
	auth    *service.AuthService
	store   *flakyStore
	clock   *clock.MockClock
}

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details"`
}

func newTestServer(t *testing.T, configure ...func(*Options)) *testServer {
	t.Helper()

	log := logger.Discard()
	clk := clock.NewMockClock(testNow)
	ids := commoncrypto.NewUUIDGenerator()
	store := &flakyStore{TokenStore: authrepo.NewMemoryTokenStore()}

	codec := service.NewTokenCodec("test-secret-key-must-be-at-least-32-bytes-long", "axion-auth-test", 15*time.Minute, 5*time.Second, clk)
	binder := service.NewFingerprintBinder("pepper")
	sessions := service.NewSessionManager(store, binder, ids, clk, log)
	issuer := service.NewTokenIssuer(store, sessions, codec, ids, 24*time.Hour, clk, log)
	engine := service.NewRotationEngine(store, codec, binder, issuer, sessions, 5*time.Second, service.MismatchReject, clk, log)
	auth := service.NewAuthService(userrepo.NewMemoryRepository(), commoncrypto.NewBcryptHasher(4), ids, codec, issuer, engine, sessions, clk, log)

	opts := Options{
		Logger:       log,
		Timeout:      5 * time.Second,
		CookieSecure: true,
		Verifier:     codec.Verifier(),
	}
	for _, fn := range configure {
		fn(&opts)
	}

	return &testServer{
		t:       t,
		handler: NewRouter(auth, opts),
		auth:    auth,
		store:   store,
		clock:   clk,
	}
}

type requestOption func(*http.Request)

func withCookie(value string) requestOption {
	return func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: constants.RefreshTokenCookieName, Value: value})
	}
}

func withFingerprint(fp string) requestOption {
	return func(r *http.Request) { r.Header.Set(constants.DeviceFingerprintHeader, fp) }
}

func withBearer(token string) requestOption {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

func (s *testServer) do(method, path string, body any, opts ...requestOption) *httptest.ResponseRecorder {
	s.t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			s.t.Fatalf("encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "router-test")
	req.RemoteAddr = "192.0.2.10:51000"
	for _, opt := range opts {
		opt(req)
	}

	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

type session struct {
	access  string
	refresh string
	id      string
}

func (s *testServer) register(username, fp string) session {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/auth/register",
		map[string]string{"username": username, "password": "passw0rdX", "deviceInfo": "laptop"},
		withFingerprint(fp))
	if rec.Code != http.StatusCreated {
		s.t.Fatalf("register: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	return s.sessionFrom(rec)
}

func (s *testServer) login(username, fp string) session {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/auth/login",
		map[string]string{"username": username, "password": "passw0rdX"},
		withFingerprint(fp))
	if rec.Code != http.StatusOK {
		s.t.Fatalf("login: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	return s.sessionFrom(rec)
}

func (s *testServer) sessionFrom(rec *httptest.ResponseRecorder) session {
	s.t.Helper()
	var body tokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		s.t.Fatalf("decode token response: %v", err)
	}
	cookie := refreshCookie(rec)
	if cookie == nil {
		s.t.Fatal("expected refresh cookie")
	}
	return session{access: body.AccessToken, refresh: cookie.Value, id: body.SessionID}
}

func refreshCookie(rec *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == constants.RefreshTokenCookieName {
			return c
		}
	}
	return nil
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestRouter_RegisterSetsCookie(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.do(http.MethodPost, "/api/auth/register",
		map[string]string{"username": "alice", "password": "passw0rdX"},
		withFingerprint(fpLaptop))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var body tokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.AccessToken == "" || body.TokenType != "Bearer" || body.ExpiresIn != 900 || body.SessionID == "" {
		t.Errorf("unexpected body %+v", body)
	}

	cookie := refreshCookie(rec)
	if cookie == nil {
		t.Fatal("expected refresh cookie")
	}
	if !cookie.HttpOnly || !cookie.Secure || cookie.SameSite != http.SameSiteStrictMode || cookie.Path != "/api/auth" {
		t.Errorf("unexpected cookie attributes %+v", cookie)
	}
	if bytes.Contains(rec.Body.Bytes(), []byte(cookie.Value)) {
		t.Error("refresh token must not appear in the response body")
	}
}

func TestRouter_RegisterErrors(t *testing.T) {
	srv := newTestServer(t)
	srv.register("alice", fpLaptop)

	tests := []struct {
		name     string
		body     any
		opts     []requestOption
		wantCode int
		wantErr  string
	}{
		{name: "invalid json", body: "{", opts: []requestOption{withFingerprint(fpLaptop)}, wantCode: http.StatusBadRequest, wantErr: commonhttp.CodeInvalidJSON},
		{name: "unknown field", body: `{"username":"bob","password":"passw0rdX","admin":true}`, opts: []requestOption{withFingerprint(fpLaptop)}, wantCode: http.StatusBadRequest, wantErr: commonhttp.CodeInvalidJSON},
		{name: "weak password", body: map[string]string{"username": "bob", "password": "short"}, opts: []requestOption{withFingerprint(fpLaptop)}, wantCode: http.StatusBadRequest, wantErr: "VALIDATION_FAILED"},
		{name: "missing fingerprint", body: map[string]string{"username": "bob", "password": "passw0rdX"}, wantCode: http.StatusBadRequest, wantErr: "VALIDATION_FAILED"},
		{name: "username taken", body: map[string]string{"username": "alice", "password": "passw0rdX"}, opts: []requestOption{withFingerprint(fpLaptop)}, wantCode: http.StatusConflict, wantErr: "USERNAME_TAKEN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := srv.do(http.MethodPost, "/api/auth/register", tt.body, tt.opts...)
			if rec.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d: %s", tt.wantCode, rec.Code, rec.Body.String())
			}
			if got := decodeError(t, rec).Code; got != tt.wantErr {
				t.Errorf("expected code %s, got %s", tt.wantErr, got)
			}
		})
	}
}

func TestRouter_ValidationDetails(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.do(http.MethodPost, "/api/auth/register",
		map[string]string{"username": "bob", "password": "short"},
		withFingerprint(fpLaptop))

	body := decodeError(t, rec)
	if _, ok := body.Details["password"]; !ok {
		t.Errorf("expected password detail, got %v", body.Details)
	}
}

func TestRouter_LoginInvalidCredentials(t *testing.T) {
	srv := newTestServer(t)
	srv.register("alice", fpLaptop)

	rec := srv.do(http.MethodPost, "/api/auth/login",
		map[string]string{"username": "alice", "password": "wr0ngpass"},
		withFingerprint(fpLaptop))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if got := decodeError(t, rec).Code; got != "INVALID_CREDENTIALS" {
		t.Errorf("expected INVALID_CREDENTIALS, got %s", got)
	}
}

func TestRouter_RefreshRotatesAndDetectsReuse(t *testing.T) {
	srv := newTestServer(t)
	first := srv.register("alice", fpLaptop)

	rec := srv.do(http.MethodPost, "/api/auth/refresh", nil, withCookie(first.refresh), withFingerprint(fpLaptop))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	second := srv.sessionFrom(rec)
	if second.refresh == first.refresh {
		t.Fatal("expected a new refresh token")
	}
	if second.id != first.id {
		t.Errorf("expected session %s to continue, got %s", first.id, second.id)
	}

	replay := srv.do(http.MethodPost, "/api/auth/refresh", nil, withCookie(first.refresh), withFingerprint(fpLaptop))
	if replay.Code != http.StatusUnauthorized || decodeError(t, replay).Code != commonhttp.CodeInvalidRefreshToken {
		t.Fatalf("expected uniform 401 on replay, got %d: %s", replay.Code, replay.Body.String())
	}
	if c := refreshCookie(replay); c == nil || c.MaxAge >= 0 {
		t.Error("expected the refresh cookie to be cleared")
	}

	after := srv.do(http.MethodPost, "/api/auth/refresh", nil, withCookie(second.refresh), withFingerprint(fpLaptop))
	if after.Code != http.StatusUnauthorized {
		t.Fatalf("expected the successor to be revoked with its family, got %d", after.Code)
	}
}

func TestRouter_RefreshFailuresLookAlike(t *testing.T) {
	srv := newTestServer(t)
	s := srv.register("alice", fpLaptop)

	tests := []struct {
		name string
		opts []requestOption
	}{
		{name: "missing cookie", opts: []requestOption{withFingerprint(fpLaptop)}},
		{name: "garbage cookie", opts: []requestOption{withCookie("not-a-token"), withFingerprint(fpLaptop)}},
		{name: "fingerprint mismatch", opts: []requestOption{withCookie(s.refresh), withFingerprint(fpPhone)}},
	}

	var bodies []string
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := srv.do(http.MethodPost, "/api/auth/refresh", nil, tt.opts...)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
			body := decodeError(t, rec)
			bodies = append(bodies, body.Code+"|"+body.Message)
		})
	}

	for _, b := range bodies[1:] {
		if b != bodies[0] {
			t.Errorf("expected identical bodies, got %q and %q", bodies[0], b)
		}
	}
}

func TestRouter_RefreshStoreUnavailable(t *testing.T) {
	srv := newTestServer(t)
	s := srv.register("alice", fpLaptop)

	srv.store.rotateErr = errors.New("connection refused")
	rec := srv.do(http.MethodPost, "/api/auth/refresh", nil, withCookie(s.refresh), withFingerprint(fpLaptop))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", rec.Code, rec.Body.String())
	}
	if refreshCookie(rec) != nil {
		t.Error("a store failure must not clear the client's cookie")
	}

	srv.store.rotateErr = nil
	rec = srv.do(http.MethodPost, "/api/auth/refresh", nil, withCookie(s.refresh), withFingerprint(fpLaptop))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected the same token to work once the store recovers, got %d", rec.Code)
	}
}

func TestRouter_Logout(t *testing.T) {
	srv := newTestServer(t)
	s := srv.register("alice", fpLaptop)

	rec := srv.do(http.MethodPost, "/api/auth/logout", nil, withCookie(s.refresh), withBearer(s.access))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if c := refreshCookie(rec); c == nil || c.MaxAge >= 0 {
		t.Error("expected the refresh cookie to be cleared")
	}

	refresh := srv.do(http.MethodPost, "/api/auth/refresh", nil, withCookie(s.refresh), withFingerprint(fpLaptop))
	if refresh.Code != http.StatusUnauthorized {
		t.Errorf("expected refresh after logout to fail, got %d", refresh.Code)
	}

	again := srv.do(http.MethodPost, "/api/auth/logout", nil, withCookie("garbage"))
	if again.Code != http.StatusNoContent {
		t.Errorf("expected logout to always succeed, got %d", again.Code)
	}
}

func TestRouter_SessionsRequireAuthorization(t *testing.T) {
	srv := newTestServer(t)
	s := srv.register("alice", fpLaptop)

	rec := srv.do(http.MethodGet, "/api/auth/sessions", nil)
	if rec.Code != http.StatusUnauthorized || decodeError(t, rec).Code != commonhttp.CodeMissingAuthorization {
		t.Fatalf("expected 401 missing authorization, got %d: %s", rec.Code, rec.Body.String())
	}

	srv.clock.Advance(time.Hour)
	rec = srv.do(http.MethodGet, "/api/auth/sessions", nil, withBearer(s.access))
	if rec.Code != http.StatusUnauthorized || decodeError(t, rec).Code != commonhttp.CodeInvalidToken {
		t.Fatalf("expected expired access token to be rejected, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRouter_ListAndDeleteSessions(t *testing.T) {
	srv := newTestServer(t)
	laptop := srv.register("alice", fpLaptop)
	phone := srv.login("alice", fpPhone)

	rec := srv.do(http.MethodGet, "/api/auth/sessions", nil, withBearer(laptop.access))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var list struct {
		Sessions []sessionResponse `json:"sessions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(list.Sessions))
	}
	for _, s := range list.Sessions {
		if s.Current != (s.ID == laptop.id) {
			t.Errorf("unexpected current flag on %+v", s)
		}
	}

	tests := []struct {
		name     string
		id       string
		wantCode int
	}{
		{name: "not a uuid", id: "abc", wantCode: http.StatusBadRequest},
		{name: "unknown", id: uuid.NewString(), wantCode: http.StatusNotFound},
		{name: "own other device", id: phone.id, wantCode: http.StatusNoContent},
		{name: "repeat", id: phone.id, wantCode: http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := srv.do(http.MethodDelete, "/api/auth/sessions/"+tt.id, nil, withBearer(laptop.access))
			if rec.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d: %s", tt.wantCode, rec.Code, rec.Body.String())
			}
		})
	}

	if rec := srv.do(http.MethodPost, "/api/auth/refresh", nil, withCookie(phone.refresh), withFingerprint(fpPhone)); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected deleted session to stop refreshing, got %d", rec.Code)
	}
	if rec := srv.do(http.MethodPost, "/api/auth/refresh", nil, withCookie(laptop.refresh), withFingerprint(fpLaptop)); rec.Code != http.StatusOK {
		t.Errorf("expected other session to keep working, got %d", rec.Code)
	}
}

func TestRouter_DeleteForeignSession(t *testing.T) {
	srv := newTestServer(t)
	alice := srv.register("alice", fpLaptop)
	bob := srv.register("bob", fpPhone)

	rec := srv.do(http.MethodDelete, "/api/auth/sessions/"+bob.id, nil, withBearer(alice.access))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a foreign session, got %d", rec.Code)
	}
	if rec := srv.do(http.MethodPost, "/api/auth/refresh", nil, withCookie(bob.refresh), withFingerprint(fpPhone)); rec.Code != http.StatusOK {
		t.Errorf("expected bob's session untouched, got %d", rec.Code)
	}
}

func TestRouter_RevokeDeviceAndAll(t *testing.T) {
	srv := newTestServer(t)
	laptop := srv.register("alice", fpLaptop)
	phone := srv.login("alice", fpPhone)

	rec := srv.do(http.MethodPost, "/api/auth/sessions/revoke-device",
		map[string]string{"fingerprint": fpPhone}, withBearer(laptop.access))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := srv.do(http.MethodPost, "/api/auth/refresh", nil, withCookie(phone.refresh), withFingerprint(fpPhone)); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected phone session revoked, got %d", rec.Code)
	}

	rec = srv.do(http.MethodPost, "/api/auth/sessions/revoke-device", nil, withBearer(laptop.access))
	if rec.Code != http.StatusBadRequest || decodeError(t, rec).Code != commonhttp.CodeMissingFingerprint {
		t.Fatalf("expected missing fingerprint, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = srv.do(http.MethodPost, "/api/auth/sessions/revoke-all", nil, withBearer(laptop.access))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec := srv.do(http.MethodPost, "/api/auth/refresh", nil, withCookie(laptop.refresh), withFingerprint(fpLaptop)); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected every session revoked, got %d", rec.Code)
	}
}

func TestRouter_RateLimitsLogin(t *testing.T) {
	limiter := commonhttp.NewStrictRateLimiter()
	t.Cleanup(limiter.Stop)
	srv := newTestServer(t, func(o *Options) { o.RateLimiter = limiter })

	var last int
	for i := 0; i <= constants.RateLimitLoginBurst; i++ {
		rec := srv.do(http.MethodPost, "/api/auth/login",
			map[string]string{"username": "nobody", "password": "passw0rdX"},
			withFingerprint(fpLaptop))
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after the burst, got %d", last)
	}
}

func TestRouter_HealthAndUnknownRoutes(t *testing.T) {
	srv := newTestServer(t)

	if rec := srv.do(http.MethodGet, "/health", nil); rec.Code != http.StatusOK {
		t.Errorf("expected health 200, got %d", rec.Code)
	}
	if rec := srv.do(http.MethodGet, "/api/auth/nope", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	if rec := srv.do(http.MethodGet, "/api/auth/refresh", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}
