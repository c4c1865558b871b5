package http

import (
	"net"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/DKeken/axion-stack-sub001/internal/auth/service"
	"github.com/DKeken/axion-stack-sub001/internal/common/constants"
	commonhttp "github.com/DKeken/axion-stack-sub001/internal/common/http"
	"github.com/DKeken/axion-stack-sub001/internal/common/httpmetrics"
	"github.com/DKeken/axion-stack-sub001/internal/common/jwtverify"
	"github.com/DKeken/axion-stack-sub001/internal/common/logger"
)

type Options struct {
	Logger       *logger.Logger
	Timeout      time.Duration
	CookieSecure bool
	// Verifier guards the session management routes.
	Verifier    *jwtverify.Verifier
	RateLimiter *commonhttp.StrictRateLimiter
	Readiness   map[string]commonhttp.ReadinessCheck
	// ExposeMetrics mounts promhttp on /metrics.
	ExposeMetrics bool
}

type Handler struct {
	auth         *service.AuthService
	log          *logger.Logger
	errors       *commonhttp.ErrorHandler
	cookieSecure bool
}

func NewRouter(auth *service.AuthService, opts Options) http.Handler {
	h := &Handler{
		auth:         auth,
		log:          opts.Logger,
		errors:       commonhttp.NewErrorHandler(opts.Logger),
		cookieSecure: opts.CookieSecure,
	}

	root := chi.NewRouter()
	root.Use(httpmetrics.New().Wrap)
	root.NotFound(func(w http.ResponseWriter, r *http.Request) {
		commonhttp.WriteErrorEnvelope(w, http.StatusNotFound, commonhttp.CodeNotFound, "not found", nil, commonhttp.TraceIDFromContext(r.Context()))
	})
	root.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		commonhttp.WriteErrorEnvelope(w, http.StatusMethodNotAllowed, commonhttp.CodeMethodNotAllowed, "method not allowed", nil, commonhttp.TraceIDFromContext(r.Context()))
	})

	root.Get("/health", commonhttp.HealthHandler(opts.Logger))
	if len(opts.Readiness) > 0 {
		root.Get("/ready", commonhttp.ReadinessHandler(opts.Logger, opts.Readiness))
	}
	if opts.ExposeMetrics {
		root.Handle("/metrics", promhttp.Handler())
	}

	root.Route("/api/auth", func(r chi.Router) {
		if opts.Timeout > 0 {
			r.Use(commonhttp.WithTimeout(opts.Timeout))
		}
		registerRoutes(r, h, opts)
	})

	return root
}

func registerRoutes(r chi.Router, h *Handler, opts Options) {
	limit := func(path string) func(http.Handler) http.Handler {
		if opts.RateLimiter == nil {
			return func(next http.Handler) http.Handler { return next }
		}
		return opts.RateLimiter.MiddlewareForPath(path)
	}

	r.With(limit("/api/auth/register")).Post("/register", h.register)
	r.With(limit("/api/auth/login")).Post("/login", h.login)
	r.With(limit("/api/auth/refresh")).Post("/refresh", h.refresh)
	r.With(limit("/api/auth/logout")).Post("/logout", h.logout)

	r.Route("/sessions", func(r chi.Router) {
		r.Use(limit("/api/auth/sessions"))
		r.Use(jwtverify.Middleware(opts.Verifier, opts.Logger))

		r.Get("/", h.listSessions)
		r.Delete("/{id}", h.deleteSession)
		r.Post("/revoke-device", h.revokeDevice)
		r.Post("/revoke-all", h.revokeAll)
	})
}

func deviceFromRequest(r *http.Request, deviceInfo string) service.DeviceContext {
	ua := truncateText(r.UserAgent(), constants.UserAgentMaxLength)
	deviceInfo = truncateText(deviceInfo, constants.DeviceInfoMaxLength)

	ip := commonhttp.GetClientIP(r)
	if net.ParseIP(ip) == nil {
		ip = ""
	}

	return service.DeviceContext{
		Fingerprint: r.Header.Get(constants.DeviceFingerprintHeader),
		DeviceInfo:  deviceInfo,
		UserAgent:   ua,
		IPAddress:   ip,
	}
}

// truncateText drops invalid UTF-8 and NUL bytes, which Postgres TEXT
// rejects, then cuts to at most max bytes on a rune boundary.
func truncateText(s string, max int) string {
	s = strings.ReplaceAll(strings.ToValidUTF8(s, ""), "\x00", "")
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
