package jwtverify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/DKeken/axion-stack-sub001/internal/common/clock"
	commonerrors "github.com/DKeken/axion-stack-sub001/internal/common/errors"
	commonhttp "github.com/DKeken/axion-stack-sub001/internal/common/http"
	"github.com/DKeken/axion-stack-sub001/internal/common/logger"
	"github.com/DKeken/axion-stack-sub001/internal/observability/metrics"
)

const TokenUseAccess = "access"

// AccessClaims is the wire shape of an access token.
type AccessClaims struct {
	SessionID string `json:"sid"`
	Email     string `json:"email,omitempty"`
	TokenUse  string `json:"token_use"`
	jwt.RegisteredClaims
}

// Claims is what handlers see about the caller.
type Claims struct {
	UserID    string
	SessionID string
	Email     string
	TokenID   string
	ExpiresAt time.Time
}

type contextKey string

const claimsKey contextKey = "jwt_claims"

type Verifier struct {
	secret []byte
	issuer string
	leeway time.Duration
	clock  clock.Clock
}

func NewVerifier(secret, issuer string, leeway time.Duration, clk clock.Clock) *Verifier {
	if clk == nil {
		clk = clock.NewRealClock()
	}
	return &Verifier{secret: []byte(secret), issuer: issuer, leeway: leeway, clock: clk}
}

func (v *Verifier) keyFunc(token *jwt.Token) (any, error) {
	if token.Method != jwt.SigningMethodHS256 {
		return nil, commonerrors.ErrInvalidTokenSigningMethod
	}
	return v.secret, nil
}

// Parse fully validates an access token, expiry included.
func (v *Verifier) Parse(tokenString string) (Claims, error) {
	metrics.JWTValidationsTotal.Inc()
	claims, err := v.parse(tokenString,
		jwt.WithLeeway(v.leeway),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		metrics.JWTValidationsFailed.Inc()
	}
	return claims, err
}

// ParseIgnoringExpiry checks the signature and claim shape but accepts an
// expired token. Logout uses it to find the session behind a stale token.
func (v *Verifier) ParseIgnoringExpiry(tokenString string) (Claims, error) {
	return v.parse(tokenString, jwt.WithoutClaimsValidation())
}

func (v *Verifier) parse(tokenString string, opts ...jwt.ParserOption) (Claims, error) {
	opts = append(opts,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.clock.Now),
	)
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var wire AccessClaims
	parsed, err := jwt.ParseWithClaims(tokenString, &wire, v.keyFunc, opts...)
	if err != nil {
		if errors.Is(err, commonerrors.ErrInvalidTokenSigningMethod) || errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return Claims{}, commonerrors.ErrInvalidTokenSigningMethod.WithCause(err)
		}
		return Claims{}, commonerrors.ErrInvalidToken.WithCause(err)
	}
	if !parsed.Valid {
		return Claims{}, commonerrors.ErrInvalidToken
	}

	if wire.TokenUse != TokenUseAccess || wire.Subject == "" || wire.SessionID == "" {
		return Claims{}, commonerrors.ErrMissingTokenClaims.WithCause(
			fmt.Errorf("token_use=%q sub=%t sid=%t", wire.TokenUse, wire.Subject != "", wire.SessionID != ""),
		)
	}

	claims := Claims{
		UserID:    wire.Subject,
		SessionID: wire.SessionID,
		Email:     wire.Email,
		TokenID:   wire.ID,
	}
	if wire.ExpiresAt != nil {
		claims.ExpiresAt = wire.ExpiresAt.Time
	}
	return claims, nil
}

func Middleware(verifier *Verifier, log *logger.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get("Authorization")
			if raw == "" || !strings.HasPrefix(raw, "Bearer ") {
				log.Warnf("jwt auth failed path=%s: missing or invalid authorization header", r.URL.Path)
				commonhttp.WriteErrorEnvelope(w, http.StatusUnauthorized, commonhttp.CodeMissingAuthorization,
					"missing or invalid authorization", nil, commonhttp.TraceIDFromContext(r.Context()))
				return
			}

			claims, err := verifier.Parse(strings.TrimPrefix(raw, "Bearer "))
			if err != nil {
				log.Warnf("jwt auth failed path=%s: %v", r.URL.Path, err)
				commonhttp.WriteErrorEnvelope(w, http.StatusUnauthorized, commonhttp.CodeInvalidToken,
					"invalid token", nil, commonhttp.TraceIDFromContext(r.Context()))
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func FromContext(ctx context.Context) (Claims, bool) {
	val := ctx.Value(claimsKey)
	claims, ok := val.(Claims)
	return claims, ok
}

// WithClaims stores claims on ctx the same way Middleware does.
func WithClaims(ctx context.Context, claims Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}
