package service

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/DKeken/axion-stack-sub001/internal/auth/domain"
	"github.com/DKeken/axion-stack-sub001/internal/common/clock"
	"github.com/DKeken/axion-stack-sub001/internal/common/constants"
	"github.com/DKeken/axion-stack-sub001/internal/common/jwtverify"
)

const tokenUseRefresh = "refresh"

// RefreshClaims is the payload of an issued refresh token.
type RefreshClaims struct {
	FamilyID  string `json:"fid"`
	SessionID string `json:"sid"`
	TokenUse  string `json:"token_use"`
	jwt.RegisteredClaims
}

// TokenCodec signs access and refresh tokens with HS256. It never touches the
// store.
type TokenCodec struct {
	secret    []byte
	issuer    string
	accessTTL time.Duration
	clock     clock.Clock
	verifier  *jwtverify.Verifier
}

func NewTokenCodec(secret, issuer string, accessTTL, leeway time.Duration, clk clock.Clock) *TokenCodec {
	if accessTTL <= 0 {
		accessTTL = constants.DefaultAccessTokenTTL
	}
	if leeway < 0 {
		leeway = constants.DefaultExpiryLeeway
	}
	return &TokenCodec{
		secret:    []byte(secret),
		issuer:    issuer,
		accessTTL: accessTTL,
		clock:     clk,
		verifier:  jwtverify.NewVerifier(secret, issuer, leeway, clk),
	}
}

// Verifier validates access tokens signed by this codec.
func (c *TokenCodec) Verifier() *jwtverify.Verifier {
	return c.verifier
}

func (c *TokenCodec) AccessTTL() time.Duration {
	return c.accessTTL
}

func (c *TokenCodec) SignAccessToken(userID, sessionID, email, jti string) (string, time.Time, error) {
	now := c.clock.Now()
	expiresAt := now.Add(c.accessTTL)

	claims := jwtverify.AccessClaims{
		SessionID: sessionID,
		Email:     email,
		TokenUse:  jwtverify.TokenUseAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   userID,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, expiresAt, nil
}

func (c *TokenCodec) ParseAccessToken(token string) (jwtverify.Claims, error) {
	return c.verifier.Parse(token)
}

func (c *TokenCodec) ParseAccessTokenIgnoringExpiry(token string) (jwtverify.Claims, error) {
	return c.verifier.ParseIgnoringExpiry(token)
}

func (c *TokenCodec) SignRefreshToken(record domain.RefreshToken) (string, error) {
	claims := RefreshClaims{
		FamilyID:  record.FamilyID,
		SessionID: record.SessionID,
		TokenUse:  tokenUseRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   record.UserID,
			ID:        record.JTI,
			IssuedAt:  jwt.NewNumericDate(record.CreatedAt),
			ExpiresAt: jwt.NewNumericDate(record.ExpiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign refresh token: %w", err)
	}
	return signed, nil
}

// DecodeRefreshToken verifies the signature and shape of a refresh token.
// Expiry is left to the stored record so that an expired token is reported
// as expired rather than malformed.
func (c *TokenCodec) DecodeRefreshToken(token string) (RefreshClaims, error) {
	if token == "" || len(token) > constants.RefreshTokenMaxSize {
		return RefreshClaims{}, ErrMalformedToken
	}

	var claims RefreshClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return RefreshClaims{}, ErrMalformedToken.WithCause(err)
	}

	if claims.TokenUse != tokenUseRefresh || claims.ID == "" || claims.FamilyID == "" || claims.Subject == "" {
		return RefreshClaims{}, ErrMalformedToken.WithCause(fmt.Errorf("refresh token is missing required claims"))
	}
	if c.issuer != "" && claims.Issuer != c.issuer {
		return RefreshClaims{}, ErrMalformedToken.WithCause(fmt.Errorf("unexpected issuer %q", claims.Issuer))
	}
	return claims, nil
}
