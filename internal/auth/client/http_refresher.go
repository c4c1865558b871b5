package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/DKeken/axion-stack-sub001/internal/auth/domain"
	"github.com/DKeken/axion-stack-sub001/internal/common/clock"
	"github.com/DKeken/axion-stack-sub001/internal/common/constants"
)

const refreshPath = "/api/auth/refresh"

type refreshResponse struct {
	AccessToken string `json:"accessToken"`
	ExpiresIn   int64  `json:"expiresIn"`
	SessionID   string `json:"sessionId"`
}

// HTTPRefresher calls the refresh endpoint of a remote auth service.
type HTTPRefresher struct {
	baseURL string
	client  *http.Client
	clock   clock.Clock
}

func NewHTTPRefresher(baseURL string, client *http.Client, clk clock.Clock) *HTTPRefresher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if clk == nil {
		clk = clock.NewRealClock()
	}
	return &HTTPRefresher{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		clock:   clk,
	}
}

func (r *HTTPRefresher) Refresh(ctx context.Context, refreshToken, fingerprint string) (domain.TokenPair, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+refreshPath, http.NoBody)
	if err != nil {
		return domain.TokenPair{}, fmt.Errorf("build refresh request: %w", err)
	}
	req.AddCookie(&http.Cookie{Name: constants.RefreshTokenCookieName, Value: refreshToken})
	req.Header.Set(constants.DeviceFingerprintHeader, fingerprint)

	resp, err := r.client.Do(req)
	if err != nil {
		return domain.TokenPair{}, fmt.Errorf("refresh request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return domain.TokenPair{}, ErrReauthRequired
	case resp.StatusCode != http.StatusOK:
		return domain.TokenPair{}, fmt.Errorf("refresh request: unexpected status %d", resp.StatusCode)
	}

	var body refreshResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, constants.DefaultMaxRequestSize)).Decode(&body); err != nil {
		return domain.TokenPair{}, fmt.Errorf("decode refresh response: %w", err)
	}

	var next string
	for _, c := range resp.Cookies() {
		if c.Name == constants.RefreshTokenCookieName {
			next = c.Value
		}
	}
	if body.AccessToken == "" || next == "" {
		return domain.TokenPair{}, errors.New("refresh response: missing tokens")
	}

	return domain.TokenPair{
		AccessToken:     body.AccessToken,
		RefreshToken:    next,
		ExpiresIn:       body.ExpiresIn,
		AccessExpiresAt: r.clock.Now().Add(time.Duration(body.ExpiresIn) * time.Second),
		SessionID:       body.SessionID,
	}, nil
}
