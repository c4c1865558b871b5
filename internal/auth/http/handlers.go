package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/DKeken/axion-stack-sub001/internal/auth/domain"
	"github.com/DKeken/axion-stack-sub001/internal/auth/service"
	"github.com/DKeken/axion-stack-sub001/internal/common/constants"
	commonhttp "github.com/DKeken/axion-stack-sub001/internal/common/http"
	"github.com/DKeken/axion-stack-sub001/internal/common/jwtverify"
	"github.com/DKeken/axion-stack-sub001/internal/common/logger"
)

type credentialsRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	DeviceInfo string `json:"deviceInfo,omitempty"`
}

type revokeDeviceRequest struct {
	Fingerprint string `json:"fingerprint"`
}

type tokenResponse struct {
	AccessToken string `json:"accessToken"`
	TokenType   string `json:"tokenType"`
	ExpiresIn   int64  `json:"expiresIn"`
	SessionID   string `json:"sessionId"`
}

type sessionResponse struct {
	ID                string    `json:"id"`
	DeviceInfo        string    `json:"deviceInfo,omitempty"`
	UserAgent         string    `json:"userAgent,omitempty"`
	IPAddress         string    `json:"ipAddress,omitempty"`
	IsActive          bool      `json:"isActive"`
	Current           bool      `json:"current"`
	InvalidatedReason string    `json:"invalidatedReason,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

func newTokenResponse(pair domain.TokenPair) tokenResponse {
	return tokenResponse{
		AccessToken: pair.AccessToken,
		TokenType:   "Bearer",
		ExpiresIn:   pair.ExpiresIn,
		SessionID:   pair.SessionID,
	}
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := commonhttp.DecodeJSON(r, &req); err != nil {
		h.log.Warnf("register failed: invalid json: %v", err)
		commonhttp.WriteErrorEnvelope(w, http.StatusBadRequest, commonhttp.CodeInvalidJSON, "invalid json", nil, commonhttp.TraceIDFromContext(r.Context()))
		return
	}

	pair, err := h.auth.Register(r.Context(), service.CredentialsInput{
		Username: req.Username,
		Password: req.Password,
	}, deviceFromRequest(r, req.DeviceInfo))
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	h.setRefreshCookie(w, pair.RefreshToken, pair.RefreshExpiresAt)
	commonhttp.WriteJSON(w, http.StatusCreated, newTokenResponse(pair))
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := commonhttp.DecodeJSON(r, &req); err != nil {
		h.log.Warnf("login failed: invalid json: %v", err)
		commonhttp.WriteErrorEnvelope(w, http.StatusBadRequest, commonhttp.CodeInvalidJSON, "invalid json", nil, commonhttp.TraceIDFromContext(r.Context()))
		return
	}

	pair, err := h.auth.Login(r.Context(), service.CredentialsInput{
		Username: req.Username,
		Password: req.Password,
	}, deviceFromRequest(r, req.DeviceInfo))
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	h.setRefreshCookie(w, pair.RefreshToken, pair.RefreshExpiresAt)
	commonhttp.WriteJSON(w, http.StatusOK, newTokenResponse(pair))
}

// refresh answers every credential failure with the same 401 body so the
// caller cannot tell reuse, revocation and expiry apart.
func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(constants.RefreshTokenCookieName)
	if err != nil || cookie.Value == "" {
		h.rejectRefresh(w, r)
		return
	}

	pair, err := h.auth.Refresh(r.Context(), service.RefreshInput{
		RefreshToken: cookie.Value,
		Fingerprint:  r.Header.Get(constants.DeviceFingerprintHeader),
	})
	if err != nil {
		if service.RequiresReauthentication(err) || service.IsInputError(err) {
			h.rejectRefresh(w, r)
			return
		}
		h.errors.HandleError(w, r, err)
		return
	}

	h.setRefreshCookie(w, pair.RefreshToken, pair.RefreshExpiresAt)
	commonhttp.WriteJSON(w, http.StatusOK, newTokenResponse(pair))
}

func (h *Handler) rejectRefresh(w http.ResponseWriter, r *http.Request) {
	h.clearRefreshCookie(w)
	commonhttp.WriteErrorEnvelope(w, http.StatusUnauthorized, commonhttp.CodeInvalidRefreshToken,
		"invalid refresh token", nil, commonhttp.TraceIDFromContext(r.Context()))
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	input := service.LogoutInput{}
	if cookie, err := r.Cookie(constants.RefreshTokenCookieName); err == nil {
		input.RefreshToken = cookie.Value
	}
	if raw := r.Header.Get("Authorization"); strings.HasPrefix(raw, "Bearer ") {
		input.AccessToken = strings.TrimPrefix(raw, "Bearer ")
	}

	h.auth.Logout(r.Context(), input)

	h.clearRefreshCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	claims, ok := jwtverify.FromContext(r.Context())
	if !ok {
		h.writeUnauthorized(w, r)
		return
	}

	sessions, err := h.auth.ListSessions(r.Context(), claims.UserID)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	out := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionResponse{
			ID:                s.ID,
			DeviceInfo:        s.DeviceInfo,
			UserAgent:         s.UserAgent,
			IPAddress:         s.IPAddress,
			IsActive:          s.IsActive,
			Current:           s.ID == claims.SessionID,
			InvalidatedReason: s.InvalidatedReason,
			CreatedAt:         s.CreatedAt,
			UpdatedAt:         s.UpdatedAt,
		})
	}
	commonhttp.WriteJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (h *Handler) deleteSession(w http.ResponseWriter, r *http.Request) {
	claims, ok := jwtverify.FromContext(r.Context())
	if !ok {
		h.writeUnauthorized(w, r)
		return
	}

	id := chi.URLParam(r, "id")
	if err := commonhttp.ValidateUUID(id); err != nil {
		commonhttp.WriteErrorEnvelope(w, http.StatusBadRequest, commonhttp.CodeInvalidPath, "invalid session id", nil, commonhttp.TraceIDFromContext(r.Context()))
		return
	}

	if err := h.auth.InvalidateSession(r.Context(), claims.UserID, id); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	h.log.WithFields(r.Context(), logger.Fields{
		"user_id":    claims.UserID,
		"session_id": id,
		"action":     "session_deleted",
	}).Info("session invalidated by owner")

	if id == claims.SessionID {
		h.clearRefreshCookie(w)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) revokeDevice(w http.ResponseWriter, r *http.Request) {
	claims, ok := jwtverify.FromContext(r.Context())
	if !ok {
		h.writeUnauthorized(w, r)
		return
	}

	var req revokeDeviceRequest
	if r.ContentLength != 0 {
		if err := commonhttp.DecodeJSON(r, &req); err != nil {
			commonhttp.WriteErrorEnvelope(w, http.StatusBadRequest, commonhttp.CodeInvalidJSON, "invalid json", nil, commonhttp.TraceIDFromContext(r.Context()))
			return
		}
	}
	fingerprint := req.Fingerprint
	if fingerprint == "" {
		fingerprint = r.Header.Get(constants.DeviceFingerprintHeader)
	}
	if fingerprint == "" {
		commonhttp.WriteErrorEnvelope(w, http.StatusBadRequest, commonhttp.CodeMissingFingerprint, "device fingerprint is required", nil, commonhttp.TraceIDFromContext(r.Context()))
		return
	}

	if err := h.auth.InvalidateDeviceSessions(r.Context(), claims.UserID, fingerprint); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) revokeAll(w http.ResponseWriter, r *http.Request) {
	claims, ok := jwtverify.FromContext(r.Context())
	if !ok {
		h.writeUnauthorized(w, r)
		return
	}

	if err := h.auth.InvalidateAllSessions(r.Context(), claims.UserID); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	h.clearRefreshCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeUnauthorized(w http.ResponseWriter, r *http.Request) {
	commonhttp.WriteErrorEnvelope(w, http.StatusUnauthorized, commonhttp.CodeMissingAuthorization,
		"missing or invalid authorization", nil, commonhttp.TraceIDFromContext(r.Context()))
}

func (h *Handler) setRefreshCookie(w http.ResponseWriter, token string, expiresAt time.Time) {
	if token == "" {
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     constants.RefreshTokenCookieName,
		Value:    token,
		Path:     constants.RefreshTokenCookiePath,
		Expires:  expiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   h.cookieSecure,
	})
}

func (h *Handler) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     constants.RefreshTokenCookieName,
		Value:    "",
		Path:     constants.RefreshTokenCookiePath,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   h.cookieSecure,
	})
}
