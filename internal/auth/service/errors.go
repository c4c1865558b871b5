package service

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	authrepo "github.com/DKeken/axion-stack-sub001/internal/auth/repository"
	commonerrors "github.com/DKeken/axion-stack-sub001/internal/common/errors"
)

var (
	ErrValidation = commonerrors.NewDomainError(
		"VALIDATION_FAILED",
		commonerrors.CategoryValidation,
		http.StatusBadRequest,
		"validation failed",
	)

	ErrMalformedToken = commonerrors.NewDomainError(
		"MALFORMED_TOKEN",
		commonerrors.CategoryValidation,
		http.StatusUnauthorized,
		"token could not be decoded",
	)

	ErrTokenNotFound = commonerrors.NewDomainError(
		"TOKEN_NOT_FOUND",
		commonerrors.CategoryUnauthorized,
		http.StatusUnauthorized,
		"refresh token not recognised",
	)

	ErrTokenExpired = commonerrors.NewDomainError(
		"TOKEN_EXPIRED",
		commonerrors.CategoryUnauthorized,
		http.StatusUnauthorized,
		"refresh token expired",
	)

	ErrTokenRevoked = commonerrors.NewDomainError(
		"TOKEN_REVOKED",
		commonerrors.CategoryUnauthorized,
		http.StatusUnauthorized,
		"refresh token revoked",
	)

	ErrTokenReuseDetected = commonerrors.NewDomainError(
		"TOKEN_REUSE_DETECTED",
		commonerrors.CategorySecurity,
		http.StatusUnauthorized,
		"refresh token reuse detected",
	)

	ErrFingerprintMismatch = commonerrors.NewDomainError(
		"FINGERPRINT_MISMATCH",
		commonerrors.CategorySecurity,
		http.StatusUnauthorized,
		"device fingerprint does not match",
	)

	ErrSessionNotFound = commonerrors.NewDomainError(
		"SESSION_NOT_FOUND",
		commonerrors.CategoryNotFound,
		http.StatusNotFound,
		"session not found",
	)

	ErrStoreUnavailable = commonerrors.NewDomainError(
		"STORE_UNAVAILABLE",
		commonerrors.CategoryExternal,
		http.StatusServiceUnavailable,
		"token store unavailable",
	)

	ErrServiceUnavailable = commonerrors.NewDomainError(
		"SERVICE_UNAVAILABLE",
		commonerrors.CategoryExternal,
		http.StatusServiceUnavailable,
		"service temporarily unavailable",
	)

	ErrInvalidCredentials = commonerrors.NewDomainError(
		"INVALID_CREDENTIALS",
		commonerrors.CategoryUnauthorized,
		http.StatusUnauthorized,
		"invalid username or password",
	)

	ErrUsernameTaken = commonerrors.NewDomainError(
		"USERNAME_TAKEN",
		commonerrors.CategoryConflict,
		http.StatusConflict,
		"username already exists",
	)
)

// ValidationError lists every rejected input field with a short reason.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %s", name, e.Fields[name]))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// FieldErrors exposes the rejected fields to transport layers.
func (e *ValidationError) FieldErrors() map[string]string {
	return e.Fields
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func newValidationError(field, reason string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: reason}}
}

func IsInputError(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrMalformedToken)
}

func IsCredentialLifecycleError(err error) bool {
	return errors.Is(err, ErrTokenNotFound) ||
		errors.Is(err, ErrTokenExpired) ||
		errors.Is(err, ErrTokenRevoked)
}

func IsSecuritySignal(err error) bool {
	return commonerrors.HasCategory(err, commonerrors.CategorySecurity)
}

func IsStoreError(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrServiceUnavailable)
}

// RequiresReauthentication reports failures after which the presented
// credentials can never succeed again.
func RequiresReauthentication(err error) bool {
	return IsCredentialLifecycleError(err) || IsSecuritySignal(err) || errors.Is(err, ErrMalformedToken)
}

// mapStoreError turns store sentinels into service errors. Errors that are
// already domain errors pass through unchanged.
func mapStoreError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, authrepo.ErrRefreshTokenNotFound):
		return ErrTokenNotFound
	case errors.Is(err, authrepo.ErrSessionNotFound):
		return ErrSessionNotFound
	case errors.Is(err, authrepo.ErrTokenAlreadyRevoked):
		return ErrTokenRevoked
	case commonerrors.IsDomainError(err):
		return err
	default:
		return ErrStoreUnavailable.WithCause(err)
	}
}
