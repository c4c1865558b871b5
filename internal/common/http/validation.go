package http

import (
	"github.com/google/uuid"

	commonerrors "github.com/DKeken/axion-stack-sub001/internal/common/errors"
)

// ValidateUUID rejects path identifiers that could never name a record.
func ValidateUUID(s string) error {
	if s == "" {
		return commonerrors.ErrInvalidPayload
	}
	if _, err := uuid.Parse(s); err != nil {
		return commonerrors.ErrInvalidPayload.WithCause(err)
	}
	return nil
}
