package service

import (
	"errors"
	"reflect"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/go-playground/validator/v10"
)

// IssueInput describes a verified identity asking for a new session.
type IssueInput struct {
	UserID      string        `json:"userId" validate:"required,max=128,printascii"`
	Fingerprint string        `json:"fingerprint" validate:"required,min=8,max=1024"`
	Email       string        `json:"email" validate:"omitempty,email,max=254"`
	DeviceInfo  string        `json:"deviceInfo" validate:"max=512"`
	UserAgent   string        `json:"userAgent" validate:"max=1024"`
	IPAddress   string        `json:"ipAddress" validate:"omitempty,ip"`
	TTLOverride time.Duration `json:"ttlOverride" validate:"omitempty,min=1m,max=2160h"`
}

type RefreshInput struct {
	RefreshToken string `json:"refreshToken" validate:"-"`
	Fingerprint  string `json:"fingerprint" validate:"max=1024"`
}

type CredentialsInput struct {
	Username string `json:"username" validate:"required,min=3,max=32,username"`
	Password string `json:"password" validate:"required,min=8,max=72,password"`
}

type DeviceInput struct {
	UserID      string `json:"userId" validate:"required,max=128"`
	Fingerprint string `json:"fingerprint" validate:"required,min=8,max=1024"`
}

var usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("username", func(fl validator.FieldLevel) bool {
		return isValidUsername(fl.Field().String())
	})
	_ = v.RegisterValidation("password", func(fl validator.FieldLevel) bool {
		return isValidPassword(fl.Field().String())
	})
	return v
}

// validateInput runs the struct rules and folds every failure into one
// ValidationError.
func validateInput(input any) error {
	err := validate.Struct(input)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return ErrValidation.WithCause(err)
	}

	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		reason := fe.Tag()
		if fe.Param() != "" {
			reason += "=" + fe.Param()
		}
		fields[fe.Field()] = reason
	}
	return &ValidationError{Fields: fields}
}

// validateAll validates each input and merges the field failures.
func validateAll(inputs ...any) error {
	var merged *ValidationError
	for _, input := range inputs {
		err := validateInput(input)
		if err == nil {
			continue
		}
		var verr *ValidationError
		if !errors.As(err, &verr) {
			return err
		}
		if merged == nil {
			merged = &ValidationError{Fields: make(map[string]string)}
		}
		for field, reason := range verr.Fields {
			merged.Fields[field] = reason
		}
	}
	if merged == nil {
		return nil
	}
	return merged
}

func isValidUsername(value string) bool {
	if value == "" || !usernameRegex.MatchString(value) {
		return false
	}

	if !unicode.IsLetter(rune(value[0])) && !unicode.IsDigit(rune(value[0])) {
		return false
	}

	if !unicode.IsLetter(rune(value[len(value)-1])) && !unicode.IsDigit(rune(value[len(value)-1])) {
		return false
	}

	return true
}

func isValidPassword(value string) bool {
	hasLetter := false
	hasDigit := false

	for _, r := range value {
		if unicode.IsLetter(r) {
			hasLetter = true
		}
		if unicode.IsDigit(r) {
			hasDigit = true
		}
		if hasLetter && hasDigit {
			return true
		}
	}

	return false
}
