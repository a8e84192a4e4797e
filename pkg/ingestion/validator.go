package ingestion

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/robopost/platform/pkg/common/models"
)

var (
	errInvalidSource = errors.New("invalid source")
	errInvalidURL    = errors.New("invalid url")
)

type ValidationError struct {
	reason error
}

func (e ValidationError) Error() string {
	return e.reason.Error()
}

func (e ValidationError) Unwrap() error {
	return e.reason
}

func IsValidationError(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

type Validator struct {
	allowedSchemes map[string]struct{}
	maxURLLength   int
}

func NewValidator(schemes []string, maxURLLength int) *Validator {
	vs := make(map[string]struct{})
	for _, s := range schemes {
		if trimmed := strings.TrimSpace(strings.ToLower(s)); trimmed != "" {
			vs[trimmed] = struct{}{}
		}
	}
	if len(vs) == 0 {
		vs["http"] = struct{}{}
		vs["https"] = struct{}{}
	}
	if maxURLLength <= 0 {
		maxURLLength = 2048
	}

	return &Validator{allowedSchemes: vs, maxURLLength: maxURLLength}
}

// Validate checks the request shape only. Whether the source exists or the
// URL was seen before is decided downstream.
func (v *Validator) Validate(req models.IngestRequest) error {
	if v == nil {
		return ValidationError{reason: errors.New("validator not initialised")}
	}

	if req.SourceID <= 0 {
		return ValidationError{reason: fmt.Errorf("source_id must be positive: %w", errInvalidSource)}
	}

	raw := strings.TrimSpace(req.URL)
	if raw == "" {
		return ValidationError{reason: fmt.Errorf("url required: %w", errInvalidURL)}
	}
	if len(raw) > v.maxURLLength {
		return ValidationError{reason: fmt.Errorf("url longer than %d bytes: %w", v.maxURLLength, errInvalidURL)}
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return ValidationError{reason: fmt.Errorf("%v: %w", err, errInvalidURL)}
	}
	if _, ok := v.allowedSchemes[strings.ToLower(parsed.Scheme)]; !ok {
		return ValidationError{reason: fmt.Errorf("scheme '%s' not allowed: %w", parsed.Scheme, errInvalidURL)}
	}
	if parsed.Host == "" {
		return ValidationError{reason: fmt.Errorf("url has no host: %w", errInvalidURL)}
	}

	return nil
}
