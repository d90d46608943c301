package orchestrator

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/smartdevs17/indexcheck/pkg/utils"
)

// maxRequestURLs bounds the explicit URL list of one request
const maxRequestURLs = 1000

// ValidationError describes one invalid request field
type ValidationError struct {
	Field   string `json:"field"`
	Type    string `json:"type"`
	Message string `json:"message"`
	Value   string `json:"value,omitempty"`
}

// ValidationResult contains validation results
type ValidationResult struct {
	Valid  bool               `json:"valid"`
	Errors []*ValidationError `json:"errors,omitempty"`
}

// RequestValidator checks action requests before any work is planned
type RequestValidator struct {
	maxURLs int
}

// NewRequestValidator creates a request validator
func NewRequestValidator() *RequestValidator {
	return &RequestValidator{maxURLs: maxRequestURLs}
}

// Validate returns a validation AppError listing every problem with req
func (v *RequestValidator) Validate(req *Request) error {
	result := v.ValidateDetailed(req)
	if result.Valid {
		return nil
	}
	messages := make([]string, 0, len(result.Errors))
	for _, e := range result.Errors {
		messages = append(messages, fmt.Sprintf("%s: %s", e.Field, e.Message))
	}
	return utils.NewAppError(utils.ErrCodeValidation, "Invalid action request", strings.Join(messages, "; "))
}

// ValidateDetailed validates req and returns every error found
func (v *RequestValidator) ValidateDetailed(req *Request) *ValidationResult {
	result := &ValidationResult{}

	if strings.TrimSpace(req.UserID) == "" {
		result.add("user_id", "required", "User id is required", "")
	}
	if !req.Action.Valid() {
		result.add("action", "format", "Action must be check or reindex", string(req.Action))
	}
	if len(req.SiteIDs) == 0 {
		result.add("site_ids", "required", "At least one site is required", "")
	}

	if len(req.URLs) > v.maxURLs {
		result.add("urls", "range", fmt.Sprintf("At most %d URLs per request", v.maxURLs), "")
	}
	for _, raw := range req.URLs {
		u, err := url.Parse(strings.TrimSpace(raw))
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			result.add("urls", "format", "URL must be an absolute http or https URL", raw)
		}
	}

	result.Valid = len(result.Errors) == 0
	return result
}

func (r *ValidationResult) add(field, kind, message, value string) {
	r.Errors = append(r.Errors, &ValidationError{
		Field:   field,
		Type:    kind,
		Message: message,
		Value:   value,
	})
}
