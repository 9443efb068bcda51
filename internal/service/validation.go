package service

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// DefaultMinTokenLength 与配置 jobs.min_token_length 的默认值一致
const DefaultMinTokenLength = 10

var (
	listingPathPattern = regexp.MustCompile(`/rooms/(plus/)?\d+/?$`)
	tokenPattern       = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// FieldError names one invalid input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e FieldError) String() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationResult 纯函数校验结果
type ValidationResult struct {
	Valid  bool         `json:"valid"`
	Errors []FieldError `json:"errors"`
}

// Err returns a *ValidationError when invalid, nil otherwise.
func (r ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	return &ValidationError{Errors: r.Errors}
}

// ValidationError is returned for malformed client input and is never retried.
type ValidationError struct {
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		parts = append(parts, fe.String())
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Fields lists the offending field names in order.
func (e *ValidationError) Fields() []string {
	fields := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		fields = append(fields, fe.Field)
	}
	return fields
}

// Details 用于 HTTP 400 响应体
func (e *ValidationError) Details() []string {
	details := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		details = append(details, fe.String())
	}
	return details
}

// ValidateJobData checks the listing URL shape and the token format without any I/O.
func ValidateJobData(rawURL, token string) ValidationResult {
	return validateJobData(rawURL, token, DefaultMinTokenLength)
}

func validateJobData(rawURL, token string, minTokenLength int) ValidationResult {
	var errs []FieldError

	rawURL = strings.TrimSpace(rawURL)
	switch {
	case rawURL == "":
		errs = append(errs, FieldError{Field: "url", Message: "url is required"})
	default:
		if msg := checkListingURL(rawURL); msg != "" {
			errs = append(errs, FieldError{Field: "url", Message: msg})
		}
	}

	switch {
	case token == "":
		errs = append(errs, FieldError{Field: "token", Message: "token is required"})
	case len(token) < minTokenLength:
		errs = append(errs, FieldError{Field: "token", Message: fmt.Sprintf("token must be at least %d characters", minTokenLength)})
	case !tokenPattern.MatchString(token):
		errs = append(errs, FieldError{Field: "token", Message: "token may only contain letters, digits, '_' and '-'"})
	}

	if len(errs) == 0 {
		return ValidationResult{Valid: true, Errors: []FieldError{}}
	}
	return ValidationResult{Valid: false, Errors: errs}
}

func checkListingURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "url is not a valid absolute URL"
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "url must use http or https"
	}
	if !listingPathPattern.MatchString(u.Path) {
		return "url must point to a listing (/rooms/<id>)"
	}
	return ""
}
