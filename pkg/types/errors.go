package types

import "fmt"

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrorTypeAuthentication ErrorType = "authentication"
	ErrorTypeValidation     ErrorType = "validation"
	ErrorTypeRateLimit      ErrorType = "rate_limit"
	ErrorTypeUnavailable    ErrorType = "unavailable"
	ErrorTypeInternal       ErrorType = "internal"
)

// GatewayError represents a structured error in the gateway
type GatewayError struct {
	Type    ErrorType              `json:"type"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface
func (e *GatewayError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error
func (e *GatewayError) Unwrap() error {
	return e.Cause
}

// NewAuthenticationError creates a new authentication error
func NewAuthenticationError(code, message string) *GatewayError {
	return &GatewayError{
		Type:    ErrorTypeAuthentication,
		Code:    code,
		Message: message,
	}
}

// NewValidationError creates a new validation error
func NewValidationError(code, message string, details map[string]interface{}) *GatewayError {
	return &GatewayError{
		Type:    ErrorTypeValidation,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// NewRateLimitError creates a new rate limit error
func NewRateLimitError(code, message string) *GatewayError {
	return &GatewayError{
		Type:    ErrorTypeRateLimit,
		Code:    code,
		Message: message,
	}
}

// NewUnavailableError creates a new unavailable error
func NewUnavailableError(code, message string, cause error) *GatewayError {
	return &GatewayError{
		Type:    ErrorTypeUnavailable,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// NewInternalError creates a new internal error
func NewInternalError(code, message string, cause error) *GatewayError {
	return &GatewayError{
		Type:    ErrorTypeInternal,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Credential error codes, one per rejection reason
const (
	ErrCodeMissingCredential   = "MISSING_CREDENTIAL"
	ErrCodeMalformedCredential = "MALFORMED_CREDENTIAL"
	ErrCodeInvalidSignature    = "INVALID_SIGNATURE"
	ErrCodeTokenExpired        = "TOKEN_EXPIRED"
	ErrCodeIssuerMismatch      = "ISSUER_MISMATCH"
	ErrCodeMissingSubject      = "MISSING_SUBJECT"
)

// Admission control and infrastructure error codes
const (
	ErrCodeRateLimitExceeded      = "RATE_LIMIT_EXCEEDED"
	ErrCodeRateLimiterUnavailable = "RATE_LIMITER_UNAVAILABLE"
	ErrCodeMissingAPIKey          = "MISSING_API_KEY"
	ErrCodeInternalError          = "INTERNAL_ERROR"
)
