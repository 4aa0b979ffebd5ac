package ldap

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

var (
	// ErrNotImplemented is returned when no rebind callback mechanism is
	// available for a connection handle.
	ErrNotImplemented = errors.New("rebind callback not implemented")

	// ErrOutOfMemory is returned when a rebind entry cannot be allocated from
	// its owning scope.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrInvalidHandle is returned for nil or non-comparable connection handles.
	ErrInvalidHandle = errors.New("invalid connection handle")

	// ErrScopeDestroyed is returned when the owning scope was torn down while
	// an entry was being added.
	ErrScopeDestroyed = errors.New("owning scope destroyed")
)

// ErrorCategory represents different categories of LDAP errors.
type ErrorCategory string

const (
	ErrorCategoryConnection     ErrorCategory = "connection"
	ErrorCategoryAuthentication ErrorCategory = "authentication"
	ErrorCategoryPermission     ErrorCategory = "permission"
	ErrorCategoryReferral       ErrorCategory = "referral"
	ErrorCategoryResource       ErrorCategory = "resource"
	ErrorCategoryNotImplemented ErrorCategory = "not_implemented"
	ErrorCategoryValidation     ErrorCategory = "validation"
	ErrorCategoryServer         ErrorCategory = "server"
	ErrorCategoryUnknown        ErrorCategory = "unknown"
)

// LDAPError provides enhanced error information for LDAP operations.
type LDAPError struct {
	Operation string        // The operation that failed
	Category  ErrorCategory // Error category
	LDAPCode  uint16        // LDAP result code
	Message   string        // Human-readable message
	ServerMsg string        // Server-provided message
	DN        string        // DN involved in the operation (if applicable)
	URL       string        // Referral URL involved in the operation (if applicable)
	Retryable bool          // Whether the error is retryable
	Cause     error         // Underlying error
}

func (e *LDAPError) Error() string {
	var parts []string

	if e.LDAPCode > 0 {
		parts = append(parts, fmt.Sprintf("LDAP %s failed (code %d)", e.Operation, e.LDAPCode))
	} else {
		parts = append(parts, fmt.Sprintf("LDAP %s failed", e.Operation))
	}

	if e.Message != "" {
		parts = append(parts, e.Message)
	}

	if e.ServerMsg != "" && e.ServerMsg != e.Message {
		parts = append(parts, fmt.Sprintf("server: %s", e.ServerMsg))
	}

	if e.DN != "" {
		parts = append(parts, fmt.Sprintf("DN: %s", e.DN))
	}

	if e.URL != "" {
		parts = append(parts, fmt.Sprintf("URL: %s", e.URL))
	}

	return strings.Join(parts, " - ")
}

func (e *LDAPError) IsRetryable() bool {
	return e.Retryable
}

func (e *LDAPError) Unwrap() error {
	return e.Cause
}

// NewLDAPError creates a new LDAP error.
func NewLDAPError(operation string, err error) *LDAPError {
	if err == nil {
		return nil
	}

	ldapErr := &LDAPError{
		Operation: operation,
		Cause:     err,
	}

	// Extract LDAP-specific information
	var resultErr *ldap.Error
	switch {
	case errors.As(err, &resultErr):
		ldapErr.LDAPCode = resultErr.ResultCode
		if resultErr.Err != nil {
			ldapErr.ServerMsg = resultErr.Err.Error()
		}
		ldapErr.Category = categorizeError(resultErr.ResultCode)
		ldapErr.Retryable = isLDAPCodeRetryable(resultErr.ResultCode)
		ldapErr.Message = getLDAPCodeMessage(resultErr.ResultCode)
	case errors.Is(err, ErrNotImplemented):
		ldapErr.LDAPCode = ldap.LDAPResultNotSupported
		ldapErr.Category = ErrorCategoryNotImplemented
		ldapErr.Message = err.Error()
	case errors.Is(err, ErrOutOfMemory):
		ldapErr.LDAPCode = ldap.LDAPResultNoMemory
		ldapErr.Category = ErrorCategoryResource
		ldapErr.Message = err.Error()
	case errors.Is(err, ErrInvalidHandle):
		ldapErr.LDAPCode = ldap.LDAPResultParamError
		ldapErr.Category = ErrorCategoryValidation
		ldapErr.Message = err.Error()
	default:
		// Non-LDAP error, categorize by error message
		ldapErr.Category = categorizeGenericError(err)
		ldapErr.Retryable = isGenericErrorRetryable(err)
		ldapErr.Message = err.Error()
	}

	return ldapErr
}

// categorizeError categorizes an error based on LDAP result code.
func categorizeError(code uint16) ErrorCategory {
	switch code {
	case ldap.LDAPResultSuccess:
		return ErrorCategoryUnknown // Should not happen for errors

	// Authentication errors
	case ldap.LDAPResultInvalidCredentials,
		ldap.LDAPResultInappropriateAuthentication,
		ldap.LDAPResultStrongAuthRequired,
		ldap.LDAPResultAuthMethodNotSupported,
		ldap.LDAPResultConfidentialityRequired:
		return ErrorCategoryAuthentication

	// Permission errors
	case ldap.LDAPResultInsufficientAccessRights,
		ldap.LDAPResultUnwillingToPerform:
		return ErrorCategoryPermission

	// Referral errors
	case ldap.LDAPResultReferral,
		ldap.LDAPResultReferralLimitExceeded,
		ldap.LDAPResultClientLoop,
		ldap.LDAPResultLoopDetect:
		return ErrorCategoryReferral

	// Client-side resource and capability errors
	case ldap.LDAPResultNoMemory:
		return ErrorCategoryResource
	case ldap.LDAPResultNotSupported:
		return ErrorCategoryNotImplemented

	// Validation errors
	case ldap.LDAPResultInvalidDNSyntax,
		ldap.LDAPResultParamError,
		ldap.LDAPResultFilterError:
		return ErrorCategoryValidation

	// Server errors
	case ldap.LDAPResultServerDown,
		ldap.LDAPResultUnavailable,
		ldap.LDAPResultBusy,
		ldap.LDAPResultTimeLimitExceeded,
		ldap.LDAPResultAdminLimitExceeded:
		return ErrorCategoryServer

	// Connection errors
	case ldap.LDAPResultConnectError,
		ldap.LDAPResultProtocolError,
		ldap.LDAPResultTimeout,
		ldap.ErrorNetwork:
		return ErrorCategoryConnection

	default:
		return ErrorCategoryUnknown
	}
}

// categorizeGenericError categorizes non-LDAP errors.
func categorizeGenericError(err error) ErrorCategory {
	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "network") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset") {
		return ErrorCategoryConnection
	}

	if strings.Contains(errStr, "authentication") ||
		strings.Contains(errStr, "credentials") ||
		strings.Contains(errStr, "password") {
		return ErrorCategoryAuthentication
	}

	if strings.Contains(errStr, "referral") {
		return ErrorCategoryReferral
	}

	return ErrorCategoryUnknown
}

// isLDAPCodeRetryable determines if an LDAP error code indicates a retryable condition.
func isLDAPCodeRetryable(code uint16) bool {
	switch code {
	case ldap.LDAPResultBusy,
		ldap.LDAPResultUnavailable,
		ldap.LDAPResultServerDown,
		ldap.LDAPResultTimeLimitExceeded,
		ldap.LDAPResultConnectError,
		ldap.ErrorNetwork:
		return true
	default:
		return false
	}
}

// isGenericErrorRetryable determines if a generic error is retryable.
func isGenericErrorRetryable(err error) bool {
	errStr := strings.ToLower(err.Error())

	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"network",
		"broken pipe",
		"temporary failure",
		"server temporarily unavailable",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// getLDAPCodeMessage returns a human-readable message for an LDAP result code.
func getLDAPCodeMessage(code uint16) string {
	switch code {
	case ldap.LDAPResultSuccess:
		return "Operation completed successfully"
	case ldap.LDAPResultOperationsError:
		return "LDAP operations error"
	case ldap.LDAPResultProtocolError:
		return "LDAP protocol error"
	case ldap.LDAPResultTimeLimitExceeded:
		return "LDAP time limit exceeded"
	case ldap.LDAPResultAuthMethodNotSupported:
		return "Authentication method not supported"
	case ldap.LDAPResultStrongAuthRequired:
		return "Strong authentication required"
	case ldap.LDAPResultReferral:
		return "LDAP referral"
	case ldap.LDAPResultAdminLimitExceeded:
		return "Administrative limit exceeded"
	case ldap.LDAPResultConfidentialityRequired:
		return "Confidentiality required"
	case ldap.LDAPResultInvalidDNSyntax:
		return "Invalid DN syntax"
	case ldap.LDAPResultInappropriateAuthentication:
		return "Inappropriate authentication method"
	case ldap.LDAPResultInvalidCredentials:
		return "Invalid credentials"
	case ldap.LDAPResultInsufficientAccessRights:
		return "Insufficient access rights"
	case ldap.LDAPResultBusy:
		return "Server is busy"
	case ldap.LDAPResultUnavailable:
		return "Server is unavailable"
	case ldap.LDAPResultUnwillingToPerform:
		return "Server is unwilling to perform the operation"
	case ldap.LDAPResultLoopDetect:
		return "Loop detected"
	case ldap.LDAPResultServerDown:
		return "Server is down"
	case ldap.LDAPResultLocalError:
		return "Local error occurred"
	case ldap.LDAPResultTimeout:
		return "Operation timed out"
	case ldap.LDAPResultAuthUnknown:
		return "Unknown authentication method"
	case ldap.LDAPResultFilterError:
		return "Invalid search filter"
	case ldap.LDAPResultParamError:
		return "Parameter error"
	case ldap.LDAPResultNoMemory:
		return "Out of memory"
	case ldap.LDAPResultConnectError:
		return "Connection error"
	case ldap.LDAPResultNotSupported:
		return "Operation not supported"
	case ldap.LDAPResultClientLoop:
		return "Client loop detected"
	case ldap.LDAPResultReferralLimitExceeded:
		return "Referral limit exceeded"
	default:
		return fmt.Sprintf("Unknown LDAP error (code %d)", code)
	}
}

// WrapError wraps an error with operation context.
func WrapError(operation string, err error) error {
	if err == nil {
		return nil
	}

	var ldapErr *LDAPError
	if errors.As(err, &ldapErr) {
		// Already wrapped, just update operation if needed
		if ldapErr.Operation == "" {
			ldapErr.Operation = operation
		}
		return err
	}

	return NewLDAPError(operation, err)
}

// ResultCode maps an error returned by a rebind operation to the LDAP result
// code reported back to the protocol layer.
func ResultCode(err error) uint16 {
	if err == nil {
		return ldap.LDAPResultSuccess
	}

	var ldapErr *LDAPError
	if errors.As(err, &ldapErr) && ldapErr.LDAPCode > 0 {
		return ldapErr.LDAPCode
	}

	var resultErr *ldap.Error
	if errors.As(err, &resultErr) {
		return resultErr.ResultCode
	}

	switch {
	case errors.Is(err, ErrNotImplemented):
		return ldap.LDAPResultNotSupported
	case errors.Is(err, ErrOutOfMemory):
		return ldap.LDAPResultNoMemory
	case errors.Is(err, ErrInvalidHandle):
		return ldap.LDAPResultParamError
	default:
		return ldap.LDAPResultOther
	}
}

// IsRetryableError checks if an error is retryable.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var retryable RetryableError
	if errors.As(err, &retryable) {
		return retryable.IsRetryable()
	}

	var resultErr *ldap.Error
	if errors.As(err, &resultErr) {
		return isLDAPCodeRetryable(resultErr.ResultCode)
	}

	// Check for generic retryable conditions
	return isGenericErrorRetryable(err)
}

// GetErrorCategory returns the category of an error.
func GetErrorCategory(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryUnknown
	}

	var ldapErr *LDAPError
	if errors.As(err, &ldapErr) {
		return ldapErr.Category
	}

	// Check for raw go-ldap library errors
	var resultErr *ldap.Error
	if errors.As(err, &resultErr) {
		return categorizeError(resultErr.ResultCode)
	}

	switch {
	case errors.Is(err, ErrNotImplemented):
		return ErrorCategoryNotImplemented
	case errors.Is(err, ErrOutOfMemory):
		return ErrorCategoryResource
	case errors.Is(err, ErrInvalidHandle):
		return ErrorCategoryValidation
	}

	return categorizeGenericError(err)
}

// IsAuthenticationError checks if an error indicates an authentication problem.
func IsAuthenticationError(err error) bool {
	return GetErrorCategory(err) == ErrorCategoryAuthentication
}

// IsNotImplementedError checks if an error indicates a missing rebind mechanism.
func IsNotImplementedError(err error) bool {
	return GetErrorCategory(err) == ErrorCategoryNotImplemented
}

// RetryableError indicates an error that can be retried.
type RetryableError interface {
	error
	IsRetryable() bool
}

// ConnectionError represents connection-related errors.
type ConnectionError struct {
	message   string
	retryable bool
	cause     error
}

func (e *ConnectionError) Error() string {
	if e.cause != nil {
		return e.message + ": " + e.cause.Error()
	}
	return e.message
}

func (e *ConnectionError) IsRetryable() bool {
	return e.retryable
}

func (e *ConnectionError) Unwrap() error {
	return e.cause
}

// NewConnectionError creates a new connection error.
func NewConnectionError(message string, retryable bool, cause error) *ConnectionError {
	return &ConnectionError{
		message:   message,
		retryable: retryable,
		cause:     cause,
	}
}
