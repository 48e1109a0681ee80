package errors

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/multierr"
)

// ErrorType categorizes domain errors
type ErrorType string

const (
	ErrorTypeValidation    ErrorType = "validation"
	ErrorTypeIO            ErrorType = "io"
	ErrorTypeInternal      ErrorType = "internal"
	ErrorTypeTimeout       ErrorType = "timeout"
	ErrorTypeCancelled     ErrorType = "cancelled"
	ErrorTypeSpawn         ErrorType = "spawn"
	ErrorTypeProcessIO     ErrorType = "process_io"
	ErrorTypePolicyGiveUp  ErrorType = "policy_give_up"
	ErrorTypeNoSuchProcess ErrorType = "no_such_process"
	ErrorTypeProcess       ErrorType = "process"
)

// DomainError is the error type returned by all supervisor packages.
// Context carries key/value diagnostics that are rendered into Error().
type DomainError struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]interface{}
}

func (e *DomainError) Error() string {
	var sb strings.Builder
	sb.WriteString(string(e.Type))
	sb.WriteString(": ")
	sb.WriteString(e.Message)

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		sb.WriteString(" [")
		sb.WriteString(strings.Join(parts, ", "))
		sb.WriteString("]")
	}

	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is matches another DomainError of the same type, so errors.Is(err, &DomainError{Type: ...}) works.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return t.Type == e.Type && (t.Message == "" || t.Message == e.Message)
}

// WithContext adds a diagnostic key/value and returns the same error for chaining
func (e *DomainError) WithContext(key string, value interface{}) *DomainError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func newError(errType ErrorType, message string, cause error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Cause:   cause,
	}
}

func NewValidationError(message string, cause error) *DomainError {
	return newError(ErrorTypeValidation, message, cause)
}

func NewIOError(message string, cause error) *DomainError {
	return newError(ErrorTypeIO, message, cause)
}

func NewInternalError(message string, cause error) *DomainError {
	return newError(ErrorTypeInternal, message, cause)
}

func NewTimeoutError(message string, cause error) *DomainError {
	return newError(ErrorTypeTimeout, message, cause)
}

func NewCancelledError(message string, cause error) *DomainError {
	return newError(ErrorTypeCancelled, message, cause)
}

func NewProcessError(message string, cause error) *DomainError {
	return newError(ErrorTypeProcess, message, cause)
}

// NewSpawnError reports a process that could not be launched (bad executable or working directory)
func NewSpawnError(message string, cause error) *DomainError {
	return newError(ErrorTypeSpawn, message, cause)
}

// NewProcessIOError reports a failure while forwarding a managed process output stream
func NewProcessIOError(message string, cause error) *DomainError {
	return newError(ErrorTypeProcessIO, message, cause)
}

// NewPolicyGiveUpError reports that the restart ceiling was exceeded
func NewPolicyGiveUpError(message string, cause error) *DomainError {
	return newError(ErrorTypePolicyGiveUp, message, cause)
}

// NewNoSuchProcessError reports a signal sent to a process that has already exited
func NewNoSuchProcessError(message string, cause error) *DomainError {
	return newError(ErrorTypeNoSuchProcess, message, cause)
}

// IsType reports whether any error in err's chain is a DomainError of the given type
func IsType(err error, errType ErrorType) bool {
	var de *DomainError
	for err != nil {
		if errors.As(err, &de) {
			if de.Type == errType {
				return true
			}
			err = de.Cause
			continue
		}
		return false
	}
	return false
}

func IsValidationError(err error) bool    { return IsType(err, ErrorTypeValidation) }
func IsSpawnError(err error) bool         { return IsType(err, ErrorTypeSpawn) }
func IsProcessIOError(err error) bool     { return IsType(err, ErrorTypeProcessIO) }
func IsPolicyGiveUpError(err error) bool  { return IsType(err, ErrorTypePolicyGiveUp) }
func IsNoSuchProcessError(err error) bool { return IsType(err, ErrorTypeNoSuchProcess) }
func IsTimeoutError(err error) bool       { return IsType(err, ErrorTypeTimeout) }

// ErrorCollection accumulates independent failures, e.g. when closing several resources
type ErrorCollection struct {
	err error
}

func NewErrorCollection() *ErrorCollection {
	return &ErrorCollection{}
}

func (c *ErrorCollection) Add(err error) {
	c.err = multierr.Append(c.err, err)
}

func (c *ErrorCollection) HasErrors() bool {
	return c.err != nil
}

func (c *ErrorCollection) Errors() []error {
	return multierr.Errors(c.err)
}

// ToError returns nil when nothing was collected
func (c *ErrorCollection) ToError() error {
	return c.err
}
