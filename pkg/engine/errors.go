package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: backend timeouts, an unreachable host agent.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates a topology state conflict.
	// Examples: a host already bound to another host group, a duplicate cluster.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid blueprint, unknown host group, missing required property.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the cluster, host group or host that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if e.Resource != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Class, msg, e.Err.Error())
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if the error can be retried.
func IsRetryable(err error) bool {
	return IsTransient(err)
}

// ErrorCode returns the code of the first EngineError in the chain, or "".
func ErrorCode(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Common error codes.
const (
	ErrCodeValidation    = "VALIDATION_ERROR"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeAlreadyExists = "ALREADY_EXISTS"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeTimeout       = "TIMEOUT"
	ErrCodeInternal      = "INTERNAL_ERROR"
	ErrCodeBackendFailed = "BACKEND_FAILED"
	ErrCodePolicyDenied  = "POLICY_DENIED"
)

// TopologyValidationError aggregates every cardinality and dependency
// violation found by a single ValidateTopology pass.
type TopologyValidationError struct {
	// CardinalityFailures lists entries of the form COMPONENT(actual=N, required=C).
	CardinalityFailures []string

	// UnresolvedDependencies maps a host group (or "cluster") to its missing components.
	UnresolvedDependencies map[string][]string
}

// Error implements the error interface.
func (e *TopologyValidationError) Error() string {
	var b strings.Builder
	b.WriteString("cluster topology validation failed.")
	if len(e.CardinalityFailures) > 0 {
		fmt.Fprintf(&b, " Invalid service component count: [%s]", strings.Join(e.CardinalityFailures, ", "))
	}
	if len(e.UnresolvedDependencies) > 0 {
		groups := make([]string, 0, len(e.UnresolvedDependencies))
		for g := range e.UnresolvedDependencies {
			groups = append(groups, g)
		}
		sort.Strings(groups)
		parts := make([]string, 0, len(groups))
		for _, g := range groups {
			parts = append(parts, fmt.Sprintf("%s=[%s]", g, strings.Join(e.UnresolvedDependencies[g], ", ")))
		}
		fmt.Fprintf(&b, " Unresolved component dependencies: {%s}", strings.Join(parts, ", "))
	}
	return b.String()
}

// MissingPropertiesError names every (host group, config type, property)
// triple that has no value in the operator supplied configuration.
type MissingPropertiesError struct {
	// Missing maps host group -> config type -> property names.
	Missing map[string]map[string][]string
}

// Error implements the error interface.
func (e *MissingPropertiesError) Error() string {
	groups := make([]string, 0, len(e.Missing))
	for g := range e.Missing {
		groups = append(groups, g)
	}
	sort.Strings(groups)

	var parts []string
	for _, g := range groups {
		types := make([]string, 0, len(e.Missing[g]))
		for t := range e.Missing[g] {
			types = append(types, t)
		}
		sort.Strings(types)
		for _, t := range types {
			parts = append(parts, fmt.Sprintf("%s/%s=[%s]", g, t, strings.Join(e.Missing[g][t], ", ")))
		}
	}
	return "missing required properties, specify a value for these properties in the blueprint configuration: " +
		strings.Join(parts, "; ")
}

// SecretReferenceError lists configuration properties that still hold
// secret references instead of materialized values.
type SecretReferenceError struct {
	// Properties are formatted as "Config:<type> Property:<name>".
	Properties []string
}

// Error implements the error interface.
func (e *SecretReferenceError) Error() string {
	return "secret references are not allowed in blueprints, replace the following properties with real passwords: " +
		strings.Join(e.Properties, ", ")
}

// validationFailure wraps a detailed validation error in a permanent EngineError.
func validationFailure(message string, err error) *EngineError {
	return NewPermanentError(message, err).WithCode(ErrCodeValidation)
}
