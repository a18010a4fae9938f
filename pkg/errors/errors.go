// Package errors provides the error taxonomy for conductor.
//
// Every error returned by the core wraps one of the sentinel kinds below, so
// callers classify failures with errors.Is. Validation errors are surfaced
// verbatim and never retried; state-machine violations leave state unchanged.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Sentinel kinds.
var (
	ErrNotFound            = stderrors.New("not found")
	ErrDuplicateAgent      = stderrors.New("duplicate agent")
	ErrAlreadyExists       = stderrors.New("already exists")
	ErrAgentBusy           = stderrors.New("agent busy")
	ErrAgentUnavailable    = stderrors.New("agent unavailable")
	ErrInvalidTransition   = stderrors.New("invalid transition")
	ErrNotDelivered        = stderrors.New("message not delivered")
	ErrNotRecipient        = stderrors.New("not a recipient")
	ErrStaleSample         = stderrors.New("stale sample")
	ErrDefinitionNotActive = stderrors.New("definition not active")
	ErrValidation          = stderrors.New("validation failed")
	ErrUnknownRecipient    = stderrors.New("unknown recipient")
	ErrCyclicWorkflow      = stderrors.New("cyclic workflow definition")
	ErrTimeout             = stderrors.New("timeout")
	ErrClosed              = stderrors.New("closed")
)

// Error carries a kind together with the entity it concerns.
type Error struct {
	Kind    error
	Entity  string
	ID      string
	Message string
}

func (e *Error) Error() string {
	var prefix string
	switch {
	case e.Entity != "" && e.ID != "":
		prefix = fmt.Sprintf("%s %q: ", e.Entity, e.ID)
	case e.Entity != "":
		prefix = e.Entity + ": "
	}
	if e.Message == "" {
		return prefix + e.Kind.Error()
	}
	return prefix + e.Kind.Error() + ": " + e.Message
}

// Unwrap exposes the kind to errors.Is.
func (e *Error) Unwrap() error { return e.Kind }

// New builds an Error of the given kind.
func New(kind error, entity, id, format string, args ...interface{}) error {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return &Error{Kind: kind, Entity: entity, ID: id, Message: msg}
}

// NotFound reports a missing entity.
func NotFound(entity, id string) error {
	return &Error{Kind: ErrNotFound, Entity: entity, ID: id}
}

// InvalidTransition reports a rejected state change.
func InvalidTransition(entity, id string, from, to interface{}) error {
	return &Error{Kind: ErrInvalidTransition, Entity: entity, ID: id, Message: fmt.Sprintf("%v -> %v", from, to)}
}

// Validation reports a malformed request.
func Validation(entity, format string, args ...interface{}) error {
	return New(ErrValidation, entity, "", format, args...)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool { return stderrors.As(err, target) }

// IsNotFound reports whether err is a missing-entity error.
func IsNotFound(err error) bool { return stderrors.Is(err, ErrNotFound) }

// IsValidation reports whether err is a malformed-request error.
func IsValidation(err error) bool {
	return stderrors.Is(err, ErrValidation) ||
		stderrors.Is(err, ErrUnknownRecipient) ||
		stderrors.Is(err, ErrCyclicWorkflow)
}

// IsStateViolation reports whether err is a rejected state-machine move.
func IsStateViolation(err error) bool {
	return stderrors.Is(err, ErrInvalidTransition) ||
		stderrors.Is(err, ErrNotDelivered) ||
		stderrors.Is(err, ErrNotRecipient)
}

// APIError represents an API error
type APIError struct {
	Code    int    `json:"code"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Code, e.Message)
}

// ToAPIError maps err onto an HTTP status code.
func ToAPIError(err error) *APIError {
	var apiErr *APIError
	if stderrors.As(err, &apiErr) {
		return apiErr
	}
	code, kind := http.StatusInternalServerError, "internal"
	switch {
	case stderrors.Is(err, ErrNotFound):
		code, kind = http.StatusNotFound, "not_found"
	case stderrors.Is(err, ErrDuplicateAgent), stderrors.Is(err, ErrAlreadyExists):
		code, kind = http.StatusConflict, "duplicate"
	case IsValidation(err):
		code, kind = http.StatusBadRequest, "validation"
	case IsStateViolation(err):
		code, kind = http.StatusConflict, "invalid_transition"
	case stderrors.Is(err, ErrAgentBusy), stderrors.Is(err, ErrAgentUnavailable):
		code, kind = http.StatusConflict, "agent_busy"
	case stderrors.Is(err, ErrStaleSample):
		code, kind = http.StatusConflict, "stale_sample"
	case stderrors.Is(err, ErrDefinitionNotActive):
		code, kind = http.StatusUnprocessableEntity, "definition_not_active"
	case stderrors.Is(err, ErrTimeout):
		code, kind = http.StatusGatewayTimeout, "timeout"
	case stderrors.Is(err, ErrClosed):
		code, kind = http.StatusServiceUnavailable, "unavailable"
	}
	return &APIError{Code: code, Kind: kind, Message: err.Error()}
}
