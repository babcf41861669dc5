// Package apierror maps internal domain errors onto the small fixed set of
// user-visible failure codes the core promises at its boundary. Transport
// concerns (HTTP status codes, gRPC codes) are out of scope here; this
// package only produces the {code, message} pair a transport adapter renders.
package apierror

import "errors"

// Code is one of the fixed set of user-visible failure codes.
type Code string

const (
	CodeNotFound                Code = "not_found"
	CodeUnauthorized             Code = "unauthorized"
	CodeInsufficientPermissions Code = "insufficient_permissions"
	CodeInvalidPayload          Code = "invalid_payload"
	CodeInvalidRequest          Code = "invalid_request"
	CodeConflict                Code = "conflict"
	CodeExecutionFailed         Code = "execution_failed"
	CodeAgentNotFound           Code = "agent_not_found"
	CodeInternal                Code = "internal_error"
)

// Error is the API-shaped failure object returned at the core's boundary.
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string { return string(e.Code) + ": " + e.Message }

// New constructs an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Sentinel domain errors. Subsystems wrap these with fmt.Errorf("...: %w", …)
// so callers can recover the boundary code via errors.Is without each
// subsystem redefining its own NotFound/Conflict variants.
var (
	// ErrNotFound indicates a missing run, ticket, snapshot, or other row a
	// reader was asked to return.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized indicates a caller lacks identity/authentication
	// required for the operation.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInsufficientPermissions indicates a permission evaluation rejected
	// the operation (tool NEVER, handoff denied, etc.).
	ErrInsufficientPermissions = errors.New("insufficient permissions")
	// ErrInvalidPayload indicates a request body failed schema or structural
	// validation.
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrInvalidRequest indicates a request is well-formed but semantically
	// invalid (unknown enum literal, malformed policy rule).
	ErrInvalidRequest = errors.New("invalid request")
	// ErrConflict indicates a state-machine violation: a terminal-state
	// transition or duplicate initialization.
	ErrConflict = errors.New("conflict")
	// ErrExecutionFailed indicates a run or tool invocation failed after
	// exhausting retries or reaching a terminal failure state.
	ErrExecutionFailed = errors.New("execution failed")
	// ErrAgentNotFound indicates a catalog lookup found no agent for a slug.
	ErrAgentNotFound = errors.New("agent not found")
)

// codeOrder fixes the precedence used when an error wraps more than one
// sentinel: the first entry in this table that the error matches wins,
// regardless of wrapping order.
var codeOrder = []struct {
	err  error
	code Code
}{
	{ErrAgentNotFound, CodeAgentNotFound},
	{ErrNotFound, CodeNotFound},
	{ErrUnauthorized, CodeUnauthorized},
	{ErrInsufficientPermissions, CodeInsufficientPermissions},
	{ErrInvalidPayload, CodeInvalidPayload},
	{ErrInvalidRequest, CodeInvalidRequest},
	{ErrConflict, CodeConflict},
	{ErrExecutionFailed, CodeExecutionFailed},
}

// FromError maps err onto its API-shaped representation. Errors not wrapping
// any recognized sentinel map to CodeInternal. If err already is (or wraps)
// an *Error, that value is returned unchanged.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	for _, c := range codeOrder {
		if errors.Is(err, c.err) {
			return New(c.code, err.Error())
		}
	}
	return New(CodeInternal, err.Error())
}
