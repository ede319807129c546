package protocol

import "fmt"

// Kinded is implemented by every error in the §7 taxonomy so callers can
// classify a failure without a long type switch — they just call Kind().
type Kinded interface {
	error
	Kind() string
}

// ErrValidation corresponds to the ValidationError row of the taxonomy: a
// malformed envelope. It is rejected, logged, and causes no state change.
type ErrValidation struct {
	Reason string
}

func (e *ErrValidation) Error() string { return fmt.Sprintf("protocol: validation: %s", e.Reason) }
func (e *ErrValidation) Kind() string  { return "ValidationError" }

// ErrNoHandler corresponds to NoHandler: an envelope whose type has no
// registered handler. The message is dropped and logged only.
type ErrNoHandler struct {
	Type MessageType
}

func (e *ErrNoHandler) Error() string { return fmt.Sprintf("protocol: no handler for type %q", e.Type) }
func (e *ErrNoHandler) Kind() string  { return "NoHandler" }

// ErrIllegalStateTransition corresponds to IllegalStateTransition: a job
// service transition request that violates the state machine in §4.F.
type ErrIllegalStateTransition struct {
	From, To string
}

func (e *ErrIllegalStateTransition) Error() string {
	return fmt.Sprintf("protocol: illegal state transition %s -> %s", e.From, e.To)
}
func (e *ErrIllegalStateTransition) Kind() string { return "IllegalStateTransition" }

// ErrNotWritable corresponds to the Connection.send failure when the socket
// is already closed.
type ErrNotWritable struct {
	ConnectionID string
}

func (e *ErrNotWritable) Error() string {
	return fmt.Sprintf("protocol: connection %s is not writable", e.ConnectionID)
}
func (e *ErrNotWritable) Kind() string { return "NotWritable" }

// ErrHTTP corresponds to HttpError: a non-2xx response from the upstream
// source-control API. Status carries the HTTP status code and StatusText its
// reason phrase, so callers can classify 401/403/429/5xx without re-parsing.
type ErrHTTP struct {
	Status     int
	StatusText string
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("protocol: http error: %d %s", e.Status, e.StatusText)
}
func (e *ErrHTTP) Kind() string { return "HttpError" }

// ErrParse corresponds to ParseError: the upstream response body failed to
// parse as JSON even after the paginator's best-effort repair. Body holds at
// most the first 200 bytes, enough to diagnose without flooding logs.
type ErrParse struct {
	Body string
}

func (e *ErrParse) Error() string { return fmt.Sprintf("protocol: parse error: body=%q", e.Body) }
func (e *ErrParse) Kind() string  { return "ParseError" }

// ErrRefreshFailed corresponds to RefreshFailed: the token coordinator's
// provider-specific refresh call failed outright (as opposed to succeeding
// with refreshSuccessful=false on invalid_grant, which is also surfaced via
// this type so callers have one thing to check).
type ErrRefreshFailed struct {
	Reason string
}

func (e *ErrRefreshFailed) Error() string {
	return fmt.Sprintf("protocol: token refresh failed: %s", e.Reason)
}
func (e *ErrRefreshFailed) Kind() string { return "RefreshFailed" }
