// Package cageerr defines the error taxonomy shared by every Cage component
// (spec.md §7). Components never panic or return bare errors across their
// public boundary; they return *cageerr.Error so the MCP Gateway, the CLI
// wrapper and any future transport can map a single, closed set of kinds to
// their own surface (JSON-RPC codes, process exit codes, HTTP statuses).
package cageerr

import "errors"

// Kind is one of the closed set of error kinds named in spec.md §7.
type Kind string

const (
	NotFound         Kind = "NotFound"
	SelectorInvalid  Kind = "SelectorInvalid"
	SelectorNotFound Kind = "SelectorNotFound"
	// SelectorAmbiguous is named in spec.md §4.1 but unused by this
	// implementation: the selector engine only ever returns non-overlapping
	// matches in document order, so no resolution is ever ambiguous. Kept in
	// the taxonomy so a future selector mode (e.g. fuzzy match) has a home.
	SelectorAmbiguous Kind = "SelectorAmbiguous"
	LockConflict      Kind = "LockConflict"
	LockUnknown       Kind = "LockUnknown"
	LockExpired       Kind = "LockExpired"
	StalePreimage     Kind = "StalePreimage"
	PathEscape        Kind = "PathEscape"
	IOError           Kind = "IOError"
	TaskConflict      Kind = "TaskConflict"
	TaskSchemaViolation Kind = "TaskSchemaViolation"
	RunNotFound       Kind = "RunNotFound"
	RunTerminal       Kind = "RunTerminal"
	Cancelled         Kind = "Cancelled"
	Timeout           Kind = "Timeout"
	ReviewerRejected  Kind = "ReviewerRejected"
	GitConflict       Kind = "GitConflict"
	Unauthorized      Kind = "Unauthorized"
)

// Error is the structured error every component returns across its public
// boundary. It never carries a secret (spec.md §7: "No secret is ever
// echoed back").
type Error struct {
	Kind         Kind   `json:"kind"`
	Message      string `json:"message"`
	RetryAfterMs int    `json:"retry_after_ms,omitempty"`
	PreHash      string `json:"pre_hash,omitempty"`
	LockID       string `json:"lock_id,omitempty"`
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// New constructs a plain Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WithRetry attaches a retry_after_ms hint and returns the same Error for chaining.
func (e *Error) WithRetry(ms int) *Error {
	e.RetryAfterMs = ms
	return e
}

// WithPreHash attaches the current pre_hash so the caller can retry a StalePreimage.
func (e *Error) WithPreHash(hash string) *Error {
	e.PreHash = hash
	return e
}

// WithLockID attaches the conflicting lock id so the caller can inspect or wait on it.
func (e *Error) WithLockID(id string) *Error {
	e.LockID = id
	return e
}

// KindOf returns the Kind of the *Error found in err's chain via errors.As,
// so an error wrapped with %w still reports its kind. The bool is false when
// the chain holds no *Error.
func KindOf(err error) (Kind, bool) {
	var ce *Error
	if !errors.As(err, &ce) {
		return "", false
	}
	return ce.Kind, true
}
