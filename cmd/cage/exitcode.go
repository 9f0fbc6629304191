package main

import "github.com/cagehq/cage/pkg/cageerr"

// Exit codes per spec.md §6.
const (
	exitOK               = 0
	exitInvalidArguments = 2
	exitValidationFailed = 3
	exitLockConflict     = 4
	exitStalePreimage    = 5
	exitIOOrGitFailure   = 6
)

// exitCodeFor maps the deepest cageerr.Kind of err to a process exit code.
// Errors that are not a *cageerr.Error (cobra usage errors, flag parsing)
// fall back to exitInvalidArguments.
func exitCodeFor(err error) int {
	if err == nil {
		return exitOK
	}
	kind, ok := cageerr.KindOf(err)
	if !ok {
		return exitInvalidArguments
	}
	switch kind {
	case cageerr.SelectorInvalid, cageerr.SelectorNotFound, cageerr.SelectorAmbiguous, cageerr.NotFound, cageerr.RunNotFound, cageerr.Unauthorized:
		return exitInvalidArguments
	case cageerr.TaskSchemaViolation, cageerr.TaskConflict, cageerr.ReviewerRejected, cageerr.RunTerminal, cageerr.Cancelled, cageerr.Timeout:
		return exitValidationFailed
	case cageerr.LockConflict, cageerr.LockUnknown, cageerr.LockExpired:
		return exitLockConflict
	case cageerr.StalePreimage:
		return exitStalePreimage
	case cageerr.PathEscape, cageerr.IOError, cageerr.GitConflict:
		return exitIOOrGitFailure
	default:
		return exitInvalidArguments
	}
}
