package model

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrUnknownRepository      = fmt.Errorf("unknown repository: %w", ErrNotFound)
	ErrInvalidRepoID          = errors.New("invalid repository id")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrSuspiciousTruncation   = errors.New("refused patch: possible file truncation")
	ErrRefUpdateConflict      = errors.New("ref update conflict")
	ErrRateLimited            = errors.New("rate limited")
	ErrRateLimitExhausted     = fmt.Errorf("credentials exhausted: %w", ErrRateLimited)
	ErrCompositionError       = errors.New("patch composition failed")
	ErrInvalidTransition      = errors.New("invalid state transition")
	ErrNothingToCommit        = errors.New("no changes to replicate")
)

// Reason returns a short machine-readable reason for a known error class.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConcurrentModification):
		return "concurrent_modification"
	case errors.Is(err, ErrSuspiciousTruncation):
		return "suspicious_truncation"
	case errors.Is(err, ErrRefUpdateConflict):
		return "ref_update_conflict"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrCompositionError):
		return "composition_error"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrNothingToCommit):
		return "nothing_to_commit"
	}
	return "error"
}
