// Package obserrors gives every component a typed error kind so the
// scheduler and HTTP layer can decide retry-vs-surface without string
// matching, the same role db/state_store.go's fmt.Errorf("...: %w")
// wrapping plays elsewhere but with a Kind attached.
package obserrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry/response-code policy.
type Kind int

const (
	// Transient covers network/disk I/O, DB deadlocks, coordinator
	// stream hiccups — retry locally with bounded backoff.
	Transient Kind = iota
	// Configuration covers a missing key, unparseable DSN, invalid
	// role — fatal at startup.
	Configuration
	// Domain covers stream not found, non-widening schema merge,
	// trigger key malformed — never retried by infrastructure.
	Domain
	// Partial covers a search that produced results but one node
	// failed, or max_query_range was clipped, or VRL produced per-row
	// errors.
	Partial
	// Quota covers org-blocked or memtable-saturated conditions,
	// surfaced immediately as 403/503.
	Quota
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Configuration:
		return "configuration"
	case Domain:
		return "domain"
	case Partial:
		return "partial"
	case Quota:
		return "quota"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with a Kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap annotates err with kind and an operation label, following the
// teacher's "op failed: %w" wrapping convention throughout db/,
// registry/, and coordinator/.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the Kind attached to err, or Transient if the error
// was never wrapped by this package (the conservative default: retry).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Transient
}

var (
	ErrNotFound       = errors.New("key not found")
	ErrStreamNotFound = errors.New("stream not found")
	ErrNonWidening    = errors.New("schema merge is non-widening")
	ErrTriggerExists  = errors.New("trigger already exists")
	ErrRingEmpty      = errors.New("hash ring empty")
)
