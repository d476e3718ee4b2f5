package errs

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Kind classifies an error by the intent behind it, not by its Go type.
// See spec.md §7 for the full propagation policy of each kind.
type Kind string

const (
	// PersistenceError indicates a storage backend call failed. Retried
	// with exponential backoff; surfaced to the caller if retries are
	// exhausted.
	PersistenceError Kind = "PersistenceError"

	// MalformedMessage indicates a schema decode failed on a stored
	// envelope or reply. Treated as a defect: coerced into a
	// WithExit(die) reply, the offending message excluded, and a warning
	// logged.
	MalformedMessage Kind = "MalformedMessage"

	// EntityNotAssignedToRunner indicates a peer refused a message
	// because it no longer owns the shard. The sender's local assignment
	// map is invalidated and the send retried against a fresh owner.
	EntityNotAssignedToRunner Kind = "EntityNotAssignedToRunner"

	// EntityNotManagedByRunner indicates the target entity type has no
	// registered handler on the destination runner. Fatal for the
	// caller: this is a configuration error, not a transient condition.
	EntityNotManagedByRunner Kind = "EntityNotManagedByRunner"

	// MailboxFull indicates the destination entity's mailbox is at
	// capacity. Propagated to the caller as backpressure.
	MailboxFull Kind = "MailboxFull"

	// AlreadyProcessingMessage indicates a protocol race on a primary
	// key that storage already resolved by attaching the caller to the
	// existing reply stream.
	AlreadyProcessingMessage Kind = "AlreadyProcessingMessage"

	// RunnerUnavailable indicates the RPC pool could not reach a peer.
	// Triggers NotifyUnhealthyRunner against the shard manager.
	RunnerUnavailable Kind = "RunnerUnavailable"
)

// Error is a Kind-tagged error. Its Unwrap exposes the underlying cause so
// %w-based chains and errors.Is/As continue to work across the boundary.
type Error struct {
	Kind Kind
	Op   string
	err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.err)
}

func (e *Error) Unwrap() error { return e.err }

// New creates a Kind-tagged error from a message, attaching a stack trace
// via pkg/errors so PersistenceError failures keep their origin when
// logged after a retry chain.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, err: pkgerrors.New(msg)}
}

// Wrap tags an existing error with a Kind, preserving it as the cause.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, err: pkgerrors.WithStack(err)}
}

// Is reports whether err (or anything in its chain) is an *Error of the
// given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the Kind of err if it (or its chain) is an *Error, and
// false otherwise — useful for a single switch over error kinds at a
// retry/propagation boundary.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
