package remote

import (
	"errors"

	syncErrors "github.com/c0deZ3R0/storefront-sync/errors"
)

// Result is the typed outcome of a remote call.
type Result struct {
	// OK is true when the call succeeded.
	OK bool
	// Kind is KindRemoteUnavailable, KindRemoteRejected or KindSerialization
	// when OK is false.
	Kind syncErrors.Kind
	Err  error
}

// Retryable reports whether replaying the call later may succeed without
// any change to the mutation.
func (r Result) Retryable() bool {
	return !r.OK && r.Kind == syncErrors.KindRemoteUnavailable
}

// Outcome classifies err. Errors that carry no remote classification, such as
// timeouts and transport failures, are treated as the store being unavailable.
func Outcome(err error) Result {
	if err == nil {
		return Result{OK: true}
	}
	switch kind := syncErrors.KindOf(err); kind {
	case syncErrors.KindRemoteRejected, syncErrors.KindSerialization, syncErrors.KindRemoteUnavailable:
		return Result{Kind: kind, Err: err}
	}
	return Result{Kind: syncErrors.KindRemoteUnavailable, Err: err}
}

// Rejected marks err as an active refusal by the remote store.
func Rejected(op syncErrors.Operation, err error) error {
	if err == nil {
		return nil
	}
	return syncErrors.NewRemoteRejectedError(op, err)
}

// Unavailable marks err as the remote store being unreachable.
func Unavailable(op syncErrors.Operation, err error) error {
	if err == nil {
		return nil
	}
	return syncErrors.NewRemoteUnavailableError(op, err)
}

// IsNotFound reports whether err is ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
