package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error independently of where it was raised.
type Kind string

const (
	KindLocalStorage      Kind = "local_storage"
	KindRemoteUnavailable Kind = "remote_unavailable"
	KindRemoteRejected    Kind = "remote_rejected"
	KindSerialization     Kind = "serialization"
	KindInvalid           Kind = "invalid"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindInternal          Kind = "internal"
)

// Op is the builder argument naming an operation.
type Op = Operation

// Component is the builder argument naming the component.
type Component string

// E builds a SyncError from its arguments. Recognised argument types are
// Op, Component, Kind, ErrorCode, error, string (stored as metadata "detail")
// and map[string]interface{} (merged into metadata). The last error wins.
func E(args ...interface{}) error {
	e := &SyncError{}
	for _, arg := range args {
		switch a := arg.(type) {
		case Operation:
			e.Op = a
		case Component:
			e.Component = string(a)
		case Kind:
			e.Kind = a
		case ErrorCode:
			e.Code = a
		case *SyncError:
			if e.Kind == "" {
				e.Kind = a.Kind
			}
			if e.Code == "" {
				e.Code = a.Code
			}
			e.Retryable = a.Retryable
			e.Err = a
		case error:
			e.Err = a
		case string:
			e.setMeta("detail", a)
		case map[string]interface{}:
			for k, v := range a {
				e.setMeta(k, v)
			}
		default:
			e.setMeta("unknown_arg", fmt.Sprintf("%v", a))
		}
	}
	if e.Err == nil {
		e.Err = errors.New("unspecified error")
	}
	switch e.Kind {
	case KindLocalStorage, KindRemoteUnavailable:
		e.Retryable = true
	}
	return e
}

func (e *SyncError) setMeta(k string, v interface{}) {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[k] = v
}

// KindOf returns the Kind of the outermost classified SyncError in err's
// chain, or the empty Kind.
func KindOf(err error) Kind {
	for err != nil {
		var syncErr *SyncError
		if !errors.As(err, &syncErr) {
			return ""
		}
		if syncErr.Kind != "" {
			return syncErr.Kind
		}
		err = syncErr.Err
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(kind Kind, err error) bool {
	return KindOf(err) == kind
}
