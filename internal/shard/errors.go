package shard

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind partitions collection errors into the categories the write path
// cares about. The split that actually matters is transient vs not: a
// transient failure may self-heal, so the failing replica must be stripped of
// its Active status before further writes are allowed, or it could come back
// and diverge.
type ErrorKind int

const (
	// KindBadInput: malformed operation, schema violation. Never retried.
	KindBadInput ErrorKind = iota
	// KindNotFound: the addressed collection/shard/point does not exist.
	KindNotFound
	// KindService: routing or consistency failure inside the cluster.
	KindService
	// KindTimeout: a peer or the consensus layer did not answer in time.
	KindTimeout
	// KindCancelled: the caller gave up before the operation finished.
	KindCancelled
	// KindOutOfMemory: a replica refused the operation for lack of resources.
	KindOutOfMemory
)

func (k ErrorKind) String() string {
	switch k {
	case KindBadInput:
		return "bad input"
	case KindNotFound:
		return "not found"
	case KindService:
		return "service error"
	case KindTimeout:
		return "timeout"
	case KindCancelled:
		return "cancelled"
	case KindOutOfMemory:
		return "out of memory"
	default:
		return "unknown"
	}
}

// CollectionError is the error type produced by the shard write path. It
// carries its kind so callers can classify without string matching.
type CollectionError struct {
	Kind ErrorKind
	Msg  string
	Err  error // wrapped cause, may be nil
}

func (e *CollectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *CollectionError) Unwrap() error { return e.Err }

// NewServiceError reports a routing or consistency failure.
func NewServiceError(format string, args ...any) *CollectionError {
	return &CollectionError{Kind: KindService, Msg: fmt.Sprintf(format, args...)}
}

// NewBadInput reports an operation the storage engine can never apply.
func NewBadInput(msg string) *CollectionError {
	return &CollectionError{Kind: KindBadInput, Msg: msg}
}

// NewNotFound reports a missing collection, shard, or point.
func NewNotFound(format string, args ...any) *CollectionError {
	return &CollectionError{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

// NewTimeout reports a deadline miss.
func NewTimeout(msg string) *CollectionError {
	return &CollectionError{Kind: KindTimeout, Msg: msg}
}

// WrapService wraps err as a service error, keeping the cause reachable via
// errors.Unwrap.
func WrapService(err error, format string, args ...any) *CollectionError {
	return &CollectionError{Kind: KindService, Msg: fmt.Sprintf(format, args...), Err: err}
}

// IsTransient reports whether err may resolve without operator intervention:
// network blips, timeouts, cancellations, resource exhaustion. Schema
// violations and missing entities are permanent.
func IsTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var ce *CollectionError
	if errors.As(err, &ce) {
		switch ce.Kind {
		case KindService, KindTimeout, KindCancelled, KindOutOfMemory:
			return true
		default:
			return false
		}
	}
	// Unclassified errors come from the network stack or the OS; assume the
	// condition can clear.
	return true
}
