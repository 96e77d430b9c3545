package models

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies store, upload and timeout failures.
type ErrorKind int

const (
	Unknown ErrorKind = iota
	Unavailable
	PermissionDenied
	InvalidArgument
	NetworkFailure
	SourceUnreadable
	QuotaExceeded
	Timeout
)

func (k ErrorKind) String() string {
	switch k {
	case Unavailable:
		return "unavailable"
	case PermissionDenied:
		return "permission_denied"
	case InvalidArgument:
		return "invalid_argument"
	case NetworkFailure:
		return "network_failure"
	case SourceUnreadable:
		return "source_unreadable"
	case QuotaExceeded:
		return "quota_exceeded"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// StoreError is returned by message store operations.
type StoreError struct {
	Op   string
	Kind ErrorKind
	Err  error
}

func (e *StoreError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("store %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("store %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// UploadError is returned by the media pipeline and blob store.
type UploadError struct {
	Key  string
	Kind ErrorKind
	Err  error
}

func (e *UploadError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("upload: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("upload %s: %s: %v", e.Key, e.Kind, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// TimeoutError is returned when a publish or upload exceeds its deadline.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.After)
}

func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

// KindOf extracts the ErrorKind carried by err, if any.
func KindOf(err error) ErrorKind {
	if err == nil {
		return Unknown
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return Timeout
	}
	var se *StoreError
	if errors.As(err, &se) {
		return se.Kind
	}
	var ue *UploadError
	if errors.As(err, &ue) {
		return ue.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	return Unknown
}
