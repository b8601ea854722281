package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so callers never inspect platform error shapes.
type ErrorKind string

const (
	KindInvalidRequest      ErrorKind = "invalid_request"
	KindAccountNotConnected ErrorKind = "account_not_connected"
	KindAuthExpired         ErrorKind = "auth_expired"
	KindInvalidMedia        ErrorKind = "invalid_media"
	KindPermanentRejection  ErrorKind = "permanent_rejection"
	KindUnsupportedPostType ErrorKind = "unsupported_post_type"
	KindTransient           ErrorKind = "transient"
	KindNotFound            ErrorKind = "not_found"
	KindConflict            ErrorKind = "conflict"
	KindInternal            ErrorKind = "internal"
)

// Publish phases reported by platform publishers.
const (
	PhaseContainer = "container"
	PhasePublish   = "publish"
)

type Error struct {
	Kind     ErrorKind
	Message  string
	Platform Platform
	// Phase is set by two-phase publishers; PhasePublish means a container
	// exists on the platform but was never finalized.
	Phase string
	// Handle identifies a publish the platform accepted but has not
	// finished, so a later attempt can resume it instead of starting over.
	Handle string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Platform != "" {
		msg = fmt.Sprintf("%s: %s", e.Platform, msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func NewInvalidRequest(msg string) *Error {
	return &Error{Kind: KindInvalidRequest, Message: msg}
}

func NewAccountNotConnected(p Platform) *Error {
	return &Error{Kind: KindAccountNotConnected, Message: "account not connected", Platform: p}
}

func NewAuthExpired(p Platform, err error) *Error {
	return &Error{Kind: KindAuthExpired, Message: "authorization expired, reconnect your account", Platform: p, Err: err}
}

func NewInvalidMedia(p Platform, msg string) *Error {
	return &Error{Kind: KindInvalidMedia, Message: msg, Platform: p}
}

func NewPermanentRejection(p Platform, msg string) *Error {
	return &Error{Kind: KindPermanentRejection, Message: msg, Platform: p}
}

func NewUnsupportedPostType(postType string) *Error {
	return &Error{Kind: KindUnsupportedPostType, Message: fmt.Sprintf("unsupported post type: %s", postType)}
}

func NewTransient(p Platform, err error) *Error {
	return &Error{Kind: KindTransient, Message: "temporary failure", Platform: p, Err: err}
}

// NewInProgress reports a publish that is still processing on the platform.
// It is retryable; the next attempt resumes handle.
func NewInProgress(p Platform, handle string) *Error {
	return &Error{
		Kind:     KindTransient,
		Message:  "publish still processing on the platform",
		Platform: p,
		Phase:    PhasePublish,
		Handle:   handle,
	}
}

func NewNotFound(what string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s not found", what)}
}

func NewConflict(msg string) *Error {
	return &Error{Kind: KindConflict, Message: msg}
}

func NewInternal(err error) *Error {
	return &Error{Kind: KindInternal, Message: "internal error", Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether a scheduled reconciliation may try again later.
func IsRetryable(err error) bool {
	return IsKind(err, KindTransient)
}

// HandleOf returns the platform handle carried by err, if any.
func HandleOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Handle
	}
	return ""
}

// AsError extracts the classified error, wrapping unknown errors as internal.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return NewInternal(err)
}
