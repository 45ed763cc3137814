package providers

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies cloud errors into the categories the engine
// reacts to differently.
type ErrorKind int

const (
	KindOther ErrorKind = iota
	// KindNotFound: deletion treats it as success, lookup as failure.
	KindNotFound
	// KindConflict: a live dependency, lock, or in-progress operation.
	KindConflict
	// KindThrottled: the vendor asked us to back off.
	KindThrottled
)

// Error wraps a vendor error with its classification.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError classifies and wraps a vendor error.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// IsNotFound reports whether err indicates a missing resource.
func IsNotFound(err error) bool {
	if kindOf(err) == KindNotFound {
		return true
	}
	return containsAny(err,
		"notfound", "not found", "does not exist", "no such",
		"resourcenotfoundexception", "nosuchentity", "404",
	)
}

// IsConflict reports whether err indicates a dependency, conflict, or lock
// that is expected to clear once related resources are gone.
func IsConflict(err error) bool {
	if kindOf(err) == KindConflict {
		return true
	}
	return containsAny(err,
		"conflict", "dependencyviolation", "dependency", "in use",
		"resourceinuse", "locked", "lock", "deleteconflict",
		"operation in progress",
	)
}

// IsThrottled reports whether err indicates rate limiting by the vendor.
func IsThrottled(err error) bool {
	if kindOf(err) == KindThrottled {
		return true
	}
	return containsAny(err, "throttl", "toomanyrequests", "rate exceeded", "slowdown")
}

// IsRetryable reports whether a deletion error is worth retrying.
// Everything that is not a conflict or throttle is terminal.
func IsRetryable(err error) bool {
	return IsConflict(err) || IsThrottled(err)
}

func kindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindOther
}

func containsAny(err error, needles ...string) bool {
	if err == nil {
		return false
	}
	text := strings.ToLower(err.Error())
	for _, needle := range needles {
		if strings.Contains(text, needle) {
			return true
		}
	}
	return false
}
