// Package copyerr defines the closed set of failure kinds raised while copying
// a database so that callers can branch on the kind instead of the message.
package copyerr

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// Kind classifies a copy failure.
type Kind string

const (
	Configuration Kind = "configuration"
	Selection     Kind = "selection"
	Tool          Kind = "tool"
	Verification  Kind = "verification"
	Provisioning  Kind = "provisioning"
	Notification  Kind = "notification"
)

// MaxMessageLength bounds error text persisted on copies and rows.
const MaxMessageLength = 1000

// Error is a failure of a known Kind with an optional wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	if e.Msg == "" {
		return e.Err.Error()
	}
	return e.Msg + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same Kind and an empty message, so
// errors.Is(err, &copyerr.Error{Kind: copyerr.Tool}) works as a kind check.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

// New builds an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind and message to err. A nil err yields nil.
func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf reports the kind of the outermost *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

// Message returns the persisted form of err, truncated to MaxMessageLength.
func Message(err error) string {
	if err == nil {
		return ""
	}
	return Truncate(err.Error(), MaxMessageLength)
}
