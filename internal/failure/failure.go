// Package failure holds the typed errors every console operation returns to
// the view layer.
package failure

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"
)

type Kind string

const (
	KindValidation         Kind = "validation"
	KindInvalidCredentials Kind = "invalid_credentials"
	KindAccountLocked      Kind = "account_locked"
	KindNetwork            Kind = "network"
	KindServer             Kind = "server"
)

// Error is a failure with a message fit for display. Fields is set for
// validation failures, UnlockAt for lockouts, Status for server replies.
type Error struct {
	Kind              Kind
	Message           string
	Fields            map[string]string
	Status            int
	UnlockAt          time.Time
	RemainingAttempts int
	Err               error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Validation builds a field-scoped failure. The message lists the fields in
// a stable order.
func Validation(fields map[string]string) *Error {
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, n := range names {
		parts = append(parts, fields[n])
	}
	return &Error{Kind: KindValidation, Message: strings.Join(parts, "; "), Fields: fields}
}

func InvalidCredentials(msg string, remaining int) *Error {
	if msg == "" {
		msg = "Invalid username or password"
	}
	return &Error{Kind: KindInvalidCredentials, Message: msg, RemainingAttempts: remaining}
}

// AccountLocked reports a lock lifting at unlockAt; wait is the time left
// and is rounded up to whole minutes in the message.
func AccountLocked(unlockAt time.Time, wait time.Duration) *Error {
	return &Error{
		Kind:     KindAccountLocked,
		Message:  "Account temporarily locked due to multiple failed attempts. Please try again in " + minutes(wait) + ".",
		UnlockAt: unlockAt,
	}
}

func minutes(d time.Duration) string {
	n := int(math.Ceil(d.Minutes()))
	if n <= 1 {
		return "1 minute"
	}
	return fmt.Sprintf("%d minutes", n)
}

func Network(err error) *Error {
	msg := "No response from server. Please try again."
	if isTimeout(err) {
		msg = "Request timeout. Please try again."
	}
	return &Error{Kind: KindNetwork, Message: msg, Err: err}
}

// Server keeps the backend message verbatim when there is one.
func Server(status int, msg string) *Error {
	if msg == "" {
		msg = fmt.Sprintf("Server error: %d", status)
	}
	return &Error{Kind: KindServer, Message: msg, Status: status}
}

// KindOf reports the kind of err, or "" when err is not a *Error.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// As unwraps err into a *Error.
func As(err error) (*Error, bool) {
	var fe *Error
	ok := errors.As(err, &fe)
	return fe, ok
}

// HTTPStatus maps a failure onto the status the console answers with.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindInvalidCredentials:
		return http.StatusUnauthorized
	case KindAccountLocked:
		return http.StatusTooManyRequests
	case KindNetwork:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	if errors.As(err, &te) && te.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
