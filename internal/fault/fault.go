// Package fault defines the typed rejection kinds shared by the spawn,
// rooms and lobby components. Validation failures are returned to the
// caller as *Error values; errors.Is matches them against the kind
// sentinels regardless of message text.
package fault

import (
	"errors"
	"fmt"
)

type Kind uint8

const (
	KindUnknown Kind = iota
	KindNotConnected
	KindUnauthorized
	KindDuplicateRequest
	KindAlreadyInRoom
	KindAlreadyInLobby
	KindCapacityExceeded
	KindExpired
	KindInvalidState
	KindLaunchFailure
	KindNotFound
	KindInvalid
)

var kindNames = map[Kind]string{
	KindUnknown:          "unknown",
	KindNotConnected:     "not_connected",
	KindUnauthorized:     "unauthorized",
	KindDuplicateRequest: "duplicate_request",
	KindAlreadyInRoom:    "already_in_room",
	KindAlreadyInLobby:   "already_in_lobby",
	KindCapacityExceeded: "capacity_exceeded",
	KindExpired:          "expired",
	KindInvalidState:     "invalid_state",
	KindLaunchFailure:    "launch_failure",
	KindNotFound:         "not_found",
	KindInvalid:          "invalid",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Error is one typed rejection.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Msg
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

var (
	ErrNotConnected     = &Error{Kind: KindNotConnected}
	ErrUnauthorized     = &Error{Kind: KindUnauthorized}
	ErrDuplicateRequest = &Error{Kind: KindDuplicateRequest}
	ErrAlreadyInRoom    = &Error{Kind: KindAlreadyInRoom}
	ErrAlreadyInLobby   = &Error{Kind: KindAlreadyInLobby}
	ErrCapacityExceeded = &Error{Kind: KindCapacityExceeded}
	ErrExpired          = &Error{Kind: KindExpired}
	ErrInvalidState     = &Error{Kind: KindInvalidState}
	ErrLaunchFailure    = &Error{Kind: KindLaunchFailure}
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrInvalid          = &Error{Kind: KindInvalid}
)

// New builds a rejection of kind with a formatted message.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind carried by err, or KindUnknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// Message returns the human-readable part of err without the kind prefix.
func Message(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		if fe.Msg != "" {
			return fe.Msg
		}
		return fe.Kind.String()
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
