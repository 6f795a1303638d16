package peer

import (
	"errors"
	"fmt"

	"github.com/danmuck/spawnctl/internal/fault"
)

// Status is the response code carried by response frames.
type Status uint32

const (
	StatusSuccess Status = iota
	StatusFailed
	StatusUnauthorized
	StatusNotConnected
	StatusTimeout
	StatusInvalid
	StatusNotFound
	StatusUnhandled
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailed:
		return "failed"
	case StatusUnauthorized:
		return "unauthorized"
	case StatusNotConnected:
		return "not_connected"
	case StatusTimeout:
		return "timeout"
	case StatusInvalid:
		return "invalid"
	case StatusNotFound:
		return "not_found"
	case StatusUnhandled:
		return "unhandled"
	default:
		return fmt.Sprintf("status(%d)", uint32(s))
	}
}

// StatusFromError maps a fault kind onto the wire status.
func StatusFromError(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	switch fault.KindOf(err) {
	case fault.KindUnauthorized:
		return StatusUnauthorized
	case fault.KindNotConnected:
		return StatusNotConnected
	case fault.KindInvalid:
		return StatusInvalid
	case fault.KindNotFound:
		return StatusNotFound
	}
	return StatusFailed
}

// Err converts a non-success response into a fault error carrying msg.
func (s Status) Err(msg string) error {
	if msg == "" {
		msg = s.String()
	}
	switch s {
	case StatusSuccess:
		return nil
	case StatusUnauthorized:
		return fault.New(fault.KindUnauthorized, "%s", msg)
	case StatusNotConnected:
		return fault.New(fault.KindNotConnected, "%s", msg)
	case StatusInvalid:
		return fault.New(fault.KindInvalid, "%s", msg)
	case StatusNotFound:
		return fault.New(fault.KindNotFound, "%s", msg)
	case StatusTimeout:
		return fmt.Errorf("%w: %s", ErrTimeout, msg)
	}
	return errors.New(msg)
}

var ErrTimeout = errors.New("peer: response timeout")
