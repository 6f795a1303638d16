package codec

import (
	"context"
	"fmt"

	"github.com/danmuck/spawnctl/internal/fault"
	"github.com/danmuck/spawnctl/internal/peer"
)

// Send encodes v and sends it one-way.
func Send(p peer.Peer, msgType uint32, v any) error {
	payload, err := Marshal(v)
	if err != nil {
		return fmt.Errorf("codec: encode type=%d: %w", msgType, err)
	}
	return p.Send(msgType, payload)
}

// Request encodes v and sends it as a request.
func Request(p peer.Peer, msgType uint32, v any, fn peer.ResponseFunc) error {
	payload, err := Marshal(v)
	if err != nil {
		return fmt.Errorf("codec: encode type=%d: %w", msgType, err)
	}
	return p.Request(msgType, payload, fn)
}

// Decode unmarshals a message payload, reporting malformed input as an
// Invalid fault.
func Decode(msg *peer.Message, v any) error {
	if err := Unmarshal(msg.Payload, v); err != nil {
		return fault.New(fault.KindInvalid, "malformed payload for type %d: %v", msg.Type, err)
	}
	return nil
}

// Respond encodes v as a success response.
func Respond(msg *peer.Message, v any) error {
	payload, err := Marshal(v)
	if err != nil {
		return fmt.Errorf("codec: encode response type=%d: %w", msg.Type, err)
	}
	return msg.Respond(peer.StatusSuccess, payload)
}

// ResponseErr turns a raw response into an error, nil on success.
func ResponseErr(status peer.Status, payload []byte) error {
	return status.Err(string(payload))
}

// Call sends a request and blocks until the response arrives or ctx is
// done, decoding a success payload into out when out is non-nil. Only
// for callers that own their goroutine, such as clients and tests.
func Call(ctx context.Context, p peer.Peer, msgType uint32, v any, out any) error {
	type result struct {
		status  peer.Status
		payload []byte
	}
	ch := make(chan result, 1)
	if err := Request(p, msgType, v, func(status peer.Status, payload []byte) {
		ch <- result{status, payload}
	}); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		if err := ResponseErr(res.status, res.payload); err != nil {
			return err
		}
		if out == nil || len(res.payload) == 0 {
			return nil
		}
		return Unmarshal(res.payload, out)
	}
}
