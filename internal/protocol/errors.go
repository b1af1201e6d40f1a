package protocol

import (
	"errors"
	"fmt"
	"time"
)

// ErrChannelClosed is the cause reported by Send on a closed duplex channel.
var ErrChannelClosed = errors.New("channel closed")

// ErrCancelled marks a user-initiated stream abort. It is not a failure.
var ErrCancelled = errors.New("stream cancelled")

// ChannelError reports a transport-level failure: disconnect, send on a
// closed channel, or a broken pipe before any reply arrived.
type ChannelError struct {
	Op  string
	Err error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel %s: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// TimeoutError reports that no reply arrived within the bound.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: no reply within %s", e.Op, e.Timeout)
}

// UpstreamError reports a provider failure: non-success status, malformed
// auth, or a broken response stream.
type UpstreamError struct {
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("%s upstream: status %d: %s", e.Provider, e.StatusCode, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s upstream: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("%s upstream: %s", e.Provider, e.Message)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// DecodeError reports one undecodable provider stream record. It is
// per-frame and non-fatal: the stream adapter logs it and moves on, it
// never propagates further.
type DecodeError struct {
	Provider string
	Record   string
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s stream record undecodable: %v", e.Provider, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ProtocolError reports an unknown message type or a malformed payload.
// It is reported back to the sender, never thrown uncaught.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: %s: %v", e.Reason, e.Err)
	}
	return "protocol: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }
