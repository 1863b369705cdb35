package peerconn

import (
	"fmt"
	"net"
)

// PeerProtocolError is a malformed or out of order message received from the peer.
// The connection is closed when it happens.
type PeerProtocolError struct {
	Reason string
}

func (e *PeerProtocolError) Error() string {
	return "peer protocol error: " + e.Reason
}

func protocolErrorf(format string, args ...interface{}) *PeerProtocolError {
	return &PeerProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// PipelineFullError is returned by SendRequest when the request pipeline is at its depth.
// The caller should wait for outstanding requests to complete.
type PipelineFullError struct {
	Depth int
}

func (e *PipelineFullError) Error() string {
	return fmt.Sprintf("request pipeline is full (%d requests outstanding)", e.Depth)
}

// NetworkError is a failure to connect to or talk with the peer.
type NetworkError struct {
	Addr net.Addr
	Err  error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error with %s: %s", e.Addr, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}
