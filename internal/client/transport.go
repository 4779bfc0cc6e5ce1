package client

import "context"

// ConnectionState is the client's view of its link to the relay.
type ConnectionState string

const (
	// StateDisconnected means no link exists and none is being attempted.
	StateDisconnected ConnectionState = "disconnected"
	// StateConnecting means a link attempt is in progress.
	StateConnecting ConnectionState = "connecting"
	// StateConnected means frames can be exchanged with the relay.
	StateConnected ConnectionState = "connected"
)

// TransportHandler receives link state changes and inbound frames. Calls arrive
// from the transport's own goroutine, one at a time.
type TransportHandler interface {
	OnTransportState(state ConnectionState)
	OnFrame(frame []byte)
}

// Transport moves frames between the client and the relay and owns the
// reconnect policy.
type Transport interface {
	// Start begins connecting in the background and returns immediately.
	Start(ctx context.Context, handler TransportHandler) error
	// Send queues a frame on the current link. It never blocks.
	Send(frame []byte) error
	// Stop tears the link down and waits for the background loop to exit.
	// It must not be called from a handler callback.
	Stop()
}
