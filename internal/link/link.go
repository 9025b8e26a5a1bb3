// Package link is out-of-band provisioning channel.
// Before any routed network exists, installer reaches the device here
// to deliver credentials.
package link

// Transport contract, independent of physical medium.
// Receive path runs in its own goroutine and only touches the inbound Queue.
type Transport interface {
	// Start advertises name and accepts one peer.
	Start(name string) error
	Stop() error
	IsPeerConnected() bool
	Send(b []byte) error
	// TryReceive never blocks.
	TryReceive() ([]byte, bool)
}
