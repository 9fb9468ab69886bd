package ble

import "fmt"

// ConnState is the connection state of a remote central. The numeric values
// are the codes sent to the application.
type ConnState int

const (
	StateDisconnected  ConnState = 0
	StateConnecting    ConnState = 1
	StateConnected     ConnState = 2
	StateDisconnecting ConnState = 3
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}
