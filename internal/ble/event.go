package ble

import "github.com/google/uuid"

// Event is an inbound platform event. The implementations in this file are
// the complete set.
type Event interface {
	isEvent()
}

// AdvertisingStarted reports that the advertising session is live.
type AdvertisingStarted struct{}

// AdvertisingFailed reports a platform advertising failure. Code is passed
// through unmapped.
type AdvertisingFailed struct {
	Code int
}

// ConnectionStateChanged reports a central's connection state transition.
type ConnectionStateChanged struct {
	Address string
	State   ConnState
}

// CommandReceived carries the raw bytes a central wrote to the command
// characteristic.
type CommandReceived struct {
	Address        string
	Characteristic uuid.UUID
	Payload        []byte
}

func (AdvertisingStarted) isEvent()     {}
func (AdvertisingFailed) isEvent()      {}
func (ConnectionStateChanged) isEvent() {}
func (CommandReceived) isEvent()        {}

// Emitter receives events on the main loop, in callback order.
type Emitter func(Event)

// Poster queues work onto the main loop. Post must not block and must run
// functions in the order they were posted.
type Poster interface {
	Post(fn func()) bool
}
