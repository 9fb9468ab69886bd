// Package ble implements the peripheral side of the RevMetrix watch link: a
// GATT server with one command and one notify characteristic, the advertiser
// that announces it, and the radio stack abstraction both run on.
package ble

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNoAdapter is returned by Stack.Enable when no Bluetooth adapter is
	// present or the radio cannot be accessed.
	ErrNoAdapter = errors.New("ble: no bluetooth adapter")
	// ErrNoAdvertiser is returned by Stack.Advertiser when the adapter cannot
	// advertise.
	ErrNoAdvertiser = errors.New("ble: no advertiser available")
)

// Status is the ATT status sent in a write response.
type Status int

const StatusSuccess Status = 0

// Advertise failure codes reported by the platform stacks in this package.
// The server and advertiser never interpret them.
const (
	AdvertiseFailedDataTooLarge       = 1
	AdvertiseFailedTooManyAdvertisers = 2
	AdvertiseFailedAlreadyStarted     = 3
	AdvertiseFailedInternalError      = 4
	AdvertiseFailedFeatureUnsupported = 5
)

// AdvertiseMode trades discovery latency against power.
type AdvertiseMode int

const (
	AdvertiseModeLowPower AdvertiseMode = iota
	AdvertiseModeBalanced
	AdvertiseModeLowLatency
)

// AdvertiseSettings configures an advertising session.
type AdvertiseSettings struct {
	Mode        AdvertiseMode
	Interval    time.Duration
	Connectable bool
	Timeout     time.Duration // zero means advertise until stopped
}

// AdvertiseData is the advertisement payload.
type AdvertiseData struct {
	IncludeDeviceName bool
	ServiceUUIDs      []uuid.UUID
}

// AdvertiseCallback receives the result of StartAdvertising. It may be
// invoked on any goroutine.
type AdvertiseCallback interface {
	OnStartSuccess(settings AdvertiseSettings)
	OnStartFailure(code int)
}

// WriteRequest is a characteristic write from a remote central.
type WriteRequest struct {
	Address        string
	RequestID      int
	Characteristic uuid.UUID
	PreparedWrite  bool
	ResponseNeeded bool
	Offset         int
	Value          []byte
}

// ServerCallbacks receives GATT server callbacks from the stack. They may be
// invoked on any goroutine.
type ServerCallbacks interface {
	OnConnectionStateChange(address string, status int, newState ConnState)
	OnCharacteristicWriteRequest(req WriteRequest)
}

// ServerHandle is an open GATT server.
type ServerHandle interface {
	// AddService registers a service with the OS.
	AddService(svc *Service) error
	// SendResponse answers a write request that asked for a response.
	SendResponse(address string, requestID int, status Status, offset int, value []byte) error
	// NotifyCharacteristicChanged pushes the characteristic's current value
	// to one central. confirm requests an indication instead of a notification.
	NotifyCharacteristicChanged(address string, char *Characteristic, confirm bool) error
}

// LEAdvertiser broadcasts advertisements.
type LEAdvertiser interface {
	// StartAdvertising requests a session. The result is reported later
	// through cb; StartAdvertising itself does not block on the radio.
	StartAdvertising(settings AdvertiseSettings, data AdvertiseData, cb AdvertiseCallback)
	// StopAdvertising stops the current session, including one whose start
	// is still pending. It must not block on the radio.
	StopAdvertising() error
}

// Stack abstracts the platform Bluetooth stack for testing.
type Stack interface {
	// Enable powers on the adapter. It wraps ErrNoAdapter when no adapter
	// is available. Calling it again after success is a no-op.
	Enable() error
	// OpenServer opens the GATT server and routes its callbacks to cb.
	OpenServer(cb ServerCallbacks) (ServerHandle, error)
	// Advertiser returns the LE advertiser, or an error wrapping ErrNoAdvertiser.
	Advertiser() (LEAdvertiser, error)
}
