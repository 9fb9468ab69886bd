// Package bridge adapts between the application's named-method transport and
// the BLE peripheral: requests become calls on the server, advertiser and
// keep-alive guardian; peripheral events become named transport events.
package bridge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/revmetrix/watchlink/internal/ble"
)

// EventSink is the application side of the transport.
type EventSink interface {
	Emit(name string, args any)
}

// Reply delivers the result of a Call.
type Reply func(Result)

// Peripheral is the GATT server surface the bridge drives.
type Peripheral interface {
	Initialize()
	SendNotification(serviceUUID, charUUID string, payload []byte) ble.NotifyReport
}

// Advertising is the advertiser surface the bridge drives.
type Advertising interface {
	Start()
	Stop()
}

// KeepAlive is the guardian surface the bridge drives.
type KeepAlive interface {
	Start(ctx context.Context) error
	Stop() error
}

// Bridge dispatches application requests and forwards peripheral events.
// Requests are executed on the main loop, so they are serialized with stack
// callbacks and with each other.
type Bridge struct {
	ctx    context.Context
	poster ble.Poster
	sink   EventSink

	server    Peripheral
	adv       Advertising
	keepalive KeepAlive
}

// New creates a bridge. ctx is the session context handed to the keep-alive
// guardian. Call Bind before handling requests.
func New(ctx context.Context, poster ble.Poster, sink EventSink) *Bridge {
	return &Bridge{ctx: ctx, poster: poster, sink: sink}
}

// Bind attaches the components requests are dispatched to. keepalive may be
// nil when no keep-alive host is available.
func (b *Bridge) Bind(server Peripheral, adv Advertising, keepalive KeepAlive) {
	b.server = server
	b.adv = adv
	b.keepalive = keepalive
}

// Handle dispatches call on the main loop and answers through reply.
// Unrecognized method names are answered with a not-implemented result.
func (b *Bridge) Handle(call Call, reply Reply) {
	if !b.poster.Post(func() { reply(b.dispatch(call)) }) {
		reply(failure("unavailable", "main loop stopped"))
	}
}

func (b *Bridge) dispatch(call Call) Result {
	method := ParseMethod(call.Method)
	switch method {
	case MethodStartKeepAlive:
		return b.startKeepAlive()
	case MethodStopKeepAlive:
		return b.stopKeepAlive()
	case MethodInitServer:
		b.server.Initialize()
		return success()
	case MethodStartAdvertising:
		b.adv.Start()
		return success()
	case MethodStopAdvertising:
		b.adv.Stop()
		return success()
	case MethodSendNotification:
		return b.sendNotification(call.Args)
	default:
		slog.Warn("[BRIDGE] method not implemented", "method", call.Method)
		return notImplemented(call.Method)
	}
}

// startKeepAlive is acknowledged even when the guardian cannot reach its
// host: keep-alive is best effort.
func (b *Bridge) startKeepAlive() Result {
	if b.keepalive == nil {
		slog.Warn("[BRIDGE] keep-alive unavailable")
		return success()
	}
	if err := b.keepalive.Start(b.ctx); err != nil {
		slog.Warn("[BRIDGE] keep-alive degraded", "error", err)
	}
	return success()
}

func (b *Bridge) stopKeepAlive() Result {
	if b.keepalive == nil {
		return success()
	}
	if err := b.keepalive.Stop(); err != nil {
		slog.Warn("[BRIDGE] stop keep-alive", "error", err)
	}
	return success()
}

// sendNotification is always acknowledged. Missing or unknown UUIDs are a
// lookup miss in the server.
func (b *Bridge) sendNotification(args Args) Result {
	report := b.server.SendNotification(args.ServiceUUID, args.CharUUID, args.Value)
	if report.Failed > 0 {
		slog.Debug("[BRIDGE] partial notification delivery", "attempted", report.Attempted, "failed", report.Failed)
	}
	return success()
}

// Forward sends a peripheral event to the application. It runs on the main
// loop; pass it as the ble.Emitter of the server and advertiser.
func (b *Bridge) Forward(e ble.Event) {
	switch e := e.(type) {
	case ble.AdvertisingStarted:
		b.sink.Emit(EventAdvertisingStarted, nil)
	case ble.AdvertisingFailed:
		b.sink.Emit(EventAdvertisingFailed, e.Code)
	case ble.ConnectionStateChanged:
		b.sink.Emit(EventConnectionStateChange, ConnectionStateArgs{
			Device: e.Address,
			State:  int(e.State),
		})
	case ble.CommandReceived:
		b.sink.Emit(EventCharacteristicWrite, CharacteristicWriteArgs{
			Device: e.Address,
			UUID:   e.Characteristic.String(),
			Value:  e.Payload,
		})
	default:
		panic(fmt.Sprintf("bridge: unhandled event %T", e))
	}
}
