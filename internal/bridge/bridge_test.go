package bridge

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/revmetrix/watchlink/internal/ble"
	"github.com/revmetrix/watchlink/internal/loop"
)

type notifyCall struct {
	service, char string
	value         []byte
}

type mockPeripheral struct {
	inits    int
	notifies []notifyCall
	report   ble.NotifyReport
}

func (p *mockPeripheral) Initialize() { p.inits++ }

func (p *mockPeripheral) SendNotification(serviceUUID, charUUID string, payload []byte) ble.NotifyReport {
	p.notifies = append(p.notifies, notifyCall{serviceUUID, charUUID, payload})
	return p.report
}

type mockAdvertising struct {
	starts, stops int
}

func (a *mockAdvertising) Start() { a.starts++ }
func (a *mockAdvertising) Stop()  { a.stops++ }

type mockKeepAlive struct {
	starts, stops int
	startErr      error
	ctx           context.Context
}

func (k *mockKeepAlive) Start(ctx context.Context) error {
	k.starts++
	k.ctx = ctx
	return k.startErr
}

func (k *mockKeepAlive) Stop() error {
	k.stops++
	return nil
}

type emitted struct {
	name string
	args any
}

type mockSink struct {
	events []emitted
}

func (s *mockSink) Emit(name string, args any) {
	s.events = append(s.events, emitted{name, args})
}

type harness struct {
	bridge *Bridge
	loop   *loop.Loop
	server *mockPeripheral
	adv    *mockAdvertising
	keep   *mockKeepAlive
	sink   *mockSink
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		loop:   loop.New(),
		server: &mockPeripheral{},
		adv:    &mockAdvertising{},
		keep:   &mockKeepAlive{},
		sink:   &mockSink{},
	}
	h.bridge = New(context.Background(), h.loop, h.sink)
	h.bridge.Bind(h.server, h.adv, h.keep)
	return h
}

// call handles c and steps the loop until the reply arrives.
func (h *harness) call(t *testing.T, c Call) Result {
	t.Helper()
	var got *Result
	h.bridge.Handle(c, func(r Result) { got = &r })
	if got != nil {
		t.Fatal("reply delivered before the loop ran")
	}
	h.loop.Drain()
	if got == nil {
		t.Fatalf("no reply for %q", c.Method)
	}
	return *got
}

func TestParseMethod(t *testing.T) {
	tests := []struct {
		name string
		want Method
	}{
		{"startKeepAlive", MethodStartKeepAlive},
		{"stopKeepAlive", MethodStopKeepAlive},
		{"initServer", MethodInitServer},
		{"startAdvertising", MethodStartAdvertising},
		{"stopAdvertising", MethodStopAdvertising},
		{"sendNotification", MethodSendNotification},
		{"InitServer", MethodUnknown},
		{"", MethodUnknown},
		{"frobnicate", MethodUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseMethod(tt.name); got != tt.want {
				t.Errorf("ParseMethod(%q) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestMethodStringRoundTrip(t *testing.T) {
	for name, m := range methodNames {
		if m.String() != name {
			t.Errorf("%d.String() = %q, want %q", m, m.String(), name)
		}
	}
	if MethodUnknown.String() != "unknown" {
		t.Errorf("MethodUnknown.String() = %q", MethodUnknown.String())
	}
}

func TestUnknownMethodNotImplemented(t *testing.T) {
	h := newHarness(t)
	r := h.call(t, Call{Method: "frobnicate"})
	if r.Status != StatusNotImplemented {
		t.Fatalf("status = %q, want %q", r.Status, StatusNotImplemented)
	}
	if !errors.Is(r.Err(), ErrNotImplemented) {
		t.Errorf("Err() = %v, want ErrNotImplemented", r.Err())
	}
	if h.server.inits+h.adv.starts+h.adv.stops+h.keep.starts+h.keep.stops != 0 {
		t.Error("unknown method reached a component")
	}
}

func TestDispatch(t *testing.T) {
	tests := []struct {
		method string
		check  func(*harness) bool
	}{
		{"initServer", func(h *harness) bool { return h.server.inits == 1 }},
		{"startAdvertising", func(h *harness) bool { return h.adv.starts == 1 }},
		{"stopAdvertising", func(h *harness) bool { return h.adv.stops == 1 }},
		{"startKeepAlive", func(h *harness) bool { return h.keep.starts == 1 }},
		{"stopKeepAlive", func(h *harness) bool { return h.keep.stops == 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			h := newHarness(t)
			r := h.call(t, Call{Method: tt.method})
			if r.Status != StatusSuccess {
				t.Fatalf("status = %q, want success", r.Status)
			}
			if r.Err() != nil {
				t.Errorf("Err() = %v", r.Err())
			}
			if !tt.check(h) {
				t.Errorf("%s did not reach its component", tt.method)
			}
		})
	}
}

func TestStartKeepAliveDegradedStillSucceeds(t *testing.T) {
	h := newHarness(t)
	h.keep.startErr = errors.New("no session bus")
	if r := h.call(t, Call{Method: "startKeepAlive"}); r.Status != StatusSuccess {
		t.Errorf("status = %q, want success", r.Status)
	}
	if h.keep.ctx == nil {
		t.Error("keep-alive did not receive the session context")
	}
}

func TestKeepAliveUnbound(t *testing.T) {
	h := newHarness(t)
	h.bridge.Bind(h.server, h.adv, nil)
	for _, m := range []string{"startKeepAlive", "stopKeepAlive"} {
		if r := h.call(t, Call{Method: m}); r.Status != StatusSuccess {
			t.Errorf("%s status = %q, want success", m, r.Status)
		}
	}
}

func TestSendNotification(t *testing.T) {
	h := newHarness(t)
	h.server.report = ble.NotifyReport{Attempted: 2, Failed: 1}
	args := Args{
		ServiceUUID: ble.ServiceUUID.String(),
		CharUUID:    ble.NotifyUUID.String(),
		Value:       []byte{0x01, 0x02},
	}
	if r := h.call(t, Call{Method: "sendNotification", Args: args}); r.Status != StatusSuccess {
		t.Fatalf("status = %q, want success despite partial delivery", r.Status)
	}
	if len(h.server.notifies) != 1 {
		t.Fatalf("notifies = %d, want 1", len(h.server.notifies))
	}
	n := h.server.notifies[0]
	if n.service != args.ServiceUUID || n.char != args.CharUUID || !bytes.Equal(n.value, args.Value) {
		t.Errorf("notify = %+v, want %+v", n, args)
	}
}

func TestSendNotificationMissingArgsAcknowledged(t *testing.T) {
	tests := []struct {
		name string
		args Args
	}{
		{"empty", Args{}},
		{"no service", Args{CharUUID: ble.NotifyUUID.String()}},
		{"no characteristic", Args{ServiceUUID: ble.ServiceUUID.String()}},
		{"unparseable service", Args{ServiceUUID: "zzz", CharUUID: ble.NotifyUUID.String()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			r := h.call(t, Call{Method: "sendNotification", Args: tt.args})
			if r.Status != StatusSuccess {
				t.Errorf("result = %+v, want success", r)
			}
			if len(h.server.notifies) != 1 {
				t.Fatalf("notifies = %d, want the call passed through", len(h.server.notifies))
			}
			n := h.server.notifies[0]
			if n.service != tt.args.ServiceUUID || n.char != tt.args.CharUUID {
				t.Errorf("notify = %+v, want %+v", n, tt.args)
			}
		})
	}
}

func TestHandleAfterLoopClosed(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = h.loop.Run(ctx)

	var got *Result
	h.bridge.Handle(Call{Method: "initServer"}, func(r Result) { got = &r })
	if got == nil || got.Status != StatusError {
		t.Fatalf("reply = %+v, want error", got)
	}
	if h.server.inits != 0 {
		t.Error("closed loop still dispatched")
	}
}

func TestForward(t *testing.T) {
	h := newHarness(t)
	h.bridge.Forward(ble.AdvertisingStarted{})
	h.bridge.Forward(ble.AdvertisingFailed{Code: ble.AdvertiseFailedTooManyAdvertisers})
	h.bridge.Forward(ble.ConnectionStateChanged{Address: "AA:BB", State: ble.StateConnected})
	h.bridge.Forward(ble.CommandReceived{
		Address:        "AA:BB",
		Characteristic: ble.CommandUUID,
		Payload:        []byte{0xDE, 0xAD},
	})

	want := []string{
		EventAdvertisingStarted,
		EventAdvertisingFailed,
		EventConnectionStateChange,
		EventCharacteristicWrite,
	}
	if len(h.sink.events) != len(want) {
		t.Fatalf("events = %d, want %d", len(h.sink.events), len(want))
	}
	for i, name := range want {
		if h.sink.events[i].name != name {
			t.Errorf("event[%d] = %q, want %q", i, h.sink.events[i].name, name)
		}
	}

	if code, ok := h.sink.events[1].args.(int); !ok || code != ble.AdvertiseFailedTooManyAdvertisers {
		t.Errorf("failure args = %#v, want code %d", h.sink.events[1].args, ble.AdvertiseFailedTooManyAdvertisers)
	}
	conn, ok := h.sink.events[2].args.(ConnectionStateArgs)
	if !ok || conn.Device != "AA:BB" || conn.State != 2 {
		t.Errorf("connection args = %#v", h.sink.events[2].args)
	}
	write, ok := h.sink.events[3].args.(CharacteristicWriteArgs)
	if !ok {
		t.Fatalf("write args = %#v", h.sink.events[3].args)
	}
	if write.UUID != "a3c94f11-7b47-4c8e-b88f-0e4b2f7c2a91" {
		t.Errorf("write uuid = %q", write.UUID)
	}
	if !bytes.Equal(write.Value, []byte{0xDE, 0xAD}) {
		t.Errorf("write value = %x", write.Value)
	}
}

func TestRequestsSerializedWithEvents(t *testing.T) {
	h := newHarness(t)
	var order []string
	h.bridge.Handle(Call{Method: "startAdvertising"}, func(Result) { order = append(order, "reply") })
	h.loop.Post(func() { order = append(order, "event") })
	h.loop.Drain()
	if len(order) != 2 || order[0] != "reply" || order[1] != "event" {
		t.Errorf("order = %v, want [reply event]", order)
	}
}
