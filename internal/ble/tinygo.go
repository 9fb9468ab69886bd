//go:build linux

package ble

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"
)

const (
	bluezDevice1          = "org.bluez.Device1"
	bluezDevice1Connected = "Connected"
	bluezDevice1Address   = "Address"

	dbusPropertiesChanged = "org.freedesktop.DBus.Properties.PropertiesChanged"
	dbusInterfacesAdded   = "org.freedesktop.DBus.ObjectManager.InterfacesAdded"
)

var (
	matchDeviceProperties = []dbus.MatchOption{
		dbus.WithMatchInterface("org.freedesktop.DBus.Properties"),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchArg(0, bluezDevice1),
	}
	matchInterfacesAdded = []dbus.MatchOption{
		dbus.WithMatchInterface("org.freedesktop.DBus.ObjectManager"),
		dbus.WithMatchMember("InterfacesAdded"),
	}
)

// errEmptyNotify is reported for zero-length notifications: the stack
// silently drops empty characteristic writes.
var errEmptyNotify = errors.New("ble: empty value not pushed by stack")

// advertisement is the part of *bluetooth.Advertisement the stack uses.
type advertisement interface {
	Configure(options bluetooth.AdvertisementOptions) error
	Start() error
	Stop() error
}

// valueWriter is the part of *bluetooth.Characteristic the stack uses.
type valueWriter interface {
	Write(p []byte) (n int, err error)
}

// TinyGoStack implements Stack on tinygo-org/bluetooth.
//
// Platform differences absorbed here:
//   - BlueZ pushes a characteristic value to every subscribed central on a
//     single write, so NotifyCharacteristicChanged writes each value version
//     once and treats the remaining per-device calls as delivered. Empty
//     values are never pushed and are reported as failures.
//   - Write events carry no peer address, so writes are attributed to the
//     most recently connected central.
//   - The library only reports peripheral connections while advertising, so
//     the stack watches org.bluez.Device1 Connected changes on the system
//     bus itself for as long as it is enabled.
type TinyGoStack struct {
	adapter *bluetooth.Adapter

	// mu protects everything below.
	mu        sync.Mutex
	enabled   bool
	bus       *dbus.Conn
	watchDone chan struct{}
	callbacks ServerCallbacks
	lastPeer  string
	requestID int
	chars     map[uuid.UUID]valueWriter
	pushed    map[uuid.UUID]uint64 // last value version written per characteristic
}

// NewTinyGoStack creates a stack on the default adapter.
func NewTinyGoStack() *TinyGoStack {
	return &TinyGoStack{
		adapter: bluetooth.DefaultAdapter,
		chars:   make(map[uuid.UUID]valueWriter),
		pushed:  make(map[uuid.UUID]uint64),
	}
}

// Compile-time check that TinyGoStack implements Stack.
var _ Stack = (*TinyGoStack)(nil)

func (s *TinyGoStack) Enable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enabled {
		return nil
	}

	if err := s.adapter.Enable(); err != nil {
		return fmt.Errorf("%w: %v", ErrNoAdapter, err)
	}
	if err := s.watchConnections(); err != nil {
		return fmt.Errorf("%w: %v", ErrNoAdapter, err)
	}
	s.enabled = true
	return nil
}

// watchConnections subscribes to Device1 connection changes. Requires s.mu.
func (s *TinyGoStack) watchConnections() error {
	bus, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("ble: connect system bus: %w", err)
	}
	if err := bus.AddMatchSignal(matchDeviceProperties...); err != nil {
		bus.Close()
		return fmt.Errorf("ble: add dbus match signal: PropertiesChanged: %w", err)
	}
	if err := bus.AddMatchSignal(matchInterfacesAdded...); err != nil {
		bus.Close()
		return fmt.Errorf("ble: add dbus match signal: InterfacesAdded: %w", err)
	}

	sigCh := make(chan *dbus.Signal, 16)
	bus.Signal(sigCh)
	s.bus = bus
	s.watchDone = make(chan struct{})
	go s.handleSignals(sigCh, s.watchDone)
	return nil
}

func (s *TinyGoStack) handleSignals(sigCh <-chan *dbus.Signal, done chan struct{}) {
	defer close(done)
	for sig := range sigCh {
		if addr, connected, ok := connectionChange(sig); ok {
			s.onConnect(addr, connected)
		}
	}
}

// Close stops the connection watcher.
func (s *TinyGoStack) Close() error {
	s.mu.Lock()
	bus, done := s.bus, s.watchDone
	s.bus, s.watchDone = nil, nil
	s.enabled = false
	s.mu.Unlock()

	if bus == nil {
		return nil
	}
	err := bus.Close()
	<-done
	return err
}

func (s *TinyGoStack) onConnect(addr string, connected bool) {
	state := StateDisconnected
	if connected {
		state = StateConnected
	}

	s.mu.Lock()
	if connected {
		s.lastPeer = addr
	} else if s.lastPeer == addr {
		s.lastPeer = ""
	}
	cb := s.callbacks
	s.mu.Unlock()

	if cb != nil {
		cb.OnConnectionStateChange(addr, 0, state)
	}
}

func (s *TinyGoStack) OpenServer(cb ServerCallbacks) (ServerHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return nil, fmt.Errorf("ble: open server: %w", ErrNoAdapter)
	}
	s.callbacks = cb
	return &tinyGoServer{stack: s}, nil
}

func (s *TinyGoStack) Advertiser() (LEAdvertiser, error) {
	if err := s.Enable(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoAdvertiser, err)
	}
	adv := s.adapter.DefaultAdvertisement()
	if adv == nil {
		return nil, ErrNoAdvertiser
	}
	return &tinyGoAdvertiser{adv: adv}, nil
}

func (s *TinyGoStack) onWrite(char uuid.UUID, offset int, value []byte) {
	s.mu.Lock()
	s.requestID++
	req := WriteRequest{
		Address:        s.lastPeer,
		RequestID:      s.requestID,
		Characteristic: char,
		Offset:         offset,
		Value:          value,
	}
	cb := s.callbacks
	s.mu.Unlock()

	if cb != nil {
		cb.OnCharacteristicWriteRequest(req)
	}
}

// connectionChange extracts a Device1 connection transition from a
// PropertiesChanged or InterfacesAdded signal.
func connectionChange(sig *dbus.Signal) (addr string, connected bool, ok bool) {
	switch sig.Name {
	case dbusPropertiesChanged:
		if len(sig.Body) < 2 {
			return "", false, false
		}
		if iface, _ := sig.Body[0].(string); iface != bluezDevice1 {
			return "", false, false
		}
		changes, _ := sig.Body[1].(map[string]dbus.Variant)
		v, has := changes[bluezDevice1Connected]
		if !has {
			return "", false, false
		}
		if connected, ok = v.Value().(bool); !ok {
			return "", false, false
		}
		addr, ok = deviceAddress(sig.Path)
		return addr, connected, ok

	case dbusInterfacesAdded:
		if len(sig.Body) < 2 {
			return "", false, false
		}
		path, _ := sig.Body[0].(dbus.ObjectPath)
		ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
		props, has := ifaces[bluezDevice1]
		if !has {
			return "", false, false
		}
		// A newly discovered device that is not connected is not a transition.
		if c, _ := props[bluezDevice1Connected].Value().(bool); !c {
			return "", false, false
		}
		if a, _ := props[bluezDevice1Address].Value().(string); a != "" {
			return strings.ToUpper(a), true, true
		}
		addr, ok = deviceAddress(path)
		return addr, true, ok
	}
	return "", false, false
}

// deviceAddress turns /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF into
// AA:BB:CC:DD:EE:FF.
func deviceAddress(path dbus.ObjectPath) (string, bool) {
	p := string(path)
	base := p[strings.LastIndex(p, "/")+1:]
	if !strings.HasPrefix(base, "dev_") || len(base) == len("dev_") {
		return "", false
	}
	return strings.ReplaceAll(base[len("dev_"):], "_", ":"), true
}

type tinyGoServer struct {
	stack *TinyGoStack
}

func (t *tinyGoServer) AddService(svc *Service) error {
	s := t.stack
	bs := bluetooth.Service{UUID: toTinyGoUUID(svc.UUID)}
	handles := make(map[uuid.UUID]*bluetooth.Characteristic, len(svc.Characteristics))

	for _, c := range svc.Characteristics {
		handle := &bluetooth.Characteristic{}
		handles[c.UUID] = handle

		cfg := bluetooth.CharacteristicConfig{
			Handle: handle,
			UUID:   toTinyGoUUID(c.UUID),
			Value:  c.Value(),
			Flags:  tinyGoFlags(c),
		}
		if c.Properties.Has(PropertyWrite) || c.Properties.Has(PropertyWriteNoResponse) {
			id := c.UUID
			cfg.WriteEvent = func(_ bluetooth.Connection, offset int, value []byte) {
				s.onWrite(id, offset, value)
			}
		}
		bs.Characteristics = append(bs.Characteristics, cfg)
	}

	if err := s.adapter.AddService(&bs); err != nil {
		return fmt.Errorf("ble: add service %s: %w", svc.UUID, err)
	}

	s.mu.Lock()
	for id, h := range handles {
		s.chars[id] = h
	}
	s.mu.Unlock()
	return nil
}

// SendResponse is a no-op: BlueZ answers the ATT write request itself once
// the write handler returns.
func (t *tinyGoServer) SendResponse(string, int, Status, int, []byte) error {
	return nil
}

func (t *tinyGoServer) NotifyCharacteristicChanged(address string, char *Characteristic, _ bool) error {
	s := t.stack
	value := char.Value()
	if len(value) == 0 {
		return errEmptyNotify
	}

	s.mu.Lock()
	handle, ok := s.chars[char.UUID]
	already := s.pushed[char.UUID] == char.Version()
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("ble: characteristic %s not registered", char.UUID)
	}
	if already {
		return nil
	}

	if _, err := handle.Write(value); err != nil {
		return fmt.Errorf("ble: notify %s: %w", address, err)
	}

	s.mu.Lock()
	s.pushed[char.UUID] = char.Version()
	s.mu.Unlock()
	return nil
}

// tinyGoAdvertiser runs the blocking D-Bus round trips off the main loop.
// Every Start and Stop takes a new generation; a queued operation that is
// no longer the latest generation does nothing when it runs, so the radio
// ends in the state of the last call.
type tinyGoAdvertiser struct {
	adv advertisement

	// opMu serializes Configure/Start/Stop and guards started.
	opMu    sync.Mutex
	started bool

	mu  sync.Mutex
	gen uint64
}

func (a *tinyGoAdvertiser) StartAdvertising(settings AdvertiseSettings, data AdvertiseData, cb AdvertiseCallback) {
	opts := bluetooth.AdvertisementOptions{
		AdvertisementType: bluetooth.AdvertisingTypeInd,
		Interval:          bluetooth.NewDuration(settings.Interval),
	}
	if !settings.Connectable {
		opts.AdvertisementType = bluetooth.AdvertisingTypeNonConnInd
	}
	for _, id := range data.ServiceUUIDs {
		opts.ServiceUUIDs = append(opts.ServiceUUIDs, toTinyGoUUID(id))
	}
	if data.IncludeDeviceName {
		slog.Debug("[ADV] device name requested but not supported by this stack, omitted")
	}

	gen := a.next()
	go a.start(gen, opts, settings, cb)
}

// StopAdvertising queues the unregister and returns immediately. Failures
// are logged.
func (a *tinyGoAdvertiser) StopAdvertising() error {
	gen := a.next()
	go a.stop(gen)
	return nil
}

func (a *tinyGoAdvertiser) next() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gen++
	return a.gen
}

func (a *tinyGoAdvertiser) current(gen uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gen == gen
}

func (a *tinyGoAdvertiser) start(gen uint64, opts bluetooth.AdvertisementOptions, settings AdvertiseSettings, cb AdvertiseCallback) {
	a.opMu.Lock()
	defer a.opMu.Unlock()
	if !a.current(gen) {
		return
	}
	a.stopLocked()

	if err := a.adv.Configure(opts); err != nil {
		cb.OnStartFailure(advertiseErrorCode(err))
		return
	}
	if err := a.adv.Start(); err != nil {
		cb.OnStartFailure(advertiseErrorCode(err))
		return
	}
	a.started = true

	// Stopped while Start was in flight.
	if !a.current(gen) {
		a.stopLocked()
		return
	}
	cb.OnStartSuccess(settings)
}

func (a *tinyGoAdvertiser) stop(gen uint64) {
	a.opMu.Lock()
	defer a.opMu.Unlock()
	if !a.current(gen) {
		return
	}
	a.stopLocked()
}

// stopLocked requires a.opMu.
func (a *tinyGoAdvertiser) stopLocked() {
	if !a.started {
		return
	}
	a.started = false
	if err := a.adv.Stop(); err != nil {
		slog.Warn("[ADV] stop advertising", "error", err)
		return
	}
	slog.Debug("[ADV] advertisement unregistered")
}

// advertiseErrorCode maps a BlueZ advertising error to a failure code.
func advertiseErrorCode(err error) int {
	var dbusErr dbus.Error
	if errors.As(err, &dbusErr) {
		switch dbusErr.Name {
		case "org.bluez.Error.InvalidLength":
			return AdvertiseFailedDataTooLarge
		case "org.bluez.Error.NotPermitted":
			// BlueZ reports "Maximum advertisements reached" this way.
			return AdvertiseFailedTooManyAdvertisers
		case "org.bluez.Error.AlreadyExists":
			return AdvertiseFailedAlreadyStarted
		case "org.bluez.Error.NotSupported":
			return AdvertiseFailedFeatureUnsupported
		}
	}
	return AdvertiseFailedInternalError
}

func toTinyGoUUID(id uuid.UUID) bluetooth.UUID {
	return bluetooth.NewUUID(id)
}

func tinyGoFlags(c *Characteristic) bluetooth.CharacteristicPermissions {
	var flags bluetooth.CharacteristicPermissions
	if c.Properties.Has(PropertyRead) {
		flags |= bluetooth.CharacteristicReadPermission
	}
	if c.Properties.Has(PropertyWrite) {
		flags |= bluetooth.CharacteristicWritePermission
	}
	if c.Properties.Has(PropertyWriteNoResponse) {
		flags |= bluetooth.CharacteristicWriteWithoutResponsePermission
	}
	if c.Properties.Has(PropertyNotify) {
		flags |= bluetooth.CharacteristicNotifyPermission
	}
	return flags
}
