package ble

import (
	"log/slog"
	"maps"
	"slices"

	"github.com/google/uuid"
)

// Diagnostics observes per-device notification failures. They are never
// reported to the application.
type Diagnostics interface {
	NotifyFailed(address string, char uuid.UUID, err error)
}

type logDiagnostics struct{}

func (logDiagnostics) NotifyFailed(address string, char uuid.UUID, err error) {
	slog.Warn("[BLE] notify failed", "address", address, "uuid", char, "error", err)
}

// NotifyReport summarizes one SendNotification call.
type NotifyReport struct {
	Attempted int
	Failed    int
}

// ServerOptions configures the peripheral server.
type ServerOptions struct {
	Diagnostics Diagnostics // defaults to logging at warn level
}

// Server owns the single GATT server, its service table and the set of
// connected centrals.
//
// Every method except the stack callbacks must run on the main loop. Stack
// callbacks post their effect onto the loop before touching any state.
type Server struct {
	stack  Stack
	poster Poster
	emit   Emitter
	diag   Diagnostics

	handle    ServerHandle
	services  map[uuid.UUID]*Service
	connected map[string]struct{}
}

// NewServer creates an uninitialized server. emit receives events on the
// loop behind poster.
func NewServer(stack Stack, poster Poster, emit Emitter, opts ServerOptions) *Server {
	if opts.Diagnostics == nil {
		opts.Diagnostics = logDiagnostics{}
	}
	return &Server{
		stack:     stack,
		poster:    poster,
		emit:      emit,
		diag:      opts.Diagnostics,
		services:  make(map[uuid.UUID]*Service),
		connected: make(map[string]struct{}),
	}
}

// Ready reports whether Initialize has succeeded.
func (s *Server) Ready() bool { return s.handle != nil }

// Initialize opens the GATT server and registers the link service. It is a
// no-op once the server exists. A missing adapter is logged and leaves the
// server uninitialized so a later call can try again.
func (s *Server) Initialize() {
	if s.handle != nil {
		return
	}

	if err := s.stack.Enable(); err != nil {
		slog.Warn("[BLE] bluetooth unavailable, server not started", "error", err)
		return
	}

	slog.Info("[BLE] initializing GATT server")
	handle, err := s.stack.OpenServer(serverCallbacks{s})
	if err != nil {
		slog.Error("[BLE] open GATT server", "error", err)
		return
	}

	svc := NewLinkService()
	if err := svc.Validate(); err != nil {
		slog.Error("[BLE] invalid service definition", "error", err)
		return
	}
	if err := handle.AddService(svc); err != nil {
		slog.Error("[BLE] add service", "service", svc.UUID, "error", err)
		return
	}

	s.handle = handle
	s.services[svc.UUID] = svc
	slog.Info("[BLE] GATT service and characteristics added", "service", svc.UUID, "protocol", ProtocolVersion)
}

// ConnectedDevices returns the addresses in the connected set, sorted.
func (s *Server) ConnectedDevices() []string {
	return slices.Sorted(maps.Keys(s.connected))
}

// SendNotification sets the value of the named characteristic and pushes it
// to every connected central. An unknown service or characteristic, or a
// server that is not initialized, makes this a silent no-op. Per-device
// failures go to the diagnostics hook only.
func (s *Server) SendNotification(serviceUUID, charUUID string, payload []byte) NotifyReport {
	var report NotifyReport
	if s.handle == nil {
		slog.Debug("[BLE] notification before server init, dropped")
		return report
	}

	char := s.lookup(serviceUUID, charUUID)
	if char == nil {
		slog.Debug("[BLE] notification target not found", "service", serviceUUID, "uuid", charUUID)
		return report
	}
	char.SetValue(payload)

	for _, addr := range s.ConnectedDevices() {
		report.Attempted++
		if err := s.handle.NotifyCharacteristicChanged(addr, char, false); err != nil {
			report.Failed++
			s.diag.NotifyFailed(addr, char.UUID, err)
		}
	}
	return report
}

func (s *Server) lookup(serviceUUID, charUUID string) *Characteristic {
	svcID, err := ParseUUID(serviceUUID)
	if err != nil {
		return nil
	}
	charID, err := ParseUUID(charUUID)
	if err != nil {
		return nil
	}
	svc, ok := s.services[svcID]
	if !ok {
		return nil
	}
	return svc.Characteristic(charID)
}

func (s *Server) onConnectionStateChanged(address string, state ConnState) {
	switch state {
	case StateConnected:
		s.connected[address] = struct{}{}
		slog.Info("[BLE] device connected", "address", address)
	case StateDisconnected:
		delete(s.connected, address)
		slog.Info("[BLE] device disconnected", "address", address)
	default:
		slog.Debug("[BLE] connection state", "address", address, "state", state)
	}
	s.emit(ConnectionStateChanged{Address: address, State: state})
}

func (s *Server) onCharacteristicWrite(req WriteRequest) {
	slog.Debug("[BLE] write request", "uuid", req.Characteristic, "address", req.Address, "bytes", len(req.Value))

	if req.Characteristic == CommandUUID {
		s.emit(CommandReceived{
			Address:        req.Address,
			Characteristic: req.Characteristic,
			Payload:        req.Value,
		})
	}

	// Malformed commands are the application's problem; the transport
	// always acknowledges.
	if req.ResponseNeeded && s.handle != nil {
		if err := s.handle.SendResponse(req.Address, req.RequestID, StatusSuccess, 0, nil); err != nil {
			slog.Warn("[BLE] send write response", "address", req.Address, "error", err)
		}
	}
}

func (s *Server) post(fn func()) {
	if !s.poster.Post(fn) {
		slog.Warn("[BLE] main loop stopped, callback dropped")
	}
}

// serverCallbacks adapts stack callbacks onto the main loop.
type serverCallbacks struct {
	s *Server
}

func (c serverCallbacks) OnConnectionStateChange(address string, _ int, newState ConnState) {
	c.s.post(func() { c.s.onConnectionStateChanged(address, newState) })
}

func (c serverCallbacks) OnCharacteristicWriteRequest(req WriteRequest) {
	// The stack may reuse its buffer once the callback returns.
	req.Value = append([]byte(nil), req.Value...)
	c.s.post(func() { c.s.onCharacteristicWrite(req) })
}
