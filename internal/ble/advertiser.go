package ble

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// DefaultAdvertiseInterval is the low-latency advertising interval.
const DefaultAdvertiseInterval = 100 * time.Millisecond

type advState int

const (
	advStopped advState = iota
	advStarting
	advRunning
)

// Advertiser owns the advertising session for the link service. At most one
// session exists at a time. It has no retry policy; failures are reported
// and left to the application.
//
// Start and Stop must run on the main loop.
type Advertiser struct {
	stack    Stack
	poster   Poster
	emit     Emitter
	interval time.Duration

	adv     LEAdvertiser
	state   advState
	session uint64
}

// NewAdvertiser creates a stopped advertiser. A zero interval selects
// DefaultAdvertiseInterval.
func NewAdvertiser(stack Stack, poster Poster, emit Emitter, interval time.Duration) *Advertiser {
	if interval <= 0 {
		interval = DefaultAdvertiseInterval
	}
	return &Advertiser{
		stack:    stack,
		poster:   poster,
		emit:     emit,
		interval: interval,
	}
}

// Advertising reports whether a session is live.
func (a *Advertiser) Advertising() bool { return a.state == advRunning }

// Start requests an advertising session. The outcome arrives later as an
// AdvertisingStarted or AdvertisingFailed event. A start while a request is
// pending does nothing; a start while already advertising re-reports
// AdvertisingStarted without opening a second session.
func (a *Advertiser) Start() {
	switch a.state {
	case advStarting:
		slog.Debug("[ADV] start already pending")
		return
	case advRunning:
		slog.Debug("[ADV] already advertising")
		a.emit(AdvertisingStarted{})
		return
	}

	adv, err := a.stack.Advertiser()
	if err != nil {
		slog.Error("[ADV] no advertiser available", "error", err)
		return
	}

	a.adv = adv
	a.session++
	a.state = advStarting
	adv.StartAdvertising(a.settings(), a.data(), &advertiseCallback{a: a, session: a.session})
	slog.Info("[ADV] advertising requested (minimal mode)", "interval", a.interval)
}

// Stop ends the current session. Stopping when not advertising is a no-op.
// Results of a start request still in flight are discarded.
func (a *Advertiser) Stop() {
	if a.state == advStopped {
		return
	}
	a.state = advStopped
	if err := a.adv.StopAdvertising(); err != nil {
		slog.Warn("[ADV] stop advertising", "error", err)
		return
	}
	slog.Info("[ADV] advertising stopped")
}

// settings favour discovery latency, are connectable and never time out.
func (a *Advertiser) settings() AdvertiseSettings {
	return AdvertiseSettings{
		Mode:        AdvertiseModeLowLatency,
		Interval:    a.interval,
		Connectable: true,
	}
}

// data carries only the service UUID: no device name, to keep the packet
// small and avoid leaking identity.
func (a *Advertiser) data() AdvertiseData {
	return AdvertiseData{
		IncludeDeviceName: false,
		ServiceUUIDs:      []uuid.UUID{ServiceUUID},
	}
}

func (a *Advertiser) onStarted(session uint64) {
	if session != a.session || a.state != advStarting {
		slog.Debug("[ADV] stale start result dropped")
		return
	}
	a.state = advRunning
	slog.Info("[ADV] advertise start success")
	a.emit(AdvertisingStarted{})
}

func (a *Advertiser) onFailed(session uint64, code int) {
	if session != a.session || a.state != advStarting {
		slog.Debug("[ADV] stale start failure dropped", "code", code)
		return
	}
	a.state = advStopped
	slog.Error("[ADV] advertise failed", "code", code)
	a.emit(AdvertisingFailed{Code: code})
}

// advertiseCallback marshals stack results onto the main loop, tagged with
// the session that requested them.
type advertiseCallback struct {
	a       *Advertiser
	session uint64
}

func (c *advertiseCallback) OnStartSuccess(AdvertiseSettings) {
	c.post(func() { c.a.onStarted(c.session) })
}

func (c *advertiseCallback) OnStartFailure(code int) {
	c.post(func() { c.a.onFailed(c.session, code) })
}

func (c *advertiseCallback) post(fn func()) {
	if !c.a.poster.Post(fn) {
		slog.Warn("[ADV] main loop stopped, result dropped")
	}
}
