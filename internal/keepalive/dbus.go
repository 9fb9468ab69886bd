package keepalive

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	login1Service = "org.freedesktop.login1"
	login1Path    = "/org/freedesktop/login1"
	login1Inhibit = "org.freedesktop.login1.Manager.Inhibit"

	notifyService = "org.freedesktop.Notifications"
	notifyPath    = "/org/freedesktop/Notifications"
	notifyIface   = "org.freedesktop.Notifications"

	urgencyLow byte = 0
)

var (
	matchLogindOwner = []dbus.MatchOption{
		dbus.WithMatchInterface("org.freedesktop.DBus"),
		dbus.WithMatchMember("NameOwnerChanged"),
		dbus.WithMatchArg(0, login1Service),
	}
	matchNotificationClosed = []dbus.MatchOption{
		dbus.WithMatchInterface(notifyIface),
		dbus.WithMatchMember("NotificationClosed"),
	}
)

// DBusHost implements Host with systemd-logind inhibitor locks on the system
// bus and desktop notifications on the session bus. Either bus may be
// missing; the matching operations then fail.
type DBusHost struct {
	system  *dbus.Conn
	session *dbus.Conn
	events  chan HostEvent

	mu       sync.Mutex
	notifyID uint32
	wg       sync.WaitGroup
}

// NewDBusHost connects to both buses. It returns ErrNoHost when neither is
// reachable.
func NewDBusHost() (*DBusHost, error) {
	h := &DBusHost{events: make(chan HostEvent, 8)}

	system, sysErr := dbus.ConnectSystemBus()
	if sysErr != nil {
		slog.Warn("[KEEPALIVE] system bus unavailable", "error", sysErr)
	} else {
		h.system = system
	}
	session, sessErr := dbus.ConnectSessionBus()
	if sessErr != nil {
		slog.Warn("[KEEPALIVE] session bus unavailable", "error", sessErr)
	} else {
		h.session = session
	}
	if h.system == nil && h.session == nil {
		return nil, fmt.Errorf("%w: %w", ErrNoHost, errors.Join(sysErr, sessErr))
	}

	if h.system != nil {
		if err := h.watch(h.system, matchLogindOwner, h.onLogindOwner); err != nil {
			h.Close()
			return nil, err
		}
	}
	if h.session != nil {
		if err := h.watch(h.session, matchNotificationClosed, h.onNotificationClosed); err != nil {
			h.Close()
			return nil, err
		}
	}
	return h, nil
}

func (h *DBusHost) watch(conn *dbus.Conn, match []dbus.MatchOption, handle func(*dbus.Signal)) error {
	if err := conn.AddMatchSignal(match...); err != nil {
		return fmt.Errorf("keepalive: add dbus match signal: %w", err)
	}
	sigCh := make(chan *dbus.Signal, 16)
	conn.Signal(sigCh)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for sig := range sigCh {
			handle(sig)
		}
	}()
	return nil
}

func (h *DBusHost) onLogindOwner(sig *dbus.Signal) {
	if sig.Name != "org.freedesktop.DBus.NameOwnerChanged" || len(sig.Body) != 3 {
		return
	}
	name, _ := sig.Body[0].(string)
	newOwner, _ := sig.Body[2].(string)
	if name == login1Service && newOwner != "" {
		h.send(InhibitorLost)
	}
}

func (h *DBusHost) onNotificationClosed(sig *dbus.Signal) {
	if sig.Name != notifyIface+".NotificationClosed" || len(sig.Body) < 1 {
		return
	}
	id, _ := sig.Body[0].(uint32)
	h.mu.Lock()
	ours := id != 0 && id == h.notifyID
	if ours {
		h.notifyID = 0
	}
	h.mu.Unlock()
	if ours {
		h.send(IndicationDismissed)
	}
}

func (h *DBusHost) send(ev HostEvent) {
	select {
	case h.events <- ev:
	default:
		slog.Warn("[KEEPALIVE] host event dropped", "event", ev)
	}
}

// EnsureChannel checks that a notification server is running. Desktop
// notifications have no channel registry; the channel travels as hints on
// every Post.
func (h *DBusHost) EnsureChannel(ch Channel) error {
	if h.session == nil {
		return errors.New("no session bus")
	}
	var caps []string
	obj := h.session.Object(notifyService, notifyPath)
	if err := obj.Call(notifyIface+".GetCapabilities", 0).Store(&caps); err != nil {
		return fmt.Errorf("notification server: %w", err)
	}
	slog.Debug("[KEEPALIVE] notification server", "channel", ch.ID, "capabilities", caps)
	return nil
}

// Post shows ind as a low-urgency, resident, never-expiring notification.
func (h *DBusHost) Post(ch Channel, ind Indication) error {
	if h.session == nil {
		return errors.New("no session bus")
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	hints := map[string]dbus.Variant{
		"urgency":       dbus.MakeVariant(urgencyLow),
		"resident":      dbus.MakeVariant(true),
		"transient":     dbus.MakeVariant(false),
		"category":      dbus.MakeVariant("device"),
		"x-channel-id":  dbus.MakeVariant(ch.ID),
		"desktop-entry": dbus.MakeVariant("watchlink"),
	}
	var id uint32
	obj := h.session.Object(notifyService, notifyPath)
	call := obj.Call(notifyIface+".Notify", 0,
		ch.Name, h.notifyID, ind.Icon, ind.Title, ind.Body, []string{}, hints, int32(0))
	if err := call.Store(&id); err != nil {
		return err
	}
	h.notifyID = id
	return nil
}

// Withdraw closes the posted notification, if any.
func (h *DBusHost) Withdraw() error {
	h.mu.Lock()
	id := h.notifyID
	h.notifyID = 0
	h.mu.Unlock()
	if id == 0 || h.session == nil {
		return nil
	}
	obj := h.session.Object(notifyService, notifyPath)
	return obj.Call(notifyIface+".CloseNotification", 0, id).Err
}

// Inhibit takes a blocking logind inhibitor lock. Closing the returned file
// releases it.
func (h *DBusHost) Inhibit(what, who, why string) (io.Closer, error) {
	if h.system == nil {
		return nil, errors.New("no system bus")
	}
	var fd dbus.UnixFD
	obj := h.system.Object(login1Service, login1Path)
	if err := obj.Call(login1Inhibit, 0, what, who, why, "block").Store(&fd); err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(fd), "logind-inhibit"), nil
}

// Events delivers IndicationDismissed and InhibitorLost.
func (h *DBusHost) Events() <-chan HostEvent { return h.events }

// Close disconnects both buses and stops the signal watchers.
func (h *DBusHost) Close() error {
	var errs []error
	for _, conn := range []*dbus.Conn{h.system, h.session} {
		if conn == nil {
			continue
		}
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	h.wg.Wait()
	return errors.Join(errs...)
}

var _ Host = (*DBusHost)(nil)
