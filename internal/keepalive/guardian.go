// Package keepalive holds a low-importance, user-visible indication and a
// sleep inhibitor while a BLE peripheral session is active, so the host does
// not suspend or reclaim the process mid-session.
package keepalive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// ErrNoHost means neither the system nor the session bus is reachable.
var ErrNoHost = errors.New("keepalive: no host session")

// Channel is the category an indication is posted under.
type Channel struct {
	ID   string
	Name string
}

// Indication is the visible "BLE active" notice.
type Indication struct {
	Title string
	Body  string
	Icon  string
}

// HostEvent reports that the host dropped something the guardian holds.
type HostEvent int

const (
	// IndicationDismissed means the posted indication was closed.
	IndicationDismissed HostEvent = iota + 1
	// InhibitorLost means the inhibitor's owner restarted and the lock is gone.
	InhibitorLost
)

func (e HostEvent) String() string {
	switch e {
	case IndicationDismissed:
		return "indication-dismissed"
	case InhibitorLost:
		return "inhibitor-lost"
	default:
		return fmt.Sprintf("HostEvent(%d)", int(e))
	}
}

// Host is the OS session the guardian talks to.
type Host interface {
	// EnsureChannel creates ch if the host does not already have it.
	EnsureChannel(ch Channel) error
	// Post shows ind, replacing any indication posted before.
	Post(ch Channel, ind Indication) error
	// Withdraw removes the posted indication.
	Withdraw() error
	// Inhibit takes a lock that keeps the host awake until it is closed.
	Inhibit(what, who, why string) (io.Closer, error)
	// Events delivers host-side losses.
	Events() <-chan HostEvent
}

// Config describes what the guardian shows and inhibits.
type Config struct {
	Channel     Channel
	Indication  Indication
	InhibitWhat string
	Who         string
}

// Guardian keeps the session alive between Start and Stop. Once started it
// re-establishes anything the host drops until Stop is called, independent
// of the context of the request that started it.
type Guardian struct {
	host Host
	cfg  Config

	mu      sync.Mutex
	running bool
	lock    io.Closer
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a stopped guardian. host may be nil, in which case Start
// reports ErrNoHost.
func New(host Host, cfg Config) *Guardian {
	if cfg.Who == "" {
		cfg.Who = "watchlink"
	}
	return &Guardian{host: host, cfg: cfg}
}

// Running reports whether Start has been called without a matching Stop.
func (g *Guardian) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

// Start posts the indication, takes the inhibitor and begins watching for
// host-side losses. Calling Start while running is a no-op. Partial failures
// are returned joined but the guardian still runs and retries on host events.
func (g *Guardian) Start(ctx context.Context) error {
	if g.host == nil {
		return ErrNoHost
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return nil
	}

	var errs []error
	if err := g.host.EnsureChannel(g.cfg.Channel); err != nil {
		errs = append(errs, fmt.Errorf("keepalive: ensure channel %s: %w", g.cfg.Channel.ID, err))
	}
	if err := g.post(); err != nil {
		errs = append(errs, err)
	}
	if err := g.inhibit(); err != nil {
		errs = append(errs, err)
	}

	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g.cancel = cancel
	g.done = make(chan struct{})
	g.running = true
	go g.watch(watchCtx, g.done)

	slog.Info("[KEEPALIVE] started", "channel", g.cfg.Channel.ID, "inhibit", g.cfg.InhibitWhat)
	return errors.Join(errs...)
}

// Stop releases the inhibitor, withdraws the indication and stops watching.
// Calling Stop while stopped is a no-op.
func (g *Guardian) Stop() error {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return nil
	}
	g.running = false
	cancel, done := g.cancel, g.done
	g.mu.Unlock()

	cancel()
	<-done

	g.mu.Lock()
	defer g.mu.Unlock()
	var errs []error
	if err := g.release(); err != nil {
		errs = append(errs, err)
	}
	if err := g.host.Withdraw(); err != nil {
		errs = append(errs, fmt.Errorf("keepalive: withdraw indication: %w", err))
	}
	slog.Info("[KEEPALIVE] stopped")
	return errors.Join(errs...)
}

func (g *Guardian) watch(ctx context.Context, done chan struct{}) {
	defer close(done)
	events := g.host.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			g.restore(ctx, ev)
		}
	}
}

func (g *Guardian) restore(ctx context.Context, ev HostEvent) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	slog.Debug("[KEEPALIVE] host event", "event", ev)

	var err error
	switch ev {
	case IndicationDismissed:
		err = g.post()
	case InhibitorLost:
		g.release()
		err = g.inhibit()
	}
	if err != nil {
		slog.Warn("[KEEPALIVE] restore failed", "event", ev, "error", err)
	}
}

// post and inhibit require g.mu.
func (g *Guardian) post() error {
	if err := g.host.Post(g.cfg.Channel, g.cfg.Indication); err != nil {
		return fmt.Errorf("keepalive: post indication: %w", err)
	}
	return nil
}

func (g *Guardian) inhibit() error {
	lock, err := g.host.Inhibit(g.cfg.InhibitWhat, g.cfg.Who, g.cfg.Indication.Body)
	if err != nil {
		return fmt.Errorf("keepalive: inhibit %s: %w", g.cfg.InhibitWhat, err)
	}
	g.lock = lock
	return nil
}

func (g *Guardian) release() error {
	if g.lock == nil {
		return nil
	}
	err := g.lock.Close()
	g.lock = nil
	if err != nil {
		return fmt.Errorf("keepalive: release inhibitor: %w", err)
	}
	return nil
}
