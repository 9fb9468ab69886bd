package keepalive

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

// fakeLock records whether it was released.
type fakeLock struct {
	mu     sync.Mutex
	closed bool
}

func (l *fakeLock) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *fakeLock) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// fakeHost records guardian calls and lets tests inject host events.
type fakeHost struct {
	mu         sync.Mutex
	channels   []Channel
	posts      []Indication
	withdraws  int
	locks      []*fakeLock
	inhibits   []string
	postErr    error
	inhibitErr error
	events     chan HostEvent
}

func newFakeHost() *fakeHost {
	return &fakeHost{events: make(chan HostEvent, 4)}
}

func (h *fakeHost) EnsureChannel(ch Channel) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.channels = append(h.channels, ch)
	return nil
}

func (h *fakeHost) Post(_ Channel, ind Indication) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.postErr != nil {
		return h.postErr
	}
	h.posts = append(h.posts, ind)
	return nil
}

func (h *fakeHost) Withdraw() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.withdraws++
	return nil
}

func (h *fakeHost) Inhibit(what, _, _ string) (io.Closer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.inhibitErr != nil {
		return nil, h.inhibitErr
	}
	l := &fakeLock{}
	h.locks = append(h.locks, l)
	h.inhibits = append(h.inhibits, what)
	return l, nil
}

func (h *fakeHost) Events() <-chan HostEvent { return h.events }

// SimulateEvent delivers ev as the host would.
func (h *fakeHost) SimulateEvent(ev HostEvent) { h.events <- ev }

func (h *fakeHost) counts() (posts, locks, withdraws int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.posts), len(h.locks), h.withdraws
}

func testConfig() Config {
	return Config{
		Channel:     Channel{ID: "revmetrix_ble_channel", Name: "BLE Foreground Service"},
		Indication:  Indication{Title: "RevMetrix BLE Active", Body: "Maintaining Bluetooth connection", Icon: "bluetooth"},
		InhibitWhat: "sleep:idle",
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestStartPostsAndInhibits(t *testing.T) {
	host := newFakeHost()
	g := New(host, testConfig())
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer g.Stop()

	if !g.Running() {
		t.Error("guardian not running after Start")
	}
	if len(host.channels) != 1 || host.channels[0].ID != "revmetrix_ble_channel" {
		t.Errorf("channels = %+v", host.channels)
	}
	if len(host.posts) != 1 || host.posts[0].Title != "RevMetrix BLE Active" {
		t.Errorf("posts = %+v", host.posts)
	}
	if len(host.inhibits) != 1 || host.inhibits[0] != "sleep:idle" {
		t.Errorf("inhibits = %v", host.inhibits)
	}
}

func TestStartIdempotent(t *testing.T) {
	host := newFakeHost()
	g := New(host, testConfig())
	for range 3 {
		if err := g.Start(context.Background()); err != nil {
			t.Fatalf("Start: %v", err)
		}
	}
	defer g.Stop()
	if posts, locks, _ := host.counts(); posts != 1 || locks != 1 {
		t.Errorf("posts = %d, locks = %d, want 1 each", posts, locks)
	}
}

func TestStopReleasesAndIsIdempotent(t *testing.T) {
	host := newFakeHost()
	g := New(host, testConfig())
	if err := g.Stop(); err != nil {
		t.Fatalf("Stop before Start: %v", err)
	}
	if err := g.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := g.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := g.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if g.Running() {
		t.Error("guardian still running")
	}
	if !host.locks[0].isClosed() {
		t.Error("inhibitor not released")
	}
	if _, _, withdraws := host.counts(); withdraws != 1 {
		t.Errorf("withdraws = %d, want 1", withdraws)
	}
}

func TestSurvivesRequestContext(t *testing.T) {
	host := newFakeHost()
	g := New(host, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	if err := g.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer g.Stop()
	cancel()

	host.SimulateEvent(IndicationDismissed)
	waitFor(t, "repost after request context ended", func() bool {
		posts, _, _ := host.counts()
		return posts == 2
	})
}

func TestRestoresHostLosses(t *testing.T) {
	tests := []struct {
		name      string
		event     HostEvent
		wantPosts int
		wantLocks int
	}{
		{"indication dismissed", IndicationDismissed, 2, 1},
		{"inhibitor lost", InhibitorLost, 1, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := newFakeHost()
			g := New(host, testConfig())
			if err := g.Start(context.Background()); err != nil {
				t.Fatal(err)
			}
			defer g.Stop()

			host.SimulateEvent(tt.event)
			waitFor(t, tt.event.String(), func() bool {
				posts, locks, _ := host.counts()
				return posts == tt.wantPosts && locks == tt.wantLocks
			})
			if tt.event == InhibitorLost && !host.locks[0].isClosed() {
				t.Error("stale inhibitor not released")
			}
		})
	}
}

func TestNoRestoreAfterStop(t *testing.T) {
	host := newFakeHost()
	g := New(host, testConfig())
	if err := g.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := g.Stop(); err != nil {
		t.Fatal(err)
	}
	host.SimulateEvent(IndicationDismissed)
	time.Sleep(20 * time.Millisecond)
	if posts, _, _ := host.counts(); posts != 1 {
		t.Errorf("posts = %d after Stop, want 1", posts)
	}
}

func TestStartPartialFailure(t *testing.T) {
	host := newFakeHost()
	host.inhibitErr = errors.New("access denied")
	g := New(host, testConfig())
	err := g.Start(context.Background())
	if err == nil || !errors.Is(err, host.inhibitErr) {
		t.Fatalf("Start err = %v, want inhibit failure", err)
	}
	defer g.Stop()
	if !g.Running() {
		t.Error("guardian should run with a partial host")
	}
	if posts, _, _ := host.counts(); posts != 1 {
		t.Errorf("posts = %d, want 1", posts)
	}

	host.mu.Lock()
	host.inhibitErr = nil
	host.mu.Unlock()
	host.SimulateEvent(InhibitorLost)
	waitFor(t, "inhibitor after recovery", func() bool {
		_, locks, _ := host.counts()
		return locks == 1
	})
}

func TestNoHost(t *testing.T) {
	g := New(nil, testConfig())
	if err := g.Start(context.Background()); !errors.Is(err, ErrNoHost) {
		t.Errorf("Start err = %v, want ErrNoHost", err)
	}
	if err := g.Stop(); err != nil {
		t.Errorf("Stop err = %v", err)
	}
}

func TestHostEventString(t *testing.T) {
	tests := []struct {
		ev   HostEvent
		want string
	}{
		{IndicationDismissed, "indication-dismissed"},
		{InhibitorLost, "inhibitor-lost"},
		{HostEvent(9), "HostEvent(9)"},
	}
	for _, tt := range tests {
		if got := tt.ev.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", int(tt.ev), got, tt.want)
		}
	}
}
