package playback

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-readalong/internal/clock"
	"github.com/loqalabs/loqa-readalong/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeHandle struct {
	mu       sync.Mutex
	uri      string
	playing  bool
	paused   bool
	volume   float64
	volumes  []float64
	plays    int
	stops    int
	released bool
	playErrs []error
	ended    func()
}

func (h *fakeHandle) Load(uri string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.uri = uri
	h.ended = nil
	return nil
}

func (h *fakeHandle) Play() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.plays++
	if len(h.playErrs) > 0 {
		err := h.playErrs[0]
		h.playErrs = h.playErrs[1:]
		return err
	}
	h.playing, h.paused = true, false
	return nil
}

func (h *fakeHandle) Pause() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.playing {
		h.paused = true
	}
}

func (h *fakeHandle) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stops++
	h.playing, h.paused = false, false
}

func (h *fakeHandle) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.released = true
}

func (h *fakeHandle) Position() time.Duration { return 0 }
func (h *fakeHandle) Duration() time.Duration { return time.Second }

func (h *fakeHandle) Paused() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.paused
}

func (h *fakeHandle) SetVolume(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.volume = v
	h.volumes = append(h.volumes, v)
}

func (h *fakeHandle) OnEnded(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ended = fn
}

type fixture struct {
	clk     *clock.Manual
	mgr     *Manager
	handles []*fakeHandle
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{clk: clock.NewManual(time.Unix(0, 0))}
	factory := func() (Handle, error) {
		h := &fakeHandle{volume: 1}
		f.handles = append(f.handles, h)
		return h, nil
	}
	f.mgr = NewManager(config.Default().Transition, factory, f.clk, newLogger())
	return f
}

func (f *fixture) acquire(t *testing.T, seq int) *fakeHandle {
	t.Helper()
	h, err := f.mgr.Acquire(seq, "mem://segment")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	return h.(*fakeHandle)
}

type readyRecorder struct {
	calls []error
}

func (r *readyRecorder) fn(err error) { r.calls = append(r.calls, err) }

func TestAcquireRotatesPool(t *testing.T) {
	f := newFixture(t)
	first := f.acquire(t, 0)
	f.acquire(t, 1)
	f.acquire(t, 2)
	fourth := f.acquire(t, 3)

	if len(f.handles) != 3 {
		t.Fatalf("expected pool of 3 handles, created %d", len(f.handles))
	}
	if fourth != first {
		t.Fatalf("expected round-robin reuse of the first handle")
	}
	if first.stops != 2 {
		t.Fatalf("expected reused handle stopped before reload, stops=%d", first.stops)
	}
}

func TestAcquireFactoryFailure(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	mgr := NewManager(config.Default().Transition, func() (Handle, error) {
		return nil, ErrDeviceUnavailable
	}, clk, newLogger())
	if _, err := mgr.Acquire(0, "mem://x"); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
}

func TestFirstTransitionIsAsyncWithoutDebounce(t *testing.T) {
	f := newFixture(t)
	h := f.acquire(t, 0)
	var rec readyRecorder

	f.mgr.Transition(nil, h, rec.fn)
	if len(rec.calls) != 0 || h.plays != 0 {
		t.Fatalf("transition must not run synchronously")
	}
	f.clk.Advance(0)
	if len(rec.calls) != 1 || rec.calls[0] != nil {
		t.Fatalf("expected one successful ready callback, got %v", rec.calls)
	}
	if !h.playing || h.volume != 1 {
		t.Fatalf("expected handle playing at full volume, playing=%v volume=%v", h.playing, h.volume)
	}
}

func TestTransitionDebounceCoalesces(t *testing.T) {
	f := newFixture(t)
	a := f.acquire(t, 0)
	b := f.acquire(t, 1)
	c := f.acquire(t, 2)
	var first, second readyRecorder

	f.mgr.Transition(a, b, first.fn)
	f.clk.Advance(60 * time.Millisecond)
	f.mgr.Transition(a, c, second.fn)
	f.clk.Advance(119 * time.Millisecond)
	if c.plays != 0 || b.plays != 0 {
		t.Fatalf("expected nothing started inside the debounce window")
	}
	if !f.mgr.Pending() {
		t.Fatalf("expected pending transition")
	}
	f.clk.Advance(time.Millisecond)

	if len(first.calls) != 0 {
		t.Fatalf("replaced transition must not report ready")
	}
	if len(second.calls) != 1 || c.plays != 1 || b.plays != 0 {
		t.Fatalf("expected only the latest transition to start, ready=%v c.plays=%d b.plays=%d",
			second.calls, c.plays, b.plays)
	}
}

func TestCrossfadeSteps(t *testing.T) {
	f := newFixture(t)
	from := f.acquire(t, 0)
	to := f.acquire(t, 1)
	from.playing = true
	var rec readyRecorder

	f.mgr.Transition(from, to, rec.fn)
	f.clk.Advance(120 * time.Millisecond)
	if len(rec.calls) != 1 {
		t.Fatalf("expected ready at play start")
	}
	if to.volume != 0 || !f.mgr.Fading() {
		t.Fatalf("expected fade to begin from silence, volume=%v", to.volume)
	}

	f.clk.Advance(150 * time.Millisecond)
	if f.mgr.Fading() {
		t.Fatalf("expected crossfade complete")
	}
	if to.volume != 1 {
		t.Fatalf("expected incoming at full volume, got %v", to.volume)
	}
	if from.playing {
		t.Fatalf("expected outgoing handle stopped")
	}
	prev := -1.0
	for _, v := range to.volumes {
		if v < prev {
			t.Fatalf("incoming volume must not decrease: %v", to.volumes)
		}
		prev = v
	}
	if len(to.volumes) < 6 {
		t.Fatalf("expected stepped fade, volumes=%v", to.volumes)
	}
}

func TestInterruptedPlayIsRetriedOnce(t *testing.T) {
	f := newFixture(t)
	h := f.acquire(t, 0)
	h.playErrs = []error{ErrInterrupted}
	var rec readyRecorder

	f.mgr.Transition(nil, h, rec.fn)
	f.clk.Advance(0)
	if h.plays != 2 || len(rec.calls) != 1 || rec.calls[0] != nil {
		t.Fatalf("expected retry to succeed, plays=%d ready=%v", h.plays, rec.calls)
	}

	g := f.acquire(t, 1)
	g.playErrs = []error{ErrInterrupted, ErrInterrupted}
	rec = readyRecorder{}
	f.mgr.Transition(nil, g, rec.fn)
	f.clk.Advance(0)
	if len(rec.calls) != 1 || !Benign(rec.calls[0]) {
		t.Fatalf("expected benign error after second interruption, got %v", rec.calls)
	}
}

func TestPlayFailureIsReported(t *testing.T) {
	f := newFixture(t)
	h := f.acquire(t, 0)
	h.playErrs = []error{ErrDeviceUnavailable}
	var rec readyRecorder

	f.mgr.Transition(nil, h, rec.fn)
	f.clk.Advance(0)
	if h.plays != 1 || len(rec.calls) != 1 || !errors.Is(rec.calls[0], ErrDeviceUnavailable) {
		t.Fatalf("expected device error without retry, plays=%d ready=%v", h.plays, rec.calls)
	}
}

func TestPauseCancelsPendingTransition(t *testing.T) {
	f := newFixture(t)
	a := f.acquire(t, 0)
	b := f.acquire(t, 1)
	a.playing = true
	var rec readyRecorder

	f.mgr.Transition(a, b, rec.fn)
	f.mgr.Pause()
	f.clk.Advance(time.Second)

	if len(rec.calls) != 0 || b.plays != 0 {
		t.Fatalf("expected paused transition dropped")
	}
	if !a.Paused() {
		t.Fatalf("expected pooled handle paused")
	}
	if f.clk.Pending() != 0 {
		t.Fatalf("expected no timers left, got %d", f.clk.Pending())
	}
}

func TestResetReleasesHandles(t *testing.T) {
	f := newFixture(t)
	a := f.acquire(t, 0)
	b := f.acquire(t, 1)
	var rec readyRecorder
	f.mgr.Transition(a, b, rec.fn)

	f.mgr.Reset()
	f.clk.Advance(time.Second)
	if len(rec.calls) != 0 {
		t.Fatalf("expected transition cancelled by reset")
	}
	if !a.released || !b.released {
		t.Fatalf("expected handles released")
	}

	c := f.acquire(t, 0)
	if c == a || c == b || len(f.handles) != 3 {
		t.Fatalf("expected a fresh handle after reset")
	}
}

func TestFailedTransitionStopsOutgoing(t *testing.T) {
	f := newFixture(t)
	a := f.acquire(t, 0)
	b := f.acquire(t, 1)
	a.playing = true
	b.playErrs = []error{ErrInterrupted, ErrInterrupted}
	stops := a.stops
	var rec readyRecorder

	f.mgr.Transition(a, b, rec.fn)
	f.clk.Advance(120 * time.Millisecond)
	if len(rec.calls) != 1 || !Benign(rec.calls[0]) {
		t.Fatalf("expected the interruption to be reported, got %v", rec.calls)
	}
	if a.playing || a.stops != stops+1 {
		t.Fatalf("expected outgoing handle stopped, playing=%v stops=%d", a.playing, a.stops-stops)
	}
	if f.mgr.Fading() {
		t.Fatalf("no crossfade may start when the incoming handle failed")
	}
}
