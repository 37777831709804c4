package hostbridge

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-readalong/internal/autoscroll"
	"github.com/loqalabs/loqa-readalong/internal/clock"
	"github.com/loqalabs/loqa-readalong/internal/config"
	"github.com/loqalabs/loqa-readalong/internal/content"
	"github.com/loqalabs/loqa-readalong/internal/orchestrator"
	"github.com/loqalabs/loqa-readalong/internal/playback"
	"github.com/loqalabs/loqa-readalong/internal/protocol"
	"github.com/loqalabs/loqa-readalong/internal/tts"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type stubHandle struct {
	playing bool
}

func (h *stubHandle) Load(string) error       { h.playing = false; return nil }
func (h *stubHandle) Play() error             { h.playing = true; return nil }
func (h *stubHandle) Pause()                  { h.playing = false }
func (h *stubHandle) Stop()                   { h.playing = false }
func (h *stubHandle) Release()                {}
func (h *stubHandle) Position() time.Duration { return 0 }
func (h *stubHandle) Duration() time.Duration { return time.Second }
func (h *stubHandle) Paused() bool            { return !h.playing }
func (h *stubHandle) SetVolume(float64)       {}
func (h *stubHandle) OnEnded(func())          {}

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	cfg := config.Default()
	cfg.Engine.AutoAdvance = false
	cfg.Engine.Prefetch = false

	texts := content.NewTextRegistry()
	gen, err := tts.NewMockGenerator(t.TempDir(), "en-US", 8000)
	if err != nil {
		t.Fatalf("NewMockGenerator: %v", err)
	}
	cache, err := content.NewMemoryCache(8)
	if err != nil {
		t.Fatalf("NewMemoryCache: %v", err)
	}
	fetcher := content.NewFetcher(cfg.Fetch, cache, texts, gen, newLogger())
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))

	factory := func(id string, host orchestrator.Host, layout autoscroll.Layout) (*orchestrator.Session, error) {
		return orchestrator.New(id, cfg, orchestrator.Deps{
			Chunks:  fetcher,
			Handles: func() (playback.Handle, error) { return &stubHandle{}, nil },
			Host:    host,
			Layout:  layout,
			Clock:   clk,
			Logger:  newLogger(),
		})
	}
	r := NewRegistry(factory, nil, texts, newLogger())
	t.Cleanup(r.Close)
	return r
}

func dispatch(t *testing.T, r *Registry, cmd protocol.Command) protocol.Reply {
	t.Helper()
	return r.Dispatch(context.Background(), cmd)
}

func TestRegistrySessionLifecycle(t *testing.T) {
	r := newRegistry(t)

	reply := dispatch(t, r, protocol.Command{
		SessionID:  "s1",
		Action:     protocol.ActionText,
		Collection: "fables",
		Chunks:     []string{"The fox ran. The crow sang.", "Then it rained."},
	})
	if !reply.OK {
		t.Fatalf("text registration failed: %+v", reply)
	}

	reply = dispatch(t, r, protocol.Command{SessionID: "s1", Action: protocol.ActionOpen, Collection: "fables"})
	if !reply.OK || reply.Status != "ready" {
		t.Fatalf("open failed: %+v", reply)
	}
	if r.Len() != 1 {
		t.Fatalf("expected one session, got %d", r.Len())
	}

	reply = dispatch(t, r, protocol.Command{SessionID: "s1", Action: protocol.ActionPlay})
	if !reply.OK || reply.Status != "playing" {
		t.Fatalf("play failed: %+v", reply)
	}
	reply = dispatch(t, r, protocol.Command{SessionID: "s1", Action: protocol.ActionPause})
	if !reply.OK || reply.Status != "paused" {
		t.Fatalf("pause failed: %+v", reply)
	}

	reply = dispatch(t, r, protocol.Command{
		SessionID: "s1",
		Action:    protocol.ActionLayout,
		Layout: &protocol.Layout{
			ViewportHeight: 600,
			ContentHeight:  2400,
			Elements:       []protocol.ElementRect{{Index: 0, Top: 12, Height: 18}},
		},
	})
	if !reply.OK {
		t.Fatalf("layout failed: %+v", reply)
	}
	e, _ := r.lookup("s1")
	if rect, ok := e.layout.Element(0); !ok || rect.Top != 12 || e.layout.ViewportHeight() != 600 {
		t.Fatalf("layout not applied: %+v %v", rect, ok)
	}

	snaps := r.Snapshots()
	if len(snaps) != 1 || snaps[0].Key.Collection != "fables" || snaps[0].Segments != 2 {
		t.Fatalf("unexpected snapshots %+v", snaps)
	}

	reply = dispatch(t, r, protocol.Command{SessionID: "s1", Action: protocol.ActionClose})
	if !reply.OK || r.Len() != 0 {
		t.Fatalf("close failed: %+v", reply)
	}
}

func TestRegistryRejectsUnknownSession(t *testing.T) {
	r := newRegistry(t)
	reply := dispatch(t, r, protocol.Command{SessionID: "ghost", Action: protocol.ActionPlay})
	if reply.OK || !strings.Contains(reply.Error, "unknown session") {
		t.Fatalf("expected unknown session, got %+v", reply)
	}
}

func TestRegistryRejectsInvalidCommand(t *testing.T) {
	r := newRegistry(t)
	reply := dispatch(t, r, protocol.Command{SessionID: "s1", Action: "rewind"})
	if reply.OK || reply.Error == "" {
		t.Fatalf("expected validation failure, got %+v", reply)
	}
}

func TestRegistryReportsMissingContent(t *testing.T) {
	r := newRegistry(t)
	reply := dispatch(t, r, protocol.Command{SessionID: "s1", Action: protocol.ActionOpen, Collection: "unknown"})
	if reply.OK || reply.Status != "error" {
		t.Fatalf("expected error status, got %+v", reply)
	}
}

func TestTrackingHostAppliesScroll(t *testing.T) {
	layout := NewLayout()
	layout.Update(protocol.Layout{ViewportHeight: 300, ContentHeight: 900, ScrollOffset: 10})
	rec := &recordPublisher{}
	host := trackingHost{Host: NewHost(newLogger(), rec), layout: layout}

	host.AutoScroll(protocol.AutoScroll{SessionID: "s1", Offset: 140, Fraction: 0.23})

	if got := layout.ScrollOffset(); got != 140 {
		t.Fatalf("expected optimistic offset 140, got %v", got)
	}
	if len(rec.events) != 1 || rec.events[0].kind != protocol.KindAutoScroll {
		t.Fatalf("expected the scroll to be forwarded, got %+v", rec.events)
	}
}
