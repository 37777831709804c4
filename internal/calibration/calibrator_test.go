package calibration

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"testing"
	"time"

	"github.com/loqalabs/loqa-readalong/internal/clock"
	"github.com/loqalabs/loqa-readalong/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type memStore struct {
	profiles map[string]Profile
	saves    int
}

func newMemStore() *memStore { return &memStore{profiles: make(map[string]Profile)} }

func (m *memStore) Load(_ context.Context, id string) (Profile, bool, error) {
	p, ok := m.profiles[id]
	return p, ok, nil
}

func (m *memStore) Save(_ context.Context, p Profile) error {
	m.saves++
	m.profiles[p.CollectionID] = p
	return nil
}

func (m *memStore) Delete(_ context.Context, id string) error {
	delete(m.profiles, id)
	return nil
}

func newCalibrator(store Store) *Calibrator {
	clk := clock.NewManual(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(config.Default().Calibration, store, clk, newLogger())
}

func msd(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func TestDefaultOffsetBeforeSamples(t *testing.T) {
	c := newCalibrator(nil)
	c.Begin(context.Background(), "book-1")
	if got := c.Offset("book-1"); got != msd(275) {
		t.Fatalf("expected default 275ms, got %s", got)
	}
	if c.Confidence() != 0 {
		t.Fatalf("expected zero confidence, got %v", c.Confidence())
	}
}

func TestOffsetStaysWithinBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 50; round++ {
		c := newCalibrator(nil)
		c.Begin(context.Background(), "book")
		accepted := 0
		for i := 0; i < 40; i++ {
			expected := time.Duration(rng.Intn(10_000)) * time.Millisecond
			observed := expected + time.Duration(rng.Intn(1500)-500)*time.Millisecond
			if c.RecordSample(expected, observed) {
				accepted++
			}
			if accepted < 3 {
				continue
			}
			st := c.Stats()
			if st.Estimate < msd(50) || st.Estimate > msd(500) {
				t.Fatalf("estimate %s out of bounds", st.Estimate)
			}
			c.CommitBoundary(context.Background())
			if off := c.Offset("book"); off < msd(50) || off > msd(500) {
				t.Fatalf("offset %s out of bounds", off)
			}
		}
	}
}

func TestImplausibleSampleDiscarded(t *testing.T) {
	c := newCalibrator(nil)
	c.Begin(context.Background(), "book")
	if c.RecordSample(time.Second, time.Second+msd(900)) {
		t.Fatal("expected 900ms deviation to be rejected")
	}
	if c.RecordSample(time.Second, time.Second-msd(20)) {
		t.Fatal("expected negative deviation to be rejected")
	}
	if c.Stats().Samples != 0 {
		t.Fatalf("expected no samples, got %d", c.Stats().Samples)
	}
}

func TestLowConfidenceWithholdsOffset(t *testing.T) {
	c := newCalibrator(nil)
	c.Begin(context.Background(), "book")
	for i, dev := range []int{60, 480, 90, 450, 70, 420} {
		c.RecordSample(time.Duration(i)*time.Second, time.Duration(i)*time.Second+msd(dev))
	}
	if c.Confidence() >= 0.7 {
		t.Fatalf("expected scattered samples to give low confidence, got %v", c.Confidence())
	}
	before := c.Offset("book")
	if _, applied := c.CommitBoundary(context.Background()); applied {
		t.Fatal("expected commit to be withheld")
	}
	if got := c.Offset("book"); got != before {
		t.Fatalf("offset changed from %s to %s", before, got)
	}
}

func TestConsistentSamplesApplyAtBoundary(t *testing.T) {
	store := newMemStore()
	c := newCalibrator(store)
	c.Begin(context.Background(), "book")
	for i := 0; i < 18; i++ {
		c.RecordSample(time.Duration(i)*time.Second, time.Duration(i)*time.Second+msd(200))
	}
	c.RecordSample(0, msd(490))
	c.RecordSample(0, msd(495))

	if got := c.Offset("book"); got != msd(275) {
		t.Fatalf("offset must not change before a boundary, got %s", got)
	}
	offset, applied := c.CommitBoundary(context.Background())
	if !applied {
		t.Fatalf("expected commit, confidence %v", c.Confidence())
	}
	if offset != msd(200) {
		t.Fatalf("expected trimmed mean of 200ms, got %s", offset)
	}
	if store.saves != 1 || store.profiles["book"].Offset != msd(200) {
		t.Fatalf("expected profile persisted, got %+v", store.profiles)
	}
}

func TestRingBufferKeepsLatestSamples(t *testing.T) {
	c := newCalibrator(nil)
	c.Begin(context.Background(), "book")
	for i := 0; i < 20; i++ {
		c.RecordSample(0, msd(100))
	}
	for i := 0; i < 20; i++ {
		c.RecordSample(0, msd(300))
	}
	st := c.Stats()
	if st.Samples != 20 {
		t.Fatalf("expected ring of 20, got %d", st.Samples)
	}
	if st.Estimate != msd(300) {
		t.Fatalf("expected old samples evicted, estimate %s", st.Estimate)
	}
}

func TestCollectionSwitchResets(t *testing.T) {
	c := newCalibrator(newMemStore())
	c.Begin(context.Background(), "book-a")
	for i := 0; i < 10; i++ {
		c.RecordSample(0, msd(150))
	}
	c.CommitBoundary(context.Background())
	if c.Offset("book-a") != msd(150) {
		t.Fatalf("expected calibrated offset for book-a")
	}

	c.Begin(context.Background(), "book-b")
	if c.Confidence() != 0 {
		t.Fatalf("expected confidence reset, got %v", c.Confidence())
	}
	if got := c.Offset("book-b"); got != msd(275) {
		t.Fatalf("expected default offset for new collection, got %s", got)
	}
	if got := c.Offset("book-a"); got != msd(150) {
		t.Fatalf("expected book-a profile retained, got %s", got)
	}
}

func TestBeginRestoresPersistedProfile(t *testing.T) {
	store := newMemStore()
	store.profiles["book"] = Profile{CollectionID: "book", Offset: msd(180), Confidence: 0.9}
	c := newCalibrator(store)
	c.Begin(context.Background(), "book")
	if got := c.Offset("book"); got != msd(180) {
		t.Fatalf("expected restored 180ms, got %s", got)
	}
	if c.Confidence() != 0 {
		t.Fatalf("live confidence must start at zero")
	}

	if err := c.Forget(context.Background()); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if _, ok := store.profiles["book"]; ok {
		t.Fatal("expected profile deleted")
	}
	if got := c.Offset("book"); got != msd(275) {
		t.Fatalf("expected default after forget, got %s", got)
	}
}
