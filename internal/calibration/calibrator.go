// Package calibration estimates the delay between the playback position an
// audio handle reports and the moment a word is actually heard.
package calibration

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-readalong/internal/clock"
	"github.com/loqalabs/loqa-readalong/internal/config"
)

// Sample pairs a word boundary from the timing data with the raw position
// the player reported when the boundary was observed.
type Sample struct {
	Expected time.Duration
	Observed time.Duration
}

// Deviation is the apparent pipeline latency carried by the sample.
func (s Sample) Deviation() time.Duration { return s.Observed - s.Expected }

// Profile is the persisted calibration state for one content collection.
type Profile struct {
	CollectionID string
	Offset       time.Duration
	Confidence   float64
	SampleCount  int
	LastUpdated  time.Time
}

// Store persists profiles across sessions.
type Store interface {
	Load(ctx context.Context, collectionID string) (Profile, bool, error)
	Save(ctx context.Context, p Profile) error
	Delete(ctx context.Context, collectionID string) error
}

// Stats is a point-in-time view used for debugging and metrics.
type Stats struct {
	CollectionID string
	Applied      time.Duration
	Estimate     time.Duration
	Confidence   float64
	Samples      int
}

// Calibrator owns the timing profile of the active collection. Only
// CommitBoundary changes the offset handed out by Offset, so callers that
// commit between segments never see a mid-segment jump.
type Calibrator struct {
	cfg   config.CalibrationConfig
	store Store
	clock clock.Clock
	log   *slog.Logger

	mu         sync.Mutex
	collection string
	ring       []Sample
	next       int
	count      int
	applied    time.Duration
	confidence float64
	profiles   map[string]Profile
}

// New creates a calibrator. store may be nil when profiles are not persisted.
func New(cfg config.CalibrationConfig, store Store, clk clock.Clock, log *slog.Logger) *Calibrator {
	if clk == nil {
		clk = clock.Real{}
	}
	size := cfg.WindowSize
	if size <= 0 {
		size = 20
	}
	return &Calibrator{
		cfg:      cfg,
		store:    store,
		clock:    clk,
		log:      log.With(slog.String("component", "calibrator")),
		ring:     make([]Sample, size),
		applied:  ms(cfg.DefaultOffsetMS),
		profiles: make(map[string]Profile),
	}
}

// DefaultOffset is the offset used before any samples exist.
func (c *Calibrator) DefaultOffset() time.Duration { return ms(c.cfg.DefaultOffsetMS) }

// Begin switches the active collection. A change resets all samples and
// loads the persisted offset for the new collection, if any.
func (c *Calibrator) Begin(ctx context.Context, collectionID string) {
	c.mu.Lock()
	if c.collection == collectionID {
		c.mu.Unlock()
		return
	}
	c.resetLocked()
	c.collection = collectionID
	c.mu.Unlock()

	if c.store == nil || collectionID == "" {
		return
	}
	p, ok, err := c.store.Load(ctx, collectionID)
	if err != nil {
		c.log.Warn("failed to load timing profile", slog.String("collection", collectionID), slogError(err))
		return
	}
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.collection != collectionID {
		return
	}
	p.Offset = c.clamp(p.Offset)
	c.profiles[collectionID] = p
	c.applied = p.Offset
	c.log.Debug("timing profile restored", slog.String("collection", collectionID), slog.Duration("offset", p.Offset))
}

// RecordSample adds one observation. Samples whose deviation falls outside
// the plausible latency bounds are discarded and reported as false.
func (c *Calibrator) RecordSample(expected, observed time.Duration) bool {
	s := Sample{Expected: expected, Observed: observed}
	dev := s.Deviation()
	if dev < ms(c.cfg.MinOffsetMS) || dev > ms(c.cfg.MaxOffsetMS) {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.ring[c.next] = s
	c.next = (c.next + 1) % len(c.ring)
	if c.count < len(c.ring) {
		c.count++
	}
	_, c.confidence, _ = c.estimateLocked()
	return true
}

// Offset returns the offset currently applied for collectionID.
func (c *Calibrator) Offset(collectionID string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if collectionID == c.collection {
		return c.applied
	}
	if p, ok := c.profiles[collectionID]; ok {
		return p.Offset
	}
	return ms(c.cfg.DefaultOffsetMS)
}

// Confidence of the live estimate, 0 when too few samples exist.
func (c *Calibrator) Confidence() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.confidence
}

// Reset clears samples and confidence and restores the default offset.
func (c *Calibrator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
}

// Forget resets the active collection and removes its persisted profile.
func (c *Calibrator) Forget(ctx context.Context) error {
	c.mu.Lock()
	id := c.collection
	c.resetLocked()
	delete(c.profiles, id)
	c.mu.Unlock()
	if c.store == nil || id == "" {
		return nil
	}
	return c.store.Delete(ctx, id)
}

// CommitBoundary applies the live estimate when it is trusted. It must only
// be called between segments. The returned offset is the one now in effect.
func (c *Calibrator) CommitBoundary(ctx context.Context) (time.Duration, bool) {
	c.mu.Lock()
	offset, conf, ok := c.estimateLocked()
	if !ok || conf < c.cfg.MinConfidence || c.collection == "" {
		applied := c.applied
		c.mu.Unlock()
		return applied, false
	}
	c.applied = offset
	p := Profile{
		CollectionID: c.collection,
		Offset:       offset,
		Confidence:   conf,
		SampleCount:  c.count,
		LastUpdated:  c.clock.Now().UTC(),
	}
	c.profiles[c.collection] = p
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.Save(ctx, p); err != nil {
			c.log.Warn("failed to persist timing profile", slog.String("collection", p.CollectionID), slogError(err))
		}
	}
	return offset, true
}

// Stats returns a snapshot of the calibrator state.
func (c *Calibrator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	est, conf, _ := c.estimateLocked()
	return Stats{
		CollectionID: c.collection,
		Applied:      c.applied,
		Estimate:     est,
		Confidence:   conf,
		Samples:      c.count,
	}
}

func (c *Calibrator) resetLocked() {
	for i := range c.ring {
		c.ring[i] = Sample{}
	}
	c.next = 0
	c.count = 0
	c.confidence = 0
	c.applied = ms(c.cfg.DefaultOffsetMS)
}

// estimateLocked computes a trimmed mean of sample deviations and its
// confidence. ok is false below the minimum sample count.
func (c *Calibrator) estimateLocked() (time.Duration, float64, bool) {
	minSamples := c.cfg.MinSamples
	if minSamples < 1 {
		minSamples = 1
	}
	if c.count < minSamples {
		return 0, 0, false
	}
	devs := make([]float64, 0, c.count)
	for i := 0; i < c.count; i++ {
		devs = append(devs, float64(c.ring[i].Deviation()))
	}
	sort.Float64s(devs)
	trim := int(float64(len(devs)) * c.cfg.TrimFraction)
	kept := devs[trim : len(devs)-trim]

	var sum float64
	for _, d := range kept {
		sum += d
	}
	mean := sum / float64(len(kept))
	var sq float64
	for _, d := range kept {
		sq += (d - mean) * (d - mean)
	}
	std := math.Sqrt(sq / float64(len(kept)))

	conf := 0.0
	if mean > 0 {
		conf = 1 - std/mean
	}
	conf = math.Max(0, math.Min(1, conf))
	return c.clamp(time.Duration(mean)), conf, true
}

func (c *Calibrator) clamp(d time.Duration) time.Duration {
	lo, hi := ms(c.cfg.MinOffsetMS), ms(c.cfg.MaxOffsetMS)
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
