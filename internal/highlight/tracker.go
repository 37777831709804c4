// Package highlight maps the calibrated playback position of a segment to
// the index of the word being spoken.
package highlight

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-readalong/internal/config"
	"github.com/loqalabs/loqa-readalong/internal/timing"
)

// Source is the live playback position of the active segment.
type Source interface {
	Position() time.Duration
	Paused() bool
}

// SampleSink receives word-boundary observations for calibration.
type SampleSink interface {
	RecordSample(expected, observed time.Duration) bool
}

// Snapshot describes the last frame the tracker evaluated.
type Snapshot struct {
	Running  bool
	Fallback bool
	Index    int
	Raw      time.Duration
	Adjusted time.Duration
	Offset   time.Duration
	Clamped  int
}

// Tracker resolves word indices once per frame. It is owned by a single
// session and is not safe for concurrent use.
type Tracker struct {
	cfg      config.HighlightConfig
	sink     SampleSink
	log      *slog.Logger
	onChange func(int)

	seg      timing.Segment
	words    []timing.WordTiming
	count    int
	fallback bool
	src      Source
	offset   time.Duration
	running  bool
	last     int
	raw      time.Duration
	adjusted time.Duration
	clamped  int
}

// New creates a tracker. sink may be nil to disable calibration feedback.
func New(cfg config.HighlightConfig, sink SampleSink, log *slog.Logger) *Tracker {
	return &Tracker{
		cfg:  cfg,
		sink: sink,
		log:  log.With(slog.String("component", "highlight")),
		last: -1,
	}
}

// OnIndexChange registers the callback invoked with the segment-local word
// index whenever it changes.
func (t *Tracker) OnIndexChange(fn func(int)) {
	t.onChange = fn
}

// Start begins tracking seg against src. offset is fixed for the lifetime of
// the segment.
func (t *Tracker) Start(seg timing.Segment, src Source, offset time.Duration) {
	t.seg = seg
	t.src = src
	t.offset = offset
	t.last = -1
	t.clamped = 0
	t.raw, t.adjusted = 0, 0
	t.words = nil
	t.fallback = false

	if len(seg.Words) == 0 {
		t.fallback = true
	} else if err := timing.Validate(seg.Words, seg.Duration); err != nil {
		t.log.Warn("malformed word timings, using proportional estimate",
			slog.String("segment", seg.ID), slog.String("error", err.Error()))
		t.fallback = true
	} else {
		t.words = seg.Words
	}
	if t.fallback {
		t.count = len(timing.SplitWords(seg.Text))
		if t.count == 0 {
			t.count = len(seg.Words)
		}
	} else {
		t.count = len(t.words)
	}
	t.running = true
}

// Stop halts emission until the next Start.
func (t *Tracker) Stop() {
	t.running = false
	t.src = nil
}

// Index returns the last emitted segment-local index, -1 before the first.
func (t *Tracker) Index() int { return t.last }

// Running reports whether a segment is being tracked.
func (t *Tracker) Running() bool { return t.running }

// Snapshot returns the state of the last evaluated frame.
func (t *Tracker) Snapshot() Snapshot {
	return Snapshot{
		Running:  t.running,
		Fallback: t.fallback,
		Index:    t.last,
		Raw:      t.raw,
		Adjusted: t.adjusted,
		Offset:   t.offset,
		Clamped:  t.clamped,
	}
}

// Frame evaluates one display frame and reports whether the index changed.
// A fault while evaluating is logged and swallowed so the next frame runs.
func (t *Tracker) Frame() (changed bool) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Warn("highlight frame failed", slog.String("error", fmt.Sprint(r)))
			changed = false
		}
	}()
	if !t.running || t.src == nil || t.src.Paused() {
		return false
	}

	prev := t.raw
	raw := t.src.Position()
	adjusted := raw - t.offset
	t.raw, t.adjusted = raw, adjusted

	var candidate int
	if t.fallback {
		candidate = timing.Proportional(adjusted, t.seg.Duration, t.count)
	} else {
		candidate = timing.Locate(t.words, adjusted)
	}
	if candidate < 0 || candidate <= t.last {
		return false
	}

	clamped := false
	if t.last >= 0 && candidate > t.last+t.cfg.MaxJump {
		candidate = t.last + t.cfg.ClampStep
		clamped = true
		t.clamped++
	}

	t.last = candidate
	if !t.fallback && !clamped && !t.seg.Estimated && t.sink != nil {
		start := t.words[candidate].Start
		t.sink.RecordSample(start, crossing(start+t.offset, prev, raw))
	}
	if t.onChange != nil {
		t.onChange(candidate)
	}
	return true
}

// crossing places the moment the raw position reached at within the frame
// interval (prev, raw], so samples do not carry the frame period as latency.
func crossing(at, prev, raw time.Duration) time.Duration {
	if at > raw {
		return raw
	}
	if at < prev {
		return prev
	}
	return at
}
