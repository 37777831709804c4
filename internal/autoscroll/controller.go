// Package autoscroll keeps the highlighted word comfortably inside the
// reader's viewport without fighting manual scrolling.
package autoscroll

import (
	"log/slog"
	"math"
	"time"

	"github.com/loqalabs/loqa-readalong/internal/clock"
	"github.com/loqalabs/loqa-readalong/internal/config"
)

// maxFrameGap bounds the time step used for velocity limiting after a stall.
const maxFrameGap = 100 * time.Millisecond

// Rect is an element's vertical extent in document coordinates.
type Rect struct {
	Top    float64
	Height float64
}

// Layout exposes the host's viewport geometry. Element is keyed by the
// chunk-global word index.
type Layout interface {
	ViewportHeight() float64
	ContentHeight() float64
	ScrollOffset() float64
	Element(index int) (Rect, bool)
}

// Target is the scroll offset the controller is moving toward.
type Target struct {
	Offset    float64
	UpdatedAt time.Time
}

// Controller decides when and how far to scroll. It is driven by the same
// per-frame cadence as the highlight tracker and is not safe for concurrent use.
type Controller struct {
	cfg      config.ScrollConfig
	clock    clock.Clock
	layout   Layout
	log      *slog.Logger
	onScroll func(offset, fraction float64)

	active        int
	evaluated     int
	wordsSeen     int
	target        Target
	hasTarget     bool
	updates       int
	lastTick      time.Time
	chunkStart    time.Time
	snapPending   bool
	blockUntil    time.Time
	overrideUntil time.Time
}

// New creates a controller. layout may be supplied later with SetLayout.
func New(cfg config.ScrollConfig, clk clock.Clock, layout Layout, log *slog.Logger) *Controller {
	if clk == nil {
		clk = clock.Real{}
	}
	c := &Controller{
		cfg:    cfg,
		clock:  clk,
		layout: layout,
		log:    log.With(slog.String("component", "autoscroll")),
	}
	c.OnContentChanged()
	return c
}

// OnScroll registers the callback receiving each new scroll offset and the
// matching progress fraction through the scrollable range.
func (c *Controller) OnScroll(fn func(offset, fraction float64)) { c.onScroll = fn }

// SetLayout swaps the geometry source.
func (c *Controller) SetLayout(layout Layout) { c.layout = layout }

// OnActiveIndexChanged records the newly highlighted chunk-global word index.
func (c *Controller) OnActiveIndexChanged(index int) {
	if index == c.active {
		return
	}
	c.active = index
	c.wordsSeen++
}

// OnUserScrollDetected suppresses automatic scrolling for the block window.
func (c *Controller) OnUserScrollDetected() {
	now := c.clock.Now()
	c.blockUntil = now.Add(ms(c.cfg.UserBlockMS))
	if !c.overriding(now) {
		c.hasTarget = false
		c.log.Debug("auto-scroll suspended by user scroll", slog.Time("until", c.blockUntil))
	}
}

// OnContentChanged resets all state and re-enters intro mode.
func (c *Controller) OnContentChanged() {
	now := c.clock.Now()
	c.active = -1
	c.evaluated = -1
	c.wordsSeen = 0
	c.hasTarget = false
	c.target = Target{}
	c.lastTick = time.Time{}
	c.chunkStart = now
	c.snapPending = true
	c.blockUntil = time.Time{}
	c.overrideUntil = now.Add(ms(c.cfg.ChunkOverrideMS))
}

// Target returns the current scroll target, if any.
func (c *Controller) Target() (Target, bool) { return c.target, c.hasTarget }

// Updates counts scroll-target recomputations since construction.
func (c *Controller) Updates() int { return c.updates }

// Intro reports whether the controller is in the intro window of a chunk.
func (c *Controller) Intro() bool { return c.intro(c.clock.Now()) }

// Blocked reports whether manual scrolling currently suppresses automation.
func (c *Controller) Blocked() bool { return c.blocked(c.clock.Now()) }

// Tick advances scrolling by one frame.
func (c *Controller) Tick() {
	now := c.clock.Now()
	dt := time.Second / 60
	if !c.lastTick.IsZero() {
		dt = now.Sub(c.lastTick)
	}
	if dt > maxFrameGap {
		dt = maxFrameGap
	}
	c.lastTick = now

	if c.layout == nil || c.active < 0 {
		return
	}
	if c.blocked(now) {
		c.hasTarget = false
		return
	}
	viewport := c.layout.ViewportHeight()
	if viewport <= 0 {
		return
	}

	if c.snapPending {
		rect, ok := c.layout.Element(c.active)
		if !ok {
			return
		}
		c.snapPending = false
		c.evaluated = c.active
		offset := c.anchorOffset(rect, c.anchor(now))
		c.setTarget(offset, now)
		c.emit(offset)
		c.hasTarget = false
		return
	}

	if c.active != c.evaluated && now.Sub(c.target.UpdatedAt) >= c.rateWindow() {
		c.evaluated = c.active
		if rect, ok := c.layout.Element(c.active); ok {
			top, bottom := c.band(now)
			pos := (rect.Top + rect.Height/2 - c.layout.ScrollOffset()) / viewport
			if pos < top || pos > bottom {
				c.setTarget(c.anchorOffset(rect, c.anchor(now)), now)
			}
		}
	}

	if c.hasTarget {
		c.step(dt)
	}
}

func (c *Controller) step(dt time.Duration) {
	pos := c.layout.ScrollOffset()
	dist := c.target.Offset - pos
	if math.Abs(dist) < 0.5 {
		c.hasTarget = false
		return
	}
	sign := 1.0
	if dist < 0 {
		sign = -1
	}
	step := math.Abs(dist) * c.cfg.Easing
	if maxStep := c.cfg.MaxVelocity * dt.Seconds(); step > maxStep {
		step = maxStep
	}
	if step < c.cfg.MinStep {
		step = math.Min(c.cfg.MinStep, math.Abs(dist))
	}
	c.emit(pos + sign*step)
}

func (c *Controller) setTarget(offset float64, now time.Time) {
	c.target = Target{Offset: offset, UpdatedAt: now}
	c.hasTarget = true
	c.updates++
}

func (c *Controller) emit(offset float64) {
	maxScroll := c.maxScroll()
	offset = math.Max(0, math.Min(offset, maxScroll))
	fraction := 0.0
	if maxScroll > 0 {
		fraction = offset / maxScroll
	}
	if c.onScroll != nil {
		c.onScroll(offset, fraction)
	}
}

func (c *Controller) anchorOffset(rect Rect, anchor float64) float64 {
	offset := rect.Top + rect.Height/2 - anchor*c.layout.ViewportHeight()
	return math.Max(0, math.Min(offset, c.maxScroll()))
}

func (c *Controller) maxScroll() float64 {
	return math.Max(0, c.layout.ContentHeight()-c.layout.ViewportHeight())
}

func (c *Controller) rateWindow() time.Duration {
	return time.Duration(float64(time.Second) / c.cfg.RateHz)
}

func (c *Controller) intro(now time.Time) bool {
	return now.Sub(c.chunkStart) < ms(c.cfg.IntroDurationMS) && c.wordsSeen < c.cfg.IntroWords
}

func (c *Controller) band(now time.Time) (float64, float64) {
	if c.intro(now) {
		return c.cfg.IntroBandTop, c.cfg.IntroBandBottom
	}
	return c.cfg.BandTop, c.cfg.BandBottom
}

func (c *Controller) anchor(now time.Time) float64 {
	if c.intro(now) {
		return c.cfg.IntroAnchor
	}
	return c.cfg.Anchor
}

func (c *Controller) overriding(now time.Time) bool {
	return now.Before(c.overrideUntil)
}

func (c *Controller) blocked(now time.Time) bool {
	return now.Before(c.blockUntil) && !c.overriding(now)
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }
