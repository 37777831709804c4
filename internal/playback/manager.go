package playback

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-readalong/internal/clock"
	"github.com/loqalabs/loqa-readalong/internal/config"
)

// Manager owns a small pool of handles rotated round-robin so the next
// segment can be loaded while the current one plays.
//
// Handle methods are called with the manager lock held and must not call
// back into the manager. onReady callbacks always run on a clock callback
// without the lock held.
type Manager struct {
	cfg     config.TransitionConfig
	factory Factory
	clock   clock.Clock
	log     *slog.Logger

	mu      sync.Mutex
	slots   []slot
	next    int
	gen     uint64
	pending clock.Timer
	fade    *crossfade
}

type slot struct {
	handle   Handle
	sequence int
}

type crossfade struct {
	from  Handle
	to    Handle
	step  int
	timer clock.Timer
}

func NewManager(cfg config.TransitionConfig, factory Factory, clk clock.Clock, log *slog.Logger) *Manager {
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.PoolSize < 2 {
		cfg.PoolSize = 3
	}
	return &Manager{
		cfg:     cfg,
		factory: factory,
		clock:   clk,
		log:     log.With(slog.String("component", "playback")),
	}
}

// Acquire loads uri into the next handle of the pool. The handle previously
// held by that slot is stopped first.
func (m *Manager) Acquire(sequence int, uri string) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.slots == nil {
		m.slots = make([]slot, m.cfg.PoolSize)
	}
	i := m.next
	m.next = (m.next + 1) % len(m.slots)
	s := &m.slots[i]

	if s.handle == nil {
		h, err := m.factory()
		if err != nil {
			return nil, fmt.Errorf("create audio handle: %w", err)
		}
		s.handle = h
	}
	if m.fade != nil && (m.fade.from == s.handle || m.fade.to == s.handle) {
		m.settleLocked()
	}
	s.handle.Stop()
	if err := s.handle.Load(uri); err != nil {
		return nil, fmt.Errorf("load segment %d: %w", sequence, err)
	}
	s.sequence = sequence
	return s.handle, nil
}

// Transition starts to after the debounce window and crossfades from it.
// A transition requested before the previous one began replaces it; the
// replaced onReady is never called. from may be nil for the first segment,
// in which case there is no debounce.
func (m *Manager) Transition(from, to Handle, onReady func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancelLocked()
	gen := m.gen
	delay := time.Duration(m.cfg.DebounceMS) * time.Millisecond
	if from == nil {
		delay = 0
	}
	m.pending = m.clock.AfterFunc(delay, func() { m.begin(gen, from, to, onReady) })
}

func (m *Manager) begin(gen uint64, from, to Handle, onReady func(error)) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.pending = nil

	fading := from != nil && from != to && m.cfg.CrossfadeMS > 0 && m.cfg.CrossfadeSteps > 0
	if fading {
		to.SetVolume(0)
	} else {
		to.SetVolume(1)
	}
	err := to.Play()
	if Benign(err) {
		m.log.Debug("play interrupted, retrying")
		err = to.Play()
	}
	if err != nil {
		to.SetVolume(1)
		if from != nil && from != to {
			from.Stop()
		}
		m.mu.Unlock()
		onReady(err)
		return
	}
	switch {
	case fading:
		m.fade = &crossfade{from: from, to: to}
		m.scheduleFadeLocked(m.fade)
	case from != nil && from != to:
		from.Stop()
	}
	m.mu.Unlock()
	onReady(nil)
}

func (m *Manager) scheduleFadeLocked(f *crossfade) {
	interval := time.Duration(m.cfg.CrossfadeMS) * time.Millisecond / time.Duration(m.cfg.CrossfadeSteps)
	f.timer = m.clock.AfterFunc(interval, func() { m.stepFade(f) })
}

func (m *Manager) stepFade(f *crossfade) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fade != f {
		return
	}
	f.step++
	if f.step >= m.cfg.CrossfadeSteps {
		m.settleLocked()
		return
	}
	v := float64(f.step) / float64(m.cfg.CrossfadeSteps)
	f.to.SetVolume(v)
	f.from.SetVolume(1 - v)
	m.scheduleFadeLocked(f)
}

// settleLocked completes an in-flight crossfade immediately.
func (m *Manager) settleLocked() {
	f := m.fade
	if f == nil {
		return
	}
	m.fade = nil
	if f.timer != nil {
		f.timer.Stop()
	}
	f.to.SetVolume(1)
	f.from.Stop()
	f.from.SetVolume(1)
}

func (m *Manager) cancelLocked() {
	m.gen++
	if m.pending != nil {
		m.pending.Stop()
		m.pending = nil
	}
	m.settleLocked()
}

// Pending reports whether a transition is waiting out its debounce window.
func (m *Manager) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending != nil
}

// Fading reports whether a crossfade is in progress.
func (m *Manager) Fading() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fade != nil
}

// CancelPending drops any scheduled transition and finishes a running fade.
func (m *Manager) CancelPending() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelLocked()
}

// Pause cancels pending work and pauses every pooled handle.
func (m *Manager) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelLocked()
	for _, s := range m.slots {
		if s.handle != nil {
			s.handle.Pause()
		}
	}
}

// Reset stops and releases every handle. The pool is rebuilt lazily.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelLocked()
	for _, s := range m.slots {
		if s.handle != nil {
			s.handle.Stop()
			s.handle.Release()
		}
	}
	m.slots = nil
	m.next = 0
}
