// Package beepaudio plays segments on the local sound card with gopxl/beep.
package beepaudio

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/effects"
	"github.com/gopxl/beep/mp3"
	"github.com/gopxl/beep/speaker"
	"github.com/gopxl/beep/wav"

	"github.com/loqalabs/loqa-readalong/internal/config"
	"github.com/loqalabs/loqa-readalong/internal/playback"
)

const resampleQuality = 4

// Output is the initialised speaker shared by all handles.
type Output struct {
	rate beep.SampleRate
}

// Open initialises the speaker. It may only be called once per process.
func Open(cfg config.AudioConfig) (*Output, error) {
	rate := beep.SampleRate(cfg.SampleRate)
	buffer := time.Duration(cfg.BufferMS) * time.Millisecond
	if buffer <= 0 {
		buffer = 100 * time.Millisecond
	}
	if err := speaker.Init(rate, rate.N(buffer)); err != nil {
		return nil, fmt.Errorf("%w: %v", playback.ErrDeviceUnavailable, err)
	}
	return &Output{rate: rate}, nil
}

// NewHandle is a playback.Factory.
func (o *Output) NewHandle() (playback.Handle, error) {
	return &Handle{out: o}, nil
}

// Close stops all sound.
func (o *Output) Close() {
	speaker.Clear()
	speaker.Close()
}

// Handle plays one decoded file at a time. Fields read by the audio thread
// are guarded by the speaker lock; the rest by mu. mu is always taken
// before the speaker lock.
type Handle struct {
	out *Output

	mu      sync.Mutex
	stream  beep.StreamSeekCloser
	format  beep.Format
	ctrl    *beep.Ctrl
	volume  *effects.Volume
	ended   func()
	started bool
	done    bool
	gen     int
}

func (h *Handle) Load(uri string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.out == nil {
		return errors.New("audio handle released")
	}
	h.stopLocked()

	path, err := resolvePath(uri)
	if err != nil {
		return err
	}
	stream, format, err := decode(path)
	if err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}

	var src beep.Streamer = stream
	if format.SampleRate != h.out.rate {
		src = beep.Resample(resampleQuality, format.SampleRate, h.out.rate, stream)
	}
	h.gen++
	gen := h.gen
	h.stream, h.format = stream, format
	h.volume = &effects.Volume{Streamer: src, Base: 2}
	h.ctrl = &beep.Ctrl{Streamer: h.volume, Paused: true}
	h.ended = nil
	h.started, h.done = false, false
	speaker.Play(beep.Seq(h.ctrl, beep.Callback(func() {
		// Runs on the audio thread with the speaker locked.
		go h.finish(gen)
	})))
	return nil
}

func (h *Handle) Play() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ctrl == nil {
		return errors.New("no segment loaded")
	}
	if h.done {
		return nil
	}
	speaker.Lock()
	h.ctrl.Paused = false
	speaker.Unlock()
	h.started = true
	return nil
}

func (h *Handle) Pause() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ctrl == nil {
		return
	}
	speaker.Lock()
	h.ctrl.Paused = true
	speaker.Unlock()
}

func (h *Handle) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopLocked()
}

func (h *Handle) stopLocked() {
	if h.ctrl == nil {
		return
	}
	h.gen++
	speaker.Lock()
	h.ctrl.Streamer = nil
	h.ctrl.Paused = true
	speaker.Unlock()
	_ = h.stream.Close()
	h.ctrl, h.volume, h.stream = nil, nil, nil
	h.ended = nil
}

func (h *Handle) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopLocked()
	h.out = nil
}

func (h *Handle) Position() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stream == nil {
		return 0
	}
	speaker.Lock()
	p := h.stream.Position()
	speaker.Unlock()
	return h.format.SampleRate.D(p)
}

func (h *Handle) Duration() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stream == nil {
		return 0
	}
	return h.format.SampleRate.D(h.stream.Len())
}

func (h *Handle) Paused() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ctrl == nil || !h.started {
		return true
	}
	speaker.Lock()
	defer speaker.Unlock()
	return h.ctrl.Paused
}

func (h *Handle) SetVolume(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.volume == nil {
		return
	}
	level, silent := gain(v)
	speaker.Lock()
	h.volume.Volume = level
	h.volume.Silent = silent
	speaker.Unlock()
}

func (h *Handle) OnEnded(fn func()) {
	h.mu.Lock()
	h.ended = fn
	h.mu.Unlock()
}

func (h *Handle) finish(gen int) {
	h.mu.Lock()
	if gen != h.gen || h.done {
		h.mu.Unlock()
		return
	}
	h.done = true
	fn := h.ended
	h.ended = nil
	h.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// gain maps a linear volume in [0, 1] to the exponent used by effects.Volume
// with base 2.
func gain(v float64) (float64, bool) {
	if v <= 0 {
		return 0, true
	}
	if v > 1 {
		v = 1
	}
	return math.Log2(v), false
}

func resolvePath(uri string) (string, error) {
	if !strings.Contains(uri, "://") {
		return uri, nil
	}
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parse audio uri: %w", err)
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("unsupported audio uri scheme %q", u.Scheme)
	}
	return filepath.FromSlash(u.Path), nil
}

func decode(path string) (beep.StreamSeekCloser, beep.Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, beep.Format{}, err
	}
	var (
		stream beep.StreamSeekCloser
		format beep.Format
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		stream, format, err = mp3.Decode(f)
	case ".wav":
		stream, format, err = wav.Decode(f)
	default:
		err = fmt.Errorf("unsupported audio format %q", filepath.Ext(path))
	}
	if err != nil {
		f.Close()
		return nil, beep.Format{}, err
	}
	return stream, format, nil
}

var _ playback.Handle = (*Handle)(nil)
