// Package playback manages the pool of audio handles that play the segments
// of a chunk, the transitions between them and chunk prefetching.
package playback

import (
	"errors"
	"time"
)

var (
	// ErrInterrupted reports that a play request was cut short by a pause.
	// It is benign.
	ErrInterrupted = errors.New("playback interrupted")
	// ErrDeviceUnavailable reports that no audio output could be opened.
	ErrDeviceUnavailable = errors.New("audio device unavailable")
)

// Handle is an opaque audio player for one segment at a time.
type Handle interface {
	// Load prepares uri for playback and clears the ended callback.
	Load(uri string) error
	Play() error
	Pause()
	Stop()
	// Release frees the underlying resources. The handle must not be used
	// afterwards.
	Release()
	Position() time.Duration
	Duration() time.Duration
	Paused() bool
	SetVolume(v float64)
	// OnEnded registers fn to run once when playback reaches the end.
	OnEnded(fn func())
}

// Factory creates a fresh handle.
type Factory func() (Handle, error)

// Benign reports whether err can be retried without surfacing a fault.
func Benign(err error) bool {
	return errors.Is(err, ErrInterrupted)
}
