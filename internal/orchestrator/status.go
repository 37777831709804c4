// Package orchestrator sequences the segments of a chunk and keeps the
// highlight tracker, auto-scroll controller and audio handles in step.
package orchestrator

import (
	"errors"
	"time"

	"github.com/loqalabs/loqa-readalong/internal/highlight"
	"github.com/loqalabs/loqa-readalong/internal/protocol"
	"github.com/loqalabs/loqa-readalong/internal/timing"
)

// Status is the playback state of a session.
type Status int

const (
	StatusIdle Status = iota
	StatusLoading
	StatusReady
	StatusPlaying
	StatusPaused
	StatusCompleted
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusReady:
		return "ready"
	case StatusPlaying:
		return "playing"
	case StatusPaused:
		return "paused"
	case StatusCompleted:
		return "completed"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

var (
	ErrClosed     = errors.New("session closed")
	ErrNotLoaded  = errors.New("no chunk loaded")
	ErrSuperseded = errors.New("load superseded by a newer request")
)

// Host receives the events a reading UI renders. Implementations must not
// call back into the session synchronously.
type Host interface {
	WordHighlight(protocol.Highlight)
	ProgressUpdate(protocol.Progress)
	ChunkComplete(protocol.ChunkComplete)
	AutoScroll(protocol.AutoScroll)
}

// Observer receives debug detail about a session. It is called with the
// session lock held and must return quickly.
type Observer interface {
	StatusChanged(sessionID string, from, to Status, err error)
	SegmentStarted(sessionID string, seg timing.Segment, offset time.Duration)
	FrameEvaluated(sessionID string, snap highlight.Snapshot)
	Fault(sessionID, op string, err error)
}

// NopObserver discards everything.
type NopObserver struct{}

func (NopObserver) StatusChanged(string, Status, Status, error)           {}
func (NopObserver) SegmentStarted(string, timing.Segment, time.Duration) {}
func (NopObserver) FrameEvaluated(string, highlight.Snapshot)           {}
func (NopObserver) Fault(string, string, error)                         {}

// NopHost discards host events.
type NopHost struct{}

func (NopHost) WordHighlight(protocol.Highlight)     {}
func (NopHost) ProgressUpdate(protocol.Progress)     {}
func (NopHost) ChunkComplete(protocol.ChunkComplete) {}
func (NopHost) AutoScroll(protocol.AutoScroll)       {}
