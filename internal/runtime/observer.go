package runtime

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-readalong/internal/highlight"
	"github.com/loqalabs/loqa-readalong/internal/orchestrator"
	"github.com/loqalabs/loqa-readalong/internal/timing"
)

// logObserver writes session debug detail to the runtime logger. Per-frame
// evaluations are only emitted when debug logging is enabled.
type logObserver struct {
	log *slog.Logger
}

func newLogObserver(log *slog.Logger) logObserver {
	return logObserver{log: log.With(slog.String("component", "session-debug"))}
}

func (o logObserver) StatusChanged(id string, from, to orchestrator.Status, err error) {
	attrs := []any{
		slog.String("session", id),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		o.log.Warn("session status changed", attrs...)
		return
	}
	o.log.Debug("session status changed", attrs...)
}

func (o logObserver) SegmentStarted(id string, seg timing.Segment, offset time.Duration) {
	o.log.Debug("segment started",
		slog.String("session", id),
		slog.Int("sequence", seg.Sequence),
		slog.Int("words", len(seg.Words)),
		slog.Duration("offset", offset),
	)
}

func (o logObserver) FrameEvaluated(id string, snap highlight.Snapshot) {
	if !o.log.Enabled(context.Background(), slog.LevelDebug-1) {
		return
	}
	o.log.Log(context.Background(), slog.LevelDebug-1, "frame evaluated",
		slog.String("session", id),
		slog.Int("index", snap.Index),
		slog.Bool("fallback", snap.Fallback),
	)
}

func (o logObserver) Fault(id, op string, err error) {
	o.log.Error("session fault",
		slog.String("session", id),
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
}
