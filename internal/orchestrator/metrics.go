package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	transitions metric.Int64Counter
	faults      metric.Int64Counter
	highlights  metric.Int64Counter
	chunks      metric.Int64Counter
	offset      metric.Float64Gauge
	confidence  metric.Float64Gauge
}

func newMetrics(log *slog.Logger) *metrics {
	meter := otel.Meter("github.com/loqalabs/loqa-readalong/orchestrator")
	warn := func(name string, err error) {
		log.Warn("failed to initialize metric", slog.String("metric", name), slog.String("error", err.Error()))
	}
	m := &metrics{}
	var err error
	if m.transitions, err = meter.Int64Counter("readalong.segment.transitions",
		metric.WithDescription("Segments started")); err != nil {
		warn("transitions", err)
	}
	if m.faults, err = meter.Int64Counter("readalong.playback.faults",
		metric.WithDescription("Playback faults by kind")); err != nil {
		warn("faults", err)
	}
	if m.highlights, err = meter.Int64Counter("readalong.highlight.changes",
		metric.WithDescription("Word highlight index changes")); err != nil {
		warn("highlights", err)
	}
	if m.chunks, err = meter.Int64Counter("readalong.chunk.completed",
		metric.WithDescription("Chunks played to the end")); err != nil {
		warn("chunks", err)
	}
	if m.offset, err = meter.Float64Gauge("readalong.calibration.offset",
		metric.WithDescription("Applied sync offset"), metric.WithUnit("ms")); err != nil {
		warn("offset", err)
	}
	if m.confidence, err = meter.Float64Gauge("readalong.calibration.confidence",
		metric.WithDescription("Calibration confidence of the active collection")); err != nil {
		warn("confidence", err)
	}
	return m
}

func (m *metrics) segmentStarted(ctx context.Context, offset time.Duration, confidence float64) {
	if m.transitions != nil {
		m.transitions.Add(ctx, 1)
	}
	if m.offset != nil {
		m.offset.Record(ctx, float64(offset)/float64(time.Millisecond))
	}
	if m.confidence != nil {
		m.confidence.Record(ctx, confidence)
	}
}

func (m *metrics) fault(ctx context.Context, kind string) {
	if m.faults != nil {
		m.faults.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

func (m *metrics) highlight(ctx context.Context) {
	if m.highlights != nil {
		m.highlights.Add(ctx, 1)
	}
}

func (m *metrics) chunkCompleted(ctx context.Context) {
	if m.chunks != nil {
		m.chunks.Add(ctx, 1)
	}
}
