package content

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-readalong/internal/config"
	"github.com/loqalabs/loqa-readalong/internal/timing"
)

// estimatedWordDuration is used when a provider reports no audio length.
const estimatedWordDuration = 400 * time.Millisecond

// Fetcher turns chunk keys into segment queues, consulting the cache before
// generating audio.
type Fetcher struct {
	cfg    config.FetchConfig
	cache  Cache
	text   TextSource
	gen    Generator
	log    *slog.Logger
	tracer trace.Tracer
}

// NewFetcher creates a fetcher. cache may be nil.
func NewFetcher(cfg config.FetchConfig, cache Cache, text TextSource, gen Generator, log *slog.Logger) *Fetcher {
	return &Fetcher{
		cfg:    cfg,
		cache:  cache,
		text:   text,
		gen:    gen,
		log:    log.With(slog.String("component", "content-fetcher")),
		tracer: otel.Tracer("github.com/loqalabs/loqa-readalong/content"),
	}
}

// Fetch resolves one chunk.
func (f *Fetcher) Fetch(ctx context.Context, key ChunkKey) (timing.Queue, error) {
	ctx, span := f.tracer.Start(ctx, "content.fetch", trace.WithAttributes(
		attribute.String("chunk.collection", key.Collection),
		attribute.Int("chunk.index", key.Chunk),
		attribute.String("chunk.voice", key.Voice),
	))
	defer span.End()

	if f.cache != nil {
		segs, ok, err := f.cache.Segments(ctx, key)
		if err != nil {
			f.log.Warn("segment cache lookup failed", slog.String("chunk", key.String()), slogError(err))
		} else if ok {
			span.SetAttributes(attribute.Bool("cache.hit", true))
			return timing.NewQueue(segs)
		}
	}

	q, err := f.generate(ctx, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return timing.Queue{}, err
	}
	return q, nil
}

// FetchMany resolves several chunks, answering cache hits with a single bulk
// lookup when the cache supports it.
func (f *Fetcher) FetchMany(ctx context.Context, keys []ChunkKey) map[ChunkKey]Result {
	out := make(map[ChunkKey]Result, len(keys))
	pending := keys
	if bulk, ok := f.cache.(BulkCache); ok && len(keys) > 1 {
		hits, err := bulk.SegmentsBulk(ctx, keys)
		if err != nil {
			f.log.Warn("bulk segment lookup failed", slogError(err))
		}
		pending = pending[:0:0]
		for _, key := range keys {
			segs, hit := hits[key]
			if !hit {
				pending = append(pending, key)
				continue
			}
			q, err := timing.NewQueue(segs)
			out[key] = Result{Queue: q, Err: err}
		}
	}
	for _, key := range pending {
		q, err := f.Fetch(ctx, key)
		out[key] = Result{Queue: q, Err: err}
	}
	return out
}

func (f *Fetcher) generate(ctx context.Context, key ChunkKey) (timing.Queue, error) {
	if f.text == nil || f.gen == nil {
		return timing.Queue{}, ErrNoContent
	}
	sentences, err := f.text.Sentences(ctx, key)
	if err != nil {
		return timing.Queue{}, err
	}
	if len(sentences) == 0 {
		return timing.Queue{}, ErrNoContent
	}

	segs := make([]timing.Segment, 0, len(sentences))
	for i, text := range sentences {
		req := Request{Key: key, Sequence: i, Text: text, Voice: key.Voice}
		r, err := f.generateWithRetry(ctx, req)
		if err != nil {
			return timing.Queue{}, fmt.Errorf("%w: %s sentence %d: %v", ErrFetchFailed, key, i, err)
		}
		segs = append(segs, f.segment(req, r))
	}

	q, err := timing.NewQueue(segs)
	if err != nil {
		return timing.Queue{}, err
	}
	if f.cache != nil {
		if err := f.cache.Put(ctx, key, segs); err != nil {
			f.log.Warn("segment cache store failed", slog.String("chunk", key.String()), slogError(err))
		}
	}
	return q, nil
}

func (f *Fetcher) generateWithRetry(ctx context.Context, req Request) (Rendition, error) {
	attempts := 1 + f.cfg.Retries
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		r, err := f.generateOnce(ctx, req)
		if err == nil {
			return r, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		f.log.Warn("audio generation failed",
			slog.String("chunk", req.Key.String()),
			slog.Int("sequence", req.Sequence),
			slog.Int("attempt", attempt),
			slogError(err))
	}
	return Rendition{}, lastErr
}

func (f *Fetcher) generateOnce(ctx context.Context, req Request) (Rendition, error) {
	timeout := time.Duration(f.cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	r, err := f.gen.Generate(attemptCtx, req)
	if err != nil {
		return Rendition{}, err
	}
	if r.AudioURI == "" {
		return Rendition{}, errors.New("generator returned no audio")
	}
	return r, nil
}

func (f *Fetcher) segment(req Request, r Rendition) timing.Segment {
	seg := timing.Segment{
		ID:       uuid.NewString(),
		Sequence: req.Sequence,
		AudioURI: r.AudioURI,
		Duration: r.Duration,
		Text:     req.Text,
		Words:    r.Words,
		Provider: r.Provider,
		VoiceID:  r.VoiceID,
	}
	if seg.Duration <= 0 {
		seg.Duration = time.Duration(len(timing.SplitWords(req.Text))) * estimatedWordDuration
		seg.Estimated = true
	}
	if len(seg.Words) == 0 {
		seg.Words = timing.Estimate(req.Text, seg.Duration)
		seg.Estimated = true
		return seg
	}
	if err := timing.Validate(seg.Words, seg.Duration); err != nil {
		f.log.Warn("provider timings rejected, estimating",
			slog.String("chunk", req.Key.String()),
			slog.Int("sequence", req.Sequence),
			slogError(err))
		seg.Words = timing.Estimate(req.Text, seg.Duration)
		seg.Estimated = true
	}
	return seg
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
