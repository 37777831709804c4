package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-readalong/internal/autoscroll"
	"github.com/loqalabs/loqa-readalong/internal/calibration"
	"github.com/loqalabs/loqa-readalong/internal/clock"
	"github.com/loqalabs/loqa-readalong/internal/config"
	"github.com/loqalabs/loqa-readalong/internal/content"
	"github.com/loqalabs/loqa-readalong/internal/highlight"
	"github.com/loqalabs/loqa-readalong/internal/playback"
	"github.com/loqalabs/loqa-readalong/internal/protocol"
	"github.com/loqalabs/loqa-readalong/internal/timing"
)

// Deps are the collaborators a session drives. Chunks and Handles are
// required.
type Deps struct {
	Chunks   playback.ChunkSource
	Handles  playback.Factory
	Profiles calibration.Store
	Host     Host
	Layout   autoscroll.Layout
	Clock    clock.Clock
	Observer Observer
	Logger   *slog.Logger
}

// Snapshot is a point-in-time view of a session for debugging.
type Snapshot struct {
	ID            string
	Status        Status
	Err           error
	Key           content.ChunkKey
	Segment       int
	Segments      int
	Word          int
	Offset        time.Duration
	Calibration   calibration.Stats
	Highlight     highlight.Snapshot
	ScrollUpdates int
}

// Session plays one reader's content. All state is guarded by mu; the
// tracker, scroll controller and calibrator are only touched with mu held,
// so frame callbacks, handle callbacks and host commands serialise on it.
type Session struct {
	id       string
	cfg      config.Config
	chunks   playback.ChunkSource
	host     Host
	observer Observer
	clock    clock.Clock
	log      *slog.Logger
	metrics  *metrics

	calibrator *calibration.Calibrator
	tracker    *highlight.Tracker
	scroll     *autoscroll.Controller
	handles    *playback.Manager
	prefetch   *playback.Prefetcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	status       Status
	err          error
	key          content.ChunkKey
	hasKey       bool
	queue        timing.Queue
	index        int
	word         int
	active       playback.Handle
	starting     bool
	autoplay     bool
	offset       time.Duration
	epoch        uint64
	prefetched   bool
	lastProgress time.Time
	closed       bool
}

// New creates an idle session. An empty id is replaced by a random one.
func New(id string, cfg config.Config, deps Deps) (*Session, error) {
	if deps.Chunks == nil || deps.Handles == nil {
		return nil, errors.New("session requires a chunk source and a handle factory")
	}
	if id == "" {
		id = uuid.NewString()
	}
	if deps.Host == nil {
		deps.Host = NopHost{}
	}
	if deps.Observer == nil {
		deps.Observer = NopObserver{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("session", id))

	prefetch, err := playback.NewPrefetcher(cfg.Transition, cfg.Fetch, deps.Chunks, log)
	if err != nil {
		return nil, fmt.Errorf("create prefetcher: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:         id,
		cfg:        cfg,
		chunks:     deps.Chunks,
		host:       deps.Host,
		observer:   deps.Observer,
		clock:      deps.Clock,
		log:        log.With(slog.String("component", "orchestrator")),
		metrics:    newMetrics(log),
		calibrator: calibration.New(cfg.Calibration, deps.Profiles, deps.Clock, log),
		scroll:     autoscroll.New(cfg.Scroll, deps.Clock, deps.Layout, log),
		handles:    playback.NewManager(cfg.Transition, deps.Handles, deps.Clock, log),
		prefetch:   prefetch,
		ctx:        ctx,
		cancel:     cancel,
		word:       -1,
	}
	var sink highlight.SampleSink
	if cfg.Engine.Calibrate {
		sink = s.calibrator
	}
	s.tracker = highlight.New(cfg.Highlight, sink, log)
	s.tracker.OnIndexChange(s.onWordLocked)
	s.scroll.OnScroll(s.onScrollLocked)
	return s, nil
}

func (s *Session) ID() string { return s.id }

// Open loads a chunk and leaves the session Ready. Any playback in progress
// is halted first. Opening a different collection restarts calibration.
func (s *Session) Open(ctx context.Context, key content.ChunkKey) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	epoch := s.switchChunkLocked(ctx, key)
	s.mu.Unlock()

	q, err := s.load(ctx, key)

	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		return ErrSuperseded
	}
	return s.installLocked(q, err)
}

// SeekToChunk opens chunk n of the current collection, resuming playback if
// the session was playing.
func (s *Session) SeekToChunk(ctx context.Context, n int) error {
	if n < 0 {
		return fmt.Errorf("chunk index %d out of range", n)
	}
	s.mu.Lock()
	if !s.hasKey {
		s.mu.Unlock()
		return ErrNotLoaded
	}
	key := s.key
	key.Chunk = n
	resume := s.status == StatusPlaying || (s.status == StatusLoading && s.autoplay)
	s.mu.Unlock()

	if err := s.Open(ctx, key); err != nil {
		return err
	}
	if resume {
		return s.Play(ctx)
	}
	return nil
}

// Play starts or resumes playback. From Error it reloads the current chunk
// first; while Loading it arranges for playback to start once loaded.
func (s *Session) Play(ctx context.Context) error {
	s.mu.Lock()
	switch s.status {
	case StatusPlaying:
	case StatusLoading:
		s.autoplay = true
	case StatusReady:
		s.startSegmentLocked(nil)
	case StatusPaused:
		s.resumeLocked()
	case StatusCompleted:
		s.index = 0
		s.scroll.OnContentChanged()
		s.startSegmentLocked(nil)
	case StatusError:
		if !s.hasKey || s.closed {
			s.mu.Unlock()
			return ErrNotLoaded
		}
		key := s.key
		s.mu.Unlock()
		if err := s.Open(ctx, key); err != nil {
			return err
		}
		return s.Play(ctx)
	default:
		s.mu.Unlock()
		if s.closed {
			return ErrClosed
		}
		return ErrNotLoaded
	}
	defer s.mu.Unlock()
	if s.status == StatusError {
		return s.err
	}
	return nil
}

// Pause halts audio and highlighting. A pending segment transition is
// dropped and re-issued on the next Play.
func (s *Session) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.status {
	case StatusLoading:
		s.autoplay = false
	case StatusPlaying:
		s.handles.Pause()
		s.setStatusLocked(StatusPaused, nil)
		s.publishProgressLocked()
	}
}

// Frame runs one display frame: highlight resolution, scrolling, prefetch
// and progress reporting. It never panics.
func (s *Session) Frame() {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("frame panic: %v", r)
			s.log.Warn("frame failed", slogError(err))
			s.observer.Fault(s.id, "frame", err)
			s.metrics.fault(s.ctx, "frame")
		}
	}()
	if s.status != StatusPlaying {
		return
	}
	s.tracker.Frame()
	s.scroll.Tick()
	s.maybePrefetchLocked()
	interval := time.Duration(s.cfg.Engine.ProgressIntervalMS) * time.Millisecond
	if s.clock.Now().Sub(s.lastProgress) >= interval {
		s.publishProgressLocked()
	}
	s.observer.FrameEvaluated(s.id, s.tracker.Snapshot())
}

// UserScrolled tells the scroll controller the reader moved the viewport.
func (s *Session) UserScrolled() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scroll.OnUserScrollDetected()
}

// SetLayout replaces the viewport geometry source.
func (s *Session) SetLayout(layout autoscroll.Layout) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scroll.SetLayout(layout)
}

// ForgetCalibration discards the learned offset of the active collection.
func (s *Session) ForgetCalibration(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calibrator.Forget(ctx)
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:            s.id,
		Status:        s.status,
		Err:           s.err,
		Key:           s.key,
		Segment:       s.index,
		Segments:      s.queue.Len(),
		Word:          s.word,
		Offset:        s.offset,
		Calibration:   s.calibrator.Stats(),
		Highlight:     s.tracker.Snapshot(),
		ScrollUpdates: s.scroll.Updates(),
	}
}

// Close stops playback, releases handles and waits for background loads.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.haltLocked()
	s.setStatusLocked(StatusIdle, nil)
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.prefetch.Close()
}

// load prefers a prefetched chunk, waiting for one still in flight rather
// than generating it a second time.
func (s *Session) load(ctx context.Context, key content.ChunkKey) (timing.Queue, error) {
	if s.cfg.Engine.Prefetch {
		if q, ok, err := s.prefetch.Await(ctx, key); ok {
			return q, err
		}
	}
	return s.chunks.Fetch(ctx, key)
}

// haltLocked stops everything tied to the current chunk. Callbacks
// scheduled before the call are dropped by the epoch check.
func (s *Session) haltLocked() {
	s.epoch++
	s.tracker.Stop()
	s.handles.Reset()
	s.active = nil
	s.starting = false
}

func (s *Session) switchChunkLocked(ctx context.Context, key content.ChunkKey) uint64 {
	s.haltLocked()
	if !s.hasKey || key.Collection != s.key.Collection {
		s.calibrator.Begin(ctx, key.Collection)
		s.prefetch.Reset()
	}
	s.key = key
	s.hasKey = true
	s.queue = timing.Queue{}
	s.index = 0
	s.word = -1
	s.autoplay = false
	s.prefetched = false
	s.scroll.OnContentChanged()
	s.setStatusLocked(StatusLoading, nil)
	return s.epoch
}

func (s *Session) installLocked(q timing.Queue, err error) error {
	if err == nil && q.Len() == 0 {
		err = content.ErrNoContent
	}
	if err != nil {
		err = fmt.Errorf("load chunk %s: %w", s.key, err)
		s.failLocked("load", err)
		return err
	}
	s.queue = q
	s.index = 0
	s.setStatusLocked(StatusReady, nil)
	s.publishProgressLocked()
	if s.autoplay {
		s.autoplay = false
		s.startSegmentLocked(nil)
	}
	return nil
}

func (s *Session) startSegmentLocked(prev playback.Handle) {
	seg, ok := s.queue.At(s.index)
	if !ok {
		s.completeChunkLocked()
		return
	}
	h, err := s.handles.Acquire(seg.Sequence, seg.AudioURI)
	if err != nil {
		s.playFaultLocked(err)
		return
	}
	epoch, idx := s.epoch, s.index
	h.OnEnded(func() { s.segmentEnded(epoch, idx) })
	s.active = h
	s.tracker.Stop()
	s.setStatusLocked(StatusPlaying, nil)
	s.transitionLocked(prev, h)
}

func (s *Session) transitionLocked(from, to playback.Handle) {
	epoch, idx := s.epoch, s.index
	s.starting = true
	s.handles.Transition(from, to, func(err error) { s.segmentReady(epoch, idx, err) })
}

func (s *Session) resumeLocked() {
	if s.active == nil {
		s.startSegmentLocked(nil)
		return
	}
	s.setStatusLocked(StatusPlaying, nil)
	if s.starting {
		s.transitionLocked(nil, s.active)
		return
	}
	err := s.active.Play()
	if playback.Benign(err) {
		err = s.active.Play()
	}
	if err != nil {
		s.playFaultLocked(err)
	}
}

func (s *Session) segmentReady(epoch uint64, idx int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch || idx != s.index || s.status != StatusPlaying {
		return
	}
	s.starting = false
	if err != nil {
		s.playFaultLocked(err)
		return
	}
	seg, _ := s.queue.At(idx)
	s.offset = s.segmentOffsetLocked()
	tracked := seg
	if s.cfg.Engine.FallbackOnly {
		tracked.Words = nil
	}
	s.tracker.Start(tracked, s.active, s.offset)
	s.observer.SegmentStarted(s.id, seg, s.offset)
	s.metrics.segmentStarted(s.ctx, s.offset, s.calibrator.Confidence())
	s.log.Debug("segment started",
		slog.String("chunk", s.key.String()),
		slog.Int("segment", idx),
		slog.Duration("offset", s.offset),
		slog.Bool("estimated", seg.Estimated))
}

func (s *Session) segmentEnded(epoch uint64, idx int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch || idx != s.index || s.status != StatusPlaying {
		return
	}
	s.tracker.Stop()
	if s.cfg.Engine.Calibrate {
		if offset, ok := s.calibrator.CommitBoundary(s.ctx); ok {
			s.log.Debug("calibration applied", slog.Duration("offset", offset))
		}
	}
	s.advanceSegmentLocked()
}

func (s *Session) advanceSegmentLocked() {
	prev := s.active
	s.index++
	s.publishProgressLocked()
	if s.index >= s.queue.Len() {
		s.completeChunkLocked()
		return
	}
	s.startSegmentLocked(prev)
}

func (s *Session) segmentOffsetLocked() time.Duration {
	if !s.cfg.Engine.Calibrate {
		return s.calibrator.DefaultOffset()
	}
	return s.calibrator.Offset(s.key.Collection)
}

// playFaultLocked handles a rejected play. Interruptions skip to the next
// segment; anything else halts the session.
func (s *Session) playFaultLocked(err error) {
	if playback.Benign(err) {
		s.metrics.fault(s.ctx, "interrupted")
		s.observer.Fault(s.id, "play", err)
		s.log.Info("playback interrupted, skipping segment", slog.Int("segment", s.index), slogError(err))
		s.tracker.Stop()
		s.starting = false
		s.advanceSegmentLocked()
		return
	}
	s.metrics.fault(s.ctx, "fatal")
	s.failLocked("play", err)
}

func (s *Session) failLocked(op string, err error) {
	s.haltLocked()
	s.autoplay = false
	s.observer.Fault(s.id, op, err)
	s.log.Error("playback failed", slog.String("op", op), slogError(err))
	s.setStatusLocked(StatusError, err)
	s.publishProgressLocked()
}

func (s *Session) completeChunkLocked() {
	s.tracker.Stop()
	s.active = nil
	s.starting = false
	s.setStatusLocked(StatusCompleted, nil)
	s.metrics.chunkCompleted(s.ctx)
	s.host.ChunkComplete(protocol.ChunkComplete{
		SessionID:  s.id,
		Collection: s.key.Collection,
		Chunk:      s.key.Chunk,
		Timestamp:  s.clock.Now().UTC(),
	})
	s.publishProgressLocked()

	if !s.cfg.Engine.AutoAdvance {
		return
	}
	next := s.key.Offset(1)
	if s.cfg.Engine.Prefetch {
		if err := s.prefetch.Failed(next); err != nil {
			if errors.Is(err, content.ErrNoContent) {
				s.log.Info("collection finished", slog.String("collection", s.key.Collection))
				return
			}
			s.failLocked("prefetch", fmt.Errorf("prefetch chunk %s: %w", next, err))
			return
		}
		if q, ok := s.prefetch.Take(next); ok {
			s.switchChunkLocked(s.ctx, next)
			s.autoplay = true
			_ = s.installLocked(q, nil)
			return
		}
	}
	s.advanceChunkLocked(next)
}

// advanceChunkLocked loads next in the background and plays it. The
// session keeps the finished chunk until the load succeeds: running out of
// content leaves it Completed, a failed load leaves it in Error.
func (s *Session) advanceChunkLocked(next content.ChunkKey) {
	s.epoch++
	epoch := s.epoch
	s.autoplay = true
	s.setStatusLocked(StatusLoading, nil)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		q, err := s.load(s.ctx, next)
		if err == nil && q.Len() == 0 {
			err = content.ErrNoContent
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if epoch != s.epoch {
			return
		}
		switch {
		case errors.Is(err, content.ErrNoContent):
			s.autoplay = false
			s.setStatusLocked(StatusCompleted, nil)
			s.log.Info("collection finished", slog.String("collection", s.key.Collection))
		case err != nil:
			s.failLocked("load", fmt.Errorf("load chunk %s: %w", next, err))
		default:
			autoplay := s.autoplay
			s.switchChunkLocked(s.ctx, next)
			s.autoplay = autoplay
			_ = s.installLocked(q, nil)
		}
	}()
}

func (s *Session) maybePrefetchLocked() {
	if !s.cfg.Engine.Prefetch || s.prefetched || s.active == nil || s.starting {
		return
	}
	seg, ok := s.queue.At(s.index)
	if !ok {
		return
	}
	dur := seg.Duration
	if dur <= 0 {
		dur = s.active.Duration()
	}
	if dur <= 0 {
		return
	}
	if float64(s.active.Position())/float64(dur) < s.cfg.Transition.PrefetchAtFraction {
		return
	}
	s.prefetched = true
	ahead := s.cfg.Transition.PrefetchAhead
	if ahead < 1 {
		ahead = 1
	}
	s.prefetch.PrefetchAhead(s.key, ahead)
}

func (s *Session) onWordLocked(local int) {
	seg, ok := s.queue.At(s.index)
	if !ok {
		return
	}
	global := seg.FirstWord + local
	s.word = global
	var word string
	if local < len(seg.Words) {
		word = seg.Words[local].Word
	} else if words := timing.SplitWords(seg.Text); local < len(words) {
		word = words[local]
	}
	s.host.WordHighlight(protocol.Highlight{
		SessionID:  s.id,
		Collection: s.key.Collection,
		Chunk:      s.key.Chunk,
		Segment:    s.index,
		Index:      global,
		Word:       word,
		Estimated:  seg.Estimated || s.tracker.Snapshot().Fallback,
		Timestamp:  s.clock.Now().UTC(),
	})
	s.scroll.OnActiveIndexChanged(global)
	s.metrics.highlight(s.ctx)
}

func (s *Session) onScrollLocked(offset, fraction float64) {
	s.host.AutoScroll(protocol.AutoScroll{SessionID: s.id, Offset: offset, Fraction: fraction})
}

func (s *Session) publishProgressLocked() {
	s.lastProgress = s.clock.Now()
	var pos time.Duration
	if s.active != nil && s.index < s.queue.Len() {
		pos = s.active.Position()
	}
	p := protocol.Progress{
		SessionID:  s.id,
		Collection: s.key.Collection,
		Chunk:      s.key.Chunk,
		Sentence:   s.index,
		Sentences:  s.queue.Len(),
		CurrentMS:  millis(s.queue.ElapsedBefore(s.index) + pos),
		TotalMS:    millis(s.queue.TotalDuration()),
		Status:     s.status.String(),
	}
	if s.err != nil {
		p.Error = s.err.Error()
	}
	s.host.ProgressUpdate(p)
}

func (s *Session) setStatusLocked(status Status, err error) {
	from := s.status
	s.status = status
	s.err = err
	if from == status {
		return
	}
	s.observer.StatusChanged(s.id, from, status, err)
	s.log.Debug("status changed", slog.String("from", from.String()), slog.String("to", status.String()))
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
