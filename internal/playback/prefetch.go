package playback

import (
	"context"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/loqalabs/loqa-readalong/internal/config"
	"github.com/loqalabs/loqa-readalong/internal/content"
	"github.com/loqalabs/loqa-readalong/internal/timing"
)

const maxChunkSentences = 20

// ChunkSource resolves chunks. *content.Fetcher satisfies it.
type ChunkSource interface {
	Fetch(ctx context.Context, key content.ChunkKey) (timing.Queue, error)
	FetchMany(ctx context.Context, keys []content.ChunkKey) map[content.ChunkKey]content.Result
}

// Prefetcher resolves upcoming chunks in the background and holds the
// results until the session asks for them. Each key is fetched at most once
// until it is taken or the prefetcher is reset.
type Prefetcher struct {
	src     ChunkSource
	log     *slog.Logger
	timeout time.Duration

	mu       sync.Mutex
	ready    *lru.Cache[content.ChunkKey, timing.Queue]
	inflight map[content.ChunkKey]chan struct{}
	failed   map[content.ChunkKey]error
	cancel   context.CancelFunc
	ctx      context.Context
	wg       sync.WaitGroup
}

func NewPrefetcher(cfg config.TransitionConfig, fetch config.FetchConfig, src ChunkSource, log *slog.Logger) (*Prefetcher, error) {
	size := cfg.PrefetchCacheSize
	if size <= 0 {
		size = 16
	}
	ready, err := lru.New[content.ChunkKey, timing.Queue](size)
	if err != nil {
		return nil, err
	}
	// Upper bound for a whole chunk: every attempt of maxChunkSentences.
	timeout := time.Duration(fetch.TimeoutMS*(1+fetch.Retries)) * time.Millisecond * maxChunkSentences
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Prefetcher{
		src:      src,
		log:      log.With(slog.String("component", "prefetch")),
		timeout:  timeout,
		ready:    ready,
		inflight: make(map[content.ChunkKey]chan struct{}),
		failed:   make(map[content.ChunkKey]error),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// PrefetchAhead starts fetching the n chunks following from. Keys already
// ready, in flight or failed are skipped. It returns immediately.
func (p *Prefetcher) PrefetchAhead(from content.ChunkKey, n int) {
	p.mu.Lock()
	var keys []content.ChunkKey
	for i := 1; i <= n; i++ {
		key := from.Offset(i)
		if p.ready.Contains(key) {
			continue
		}
		if _, ok := p.inflight[key]; ok {
			continue
		}
		if _, ok := p.failed[key]; ok {
			continue
		}
		p.inflight[key] = make(chan struct{})
		keys = append(keys, key)
	}
	ctx := p.ctx
	p.mu.Unlock()
	if len(keys) == 0 {
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fetchCtx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		results := p.src.FetchMany(fetchCtx, keys)
		p.store(ctx, keys, results)
	}()
}

func (p *Prefetcher) store(ctx context.Context, keys []content.ChunkKey, results map[content.ChunkKey]content.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ctx != p.ctx {
		return
	}
	for _, key := range keys {
		if done, ok := p.inflight[key]; ok {
			close(done)
			delete(p.inflight, key)
		}
		r, ok := results[key]
		switch {
		case !ok:
			p.failed[key] = context.Canceled
		case r.Err != nil:
			p.failed[key] = r.Err
			p.log.Warn("chunk prefetch failed", slog.String("chunk", key.String()), slog.String("error", r.Err.Error()))
		default:
			p.ready.Add(key, r.Queue)
			p.log.Debug("chunk prefetched", slog.String("chunk", key.String()), slog.Int("segments", r.Queue.Len()))
		}
	}
}

// Take removes and returns a prefetched chunk.
func (p *Prefetcher) Take(key content.ChunkKey) (timing.Queue, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q, ok := p.ready.Get(key)
	if ok {
		p.ready.Remove(key)
	}
	return q, ok
}

// Await hands over the result for key, first waiting for an in-flight fetch
// of it to finish. ok is false when key was not being prefetched, or its
// fetch was abandoned by Reset, and the caller should fetch it itself.
func (p *Prefetcher) Await(ctx context.Context, key content.ChunkKey) (q timing.Queue, ok bool, err error) {
	p.mu.Lock()
	done, waiting := p.inflight[key]
	p.mu.Unlock()
	if waiting {
		select {
		case <-done:
		case <-ctx.Done():
			return timing.Queue{}, true, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if q, ok := p.ready.Get(key); ok {
		p.ready.Remove(key)
		return q, true, nil
	}
	if waiting {
		if err, failed := p.failed[key]; failed {
			return timing.Queue{}, true, err
		}
	}
	return timing.Queue{}, false, nil
}

// Failed returns the error of a prefetch that could not be completed, or
// nil.
func (p *Prefetcher) Failed(key content.ChunkKey) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failed[key]
}

// InFlight reports whether key is currently being fetched.
func (p *Prefetcher) InFlight(key content.ChunkKey) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inflight[key]
	return ok
}

// Wait blocks until all background fetches have finished.
func (p *Prefetcher) Wait() {
	p.wg.Wait()
}

// Reset abandons in-flight work and forgets all results.
func (p *Prefetcher) Reset() {
	p.mu.Lock()
	p.cancel()
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.ready.Purge()
	for _, done := range p.inflight {
		close(done)
	}
	p.inflight = make(map[content.ChunkKey]chan struct{})
	p.failed = make(map[content.ChunkKey]error)
	p.mu.Unlock()
}

// Close cancels background work and waits for it to stop.
func (p *Prefetcher) Close() {
	p.mu.Lock()
	p.cancel()
	p.mu.Unlock()
	p.wg.Wait()
}
