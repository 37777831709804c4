package content

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-readalong/internal/config"
	"github.com/loqalabs/loqa-readalong/internal/timing"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeGen struct {
	mu    sync.Mutex
	calls int
	fn    func(call int, req Request) (Rendition, error)
}

func (g *fakeGen) Generate(ctx context.Context, req Request) (Rendition, error) {
	g.mu.Lock()
	g.calls++
	call := g.calls
	g.mu.Unlock()
	if g.fn != nil {
		return g.fn(call, req)
	}
	return timedRendition(req.Text), nil
}

func (g *fakeGen) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func timedRendition(text string) Rendition {
	words := timing.SplitWords(text)
	out := make([]timing.WordTiming, len(words))
	for i, w := range words {
		start := time.Duration(i) * 300 * time.Millisecond
		out[i] = timing.WordTiming{Word: w, Start: start, End: start + 250*time.Millisecond, Index: i, Confidence: 0.9}
	}
	return Rendition{
		AudioURI: "mem://" + text,
		Duration: time.Duration(len(words)) * 300 * time.Millisecond,
		Words:    out,
		Provider: "fake",
	}
}

func newFixture(t *testing.T, gen Generator) (*Fetcher, *MemoryCache, *TextRegistry) {
	t.Helper()
	cache, err := NewMemoryCache(8)
	if err != nil {
		t.Fatalf("NewMemoryCache: %v", err)
	}
	text := NewTextRegistry()
	text.SetChunks("book", []string{
		"One two. Three four five.",
		"Six seven eight.",
	})
	cfg := config.Default().Fetch
	cfg.TimeoutMS = 50
	return NewFetcher(cfg, cache, text, gen, newLogger()), cache, text
}

func TestFetchGeneratesAndCaches(t *testing.T) {
	gen := &fakeGen{}
	f, cache, _ := newFixture(t, gen)
	key := ChunkKey{Collection: "book", Chunk: 0}

	q, err := f.Fetch(context.Background(), key)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if q.Len() != 2 {
		t.Fatalf("expected 2 segments, got %d", q.Len())
	}
	second, _ := q.At(1)
	if second.FirstWord != 2 || second.Sequence != 1 {
		t.Fatalf("unexpected second segment: first=%d seq=%d", second.FirstWord, second.Sequence)
	}
	if second.ID == "" || second.Estimated {
		t.Fatalf("expected identified timed segment, got %+v", second)
	}
	if q.TotalWords() != 5 {
		t.Fatalf("expected 5 words, got %d", q.TotalWords())
	}
	if cache.Len() != 1 {
		t.Fatalf("expected chunk cached")
	}

	if _, err := f.Fetch(context.Background(), key); err != nil {
		t.Fatalf("second Fetch: %v", err)
	}
	if gen.Calls() != 2 {
		t.Fatalf("expected cached fetch to skip generation, calls=%d", gen.Calls())
	}
}

func TestFetchRetriesOnce(t *testing.T) {
	gen := &fakeGen{fn: func(call int, req Request) (Rendition, error) {
		if call == 1 {
			return Rendition{}, errors.New("provider busy")
		}
		return timedRendition(req.Text), nil
	}}
	f, _, _ := newFixture(t, gen)

	q, err := f.Fetch(context.Background(), ChunkKey{Collection: "book", Chunk: 1})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if q.Len() != 1 || gen.Calls() != 2 {
		t.Fatalf("expected one segment after one retry, len=%d calls=%d", q.Len(), gen.Calls())
	}
}

func TestFetchFailsAfterRetry(t *testing.T) {
	gen := &fakeGen{fn: func(int, Request) (Rendition, error) {
		return Rendition{}, errors.New("provider down")
	}}
	f, cache, _ := newFixture(t, gen)

	_, err := f.Fetch(context.Background(), ChunkKey{Collection: "book", Chunk: 1})
	if !errors.Is(err, ErrFetchFailed) {
		t.Fatalf("expected ErrFetchFailed, got %v", err)
	}
	if gen.Calls() != 2 {
		t.Fatalf("expected 2 attempts, got %d", gen.Calls())
	}
	if cache.Len() != 0 {
		t.Fatalf("failed chunk must not be cached")
	}
}

func TestFetchAttemptTimeout(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	slow := generatorFunc(func(ctx context.Context, req Request) (Rendition, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		<-ctx.Done()
		return Rendition{}, ctx.Err()
	})
	f, _, _ := newFixture(t, slow)

	start := time.Now()
	_, err := f.Fetch(context.Background(), ChunkKey{Collection: "book", Chunk: 1})
	if !errors.Is(err, ErrFetchFailed) {
		t.Fatalf("expected ErrFetchFailed, got %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Fatalf("expected each attempt to time out, calls=%d", calls)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("attempt timeout not applied, took %s", elapsed)
	}
}

type generatorFunc func(ctx context.Context, req Request) (Rendition, error)

func (fn generatorFunc) Generate(ctx context.Context, req Request) (Rendition, error) {
	return fn(ctx, req)
}

func TestFetchEstimatesMalformedTimings(t *testing.T) {
	gen := &fakeGen{fn: func(_ int, req Request) (Rendition, error) {
		r := timedRendition(req.Text)
		r.Words[1].Start = r.Words[0].Start
		return r, nil
	}}
	f, _, _ := newFixture(t, gen)

	q, err := f.Fetch(context.Background(), ChunkKey{Collection: "book", Chunk: 1})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	seg, _ := q.At(0)
	if !seg.Estimated {
		t.Fatalf("expected estimated segment")
	}
	if err := timing.Validate(seg.Words, seg.Duration); err != nil {
		t.Fatalf("estimated words invalid: %v", err)
	}
	if len(seg.Words) != 3 {
		t.Fatalf("expected 3 estimated words, got %d", len(seg.Words))
	}
}

func TestFetchEstimatesMissingTimings(t *testing.T) {
	gen := &fakeGen{fn: func(_ int, req Request) (Rendition, error) {
		return Rendition{AudioURI: "mem://x"}, nil
	}}
	f, _, _ := newFixture(t, gen)

	q, err := f.Fetch(context.Background(), ChunkKey{Collection: "book", Chunk: 1})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	seg, _ := q.At(0)
	if !seg.Estimated || seg.Duration != 3*estimatedWordDuration || len(seg.Words) != 3 {
		t.Fatalf("unexpected estimated segment: %+v", seg)
	}
}

func TestFetchNoContent(t *testing.T) {
	f, _, _ := newFixture(t, &fakeGen{})
	_, err := f.Fetch(context.Background(), ChunkKey{Collection: "book", Chunk: 2})
	if !errors.Is(err, ErrNoContent) {
		t.Fatalf("expected ErrNoContent, got %v", err)
	}
	_, err = f.Fetch(context.Background(), ChunkKey{Collection: "missing"})
	if !errors.Is(err, ErrNoContent) {
		t.Fatalf("expected ErrNoContent for unknown collection, got %v", err)
	}
}

func TestFetchManyUsesBulkCache(t *testing.T) {
	gen := &fakeGen{}
	f, cache, _ := newFixture(t, gen)
	first := ChunkKey{Collection: "book", Chunk: 0}
	second := first.Offset(1)

	seg := timing.Segment{ID: "cached", Sequence: 0, AudioURI: "mem://cached", Duration: time.Second, Text: "cached"}
	if err := cache.Put(context.Background(), first, []timing.Segment{seg}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	results := f.FetchMany(context.Background(), []ChunkKey{first, second})
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if r := results[first]; r.Err != nil || r.Queue.Len() != 1 {
		t.Fatalf("expected cached chunk, got %+v", r)
	}
	if r := results[second]; r.Err != nil || r.Queue.Len() != 1 {
		t.Fatalf("expected generated chunk, got %+v", r)
	}
	if gen.Calls() != 1 {
		t.Fatalf("expected only the uncached chunk generated, calls=%d", gen.Calls())
	}
}

func TestSplitSentences(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"No terminal punctuation", []string{"No terminal punctuation"}},
		{"One. Two! Three?", []string{"One.", "Two!", "Three?"}},
		{"Version 1.5 shipped. Done", []string{"Version 1.5 shipped.", "Done"}},
	}
	for _, tc := range cases {
		got := SplitSentences(tc.in)
		if len(got) != len(tc.want) {
			t.Fatalf("SplitSentences(%q) = %q, want %q", tc.in, got, tc.want)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("SplitSentences(%q) = %q, want %q", tc.in, got, tc.want)
			}
		}
	}
}
