// Package content resolves chunks of reading material into ordered,
// word-timed audio segments.
package content

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-readalong/internal/timing"
)

var (
	// ErrNoContent is returned when a chunk does not exist in the collection.
	ErrNoContent = errors.New("no content for chunk")
	// ErrFetchFailed is returned when audio could not be produced after retries.
	ErrFetchFailed = errors.New("chunk fetch failed")
)

// ChunkKey identifies one rendition of a chunk of text.
type ChunkKey struct {
	Collection string `json:"collection"`
	Chunk      int    `json:"chunk"`
	Level      string `json:"level,omitempty"`
	Voice      string `json:"voice,omitempty"`
}

func (k ChunkKey) String() string {
	return fmt.Sprintf("%s/%d/%s/%s", k.Collection, k.Chunk, k.Level, k.Voice)
}

// Offset returns the key n chunks after k in the same collection.
func (k ChunkKey) Offset(n int) ChunkKey {
	k.Chunk += n
	return k
}

// Cache stores resolved segments per chunk.
type Cache interface {
	Segments(ctx context.Context, key ChunkKey) ([]timing.Segment, bool, error)
	Put(ctx context.Context, key ChunkKey, segments []timing.Segment) error
}

// BulkCache is a Cache that can answer several keys in one round trip.
type BulkCache interface {
	Cache
	SegmentsBulk(ctx context.Context, keys []ChunkKey) (map[ChunkKey][]timing.Segment, error)
}

// Request asks a generator to voice one sentence of a chunk.
type Request struct {
	Key      ChunkKey
	Sequence int
	Text     string
	Voice    string
}

// Rendition is synthesized audio plus whatever timing data the provider
// returned. Words may be empty.
type Rendition struct {
	AudioURI string
	Duration time.Duration
	Words    []timing.WordTiming
	Provider string
	VoiceID  string
}

// Generator produces audio for text.
type Generator interface {
	Generate(ctx context.Context, req Request) (Rendition, error)
}

// TextSource returns the sentences of a chunk. It returns ErrNoContent when
// the chunk is past the end of the collection.
type TextSource interface {
	Sentences(ctx context.Context, key ChunkKey) ([]string, error)
}

// Result is the outcome of fetching one chunk.
type Result struct {
	Queue timing.Queue
	Err   error
}
