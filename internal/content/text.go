package content

import (
	"context"
	"strings"
	"sync"
	"unicode"
)

// TextRegistry is an in-memory TextSource populated by the host.
type TextRegistry struct {
	mu     sync.RWMutex
	chunks map[string][][]string
}

func NewTextRegistry() *TextRegistry {
	return &TextRegistry{chunks: make(map[string][][]string)}
}

// SetChunks replaces the text of a collection. Each chunk is split into
// sentences.
func (r *TextRegistry) SetChunks(collection string, chunks []string) {
	split := make([][]string, 0, len(chunks))
	for _, c := range chunks {
		split = append(split, SplitSentences(c))
	}
	r.mu.Lock()
	r.chunks[collection] = split
	r.mu.Unlock()
}

// Remove forgets a collection.
func (r *TextRegistry) Remove(collection string) {
	r.mu.Lock()
	delete(r.chunks, collection)
	r.mu.Unlock()
}

// Chunks reports how many chunks a collection has.
func (r *TextRegistry) Chunks(collection string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.chunks[collection])
}

func (r *TextRegistry) Sentences(_ context.Context, key ChunkKey) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	chunks, ok := r.chunks[key.Collection]
	if !ok || key.Chunk < 0 || key.Chunk >= len(chunks) || len(chunks[key.Chunk]) == 0 {
		return nil, ErrNoContent
	}
	return append([]string(nil), chunks[key.Chunk]...), nil
}

// SplitSentences breaks text on terminal punctuation followed by whitespace.
func SplitSentences(text string) []string {
	var (
		out []string
		b   strings.Builder
	)
	runes := []rune(text)
	for i, r := range runes {
		b.WriteRune(r)
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		if s := strings.TrimSpace(b.String()); s != "" {
			out = append(out, s)
		}
		b.Reset()
	}
	if s := strings.TrimSpace(b.String()); s != "" {
		out = append(out, s)
	}
	return out
}

var _ TextSource = (*TextRegistry)(nil)
