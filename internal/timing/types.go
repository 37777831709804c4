// Package timing holds the segment and word-timing data model shared by the
// sync engine components.
package timing

import (
	"errors"
	"fmt"
	"time"
)

// WordTiming locates one word inside a segment's audio.
type WordTiming struct {
	Word       string        `json:"word"`
	Start      time.Duration `json:"start"`
	End        time.Duration `json:"end"`
	Index      int           `json:"word_index"`
	Confidence float64       `json:"confidence"`
}

// Contains reports whether pos falls inside [Start, End].
func (w WordTiming) Contains(pos time.Duration) bool {
	return pos >= w.Start && pos <= w.End
}

// Segment is one playable unit, roughly a sentence.
type Segment struct {
	ID        string        `json:"id"`
	Sequence  int           `json:"sequence_index"`
	AudioURI  string        `json:"audio_uri"`
	Duration  time.Duration `json:"duration"`
	Text      string        `json:"text"`
	Words     []WordTiming  `json:"word_timings,omitempty"`
	Provider  string        `json:"provider,omitempty"`
	VoiceID   string        `json:"voice_id,omitempty"`
	FirstWord int           `json:"first_word"`
	// Estimated is set when Words were derived from the text rather than
	// supplied by the timing service.
	Estimated bool `json:"estimated,omitempty"`
}

// WordCount returns the number of words the segment contributes to the chunk.
func (s Segment) WordCount() int {
	if len(s.Words) > 0 {
		return len(s.Words)
	}
	return len(SplitWords(s.Text))
}

// HasTimings reports whether per-word intervals are available.
func (s Segment) HasTimings() bool { return len(s.Words) > 0 }

var ErrNonContiguous = errors.New("segment sequence is not contiguous")

// Queue is the ordered list of segments for the current chunk.
type Queue struct {
	segments []Segment
}

// NewQueue validates ordering and assigns chunk-global word offsets.
func NewQueue(segments []Segment) (Queue, error) {
	out := make([]Segment, len(segments))
	copy(out, segments)
	first := 0
	for i := range out {
		if i > 0 && out[i].Sequence != out[i-1].Sequence+1 {
			return Queue{}, fmt.Errorf("%w: %d follows %d", ErrNonContiguous, out[i].Sequence, out[i-1].Sequence)
		}
		out[i].FirstWord = first
		first += out[i].WordCount()
	}
	return Queue{segments: out}, nil
}

func (q Queue) Len() int { return len(q.segments) }

// At returns the i-th segment of the queue.
func (q Queue) At(i int) (Segment, bool) {
	if i < 0 || i >= len(q.segments) {
		return Segment{}, false
	}
	return q.segments[i], true
}

// TotalDuration sums segment durations.
func (q Queue) TotalDuration() time.Duration {
	var total time.Duration
	for _, s := range q.segments {
		total += s.Duration
	}
	return total
}

// ElapsedBefore returns the summed duration of the segments preceding i.
func (q Queue) ElapsedBefore(i int) time.Duration {
	var total time.Duration
	for j := 0; j < i && j < len(q.segments); j++ {
		total += q.segments[j].Duration
	}
	return total
}

// TotalWords is the number of words across the chunk.
func (q Queue) TotalWords() int {
	if len(q.segments) == 0 {
		return 0
	}
	last := q.segments[len(q.segments)-1]
	return last.FirstWord + last.WordCount()
}
