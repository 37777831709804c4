package timing

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

var ErrMalformed = errors.New("malformed word timings")

// Validate checks that words are ordered, non-overlapping and inside the
// segment duration. A zero duration skips the upper-bound check.
func Validate(words []WordTiming, duration time.Duration) error {
	for i, w := range words {
		if w.Start < 0 || w.End < w.Start {
			return fmt.Errorf("%w: word %d has interval [%s, %s]", ErrMalformed, i, w.Start, w.End)
		}
		if math.IsNaN(w.Confidence) {
			return fmt.Errorf("%w: word %d confidence is NaN", ErrMalformed, i)
		}
		if w.Index != i {
			return fmt.Errorf("%w: word %d carries index %d", ErrMalformed, i, w.Index)
		}
		if duration > 0 && w.Start > duration {
			return fmt.Errorf("%w: word %d starts past segment end", ErrMalformed, i)
		}
		if i > 0 {
			prev := words[i-1]
			if w.Start < prev.Start {
				return fmt.Errorf("%w: word %d starts before word %d", ErrMalformed, i, i-1)
			}
			if w.Start < prev.End {
				return fmt.Errorf("%w: word %d overlaps word %d", ErrMalformed, i, i-1)
			}
		}
	}
	return nil
}

// SplitWords is the naive whitespace split used when no timings exist.
func SplitWords(text string) []string {
	return strings.Fields(text)
}

// Estimate spreads the words of text evenly over duration.
func Estimate(text string, duration time.Duration) []WordTiming {
	words := SplitWords(text)
	if len(words) == 0 || duration <= 0 {
		return nil
	}
	step := duration / time.Duration(len(words))
	out := make([]WordTiming, len(words))
	for i, w := range words {
		start := step * time.Duration(i)
		end := start + step
		if i == len(words)-1 {
			end = duration
		}
		out[i] = WordTiming{Word: w, Start: start, End: end, Index: i}
	}
	return out
}

// Locate returns the index of the word whose interval contains pos, or -1
// when pos falls in a gap or outside the timed range.
func Locate(words []WordTiming, pos time.Duration) int {
	i := sort.Search(len(words), func(i int) bool { return words[i].Start > pos }) - 1
	if i < 0 {
		return -1
	}
	if words[i].Contains(pos) {
		return i
	}
	return -1
}

// Proportional maps a position to a word index assuming evenly spaced words.
func Proportional(pos, duration time.Duration, count int) int {
	if count <= 0 || duration <= 0 || pos < 0 {
		return -1
	}
	idx := int(math.Floor(float64(pos) / float64(duration) * float64(count)))
	if idx >= count {
		idx = count - 1
	}
	return idx
}
