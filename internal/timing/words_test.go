package timing

import (
	"errors"
	"testing"
	"time"
)

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func TestLocate(t *testing.T) {
	words := []WordTiming{
		{Word: "w0", Start: 0, End: ms(500), Index: 0},
		{Word: "w1", Start: ms(500), End: ms(1000), Index: 1},
		{Word: "w2", Start: ms(1200), End: ms(1500), Index: 2},
	}
	tests := []struct {
		name string
		pos  time.Duration
		want int
	}{
		{"before first", -ms(10), -1},
		{"inside first", ms(400), 0},
		{"shared boundary", ms(500), 1},
		{"gap", ms(1100), -1},
		{"last", ms(1500), 2},
		{"past end", ms(1600), -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Locate(words, tt.pos); got != tt.want {
				t.Fatalf("Locate(%s) = %d, want %d", tt.pos, got, tt.want)
			}
		})
	}
}

func TestValidateRejectsOverlap(t *testing.T) {
	words := []WordTiming{
		{Start: 0, End: ms(600), Index: 0},
		{Start: ms(500), End: ms(900), Index: 1},
	}
	if err := Validate(words, time.Second); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestValidateRejectsInvertedInterval(t *testing.T) {
	words := []WordTiming{{Start: ms(300), End: ms(100), Index: 0}}
	if err := Validate(words, 0); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestEstimateCoversDuration(t *testing.T) {
	words := Estimate("the quick brown fox", time.Second)
	if len(words) != 4 {
		t.Fatalf("expected 4 words, got %d", len(words))
	}
	if words[0].Start != 0 || words[3].End != time.Second {
		t.Fatalf("unexpected bounds: %+v", words)
	}
	if err := Validate(words, time.Second); err != nil {
		t.Fatalf("estimated timings should validate: %v", err)
	}
}

func TestProportional(t *testing.T) {
	if got := Proportional(ms(999), time.Second, 4); got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
	if got := Proportional(ms(2000), time.Second, 4); got != 3 {
		t.Fatalf("expected clamp to 3, got %d", got)
	}
	if got := Proportional(ms(100), 0, 4); got != -1 {
		t.Fatalf("expected -1 for zero duration, got %d", got)
	}
}

func TestNewQueueAssignsWordOffsets(t *testing.T) {
	q, err := NewQueue([]Segment{
		{Sequence: 0, Text: "one two three"},
		{Sequence: 1, Text: "four five"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, _ := q.At(1)
	if second.FirstWord != 3 {
		t.Fatalf("expected first word 3, got %d", second.FirstWord)
	}
	if q.TotalWords() != 5 {
		t.Fatalf("expected 5 words, got %d", q.TotalWords())
	}
}

func TestNewQueueRejectsGaps(t *testing.T) {
	_, err := NewQueue([]Segment{{Sequence: 0}, {Sequence: 2}})
	if !errors.Is(err, ErrNonContiguous) {
		t.Fatalf("expected ErrNonContiguous, got %v", err)
	}
}
