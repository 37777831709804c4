package tts

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/wav"

	"github.com/loqalabs/loqa-readalong/internal/content"
	"github.com/loqalabs/loqa-readalong/internal/timing"
)

const (
	mockWordDuration = 300 * time.Millisecond
	mockWordGap      = 50 * time.Millisecond
)

// mockGenerator writes silent WAV files paced at a fixed speaking rate. It
// lets the engine run end to end without a speech provider.
type mockGenerator struct {
	dir        string
	voice      string
	sampleRate beep.SampleRate
}

func NewMockGenerator(dir, voice string, sampleRate int) (content.Generator, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "readalong-audio")
	}
	if sampleRate <= 0 {
		sampleRate = 22050
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audio dir: %w", err)
	}
	return &mockGenerator{dir: dir, voice: voice, sampleRate: beep.SampleRate(sampleRate)}, nil
}

func (m *mockGenerator) Generate(ctx context.Context, req content.Request) (content.Rendition, error) {
	if err := ctx.Err(); err != nil {
		return content.Rendition{}, err
	}
	voice := req.Voice
	if voice == "" {
		voice = m.voice
	}
	words := timing.SplitWords(req.Text)
	if len(words) == 0 {
		return content.Rendition{}, fmt.Errorf("nothing to synthesize")
	}

	out := make([]timing.WordTiming, len(words))
	var cursor time.Duration
	for i, w := range words {
		out[i] = timing.WordTiming{Word: w, Start: cursor, End: cursor + mockWordDuration, Index: i, Confidence: 1}
		cursor += mockWordDuration + mockWordGap
	}
	duration := cursor

	path := filepath.Join(m.dir, m.fileName(req.Text, voice))
	if _, err := os.Stat(path); err != nil {
		if err := m.writeSilence(path, duration); err != nil {
			return content.Rendition{}, err
		}
	}
	return content.Rendition{
		AudioURI: "file://" + filepath.ToSlash(path),
		Duration: duration,
		Words:    out,
		Provider: "mock",
		VoiceID:  voice,
	}, nil
}

func (m *mockGenerator) fileName(text, voice string) string {
	sum := sha1.Sum([]byte(voice + "\x00" + text))
	return hex.EncodeToString(sum[:8]) + ".wav"
}

func (m *mockGenerator) writeSilence(path string, d time.Duration) error {
	tmp, err := os.CreateTemp(m.dir, "mock-*.wav")
	if err != nil {
		return err
	}
	format := beep.Format{SampleRate: m.sampleRate, NumChannels: 1, Precision: 2}
	if err := wav.Encode(tmp, beep.Silence(m.sampleRate.N(d)), format); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("encode silence: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
