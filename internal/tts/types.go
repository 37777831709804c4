// Package tts provides content.Generator backends that voice text and report
// word timings.
package tts

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-readalong/internal/config"
	"github.com/loqalabs/loqa-readalong/internal/content"
	"github.com/loqalabs/loqa-readalong/internal/timing"
)

// New builds the generator selected by cfg.Mode.
func New(cfg config.TTSConfig, sampleRate int, log *slog.Logger) (content.Generator, error) {
	switch cfg.Mode {
	case "mock", "":
		return NewMockGenerator(cfg.AudioDir, cfg.Voice, sampleRate)
	case "exec":
		return NewExecGenerator(cfg.Command, cfg.AudioDir, log)
	case "http":
		return NewHTTPGenerator(cfg.Endpoint, cfg.Provider), nil
	default:
		return nil, fmt.Errorf("unknown tts mode %q", cfg.Mode)
	}
}

// synthRequest is the JSON body sent to exec and http backends.
type synthRequest struct {
	Collection string `json:"collection"`
	Chunk      int    `json:"chunk"`
	Sequence   int    `json:"sequence"`
	Text       string `json:"text"`
	Voice      string `json:"voice,omitempty"`
	Level      string `json:"level,omitempty"`
	AudioDir   string `json:"audio_dir,omitempty"`
}

type wordPayload struct {
	Word       string  `json:"word"`
	StartMS    float64 `json:"start_ms"`
	EndMS      float64 `json:"end_ms"`
	Confidence float64 `json:"confidence"`
}

// synthResponse is the JSON rendition returned by exec and http backends.
type synthResponse struct {
	AudioURI   string        `json:"audio_uri"`
	DurationMS float64       `json:"duration_ms"`
	Words      []wordPayload `json:"words"`
	Provider   string        `json:"provider"`
	VoiceID    string        `json:"voice_id"`
	Error      string        `json:"error,omitempty"`
}

func newSynthRequest(req content.Request, audioDir string) synthRequest {
	return synthRequest{
		Collection: req.Key.Collection,
		Chunk:      req.Key.Chunk,
		Sequence:   req.Sequence,
		Text:       req.Text,
		Voice:      req.Voice,
		Level:      req.Key.Level,
		AudioDir:   audioDir,
	}
}

func (r synthResponse) rendition() (content.Rendition, error) {
	if r.Error != "" {
		return content.Rendition{}, fmt.Errorf("tts backend: %s", r.Error)
	}
	words := make([]timing.WordTiming, 0, len(r.Words))
	for i, w := range r.Words {
		words = append(words, timing.WordTiming{
			Word:       w.Word,
			Start:      millis(w.StartMS),
			End:        millis(w.EndMS),
			Index:      i,
			Confidence: w.Confidence,
		})
	}
	return content.Rendition{
		AudioURI: r.AudioURI,
		Duration: millis(r.DurationMS),
		Words:    words,
		Provider: r.Provider,
		VoiceID:  r.VoiceID,
	}, nil
}

func millis(v float64) time.Duration {
	return time.Duration(v * float64(time.Millisecond))
}
