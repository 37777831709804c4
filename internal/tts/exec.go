package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-readalong/internal/content"
)

// execGenerator runs an external command per sentence. The request is
// written to stdin as JSON; the command prints one JSON rendition.
type execGenerator struct {
	cmd      []string
	audioDir string
	log      *slog.Logger
}

func NewExecGenerator(command, audioDir string, log *slog.Logger) (content.Generator, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execGenerator{
		cmd:      args,
		audioDir: audioDir,
		log:      log.With(slog.String("component", "tts-exec")),
	}, nil
}

func (e *execGenerator) Generate(ctx context.Context, req content.Request) (content.Rendition, error) {
	data, err := json.Marshal(newSynthRequest(req, e.audioDir))
	if err != nil {
		return content.Rendition{}, err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(data)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			e.log.Debug("tts command stderr", slog.String("stderr", msg))
			return content.Rendition{}, fmt.Errorf("tts command: %w: %s", err, msg)
		}
		return content.Rendition{}, fmt.Errorf("tts command: %w", err)
	}

	var resp synthResponse
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &resp); err != nil {
		return content.Rendition{}, fmt.Errorf("decode tts output: %w", err)
	}
	return resp.rendition()
}
