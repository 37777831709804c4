package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/loqalabs/loqa-readalong/internal/bus"
	"github.com/loqalabs/loqa-readalong/internal/config"
	"github.com/loqalabs/loqa-readalong/internal/protocol"
)

var version = "0.1.0-dev"

const usage = "expected one of: open, play, pause, seek, text, forget, close, validate, version"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	switch os.Args[1] {
	case "validate":
		var configPath string
		validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
		validateCmd.StringVar(&configPath, "file", "readalong.yaml", "Path to configuration file")
		validateCmd.Parse(os.Args[2:])
		if _, err := config.Load(configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("config valid")
	case "version":
		fmt.Println(version)
	case protocol.ActionOpen, protocol.ActionPlay, protocol.ActionPause, protocol.ActionSeek,
		protocol.ActionText, protocol.ActionClose, "forget":
		ok, err := runCommand(os.Args[1], os.Args[2:])
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		if !ok {
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s\n", os.Args[1], usage)
		os.Exit(2)
	}
}

func runCommand(name string, args []string) (bool, error) {
	var (
		server     string
		prefix     string
		session    string
		timeout    time.Duration
		collection string
		chunk      int
		level      string
		voice      string
		file       string
	)
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.StringVar(&server, "server", "nats://localhost:4222", "NATS server URL")
	fs.StringVar(&prefix, "prefix", "readalong", "Subject prefix of the runtime")
	fs.StringVar(&session, "session", "cli", "Session id")
	fs.DurationVar(&timeout, "timeout", 10*time.Second, "Request timeout")
	fs.StringVar(&collection, "collection", "", "Collection id")
	fs.IntVar(&chunk, "chunk", 0, "Chunk number")
	fs.StringVar(&level, "level", "", "Reading level")
	fs.StringVar(&voice, "voice", "", "Voice id")
	fs.StringVar(&file, "file", "", "Text file for the text command; blank lines separate chunks")
	fs.Parse(args)

	cmd := protocol.Command{
		SessionID:  session,
		Action:     name,
		Collection: collection,
		Chunk:      chunk,
		Level:      level,
		Voice:      voice,
	}
	if name == "forget" {
		cmd.Action = protocol.ActionForget
	}
	if name == protocol.ActionText {
		chunks, err := readChunks(file)
		if err != nil {
			return false, err
		}
		cmd.Chunks = chunks
	}
	if err := cmd.Validate(); err != nil {
		return false, err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	client, err := bus.Connect(ctx, "readalongctl", config.BusConfig{
		Servers:        []string{server},
		ConnectTimeout: int(timeout / time.Millisecond),
	}, logger)
	if err != nil {
		return false, err
	}
	defer client.Close()

	var reply protocol.Reply
	if err := client.RequestJSON(ctx, protocol.CommandSubject(prefix, session), cmd, &reply); err != nil {
		return false, err
	}
	out, err := json.MarshalIndent(reply, "", "  ")
	if err != nil {
		return false, err
	}
	fmt.Println(string(out))
	return reply.OK, nil
}

func readChunks(path string) ([]string, error) {
	if path == "" {
		return nil, errors.New("text requires -file")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var chunks []string
	for _, part := range strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n\n") {
		if s := strings.TrimSpace(part); s != "" {
			chunks = append(chunks, s)
		}
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%s contains no text", path)
	}
	return chunks, nil
}
