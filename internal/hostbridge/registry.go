package hostbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/loqalabs/loqa-readalong/internal/autoscroll"
	"github.com/loqalabs/loqa-readalong/internal/content"
	"github.com/loqalabs/loqa-readalong/internal/orchestrator"
	"github.com/loqalabs/loqa-readalong/internal/protocol"
)

var ErrUnknownSession = errors.New("unknown session")

// Dispatcher executes host commands.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd protocol.Command) protocol.Reply
}

// DispatchFunc adapts a function to Dispatcher.
type DispatchFunc func(ctx context.Context, cmd protocol.Command) protocol.Reply

func (f DispatchFunc) Dispatch(ctx context.Context, cmd protocol.Command) protocol.Reply {
	return f(ctx, cmd)
}

// SessionFactory builds a session bound to host and layout.
type SessionFactory func(id string, host orchestrator.Host, layout autoscroll.Layout) (*orchestrator.Session, error)

// Registry owns the live sessions and routes commands to them.
type Registry struct {
	factory SessionFactory
	host    orchestrator.Host
	texts   *content.TextRegistry
	log     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*entry
	closed   bool
}

type entry struct {
	session *orchestrator.Session
	layout  *Layout
}

// NewRegistry creates an empty registry. texts may be nil when chunk text is
// not supplied by hosts.
func NewRegistry(factory SessionFactory, host orchestrator.Host, texts *content.TextRegistry, log *slog.Logger) *Registry {
	if host == nil {
		host = orchestrator.NopHost{}
	}
	return &Registry{
		factory:  factory,
		host:     host,
		texts:    texts,
		log:      log.With(slog.String("component", "sessions")),
		sessions: make(map[string]*entry),
	}
}

func (r *Registry) Dispatch(ctx context.Context, cmd protocol.Command) protocol.Reply {
	if err := cmd.Validate(); err != nil {
		return failure(err, "")
	}

	switch cmd.Action {
	case protocol.ActionText:
		if r.texts == nil {
			return failure(errors.New("text registration is not supported"), "")
		}
		r.texts.SetChunks(cmd.Collection, cmd.Chunks)
		r.log.Info("collection text registered", slog.String("collection", cmd.Collection), slog.Int("chunks", len(cmd.Chunks)))
		return protocol.Reply{OK: true}
	case protocol.ActionClose:
		if !r.remove(cmd.SessionID) {
			return failure(ErrUnknownSession, "")
		}
		return protocol.Reply{OK: true, Status: orchestrator.StatusIdle.String()}
	case protocol.ActionOpen:
		e, err := r.getOrCreate(cmd.SessionID)
		if err != nil {
			return failure(err, "")
		}
		err = e.session.Open(ctx, content.ChunkKey{
			Collection: cmd.Collection,
			Chunk:      cmd.Chunk,
			Level:      cmd.Level,
			Voice:      cmd.Voice,
		})
		return reply(e, err)
	}

	e, ok := r.lookup(cmd.SessionID)
	if !ok {
		return failure(ErrUnknownSession, "")
	}
	var err error
	switch cmd.Action {
	case protocol.ActionPlay:
		err = e.session.Play(ctx)
	case protocol.ActionPause:
		e.session.Pause()
	case protocol.ActionSeek:
		err = e.session.SeekToChunk(ctx, cmd.Chunk)
	case protocol.ActionLayout:
		e.layout.Update(*cmd.Layout)
	case protocol.ActionUserScroll:
		e.session.UserScrolled()
	case protocol.ActionForget:
		err = e.session.ForgetCalibration(ctx)
	}
	return reply(e, err)
}

// Frame advances every session by one display frame.
func (r *Registry) Frame() {
	for _, e := range r.entries() {
		e.session.Frame()
	}
}

// Snapshots returns the state of every session ordered by id.
func (r *Registry) Snapshots() []orchestrator.Snapshot {
	entries := r.entries()
	out := make([]orchestrator.Snapshot, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.session.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close shuts every session down. Later commands are rejected.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	sessions := r.sessions
	r.sessions = make(map[string]*entry)
	r.mu.Unlock()
	for _, e := range sessions {
		e.session.Close()
	}
}

func (r *Registry) getOrCreate(id string) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, orchestrator.ErrClosed
	}
	if e, ok := r.sessions[id]; ok {
		return e, nil
	}
	layout := NewLayout()
	s, err := r.factory(id, trackingHost{Host: r.host, layout: layout}, layout)
	if err != nil {
		return nil, fmt.Errorf("create session %s: %w", id, err)
	}
	e := &entry{session: s, layout: layout}
	r.sessions[id] = e
	r.log.Info("session created", slog.String("session", id))
	return e, nil
}

func (r *Registry) lookup(id string) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	return e, ok
}

func (r *Registry) remove(id string) bool {
	r.mu.Lock()
	e, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if ok {
		e.session.Close()
		r.log.Info("session closed", slog.String("session", id))
	}
	return ok
}

func (r *Registry) entries() []*entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e)
	}
	return out
}

func reply(e *entry, err error) protocol.Reply {
	status := e.session.Status().String()
	if err != nil && !errors.Is(err, orchestrator.ErrSuperseded) {
		return failure(err, status)
	}
	return protocol.Reply{OK: true, Status: status}
}

func failure(err error, status string) protocol.Reply {
	return protocol.Reply{Status: status, Error: err.Error()}
}
