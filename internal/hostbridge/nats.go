package hostbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-readalong/internal/bus"
	"github.com/loqalabs/loqa-readalong/internal/protocol"
)

const (
	commandTimeout = 30 * time.Second
	commandBacklog = 32
)

// NATSPublisher publishes events on <prefix>.event.<kind>.<session>.
type NATSPublisher struct {
	bus    *bus.Client
	prefix string
	log    *slog.Logger
}

func NewNATSPublisher(client *bus.Client, prefix string, log *slog.Logger) *NATSPublisher {
	return &NATSPublisher{bus: client, prefix: prefix, log: log.With(slog.String("component", "nats-events"))}
}

func (p *NATSPublisher) Publish(kind, sessionID string, payload []byte) {
	subject := protocol.EventSubject(p.prefix, kind, sessionID)
	if err := p.bus.Publish(subject, payload); err != nil {
		p.log.Warn("failed to publish event", slogError(err))
	}
}

// CommandService answers commands sent to <prefix>.cmd.<session>. Commands
// for one session run in arrival order; sessions do not wait on each other.
// A session's worker exits after its close command and is started again if
// more commands arrive.
type CommandService struct {
	bus        *bus.Client
	prefix     string
	dispatcher Dispatcher
	sub        *nats.Subscription
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	logger     *slog.Logger

	mu     sync.Mutex
	queues map[string]chan *nats.Msg
}

func NewCommandService(parent context.Context, client *bus.Client, prefix string, d Dispatcher, logger *slog.Logger) *CommandService {
	ctx, cancel := context.WithCancel(parent)
	return &CommandService{
		bus:        client,
		prefix:     prefix,
		dispatcher: d,
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger.With(slog.String("component", "nats-commands")),
		queues:     make(map[string]chan *nats.Msg),
	}
}

func (s *CommandService) Start() error {
	subject := protocol.CommandSubject(s.prefix, "*")
	sub, err := s.bus.Subscribe(subject, s.handle)
	if err != nil {
		return err
	}
	s.sub = sub
	s.logger.Info("listening for commands", slog.String("subject", subject))
	return nil
}

func (s *CommandService) Close() {
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.cancel()
	s.wg.Wait()
}

func (s *CommandService) handle(msg *nats.Msg) {
	session := msg.Subject[strings.LastIndex(msg.Subject, ".")+1:]
	s.mu.Lock()
	q, ok := s.queues[session]
	if !ok {
		q = make(chan *nats.Msg, commandBacklog)
		s.queues[session] = q
		s.wg.Add(1)
		go s.worker(session, q)
	}
	// Enqueue under mu so a retiring worker cannot miss the message.
	var full bool
	select {
	case q <- msg:
	default:
		full = true
	}
	s.mu.Unlock()

	if full {
		s.logger.Warn("command backlog full, dropping", slog.String("session", session))
		s.respond(msg, protocol.Reply{Error: "command backlog full"})
	}
}

func (s *CommandService) worker(session string, q chan *nats.Msg) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-q:
			if s.execute(session, msg) && s.retire(session, q) {
				return
			}
		}
	}
}

// retire drops the queue of a closed session unless more commands are
// already waiting on it.
func (s *CommandService) retire(session string, q chan *nats.Msg) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(q) > 0 || s.queues[session] != q {
		return false
	}
	delete(s.queues, session)
	return true
}

// workers reports how many sessions currently have a command worker.
func (s *CommandService) workers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues)
}

// execute runs one command and reports whether it closed the session.
func (s *CommandService) execute(session string, msg *nats.Msg) bool {
	var cmd protocol.Command
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		s.logger.Warn("failed to decode command", slogError(err))
		s.respond(msg, protocol.Reply{Error: fmt.Sprintf("decode command: %v", err)})
		return false
	}
	if cmd.SessionID == "" {
		cmd.SessionID = session
	}

	ctx, cancel := context.WithTimeout(s.ctx, commandTimeout)
	defer cancel()
	reply := s.dispatcher.Dispatch(ctx, cmd)
	if !reply.OK {
		s.logger.Info("command failed",
			slog.String("session", cmd.SessionID),
			slog.String("action", cmd.Action),
			slog.String("error", reply.Error))
	}
	s.respond(msg, reply)
	return cmd.Action == protocol.ActionClose && cmd.SessionID == session
}

func (s *CommandService) respond(msg *nats.Msg, reply protocol.Reply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Warn("failed to encode reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send reply", slogError(err))
	}
}
