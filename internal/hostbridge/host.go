// Package hostbridge connects reading sessions to host UIs over NATS and
// websockets.
package hostbridge

import (
	"encoding/json"
	"log/slog"

	"github.com/loqalabs/loqa-readalong/internal/protocol"
)

// Publisher delivers one encoded event. Publish must not block.
type Publisher interface {
	Publish(kind, sessionID string, payload []byte)
}

// Host encodes session events once and hands them to every publisher.
type Host struct {
	pubs []Publisher
	log  *slog.Logger
}

func NewHost(log *slog.Logger, pubs ...Publisher) *Host {
	var active []Publisher
	for _, p := range pubs {
		if p != nil {
			active = append(active, p)
		}
	}
	return &Host{pubs: active, log: log.With(slog.String("component", "host-bridge"))}
}

func (h *Host) WordHighlight(e protocol.Highlight) {
	h.emit(protocol.KindHighlight, e.SessionID, e)
}

func (h *Host) ProgressUpdate(e protocol.Progress) {
	h.emit(protocol.KindProgress, e.SessionID, e)
}

func (h *Host) ChunkComplete(e protocol.ChunkComplete) {
	h.emit(protocol.KindChunkComplete, e.SessionID, e)
}

func (h *Host) AutoScroll(e protocol.AutoScroll) {
	h.emit(protocol.KindAutoScroll, e.SessionID, e)
}

func (h *Host) emit(kind, sessionID string, v any) {
	if len(h.pubs) == 0 {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Warn("failed to encode event", slog.String("kind", kind), slogError(err))
		return
	}
	for _, p := range h.pubs {
		p.Publish(kind, sessionID, data)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
