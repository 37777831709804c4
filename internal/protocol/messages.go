package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Highlight announces the word currently being spoken.
type Highlight struct {
	SessionID  string    `json:"session_id"`
	Collection string    `json:"collection"`
	Chunk      int       `json:"chunk"`
	Segment    int       `json:"segment"`
	Index      int       `json:"index"`
	Word       string    `json:"word,omitempty"`
	Estimated  bool      `json:"estimated,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Progress is the periodic playback status sent to the host.
type Progress struct {
	SessionID  string  `json:"session_id"`
	Collection string  `json:"collection"`
	Chunk      int     `json:"chunk"`
	Sentence   int     `json:"current_sentence"`
	Sentences  int     `json:"total_sentences"`
	CurrentMS  float64 `json:"current_time_ms"`
	TotalMS    float64 `json:"total_duration_ms"`
	Status     string  `json:"status"`
	Error      string  `json:"error,omitempty"`
}

// ChunkComplete signals that every segment of a chunk has played.
type ChunkComplete struct {
	SessionID  string    `json:"session_id"`
	Collection string    `json:"collection"`
	Chunk      int       `json:"chunk"`
	Timestamp  time.Time `json:"timestamp"`
}

// AutoScroll carries a new scroll offset and the matching progress fraction.
type AutoScroll struct {
	SessionID string  `json:"session_id"`
	Offset    float64 `json:"offset"`
	Fraction  float64 `json:"fraction"`
}

// Command actions accepted from the host.
const (
	ActionOpen       = "open"
	ActionPlay       = "play"
	ActionPause      = "pause"
	ActionSeek       = "seek"
	ActionText       = "text"
	ActionLayout     = "layout"
	ActionUserScroll = "user_scroll"
	ActionForget     = "forget_calibration"
	ActionClose      = "close"
)

// Command is a request from the host UI.
type Command struct {
	SessionID  string   `json:"session_id"`
	Action     string   `json:"action"`
	Collection string   `json:"collection,omitempty"`
	Chunk      int      `json:"chunk,omitempty"`
	Level      string   `json:"level,omitempty"`
	Voice      string   `json:"voice,omitempty"`
	Chunks     []string `json:"chunks,omitempty"`
	Layout     *Layout  `json:"layout,omitempty"`
}

// Layout is a snapshot of the host's viewport geometry.
type Layout struct {
	ViewportHeight float64       `json:"viewport_height"`
	ContentHeight  float64       `json:"content_height"`
	ScrollOffset   float64       `json:"scroll_offset"`
	Elements       []ElementRect `json:"elements,omitempty"`
}

// ElementRect is the vertical extent of one word element.
type ElementRect struct {
	Index  int     `json:"index"`
	Top    float64 `json:"top"`
	Height float64 `json:"height"`
}

// Reply acknowledges a command.
type Reply struct {
	OK     bool   `json:"ok"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Validate checks that the fields required by the action are present.
func (c Command) Validate() error {
	if c.SessionID == "" {
		return fmt.Errorf("command missing session_id")
	}
	switch c.Action {
	case ActionOpen, ActionText:
		if c.Collection == "" {
			return fmt.Errorf("%s requires collection", c.Action)
		}
	case ActionSeek:
		if c.Chunk < 0 {
			return fmt.Errorf("seek requires a non-negative chunk")
		}
	case ActionLayout:
		if c.Layout == nil {
			return fmt.Errorf("layout command requires layout")
		}
	case ActionPlay, ActionPause, ActionUserScroll, ActionForget, ActionClose:
	default:
		return fmt.Errorf("unknown action %q", c.Action)
	}
	return nil
}

// Envelope wraps a host event for transports that multiplex event kinds on
// one stream, such as the websocket bridge.
type Envelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Event kinds, also used as subject tokens.
const (
	KindHighlight     = "highlight"
	KindProgress      = "progress"
	KindChunkComplete = "chunk_complete"
	KindAutoScroll    = "autoscroll"
	KindReply         = "reply"
)

const (
	SubjectEventPrefix   = "event"
	SubjectCommandPrefix = "cmd"
)

// EventSubject returns <prefix>.event.<kind>.<session>.
func EventSubject(prefix, kind, sessionID string) string {
	return prefix + "." + SubjectEventPrefix + "." + kind + "." + sessionID
}

// CommandSubject returns <prefix>.cmd.<session>.
func CommandSubject(prefix, sessionID string) string {
	return prefix + "." + SubjectCommandPrefix + "." + sessionID
}
