package hostbridge

import (
	"sync"

	"github.com/loqalabs/loqa-readalong/internal/autoscroll"
	"github.com/loqalabs/loqa-readalong/internal/orchestrator"
	"github.com/loqalabs/loqa-readalong/internal/protocol"
)

// Layout is the last viewport geometry a host reported. Scroll offsets the
// engine emits are applied optimistically until the host reports again.
type Layout struct {
	mu       sync.RWMutex
	viewport float64
	content  float64
	offset   float64
	elements map[int]autoscroll.Rect
}

func NewLayout() *Layout {
	return &Layout{elements: make(map[int]autoscroll.Rect)}
}

// Update replaces the geometry with a host snapshot.
func (l *Layout) Update(p protocol.Layout) {
	elements := make(map[int]autoscroll.Rect, len(p.Elements))
	for _, e := range p.Elements {
		elements[e.Index] = autoscroll.Rect{Top: e.Top, Height: e.Height}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.viewport = p.ViewportHeight
	l.content = p.ContentHeight
	l.offset = p.ScrollOffset
	l.elements = elements
}

// ScrollTo records an offset the engine asked the host to apply.
func (l *Layout) ScrollTo(offset float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.offset = offset
}

func (l *Layout) ViewportHeight() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.viewport
}

func (l *Layout) ContentHeight() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.content
}

func (l *Layout) ScrollOffset() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.offset
}

func (l *Layout) Element(index int) (autoscroll.Rect, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.elements[index]
	return r, ok
}

// trackingHost keeps a session's Layout in step with the offsets it emits.
type trackingHost struct {
	orchestrator.Host
	layout *Layout
}

func (h trackingHost) AutoScroll(e protocol.AutoScroll) {
	h.layout.ScrollTo(e.Offset)
	h.Host.AutoScroll(e)
}
