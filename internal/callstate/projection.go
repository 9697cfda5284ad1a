package callstate

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Projection is the display-facing view of the current call. It always
// reflects the last locally applied transition; backend delivery problems
// never roll it back.
type Projection struct {
	Status     Status `json:"status"`
	CallID     string `json:"callId,omitempty"`
	CallerName string `json:"callerName,omitempty"`

	EventID string `json:"eventId"`
	AtMs    int64  `json:"atMs"`
}

// ProjectionStore holds the current projection and fans updates out to
// subscribers. A slow subscriber misses intermediate updates rather than
// blocking a transition; Current() always has the latest.
type ProjectionStore struct {
	mu      sync.RWMutex
	current Projection
	subs    map[chan Projection]struct{}
	clock   func() time.Time
}

func NewProjectionStore() *ProjectionStore {
	p := &ProjectionStore{
		subs:  make(map[chan Projection]struct{}),
		clock: time.Now,
	}
	p.current = Projection{
		Status:  StatusIdle,
		EventID: uuid.NewString(),
		AtMs:    p.clock().UnixMilli(),
	}
	return p
}

func (p *ProjectionStore) Current() Projection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Publish replaces the projection and notifies subscribers.
func (p *ProjectionStore) Publish(status Status, callID, callerName string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.current = Projection{
		Status:     status,
		CallID:     callID,
		CallerName: callerName,
		EventID:    uuid.NewString(),
		AtMs:       p.clock().UnixMilli(),
	}
	for ch := range p.subs {
		select {
		case ch <- p.current:
		default:
			// subscriber is behind; it can re-read Current
		}
	}
}

// Subscribe registers for projection updates. The returned cancel func must
// be called to release the subscription; the channel is closed by it.
func (p *ProjectionStore) Subscribe() (<-chan Projection, func()) {
	ch := make(chan Projection, 8)

	p.mu.Lock()
	p.subs[ch] = struct{}{}
	p.mu.Unlock()

	cancel := func() {
		p.mu.Lock()
		if _, ok := p.subs[ch]; ok {
			delete(p.subs, ch)
			close(ch)
		}
		p.mu.Unlock()
	}
	return ch, cancel
}
