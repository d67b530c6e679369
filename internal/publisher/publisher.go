// Package publisher holds the single-listener notification slot.
//
// There is no queue: a notification published while nobody listens is gone,
// and a newly attached listener sees only what is published after Attach.
package publisher

import (
	"sync"
	"sync/atomic"
	"time"

	"smsgate/internal/eventbus"
	"smsgate/internal/outcome"
)

// Notification is the externally visible per-job event. Nil fields encode as null.
type Notification struct {
	JobID        string         `json:"jobId"`
	Status       outcome.Status `json:"status"`
	ErrorCode    *int           `json:"errorCode"`
	ErrorMessage *string        `json:"errorMessage"`
}

// FromVerdict builds the notification for a classified callback.
func FromVerdict(jobID string, v outcome.Verdict) Notification {
	return Notification{JobID: jobID, Status: v.Status, ErrorCode: v.ErrorCode, ErrorMessage: v.ErrorMessage}
}

// Listener receives notifications. Notify is called on the callback goroutine
// and must not block. It may call Attach, Detach or DetachIf.
type Listener interface {
	Notify(n Notification)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(n Notification)

func (f ListenerFunc) Notify(n Notification) { f(n) }

// DetachNotifier is implemented by listeners that need to know when they lose
// the slot, either by Detach or by being replaced. Detached runs once, after
// the last in-flight Notify on that listener has returned, and must not block.
type DetachNotifier interface {
	Detached()
}

const (
	EventAttached = "publisher.attached"
	EventDetached = "publisher.detached"
	EventDropped  = "publisher.dropped"
)

type slot struct {
	id string
	l  Listener

	// mu is never held across a listener call.
	mu       sync.Mutex
	inflight int
	detached bool
	told     bool
}

// Publisher is safe for concurrent use. Once Detach (or a replacing Attach)
// returns, no new Notify starts on the old listener. Neither waits for a Notify
// that is already running.
type Publisher struct {
	cur atomic.Pointer[slot]
	bus eventbus.Bus

	published atomic.Uint64
	dropped   atomic.Uint64
}

type Option func(*Publisher)

// WithBus reports attach/detach on bus.
func WithBus(bus eventbus.Bus) Option { return func(p *Publisher) { p.bus = bus } }

func New(opts ...Option) *Publisher {
	p := &Publisher{}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Attach installs l under id, replacing any current listener. It returns the
// id of the listener it replaced ("" when the slot was empty).
func (p *Publisher) Attach(id string, l Listener) string {
	if l == nil {
		p.Detach()
		return ""
	}
	old := p.cur.Swap(&slot{id: id, l: l})
	prev := retire(old)
	p.emit(EventAttached, id)
	return prev
}

// Detach clears the slot.
func (p *Publisher) Detach() {
	if old := p.cur.Swap(nil); old != nil {
		retire(old)
		p.emit(EventDetached, old.id)
	}
}

// DetachIf clears the slot only while id is still the current listener.
// A listener that was already replaced leaves its successor in place.
func (p *Publisher) DetachIf(id string) bool {
	for {
		s := p.cur.Load()
		if s == nil || s.id != id {
			return false
		}
		if p.cur.CompareAndSwap(s, nil) {
			retire(s)
			p.emit(EventDetached, id)
			return true
		}
	}
}

// Current returns the id of the attached listener, if any.
func (p *Publisher) Current() (string, bool) {
	s := p.cur.Load()
	if s == nil {
		return "", false
	}
	return s.id, true
}

// Publish forwards n to the current listener and reports whether one received it.
func (p *Publisher) Publish(n Notification) bool {
	s := p.cur.Load()
	if s == nil {
		p.dropped.Add(1)
		p.emit(EventDropped, n.JobID)
		return false
	}
	if !s.enter() {
		p.dropped.Add(1)
		return false
	}
	defer s.leave()
	s.l.Notify(n)
	p.published.Add(1)
	return true
}

// Stats returns delivered and dropped counts since start.
func (p *Publisher) Stats() (published, dropped uint64) {
	return p.published.Load(), p.dropped.Load()
}

func (s *slot) enter() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detached {
		return false
	}
	s.inflight++
	return true
}

func (s *slot) leave() {
	s.mu.Lock()
	s.inflight--
	tell := s.detached && s.inflight == 0 && !s.told
	if tell {
		s.told = true
	}
	s.mu.Unlock()
	if tell {
		s.tell()
	}
}

// retire marks s dead. Detached fires here when nothing is in flight,
// otherwise from the last leave.
func retire(s *slot) string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	s.detached = true
	tell := s.inflight == 0 && !s.told
	if tell {
		s.told = true
	}
	s.mu.Unlock()
	if tell {
		s.tell()
	}
	return s.id
}

func (s *slot) tell() {
	if dn, ok := s.l.(DetachNotifier); ok {
		dn.Detached()
	}
}

func (p *Publisher) emit(typ, id string) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: id})
}
