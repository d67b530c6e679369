package job

import (
	"sort"
	"strings"
	"sync"
	"time"

	"smsgate/internal/eventbus"
	"smsgate/internal/outcome"
)

// Event types published on the bus.
const (
	EventRegistered = "job.registered"
	EventUpdated    = "job.fragment_updated"
	EventEvicted    = "job.evicted"
)

// LifecycleEvent is the Data payload for registry bus events. Fragment is set
// on updates, Fragments on registration.
type LifecycleEvent struct {
	JobID     string `json:"job_id"`
	Fragment  *int   `json:"fragment,omitempty"`
	Fragments int    `json:"fragments,omitempty"`
	Phase     string `json:"phase,omitempty"`
	State     string `json:"state,omitempty"`
}

type entry struct {
	mu        sync.Mutex
	job       Job
	createdAt time.Time
	updatedAt time.Time
}

func (e *entry) snapshotLocked() Snapshot {
	frags := make([]Fragment, len(e.job.Fragments))
	copy(frags, e.job.Fragments)
	for i := range frags {
		if c := frags[i].SentCode; c != nil {
			v := *c
			frags[i].SentCode = &v
		}
	}
	return Snapshot{
		ID:          e.job.ID,
		Destination: e.job.Destination,
		MaxRetries:  e.job.MaxRetries,
		Fragments:   frags,
		CreatedAt:   e.createdAt,
		UpdatedAt:   e.updatedAt,
	}
}

// Registry is the in-memory job store.
//
// The id map is guarded by an RWMutex; each job carries its own mutex so
// callbacks for different fragments of the same job serialize on that job
// only. It is safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*entry

	now func() time.Time
	bus eventbus.Bus
}

type Option func(*Registry)

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithBus publishes lifecycle events to bus.
func WithBus(bus eventbus.Bus) Option { return func(r *Registry) { r.bus = bus } }

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{jobs: map[string]*entry{}, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register inserts j. It never overwrites: a present id yields *DuplicateJobError.
func (r *Registry) Register(j Job) error {
	if len(j.Fragments) == 0 {
		return ErrEmptyJob
	}
	now := r.now()
	e := &entry{job: j, createdAt: now, updatedAt: now}
	e.job.Fragments = append([]Fragment(nil), j.Fragments...)

	r.mu.Lock()
	if _, ok := r.jobs[j.ID]; ok {
		r.mu.Unlock()
		return &DuplicateJobError{ID: j.ID}
	}
	r.jobs[j.ID] = e
	r.mu.Unlock()

	r.publish(EventRegistered, LifecycleEvent{JobID: j.ID, Fragments: len(j.Fragments)})
	return nil
}

func (r *Registry) get(id string) (*entry, bool) {
	r.mu.RLock()
	e, ok := r.jobs[id]
	r.mu.RUnlock()
	return e, ok
}

// Lookup returns a copy of the job's current state.
func (r *Registry) Lookup(id string) (Snapshot, error) {
	e, ok := r.get(id)
	if !ok {
		return Snapshot{}, &NotFoundError{ID: id}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked(), nil
}

// UpdateFragment applies u to exactly one fragment and returns the new state.
func (r *Registry) UpdateFragment(id string, index int, u Update) (Snapshot, error) {
	e, ok := r.get(id)
	if !ok {
		return Snapshot{}, &NotFoundError{ID: id}
	}
	at := u.At
	if at.IsZero() {
		at = r.now()
	}

	e.mu.Lock()
	if index < 0 || index >= len(e.job.Fragments) {
		e.mu.Unlock()
		return Snapshot{}, ErrFragmentRange
	}
	f := &e.job.Fragments[index]
	var state string
	switch u.Phase {
	case outcome.PhaseSent:
		f.Sent = u.Sent
		f.SentCode = u.Code
		if u.Sent == SentOK {
			f.SentAt = &at
		}
		state = string(u.Sent)
	case outcome.PhaseDelivered:
		f.Delivery = u.Delivery
		if u.Delivery == DeliveryDelivered {
			f.DeliveredAt = &at
		}
		state = string(u.Delivery)
	}
	e.updatedAt = at
	snap := e.snapshotLocked()
	e.mu.Unlock()

	r.publish(EventUpdated, LifecycleEvent{JobID: id, Fragment: &index, Phase: string(u.Phase), State: state})
	return snap, nil
}

// Filter selects jobs for List. Zero value lists everything (newest first).
type Filter struct {
	Status Aggregate
	Limit  int
	Offset int
}

// List returns the total number of matching jobs and one page of them, newest first.
func (r *Registry) List(f Filter) (int, []Snapshot) {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.jobs))
	for _, e := range r.jobs {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		s := e.snapshotLocked()
		e.mu.Unlock()
		if f.Status != "" && s.Status() != f.Status {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return strings.Compare(out[i].ID, out[j].ID) < 0
	})

	total := len(out)
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return total, []Snapshot{}
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return total, out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// Evict removes jobs whose last activity is before cutoff and returns their ids.
// A callback arriving after eviction is treated like one for an unknown job.
func (r *Registry) Evict(cutoff time.Time) []string {
	var removed []string
	r.mu.Lock()
	for id, e := range r.jobs {
		e.mu.Lock()
		stale := e.updatedAt.Before(cutoff)
		e.mu.Unlock()
		if stale {
			delete(r.jobs, id)
			removed = append(removed, id)
		}
	}
	r.mu.Unlock()

	sort.Strings(removed)
	for _, id := range removed {
		r.publish(EventEvicted, LifecycleEvent{JobID: id})
	}
	return removed
}

func (r *Registry) publish(typ string, data LifecycleEvent) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: typ, Time: r.now(), Data: data})
}
