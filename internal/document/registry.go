// Package document owns the in-memory project documents: one
// authoritative replica per project per process, with debounced
// batching of local deltas, catch-up diffs, and idle eviction.
package document

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"waveroom/server/internal/crdt"
)

const (
	// DefaultFlushInterval is the debounce window for batching local
	// deltas before a merged flush to subscribers.
	DefaultFlushInterval = 100 * time.Millisecond

	// DefaultInactivityThreshold is how long a document with no
	// subscribers may sit unmodified before eviction.
	DefaultInactivityThreshold = 30 * time.Minute

	// subscriberBuffer bounds a subscriber channel. A subscriber that
	// falls this far behind loses deltas and is expected to re-sync
	// from its state vector.
	subscriberBuffer = 32
)

// Options configure a Registry. Zero fields take defaults.
type Options struct {
	FlushInterval       time.Duration
	InactivityThreshold time.Duration
	Now                 func() time.Time
	Logger              zerolog.Logger
}

// Registry is the process-wide document registry. It is constructed at
// startup, injected into the session gateway, and shut down with Close.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry

	flushInterval time.Duration
	inactivity    time.Duration
	now           func() time.Time
	log           zerolog.Logger
	closed        bool
}

type entry struct {
	doc          *crdt.Doc
	subscribers  map[uint64]chan []byte
	nextSubID    uint64
	buffer       [][]byte
	flushTimer   *time.Timer
	lastModified time.Time
}

// Subscription is an owned handle to a project's delta stream. Release
// it with Cancel; releasing the last one starts the eviction countdown.
type Subscription struct {
	C      <-chan []byte
	cancel func()
}

// Cancel detaches the subscriber and closes C. Safe to call twice.
func (s *Subscription) Cancel() {
	s.cancel()
}

// Stats summarizes registry occupancy.
type Stats struct {
	ActiveDocuments  int
	TotalSubscribers int
	BufferedUpdates  int
}

func NewRegistry(opts Options) *Registry {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.InactivityThreshold <= 0 {
		opts.InactivityThreshold = DefaultInactivityThreshold
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		entries:       make(map[string]*entry),
		flushInterval: opts.FlushInterval,
		inactivity:    opts.InactivityThreshold,
		now:           opts.Now,
		log:           opts.Logger,
	}
}

// GetOrCreate returns the project's document, creating it (and wiring
// its local-origin update listener into the batch buffer) on first use.
func (r *Registry) GetOrCreate(projectID string) *crdt.Doc {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getOrCreateLocked(projectID).doc
}

func (r *Registry) getOrCreateLocked(projectID string) *entry {
	e, ok := r.entries[projectID]
	if !ok {
		doc := crdt.NewDoc("server:" + projectID)
		e = &entry{
			doc:          doc,
			subscribers:  make(map[uint64]chan []byte),
			lastModified: r.now(),
		}
		doc.OnUpdate(func(update []byte) {
			r.bufferUpdate(projectID, update)
		})
		r.entries[projectID] = e
		r.log.Info().Str("project", projectID).Msg("document created")
	}
	return e
}

// ApplyRemote merges a remote-origin update into the project document.
// Malformed bytes fail without partial mutation, and a remote apply
// never triggers this process's own broadcast of the same delta.
func (r *Registry) ApplyRemote(projectID string, update []byte, userID string) error {
	r.mu.Lock()
	e := r.getOrCreateLocked(projectID)
	r.mu.Unlock()

	if err := e.doc.ApplyUpdate(update); err != nil {
		return fmt.Errorf("apply update from %s: %w", userID, err)
	}

	r.mu.Lock()
	e.lastModified = r.now()
	r.mu.Unlock()
	r.log.Debug().Str("project", projectID).Str("user", userID).Msg("applied remote update")
	return nil
}

// StateVector returns the project document's state vector.
func (r *Registry) StateVector(projectID string) crdt.StateVector {
	return r.GetOrCreate(projectID).StateVector()
}

// DiffFrom returns the update containing only operations absent from
// the given vector.
func (r *Registry) DiffFrom(projectID string, sv crdt.StateVector) ([]byte, error) {
	return r.GetOrCreate(projectID).DiffFrom(sv)
}

// Subscribe attaches a delta stream to the project document.
func (r *Registry) Subscribe(projectID string) *Subscription {
	r.mu.Lock()
	e := r.getOrCreateLocked(projectID)
	id := e.nextSubID
	e.nextSubID++
	ch := make(chan []byte, subscriberBuffer)
	e.subscribers[id] = ch
	total := len(e.subscribers)
	r.mu.Unlock()

	r.log.Debug().Str("project", projectID).Int("subscribers", total).Msg("subscriber added")

	var once sync.Once
	return &Subscription{
		C: ch,
		cancel: func() {
			once.Do(func() {
				r.mu.Lock()
				if cur, ok := e.subscribers[id]; ok && cur == ch {
					delete(e.subscribers, id)
					close(ch)
				}
				remaining := len(e.subscribers)
				r.mu.Unlock()
				r.log.Debug().Str("project", projectID).Int("subscribers", remaining).Msg("subscriber removed")
			})
		},
	}
}

// ExportSnapshot captures the project's live state.
func (r *Registry) ExportSnapshot(projectID string) crdt.Snapshot {
	return r.GetOrCreate(projectID).Export()
}

// LoadSnapshot clears and repopulates the live document in place;
// subscriber bindings stay intact and see the change as a batched
// delta.
func (r *Registry) LoadSnapshot(projectID string, snap crdt.Snapshot) error {
	if err := r.GetOrCreate(projectID).LoadSnapshot(snap); err != nil {
		return err
	}
	r.mu.Lock()
	if e, ok := r.entries[projectID]; ok {
		e.lastModified = r.now()
	}
	r.mu.Unlock()
	return nil
}

func (r *Registry) bufferUpdate(projectID string, update []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[projectID]
	if !ok || r.closed {
		return
	}
	e.buffer = append(e.buffer, update)
	e.lastModified = r.now()
	if e.flushTimer != nil {
		e.flushTimer.Stop()
	}
	e.flushTimer = time.AfterFunc(r.flushInterval, func() {
		r.flush(projectID)
	})
}

func (r *Registry) flush(projectID string) {
	r.mu.Lock()
	e, ok := r.entries[projectID]
	if !ok || len(e.buffer) == 0 {
		r.mu.Unlock()
		return
	}
	buffer := e.buffer
	e.buffer = nil
	e.flushTimer = nil
	subs := make([]chan []byte, 0, len(e.subscribers))
	for _, ch := range e.subscribers {
		subs = append(subs, ch)
	}
	r.mu.Unlock()

	merged, err := crdt.MergeUpdates(buffer)
	if err != nil {
		r.log.Error().Err(err).Str("project", projectID).Msg("merging buffered updates")
		return
	}
	dropped := 0
	for _, ch := range subs {
		select {
		case ch <- merged:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		r.log.Warn().Str("project", projectID).Int("dropped", dropped).Msg("slow subscribers missed a flush")
	}
	r.log.Debug().Str("project", projectID).Int("batched", len(buffer)).Msg("flushed updates")
}

// Destroy removes a project document immediately, draining its timer
// and closing any remaining subscriber channels.
func (r *Registry) Destroy(projectID string) {
	r.mu.Lock()
	e, ok := r.entries[projectID]
	if ok {
		if e.flushTimer != nil {
			e.flushTimer.Stop()
		}
		for id, ch := range e.subscribers {
			delete(e.subscribers, id)
			close(ch)
		}
		delete(r.entries, projectID)
	}
	r.mu.Unlock()
	if ok {
		r.log.Info().Str("project", projectID).Msg("document destroyed")
	}
}

// EvictIdle destroys documents with zero subscribers and no
// modification within the inactivity threshold. Returns the evicted
// project IDs.
func (r *Registry) EvictIdle() []string {
	cutoff := r.now().Add(-r.inactivity)
	r.mu.Lock()
	var idle []string
	for projectID, e := range r.entries {
		if len(e.subscribers) == 0 && e.lastModified.Before(cutoff) {
			idle = append(idle, projectID)
		}
	}
	r.mu.Unlock()
	for _, projectID := range idle {
		r.Destroy(projectID)
	}
	return idle
}

// Stats reports registry occupancy.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	var s Stats
	s.ActiveDocuments = len(r.entries)
	for _, e := range r.entries {
		s.TotalSubscribers += len(e.subscribers)
		s.BufferedUpdates += len(e.buffer)
	}
	return s
}

// Close drains every flush timer and detaches all subscribers.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	projectIDs := make([]string, 0, len(r.entries))
	for projectID := range r.entries {
		projectIDs = append(projectIDs, projectID)
	}
	r.mu.Unlock()
	for _, projectID := range projectIDs {
		r.Destroy(projectID)
	}
}
