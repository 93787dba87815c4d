// Package batch tracks the currently open event batch: the recordings from
// all cameras whose recording intervals overlap in time.
//
// The Registry is the only state shared between camera workers. Every
// operation runs inside one mutex, and closure ("no entry is still active")
// is recomputed from the full entry set on each CloseEntry call, so exactly
// one caller observes the transition to closed no matter how many cameras
// stop at the same moment.
package batch

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is one recording file registered in a batch.
type Entry struct {
	FilePath     string
	CameraID     string
	BatchID      string
	Active       bool
	RegisteredAt time.Time
}

// ClosureResult is returned by CloseEntry. Entries is only set when Closed is
// true and is a frozen copy owned by the caller.
type ClosureResult struct {
	Closed  bool
	BatchID string
	Entries []Entry
}

// Observer is notified when a batch opens or closes. Callbacks run after
// the registry lock is released, on the calling camera's goroutine.
type Observer interface {
	BatchOpened(batchID string)
	BatchClosed(batchID string, entries int)
}

// Registry holds the entries of the current batch.
type Registry struct {
	mu        sync.Mutex
	entries   []Entry
	currentID string

	newID    func() string
	now      func() time.Time
	observer Observer
}

// Option configures a Registry.
type Option func(*Registry)

// WithIDFunc overrides batch id generation.
func WithIDFunc(fn func() string) Option {
	return func(r *Registry) {
		if fn != nil {
			r.newID = fn
		}
	}
}

// WithClock overrides the time source used for RegisteredAt.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithObserver installs a batch lifecycle observer.
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observer = o }
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		newID: func() string { return uuid.New().String() },
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds an active entry for filePath to the open batch, opening a new
// batch first if none is open. It returns the batch id the entry joined.
func (r *Registry) Register(filePath, cameraID string) string {
	r.mu.Lock()
	opened := false
	if len(r.entries) == 0 {
		r.currentID = r.newID()
		opened = true
	}
	id := r.currentID
	r.entries = append(r.entries, Entry{
		FilePath:     filePath,
		CameraID:     cameraID,
		BatchID:      id,
		Active:       true,
		RegisteredAt: r.now(),
	})
	r.mu.Unlock()

	if opened && r.observer != nil {
		r.observer.BatchOpened(id)
	}
	return id
}

// CloseEntry marks the entry for filePath inactive. If that leaves no active
// entry, the batch closes: its entries are removed from the registry and
// returned, and the next Register opens a fresh batch.
func (r *Registry) CloseEntry(filePath string) ClosureResult {
	r.mu.Lock()
	for i := range r.entries {
		if r.entries[i].FilePath == filePath {
			r.entries[i].Active = false
			break
		}
	}

	if len(r.entries) == 0 || r.anyActiveLocked() {
		r.mu.Unlock()
		return ClosureResult{}
	}

	res := ClosureResult{
		Closed:  true,
		BatchID: r.currentID,
		Entries: r.entries,
	}
	r.entries = nil
	r.currentID = ""
	r.mu.Unlock()

	if r.observer != nil {
		r.observer.BatchClosed(res.BatchID, len(res.Entries))
	}
	return res
}

func (r *Registry) anyActiveLocked() bool {
	for _, e := range r.entries {
		if e.Active {
			return true
		}
	}
	return false
}

// Current returns the open batch id, if any.
func (r *Registry) Current() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentID, len(r.entries) > 0
}

// Snapshot returns a copy of the open batch's entries.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) == 0 {
		return nil
	}
	return append([]Entry(nil), r.entries...)
}

// ActiveCount returns the number of entries still recording.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.Active {
			n++
		}
	}
	return n
}
