// Package worker defines the scheduler's view of external worker agents: the
// descriptor snapshots supplied by a team-management collaborator and a
// bus-driven runner for workers hosted in the coordinating process.
package worker

import "sync"

// Status reflects a worker's availability.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// Descriptor is a read-only snapshot of a worker agent. The scheduler scores
// candidates from descriptors but never mutates them; load and status changes
// are requested through messages to the team-management collaborator.
type Descriptor struct {
	ID           string   `json:"id"`
	Role         string   `json:"role"`
	Capabilities []string `json:"capabilities,omitempty"`
	CurrentLoad  int      `json:"current_load"` // 0-100
	Status       Status   `json:"status"`
}

// HasCapability reports whether the worker advertises the given capability.
func (d Descriptor) HasCapability(cap string) bool {
	for _, c := range d.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Roster supplies worker descriptor snapshots. Implemented by the external
// team-management collaborator; StaticRoster covers in-process pools and tests.
type Roster interface {
	Workers() []Descriptor
}

// StaticRoster is a fixed, mutable-in-place roster for in-process worker pools.
type StaticRoster struct {
	mu      sync.RWMutex
	workers []Descriptor
}

// NewStaticRoster creates a roster from the given descriptors.
func NewStaticRoster(workers ...Descriptor) *StaticRoster {
	r := &StaticRoster{}
	r.workers = append(r.workers, workers...)
	return r
}

// Workers returns descriptor copies in registration order.
func (r *StaticRoster) Workers() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, len(r.workers))
	copy(out, r.workers)
	for i := range out {
		out[i].Capabilities = append([]string(nil), r.workers[i].Capabilities...)
	}
	return out
}

// IDs returns the roster's worker identifiers in registration order.
func (r *StaticRoster) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, len(r.workers))
	for i, w := range r.workers {
		ids[i] = w.ID
	}
	return ids
}

// Add registers an additional worker.
func (r *StaticRoster) Add(w Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers = append(r.workers, w)
}

// SetLoad updates a worker's load snapshot.
func (r *StaticRoster) SetLoad(workerID string, load int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.workers {
		if r.workers[i].ID == workerID {
			r.workers[i].CurrentLoad = load
			return
		}
	}
}

// SetStatus updates a worker's availability.
func (r *StaticRoster) SetStatus(workerID string, status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.workers {
		if r.workers[i].ID == workerID {
			r.workers[i].Status = status
			return
		}
	}
}
