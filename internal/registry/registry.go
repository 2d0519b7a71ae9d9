// Package registry implements the Backend Registry: the mapping from
// backend address to its live status, kept fresh by the Health Prober
// and read by the Selector and Task Accounting.
package registry

import (
	"sync"
	"time"

	"github.com/corewell/genforge/internal/observability"
)

// DefaultErrorThreshold is the number of consecutive probe failures
// after which a backend flips unavailable.
const DefaultErrorThreshold = 3

// BackendStatus is the live status record for one backend.
type BackendStatus struct {
	Address           string
	Available         bool
	QueueRunning      int
	QueuePending      int
	InFlight          int
	LastProbeAt       time.Time
	ConsecutiveErrors int
}

// TotalLoad is the derived composite load metric the Selector sorts on.
func (s BackendStatus) TotalLoad() int {
	return s.QueueRunning + s.QueuePending + s.InFlight
}

// ProbeOutcome is what the Health Prober reports back to the Registry
// after polling one backend's /queue endpoint.
type ProbeOutcome struct {
	Success      bool
	QueueRunning int
	QueuePending int
}

// Entry pairs an address with an immutable copy of its status, as
// returned by Snapshot.
type Entry struct {
	Address string
	Status  BackendStatus
}

// Registry owns the lifetime of every BackendStatus. All operations
// serialize on a single non-reentrant mutex; public methods take the
// lock, private helpers assume it is already held.
type Registry struct {
	mu             sync.RWMutex
	statuses       map[string]*BackendStatus
	order          []string // insertion order, for the deterministic fallback
	errorThreshold int
}

// New creates an empty Registry. errorThreshold <= 0 uses the default.
func New(errorThreshold int) *Registry {
	if errorThreshold <= 0 {
		errorThreshold = DefaultErrorThreshold
	}
	return &Registry{
		statuses:       make(map[string]*BackendStatus),
		errorThreshold: errorThreshold,
	}
}

// Add registers address if absent. Idempotent.
func (r *Registry) Add(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addLocked(address)
}

func (r *Registry) addLocked(address string) {
	if _, ok := r.statuses[address]; ok {
		return
	}
	r.statuses[address] = &BackendStatus{Address: address, Available: true}
	r.order = append(r.order, address)
	observability.BackendAvailable.WithLabelValues(address).Set(1)
	observability.BackendInFlight.WithLabelValues(address).Set(0)
	observability.BackendTotalLoad.WithLabelValues(address).Set(0)
}

// Remove deletes address if present. Idempotent. Destroys the record
// immediately; any Job Driver already bound to this address keeps
// running but the Selector will never choose it again.
func (r *Registry) Remove(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.statuses[address]; !ok {
		return
	}
	delete(r.statuses, address)
	for i, a := range r.order {
		if a == address {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Snapshot returns an immutable, insertion-ordered copy of every
// registered backend's status. Callers must snapshot rather than hold
// the Registry lock across I/O.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]Entry, 0, len(r.order))
	for _, addr := range r.order {
		if st, ok := r.statuses[addr]; ok {
			entries = append(entries, Entry{Address: addr, Status: *st})
		}
	}
	return entries
}

// ApplyProbe updates a backend's load and availability from a probe
// result. Applying a probe against an address that was removed while
// the probe was in flight is silently discarded.
func (r *Registry) ApplyProbe(address string, outcome ProbeOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.statuses[address]
	if !ok {
		return
	}
	st.LastProbeAt = time.Now()

	if outcome.Success {
		st.QueueRunning = outcome.QueueRunning
		st.QueuePending = outcome.QueuePending
		st.ConsecutiveErrors = 0
		st.Available = true
	} else {
		st.ConsecutiveErrors++
		if st.ConsecutiveErrors >= r.errorThreshold {
			st.Available = false
		}
	}

	observability.BackendAvailable.WithLabelValues(address).Set(boolToFloat(st.Available))
	observability.BackendTotalLoad.WithLabelValues(address).Set(float64(st.TotalLoad()))
}

// IncInFlight records a new dispatch to address. No-op if address is no
// longer registered.
func (r *Registry) IncInFlight(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.statuses[address]
	if !ok {
		return
	}
	st.InFlight++
	observability.BackendInFlight.WithLabelValues(address).Set(float64(st.InFlight))
	observability.BackendTotalLoad.WithLabelValues(address).Set(float64(st.TotalLoad()))
}

// DecInFlight records a dispatch completing against address. Clamps at
// zero and is a no-op if address is no longer registered: a decrement
// against an absent backend never panics or errors, it is simply
// dropped.
func (r *Registry) DecInFlight(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.statuses[address]
	if !ok {
		return
	}
	if st.InFlight > 0 {
		st.InFlight--
	}
	observability.BackendInFlight.WithLabelValues(address).Set(float64(st.InFlight))
	observability.BackendTotalLoad.WithLabelValues(address).Set(float64(st.TotalLoad()))
}

// Get returns a copy of the status for address, if registered.
func (r *Registry) Get(address string) (BackendStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.statuses[address]
	if !ok {
		return BackendStatus{}, false
	}
	return *st, true
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
