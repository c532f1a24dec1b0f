// Package progress tracks per-item, per-step status for a run. The step order
// is declared up front; a failed step poisons every later step to aborted.
package progress

import (
	"fmt"
	"sync"
)

// Status is the state of one step for one item.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusAborted Status = "aborted"
)

var validStatuses = map[Status]bool{
	StatusPending: true,
	StatusSuccess: true,
	StatusFailed:  true,
	StatusAborted: true,
}

// Tracker is a thread-safe status table keyed by (item, step). One lock
// guards the whole instance; call volumes here are far below contention
// levels that would justify anything finer.
type Tracker struct {
	mu        sync.Mutex
	steps     []string
	stepIndex map[string]int
	items     map[string][]Status
}

// NewTracker declares the ordered step list for the run.
func NewTracker(steps []string) *Tracker {
	idx := make(map[string]int, len(steps))
	for i, s := range steps {
		idx[s] = i
	}
	return &Tracker{
		steps:     append([]string(nil), steps...),
		stepIndex: idx,
		items:     make(map[string][]Status),
	}
}

// Steps returns the declared step order.
func (t *Tracker) Steps() []string {
	return append([]string(nil), t.steps...)
}

// SetProgress records status for one step of one item. Setting failed forces
// every later declared step to aborted. An aborted step stays aborted: the
// poisoning is idempotent and never silently reverts.
func (t *Tracker) SetProgress(itemID, step string, status Status) error {
	if !validStatuses[status] {
		return fmt.Errorf("unknown status %q for item %q", status, itemID)
	}
	i, ok := t.stepIndex[step]
	if !ok {
		return fmt.Errorf("unknown step %q for item %q", step, itemID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	statuses := t.ensureLocked(itemID)
	if statuses[i] == StatusAborted && status != StatusAborted {
		return nil
	}
	statuses[i] = status
	if status == StatusFailed {
		for j := i + 1; j < len(statuses); j++ {
			statuses[j] = StatusAborted
		}
	}
	return nil
}

// GetProgress returns the full per-step status map for an item. An item that
// was never referenced before initializes to all-pending.
func (t *Tracker) GetProgress(itemID string) map[string]Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	statuses := t.ensureLocked(itemID)
	out := make(map[string]Status, len(t.steps))
	for i, s := range t.steps {
		out[s] = statuses[i]
	}
	return out
}

// GetStepProgress returns the status of a single step for an item.
func (t *Tracker) GetStepProgress(itemID, step string) (Status, error) {
	i, ok := t.stepIndex[step]
	if !ok {
		return "", fmt.Errorf("unknown step %q for item %q", step, itemID)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ensureLocked(itemID)[i], nil
}

// ensureLocked lazily initializes an item to all-pending. Caller holds mu.
func (t *Tracker) ensureLocked(itemID string) []Status {
	statuses, ok := t.items[itemID]
	if !ok {
		statuses = make([]Status, len(t.steps))
		for i := range statuses {
			statuses[i] = StatusPending
		}
		t.items[itemID] = statuses
	}
	return statuses
}
