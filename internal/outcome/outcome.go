// Package outcome holds the per-item result types produced by batch
// submission and the run-wide aggregates built from them.
package outcome

// Operation is the platform-side action a successful submission performed.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Outcome is the terminal record for one item in one batch operation.
// Exactly one of Success, Failure or Unknown implements it.
type Outcome interface {
	ItemID() string
	outcome()
}

// Success records that the platform accepted the item.
type Success struct {
	ID string
	Op Operation
}

func (s Success) ItemID() string { return s.ID }
func (Success) outcome()         {}

// Failure is a terminal, attributable failure for a single item.
type Failure struct {
	ID         string
	StatusCode int
	Message    string
}

func (f Failure) ItemID() string { return f.ID }
func (Failure) outcome()         {}

// Unknown is a bulk failure whose response could not be mapped back to a
// concrete item identity.
type Unknown struct {
	ID         string
	StatusCode int
	Message    string
}

func (u Unknown) ItemID() string { return u.ID }
func (Unknown) outcome()         {}

// BatchResult carries the outcomes from submitting exactly one batch.
type BatchResult struct {
	Outcomes []Outcome
}

// RunResult is the reduction of every BatchResult for one processor run.
type RunResult struct {
	TotalSuccessful int
	TotalFailed     int
	Successes       []Success
	Failures        []Failure
	Unknowns        []Unknown
	// StatusCounts is a histogram of HTTP status codes observed on failed
	// outcomes. Network-level failures are keyed under 0.
	StatusCounts map[int]int
}

// NewRunResult returns an empty, mergeable run result.
func NewRunResult() *RunResult {
	return &RunResult{StatusCounts: make(map[int]int)}
}

// Merge folds one batch result into the running totals. Unknown outcomes are
// failures whose attribution failed, so they count toward TotalFailed;
// anything else would break TotalProcessed() accounting.
func (r *RunResult) Merge(br BatchResult) {
	for _, o := range br.Outcomes {
		switch v := o.(type) {
		case Success:
			r.TotalSuccessful++
			r.Successes = append(r.Successes, v)
		case Failure:
			r.TotalFailed++
			r.Failures = append(r.Failures, v)
			r.StatusCounts[v.StatusCode]++
		case Unknown:
			r.TotalFailed++
			r.Unknowns = append(r.Unknowns, v)
			r.StatusCounts[v.StatusCode]++
		}
	}
}

// TotalProcessed is the number of items that reached a terminal outcome.
func (r *RunResult) TotalProcessed() int {
	return r.TotalSuccessful + r.TotalFailed
}

// SuccessRate is in [0,1], and 0 when nothing was processed.
func (r *RunResult) SuccessRate() float64 {
	total := r.TotalProcessed()
	if total == 0 {
		return 0.0
	}
	return float64(r.TotalSuccessful) / float64(total)
}
