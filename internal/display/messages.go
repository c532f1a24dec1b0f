package display

import "fmt"

// BatchMsg reports one terminal batch result to the view.
type BatchMsg struct {
	Successful int
	Failed     int
}

// ActivityMsg updates the short status line under the progress bar.
type ActivityMsg struct {
	Activity string
}

// RunFinishedMsg ends the view. Err is the pipeline-fatal error, if any.
type RunFinishedMsg struct {
	Err        error
	Successful int
	Failed     int
}

func (b BatchMsg) String() string {
	return fmt.Sprintf("Batch done: +%d ok, +%d failed", b.Successful, b.Failed)
}

func (r RunFinishedMsg) String() string {
	if r.Err != nil {
		return fmt.Sprintf("Run failed: %v", r.Err)
	}
	return fmt.Sprintf("Run finished: %d ok, %d failed", r.Successful, r.Failed)
}
