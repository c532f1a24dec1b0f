package outcome

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunResultMerge(t *testing.T) {
	r := NewRunResult()
	r.Merge(BatchResult{Outcomes: []Outcome{
		Success{ID: "a", Op: OpCreate},
		Success{ID: "b", Op: OpCreate},
		Failure{ID: "c", StatusCode: 400, Message: "invalid payload"},
		Unknown{StatusCode: 502, Message: "bad gateway"},
	}})
	r.Merge(BatchResult{Outcomes: []Outcome{
		Failure{ID: "d", StatusCode: 400, Message: "invalid payload"},
	}})

	assert.Equal(t, 2, r.TotalSuccessful)
	assert.Equal(t, 3, r.TotalFailed)
	assert.Equal(t, 5, r.TotalProcessed())
	assert.Equal(t, 2, r.StatusCounts[400])
	assert.Equal(t, 1, r.StatusCounts[502])
	assert.Len(t, r.Unknowns, 1)
	assert.InDelta(t, 0.4, r.SuccessRate(), 1e-9)
}

func TestRunResultAccountingInvariant(t *testing.T) {
	cases := []struct {
		name     string
		outcomes []Outcome
	}{
		{"empty", nil},
		{"all success", []Outcome{Success{ID: "a"}, Success{ID: "b"}}},
		{"all failed", []Outcome{Failure{ID: "a", StatusCode: 500}}},
		{"mixed", []Outcome{Success{ID: "a"}, Unknown{StatusCode: 503}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewRunResult()
			r.Merge(BatchResult{Outcomes: tc.outcomes})
			assert.Equal(t, r.TotalSuccessful+r.TotalFailed, r.TotalProcessed())
			rate := r.SuccessRate()
			assert.GreaterOrEqual(t, rate, 0.0)
			assert.LessOrEqual(t, rate, 1.0)
		})
	}
}

func TestSuccessRateEmptyRun(t *testing.T) {
	r := NewRunResult()
	assert.Zero(t, r.TotalProcessed())
	assert.Equal(t, 0.0, r.SuccessRate())
}
