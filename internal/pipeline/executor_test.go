package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sliceSource yields the given chunks in order.
func sliceSource(chunks [][]string) func(context.Context) ([]string, bool, error) {
	i := 0
	return func(context.Context) ([]string, bool, error) {
		if i >= len(chunks) {
			return nil, false, nil
		}
		c := chunks[i]
		i++
		return c, true, nil
	}
}

func TestRunCompletesCleanly(t *testing.T) {
	chunks := [][]string{
		{"a", "b", "c"},
		{"d"},
		{"e", "f"},
	}
	var mu sync.Mutex
	var written [][]string

	ex, err := NewExecutor(Options[[]string, []string]{
		Next:      sliceSource(chunks),
		Transform: func(c []string) ([]string, error) { return c, nil },
		Write: func(c []string) error {
			mu.Lock()
			written = append(written, c)
			mu.Unlock()
			return nil
		},
		Count:     func(c []string) int { return len(c) },
		QueueSize: 2,
	})
	require.NoError(t, err)

	ex.Run(context.Background())

	assert.False(t, ex.ErrorOccurred())
	assert.Empty(t, ex.ErrorMessage())
	assert.Equal(t, int64(6), ex.TotalItems())
	assert.Equal(t, chunks, written)
}

func TestTransformErrorStopsRun(t *testing.T) {
	chunks := make([][]string, 100)
	for i := range chunks {
		chunks[i] = []string{"x"}
	}

	var writes int
	var mu sync.Mutex
	ex, err := NewExecutor(Options[[]string, []string]{
		Next: sliceSource(chunks),
		Transform: func(c []string) ([]string, error) {
			return nil, errors.New("schema mismatch")
		},
		Write: func(c []string) error {
			mu.Lock()
			writes++
			mu.Unlock()
			return nil
		},
		QueueSize: 4,
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		ex.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not terminate after transform error")
	}

	assert.True(t, ex.ErrorOccurred())
	assert.Contains(t, ex.ErrorMessage(), "schema mismatch")
	assert.Contains(t, ex.ErrorMessage(), "transform stage")
	mu.Lock()
	assert.Zero(t, writes)
	mu.Unlock()
}

func TestWriteErrorStopsRun(t *testing.T) {
	chunks := make([][]string, 50)
	for i := range chunks {
		chunks[i] = []string{"x"}
	}

	ex, err := NewExecutor(Options[[]string, []string]{
		Next:      sliceSource(chunks),
		Transform: func(c []string) ([]string, error) { return c, nil },
		Write:     func(c []string) error { return errors.New("disk full") },
		QueueSize: 2,
	})
	require.NoError(t, err)

	ex.Run(context.Background())

	assert.True(t, ex.ErrorOccurred())
	assert.Contains(t, ex.ErrorMessage(), "write stage")
}

func TestSourceErrorStopsRun(t *testing.T) {
	calls := 0
	ex, err := NewExecutor(Options[[]string, []string]{
		Next: func(context.Context) ([]string, bool, error) {
			calls++
			if calls > 2 {
				return nil, false, errors.New("connection reset")
			}
			return []string{"x"}, true, nil
		},
		Transform: func(c []string) ([]string, error) { return c, nil },
		Write:     func(c []string) error { return nil },
		QueueSize: 2,
	})
	require.NoError(t, err)

	ex.Run(context.Background())

	assert.True(t, ex.ErrorOccurred())
	assert.Contains(t, ex.ErrorMessage(), "download stage")
	assert.Equal(t, int64(2), ex.TotalItems())
}

func TestOnlyFirstErrorRecorded(t *testing.T) {
	ex, err := NewExecutor(Options[[]string, []string]{
		Next:      sliceSource([][]string{{"a"}, {"b"}}),
		Transform: func(c []string) ([]string, error) { return nil, errors.New("first") },
		Write:     func(c []string) error { return errors.New("second") },
		QueueSize: 1,
	})
	require.NoError(t, err)

	ex.Run(context.Background())
	assert.Contains(t, ex.ErrorMessage(), "first")
	assert.NotContains(t, ex.ErrorMessage(), "second")
}

func TestStagePanicBecomesError(t *testing.T) {
	ex, err := NewExecutor(Options[[]string, []string]{
		Next:      sliceSource([][]string{{"a"}}),
		Transform: func(c []string) ([]string, error) { panic("transform bug") },
		Write:     func(c []string) error { return nil },
		QueueSize: 1,
	})
	require.NoError(t, err)

	ex.Run(context.Background())
	assert.True(t, ex.ErrorOccurred())
	assert.Contains(t, ex.ErrorMessage(), "transform bug")
}

func TestEmptySource(t *testing.T) {
	ex, err := NewExecutor(Options[[]string, []string]{
		Next:      sliceSource(nil),
		Transform: func(c []string) ([]string, error) { return c, nil },
		Write:     func(c []string) error { return nil },
	})
	require.NoError(t, err)

	ex.Run(context.Background())
	assert.False(t, ex.ErrorOccurred())
	assert.Zero(t, ex.TotalItems())
}

func TestNewExecutorValidation(t *testing.T) {
	_, err := NewExecutor(Options[[]string, []string]{})
	assert.Error(t, err)
}

func TestBackpressureBoundsQueues(t *testing.T) {
	// A slow writer must throttle the source through the bounded queues:
	// at any moment the source can be at most 2*queueSize+handful ahead.
	const queueSize = 2
	var produced, written int
	var mu sync.Mutex

	ex, err := NewExecutor(Options[[]string, []string]{
		Next: func(context.Context) ([]string, bool, error) {
			mu.Lock()
			if produced >= 40 {
				mu.Unlock()
				return nil, false, nil
			}
			produced++
			lead := produced - written
			mu.Unlock()
			// Producer lead is bounded by the two queues plus the chunks
			// held by the three stages themselves.
			if lead > 2*queueSize+3 {
				return nil, false, errors.New("backpressure violated")
			}
			return []string{"x"}, true, nil
		},
		Transform: func(c []string) ([]string, error) { return c, nil },
		Write: func(c []string) error {
			time.Sleep(time.Millisecond)
			mu.Lock()
			written++
			mu.Unlock()
			return nil
		},
		QueueSize: queueSize,
	})
	require.NoError(t, err)

	ex.Run(context.Background())
	assert.False(t, ex.ErrorOccurred(), ex.ErrorMessage())
}
