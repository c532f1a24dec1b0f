// Package pipeline runs a fixed three-stage download/transform/write pipeline
// with bounded queues for backpressure and fail-fast error propagation.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Options configures an Executor. C is the chunk type produced by the source,
// P the type the transform yields for the write stage.
type Options[C, P any] struct {
	// Next pulls the next chunk from the download source. ok=false signals
	// exhaustion; a non-nil error aborts the run.
	Next func(ctx context.Context) (chunk C, ok bool, err error)
	// Transform is a pure function applied to every chunk.
	Transform func(chunk C) (P, error)
	// Write persists or submits one transformed chunk.
	Write func(chunk P) error
	// Count reports how many items a chunk carries. Nil counts each chunk
	// as one item.
	Count func(chunk C) int

	// QueueSize bounds both intermediate queues.
	QueueSize int
	// ExpectedChunks is display-only and never affects termination.
	ExpectedChunks int

	Logger *slog.Logger
}

// Executor wires the three stages together. One executor runs once.
type Executor[C, P any] struct {
	next           func(ctx context.Context) (C, bool, error)
	transform      func(C) (P, error)
	write          func(P) error
	count          func(C) int
	queueSize      int
	expectedChunks int
	logger         *slog.Logger

	totalItems atomic.Int64

	// First failing stage wins; stop is the shared poison flag the other
	// stages check at every queue boundary.
	stopOnce sync.Once
	stop     chan struct{}
	errMu    sync.Mutex
	firstErr error
}

// NewExecutor validates opts and builds an Executor.
func NewExecutor[C, P any](opts Options[C, P]) (*Executor[C, P], error) {
	if opts.Next == nil {
		return nil, fmt.Errorf("pipeline: source is required")
	}
	if opts.Transform == nil {
		return nil, fmt.Errorf("pipeline: transform is required")
	}
	if opts.Write == nil {
		return nil, fmt.Errorf("pipeline: write stage is required")
	}
	queueSize := opts.QueueSize
	if queueSize < 1 {
		queueSize = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	count := opts.Count
	if count == nil {
		count = func(C) int { return 1 }
	}
	return &Executor[C, P]{
		next:           opts.Next,
		transform:      opts.Transform,
		write:          opts.Write,
		count:          count,
		queueSize:      queueSize,
		expectedChunks: opts.ExpectedChunks,
		logger:         logger.With(slog.String("component", "pipeline")),
		stop:           make(chan struct{}),
	}, nil
}

// Run blocks until all three stages finish. It never returns an error from
// the stages themselves: callers inspect ErrorOccurred and ErrorMessage
// afterward and decide fatality.
func (e *Executor[C, P]) Run(ctx context.Context) {
	downloaded := make(chan C, e.queueSize)
	transformed := make(chan P, e.queueSize)

	e.logger.Info("Pipeline starting.",
		slog.Int("queue_size", e.queueSize),
		slog.Int("expected_chunks", e.expectedChunks),
	)

	var wg sync.WaitGroup
	wg.Add(3)
	go e.downloadStage(ctx, &wg, downloaded)
	go e.transformStage(&wg, downloaded, transformed)
	go e.writeStage(&wg, transformed)
	wg.Wait()

	if err := e.Err(); err != nil {
		e.logger.Error("Pipeline finished with error.", "error", err)
		return
	}
	e.logger.Info("Pipeline finished.", slog.Int64("total_items", e.totalItems.Load()))
}

// downloadStage pulls chunks from the source until exhaustion. Closing the
// queue is the normal end-of-stream signal; the stop flag covers failures.
func (e *Executor[C, P]) downloadStage(ctx context.Context, wg *sync.WaitGroup, out chan<- C) {
	defer wg.Done()
	defer close(out)
	defer e.recoverStage("download")

	chunks := 0
	for {
		select {
		case <-e.stop:
			return
		default:
		}

		chunk, ok, err := e.next(ctx)
		if err != nil {
			e.fail("download", err)
			return
		}
		if !ok {
			e.logger.Debug("Download source exhausted.", slog.Int("chunks", chunks))
			return
		}

		select {
		case out <- chunk:
			chunks++
			e.totalItems.Add(int64(e.count(chunk)))
		case <-e.stop:
			return
		}
	}
}

func (e *Executor[C, P]) transformStage(wg *sync.WaitGroup, in <-chan C, out chan<- P) {
	defer wg.Done()
	defer close(out)
	defer e.recoverStage("transform")

	for {
		select {
		case chunk, ok := <-in:
			if !ok {
				return
			}
			p, err := e.transform(chunk)
			if err != nil {
				e.fail("transform", err)
				return
			}
			select {
			case out <- p:
			case <-e.stop:
				return
			}
		case <-e.stop:
			return
		}
	}
}

func (e *Executor[C, P]) writeStage(wg *sync.WaitGroup, in <-chan P) {
	defer wg.Done()
	defer e.recoverStage("write")

	for {
		select {
		case chunk, ok := <-in:
			if !ok {
				return
			}
			if err := e.write(chunk); err != nil {
				e.fail("write", err)
				return
			}
		case <-e.stop:
			return
		}
	}
}

// fail records the first error and raises the poison flag. Chunks already
// dequeued by other stages may be dropped; the whole run is reported failed
// so nothing is lost silently.
func (e *Executor[C, P]) fail(stage string, err error) {
	e.stopOnce.Do(func() {
		e.errMu.Lock()
		e.firstErr = fmt.Errorf("%s stage: %w", stage, err)
		e.errMu.Unlock()
		close(e.stop)
		e.logger.Error("Pipeline stage failed, stopping run.", slog.String("stage", stage), "error", err)
	})
}

// recoverStage turns a stage panic into a recorded pipeline error instead of
// crashing the process.
func (e *Executor[C, P]) recoverStage(stage string) {
	if r := recover(); r != nil {
		e.fail(stage, fmt.Errorf("panic: %v", r))
	}
}

// TotalItems is the live count of items yielded by the download stage.
func (e *Executor[C, P]) TotalItems() int64 {
	return e.totalItems.Load()
}

// ErrorOccurred reports whether any stage failed.
func (e *Executor[C, P]) ErrorOccurred() bool {
	return e.Err() != nil
}

// ErrorMessage is the first recorded stage error, or empty.
func (e *Executor[C, P]) ErrorMessage() string {
	if err := e.Err(); err != nil {
		return err.Error()
	}
	return ""
}

// Err returns the first stage error, or nil.
func (e *Executor[C, P]) Err() error {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	return e.firstErr
}
