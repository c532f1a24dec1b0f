// Package batch submits an unbounded item stream to one HTTP endpoint in
// bounded batches through a fixed worker pool, producing a per-item outcome
// ledger under partial failure, oversized-batch rejection, and rate limiting.
package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/confsync/confsync/internal/auth"
	"github.com/confsync/confsync/internal/outcome"
	"github.com/confsync/confsync/internal/progress"
	"github.com/confsync/confsync/internal/util"
)

// Retry-After fallback when the header is missing or unparseable.
const defaultRetryAfter = 5 * time.Second

// Error bodies are truncated to this many bytes in outcome messages.
const errBodyLimit = 512

// workBatch is one unit of submission work. attempt starts at 1 and
// increments only on transient-failure retries; rate-limit re-enqueues and
// splits keep the parent's attempt.
type workBatch[T any] struct {
	items   []T
	attempt int
}

// Options configures a Processor.
type Options[T any] struct {
	Endpoint   string
	Method     string
	BatchSize  int
	MaxWorkers int
	// MaxRetries is the transient-failure budget per batch. It applies only
	// to 5xx and network errors, never to 429s or 400 splits.
	MaxRetries int
	// Identify derives a printable item identity for the ledger.
	Identify func(T) string
	// ExtraFields are merged verbatim into every request body.
	ExtraFields map[string]any

	Client *http.Client
	Tokens auth.TokenSource
	// MaxRPS caps steady-state pacing across the pool; <= 0 disables it.
	MaxRPS float64

	// Tracker, when set, gets TrackerStep recorded per item as outcomes land.
	Tracker     *progress.Tracker
	TrackerStep string
	// OnBatch is invoked from the drain loop for each terminal batch result.
	OnBatch func(outcome.BatchResult)

	Logger *slog.Logger

	// BackoffBase scales the transient-retry sleep (base * 2^attempt).
	// Zero means one second.
	BackoffBase time.Duration
}

// Processor drives batch submission for one endpoint.
type Processor[T any] struct {
	endpoint    string
	method      string
	op          outcome.Operation
	batchSize   int
	maxWorkers  int
	maxRetries  int
	identify    func(T) string
	extraFields map[string]any

	client  *http.Client
	tokens  auth.TokenSource
	limiter *rate.Limiter
	rl      *RateLimitState

	tracker     *progress.Tracker
	trackerStep string
	onBatch     func(outcome.BatchResult)

	logger      *slog.Logger
	backoffBase time.Duration
}

// New validates opts and builds a Processor.
func New[T any](opts Options[T]) (*Processor[T], error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("batch processor: endpoint is required")
	}
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("batch processor: batch size must be > 0, got %d", opts.BatchSize)
	}
	if opts.MaxWorkers < 1 {
		return nil, fmt.Errorf("batch processor: max workers must be >= 1, got %d", opts.MaxWorkers)
	}
	if opts.MaxRetries < 0 {
		return nil, fmt.Errorf("batch processor: max retries must be >= 0, got %d", opts.MaxRetries)
	}
	if opts.Identify == nil {
		return nil, fmt.Errorf("batch processor: identify function is required")
	}

	method := opts.Method
	if method == "" {
		method = http.MethodPost
	}
	client := opts.Client
	if client == nil {
		client = util.NewHTTPClient(opts.MaxWorkers)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	backoffBase := opts.BackoffBase
	if backoffBase <= 0 {
		backoffBase = time.Second
	}
	var limiter *rate.Limiter
	if opts.MaxRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.MaxRPS), 1)
	}

	return &Processor[T]{
		endpoint:    opts.Endpoint,
		method:      method,
		op:          operationForMethod(method),
		batchSize:   opts.BatchSize,
		maxWorkers:  opts.MaxWorkers,
		maxRetries:  opts.MaxRetries,
		identify:    opts.Identify,
		extraFields: opts.ExtraFields,
		client:      client,
		tokens:      opts.Tokens,
		limiter:     limiter,
		rl:          NewRateLimitState(),
		tracker:     opts.Tracker,
		trackerStep: opts.TrackerStep,
		onBatch:     opts.OnBatch,
		logger:      logger.With(slog.String("component", "batch_processor")),
		backoffBase: backoffBase,
	}, nil
}

func operationForMethod(method string) outcome.Operation {
	switch method {
	case http.MethodPut, http.MethodPatch:
		return outcome.OpUpdate
	case http.MethodDelete:
		return outcome.OpDelete
	default:
		return outcome.OpCreate
	}
}

// Process chunks items into batches, submits them through the worker pool,
// and blocks until every batch (including split descendants and retries)
// reaches a terminal outcome. The caller's goroutine drains results
// continuously so workers never stall on a full results queue.
func (p *Processor[T]) Process(ctx context.Context, items <-chan T) *outcome.RunResult {
	work := make(chan workBatch[T], p.maxWorkers*2)
	results := make(chan outcome.BatchResult, p.maxWorkers*2)

	// inflight counts batches that have not yet reached a terminal outcome.
	// Splits add one (two children replace one parent); retries are neutral.
	var inflight sync.WaitGroup

	producerDone := make(chan struct{})
	go p.produce(ctx, items, work, &inflight, producerDone)

	// The work channel can only close once no batch can re-enqueue itself.
	go func() {
		<-producerDone
		inflight.Wait()
		close(work)
	}()

	var workers sync.WaitGroup
	for i := 0; i < p.maxWorkers; i++ {
		workers.Add(1)
		go func(id int) {
			defer workers.Done()
			logger := p.logger.With(slog.Int("worker_id", id))
			for b := range work {
				p.handle(ctx, logger, b, work, results, &inflight)
			}
		}(i)
	}
	go func() {
		workers.Wait()
		close(results)
	}()

	result := outcome.NewRunResult()
	for br := range results {
		result.Merge(br)
		p.recordProgress(br)
		if p.onBatch != nil {
			p.onBatch(br)
		}
	}

	p.logger.Info("Batch submission finished.",
		slog.Int("successful", result.TotalSuccessful),
		slog.Int("failed", result.TotalFailed),
	)
	return result
}

// produce chunks the item stream into fixed-size batches with attempt=1.
func (p *Processor[T]) produce(ctx context.Context, items <-chan T, work chan<- workBatch[T], inflight *sync.WaitGroup, done chan<- struct{}) {
	defer close(done)

	buf := make([]T, 0, p.batchSize)
	flush := func() bool {
		if len(buf) == 0 {
			return true
		}
		b := workBatch[T]{items: buf, attempt: 1}
		buf = make([]T, 0, p.batchSize)
		inflight.Add(1)
		select {
		case work <- b:
			return true
		case <-ctx.Done():
			inflight.Done()
			return false
		}
	}

	for item := range items {
		buf = append(buf, item)
		if len(buf) == p.batchSize {
			if !flush() {
				return
			}
		}
	}
	flush()
}

// handle classifies one submission attempt for one batch.
func (p *Processor[T]) handle(ctx context.Context, logger *slog.Logger, b workBatch[T], work chan<- workBatch[T], results chan<- outcome.BatchResult, inflight *sync.WaitGroup) {
	// Global rate-limit gate, then optional steady pacing.
	if err := p.rl.Wait(ctx); err != nil {
		p.finish(results, inflight, p.cancelledOutcomes(b, err))
		return
	}
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			p.finish(results, inflight, p.cancelledOutcomes(b, err))
			return
		}
	}

	status, retryAfter, body, err := p.submit(ctx, b.items)
	switch {
	case err != nil:
		p.retryOrFail(ctx, logger, b, 0, err.Error(), work, results, inflight)

	case status >= 200 && status < 300:
		out := make([]outcome.Outcome, 0, len(b.items))
		for _, item := range b.items {
			out = append(out, outcome.Success{ID: p.identify(item), Op: p.op})
		}
		logger.Debug("Batch accepted.", slog.Int("size", len(b.items)), slog.Int("attempt", b.attempt))
		p.finish(results, inflight, out)

	case status == http.StatusBadRequest && len(b.items) > 1:
		// Bisect to narrow down which item the platform rejected. Children
		// keep the parent's attempt; the parent itself yields no outcome.
		mid := len(b.items) / 2
		logger.Debug("Batch rejected, splitting.",
			slog.Int("size", len(b.items)), slog.Int("left", mid), slog.Int("right", len(b.items)-mid))
		inflight.Add(1)
		p.requeue(ctx, work, workBatch[T]{items: b.items[:mid], attempt: b.attempt}, inflight)
		p.requeue(ctx, work, workBatch[T]{items: b.items[mid:], attempt: b.attempt}, inflight)

	case status == http.StatusTooManyRequests:
		// Push the shared deadline out and put the batch back untouched.
		// Rate limiting never consumes a retry attempt.
		delay := p.rl.Delay(retryAfter)
		logger.Warn("Rate limited, backing off pool.",
			slog.Duration("delay", delay), slog.Int("size", len(b.items)))
		p.requeue(ctx, work, b, inflight)

	case status >= 500:
		p.retryOrFail(ctx, logger, b, status, body, work, results, inflight)

	default:
		// Includes a size-1 batch that 400s: permanently failed, never split
		// further, which is what guarantees bisection terminates.
		logger.Warn("Batch permanently failed.",
			slog.Int("status", status), slog.Int("size", len(b.items)))
		p.finish(results, inflight, p.failedOutcomes(b, status, body))
	}
}

// retryOrFail handles transient 5xx/network failures. The backoff sleep is
// local to this worker; unaffected batches keep flowing on other workers.
func (p *Processor[T]) retryOrFail(ctx context.Context, logger *slog.Logger, b workBatch[T], status int, message string, work chan<- workBatch[T], results chan<- outcome.BatchResult, inflight *sync.WaitGroup) {
	if b.attempt > p.maxRetries {
		logger.Warn("Transient-failure retries exhausted.",
			slog.Int("status", status), slog.Int("attempt", b.attempt), slog.Int("size", len(b.items)))
		p.finish(results, inflight, p.failedOutcomes(b, status, message))
		return
	}

	delay := p.backoffBase*time.Duration(1<<b.attempt) + p.rl.jitter()
	logger.Warn("Transient failure, retrying batch.",
		slog.Int("status", status), slog.Int("attempt", b.attempt),
		slog.Int("max_retries", p.maxRetries), slog.Duration("backoff", delay))

	timer := time.NewTimer(delay)
	select {
	case <-ctx.Done():
		timer.Stop()
		p.finish(results, inflight, p.cancelledOutcomes(b, ctx.Err()))
		return
	case <-timer.C:
	}
	p.requeue(ctx, work, workBatch[T]{items: b.items, attempt: b.attempt + 1}, inflight)
}

// requeue re-enters a batch on the work queue without blocking the worker.
// Workers both consume and produce on the bounded queue, so a synchronous
// send here could deadlock the pool against a full buffer.
func (p *Processor[T]) requeue(ctx context.Context, work chan<- workBatch[T], b workBatch[T], inflight *sync.WaitGroup) {
	go func() {
		select {
		case work <- b:
		case <-ctx.Done():
			p.logger.Warn("Dropping re-enqueued batch, run cancelled.", slog.Int("size", len(b.items)))
			inflight.Done()
		}
	}()
}

// finish delivers a terminal result for one batch.
func (p *Processor[T]) finish(results chan<- outcome.BatchResult, inflight *sync.WaitGroup, outcomes []outcome.Outcome) {
	results <- outcome.BatchResult{Outcomes: outcomes}
	inflight.Done()
}

// failedOutcomes attributes a terminal failure to every item in the batch.
// Items whose identity cannot be derived land as Unknown.
func (p *Processor[T]) failedOutcomes(b workBatch[T], status int, message string) []outcome.Outcome {
	if len(message) > errBodyLimit {
		message = message[:errBodyLimit]
	}
	out := make([]outcome.Outcome, 0, len(b.items))
	for _, item := range b.items {
		id := p.identify(item)
		if id == "" {
			out = append(out, outcome.Unknown{StatusCode: status, Message: message})
			continue
		}
		out = append(out, outcome.Failure{ID: id, StatusCode: status, Message: message})
	}
	return out
}

func (p *Processor[T]) cancelledOutcomes(b workBatch[T], err error) []outcome.Outcome {
	return p.failedOutcomes(b, 0, fmt.Sprintf("submission cancelled: %v", err))
}

// submit performs one HTTP round trip for a batch. It returns the status
// code, any Retry-After delay, and a truncated body snippet for non-2xx
// responses.
func (p *Processor[T]) submit(ctx context.Context, items []T) (status int, retryAfter time.Duration, body string, err error) {
	payload := make(map[string]any, len(p.extraFields)+1)
	for k, v := range p.extraFields {
		payload[k] = v
	}
	payload["items"] = items

	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, 0, "", fmt.Errorf("encode batch body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, p.method, p.endpoint, bytes.NewReader(raw))
	if err != nil {
		return 0, 0, "", fmt.Errorf("create batch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.tokens != nil {
		tok, tokErr := p.tokens.Token(ctx)
		if tokErr != nil {
			return 0, 0, "", fmt.Errorf("acquire token: %w", tokErr)
		}
		req.Header.Set("Authorization", "Bearer "+tok.Value)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, 0, "", fmt.Errorf("submit batch to %s: %w", p.endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		// Drain so the connection can be reused by the pool.
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, 0, "", nil
	}
	return resp.StatusCode,
		parseRetryAfter(resp.Header.Get("Retry-After")),
		util.ReadBodySnippet(resp.Body, errBodyLimit),
		nil
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return defaultRetryAfter
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return defaultRetryAfter
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
		return 0
	}
	return defaultRetryAfter
}

// recordProgress mirrors terminal outcomes into the shared tracker, when one
// was attached.
func (p *Processor[T]) recordProgress(br outcome.BatchResult) {
	if p.tracker == nil || p.trackerStep == "" {
		return
	}
	for _, o := range br.Outcomes {
		id := o.ItemID()
		if id == "" {
			continue
		}
		st := progress.StatusSuccess
		if _, ok := o.(outcome.Success); !ok {
			st = progress.StatusFailed
		}
		if err := p.tracker.SetProgress(id, p.trackerStep, st); err != nil {
			p.logger.Warn("Failed to record item progress.", "error", err, slog.String("item_id", id))
		}
	}
}
