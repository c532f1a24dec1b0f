package cmd

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/confsync/confsync/internal/auth"
	"github.com/confsync/confsync/internal/batch"
	"github.com/confsync/confsync/internal/ledger"
	"github.com/confsync/confsync/internal/outcome"
	"github.com/confsync/confsync/internal/pipeline"
	"github.com/confsync/confsync/internal/progress"
	"github.com/confsync/confsync/internal/stage"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

const (
	stepValidate = "validate"
	stepSubmit   = "submit"
)

var (
	uploadIDField     string
	uploadExtraFields []string
	uploadFailuresCSV string
)

var uploadCmd = &cobra.Command{
	Use:   "upload [staged files...]",
	Short: "Submit staged objects to the platform batch API.",
	Long: `Upload reads staged NDJSON files (given as arguments, or every *.ndjson
under --input-dir) and submits their records to --endpoint in batches. Rejected
batches are bisected until the offending items are isolated, transient server
errors are retried with back-off, and 429 responses pause the whole pool. The
per-item outcome ledger is recorded in the state database.`,
	RunE: runUpload,
}

func init() {
	uploadCmd.Flags().StringVar(&uploadIDField, "id-field", "id", "Record field used as the item identity in the ledger")
	uploadCmd.Flags().StringSliceVar(&uploadExtraFields, "field", nil, "Extra key=value pairs merged into every request body (repeatable)")
	uploadCmd.Flags().StringVar(&uploadFailuresCSV, "failures-csv", "", "Also export this run's item failures to a CSV file")
}

func runUpload(cmd *cobra.Command, args []string) error {
	cfg := getConfig()
	logger := getLogger()
	db := getDB()
	ctx := cmd.Context()

	if cfg.Endpoint == "" {
		return fmt.Errorf("upload: --endpoint is required")
	}
	paths, err := resolveStagedFiles(args, cfg.InputDir)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		logger.Warn("No staged files found, nothing to upload.", slog.String("input_dir", cfg.InputDir))
		return nil
	}
	extra, err := parseExtraFields(uploadExtraFields)
	if err != nil {
		return err
	}

	runID := uuid.New().String()
	start := time.Now()
	logger.Info("Starting upload run.",
		slog.String("run_id", runID),
		slog.Int("files", len(paths)),
		slog.String("endpoint", cfg.Endpoint),
		slog.Int("batch_size", cfg.BatchSize),
		slog.Int("workers", cfg.MaxWorkers),
	)
	if err := ledger.LogRunEvent(ctx, db, runID, "upload", ledger.EventRunStart, cfg.Endpoint, cfg.BatchSize, 0, fmt.Sprintf("%d staged files", len(paths)), nil); err != nil {
		return err
	}

	tracker := progress.NewTracker([]string{stepValidate, stepSubmit})

	proc, err := batch.New(batch.Options[stage.Record]{
		Endpoint:    cfg.Endpoint,
		Method:      cfg.Method,
		BatchSize:   cfg.BatchSize,
		MaxWorkers:  cfg.MaxWorkers,
		MaxRetries:  cfg.MaxRetries,
		MaxRPS:      cfg.MaxRPS,
		Identify:    recordIdentity(uploadIDField),
		ExtraFields: extra,
		Tokens:      tokenSource(),
		Tracker:     tracker,
		TrackerStep: stepSubmit,
		OnBatch: func(br outcome.BatchResult) {
			_ = ledger.LogRunEvent(ctx, db, runID, "upload", ledger.EventBatchDone, cfg.Endpoint, len(br.Outcomes), 0, "", nil)
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	src, err := stage.NewChunkSource(paths, cfg.BatchSize)
	if err != nil {
		return err
	}
	defer src.Close()

	// The read side runs as a pipeline: chunks come off disk, get validated,
	// and the write stage fans individual records into the processor's input.
	items := make(chan stage.Record, cfg.QueueSize)
	exec, err := pipeline.NewExecutor(pipeline.Options[[]stage.Record, []stage.Record]{
		Next: src.Next,
		Transform: func(chunk []stage.Record) ([]stage.Record, error) {
			return validateChunk(chunk, uploadIDField, tracker)
		},
		Write: func(chunk []stage.Record) error {
			for _, r := range chunk {
				select {
				case items <- r:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		},
		Count:     func(chunk []stage.Record) int { return len(chunk) },
		QueueSize: cfg.QueueSize,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	resCh := make(chan *outcome.RunResult, 1)
	go func() {
		resCh <- proc.Process(ctx, items)
	}()

	exec.Run(ctx)
	close(items)
	res := <-resCh
	duration := time.Since(start)

	if err := ledger.RecordRunResult(ctx, db, runID, "upload", cfg.Endpoint, res, duration); err != nil {
		logger.Error("Failed to record run result in ledger.", "error", err, slog.String("run_id", runID))
	}
	if uploadFailuresCSV != "" && res.TotalFailed > 0 {
		if err := ledger.ExportFailuresCSV(ctx, db, runID, uploadFailuresCSV); err != nil {
			logger.Error("Failed to export failure CSV.", "error", err)
		} else {
			logger.Info("Exported item failures.", slog.String("path", uploadFailuresCSV))
		}
	}

	logger.Info("Upload run finished.",
		slog.String("run_id", runID),
		slog.Int64("staged_items", exec.TotalItems()),
		slog.Int("successful", res.TotalSuccessful),
		slog.Int("failed", res.TotalFailed),
		slog.String("success_rate", fmt.Sprintf("%.2f%%", res.SuccessRate()*100)),
		slog.Duration("duration", duration.Round(time.Millisecond)),
	)

	if exec.ErrorOccurred() {
		_ = ledger.LogRunEvent(ctx, db, runID, "upload", ledger.EventRunError, cfg.Endpoint, 0, 0, exec.ErrorMessage(), &duration)
		return fmt.Errorf("upload run %s: %s", runID, exec.ErrorMessage())
	}
	if res.TotalFailed > 0 {
		return fmt.Errorf("upload run %s: %d of %d items failed", runID, res.TotalFailed, res.TotalProcessed())
	}
	return nil
}

// resolveStagedFiles returns explicit arguments verbatim, or every .ndjson
// file under dir in name order.
func resolveStagedFiles(args []string, dir string) ([]string, error) {
	if len(args) > 0 {
		return args, nil
	}
	paths, err := filepath.Glob(filepath.Join(dir, "*.ndjson"))
	if err != nil {
		return nil, fmt.Errorf("glob staged files in %s: %w", dir, err)
	}
	sort.Strings(paths)
	return paths, nil
}

// validateChunk checks every record has a usable identity before submission
// and marks the validate step in the tracker. Records without an identity are
// still submitted; they land as unattributed failures if rejected.
func validateChunk(chunk []stage.Record, idField string, tracker *progress.Tracker) ([]stage.Record, error) {
	identify := recordIdentity(idField)
	for _, r := range chunk {
		id := identify(r)
		if id == "" {
			continue
		}
		if err := tracker.SetProgress(id, stepValidate, progress.StatusSuccess); err != nil {
			return nil, err
		}
	}
	return chunk, nil
}

// recordIdentity extracts the configured identity field as a string.
func recordIdentity(field string) func(stage.Record) string {
	return func(r stage.Record) string {
		v, ok := r[field]
		if !ok || v == nil {
			return ""
		}
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprintf("%v", v)
	}
}

// parseExtraFields turns repeated key=value flags into the request-body map.
func parseExtraFields(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := cutPair(p)
		if !ok {
			return nil, fmt.Errorf("invalid --field %q, want key=value", p)
		}
		out[k] = v
	}
	return out, nil
}

func cutPair(s string) (string, string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			return s[:i], s[i+1:], i > 0
		}
	}
	return "", "", false
}

func tokenSource() auth.TokenSource {
	if authToken == "" {
		return nil
	}
	return auth.NewCachedTokenSource(auth.StaticTokenSource{Tok: auth.Token{Value: authToken}})
}
