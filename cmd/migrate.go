package cmd

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/confsync/confsync/internal/batch"
	"github.com/confsync/confsync/internal/fetch"
	"github.com/confsync/confsync/internal/ledger"
	"github.com/confsync/confsync/internal/outcome"
	"github.com/confsync/confsync/internal/pipeline"
	"github.com/confsync/confsync/internal/stage"
	"github.com/confsync/confsync/internal/util"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	migrateSource      string
	migrateIDField     string
	migrateDropFields  []string
	migratePlain       bool
	migrateFailuresCSV string
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Copy configuration objects from one platform environment to another.",
	Long: `Migrate pages objects out of --source and submits them straight to
--endpoint without staging them on disk. Fields that are environment-specific
(server-assigned ids, timestamps) can be stripped with --drop-field before
submission. Failures are ledgered per item exactly as for upload.`,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().StringVar(&migrateSource, "source", "", "Source environment listing endpoint")
	migrateCmd.Flags().StringVar(&migrateIDField, "id-field", "id", "Record field used as the item identity in the ledger")
	migrateCmd.Flags().StringSliceVar(&migrateDropFields, "drop-field", nil, "Record fields stripped before submission (repeatable)")
	migrateCmd.Flags().BoolVar(&migratePlain, "plain", false, "Disable the live progress view")
	migrateCmd.Flags().StringVar(&migrateFailuresCSV, "failures-csv", "", "Also export this run's item failures to a CSV file")
	_ = migrateCmd.MarkFlagRequired("source")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg := getConfig()
	logger := getLogger()
	db := getDB()
	ctx := cmd.Context()

	if cfg.Endpoint == "" {
		return fmt.Errorf("migrate: --endpoint (target) is required")
	}
	if migrateSource == cfg.Endpoint {
		return fmt.Errorf("migrate: source and target endpoints are identical")
	}

	runID := uuid.New().String()
	start := time.Now()
	logger.Info("Starting migration run.",
		slog.String("run_id", runID),
		slog.String("source", migrateSource),
		slog.String("target", cfg.Endpoint),
	)
	if err := ledger.LogRunEvent(ctx, db, runID, "migrate", ledger.EventRunStart, cfg.Endpoint, cfg.BatchSize, 0, "source="+migrateSource, nil); err != nil {
		return err
	}

	view := newRunView(!migratePlain, "Migrating configuration objects")

	proc, err := batch.New(batch.Options[stage.Record]{
		Endpoint:   cfg.Endpoint,
		Method:     cfg.Method,
		BatchSize:  cfg.BatchSize,
		MaxWorkers: cfg.MaxWorkers,
		MaxRetries: cfg.MaxRetries,
		MaxRPS:     cfg.MaxRPS,
		Identify:   recordIdentity(migrateIDField),
		Tokens:     tokenSource(),
		OnBatch: func(br outcome.BatchResult) {
			ok, failed := 0, 0
			for _, o := range br.Outcomes {
				if _, isOK := o.(outcome.Success); isOK {
					ok++
				} else {
					failed++
				}
			}
			view.batch(ok, failed)
			_ = ledger.LogRunEvent(ctx, db, runID, "migrate", ledger.EventBatchDone, cfg.Endpoint, len(br.Outcomes), 0, "", nil)
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	pager, err := fetch.NewPageSource(migrateSource, cfg.BatchSize, util.NewHTTPClient(cfg.MaxWorkers), tokenSource(), logger)
	if err != nil {
		return err
	}

	items := make(chan stage.Record, cfg.QueueSize)
	exec, err := pipeline.NewExecutor(pipeline.Options[[]stage.Record, []stage.Record]{
		Next: pager.Next,
		Transform: func(chunk []stage.Record) ([]stage.Record, error) {
			return stripFields(chunk, migrateDropFields), nil
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
	view.finish(exec.Err(), res.TotalSuccessful, res.TotalFailed)

	if err := ledger.RecordRunResult(ctx, db, runID, "migrate", cfg.Endpoint, res, duration); err != nil {
		logger.Error("Failed to record run result in ledger.", "error", err, slog.String("run_id", runID))
	}
	if migrateFailuresCSV != "" && res.TotalFailed > 0 {
		if err := ledger.ExportFailuresCSV(ctx, db, runID, migrateFailuresCSV); err != nil {
			logger.Error("Failed to export failure CSV.", "error", err)
		}
	}

	logger.Info("Migration run finished.",
		slog.String("run_id", runID),
		slog.Int64("fetched_items", exec.TotalItems()),
		slog.Int("successful", res.TotalSuccessful),
		slog.Int("failed", res.TotalFailed),
		slog.Duration("duration", duration.Round(time.Millisecond)),
	)

	if exec.ErrorOccurred() {
		_ = ledger.LogRunEvent(ctx, db, runID, "migrate", ledger.EventRunError, cfg.Endpoint, 0, 0, exec.ErrorMessage(), &duration)
		return fmt.Errorf("migration run %s: %s", runID, exec.ErrorMessage())
	}
	if res.TotalFailed > 0 {
		return fmt.Errorf("migration run %s: %d of %d items failed", runID, res.TotalFailed, res.TotalProcessed())
	}
	return nil
}

// stripFields removes environment-specific fields in place.
func stripFields(chunk []stage.Record, fields []string) []stage.Record {
	if len(fields) == 0 {
		return chunk
	}
	for _, r := range chunk {
		for _, f := range fields {
			delete(r, f)
		}
	}
	return chunk
}
