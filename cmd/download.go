package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/confsync/confsync/internal/display"
	"github.com/confsync/confsync/internal/fetch"
	"github.com/confsync/confsync/internal/ledger"
	"github.com/confsync/confsync/internal/pipeline"
	"github.com/confsync/confsync/internal/stage"
	"github.com/confsync/confsync/internal/util"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

var (
	downloadFormat string
	downloadOut    string
	downloadPlain  bool
)

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Stage remote configuration objects to a local file.",
	Long: `Download pages through the objects listing at --endpoint and stages every
record to a local file in the chosen format (ndjson, csv or parquet). The
paged fetch, transform and file write run as a bounded pipeline so a slow disk
applies backpressure to the API instead of buffering everything in memory.`,
	RunE: runDownload,
}

func init() {
	downloadCmd.Flags().StringVarP(&downloadFormat, "format", "f", "ndjson", "Staging file format (ndjson, csv, parquet)")
	downloadCmd.Flags().StringVar(&downloadOut, "out", "", "Staging file path (default <output-dir>/objects_<timestamp>.<format>)")
	downloadCmd.Flags().BoolVar(&downloadPlain, "plain", false, "Disable the live progress view")
}

func runDownload(cmd *cobra.Command, args []string) error {
	cfg := getConfig()
	logger := getLogger()
	db := getDB()
	ctx := cmd.Context()

	if cfg.Endpoint == "" {
		return fmt.Errorf("download: --endpoint is required")
	}
	outPath := downloadOut
	if outPath == "" {
		outPath = filepath.Join(cfg.OutputDir, fmt.Sprintf("objects_%s.%s", time.Now().Format("20060102_150405"), stagingExt(downloadFormat)))
	}
	w, err := newStageWriter(downloadFormat, outPath)
	if err != nil {
		return err
	}

	runID := uuid.New().String()
	start := time.Now()
	logger.Info("Starting download run.",
		slog.String("run_id", runID),
		slog.String("endpoint", cfg.Endpoint),
		slog.String("format", downloadFormat),
		slog.String("out", outPath),
	)
	if err := ledger.LogRunEvent(ctx, db, runID, "download", ledger.EventRunStart, cfg.Endpoint, cfg.BatchSize, 0, outPath, nil); err != nil {
		return err
	}

	pager, err := fetch.NewPageSource(cfg.Endpoint, cfg.BatchSize, util.NewHTTPClient(cfg.MaxWorkers), tokenSource(), logger)
	if err != nil {
		return err
	}

	view := newRunView(!downloadPlain, "Downloading configuration objects")

	exec, err := pipeline.NewExecutor(pipeline.Options[[]stage.Record, []stage.Record]{
		Next: pager.Next,
		Transform: func(chunk []stage.Record) ([]stage.Record, error) {
			return chunk, nil
		},
		Write: func(chunk []stage.Record) error {
			if err := w.WriteChunk(chunk); err != nil {
				return err
			}
			view.activity(fmt.Sprintf("staged %d records", w.Rows()))
			return nil
		},
		Count:     func(chunk []stage.Record) int { return len(chunk) },
		QueueSize: cfg.QueueSize,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	exec.Run(ctx)
	closeErr := w.Close()
	duration := time.Since(start)
	view.finish(exec.Err(), w.Rows(), 0)

	if exec.ErrorOccurred() {
		_ = ledger.LogRunEvent(ctx, db, runID, "download", ledger.EventRunError, cfg.Endpoint, 0, 0, exec.ErrorMessage(), &duration)
		return fmt.Errorf("download run %s: %s", runID, exec.ErrorMessage())
	}
	if closeErr != nil {
		return fmt.Errorf("finalize staging file %s: %w", outPath, closeErr)
	}

	msg := fmt.Sprintf("staged %d records to %s", w.Rows(), outPath)
	if err := ledger.LogRunEvent(ctx, db, runID, "download", ledger.EventRunEnd, cfg.Endpoint, 0, 0, msg, &duration); err != nil {
		logger.Error("Failed to record run end in ledger.", "error", err)
	}
	logger.Info("Download run finished.",
		slog.String("run_id", runID),
		slog.Int64("items", exec.TotalItems()),
		slog.Int("rows", w.Rows()),
		slog.Duration("duration", duration.Round(time.Millisecond)),
	)
	return nil
}

func stagingExt(format string) string {
	if format == "ndjson" {
		return "ndjson"
	}
	return format
}

func newStageWriter(format, path string) (stage.Writer, error) {
	switch format {
	case "ndjson":
		return stage.NewNDJSONWriter(path)
	case "csv":
		return stage.NewCSVWriter(path)
	case "parquet":
		return stage.NewParquetWriter(path)
	default:
		return nil, fmt.Errorf("unknown staging format %q (want ndjson, csv or parquet)", format)
	}
}

// runView funnels progress into the live bubbletea display, or drops it when
// the plain flag disables the view.
type runView struct {
	msgs chan tea.Msg
	done chan struct{}
}

func newRunView(enabled bool, title string) *runView {
	// Fall back to plain slog output when not attached to a terminal.
	if !enabled || !isatty.IsTerminal(os.Stdout.Fd()) {
		return &runView{}
	}
	v := &runView{
		msgs: make(chan tea.Msg, 16),
		done: make(chan struct{}),
	}
	m := display.NewModel(title, 0, v.msgs)
	go func() {
		defer close(v.done)
		if err := display.Run(m); err != nil {
			slog.Warn("Progress view exited.", "error", err)
		}
	}()
	return v
}

func (v *runView) activity(s string) {
	if v.msgs == nil {
		return
	}
	select {
	case v.msgs <- display.ActivityMsg{Activity: s}:
	default:
		// Never let a stalled terminal hold up the pipeline.
	}
}

func (v *runView) batch(successful, failed int) {
	if v.msgs == nil {
		return
	}
	select {
	case v.msgs <- display.BatchMsg{Successful: successful, Failed: failed}:
	default:
	}
}

func (v *runView) finish(err error, successful, failed int) {
	if v.msgs == nil {
		return
	}
	// The user may have quit the view already, leaving no reader behind.
	select {
	case v.msgs <- display.RunFinishedMsg{Err: err, Successful: successful, Failed: failed}:
	default:
	}
	close(v.msgs)
	<-v.done
}
