package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/confsync/confsync/internal/config"
	"github.com/confsync/confsync/internal/ledger"

	_ "github.com/marcboeker/go-duckdb"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile   string
	endpoint  string
	method    string
	batchSize int
	workers   int
	retries   int
	queueSize int
	maxRPS    float64
	tokenFlag string
	inputDir  string
	outputDir string
	dbPath    string
	logFormat string
	logLevel  string
	logOutput string

	// Populated in PersistentPreRunE.
	rootLogger *slog.Logger
	dbConn     *sql.DB
	appConfig  config.Config
	authToken  string
)

var rootCmd = &cobra.Command{
	Use:   "confsync",
	Short: "Move configuration objects between local staging files and the platform API.",
	Long: `Confsync downloads, uploads and migrates configuration objects in bulk.
Uploads submit staged objects to the platform batch API with retry, rate-limit
back-off and per-item failure isolation; downloads stage remote objects to
local NDJSON/CSV/Parquet files. A DuckDB state database keeps a ledger of every
run and every rejected item.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		v := viper.New()
		if cfgFile != "" {
			v.SetConfigFile(cfgFile)
		} else {
			v.SetConfigName(".confsync")
			v.SetConfigType("yaml")
			if home, err := os.UserHomeDir(); err == nil {
				v.AddConfigPath(home)
			}
			v.AddConfigPath(".")
		}
		v.SetEnvPrefix("confsync")
		v.AutomaticEnv()
		if err := v.ReadInConfig(); err != nil {
			// A missing default config file is fine; an explicit one is not.
			if cfgFile != "" {
				return fmt.Errorf("read config file %s: %w", cfgFile, err)
			}
		}
		// cmd is the invoked subcommand; bind the root's persistent flags too.
		if err := v.BindPFlags(cmd.Root().PersistentFlags()); err != nil {
			return fmt.Errorf("bind persistent flags: %w", err)
		}
		if err := v.BindPFlags(cmd.Flags()); err != nil {
			return fmt.Errorf("bind flags: %w", err)
		}

		var level slog.Level
		switch strings.ToLower(v.GetString("log-level")) {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		default:
			level = slog.LevelInfo
		}

		var logWriter io.Writer = os.Stderr
		switch out := v.GetString("log-output"); strings.ToLower(out) {
		case "", "stderr":
		case "stdout":
			logWriter = os.Stdout
		default:
			f, err := os.OpenFile(out, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
			if err != nil {
				return fmt.Errorf("open log file %s: %w", out, err)
			}
			logWriter = f
		}

		opts := &slog.HandlerOptions{Level: level}
		var handler slog.Handler
		if v.GetString("log-format") == "json" {
			handler = slog.NewJSONHandler(logWriter, opts)
		} else {
			handler = slog.NewTextHandler(logWriter, opts)
		}
		rootLogger = slog.New(handler)
		slog.SetDefault(rootLogger)

		appConfig = config.Config{
			Endpoint:   v.GetString("endpoint"),
			Method:     v.GetString("method"),
			BatchSize:  v.GetInt("batch-size"),
			MaxWorkers: v.GetInt("workers"),
			MaxRetries: v.GetInt("retries"),
			QueueSize:  v.GetInt("queue-size"),
			MaxRPS:     v.GetFloat64("max-rps"),
			InputDir:   v.GetString("input-dir"),
			OutputDir:  v.GetString("output-dir"),
			DBPath:     v.GetString("db-path"),
		}
		authToken = v.GetString("token")
		rootLogger.Debug("Configuration loaded.", slog.Any("config", appConfig))

		for _, d := range []string{appConfig.InputDir, appConfig.OutputDir} {
			if err := os.MkdirAll(d, 0o755); err != nil {
				return fmt.Errorf("create directory %s: %w", d, err)
			}
		}
		if appConfig.DBPath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(appConfig.DBPath), 0o755); err != nil {
				return fmt.Errorf("create database directory: %w", err)
			}
		}

		var err error
		dbConn, err = sql.Open("duckdb", appConfig.DBPath)
		if err != nil {
			return fmt.Errorf("open ledger database (%s): %w", appConfig.DBPath, err)
		}
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err = dbConn.PingContext(pingCtx); err != nil {
			dbConn.Close()
			return fmt.Errorf("ping ledger database (%s): %w", appConfig.DBPath, err)
		}
		if err := ledger.InitializeSchema(dbConn); err != nil {
			dbConn.Close()
			return fmt.Errorf("initialize ledger schema: %w", err)
		}
		rootLogger.Info("Ledger database ready.", slog.String("path", appConfig.DBPath))
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if dbConn != nil {
			if err := dbConn.Close(); err != nil {
				rootLogger.Error("Failed to close ledger database cleanly.", "error", err)
			}
		}
		return nil
	},
}

// Execute runs the root command. Called once from main.
func Execute() {
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(historyCmd)

	if err := rootCmd.Execute(); err != nil {
		if rootLogger != nil {
			rootLogger.Error("Command execution failed.", "error", err)
		} else {
			fmt.Fprintf(os.Stderr, "Command execution failed: %v\n", err)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.confsync.yaml)")
	rootCmd.PersistentFlags().StringVarP(&endpoint, "endpoint", "e", "", "Platform batch API endpoint URL")
	rootCmd.PersistentFlags().StringVarP(&method, "method", "m", "POST", "HTTP method for batch submission (POST, PUT, DELETE)")
	rootCmd.PersistentFlags().IntVarP(&batchSize, "batch-size", "b", config.DefaultBatchSize, "Items submitted per request")
	rootCmd.PersistentFlags().IntVarP(&workers, "workers", "w", config.DefaultMaxWorkers, "Concurrent submission workers")
	rootCmd.PersistentFlags().IntVarP(&retries, "retries", "r", config.DefaultMaxRetries, "Transient-failure retry budget per batch")
	rootCmd.PersistentFlags().IntVar(&queueSize, "queue-size", config.DefaultQueueSize, "Capacity of the pipeline's intermediate queues")
	rootCmd.PersistentFlags().Float64Var(&maxRPS, "max-rps", 0, "Steady-state request cap across the worker pool (0 disables)")
	rootCmd.PersistentFlags().StringVar(&tokenFlag, "token", "", "Bearer token for the platform API (or CONFSYNC_TOKEN)")
	rootCmd.PersistentFlags().StringVarP(&inputDir, "input-dir", "i", "./staged", "Directory holding staged object files")
	rootCmd.PersistentFlags().StringVarP(&outputDir, "output-dir", "o", "./staged", "Directory for downloaded object files")
	rootCmd.PersistentFlags().StringVarP(&dbPath, "db-path", "d", "./confsync_state.duckdb", "Path to the DuckDB run ledger (:memory: for in-memory)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log output format (text or json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logOutput, "log-output", "stderr", "Log destination (stderr, stdout, or file path)")

	rootCmd.Version = "0.3.0"
}

func getLogger() *slog.Logger {
	if rootLogger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return rootLogger
}

func getDB() *sql.DB {
	return dbConn
}

func getConfig() config.Config {
	return appConfig
}
