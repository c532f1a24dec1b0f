package config

import "runtime"

const (
	// Default number of items submitted per request.
	DefaultBatchSize = 500
	// Default transient-failure retry budget per batch.
	DefaultMaxRetries = 3
	// Default capacity for the pipeline's intermediate queues.
	DefaultQueueSize = 16
)

var (
	// Default number of concurrent submission workers.
	DefaultMaxWorkers = runtime.NumCPU()
)

// Config holds application settings as plain values. Flag and config-file
// parsing happens at the CLI edge, never here.
type Config struct {
	Endpoint   string
	Method     string
	BatchSize  int
	MaxWorkers int
	MaxRetries int
	QueueSize  int

	// MaxRPS caps steady-state request pacing across the worker pool.
	// Zero or negative disables the cap.
	MaxRPS float64

	InputDir  string
	OutputDir string
	DBPath    string
}
