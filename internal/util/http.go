package util

import (
	"io"
	"net/http"
	"time"
)

// Fixed per-request timeout. There is no overall wall-clock budget for a run;
// individual requests are bounded instead.
const requestTimeout = 60 * time.Second

// NewHTTPClient builds the shared client used by the batch submitter. The
// connection pool is sized to the worker count so concurrent workers never
// queue on dialing.
func NewHTTPClient(maxWorkers int) *http.Client {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	transport := &http.Transport{
		MaxIdleConns:        maxWorkers * 2,
		MaxIdleConnsPerHost: maxWorkers,
		MaxConnsPerHost:     maxWorkers,
		IdleConnTimeout:     90 * time.Second,
	}
	return &http.Client{Timeout: requestTimeout, Transport: transport}
}

// ReadBodySnippet reads at most limit bytes of a response body, for error
// messages that must stay short.
func ReadBodySnippet(body io.Reader, limit int64) string {
	b, _ := io.ReadAll(io.LimitReader(body, limit))
	return string(b)
}
