// Package fetch pulls domain objects from the platform API as a lazy chunk
// sequence, one page per pipeline chunk.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/confsync/confsync/internal/auth"
	"github.com/confsync/confsync/internal/stage"
	"github.com/confsync/confsync/internal/util"
)

// PageSource iterates endpoint pages using offset/limit parameters. It
// implements the pipeline source contract: each Next call is one GET.
type PageSource struct {
	endpoint string
	pageSize int
	client   *http.Client
	tokens   auth.TokenSource
	logger   *slog.Logger

	offset int
	done   bool
}

type pageResponse struct {
	Items []stage.Record `json:"items"`
}

// NewPageSource fetches pageSize objects per request from endpoint.
func NewPageSource(endpoint string, pageSize int, client *http.Client, tokens auth.TokenSource, logger *slog.Logger) (*PageSource, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("fetch: endpoint is required")
	}
	if pageSize < 1 {
		return nil, fmt.Errorf("fetch: page size must be >= 1, got %d", pageSize)
	}
	if client == nil {
		client = util.NewHTTPClient(1)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &PageSource{
		endpoint: endpoint,
		pageSize: pageSize,
		client:   client,
		tokens:   tokens,
		logger:   logger.With(slog.String("component", "page_source")),
	}, nil
}

// Next fetches the next page. ok=false once a short or empty page marked the
// listing exhausted.
func (s *PageSource) Next(ctx context.Context) ([]stage.Record, bool, error) {
	if s.done {
		return nil, false, nil
	}

	u, err := url.Parse(s.endpoint)
	if err != nil {
		return nil, false, fmt.Errorf("parse endpoint %s: %w", s.endpoint, err)
	}
	q := u.Query()
	q.Set("offset", strconv.Itoa(s.offset))
	q.Set("limit", strconv.Itoa(s.pageSize))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, false, fmt.Errorf("create page request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.tokens != nil {
		tok, tokErr := s.tokens.Token(ctx)
		if tokErr != nil {
			return nil, false, fmt.Errorf("acquire token: %w", tokErr)
		}
		req.Header.Set("Authorization", "Bearer "+tok.Value)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("fetch page at offset %d: %w", s.offset, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet := util.ReadBodySnippet(resp.Body, 512)
		return nil, false, fmt.Errorf("fetch page at offset %d: status %s: %s", s.offset, resp.Status, snippet)
	}

	var page pageResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, false, fmt.Errorf("decode page at offset %d: %w", s.offset, err)
	}

	s.logger.Debug("Fetched page.", slog.Int("offset", s.offset), slog.Int("count", len(page.Items)))
	s.offset += len(page.Items)
	if len(page.Items) < s.pageSize {
		s.done = true
	}
	if len(page.Items) == 0 {
		return nil, false, nil
	}
	return page.Items, true, nil
}
