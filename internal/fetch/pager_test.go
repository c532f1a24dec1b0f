package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confsync/confsync/internal/auth"
	"github.com/confsync/confsync/internal/stage"
)

func pagedServer(t *testing.T, total int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		require.Positive(t, limit)

		var items []stage.Record
		for i := offset; i < total && i < offset+limit; i++ {
			items = append(items, stage.Record{"id": fmt.Sprintf("obj-%d", i)})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"items": items})
	}))
}

func TestPageSourceIteratesAllPages(t *testing.T) {
	srv := pagedServer(t, 25)
	defer srv.Close()

	src, err := NewPageSource(srv.URL, 10, srv.Client(), nil, nil)
	require.NoError(t, err)

	var total int
	var pages int
	for {
		chunk, ok, err := src.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			break
		}
		pages++
		total += len(chunk)
	}
	assert.Equal(t, 25, total)
	assert.Equal(t, 3, pages)

	// Exhausted sources stay exhausted.
	_, ok, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPageSourceEmptyListing(t *testing.T) {
	srv := pagedServer(t, 0)
	defer srv.Close()

	src, err := NewPageSource(srv.URL, 10, srv.Client(), nil, nil)
	require.NoError(t, err)

	_, ok, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPageSourceSendsBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(map[string]any{"items": []stage.Record{}})
	}))
	defer srv.Close()

	src, err := NewPageSource(srv.URL, 5, srv.Client(), auth.StaticTokenSource{Tok: auth.Token{Value: "abc"}}, nil)
	require.NoError(t, err)
	_, _, err = src.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer abc", gotAuth)
}

func TestPageSourceErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	src, err := NewPageSource(srv.URL, 5, srv.Client(), nil, nil)
	require.NoError(t, err)
	_, _, err = src.Next(context.Background())
	assert.ErrorContains(t, err, "502")
}
