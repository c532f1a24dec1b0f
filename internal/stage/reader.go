package stage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// Oversized staged records still have to scan; 10 MiB covers the largest
// platform objects seen in practice.
const maxLineBytes = 10 * 1024 * 1024

// ChunkSource lazily reads NDJSON staging files as fixed-size record chunks,
// in file order. It matches the pipeline's source contract.
type ChunkSource struct {
	paths     []string
	chunkSize int

	fileIdx int
	f       *os.File
	sc      *bufio.Scanner
}

// NewChunkSource reads chunkSize records at a time from paths.
func NewChunkSource(paths []string, chunkSize int) (*ChunkSource, error) {
	if chunkSize < 1 {
		return nil, fmt.Errorf("stage: chunk size must be >= 1, got %d", chunkSize)
	}
	return &ChunkSource{paths: paths, chunkSize: chunkSize}, nil
}

// Next returns the next chunk. ok=false signals that every file is exhausted.
func (s *ChunkSource) Next(ctx context.Context) ([]Record, bool, error) {
	chunk := make([]Record, 0, s.chunkSize)
	for len(chunk) < s.chunkSize {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		if s.sc == nil {
			opened, err := s.openNext()
			if err != nil {
				return nil, false, err
			}
			if !opened {
				break
			}
		}
		if !s.sc.Scan() {
			if err := s.sc.Err(); err != nil {
				name := s.f.Name()
				s.closeCurrent()
				return nil, false, fmt.Errorf("scan staged file %s: %w", name, err)
			}
			if err := s.closeCurrent(); err != nil {
				return nil, false, err
			}
			continue
		}
		line := s.sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, false, fmt.Errorf("decode staged record in %s: %w", s.f.Name(), err)
		}
		chunk = append(chunk, rec)
	}

	if len(chunk) == 0 {
		return nil, false, nil
	}
	return chunk, true, nil
}

func (s *ChunkSource) openNext() (bool, error) {
	if s.fileIdx >= len(s.paths) {
		return false, nil
	}
	path := s.paths[s.fileIdx]
	s.fileIdx++
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("open staged file %s: %w", path, err)
	}
	s.f = f
	s.sc = bufio.NewScanner(f)
	s.sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	return true, nil
}

func (s *ChunkSource) closeCurrent() error {
	err := s.f.Close()
	s.f = nil
	s.sc = nil
	if err != nil {
		return fmt.Errorf("close staged file: %w", err)
	}
	return nil
}

// Close releases the currently open file, if any.
func (s *ChunkSource) Close() error {
	if s.f != nil {
		return s.closeCurrent()
	}
	return nil
}
