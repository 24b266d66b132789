package report

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

const maxLineSize = 1 << 20

// JSONLSink appends one JSON object per run to a file and fsyncs each write.
type JSONLSink struct {
	mu   sync.Mutex
	path string
}

func OpenJSONL(path string) (*JSONLSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("jsonl mkdir: %w", err)
	}
	return &JSONLSink{path: path}, nil
}

func (s *JSONLSink) Record(_ context.Context, r Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(r); err != nil {
		return err
	}
	return f.Sync()
}

// List returns up to limit runs, newest first. Unparseable lines are skipped.
func (s *JSONLSink) List(_ context.Context, limit int) ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	runs, err := scanRuns(f)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(runs)-1; i < j; i, j = i+1, j-1 {
		runs[i], runs[j] = runs[j], runs[i]
	}
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func scanRuns(r io.Reader) ([]Run, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	var out []Run
	for sc.Scan() {
		var run Run
		if err := json.Unmarshal(sc.Bytes(), &run); err == nil {
			run.ID = int64(len(out) + 1)
			out = append(out, run)
		}
	}
	return out, sc.Err()
}

func (s *JSONLSink) Close() error { return nil }
