package flightlog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStore keeps one append-only segment file per trace id, one JSON
// record per line.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("flightlog: create dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) segmentPath(traceID string) (string, error) {
	name := sanitizeTraceID(traceID)
	if name == "" {
		return "", fmt.Errorf("flightlog: invalid trace id %q", traceID)
	}
	return filepath.Join(s.dir, name+".log"), nil
}

func (s *FileStore) Append(ctx context.Context, e Entry) error {
	path, err := s.segmentPath(e.TraceID)
	if err != nil {
		return err
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("flightlog: marshal entry: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("flightlog: open segment: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("flightlog: append: %w", err)
	}
	return nil
}

func (s *FileStore) Trace(ctx context.Context, traceID string) ([]Entry, error) {
	path, err := s.segmentPath(traceID)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Entry{}, nil
		}
		return nil, fmt.Errorf("flightlog: open segment: %w", err)
	}
	defer f.Close()
	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			// Each record parses independently; skip torn tails.
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("flightlog: read segment: %w", err)
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}

// sanitizeTraceID keeps segment names inside the log directory.
func sanitizeTraceID(traceID string) string {
	var b strings.Builder
	for _, r := range traceID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	return out
}
