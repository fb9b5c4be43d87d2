package diag

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	defaultRotateBytes  = 5 * 1024 * 1024
	defaultMaxBackups   = 3
	defaultFollowPoll   = 500 * time.Millisecond
	maxQueryLineBytes   = 4 * 1024 * 1024
	queryScanBufferSize = 64 * 1024
)

// Sink is an append-only JSONL event log with size-based rotation.
// Emit redacts every payload before it touches disk.
type Sink struct {
	path        string
	rotateBytes int64
	maxBackups  int
	mu          sync.Mutex
}

// SinkConfig configures the JSONL sink. Zero values pick defaults
// (5 MiB rotation, 3 numbered backups).
type SinkConfig struct {
	Path        string
	RotateBytes int64
	MaxBackups  int
}

func NewSink(cfg SinkConfig) *Sink {
	rotate := cfg.RotateBytes
	if rotate <= 0 {
		rotate = defaultRotateBytes
	}
	backups := cfg.MaxBackups
	if backups < 0 {
		backups = 0
	} else if backups == 0 && cfg.RotateBytes == 0 {
		backups = defaultMaxBackups
	}
	return &Sink{path: cfg.Path, rotateBytes: rotate, maxBackups: backups}
}

// Path returns the active log file path.
func (s *Sink) Path() string { return s.path }

// Emit appends one redacted event line, rotating first when the write would
// push the active file past the size limit.
func (s *Sink) Emit(ev Event) error {
	payload, err := ev.payload()
	if err != nil {
		return err
	}
	line, err := json.Marshal(RedactPayload(payload))
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLine(append(line, '\n'))
}

func (s *Sink) appendLine(line []byte) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	if fi, err := os.Stat(s.path); err == nil && fi.Size()+int64(len(line)) > s.rotateBytes {
		if err := s.rotate(); err != nil {
			return fmt.Errorf("rotate log: %w", err)
		}
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

// rotate shifts numbered backups up and moves the active file to ".1".
// With maxBackups <= 0 the active file is simply deleted.
func (s *Sink) rotate() error {
	if s.maxBackups <= 0 {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}

	oldest := fmt.Sprintf("%s.%d", s.path, s.maxBackups)
	if err := os.Remove(oldest); err != nil && !os.IsNotExist(err) {
		return err
	}
	for i := s.maxBackups - 1; i >= 1; i-- {
		src := fmt.Sprintf("%s.%d", s.path, i)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := os.Rename(src, fmt.Sprintf("%s.%d", s.path, i+1)); err != nil {
			return err
		}
	}
	if _, err := os.Stat(s.path); err == nil {
		return os.Rename(s.path, s.path+".1")
	}
	return nil
}

// logFiles returns existing log files oldest-first: highest-numbered backup
// down to ".1", then the active file.
func (s *Sink) logFiles() []string {
	var files []string
	for i := s.maxBackups; i >= 1; i-- {
		candidate := fmt.Sprintf("%s.%d", s.path, i)
		if _, err := os.Stat(candidate); err == nil {
			files = append(files, candidate)
		}
	}
	if _, err := os.Stat(s.path); err == nil {
		files = append(files, s.path)
	}
	return files
}

// QueryFilter selects rows by correlation fields. Limit caps the number of
// newest matching rows returned; limit <= 0 returns nothing.
type QueryFilter struct {
	SessionKey string
	RunID      string
	Limit      int
}

func (f QueryFilter) matches(row map[string]any) bool {
	if f.SessionKey != "" {
		if v, _ := row["session_key"].(string); v != f.SessionKey {
			return false
		}
	}
	if f.RunID != "" {
		if v, _ := row["run_id"].(string); v != f.RunID {
			return false
		}
	}
	return true
}

// Query returns the latest matching rows across backups and the active file.
func (s *Sink) Query(filter QueryFilter) ([]map[string]any, error) {
	if filter.Limit <= 0 {
		return nil, nil
	}

	var rows []map[string]any
	for _, path := range s.logFiles() {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, queryScanBufferSize), maxQueryLineBytes)
		for scanner.Scan() {
			row := decodeLine(scanner.Text())
			if row == nil || !filter.matches(row) {
				continue
			}
			rows = append(rows, row)
			if len(rows) > filter.Limit {
				rows = rows[len(rows)-filter.Limit:]
			}
		}
		f.Close()
	}
	return rows, nil
}

// Follow tails the active log from EOF, surfacing matching rows on the
// returned channel until ctx is cancelled. Rotation (inode change) reopens
// the new active file from the start; truncation rewinds.
func (s *Sink) Follow(ctx context.Context, filter QueryFilter, pollInterval time.Duration) (<-chan map[string]any, error) {
	if pollInterval <= 0 {
		pollInterval = defaultFollowPoll
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	if err := touchFile(s.path); err != nil {
		return nil, fmt.Errorf("touch log: %w", err)
	}
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, fmt.Errorf("seek log: %w", err)
	}

	out := make(chan map[string]any)
	go func() {
		defer close(out)
		defer func() { f.Close() }()

		var pending []byte
		buf := make([]byte, 4096)
		// flush emits every complete line buffered so far. False means the
		// follower should stop.
		flush := func() bool {
			for {
				i := bytes.IndexByte(pending, '\n')
				if i < 0 {
					return true
				}
				row := decodeLine(string(pending[:i]))
				pending = pending[i+1:]
				if row == nil || !filter.matches(row) {
					continue
				}
				select {
				case out <- row:
				case <-ctx.Done():
					return false
				}
			}
		}
		for {
			n, readErr := f.Read(buf)
			if n > 0 {
				pending = append(pending, buf[:n]...)
				if !flush() {
					return
				}
				continue
			}
			if readErr != nil && readErr != io.EOF {
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}

			latest, statErr := os.Stat(s.path)
			if statErr != nil {
				// Rotation may briefly remove the active file.
				if touchErr := touchFile(s.path); touchErr != nil {
					return
				}
				if latest, statErr = os.Stat(s.path); statErr != nil {
					return
				}
			}
			current, statErr := f.Stat()
			if statErr != nil {
				return
			}
			pos, _ := f.Seek(0, io.SeekCurrent)

			switch {
			case !os.SameFile(latest, current):
				// Drain what rotation left behind on the old inode before
				// switching, then read the new active file from the start.
				for {
					n, err := f.Read(buf)
					if n > 0 {
						pending = append(pending, buf[:n]...)
					}
					if err != nil || n == 0 {
						break
					}
				}
				if !flush() {
					f.Close()
					return
				}
				f.Close()
				nf, openErr := os.Open(s.path)
				if openErr != nil {
					return
				}
				f = nf
				pending = nil
			case latest.Size() < pos:
				if _, err := f.Seek(0, io.SeekStart); err != nil {
					return
				}
				pending = nil
			}
		}
	}()
	return out, nil
}

func decodeLine(raw string) map[string]any {
	line := strings.TrimSpace(raw)
	if line == "" {
		return nil
	}
	var row map[string]any
	if err := json.Unmarshal([]byte(line), &row); err != nil {
		return nil
	}
	return row
}

func touchFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	return f.Close()
}
