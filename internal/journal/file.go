package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileSink appends events as JSON lines, one write per event. Events that end
// a lap or a run are fsynced, since resume numbering is read back from them.
// With MaxBytes set, a full file is rolled to "<path>.<utc stamp>" before the
// next event; LastLap reads rolled segments too.
type FileSink struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
	file     *os.File
	size     int64
	now      func() time.Time
}

var _ Sink = (*FileSink)(nil)

// NewFileSink returns nil for a blank path. maxBytes <= 0 never rolls.
func NewFileSink(path string, maxBytes int64) *FileSink {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	return &FileSink{path: path, maxBytes: maxBytes, now: time.Now}
}

func (f *FileSink) Path() string { return f.path }

func (f *FileSink) Write(_ context.Context, ev Event) error {
	if f == nil {
		return nil
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.openLocked(); err != nil {
		return err
	}
	if f.maxBytes > 0 && f.size > 0 && f.size+int64(len(line)) > f.maxBytes {
		if err := f.rollLocked(); err != nil {
			return fmt.Errorf("roll journal %s: %w", f.path, err)
		}
	}
	n, err := f.file.Write(line)
	f.size += int64(n)
	if err != nil {
		return err
	}
	if terminal(ev.Event) {
		return f.file.Sync()
	}
	return nil
}

func (f *FileSink) Close() error {
	if f == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeLocked()
}

func (f *FileSink) openLocked() error {
	if f.file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	st, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}
	f.file, f.size = file, st.Size()
	return nil
}

func (f *FileSink) rollLocked() error {
	if err := f.closeLocked(); err != nil {
		return err
	}
	segment := f.path + "." + f.now().UTC().Format("20060102T150405.000000000")
	if err := os.Rename(f.path, segment); err != nil {
		return err
	}
	return f.openLocked()
}

func (f *FileSink) closeLocked() error {
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file, f.size = nil, 0
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}

func terminal(event string) bool {
	switch event {
	case EventLapCompleted, EventLapFailed, EventHalted, EventStopped:
		return true
	}
	return false
}

// LastLap returns the highest lap that completed for sessionID across the
// journal and its rolled segments (0 when none). A missing file is not an error.
func LastLap(path, sessionID string) (int, error) {
	segments, err := filepath.Glob(path + ".*")
	if err != nil {
		return 0, err
	}
	last := 0
	for _, p := range append(segments, path) {
		n, err := lastLapIn(p, sessionID)
		if err != nil {
			return last, err
		}
		if n > last {
			last = n
		}
	}
	return last, nil
}

func lastLapIn(path, sessionID string) (int, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer file.Close()

	last, line := 0, 0
	sc := bufio.NewScanner(file)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line++
		var ev Event
		// Blank or torn lines (a crash mid-write) fail to decode and are skipped.
		if json.Unmarshal(sc.Bytes(), &ev) != nil {
			continue
		}
		if ev.SessionID == sessionID && ev.Event == EventLapCompleted && ev.Lap > last {
			last = ev.Lap
		}
	}
	if err := sc.Err(); err != nil {
		return last, fmt.Errorf("scan journal %s (line %d): %w", path, line, err)
	}
	return last, nil
}
