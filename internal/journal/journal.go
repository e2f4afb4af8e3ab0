// Package journal records lap lifecycle events and fans them out to sinks:
// a JSONL file, a Kafka topic, and live websocket clients.
package journal

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	EventSessionStarted = "session_started"
	EventLapStarted     = "lap_started"
	EventLapProgress    = "lap_progress"
	EventPaused         = "paused"
	EventResumed        = "resumed"
	EventCollected      = "collected"
	EventRotated        = "rotated"
	EventRedistributed  = "redistributed"
	EventLapCompleted   = "lap_completed"
	EventLapFailed      = "lap_failed"
	EventHalted         = "halted"
	EventStopped        = "stopped"
)

type Event struct {
	TsMs       int64    `json:"ts_ms"`
	Event      string   `json:"event"`
	SessionID  string   `json:"session_id,omitempty"`
	Lap        int      `json:"lap,omitempty"`
	Status     string   `json:"status,omitempty"`
	Workers    []string `json:"workers,omitempty"`
	NativeWei  string   `json:"native_wei,omitempty"`
	TokenUnits string   `json:"token_units,omitempty"`
	Reason     string   `json:"reason,omitempty"`
	ActiveMs   int64    `json:"active_ms,omitempty"`
	Err        string   `json:"err,omitempty"`
}

// Sink receives every event. Implementations must be safe for concurrent use.
type Sink interface {
	Write(ctx context.Context, ev Event) error
	Close() error
}

const recentSize = 200

// Journal fans events out to its sinks. A sink failure is logged and does not
// stop delivery to the others. A nil *Journal drops events.
type Journal struct {
	sessionID string
	sinks     []Sink
	logger    *zap.Logger

	mu     sync.Mutex
	recent []Event
}

func New(sessionID string, logger *zap.Logger, sinks ...Sink) *Journal {
	if logger == nil {
		logger = zap.NewNop()
	}
	var live []Sink
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	return &Journal{
		sessionID: sessionID,
		sinks:     live,
		logger:    logger.With(zap.String("component", "journal")),
	}
}

// Emit stamps ev and delivers it to every sink.
func (j *Journal) Emit(ctx context.Context, ev Event) {
	if j == nil {
		return
	}
	if ev.TsMs == 0 {
		ev.TsMs = time.Now().UnixMilli()
	}
	if ev.SessionID == "" {
		ev.SessionID = j.sessionID
	}

	j.mu.Lock()
	j.recent = append(j.recent, ev)
	if len(j.recent) > recentSize {
		j.recent = j.recent[len(j.recent)-recentSize:]
	}
	j.mu.Unlock()

	for _, s := range j.sinks {
		if err := s.Write(ctx, ev); err != nil {
			j.logger.Warn("journal sink write failed", zap.String("event", ev.Event), zap.Error(err))
		}
	}
}

// Recent returns up to the last n events, oldest first.
func (j *Journal) Recent(n int) []Event {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if n <= 0 || n > len(j.recent) {
		n = len(j.recent)
	}
	out := make([]Event, n)
	copy(out, j.recent[len(j.recent)-n:])
	return out
}

func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	var firstErr error
	for _, s := range j.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
