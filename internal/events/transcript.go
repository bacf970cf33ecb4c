package events

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Transcript is the on-disk record of one run.
type Transcript struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Outcome    Kind      `json:"outcome"`
	Events     []Event   `json:"events"`
}

// TranscriptSink buffers each run's events and writes <dir>/<run_id>.json
// when the run's terminal event arrives.
type TranscriptSink struct {
	dir  string
	mu   sync.Mutex
	runs map[string][]Event
}

// NewTranscriptSink creates dir if needed.
func NewTranscriptSink(dir string) (*TranscriptSink, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating transcript dir: %w", err)
	}
	return &TranscriptSink{dir: dir, runs: make(map[string][]Event)}, nil
}

// Path returns where a run's transcript is written.
func (s *TranscriptSink) Path(runID string) string {
	return filepath.Join(s.dir, runID+".json")
}

func (s *TranscriptSink) Publish(_ context.Context, e Event) error {
	s.mu.Lock()
	s.runs[e.RunID] = append(s.runs[e.RunID], e)
	if !e.Terminal() {
		s.mu.Unlock()
		return nil
	}
	evs := s.runs[e.RunID]
	delete(s.runs, e.RunID)
	s.mu.Unlock()

	t := Transcript{RunID: e.RunID, StartedAt: evs[0].Time, FinishedAt: e.Time, Outcome: e.Kind, Events: evs}
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}
	tmp := s.Path(e.RunID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}
	return os.Rename(tmp, s.Path(e.RunID))
}
