package messaging

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/ChuLiYu/cube-tasks/pkg/types"
)

// NoopSink drops every event.
type NoopSink struct{}

func (NoopSink) Send(types.Event) {}

// MultiSink fans an event out to every non-nil sink, in order.
type MultiSink []EventSink

func (m MultiSink) Send(ev types.Event) {
	for _, s := range m {
		if s != nil {
			s.Send(ev)
		}
	}
}

// ChanSink delivers events on a buffered channel for in-process callers.
// Send blocks when the buffer is full so that no event is lost.
type ChanSink struct {
	ch chan types.Event
}

// NewChanSink creates a ChanSink with the given buffer size.
func NewChanSink(size int) *ChanSink {
	return &ChanSink{ch: make(chan types.Event, size)}
}

func (s *ChanSink) Send(ev types.Event) { s.ch <- ev }

// C exposes the receive side.
func (s *ChanSink) C() <-chan types.Event { return s.ch }

// JSONSink writes one JSON object per line. It is safe for concurrent use
// so several workers can share one writer.
type JSONSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSONSink writes to w, falling back to stdout.
func NewJSONSink(w io.Writer) *JSONSink {
	if w == nil {
		w = os.Stdout
	}
	return &JSONSink{enc: json.NewEncoder(w)}
}

func (s *JSONSink) Send(ev types.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(ev); err != nil {
		slog.Default().Error("Failed to write event", "event", ev.Event, "taskID", ev.TaskID, "error", err)
	}
}

// LogSink records every event through slog.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Send(ev types.Event) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	switch ev.Event {
	case types.EventStart:
		logger.Info("Task started", "taskID", ev.TaskID)
	case types.EventUpdate:
		logger.Info("Task progress", "taskID", ev.TaskID, "percent", ev.ProgressPercent)
	case types.EventResult:
		attrs := []any{"taskID", ev.TaskID}
		if ev.Task != nil && ev.Task.Result != nil {
			attrs = append(attrs, "image", ev.Task.Result.ImageURL, "data", ev.Task.Result.DataURL)
		}
		logger.Info("Task completed", attrs...)
	case types.EventError:
		logger.Warn("Task failed", "taskID", ev.TaskID, "message", ev.Message)
	}
}
