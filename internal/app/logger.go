package app

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Pipeline event names written to the JSONL log.
const (
	EventCaptureTick     = "capture_tick"
	EventCaptureFailed   = "capture_failed"
	EventWindowClosed    = "window_closed"
	EventEncodeComplete  = "encode_complete"
	EventEncodeFailed    = "encode_failed"
	EventAnalyzeComplete = "analyze_complete"
	EventAnalyzeFailed   = "analyze_failed"
	EventCleanerPass     = "cleaner_pass"
	EventReplicatePushed = "replicate_pushed"
	EventReplicateFailed = "replicate_failed"
	EventPauseChanged    = "pause_changed"
)

type Logger struct {
	mu  sync.Mutex
	out io.Writer
}

type LogEvent struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

func NewLogger(out io.Writer) *Logger {
	return &Logger{out: out}
}

// OpenLogFile opens (creating if needed) the append-only pipeline log under
// the platform log directory.
func OpenLogFile(appName string) (*os.File, error) {
	dir, err := LogDir(appName)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(filepath.Join(dir, "pipeline.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

func (l *Logger) Info(message string, fields map[string]interface{}) {
	l.write("info", message, fields)
}

func (l *Logger) Warn(message string, fields map[string]interface{}) {
	l.write("warn", message, fields)
}

func (l *Logger) Error(message string, fields map[string]interface{}) {
	l.write("error", message, fields)
}

func (l *Logger) write(level, message string, fields map[string]interface{}) {
	if l == nil || l.out == nil {
		return
	}
	evt := LogEvent{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Level:     level,
		Message:   message,
		Fields:    fields,
	}
	payload, _ := json.Marshal(evt)
	payload = append(payload, '\n')
	l.mu.Lock()
	_, _ = l.out.Write(payload)
	l.mu.Unlock()
}
