// Package journal provides the append-only forensic event log.
//
// The journal is a JSON-lines file, one event per line, carrying UTC
// millisecond timestamps and trace/span identifiers. It is a separate path
// from diagnostic logging and is never dropped: an append failure is surfaced
// on the diagnostic logger but the engine keeps running.
package journal

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meridian-desk/trading-core/pkg/types"
	"github.com/meridian-desk/trading-core/pkg/utils"
)

// Entry is one journaled event.
type Entry struct {
	EventType    string            `json:"event_type"`
	Timestamp    string            `json:"timestamp"`
	TraceID      string            `json:"trace_id"`
	SpanID       string            `json:"span_id"`
	ParentSpanID string            `json:"parent_span_id,omitempty"`
	Operation    string            `json:"operation,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
	Payload      map[string]any    `json:"payload,omitempty"`
}

// Journal appends events to a JSONL file. Writes are serialized by a mutex
// and use open-append-write-close so readers only ever race a trailing
// partial line.
type Journal struct {
	mu     sync.Mutex
	logger *zap.Logger
	path   string
	clock  func() time.Time
}

// New creates a journal writing to execution_journal_<mode>.jsonl under dir.
func New(logger *zap.Logger, dir string, mode types.TradingMode) (*Journal, error) {
	return newAt(logger, dir, fmt.Sprintf("execution_journal_%s.jsonl", mode))
}

// NewQualityLog creates the per-child execution-quality log,
// execution_quality_<mode>.jsonl.
func NewQualityLog(logger *zap.Logger, dir string, mode types.TradingMode) (*Journal, error) {
	return newAt(logger, dir, fmt.Sprintf("execution_quality_%s.jsonl", mode))
}

func newAt(logger *zap.Logger, dir, name string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	return &Journal{
		logger: logger.Named("journal"),
		path:   filepath.Join(dir, name),
		clock:  time.Now,
	}, nil
}

// SetClock overrides the time source. Intended for tests.
func (j *Journal) SetClock(clock func() time.Time) { j.clock = clock }

// Path returns the journal file path.
func (j *Journal) Path() string { return j.path }

// Append writes one event. A fresh span id is generated per event; the trace
// context supplies the trace id and parent span.
func (j *Journal) Append(eventType string, trace types.TraceContext, operation string, payload map[string]any) {
	entry := Entry{
		EventType:    eventType,
		Timestamp:    utils.UTCTimestamp(j.clock()),
		TraceID:      trace.TraceID,
		SpanID:       NewSpanID(),
		ParentSpanID: trace.ParentSpanID,
		Operation:    operation,
		Tags:         trace.Tags,
		Payload:      payload,
	}
	j.append(entry)
}

func (j *Journal) append(entry Entry) {
	line, err := json.Marshal(entry)
	if err != nil {
		j.logger.Error("Failed to marshal journal entry", zap.Error(err))
		return
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		j.logger.Error("Failed to open journal", zap.String("path", j.path), zap.Error(err))
		return
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		j.logger.Error("Failed to append journal entry", zap.String("path", j.path), zap.Error(err))
	}
}

// ReadAll parses every complete line of the journal. A malformed trailing
// line is tolerated and skipped.
func (j *Journal) ReadAll() ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	data, err := os.ReadFile(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var entries []Entry
	start := 0
	for i, b := range data {
		if b != '\n' {
			continue
		}
		var e Entry
		if err := json.Unmarshal(data[start:i], &e); err == nil {
			entries = append(entries, e)
		}
		start = i + 1
	}
	return entries, nil
}

// NewTrace creates a fresh trace context.
func NewTrace(tags map[string]string) types.TraceContext {
	return types.TraceContext{
		TraceID: newHexID(),
		Tags:    tags,
	}
}

// ChildTrace derives a context that shares the trace id and records the
// parent span.
func ChildTrace(parent types.TraceContext, parentSpanID string) types.TraceContext {
	return types.TraceContext{
		TraceID:      parent.TraceID,
		ParentSpanID: parentSpanID,
		Tags:         parent.Tags,
	}
}

// NewSpanID generates an opaque hex span identifier.
func NewSpanID() string {
	return newHexID()[:16]
}

func newHexID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}
