package audit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Sink receives a copy of every entry appended to a chain.
// Write must not block the caller for long; slow destinations should queue.
type Sink interface {
	Name() string
	Write(ctx context.Context, e *Entry) error
}

// LogSink writes a one-line structured summary of each entry through a
// slog.Handler. Handler errors are returned, unlike slog.Logger which drops them.
type LogSink struct {
	name    string
	handler slog.Handler
	closer  io.Closer
}

// NewLogSink creates a sink that writes through handler.
func NewLogSink(name string, handler slog.Handler) *LogSink {
	return &LogSink{name: name, handler: handler}
}

// NewStdoutSink creates a sink writing to stdout. In production it emits JSON,
// otherwise text.
func NewStdoutSink(env string) *LogSink {
	return NewLogSink("stdout", newHandler(os.Stdout, env))
}

// NewFileSink creates a sink appending JSON lines to the file at path.
func NewFileSink(path string) (*LogSink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit file sink: %w", err)
	}
	s := NewLogSink("file", slog.NewJSONHandler(f, nil))
	s.closer = f
	return s, nil
}

func newHandler(w io.Writer, env string) slog.Handler {
	if env == "production" {
		return slog.NewJSONHandler(w, nil)
	}
	return slog.NewTextHandler(w, nil)
}

// Name implements Sink.
func (s *LogSink) Name() string {
	return s.name
}

// Write implements Sink.
func (s *LogSink) Write(ctx context.Context, e *Entry) error {
	level := severityLevel(e.Severity)
	if !s.handler.Enabled(ctx, level) {
		return nil
	}

	record := slog.NewRecord(e.Timestamp, level, "audit", 0)
	record.AddAttrs(
		slog.String("entry_id", e.ID),
		slog.String("action", string(e.Action)),
		slog.String("resource", resourceLabel(e)),
		slog.String("outcome", string(e.Outcome)),
		slog.String("severity", string(e.Severity)),
		slog.String("service", e.ServiceName),
		slog.String("entry_hash", e.EntryHash),
	)
	if e.UserID != "" {
		record.AddAttrs(slog.String("user_id", e.UserID))
	}
	if e.Regulation != "" {
		record.AddAttrs(slog.String("regulation", e.Regulation))
	}
	if e.RequestID != "" {
		record.AddAttrs(slog.String("request_id", e.RequestID))
	}

	if err := s.handler.Handle(ctx, record); err != nil {
		return fmt.Errorf("%s sink: %w", s.name, err)
	}
	return nil
}

// Close releases the underlying file, if any.
func (s *LogSink) Close(context.Context) error {
	if s.closer == nil {
		return nil
	}
	err := s.closer.Close()
	s.closer = nil
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}

func resourceLabel(e *Entry) string {
	if e.ResourceID == "" {
		return e.ResourceType
	}
	return e.ResourceType + "/" + e.ResourceID
}

func severityLevel(s Severity) slog.Level {
	switch s {
	case SeverityWarning:
		return slog.LevelWarn
	case SeverityError, SeverityCritical:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
