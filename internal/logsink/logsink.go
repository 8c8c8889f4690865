// Package logsink provides the injected log sink the core writes to and the
// healer observes. A Sink offers both a write side (leveled, categorized
// lines appended to a file) and a read side (pubsub subscription plus the
// file path for tailing), so log output and healer input stay decoupled.
package logsink

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/loopwork-ai/loopwork/internal/pubsub"
)

// Level is log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Category groups related log lines.
type Category string

const (
	CatExecutor Category = "executor"
	CatPool     Category = "pool"
	CatSelector Category = "selector"
	CatBreaker  Category = "breaker"
	CatSpawn    Category = "spawn"
	CatWatcher  Category = "watcher"
	CatHealer   Category = "healer"
	CatWisdom   Category = "wisdom"
	CatConfig   Category = "config"
	CatDriver   Category = "driver"
)

// EventLine is the event type for published log lines.
const EventLine pubsub.EventType = "line"

// Sink writes formatted lines to an append-only file and publishes each
// line to subscribers.
type Sink struct {
	mu       sync.Mutex
	file     *os.File
	writer   io.Writer
	path     string
	minLevel Level
	broker   *pubsub.Broker[string]
}

// New opens (or creates) the log file at path in append mode.
func New(path string) (*Sink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return &Sink{
		file:     f,
		writer:   f,
		path:     path,
		minLevel: LevelDebug,
		broker:   pubsub.NewBroker[string](),
	}, nil
}

// Nop returns a sink that discards writes but still publishes to
// subscribers. Used by tests and by components run without a log file.
func Nop() *Sink {
	return &Sink{
		writer:   io.Discard,
		minLevel: LevelDebug,
		broker:   pubsub.NewBroker[string](),
	}
}

// Path is the log file path, or "" for a Nop sink.
func (s *Sink) Path() string { return s.path }

// SetMinLevel drops lines below level.
func (s *Sink) SetMinLevel(level Level) {
	s.mu.Lock()
	s.minLevel = level
	s.mu.Unlock()
}

func (s *Sink) Debug(cat Category, msg string, fields ...any) {
	s.log(LevelDebug, cat, msg, fields...)
}

func (s *Sink) Info(cat Category, msg string, fields ...any) {
	s.log(LevelInfo, cat, msg, fields...)
}

func (s *Sink) Warn(cat Category, msg string, fields ...any) {
	s.log(LevelWarn, cat, msg, fields...)
}

func (s *Sink) Error(cat Category, msg string, fields ...any) {
	s.log(LevelError, cat, msg, fields...)
}

// ErrorErr logs an error value under the "error" field.
func (s *Sink) ErrorErr(cat Category, msg string, err error, fields ...any) {
	if err != nil {
		fields = append(fields, "error", err.Error())
	} else {
		fields = append(fields, "error", "<nil>")
	}
	s.log(LevelError, cat, msg, fields...)
}

func (s *Sink) log(level Level, cat Category, msg string, fields ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if level < s.minLevel {
		return
	}

	// Format: 2026-01-12T10:45:00 [ERROR] [executor] message key=value
	entry := fmt.Sprintf("%s [%s] [%s] %s", time.Now().Format("2006-01-02T15:04:05"), level, cat, msg)
	for i := 0; i+1 < len(fields); i += 2 {
		entry += fmt.Sprintf(" %v=%v", fields[i], fields[i+1])
	}
	if len(fields)%2 != 0 {
		entry += fmt.Sprintf(" %v=<missing>", fields[len(fields)-1])
	}
	entry += "\n"

	if s.writer != nil {
		_, _ = s.writer.Write([]byte(entry))
	}
	if s.broker != nil {
		s.broker.Publish(EventLine, entry)
	}
}

// Subscribe returns a channel of formatted lines as they are written.
func (s *Sink) Subscribe(ctx context.Context) <-chan pubsub.Event[string] {
	return s.broker.Subscribe(ctx)
}

// Close flushes and closes the underlying file and the broker.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broker.Close()
	if s.file != nil {
		err := s.file.Close()
		s.file = nil
		s.writer = io.Discard
		return err
	}
	return nil
}
