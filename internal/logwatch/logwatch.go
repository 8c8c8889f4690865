// Package logwatch tails an append-only log file and emits each newly
// appended line, in byte-offset order, over a pubsub subscription. Content
// present before Start is ignored; truncation resets the tail to offset 0.
package logwatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/loopwork-ai/loopwork/internal/pubsub"
)

// EventLine is the event type for emitted lines.
const EventLine pubsub.EventType = "line"

// LineEvent is one newline-terminated line from the watched file.
type LineEvent struct {
	Line      string
	Timestamp time.Time
}

// Config tunes a Watcher.
type Config struct {
	// Path is the log file to tail. The file may not exist yet; its
	// directory must.
	Path string
	// Debounce batches change events before reading. Default 100ms.
	Debounce time.Duration
	// BufferSize is the per-subscriber channel buffer. The healer reads
	// slowly while acting, so the default is generous (256).
	BufferSize int
}

// Watcher tails one file. A single goroutine owns the read loop: one
// debounce timer at a time, and each batch is read and emitted before the
// next is processed.
type Watcher struct {
	path     string
	debounce time.Duration
	broker   *pubsub.Broker[LineEvent]

	fsw  *fsnotify.Watcher
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once

	lastSize int64
	partial  []byte
}

// New builds a watcher for cfg.Path.
func New(cfg Config) (*Watcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("logwatch: path is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 100 * time.Millisecond
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	return &Watcher{
		path:     cfg.Path,
		debounce: cfg.Debounce,
		broker:   pubsub.NewBrokerBuffered[LineEvent](cfg.BufferSize),
		done:     make(chan struct{}),
	}, nil
}

// Subscribe registers a line consumer. Subscribe before Start to observe
// the first batch.
func (w *Watcher) Subscribe(ctx context.Context) <-chan pubsub.Event[LineEvent] {
	return w.broker.Subscribe(ctx)
}

// Start records the file's current size and begins watching its directory.
func (w *Watcher) Start() error {
	info, err := os.Stat(w.path)
	switch {
	case err == nil:
		w.lastSize = info.Size()
	case os.IsNotExist(err):
		w.lastSize = 0
	default:
		return fmt.Errorf("stat %s: %w", w.path, err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.fsw = fsw

	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop ends the watch, flushes any pending batch, and closes the broker.
func (w *Watcher) Stop() {
	w.once.Do(func() { close(w.done) })
	w.wg.Wait()
	if w.fsw != nil {
		_ = w.fsw.Close()
	}
	w.broker.Close()
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	var timer *time.Timer
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.isRelevantEvent(ev) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}

		case <-func() <-chan time.Time {
			if timer != nil {
				return timer.C
			}
			return nil
		}():
			timer = nil
			w.flush()

		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			// Keep watching; a transient inotify error drops nothing as
			// long as a later event triggers a flush.

		case <-w.done:
			if timer != nil {
				timer.Stop()
				w.flush()
			}
			return
		}
	}
}

func (w *Watcher) isRelevantEvent(ev fsnotify.Event) bool {
	if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return false
	}
	return filepath.Base(ev.Name) == filepath.Base(w.path)
}

// flush reads the byte range appended since the last read and emits each
// complete line. A shrunken file is a truncation: the tail resets to
// offset 0 and any buffered partial line is dropped.
func (w *Watcher) flush() {
	info, err := os.Stat(w.path)
	if err != nil {
		return
	}
	size := info.Size()
	if size < w.lastSize {
		w.lastSize = 0
		w.partial = w.partial[:0]
	}
	if size == w.lastSize {
		return
	}

	f, err := os.Open(w.path)
	if err != nil {
		return
	}
	defer f.Close()
	if _, err := f.Seek(w.lastSize, io.SeekStart); err != nil {
		return
	}
	chunk, err := io.ReadAll(io.LimitReader(f, size-w.lastSize))
	if err != nil && len(chunk) == 0 {
		return
	}
	w.lastSize += int64(len(chunk))

	w.partial = append(w.partial, chunk...)
	for {
		idx := bytes.IndexByte(w.partial, '\n')
		if idx < 0 {
			break
		}
		line := string(w.partial[:idx])
		w.partial = w.partial[idx+1:]
		w.broker.Publish(EventLine, LineEvent{Line: line, Timestamp: time.Now()})
	}
}
