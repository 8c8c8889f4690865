package logsink

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWriteAppendsFormattedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loopwork.log")
	s, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	s.Info(CatExecutor, "task started", "task", "t-1", "pool", "medium")

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	line := string(b)
	for _, want := range []string{"[INFO]", "[executor]", "task started", "task=t-1", "pool=medium"} {
		if !strings.Contains(line, want) {
			t.Fatalf("line %q missing %q", line, want)
		}
	}
	if !strings.HasSuffix(line, "\n") {
		t.Fatalf("line not newline-terminated: %q", line)
	}
}

func TestSubscribeSeesWrites(t *testing.T) {
	s := Nop()
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := s.Subscribe(ctx)

	s.Error(CatHealer, "action failed", "pattern", "missing-spec")

	select {
	case ev := <-sub:
		if !strings.Contains(ev.Payload, "[ERROR]") || !strings.Contains(ev.Payload, "pattern=missing-spec") {
			t.Fatalf("got %q", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatalf("no event received")
	}
}

func TestMinLevelFilters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loopwork.log")
	s, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()
	s.SetMinLevel(LevelWarn)

	s.Debug(CatPool, "ignored")
	s.Info(CatPool, "ignored too")
	s.Warn(CatPool, "kept")

	b, _ := os.ReadFile(path)
	if strings.Contains(string(b), "ignored") {
		t.Fatalf("below-min lines written: %q", string(b))
	}
	if !strings.Contains(string(b), "kept") {
		t.Fatalf("warn line missing: %q", string(b))
	}
}

func TestErrorErrAppendsErrorField(t *testing.T) {
	s := Nop()
	defer s.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := s.Subscribe(ctx)

	s.ErrorErr(CatSpawn, "spawn failed", os.ErrPermission)

	ev := <-sub
	if !strings.Contains(ev.Payload, "error=permission denied") {
		t.Fatalf("got %q", ev.Payload)
	}
}

func TestOddFieldCount(t *testing.T) {
	s := Nop()
	defer s.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := s.Subscribe(ctx)

	s.Info(CatDriver, "msg", "orphan")

	ev := <-sub
	if !strings.Contains(ev.Payload, "orphan=<missing>") {
		t.Fatalf("got %q", ev.Payload)
	}
}
