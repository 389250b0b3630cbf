package ptybridge

import (
	"bytes"
	"testing"
	"time"

	"github.com/oddlab/webpty/internal/config"
	"github.com/oddlab/webpty/internal/ring"
)

// spawnCat starts a bridge running /bin/cat, which echoes stdin to stdout
// and makes input/output assertions deterministic. Environments without a
// working /dev/ptmx skip the test instead of failing.
func spawnCat(t *testing.T) *Bridge {
	t.Helper()
	cfg := &config.Settings{TUIBinaryPath: "/bin/cat"}
	b, err := Spawn(cfg, ConnectionOwned, 80, 24, ring.New(1<<20, 1000))
	if err != nil {
		t.Skipf("cannot spawn pty in this environment: %v", err)
	}
	t.Cleanup(b.Close)
	return b
}

func collectUntil(t *testing.T, ch <-chan ring.Frame, want []byte, timeout time.Duration) []byte {
	t.Helper()
	var got []byte
	deadline := time.After(timeout)
	for {
		if bytes.Contains(got, want) {
			return got
		}
		select {
		case f, ok := <-ch:
			if !ok {
				t.Fatalf("output channel closed before %q appeared, got %q", want, got)
			}
			got = append(got, f.Data...)
		case <-deadline:
			t.Fatalf("timed out waiting for %q, got %q", want, got)
		}
	}
}

func TestBridgeEchoesInput(t *testing.T) {
	b := spawnCat(t)

	id, ch := b.Subscribe()
	defer b.Unsubscribe(id)

	if err := b.Write([]byte("hello\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	collectUntil(t, ch, []byte("hello"), 5*time.Second)
}

func TestBridgeOutputLandsInRing(t *testing.T) {
	b := spawnCat(t)

	id, ch := b.Subscribe()
	defer b.Unsubscribe(id)

	if err := b.Write([]byte("ringcheck\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	collectUntil(t, ch, []byte("ringcheck"), 5*time.Second)

	var all []byte
	for _, f := range b.Ring().GetAll() {
		all = append(all, f.Data...)
	}
	if !bytes.Contains(all, []byte("ringcheck")) {
		t.Fatalf("ring buffer missing echoed output, got %q", all)
	}
}

func TestBridgeSubscriberSeqMatchesRing(t *testing.T) {
	b := spawnCat(t)

	id, ch := b.Subscribe()
	defer b.Unsubscribe(id)

	if err := b.Write([]byte("seq\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case f, ok := <-ch:
		if !ok {
			t.Fatal("output channel closed")
		}
		frames := b.Ring().GetAll()
		found := false
		for _, rf := range frames {
			if rf.Seq == f.Seq && bytes.Equal(rf.Data, f.Data) {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("broadcast frame seq=%d not found in ring", f.Seq)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no output within deadline")
	}
}

func TestBridgeResize(t *testing.T) {
	b := spawnCat(t)

	if err := b.Resize(120, 40); err != nil {
		t.Fatalf("resize: %v", err)
	}
	cols, rows := b.Size()
	if cols != 120 || rows != 40 {
		t.Fatalf("size after resize = %dx%d, want 120x40", cols, rows)
	}
}

func TestBridgePIDStable(t *testing.T) {
	b := spawnCat(t)

	pid := b.PID()
	if pid <= 0 {
		t.Fatalf("pid = %d, want > 0", pid)
	}
	if b.PID() != pid {
		t.Fatal("pid changed between calls")
	}
}

func TestBridgeCloseSignalsDone(t *testing.T) {
	b := spawnCat(t)

	b.Close()
	select {
	case <-b.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("child did not exit after Close")
	}

	if err := b.Write([]byte("late")); err == nil {
		t.Fatal("write after close should fail")
	}
}

func TestSpawnFailureTaxonomy(t *testing.T) {
	cfg := &config.Settings{TUIBinaryPath: "/nonexistent/binary"}
	_, err := Spawn(cfg, ConnectionOwned, 80, 24, ring.New(1<<20, 1000))
	if err == nil {
		t.Fatal("expected spawn error for missing binary")
	}
	se, ok := err.(*SpawnError)
	if !ok {
		t.Fatalf("error type = %T, want *SpawnError", err)
	}
	if se.Kind != SpawnFailed {
		t.Fatalf("kind = %v, want SpawnFailed", se.Kind)
	}
}
