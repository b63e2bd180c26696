package queue

import (
	"bytes"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func openQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = t.TempDir()
	}
	q, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return q
}

func popAll(t *testing.T, q *Queue) [][]byte {
	t.Helper()
	var out [][]byte
	for {
		e, err := q.Peek()
		if err != nil {
			t.Fatalf("Peek: %v", err)
		}
		if e == nil {
			return out
		}
		out = append(out, e.Data)
		if err := q.Remove(e.ID); err != nil {
			t.Fatalf("Remove: %v", err)
		}
	}
}

func TestQueue_FIFO(t *testing.T) {
	q := openQueue(t, Config{Name: "test_fifo"})

	for _, s := range []string{"a", "b", "c"} {
		if err := q.Push([]byte(s)); err != nil {
			t.Fatalf("Push(%s): %v", s, err)
		}
	}
	if q.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", q.Len())
	}
	if q.Size() <= 0 {
		t.Errorf("Size() = %d, want > 0", q.Size())
	}

	got := popAll(t, q)
	if len(got) != 3 || string(got[0]) != "a" || string(got[1]) != "b" || string(got[2]) != "c" {
		t.Errorf("entries = %q, want [a b c]", got)
	}
	if q.Len() != 0 || q.Size() != 0 {
		t.Errorf("Len/Size = %d/%d after draining, want 0/0", q.Len(), q.Size())
	}
}

func TestQueue_PeekDoesNotRemove(t *testing.T) {
	q := openQueue(t, Config{Name: "test_peek"})
	if err := q.Push([]byte("payload")); err != nil {
		t.Fatalf("Push: %v", err)
	}

	first, _ := q.Peek()
	second, _ := q.Peek()
	if first == nil || second == nil || first.ID != second.ID {
		t.Fatalf("Peek twice = %v, %v; want the same entry", first, second)
	}
	if q.Len() != 1 {
		t.Errorf("Len() = %d, want 1", q.Len())
	}
}

func TestQueue_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	payload := bytes.Repeat([]byte("span data "), 1000)

	q := openQueue(t, Config{Path: dir, Name: "test_reopen"})
	if err := q.Push([]byte("first")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := q.Push(payload); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := q.Push([]byte("late")); !errors.Is(err, ErrClosed) {
		t.Errorf("Push after Close = %v, want ErrClosed", err)
	}

	// A crash mid-write leaves a temporary file behind.
	if err := os.WriteFile(filepath.Join(dir, "00000000000000000099.tmp"), []byte("partial"), 0o644); err != nil {
		t.Fatal(err)
	}

	reopened := openQueue(t, Config{Path: dir, Name: "test_reopen"})
	got := popAll(t, reopened)
	if len(got) != 2 || string(got[0]) != "first" || !bytes.Equal(got[1], payload) {
		t.Fatalf("recovered %d entries, want [first payload]", len(got))
	}
	if _, err := os.Stat(filepath.Join(dir, "00000000000000000099.tmp")); !os.IsNotExist(err) {
		t.Errorf("temporary file not cleaned up: %v", err)
	}

	// New ids continue after the recovered ones.
	if err := reopened.Push([]byte("next")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	e, _ := reopened.Peek()
	if e == nil || e.ID <= 2 {
		t.Errorf("new entry id = %v, want > 2", e)
	}
}

func TestQueue_DropsOldestWhenFull(t *testing.T) {
	const name = "test_drop_oldest"
	q := openQueue(t, Config{Name: name, MaxEntries: 2})

	for _, s := range []string{"a", "b", "c"} {
		if err := q.Push([]byte(s)); err != nil {
			t.Fatalf("Push(%s): %v", s, err)
		}
	}

	got := popAll(t, q)
	if len(got) != 2 || string(got[0]) != "b" || string(got[1]) != "c" {
		t.Errorf("entries = %q, want [b c]", got)
	}
	if v := testutil.ToFloat64(queueDroppedTotal.WithLabelValues(name, reasonFull)); v != 1 {
		t.Errorf("full drops = %v, want 1", v)
	}
}

func TestQueue_ByteLimit(t *testing.T) {
	const name = "test_byte_limit"
	q := openQueue(t, Config{Name: name, MaxBytes: 64})

	random := make([]byte, 512)
	if _, err := rand.Read(random); err != nil {
		t.Fatal(err)
	}
	if err := q.Push(random); !errors.Is(err, ErrTooLarge) {
		t.Errorf("Push(oversized) = %v, want ErrTooLarge", err)
	}
	for i := 0; i < 10; i++ {
		if err := q.Push([]byte("0123456789")); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	if q.Size() > 64 {
		t.Errorf("Size() = %d exceeds MaxBytes 64", q.Size())
	}
	if v := testutil.ToFloat64(queueDroppedTotal.WithLabelValues(name, reasonTooLarge)); v != 1 {
		t.Errorf("too large drops = %v, want 1", v)
	}
}

func TestQueue_DiscardsCorruptEntries(t *testing.T) {
	const name = "test_corrupt"
	dir := t.TempDir()
	q := openQueue(t, Config{Path: dir, Name: name})
	if err := q.Push([]byte("good-1")); err != nil {
		t.Fatal(err)
	}
	if err := q.Push([]byte("good-2")); err != nil {
		t.Fatal(err)
	}

	// Flip a payload byte of the oldest entry.
	path := q.path(1)
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	raw[len(raw)-1] ^= 0xFF
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}

	got := popAll(t, q)
	if len(got) != 1 || string(got[0]) != "good-2" {
		t.Errorf("entries = %q, want [good-2]", got)
	}
	if v := testutil.ToFloat64(queueDroppedTotal.WithLabelValues(name, reasonCorrupt)); v != 1 {
		t.Errorf("corrupt drops = %v, want 1", v)
	}
}

func TestQueue_RemoveMissingEntry(t *testing.T) {
	q := openQueue(t, Config{Name: "test_remove_missing"})
	if err := q.Remove(42); err != nil {
		t.Errorf("Remove(unknown) = %v, want nil", err)
	}
}

func TestOpen_RequiresPath(t *testing.T) {
	if _, err := Open(Config{}); err == nil {
		t.Error("Open accepted an empty path")
	}
}

func TestEncodeDecode(t *testing.T) {
	data := []byte("resource spans")
	got, err := decode(encode(data))
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("decode(encode()) = %q, %v", got, err)
	}
	if _, err := decode([]byte("short")); err == nil {
		t.Error("decode accepted a truncated entry")
	}
}
