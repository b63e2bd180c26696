// Package queue is a persistent FIFO of opaque payloads, used to keep
// export batches that failed with a retryable error until they can be sent.
//
// Every entry is one file in the queue directory. Files are written to a
// temporary name and renamed into place, so a crash never leaves a partial
// entry behind. Payloads are snappy-compressed and checksummed; entries that
// fail the checksum on read are discarded.
package queue

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/s2"
	"github.com/szibis/telemetry-forwarder/internal/logging"
)

const (
	entryExt = ".blk"
	tmpExt   = ".tmp"

	// header is magic (4) + CRC-32C of the compressed payload (4).
	headerSize = 8

	defaultMaxEntries = 10000
	defaultMaxBytes   = 1 << 30
)

var (
	// ErrClosed is returned by operations on a closed queue.
	ErrClosed = errors.New("queue is closed")
	// ErrTooLarge is returned when a single payload exceeds MaxBytes.
	ErrTooLarge = errors.New("payload exceeds queue byte limit")

	magic      = [4]byte{'T', 'F', 'Q', '1'}
	crc32Table = crc32.MakeTable(crc32.Castagnoli)
)

// Config holds the queue configuration.
type Config struct {
	// Path is the directory holding the entry files. Created if missing.
	Path string
	// Name labels the queue in logs and metrics (e.g. "traces").
	Name string
	// MaxEntries bounds the number of queued payloads (default 10000).
	MaxEntries int
	// MaxBytes bounds the on-disk size of the queue (default 1GiB).
	MaxBytes int64
}

// Entry is one queued payload.
type Entry struct {
	ID   uint64
	Data []byte
}

// Queue is a persistent FIFO. When full, the oldest entries are dropped to
// make room. It is safe for concurrent use.
type Queue struct {
	cfg     Config
	metrics *queueMetrics
	corrupt *logging.OperationLogger

	mu     sync.Mutex
	ids    []uint64 // oldest first
	sizes  map[uint64]int64
	bytes  int64
	next   uint64
	closed bool
}

// Open opens the queue in cfg.Path, picking up entries left by a previous run.
func Open(cfg Config) (*Queue, error) {
	if cfg.Path == "" {
		return nil, errors.New("queue: empty path")
	}
	if cfg.Name == "" {
		cfg.Name = filepath.Base(cfg.Path)
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultMaxEntries
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, fmt.Errorf("queue: create directory: %w", err)
	}

	q := &Queue{
		cfg:     cfg,
		metrics: newQueueMetrics(cfg.Name),
		corrupt: logging.NewOperationLogger("reading "+cfg.Name+" retry queue", 0),
		sizes:   make(map[uint64]int64),
		next:    1,
	}
	if err := q.recover(); err != nil {
		return nil, err
	}
	q.updateMetrics()

	if len(q.ids) > 0 {
		logging.Info("retry queue recovered", logging.F(
			"queue", cfg.Name,
			"entries", len(q.ids),
			"bytes", q.bytes,
		))
	}
	return q, nil
}

// recover indexes existing entry files and removes leftover temporary files.
func (q *Queue) recover() error {
	dirEntries, err := os.ReadDir(q.cfg.Path)
	if err != nil {
		return fmt.Errorf("queue: read directory: %w", err)
	}
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() {
			continue
		}
		if strings.HasSuffix(name, tmpExt) {
			_ = os.Remove(filepath.Join(q.cfg.Path, name))
			continue
		}
		if !strings.HasSuffix(name, entryExt) {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimSuffix(name, entryExt), 10, 64)
		if err != nil {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		q.ids = append(q.ids, id)
		q.sizes[id] = info.Size()
		q.bytes += info.Size()
		if id >= q.next {
			q.next = id + 1
		}
	}
	sort.Slice(q.ids, func(i, j int) bool { return q.ids[i] < q.ids[j] })
	return nil
}

// Push appends data. Oldest entries are dropped while the queue is over
// its limits.
func (q *Queue) Push(data []byte) error {
	encoded := encode(data)
	size := int64(len(encoded))
	if size > q.cfg.MaxBytes {
		q.metrics.dropped(reasonTooLarge)
		return ErrTooLarge
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}

	for len(q.ids) > 0 && (len(q.ids) >= q.cfg.MaxEntries || q.bytes+size > q.cfg.MaxBytes) {
		q.removeLocked(q.ids[0])
		q.metrics.dropped(reasonFull)
	}

	id := q.next
	if err := writeFile(q.path(id), encoded); err != nil {
		q.metrics.writeErrors.Inc()
		return fmt.Errorf("queue: write entry: %w", err)
	}
	q.next++
	q.ids = append(q.ids, id)
	q.sizes[id] = size
	q.bytes += size
	q.metrics.pushed.Inc()
	q.updateMetrics()
	return nil
}

// Peek returns the oldest entry without removing it, or nil when the queue
// is empty. Unreadable entries are discarded on the way.
func (q *Queue) Peek() (*Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}

	for len(q.ids) > 0 {
		id := q.ids[0]
		raw, err := os.ReadFile(q.path(id))
		if err == nil {
			var data []byte
			if data, err = decode(raw); err == nil {
				q.corrupt.RecordSuccess()
				return &Entry{ID: id, Data: data}, nil
			}
		}
		q.corrupt.RecordFailure("discarding unreadable retry queue entry", logging.F(
			"queue", q.cfg.Name,
			"entry", id,
			"error", err.Error(),
		))
		q.removeLocked(id)
		q.metrics.dropped(reasonCorrupt)
	}
	q.updateMetrics()
	return nil, nil
}

// Remove deletes the entry with id. Removing an entry that is already gone
// (for example dropped to make room) is not an error.
func (q *Queue) Remove(id uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.removeLocked(id)
	q.updateMetrics()
	return nil
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids)
}

// Size returns the on-disk size of the queue in bytes.
func (q *Queue) Size() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

// Close stops accepting operations. Queued entries stay on disk.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

func (q *Queue) removeLocked(id uint64) {
	idx := -1
	for i, v := range q.ids {
		if v == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	q.ids = append(q.ids[:idx], q.ids[idx+1:]...)
	q.bytes -= q.sizes[id]
	delete(q.sizes, id)
	if err := os.Remove(q.path(id)); err != nil && !os.IsNotExist(err) {
		logging.Warn("failed to delete retry queue entry", logging.F(
			"queue", q.cfg.Name,
			"entry", id,
			"error", err.Error(),
		))
	}
}

func (q *Queue) path(id uint64) string {
	return filepath.Join(q.cfg.Path, fmt.Sprintf("%020d%s", id, entryExt))
}

func (q *Queue) updateMetrics() {
	q.metrics.entries.Set(float64(len(q.ids)))
	q.metrics.bytes.Set(float64(q.bytes))
}

func encode(data []byte) []byte {
	compressed := s2.EncodeSnappy(nil, data)
	out := make([]byte, headerSize+len(compressed))
	copy(out, magic[:])
	binary.LittleEndian.PutUint32(out[4:], crc32.Checksum(compressed, crc32Table))
	copy(out[headerSize:], compressed)
	return out
}

func decode(raw []byte) ([]byte, error) {
	if len(raw) < headerSize || [4]byte(raw[:4]) != magic {
		return nil, errors.New("bad entry header")
	}
	compressed := raw[headerSize:]
	if crc32.Checksum(compressed, crc32Table) != binary.LittleEndian.Uint32(raw[4:]) {
		return nil, errors.New("checksum mismatch")
	}
	data, err := s2.Decode(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("decompress entry: %w", err)
	}
	return data, nil
}

// writeFile writes data to a temporary file, syncs it and renames it to path.
func writeFile(path string, data []byte) error {
	tmp := strings.TrimSuffix(path, entryExt) + tmpExt
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
