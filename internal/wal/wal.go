package wal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"clobengine/internal/types"
)

var errCorruptFrame = errors.New("wal: frame checksum mismatch")

// Durability controls how aggressively Append forces data to disk
// (spec.md §4.8 durability policy).
type Durability int

const (
	// DurabilityNone never calls fsync; the caller is responsible for
	// periodic Sync calls. Fastest, least durable.
	DurabilityNone Durability = iota
	// DurabilityBatched fsyncs once every cfg.BatchSize appended records.
	DurabilityBatched
	// DurabilityPerRecord fsyncs after every single Append.
	DurabilityPerRecord
)

// Config configures one WAL instance, grounded on the teacher's
// wal.Config/wal/core_wal.go WALConfig split (segment rotation by byte
// size, one active "current.log" file renamed into a sequence-numbered
// segment on rotation).
type Config struct {
	Dir         string
	SegmentSize uint64 // rotate once the active segment exceeds this many bytes
	Durability  Durability
	BatchSize   int // only meaningful for DurabilityBatched
}

func (c Config) withDefaults() Config {
	if c.SegmentSize == 0 {
		c.SegmentSize = 64 << 20
	}
	if c.BatchSize == 0 {
		c.BatchSize = 256
	}
	return c
}

// WAL is one shard's append-only durability log.
type WAL struct {
	cfg        Config
	file       *os.File
	writer     *bufio.Writer
	segmentID  int
	written    uint64
	sinceSync  int
}

// Open opens (creating if absent) the WAL under cfg.Dir, replaying and
// truncating any torn trailing write left by a prior crash (spec.md §4.8:
// "a WAL reader that encounters a bad CRC truncates the log at that
// point and treats everything before it as durable").
func Open(cfg Config) (*WAL, error) {
	cfg = cfg.withDefaults()
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: create dir: %w", err)
	}

	segmentID, err := latestSegmentID(cfg.Dir)
	if err != nil {
		return nil, err
	}

	path := segmentPath(cfg.Dir, segmentID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open segment: %w", err)
	}

	w := &WAL{cfg: cfg, file: f, segmentID: segmentID}
	if err := w.recover(); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return nil, fmt.Errorf("wal: seek end: %w", err)
	}
	w.writer = bufio.NewWriterSize(f, 1<<20)
	return w, nil
}

// recover validates every frame in the active segment and truncates at
// the first corrupt or torn one.
func (w *WAL) recover() error {
	info, err := w.file.Stat()
	if err != nil {
		return fmt.Errorf("wal: stat segment: %w", err)
	}
	if info.Size() == 0 {
		return nil
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	r := bufio.NewReader(w.file)
	var validBytes int64
	for {
		n, err := frameLen(r)
		if err != nil {
			if err == io.EOF {
				break
			}
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, errCorruptFrame) {
				break // torn or corrupt trailing frame: truncate here
			}
			return fmt.Errorf("wal: recover: %w", err)
		}
		validBytes += n
	}
	w.written = uint64(validBytes)
	return w.file.Truncate(validBytes)
}

// frameLen reads one frame from r (for validation only) and returns its
// total on-disk length.
func frameLen(r io.Reader) (int64, error) {
	_, _, payload, err := readFrame(r)
	if err != nil {
		return 0, err
	}
	return int64(frameHeaderSize + len(payload) + frameTrailerSize), nil
}

// Append writes one record, rotating the segment first if it would
// overflow cfg.SegmentSize.
func (w *WAL) Append(rec Record) error {
	payloadAndHeader := frameHeaderSize + len(rec.Payload) + frameTrailerSize
	if w.written+uint64(payloadAndHeader) > w.cfg.SegmentSize && w.written > 0 {
		if err := w.rotate(); err != nil {
			return err
		}
	}
	if err := writeFrame(w.writer, uint64(rec.EngineSeq), rec.Kind, rec.Payload); err != nil {
		return fmt.Errorf("wal: append: %w", err)
	}
	w.written += uint64(payloadAndHeader)

	switch w.cfg.Durability {
	case DurabilityPerRecord:
		return w.Sync()
	case DurabilityBatched:
		w.sinceSync++
		if w.sinceSync >= w.cfg.BatchSize {
			w.sinceSync = 0
			return w.Sync()
		}
	}
	return nil
}

func (w *WAL) rotate() error {
	if err := w.writer.Flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	w.segmentID++
	f, err := os.OpenFile(segmentPath(w.cfg.Dir, w.segmentID), os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("wal: rotate: %w", err)
	}
	w.file = f
	w.writer = bufio.NewWriterSize(f, 1<<20)
	w.written = 0
	return nil
}

// Sync flushes the buffered writer and fsyncs the active segment.
func (w *WAL) Sync() error {
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("wal: flush: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: fsync: %w", err)
	}
	return nil
}

// Close syncs and releases the active segment's file handle.
func (w *WAL) Close() error {
	if err := w.Sync(); err != nil {
		return err
	}
	return w.file.Close()
}

// Iterate replays every record across every segment in order, from
// segment 0 through the active one, invoking fn for each. It stops (and
// returns the sentinel as types.ErrWalCorruption) at the first corrupt
// frame in a non-active segment, since a torn write is only expected on
// the most recent segment; corruption earlier indicates on-disk damage.
func Iterate(dir string, fn func(Record) error) error {
	segments, err := allSegmentIDs(dir)
	if err != nil {
		return err
	}
	for i, id := range segments {
		isActive := i == len(segments)-1
		if err := iterateSegment(segmentPath(dir, id), isActive, fn); err != nil {
			return err
		}
	}
	return nil
}

func iterateSegment(path string, isActive bool, fn func(Record) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("wal: open %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		seq, kind, payload, err := readFrame(r)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			if isActive && (errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, errCorruptFrame)) {
				return nil // torn tail of the active segment; already truncated by recover()
			}
			return fmt.Errorf("%w: %s: %v", types.ErrWalCorruption, path, err)
		}
		if err := fn(Record{EngineSeq: types.EngineSeq(seq), Kind: kind, Payload: payload}); err != nil {
			return err
		}
	}
}

func segmentPath(dir string, id int) string {
	return filepath.Join(dir, fmt.Sprintf("%06d.log", id))
}

func latestSegmentID(dir string) (int, error) {
	ids, err := allSegmentIDs(dir)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	return ids[len(ids)-1], nil
}

func allSegmentIDs(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("wal: list segments: %w", err)
	}
	var ids []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		var id int
		if _, err := fmt.Sscanf(e.Name(), "%06d.log", &id); err == nil {
			ids = append(ids, id)
		}
	}
	sortInts(ids)
	return ids, nil
}

func sortInts(ids []int) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
}
