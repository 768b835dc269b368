package journal

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"tradecore/internal/store"
	"tradecore/pkg/exception"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

var _ store.Repository = (*Journal)(nil)

// Journal is an append-only file repository. Records are framed with a CRC
// and written to size- or age-rotated segment files. Append flushes and
// fsyncs before returning, so an acknowledged record survives a crash.
type Journal struct {
	cfg Config
	now func() time.Time

	mu      sync.RWMutex
	seg     *segmentWriter
	lastSeq uint64
	frame   bytes.Buffer
	err     error
	closed  bool
}

type segmentWriter struct {
	file     *os.File
	buf      *bufio.Writer
	size     int64
	openedAt time.Time
}

// Open creates the directory if needed, verifies existing segments and cuts
// a torn tail left by a crash in the middle of an append.
func Open(cfg Config) (*Journal, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create journal dir")
	}

	j := &Journal{cfg: cfg, now: time.Now}
	files, err := j.segments()
	if err != nil {
		return nil, err
	}
	for i, path := range files {
		last, offset, err := scanSegment(path)
		if err != nil {
			if i == len(files)-1 && exception.Is(err, io.ErrUnexpectedEOF) {
				logs.Errorf("journal: truncating torn tail of %s at offset %d", path, offset)
				if err := os.Truncate(path, offset); err != nil {
					return nil, errors.Wrapf(err, "truncate %s", path)
				}
			} else {
				return nil, errors.Wrapf(exception.ErrStoreCorrupted, "segment %s, err: %+v", path, err)
			}
		}
		if last > j.lastSeq {
			j.lastSeq = last
		}
	}
	return j, nil
}

// WithClock swaps the time source used for record timestamps and rotation.
func (j *Journal) WithClock(now func() time.Time) *Journal {
	if now != nil {
		j.now = now
	}
	return j
}

// LastSeq returns the sequence number of the newest durable record.
func (j *Journal) LastSeq() uint64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.lastSeq
}

func (j *Journal) Append(ctx context.Context, r store.Record) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return 0, ErrSegmentAlreadyClosed
	}
	if j.err != nil {
		return 0, errors.Wrapf(exception.ErrStoreNotAcknowledged, "journal failed earlier, err: %+v", j.err)
	}

	now := j.now().UTC()
	if r.At.IsZero() {
		r.At = now
	}
	r.Seq = j.lastSeq + 1

	j.frame.Reset()
	if err := encodeFrame(&j.frame, r); err != nil {
		return 0, err
	}
	if err := j.write(now, j.frame.Bytes(), r.Seq); err != nil {
		j.err = err
		return 0, errors.Wrapf(exception.ErrStoreNotAcknowledged, "append seq %d, err: %+v", r.Seq, err)
	}
	j.lastSeq = r.Seq
	return r.Seq, nil
}

func (j *Journal) write(now time.Time, frame []byte, seq uint64) error {
	if j.shouldRotate(now, int64(len(frame))) {
		if err := closeSegment(j.seg); err != nil {
			return err
		}
		j.seg = nil
		seg, err := j.openSegment(now, seq)
		if err != nil {
			return err
		}
		j.seg = seg
	}

	if _, err := j.seg.buf.Write(frame); err != nil {
		return err
	}
	if err := j.seg.buf.Flush(); err != nil {
		return err
	}
	if !j.cfg.NoSync {
		if err := j.seg.file.Sync(); err != nil {
			return err
		}
	}
	j.seg.size += int64(len(frame))
	return nil
}

func (j *Journal) Query(ctx context.Context, c store.Criteria) ([]store.Record, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	files, err := j.segments()
	if err != nil {
		return nil, err
	}
	result := make([]store.Record, 0)
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		done, err := readSegment(path, func(r store.Record) bool {
			if !c.Match(r) {
				return true
			}
			result = append(result, r)
			return c.Limit <= 0 || len(result) < c.Limit
		})
		if err != nil {
			return nil, err
		}
		if done {
			break
		}
	}
	return result, nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	err := closeSegment(j.seg)
	j.seg = nil
	return err
}

func (j *Journal) shouldRotate(now time.Time, nextSize int64) bool {
	if j.seg == nil {
		return true
	}
	if j.cfg.SegmentMaxBytes > 0 && j.seg.size+nextSize > j.cfg.SegmentMaxBytes && j.seg.size > 0 {
		return true
	}
	if j.cfg.SegmentMaxDuration > 0 && now.Sub(j.seg.openedAt) >= j.cfg.SegmentMaxDuration {
		return true
	}
	return false
}

func (j *Journal) openSegment(now time.Time, firstSeq uint64) (*segmentWriter, error) {
	name := fmt.Sprintf("%s-%020d.wal", j.cfg.FilePrefix, firstSeq)
	path := filepath.Join(j.cfg.Dir, name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open segment %s", name)
	}
	return &segmentWriter{
		file:     file,
		buf:      bufio.NewWriterSize(file, j.cfg.BufferSize),
		openedAt: now,
	}, nil
}

func (j *Journal) segments() ([]string, error) {
	entries, err := os.ReadDir(j.cfg.Dir)
	if err != nil {
		return nil, errors.Wrap(err, "read journal dir")
	}
	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, j.cfg.FilePrefix+"-") || !strings.HasSuffix(name, ".wal") {
			continue
		}
		files = append(files, filepath.Join(j.cfg.Dir, name))
	}
	sort.Strings(files)
	return files, nil
}

func closeSegment(seg *segmentWriter) error {
	if seg == nil {
		return nil
	}
	if err := seg.buf.Flush(); err != nil {
		_ = seg.file.Close()
		return err
	}
	if err := seg.file.Sync(); err != nil {
		_ = seg.file.Close()
		return err
	}
	return seg.file.Close()
}

// scanSegment returns the last sequence in path and the offset of the end of
// its last complete frame.
func scanSegment(path string) (uint64, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer file.Close()

	var last uint64
	r := NewReader(file)
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return last, r.Offset(), nil
		}
		if err != nil {
			return last, r.Offset(), err
		}
		last = rec.Seq
	}
}

// readSegment feeds every record of path to fn until fn returns false. A torn
// tail ends the segment silently.
func readSegment(path string, fn func(store.Record) bool) (bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer file.Close()

	r := NewReader(file)
	for {
		rec, err := r.Next()
		if err == io.EOF || exception.Is(err, io.ErrUnexpectedEOF) {
			return false, nil
		}
		if err != nil {
			return false, errors.Wrapf(exception.ErrStoreCorrupted, "segment %s, err: %+v", path, err)
		}
		if !fn(rec) {
			return true, nil
		}
	}
}
