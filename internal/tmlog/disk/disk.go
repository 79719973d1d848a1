// Package disk is a segmented append-only transaction log on the local
// filesystem.
//
// Each segment is a sequence of records: a 24 byte header (magic, version,
// kind, body length, CRC32C of the body, timestamp) followed by the JSON
// encoded entry. Sync flushes and fdatasyncs the active segment. Once the
// active segment grows past the segment size the live set is checkpointed
// into a fresh segment and older segments are deleted.
package disk

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/xatm/internal/tmlog"
)

// DefaultSegmentSize is the size at which the active segment is rolled.
const DefaultSegmentSize int64 = 64 << 20

const (
	lockName      = "LOCK"
	segmentPrefix = "seg-"
	segmentSuffix = ".log"
)

// ErrLocked is returned by Open when another process holds the directory.
var ErrLocked = errors.New("disk: log directory locked by another process")

// Options tunes the disk log.
type Options struct {
	SegmentSize int64
	Logger      pslog.Logger
	Now         func() time.Time
}

// Log is a tmlog.Log backed by segment files in one directory.
type Log struct {
	mu sync.Mutex

	dir    string
	opts   Options
	logger pslog.Logger

	lock       *os.File
	segments   []int
	active     *os.File
	writer     *bufio.Writer
	activeSize int64
	dirty      bool

	live   *tmlog.LiveSet
	stats  tmlog.Stats
	closed bool
}

// Open locks dir, replays existing segments and continues appending to the
// newest one. A torn record at the end of the newest segment is truncated;
// corruption in any older segment fails the open.
func Open(dir string, opts Options) (*Log, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("disk: directory required")
	}
	if opts.SegmentSize <= 0 {
		opts.SegmentSize = DefaultSegmentSize
	}
	if opts.Logger == nil {
		opts.Logger = pslog.NoopLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("disk: create dir: %w", err)
	}
	lock, err := os.OpenFile(filepath.Join(dir, lockName), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("disk: open lock: %w", err)
	}
	if err := lockFile(lock); err != nil {
		lock.Close()
		return nil, err
	}
	l := &Log{
		dir:    dir,
		opts:   opts,
		logger: opts.Logger,
		lock:   lock,
		live:   tmlog.NewLiveSet(),
		stats:  tmlog.Stats{Backend: "disk"},
	}
	if err := l.load(); err != nil {
		l.releaseLock()
		return nil, err
	}
	active := 1
	if len(l.segments) > 0 {
		active = l.segments[len(l.segments)-1]
	}
	if err := l.openSegment(active); err != nil {
		l.releaseLock()
		return nil, err
	}
	l.stats.Live = int64(l.live.Len())
	return l, nil
}

// Dir returns the log directory.
func (l *Log) Dir() string {
	return l.dir
}

func (l *Log) load() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("disk: scan segments: %w", err)
	}
	for _, entry := range entries {
		if seq, ok := parseSegmentName(entry.Name()); ok && !entry.IsDir() {
			l.segments = append(l.segments, seq)
		}
	}
	slices.Sort(l.segments)
	for i, seq := range l.segments {
		last := i == len(l.segments)-1
		if err := l.readSegment(seq, last); err != nil {
			return err
		}
	}
	return nil
}

func (l *Log) readSegment(seq int, last bool) error {
	path := l.segmentPath(seq)
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("disk: open segment: %w", err)
	}
	defer file.Close()
	reader := bufio.NewReader(file)
	var offset int64
	for {
		e, n, err := readRecord(reader)
		if err == nil {
			l.live.Apply(e)
			offset += n
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if !errors.Is(err, errTornRecord) {
			return fmt.Errorf("disk: read segment %s: %w", filepath.Base(path), err)
		}
		if !last {
			return fmt.Errorf("disk: corrupt segment %s at offset %d: %w", filepath.Base(path), offset, err)
		}
		l.logger.Warn("tmlog.disk.torn_tail", "segment", filepath.Base(path), "offset", offset, "error", err)
		if err := os.Truncate(path, offset); err != nil {
			return fmt.Errorf("disk: truncate torn tail: %w", err)
		}
		return nil
	}
}

func (l *Log) openSegment(seq int) error {
	path := l.segmentPath(seq)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("disk: open segment: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("disk: stat segment: %w", err)
	}
	l.active = file
	l.writer = bufio.NewWriterSize(file, 64<<10)
	l.activeSize = info.Size()
	if !slices.Contains(l.segments, seq) {
		l.segments = append(l.segments, seq)
	}
	return nil
}

// Append buffers e in the active segment.
func (l *Log) Append(_ context.Context, e tmlog.Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = l.opts.Now().UTC()
	}
	record, err := encodeRecord(e)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return tmlog.ErrClosed
	}
	if _, err := l.writer.Write(record); err != nil {
		return fmt.Errorf("disk: append: %w", err)
	}
	l.activeSize += int64(len(record))
	l.dirty = true
	l.stats.Appended++
	if l.live.Apply(e) {
		l.stats.Removed++
	}
	l.stats.Live = int64(l.live.Len())
	return nil
}

// Sync flushes buffered records and fdatasyncs the active segment, then rolls
// the segment when it has outgrown the segment size.
func (l *Log) Sync(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return tmlog.ErrClosed
	}
	if l.dirty {
		if err := l.flushLocked(); err != nil {
			return err
		}
	}
	l.stats.Syncs++
	l.stats.LastSync = l.opts.Now()
	if l.activeSize >= l.opts.SegmentSize {
		if err := l.rollLocked(); err != nil {
			l.logger.Warn("tmlog.disk.roll_failed", "error", err)
		}
	}
	return nil
}

func (l *Log) flushLocked() error {
	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("disk: flush: %w", err)
	}
	if err := syncFile(l.active); err != nil {
		return fmt.Errorf("disk: fdatasync: %w", err)
	}
	l.dirty = false
	return nil
}

// rollLocked writes the live set into a new segment and deletes every older
// segment once the checkpoint is durable.
func (l *Log) rollLocked() error {
	old := slices.Clone(l.segments)
	if err := l.active.Close(); err != nil {
		return fmt.Errorf("disk: close segment: %w", err)
	}
	if err := l.openSegment(old[len(old)-1] + 1); err != nil {
		return err
	}
	for _, e := range l.live.Entries() {
		record, err := encodeRecord(e)
		if err != nil {
			return err
		}
		if _, err := l.writer.Write(record); err != nil {
			return fmt.Errorf("disk: checkpoint: %w", err)
		}
		l.activeSize += int64(len(record))
	}
	if err := l.flushLocked(); err != nil {
		return err
	}
	for _, seq := range old {
		if err := os.Remove(l.segmentPath(seq)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("disk: remove segment: %w", err)
		}
	}
	l.segments = slices.DeleteFunc(l.segments, func(seq int) bool { return slices.Contains(old, seq) })
	l.syncDir()
	l.logger.Debug("tmlog.disk.rolled", "segments_removed", len(old), "live", l.live.Len())
	return nil
}

func (l *Log) syncDir() {
	dir, err := os.Open(l.dir)
	if err != nil {
		return
	}
	defer dir.Close()
	if err := dir.Sync(); err != nil {
		l.logger.Debug("tmlog.disk.dir_sync_failed", "error", err)
	}
}

// Replay returns the live set read at Open plus anything appended since.
func (l *Log) Replay(context.Context) ([]tmlog.Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, tmlog.ErrClosed
	}
	return l.live.Entries(), nil
}

// Stats implements tmlog.Log.
func (l *Log) Stats() tmlog.Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// Segments returns the segment file names currently on disk.
func (l *Log) Segments() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.segments))
	for _, seq := range l.segments {
		out = append(out, segmentName(seq))
	}
	return out
}

// Close flushes pending records and releases the directory lock.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	var errs []error
	if l.dirty {
		errs = append(errs, l.flushLocked())
	}
	if l.active != nil {
		errs = append(errs, l.active.Close())
	}
	errs = append(errs, l.releaseLock())
	return errors.Join(errs...)
}

func (l *Log) releaseLock() error {
	if l.lock == nil {
		return nil
	}
	err := errors.Join(unlockFile(l.lock), l.lock.Close())
	l.lock = nil
	return err
}

func (l *Log) segmentPath(seq int) string {
	return filepath.Join(l.dir, segmentName(seq))
}

func segmentName(seq int) string {
	return fmt.Sprintf("%s%08d%s", segmentPrefix, seq, segmentSuffix)
}

func parseSegmentName(name string) (int, bool) {
	if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
		return 0, false
	}
	seq, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix))
	if err != nil || seq <= 0 {
		return 0, false
	}
	return seq, true
}
