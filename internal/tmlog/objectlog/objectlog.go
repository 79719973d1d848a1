// Package objectlog implements tmlog.Log on top of an object store. Every
// live transaction is one object holding its latest entry; Sync writes the
// net effect of the staged entries and a remove deletes the object.
package objectlog

import (
	"context"
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/xatm/internal/tmlog"
)

const objectSuffix = ".json"

// Store is the minimal object API the log needs. Get and Delete return an
// error matching tmlog.ErrNotFound for missing keys.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// Options configures the log.
type Options struct {
	// Backend names the store in Stats, e.g. "s3" or "azure".
	Backend string
	// Prefix is prepended to every object key.
	Prefix string
	Logger pslog.Logger
	Now    func() time.Time
}

// Log is an object store backed tmlog.Log.
type Log struct {
	mu     sync.Mutex
	store  Store
	prefix string
	logger pslog.Logger
	now    func() time.Time

	staged []tmlog.Entry
	live   *tmlog.LiveSet
	stats  tmlog.Stats
	closed bool
}

// New returns a log writing through store.
func New(store Store, opts Options) (*Log, error) {
	if store == nil {
		return nil, errors.New("objectlog: store required")
	}
	if opts.Logger == nil {
		opts.Logger = pslog.NoopLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	backend := opts.Backend
	if backend == "" {
		backend = "object"
	}
	return &Log{
		store:  store,
		prefix: strings.Trim(opts.Prefix, "/"),
		logger: opts.Logger,
		now:    opts.Now,
		live:   tmlog.NewLiveSet(),
		stats:  tmlog.Stats{Backend: backend},
	}, nil
}

// Append stages e until the next Sync.
func (l *Log) Append(_ context.Context, e tmlog.Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}
	if err := e.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return tmlog.ErrClosed
	}
	l.staged = append(l.staged, e)
	l.stats.Appended++
	if l.live.Apply(e) {
		l.stats.Removed++
	}
	l.stats.Live = int64(l.live.Len())
	return nil
}

// Sync writes the staged entries. Only the last staged entry of each
// transaction reaches the store. Staged entries are kept when a write fails so
// the next Sync retries them.
func (l *Log) Sync(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return tmlog.ErrClosed
	}
	last := make(map[string]tmlog.Entry, len(l.staged))
	var order []string
	for _, e := range l.staged {
		if _, ok := last[e.GTRID]; !ok {
			order = append(order, e.GTRID)
		}
		prev, ok := last[e.GTRID]
		if ok && prev.Kind == tmlog.KindCommit && e.Kind == tmlog.KindPrepare {
			continue
		}
		last[e.GTRID] = e
	}
	for _, gtrid := range order {
		e := last[gtrid]
		key := l.key(gtrid)
		if e.Kind == tmlog.KindRemove {
			if err := l.store.Delete(ctx, key); err != nil && !errors.Is(err, tmlog.ErrNotFound) {
				return fmt.Errorf("objectlog: delete %s: %w", key, err)
			}
			continue
		}
		data, err := tmlog.Encode(e)
		if err != nil {
			return err
		}
		if err := l.store.Put(ctx, key, data); err != nil {
			return fmt.Errorf("objectlog: put %s: %w", key, err)
		}
	}
	l.staged = l.staged[:0]
	l.stats.Syncs++
	l.stats.LastSync = l.now()
	return nil
}

// Replay lists and decodes every transaction object. Objects that fail to
// decode are skipped and logged.
func (l *Log) Replay(ctx context.Context) ([]tmlog.Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, tmlog.ErrClosed
	}
	keys, err := l.store.List(ctx, l.listPrefix())
	if err != nil {
		return nil, fmt.Errorf("objectlog: list: %w", err)
	}
	slices.Sort(keys)
	var entries []tmlog.Entry
	for _, key := range keys {
		if !strings.HasSuffix(key, objectSuffix) {
			continue
		}
		data, err := l.store.Get(ctx, key)
		if err != nil {
			if errors.Is(err, tmlog.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("objectlog: get %s: %w", key, err)
		}
		e, err := tmlog.Decode(data)
		if err != nil {
			l.logger.Warn("tmlog.object.decode_failed", "key", key, "error", err)
			continue
		}
		entries = append(entries, e)
	}
	// order by the time each transaction started so replay is deterministic
	slices.SortStableFunc(entries, func(a, b tmlog.Entry) int { return a.Started.Compare(b.Started) })
	l.live = tmlog.NewLiveSet()
	for _, e := range entries {
		l.live.Apply(e)
	}
	l.stats.Live = int64(l.live.Len())
	return entries, nil
}

// Stats implements tmlog.Log.
func (l *Log) Stats() tmlog.Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// Close drops staged entries and closes the store when it has a Close method.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed && len(l.staged) > 0 {
		l.logger.Warn("tmlog.object.close_unsynced", "entries", len(l.staged))
	}
	l.closed = true
	l.staged = nil
	if closer, ok := l.store.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func (l *Log) listPrefix() string {
	if l.prefix == "" {
		return "tx/"
	}
	return l.prefix + "/tx/"
}

// key maps a gtrid ("format:hex") to an object key.
func (l *Log) key(gtrid string) string {
	name := strings.ReplaceAll(gtrid, ":", "-") + objectSuffix
	if l.prefix == "" {
		return path.Join("tx", name)
	}
	return path.Join(l.prefix, "tx", name)
}
