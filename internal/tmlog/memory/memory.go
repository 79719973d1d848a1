// Package memory is an in-process transaction log. Entries survive Reopen
// once synced, which lets tests simulate a crash between Append and Sync.
package memory

import (
	"context"
	"sync"
	"time"

	"pkt.systems/xatm/internal/tmlog"
)

// Log keeps durable and staged entries in memory.
type Log struct {
	mu      sync.Mutex
	durable *[]tmlog.Entry
	staged  []tmlog.Entry
	live    *tmlog.LiveSet
	stats   tmlog.Stats
	closed  bool
	now     func() time.Time

	appendErr error
	syncErr   error
}

// New returns an empty log.
func New() *Log {
	return &Log{
		durable: new([]tmlog.Entry),
		live:    tmlog.NewLiveSet(),
		stats:   tmlog.Stats{Backend: "mem"},
		now:     time.Now,
	}
}

// Reopen returns a new log sharing only the synced entries of l.
func (l *Log) Reopen() *Log {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := New()
	out.durable = l.durable
	for _, e := range *l.durable {
		out.live.Apply(e)
	}
	out.stats.Live = int64(out.live.Len())
	return out
}

// FailAppend makes every Append return err until cleared with nil.
func (l *Log) FailAppend(err error) {
	l.mu.Lock()
	l.appendErr = err
	l.mu.Unlock()
}

// FailSync makes every Sync return err until cleared with nil.
func (l *Log) FailSync(err error) {
	l.mu.Lock()
	l.syncErr = err
	l.mu.Unlock()
}

// Append stages e.
func (l *Log) Append(_ context.Context, e tmlog.Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return tmlog.ErrClosed
	}
	if l.appendErr != nil {
		return l.appendErr
	}
	l.staged = append(l.staged, e)
	l.stats.Appended++
	if l.live.Apply(e) {
		l.stats.Removed++
	}
	l.stats.Live = int64(l.live.Len())
	return nil
}

// Sync makes staged entries durable.
func (l *Log) Sync(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return tmlog.ErrClosed
	}
	if l.syncErr != nil {
		return l.syncErr
	}
	*l.durable = append(*l.durable, l.staged...)
	l.staged = nil
	l.stats.Syncs++
	l.stats.LastSync = l.now()
	return nil
}

// Replay returns the live set of the durable entries.
func (l *Log) Replay(context.Context) ([]tmlog.Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, tmlog.ErrClosed
	}
	return tmlog.Fold(*l.durable), nil
}

// Entries returns every durable entry in append order.
func (l *Log) Entries() []tmlog.Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]tmlog.Entry(nil), *l.durable...)
}

// Stats implements tmlog.Log.
func (l *Log) Stats() tmlog.Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// Close discards staged entries.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.staged = nil
	return nil
}
