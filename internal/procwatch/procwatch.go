// Package procwatch reports the exit of processes the transaction manager
// depends on: resource instances, external resources and transaction owners.
package procwatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"pkt.systems/pslog"

	"pkt.systems/xatm/internal/message"
	"pkt.systems/xatm/internal/svcfields"
)

// DefaultInterval is the polling interval when Config.Interval is unset.
const DefaultInterval = 500 * time.Millisecond

// Submitter receives message.ProcessExit.
type Submitter interface {
	Submit(ctx context.Context, msg message.Inbound) error
}

// Probe reports whether pid is alive and when it was created (milliseconds
// since the epoch). The creation time tells a recycled pid apart.
type Probe func(ctx context.Context, pid int) (alive bool, created int64, err error)

// Config configures New.
type Config struct {
	Logger   pslog.Logger
	Interval time.Duration
	Probe    Probe
}

// Watcher polls watched pids. Watch is safe to call from any goroutine and
// never blocks on the operating system.
type Watcher struct {
	logger   pslog.Logger
	interval time.Duration
	probe    Probe

	mu      sync.Mutex
	watched map[int]int64
}

// New constructs a Watcher backed by gopsutil unless cfg.Probe is set.
func New(cfg Config) *Watcher {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	probe := cfg.Probe
	if probe == nil {
		probe = SystemProbe
	}
	return &Watcher{
		logger:   svcfields.WithSubsystem(logger, svcfields.ProcWatch),
		interval: interval,
		probe:    probe,
		watched:  make(map[int]int64),
	}
}

// Watch adds pid to the watch set. Non-positive pids and pids already watched
// are ignored.
func (w *Watcher) Watch(pid int) {
	if pid <= 0 {
		return
	}
	w.mu.Lock()
	if _, ok := w.watched[pid]; !ok {
		w.watched[pid] = 0
	}
	w.mu.Unlock()
}

// Len returns the number of watched pids.
func (w *Watcher) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.watched)
}

// Run polls until ctx is cancelled and submits a ProcessExit for every
// watched pid that is gone. An exited pid is dropped from the watch set.
func (w *Watcher) Run(ctx context.Context, sub Submitter) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		for _, pid := range w.poll(ctx) {
			w.logger.Info("procwatch.exited", "pid", pid)
			if err := sub.Submit(ctx, message.ProcessExit{PID: pid}); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

// poll probes every watched pid once and returns the ones that exited.
func (w *Watcher) poll(ctx context.Context) []int {
	w.mu.Lock()
	snapshot := make(map[int]int64, len(w.watched))
	for pid, created := range w.watched {
		snapshot[pid] = created
	}
	w.mu.Unlock()

	var exited []int
	for pid, known := range snapshot {
		alive, created, err := w.probe(ctx, pid)
		if err != nil {
			w.logger.Debug("procwatch.probe_failed", "pid", pid, "error", err)
			continue
		}
		w.mu.Lock()
		switch {
		case !alive, known != 0 && created != 0 && created != known:
			delete(w.watched, pid)
			exited = append(exited, pid)
		case known == 0 && created != 0:
			if _, ok := w.watched[pid]; ok {
				w.watched[pid] = created
			}
		}
		w.mu.Unlock()
	}
	return exited
}

// SystemProbe inspects the local process table.
func SystemProbe(ctx context.Context, pid int) (bool, int64, error) {
	alive, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil || !alive {
		return false, 0, err
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return false, 0, nil
		}
		return false, 0, err
	}
	created, err := p.CreateTimeWithContext(ctx)
	if err != nil {
		// Still alive; the creation time is only used to spot recycled pids.
		return true, 0, nil
	}
	return true, created, nil
}
