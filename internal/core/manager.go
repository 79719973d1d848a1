// Package core is the transaction manager. A single dispatch goroutine owns
// the transaction registry, the resource pool and the pending queue; it
// drives the prepare/commit/rollback fan-outs and makes decisions durable in
// the transaction log before they are acted upon.
package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/xatm/internal/clock"
	"pkt.systems/xatm/internal/message"
	"pkt.systems/xatm/internal/pending"
	"pkt.systems/xatm/internal/resource"
	"pkt.systems/xatm/internal/state"
	"pkt.systems/xatm/internal/svcfields"
	"pkt.systems/xatm/internal/tmlog"
)

var (
	// ErrStopped is returned by Submit and Snapshot once Run has returned.
	ErrStopped = errors.New("core: manager stopped")
	// ErrLogFailure wraps append and sync errors of the transaction log. The
	// manager stops when it sees one.
	ErrLogFailure = errors.New("core: transaction log failure")
)

const (
	// DefaultBatchLimit bounds how many inbound messages are handled between
	// two log syncs.
	DefaultBatchLimit = 64
	// DefaultInboundBuffer is the capacity of the inbound channel.
	DefaultInboundBuffer = 1024
)

// RollbackPolicy selects when a rollback reply is sent for a transaction that
// has a record in the log.
type RollbackPolicy uint8

const (
	// ReplyAfterLog holds the reply until the remove record is durable.
	ReplyAfterLog RollbackPolicy = iota
	// ReplyBeforeLog replies as soon as every resource has rolled back.
	ReplyBeforeLog
)

func (p RollbackPolicy) String() string {
	if p == ReplyBeforeLog {
		return "reply-before-log"
	}
	return "reply-after-log"
}

// ParseRollbackPolicy accepts the String form of a policy.
func ParseRollbackPolicy(raw string) (RollbackPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "reply-after-log":
		return ReplyAfterLog, nil
	case "reply-before-log":
		return ReplyBeforeLog, nil
	}
	return 0, fmt.Errorf("core: unknown rollback policy %q", raw)
}

// Sender delivers outbound messages addressed to a process endpoint. Send must
// not block the caller; delivery failures of resource requests come back as
// message.DeliveryFailed.
type Sender interface {
	Send(message.Envelope)
}

// Supervisor starts and stops resource instances.
type Supervisor interface {
	Scale(resource.ScaleAction)
}

// Watcher is told about processes whose exit the manager wants to learn of
// through message.ProcessExit.
type Watcher interface {
	Watch(pid int)
}

// Config configures a Manager.
type Config struct {
	Logger         pslog.Logger
	Clock          clock.Clock
	Log            tmlog.Log
	Resources      []message.ResourceConfig
	Sender         Sender
	Supervisor     Supervisor
	Watcher        Watcher
	BatchLimit     int
	InboundBuffer  int
	RollbackPolicy RollbackPolicy
}

// Manager coordinates transactions. All exported methods are safe for
// concurrent use; the state they reach is only touched by Run.
type Manager struct {
	logger     pslog.Logger
	clock      clock.Clock
	log        tmlog.Log
	sender     Sender
	supervisor Supervisor
	watcher    Watcher
	batchLimit int
	policy     RollbackPolicy
	metrics    *coreMetrics

	inbound chan message.Inbound
	done    chan struct{}
	running atomic.Bool
	ready   atomic.Bool
	errMu   sync.Mutex
	err     error

	// Everything below is owned by the Run goroutine.
	ctx                context.Context
	registry           *state.Registry
	pool               *resource.Pool
	queue              *pending.Queue
	configs            []message.ResourceConfig
	phases             map[string]*phase
	outbox             []message.Envelope
	persistentReplies  []message.Envelope
	persistentRequests []message.Envelope
	unsynced           int
	counters           message.Counters
	fatal              error
	booted             bool
}

// New constructs a Manager. Run must be called to start it.
func New(cfg Config) (*Manager, error) {
	if cfg.Log == nil {
		return nil, errors.New("core: transaction log required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	logger = svcfields.WithSubsystem(logger, svcfields.Core)
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	batchLimit := cfg.BatchLimit
	if batchLimit <= 0 {
		batchLimit = DefaultBatchLimit
	}
	buffer := cfg.InboundBuffer
	if buffer <= 0 {
		buffer = DefaultInboundBuffer
	}
	for _, rc := range cfg.Resources {
		if rc.ID <= 0 {
			return nil, fmt.Errorf("core: resource %q: id must be positive", rc.Key)
		}
	}
	queue := pending.NewQueue()
	return &Manager{
		logger:     logger,
		clock:      clk,
		log:        cfg.Log,
		sender:     cfg.Sender,
		supervisor: cfg.Supervisor,
		watcher:    cfg.Watcher,
		batchLimit: batchLimit,
		policy:     cfg.RollbackPolicy,
		metrics:    newCoreMetrics(logger),
		inbound:    make(chan message.Inbound, buffer),
		done:       make(chan struct{}),
		ctx:        context.Background(),
		registry:   state.NewRegistry(),
		pool:       resource.NewPool(nil, queue),
		queue:      queue,
		configs:    append([]message.ResourceConfig(nil), cfg.Resources...),
		phases:     make(map[string]*phase),
	}, nil
}

// Submit hands msg to the dispatch goroutine. It blocks while the inbound
// buffer is full.
func (m *Manager) Submit(ctx context.Context, msg message.Inbound) error {
	if msg == nil {
		return errors.New("core: nil message")
	}
	select {
	case <-m.done:
		return ErrStopped
	default:
	}
	select {
	case m.inbound <- msg:
		return nil
	case <-m.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the admin read model, produced by the dispatch goroutine.
func (m *Manager) Snapshot(ctx context.Context) (message.State, error) {
	reply := make(chan message.Outbound, 1)
	if err := m.Submit(ctx, message.StateRequest{Reply: reply}); err != nil {
		return message.State{}, err
	}
	select {
	case out := <-reply:
		sr, ok := out.(message.StateReply)
		if !ok {
			return message.State{}, fmt.Errorf("core: unexpected state reply %T", out)
		}
		return sr.State, nil
	case <-m.done:
		return message.State{}, ErrStopped
	case <-ctx.Done():
		return message.State{}, ctx.Err()
	}
}

// Ready reports whether every configured resource has a running instance.
func (m *Manager) Ready() bool {
	return m.ready.Load()
}

// Done is closed when Run returns.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Err returns the error that stopped the manager, if any.
func (m *Manager) Err() error {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	return m.err
}

// Run recovers in-flight transactions from the log and then dispatches
// inbound messages until ctx is cancelled or the log fails.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.New("core: manager already running")
	}
	defer close(m.done)
	m.ctx = ctx
	m.scale(m.pool.Reconcile(m.configs))
	if err := m.recover(ctx); err != nil {
		return m.stop(err)
	}
	m.logger.Info("tm.started",
		"resources", len(m.configs),
		"recovered", m.counters.Recovered,
		"batch_limit", m.batchLimit,
		"rollback_policy", m.policy.String(),
	)
	for {
		m.expire(m.clock.Now())
		if err := m.flush(ctx); err != nil {
			return err
		}
		m.updateReady()
		msg, ok := m.wait(ctx)
		if !ok {
			m.logger.Info("tm.stopped", "transactions", m.registry.Len())
			return nil
		}
		if msg == nil {
			continue
		}
		n := 1
		m.handle(msg)
	batch:
		for n < m.batchLimit && m.fatal == nil {
			select {
			case msg := <-m.inbound:
				m.handle(msg)
				n++
			default:
				break batch
			}
		}
		m.metrics.recordBatch(ctx, n)
	}
}

// wait blocks for the next inbound message or the earliest transaction
// deadline. A nil message with ok set means a deadline passed.
func (m *Manager) wait(ctx context.Context) (message.Inbound, bool) {
	var timeout <-chan time.Time
	if at, ok := m.registry.NextDeadline(); ok {
		timeout = clock.At(m.clock, at)
	}
	select {
	case <-ctx.Done():
		return nil, false
	case msg := <-m.inbound:
		return msg, true
	case <-timeout:
		return nil, true
	}
}

func (m *Manager) stop(err error) error {
	m.errMu.Lock()
	if m.err == nil {
		m.err = err
	}
	m.errMu.Unlock()
	m.ready.Store(false)
	m.logger.Error("tm.fatal", "error", err, "transactions", m.registry.Len())
	return err
}

func (m *Manager) updateReady() {
	booted := m.pool.Booted()
	if booted && !m.booted {
		m.logger.Info("tm.ready", "resources", len(m.pool.Proxies()))
	}
	m.booted = booted
	m.ready.Store(booted)
}

// appendLog stages e in the log. A failure is fatal: the batch is abandoned
// and nothing that depends on the log is sent.
func (m *Manager) appendLog(e tmlog.Entry) bool {
	if m.fatal != nil {
		return false
	}
	e.Timestamp = m.clock.Now()
	if err := m.log.Append(m.ctx, e); err != nil {
		m.fatal = fmt.Errorf("%w: append %s %s: %w", ErrLogFailure, e.Kind, e.GTRID, err)
		return false
	}
	m.unsynced++
	return true
}

// flush sends immediate messages, syncs the log when entries were appended
// and then releases the messages held back until the log was durable.
func (m *Manager) flush(ctx context.Context) error {
	m.deliver(m.outbox)
	m.outbox = m.outbox[:0]
	if m.fatal != nil {
		m.persistentReplies = nil
		m.persistentRequests = nil
		return m.stop(m.fatal)
	}
	if m.unsynced > 0 {
		start := m.clock.Now()
		if err := m.log.Sync(ctx); err != nil {
			m.metrics.recordSync(ctx, m.clock.Now().Sub(start), "error")
			m.persistentReplies = nil
			m.persistentRequests = nil
			return m.stop(fmt.Errorf("%w: sync: %w", ErrLogFailure, err))
		}
		m.metrics.recordSync(ctx, m.clock.Now().Sub(start), "ok")
		m.logger.Trace("tm.log.synced", "entries", m.unsynced)
		m.unsynced = 0
	}
	m.deliver(m.persistentReplies)
	m.deliver(m.persistentRequests)
	m.persistentReplies = m.persistentReplies[:0]
	m.persistentRequests = m.persistentRequests[:0]
	return nil
}

func (m *Manager) deliver(envs []message.Envelope) {
	for _, env := range envs {
		if env.To.Sink != nil {
			select {
			case env.To.Sink <- env.Message:
			default:
				m.logger.Warn("tm.reply.dropped", "type", fmt.Sprintf("%T", env.Message))
			}
			continue
		}
		if env.To.Process.Endpoint == "" || m.sender == nil {
			m.logger.Debug("tm.reply.unroutable", "type", fmt.Sprintf("%T", env.Message), "pid", env.To.Process.PID)
			continue
		}
		m.sender.Send(env)
	}
}

// reply queues a message for the caller behind to. Persistent replies wait
// for the next successful log sync.
func (m *Manager) reply(to message.Target, msg message.Outbound, persistent bool) {
	if to.Sink == nil && to.Process.IsZero() {
		return
	}
	env := message.Envelope{To: to, Message: msg}
	if persistent {
		m.persistentReplies = append(m.persistentReplies, env)
		return
	}
	m.outbox = append(m.outbox, env)
}

func (m *Manager) scale(actions []resource.ScaleAction) {
	for _, action := range actions {
		m.logger.Info("tm.resource.scale",
			"resource", int(action.Resource),
			"key", action.Key,
			"spawn", action.Spawn,
			"stop", len(action.Stop),
		)
		if m.supervisor != nil {
			m.supervisor.Scale(action)
		}
	}
}

func (m *Manager) watch(pid int) {
	if pid > 0 && m.watcher != nil {
		m.watcher.Watch(pid)
	}
}

func (m *Manager) snapshot() message.State {
	st := message.State{
		Ready:              m.pool.Booted(),
		PersistentReplies:  len(m.persistentReplies),
		PersistentRequests: len(m.persistentRequests),
		Counters:           m.counters,
		Pending: message.PendingState{
			Total:      m.queue.Total(),
			ByResource: m.queue.Counts(),
		},
	}
	for _, tx := range m.registry.All() {
		st.Transactions = append(st.Transactions, tx.Snapshot())
	}
	st.Resources, st.Externals = m.pool.Snapshot()
	stats := m.log.Stats()
	st.Log = message.LogState{
		Backend:  stats.Backend,
		Appended: stats.Appended,
		Syncs:    stats.Syncs,
		Removed:  stats.Removed,
		Live:     stats.Live,
		LastSync: stats.LastSync,
	}
	return st
}
