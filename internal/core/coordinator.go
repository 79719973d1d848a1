package core

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/xid"

	"pkt.systems/xatm/internal/message"
	"pkt.systems/xatm/internal/pending"
	"pkt.systems/xatm/internal/resource"
	"pkt.systems/xatm/internal/state"
	"pkt.systems/xatm/internal/svcfields"
	"pkt.systems/xatm/internal/tmlog"
	"pkt.systems/xatm/internal/xa"
)

type branchKey struct {
	trid string
	rm   xa.RMID
}

// phase is one prepare, commit or rollback fan-out of a transaction. When the
// outstanding set empties the continuation runs. A transaction has at most
// one phase at a time.
type phase struct {
	kind        message.Kind
	flags       xa.Flags
	started     time.Time
	outstanding map[branchKey]xa.XID
	failed      bool
	done        bool
	then        func(*state.Transaction, *phase)
}

// fanout sends a kind request for every branch resource of tx.
func (m *Manager) fanout(tx *state.Transaction, kind message.Kind, flags xa.Flags, then func(*state.Transaction, *phase)) {
	ph := &phase{
		kind:        kind,
		flags:       flags,
		started:     m.clock.Now(),
		outstanding: make(map[branchKey]xa.XID),
		then:        then,
	}
	m.phases[tx.GTRID] = ph
	type target struct {
		trid xa.XID
		rm   xa.RMID
	}
	var targets []target
	tx.BranchResources(func(b *state.Branch, r *state.BranchResource) {
		targets = append(targets, target{trid: b.TRID, rm: r.ID})
		ph.outstanding[branchKey{trid: b.TRID.String(), rm: r.ID}] = b.TRID
	})
	for _, t := range targets {
		req := message.ResourceRequest{
			Kind:        kind,
			Correlation: xid.New().String(),
			TRID:        t.trid,
			Resource:    t.rm,
			Flags:       flags,
		}
		if code, ok := m.dispatch(req); !ok {
			m.logger.Warn("tm.request.unroutable", "gtrid", tx.GTRID, "kind", kind.String(), "resource", int(t.rm))
			m.metrics.recordFailure(m.ctx, kind, "unroutable")
			m.settle(t.trid, t.rm, kind, code)
		}
	}
	m.settled(tx, ph)
}

// dispatch reserves an instance for req or defers it. External resources are
// addressed directly. It reports false with a failure code when the resource
// cannot be reached at all.
func (m *Manager) dispatch(req message.ResourceRequest) (xa.Code, bool) {
	if req.Resource.Remote() {
		ext, ok := m.pool.ExternalByID(req.Resource)
		if !ok {
			return xa.ERRMFAIL, false
		}
		m.request(ext.Process, req)
		m.metrics.recordRequest(m.ctx, req.Kind, false)
		return xa.OK, true
	}
	if _, ok := m.pool.Proxy(req.Resource); !ok {
		return xa.ERRMERR, false
	}
	now := m.clock.Now()
	assignment := resource.Assignment{
		Correlation: req.Correlation,
		TRID:        req.TRID,
		Resource:    req.Resource,
		Kind:        req.Kind,
		Flags:       req.Flags,
	}
	if inst, ok := m.pool.TryReserve(req.Resource, assignment, now); ok {
		m.request(inst.Process, req)
		m.metrics.recordRequest(m.ctx, req.Kind, false)
		return xa.OK, true
	}
	m.pool.Defer(pending.Request{Resource: req.Resource, Created: now, Payload: req})
	m.metrics.recordRequest(m.ctx, req.Kind, true)
	m.logger.Trace("tm.request.deferred", "gtrid", req.TRID.Global(), "kind", req.Kind.String(), "resource", int(req.Resource), "pending", m.queue.Len(req.Resource))
	return xa.OK, true
}

// request queues req for to. Resource requests always wait for the log sync
// of the batch they were produced in.
func (m *Manager) request(to message.Process, req message.ResourceRequest) {
	m.persistentRequests = append(m.persistentRequests, message.Envelope{
		To:      message.Target{Process: to},
		Message: req,
	})
}

func (m *Manager) handleResourceReply(msg message.ResourceReply) {
	if msg.Resource.Local() {
		inst := m.pool.Assigned(msg.Resource, msg.Correlation)
		if inst == nil && m.outstanding(msg.TRID, msg.Resource, msg.Kind) {
			// replies without a known correlation are matched on the request
			inst = m.pool.AssignedFor(msg.Resource, msg.TRID, msg.Kind, msg.Process)
		}
		if inst == nil {
			m.logger.Debug("tm.reply.unassigned", "resource", int(msg.Resource), "correlation", msg.Correlation)
		} else if next, ok := m.pool.Unreserve(inst, msg.Statistics, m.clock.Now()); ok {
			m.request(inst.Process, next.Payload)
		}
	}
	m.settle(msg.TRID, msg.Resource, msg.Kind, msg.Code)
}

// settle records the outcome of one outstanding (trid, rm) request. Replies
// for unknown transactions or requests no longer outstanding are discarded.
func (m *Manager) settle(trid xa.XID, rm xa.RMID, kind message.Kind, code xa.Code) {
	tx, ok := m.registry.LookupTRID(trid)
	if !ok {
		m.logger.Debug("tm.reply.unknown_transaction", "trid", trid.String(), "kind", kind.String(), "resource", int(rm))
		return
	}
	ph := m.phases[tx.GTRID]
	key := branchKey{trid: trid.String(), rm: rm}
	if ph == nil || ph.kind != kind {
		m.logger.Debug("tm.reply.unexpected", "gtrid", tx.GTRID, "kind", kind.String(), "resource", int(rm))
		return
	}
	branchTRID, ok := ph.outstanding[key]
	if !ok {
		m.logger.Debug("tm.reply.duplicate", "gtrid", tx.GTRID, "kind", kind.String(), "resource", int(rm))
		return
	}
	delete(ph.outstanding, key)
	if b := tx.Branch(branchTRID); b != nil {
		if r := b.Resource(rm); r != nil {
			r.Code = code
		}
	}
	m.logger.Trace("tm.reply", "gtrid", tx.GTRID, "kind", kind.String(), "resource", int(rm), "code", code.String())
	switch {
	case kind != message.KindPrepare:
		tx.Finish(branchTRID, rm)
	case code == xa.RDONLY:
		tx.Finish(branchTRID, rm)
	case code != xa.OK:
		if !ph.failed {
			m.logger.Info("tm.prepare.vote_rollback", "gtrid", tx.GTRID, "resource", int(rm), "code", code.String())
		}
		ph.failed = true
		tx.Results = append(tx.Results, code)
	}
	m.settled(tx, ph)
}

// settled runs the continuation of ph once nothing is outstanding. A failed
// prepare stops waiting for requests that never left the pending queue.
func (m *Manager) settled(tx *state.Transaction, ph *phase) {
	if ph.done {
		return
	}
	if ph.failed && ph.kind == message.KindPrepare {
		m.withdraw(tx, ph, xa.OK)
	}
	if len(ph.outstanding) > 0 {
		return
	}
	ph.done = true
	if m.phases[tx.GTRID] == ph {
		delete(m.phases, tx.GTRID)
	}
	m.queue.RemoveIf(func(r pending.Request) bool {
		return r.Payload.Kind == ph.kind && r.Payload.TRID.Global() == tx.GTRID
	})
	m.logger.Trace("tm.phase.done", "gtrid", tx.GTRID, "kind", ph.kind.String(), "failed", ph.failed, "duration", m.clock.Now().Sub(ph.started))
	ph.then(tx, ph)
}

// withdraw removes the requests of ph still waiting for an instance from the
// pending queue and from the outstanding set. A code other than XA_OK is
// recorded for every withdrawn resource.
func (m *Manager) withdraw(tx *state.Transaction, ph *phase, code xa.Code) {
	withdrawn := m.queue.RemoveIf(func(r pending.Request) bool {
		return r.Payload.Kind == ph.kind && r.Payload.TRID.Global() == tx.GTRID
	})
	for _, r := range withdrawn {
		key := branchKey{trid: r.Payload.TRID.String(), rm: r.Payload.Resource}
		branchTRID, ok := ph.outstanding[key]
		if !ok {
			continue
		}
		delete(ph.outstanding, key)
		m.logger.Debug("tm.request.withdrawn", "gtrid", tx.GTRID, "kind", ph.kind.String(), "resource", int(r.Payload.Resource))
		if code == xa.OK {
			continue
		}
		if b := tx.Branch(branchTRID); b != nil {
			if res := b.Resource(r.Payload.Resource); res != nil {
				res.Code = code
			}
		}
	}
}

func (m *Manager) outstanding(trid xa.XID, rm xa.RMID, kind message.Kind) bool {
	ph := m.phases[trid.Global()]
	if ph == nil || ph.kind != kind {
		return false
	}
	_, ok := ph.outstanding[branchKey{trid: trid.String(), rm: rm}]
	return ok
}

// prepared continues after the prepare fan-out: roll back on any failed vote,
// finish read-only when nothing is left, stop at post_prepare when a peer
// domain asked only for prepare, and otherwise log the commit decision and
// fan out commit.
func (m *Manager) prepared(tx *state.Transaction, ph *phase) {
	switch {
	case ph.failed:
		m.rollback(tx)
	case tx.Purged():
		m.registry.Advance(tx.GTRID, state.StageCommit)
		m.complete(tx, ph)
	case tx.Remote && tx.Origin != nil && tx.Origin.Kind == message.KindPrepare:
		m.registry.Advance(tx.GTRID, state.StagePostPrepare)
		m.logger.Debug("tm.domain.prepared", "gtrid", tx.GTRID, "resources", tx.Count())
		m.replyOutcome(tx, xa.OK, true)
		tx.Origin = nil
	default:
		m.registry.Advance(tx.GTRID, state.StagePostPrepare)
		if !m.appendLog(m.entry(tmlog.KindCommit, tx)) {
			return
		}
		m.logger.Debug("tm.commit.decided", "gtrid", tx.GTRID, "resources", tx.Count())
		m.fanout(tx, message.KindCommit, xa.TMNOFLAGS, m.committed)
	}
}

func (m *Manager) committed(tx *state.Transaction, ph *phase) {
	m.registry.Advance(tx.GTRID, state.StageCommit)
	m.complete(tx, ph)
}

// complete finishes a transaction in a terminal stage: the log record is
// removed, the waiting caller gets the ranked outcome and the transaction is
// dropped.
func (m *Manager) complete(tx *state.Transaction, _ *phase) {
	stage := tx.Stage()
	code := tx.Result()
	if stage == state.StageRollback && code == xa.RDONLY {
		code = xa.OK
	}
	if tx.Logged {
		if !m.appendLog(tmlog.Entry{Kind: tmlog.KindRemove, GTRID: tx.GTRID}) {
			return
		}
	}
	persistent := tx.Logged && !(stage == state.StageRollback && m.policy == ReplyBeforeLog)
	m.replyOutcome(tx, code, persistent)
	m.registry.Remove(tx.GTRID)

	var outcome string
	switch {
	case code == xa.RDONLY:
		outcome = "read_only"
		m.counters.ReadOnly++
	case stage == state.StageRollback || code.IsRollback():
		outcome = "rolled_back"
		m.counters.RolledBack++
	default:
		outcome = "committed"
		m.counters.Committed++
	}
	duration := m.clock.Now().Sub(tx.Started)
	m.metrics.recordOutcome(m.ctx, outcome, duration)
	svcfields.WithTransaction(m.logger, tx.GTRID).Debug("tm.transaction.completed",
		"outcome", outcome,
		"code", code.String(),
		"duration", duration,
		"remote", tx.Remote,
	)
}

// replyOutcome answers whoever is driving tx.
func (m *Manager) replyOutcome(tx *state.Transaction, code xa.Code, persistent bool) {
	o := tx.Origin
	if o == nil {
		return
	}
	if tx.Remote {
		m.reply(o.ReplyTo, message.DomainReply{
			Kind:        o.Kind,
			Correlation: o.Correlation,
			TRID:        o.TRID,
			Resource:    tx.RemoteResource,
			Code:        code,
		}, persistent)
		return
	}
	m.replyCode(o, tx.Stage().String(), code, persistent)
}

// expire rolls back transactions past their deadline. An involved
// transaction is rolled back directly. A prepare fan-out is marked failed and
// its requests still waiting for an instance are withdrawn; requests already
// sent are awaited before rollback starts.
func (m *Manager) expire(now time.Time) {
	for _, tx := range m.registry.Expired(now) {
		m.registry.ClearDeadline(tx)
		stage := tx.Stage()
		switch stage {
		case state.StageInvolved:
			m.logger.Info("tm.transaction.timeout", "gtrid", tx.GTRID, "stage", stage.String(), "resources", tx.Count())
			tx.Results = append(tx.Results, xa.RBTIMEOUT)
			m.rollback(tx)
		case state.StagePrepare:
			ph := m.phases[tx.GTRID]
			if ph == nil || ph.kind != message.KindPrepare {
				continue
			}
			m.logger.Info("tm.transaction.timeout", "gtrid", tx.GTRID, "stage", stage.String(), "outstanding", len(ph.outstanding))
			ph.failed = true
			tx.Results = append(tx.Results, xa.RBTIMEOUT)
			m.withdraw(tx, ph, xa.RBTIMEOUT)
			m.settled(tx, ph)
		}
	}
}

// orphaned resolves the request an instance was serving when it failed. A
// prepare counts as a failed vote; commit and rollback are already decided and
// are handed to another instance of the same resource.
func (m *Manager) orphaned(a *resource.Assignment, reason string) {
	if a == nil || !m.outstanding(a.TRID, a.Resource, a.Kind) {
		return
	}
	m.metrics.recordFailure(m.ctx, a.Kind, reason)
	if a.Kind == message.KindPrepare {
		m.settle(a.TRID, a.Resource, a.Kind, xa.ERRMFAIL)
		return
	}
	m.logger.Warn("tm.request.requeued", "gtrid", a.TRID.Global(), "kind", a.Kind.String(), "resource", int(a.Resource), "reason", reason)
	if code, ok := m.dispatch(a.Request()); !ok {
		m.settle(a.TRID, a.Resource, a.Kind, code)
	}
}

// recover replays the log. Transactions with a logged commit decision are
// committed again; those with only a prepare intent are rolled back.
func (m *Manager) recover(ctx context.Context) error {
	entries, err := m.log.Replay(ctx)
	if err != nil {
		return fmt.Errorf("%w: replay: %w", ErrLogFailure, err)
	}
	for _, e := range entries {
		branches := make([]*state.Branch, 0, len(e.Branches))
		for _, rec := range e.Branches {
			b := &state.Branch{TRID: rec.TRID}
			b.Involve(rec.Resources...)
			branches = append(branches, b)
		}
		stage := state.StagePrepare
		if e.Kind == tmlog.KindCommit {
			stage = state.StagePostPrepare
		}
		tx, err := m.registry.Restore(e.XID, e.Owner, e.Started, branches, stage)
		if err != nil {
			m.logger.Warn("tm.recovery.skip", "gtrid", e.GTRID, "error", err)
			continue
		}
		m.counters.Recovered++
		m.logger.Info("tm.recovery.resume", "gtrid", tx.GTRID, "record", e.Kind.String(), "resources", tx.Count())
		if stage == state.StagePostPrepare {
			m.fanout(tx, message.KindCommit, xa.TMNOFLAGS, m.committed)
			continue
		}
		m.rollback(tx)
	}
	return nil
}
