package core

import (
	"fmt"

	"pkt.systems/xatm/internal/message"
	"pkt.systems/xatm/internal/state"
	"pkt.systems/xatm/internal/tmlog"
	"pkt.systems/xatm/internal/xa"
)

func (m *Manager) handle(msg message.Inbound) {
	switch msg := msg.(type) {
	case message.Begin:
		m.handleBegin(msg)
	case message.Involved:
		m.handleInvolved(msg)
	case message.ExternalInvolved:
		m.handleExternalInvolved(msg)
	case message.Commit:
		m.handleCommit(msg)
	case message.Rollback:
		m.handleRollback(msg)
	case message.ResourceReply:
		m.handleResourceReply(msg)
	case message.Connect:
		m.handleConnect(msg)
	case message.ProcessExit:
		m.handleProcessExit(msg)
	case message.DeliveryFailed:
		m.handleDeliveryFailed(msg)
	case message.Configure:
		m.handleConfigure(msg)
	case message.DomainRequest:
		m.handleDomainRequest(msg)
	case message.StateRequest:
		m.reply(message.Target{Sink: msg.Reply}, message.StateReply{State: m.snapshot()}, false)
	default:
		m.logger.Warn("tm.message.unknown", "type", fmt.Sprintf("%T", msg))
	}
}

func (m *Manager) handleBegin(msg message.Begin) {
	to := message.Target{Process: msg.Process, Sink: msg.Reply}
	trid := msg.TRID
	if trid.IsNull() {
		trid = xa.NewXID()
	}
	tx, created, err := m.registry.Begin(trid, msg.Process, m.clock.Now(), msg.Timeout)
	if err != nil {
		m.logger.Debug("tm.begin.invalid", "trid", msg.TRID.String(), "error", err)
		m.reply(to, message.BeginReply{Correlation: msg.Correlation, TRID: trid, Code: xa.ERINVAL}, false)
		return
	}
	code := xa.OK
	if tx.Stage() != state.StageInvolved {
		code = xa.ERPROTO
	}
	switch {
	case created:
		m.counters.Begun++
		m.watch(msg.Process.PID)
		m.logger.Debug("tm.begin", "gtrid", tx.GTRID, "owner_pid", msg.Process.PID, "timeout", msg.Timeout)
	case !msg.Process.IsZero() && tx.Owner == msg.Process:
		m.watch(msg.Process.PID)
		m.logger.Debug("tm.begin.joined", "gtrid", tx.GTRID, "owner_pid", msg.Process.PID, "timeout", msg.Timeout)
	}
	m.reply(to, message.BeginReply{Correlation: msg.Correlation, TRID: trid, Code: code}, false)
}

func (m *Manager) handleInvolved(msg message.Involved) {
	if tx, ok := m.registry.LookupTRID(msg.TRID); ok && tx.Stage() != state.StageInvolved {
		m.logger.Warn("tm.involved.late", "gtrid", tx.GTRID, "stage", tx.Stage().String(), "resources", msg.Resources)
		return
	}
	tx, err := m.registry.Involve(msg.TRID, msg.Resources, m.clock.Now())
	if err != nil {
		m.logger.Debug("tm.involved.invalid", "trid", msg.TRID.String(), "error", err)
		return
	}
	for _, id := range msg.Resources {
		if _, ok := m.pool.Proxy(id); id.Local() && !ok {
			m.logger.Warn("tm.involved.unknown_resource", "gtrid", tx.GTRID, "resource", int(id))
		}
	}
	m.logger.Trace("tm.involved", "gtrid", tx.GTRID, "resources", msg.Resources)
}

func (m *Manager) handleExternalInvolved(msg message.ExternalInvolved) {
	if tx, ok := m.registry.LookupTRID(msg.TRID); ok && tx.Stage() != state.StageInvolved {
		m.logger.Warn("tm.external.late", "gtrid", tx.GTRID, "stage", tx.Stage().String())
		return
	}
	ext := m.pool.External(msg.Process)
	tx, err := m.registry.Involve(msg.TRID, []xa.RMID{ext.ID}, m.clock.Now())
	if err != nil {
		m.logger.Debug("tm.external.invalid", "trid", msg.TRID.String(), "error", err)
		return
	}
	m.watch(msg.Process.PID)
	m.logger.Debug("tm.external.involved", "gtrid", tx.GTRID, "resource", int(ext.ID), "endpoint", msg.Process.Endpoint)
	m.reply(message.Target{Process: msg.Process, Sink: msg.Reply}, message.ExternalReply{TRID: msg.TRID, Resource: ext.ID}, false)
}

func (m *Manager) handleCommit(msg message.Commit) {
	origin := &state.Origin{
		Kind:        message.KindCommit,
		TRID:        msg.TRID,
		Correlation: msg.Correlation,
		ReplyTo:     message.Target{Process: msg.Process, Sink: msg.Reply},
	}
	tx, ok := m.lookupForCaller(msg.TRID, msg.Resources)
	if !ok {
		m.replyCode(origin, "", xa.ERNOTA, false)
		return
	}
	if !m.acceptCaller(tx, origin) {
		return
	}
	tx.Origin = origin
	m.commit(tx, false)
}

func (m *Manager) handleRollback(msg message.Rollback) {
	origin := &state.Origin{
		Kind:        message.KindRollback,
		TRID:        msg.TRID,
		Correlation: msg.Correlation,
		ReplyTo:     message.Target{Process: msg.Process, Sink: msg.Reply},
	}
	tx, ok := m.lookupForCaller(msg.TRID, msg.Resources)
	if !ok {
		m.replyCode(origin, "", xa.ERNOTA, false)
		return
	}
	if !m.acceptCaller(tx, origin) {
		return
	}
	tx.Origin = origin
	m.rollback(tx)
}

// lookupForCaller finds the transaction of trid. Resources piggybacked on the
// request are involved first, which also begins an unknown transaction.
func (m *Manager) lookupForCaller(trid xa.XID, resources []xa.RMID) (*state.Transaction, bool) {
	tx, ok := m.registry.LookupTRID(trid)
	if len(resources) == 0 || (ok && tx.Stage() != state.StageInvolved) {
		return tx, ok
	}
	tx, err := m.registry.Involve(trid, resources, m.clock.Now())
	if err != nil {
		return nil, false
	}
	return tx, true
}

// acceptCaller rejects commit and rollback requests for transactions owned by
// a peer domain or no longer in the involved stage. A terminal transaction
// echoes its stage and current outcome.
func (m *Manager) acceptCaller(tx *state.Transaction, origin *state.Origin) bool {
	stage := tx.Stage()
	switch {
	case tx.Remote:
		m.replyCode(origin, stage.String(), xa.ERPROTO, false)
		return false
	case stage.Terminal():
		m.replyCode(origin, stage.String(), tx.Result(), false)
		return false
	case stage != state.StageInvolved:
		m.replyCode(origin, stage.String(), xa.ERPROTO, false)
		return false
	}
	return true
}

// commit starts the commit of an involved transaction: read-only when no
// resource is involved, one-phase for a single branch resource, otherwise a
// logged prepare fan-out.
func (m *Manager) commit(tx *state.Transaction, domain bool) {
	switch tx.Count() {
	case 0:
		m.logger.Debug("tm.commit.read_only", "gtrid", tx.GTRID)
		m.registry.Advance(tx.GTRID, state.StageCommit)
		m.complete(tx, nil)
	case 1:
		m.logger.Debug("tm.commit.one_phase", "gtrid", tx.GTRID, "domain", domain)
		m.registry.Advance(tx.GTRID, state.StageCommit)
		m.fanout(tx, message.KindCommit, xa.TMONEPHASE, m.complete)
	default:
		m.prepare(tx)
	}
}

func (m *Manager) prepare(tx *state.Transaction) {
	m.registry.Advance(tx.GTRID, state.StagePrepare)
	if !m.appendLog(m.entry(tmlog.KindPrepare, tx)) {
		return
	}
	tx.Logged = true
	m.logger.Debug("tm.prepare.start", "gtrid", tx.GTRID, "resources", tx.Count())
	m.fanout(tx, message.KindPrepare, xa.TMNOFLAGS, m.prepared)
}

// rollback moves tx to rollback and fans out to every remaining resource.
func (m *Manager) rollback(tx *state.Transaction) {
	if !m.registry.Advance(tx.GTRID, state.StageRollback) {
		return
	}
	m.registry.ClearDeadline(tx)
	m.logger.Debug("tm.rollback.start", "gtrid", tx.GTRID, "resources", tx.Count())
	m.fanout(tx, message.KindRollback, xa.TMNOFLAGS, m.complete)
}

func (m *Manager) entry(kind tmlog.Kind, tx *state.Transaction) tmlog.Entry {
	e := tmlog.Entry{
		Kind:    kind,
		GTRID:   tx.GTRID,
		XID:     tx.XID,
		Owner:   tx.Owner,
		Started: tx.Started,
	}
	for _, b := range tx.Branches {
		if b.Purged() {
			continue
		}
		rec := tmlog.BranchRecord{TRID: b.TRID}
		for _, r := range b.Resources {
			rec.Resources = append(rec.Resources, r.ID)
		}
		e.Branches = append(e.Branches, rec)
	}
	return e
}

// replyCode answers origin with code. stage is echoed on commit and rollback
// replies.
func (m *Manager) replyCode(origin *state.Origin, stage string, code xa.Code, persistent bool) {
	if origin == nil {
		return
	}
	var out message.Outbound
	switch origin.Kind {
	case message.KindRollback:
		out = message.RollbackReply{Correlation: origin.Correlation, TRID: origin.TRID, Stage: stage, Code: code}
	default:
		out = message.CommitReply{Correlation: origin.Correlation, TRID: origin.TRID, Stage: stage, Code: code}
	}
	m.reply(origin.ReplyTo, out, persistent)
}
