package core

import (
	"pkt.systems/xatm/internal/message"
	"pkt.systems/xatm/internal/state"
	"pkt.systems/xatm/internal/tmlog"
	"pkt.systems/xatm/internal/xa"
)

// handleDomainRequest serves a peer domain that owns the transaction. The
// manager then acts as a single resource of that domain: its own branch
// resources are prepared, committed or rolled back and the ranked outcome is
// returned in one DomainReply.
func (m *Manager) handleDomainRequest(msg message.DomainRequest) {
	origin := &state.Origin{
		Kind:        msg.Kind,
		TRID:        msg.TRID,
		Correlation: msg.Correlation,
		ReplyTo:     message.Target{Process: msg.Process, Sink: msg.Reply},
	}
	replyNow := func(code xa.Code) {
		m.reply(origin.ReplyTo, message.DomainReply{
			Kind:        msg.Kind,
			Correlation: msg.Correlation,
			TRID:        msg.TRID,
			Resource:    msg.Resource,
			Code:        code,
		}, false)
	}
	tx, ok := m.registry.LookupTRID(msg.TRID)
	if ok {
		m.logger.Debug("tm.domain.request", "gtrid", tx.GTRID, "kind", msg.Kind.String(), "stage", tx.Stage().String())
	}
	switch msg.Kind {
	case message.KindPrepare:
		if !ok || tx.Stage() != state.StageInvolved {
			replyNow(xa.RDONLY)
			return
		}
		adopt(tx, msg, origin)
		if tx.Count() == 0 {
			m.registry.Advance(tx.GTRID, state.StageCommit)
			m.complete(tx, nil)
			return
		}
		m.prepare(tx)

	case message.KindCommit:
		if !ok {
			replyNow(xa.ERNOTA)
			return
		}
		switch stage := tx.Stage(); {
		case stage == state.StagePostPrepare && tx.Remote:
			adopt(tx, msg, origin)
			if !m.appendLog(m.entry(tmlog.KindCommit, tx)) {
				return
			}
			m.fanout(tx, message.KindCommit, xa.TMNOFLAGS, m.committed)
		case stage == state.StageInvolved && msg.Flags.Has(xa.TMONEPHASE):
			adopt(tx, msg, origin)
			m.commit(tx, true)
		case stage.Terminal():
			replyNow(tx.Result())
		default:
			replyNow(xa.ERPROTO)
		}

	case message.KindRollback:
		if !ok {
			replyNow(xa.ERNOTA)
			return
		}
		switch stage := tx.Stage(); {
		case stage == state.StageInvolved, stage == state.StagePostPrepare && tx.Remote:
			adopt(tx, msg, origin)
			m.rollback(tx)
		case stage.Terminal():
			replyNow(tx.Result())
		default:
			replyNow(xa.ERPROTO)
		}

	default:
		replyNow(xa.ERINVAL)
	}
}

func adopt(tx *state.Transaction, msg message.DomainRequest, origin *state.Origin) {
	tx.Remote = true
	tx.RemoteResource = msg.Resource
	tx.Origin = origin
}
