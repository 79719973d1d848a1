package core

import (
	"slices"
	"strings"

	"pkt.systems/xatm/internal/message"
	"pkt.systems/xatm/internal/resource"
	"pkt.systems/xatm/internal/state"
	"pkt.systems/xatm/internal/xa"
)

func (m *Manager) handleConnect(msg message.Connect) {
	to := message.Target{Process: msg.Process, Sink: msg.Reply}
	proxy, inst, err := m.pool.Connect(msg.Resource, msg.Process, msg.Code)
	if err != nil {
		m.logger.Warn("tm.resource.connect_rejected", "resource", int(msg.Resource), "pid", msg.Process.PID, "error", err)
		m.reply(to, message.ConnectReply{Resource: msg.Resource, Code: xa.ERINVAL}, false)
		return
	}
	m.watch(msg.Process.PID)
	m.logger.Info("tm.resource.connected",
		"resource", int(proxy.ID),
		"key", proxy.Key,
		"instance", inst.ID,
		"pid", msg.Process.PID,
		"endpoint", msg.Process.Endpoint,
		"state", inst.State.String(),
		"code", msg.Code.String(),
	)
	m.reply(to, message.ConnectReply{
		Resource:  proxy.ID,
		Key:       proxy.Key,
		OpenInfo:  proxy.OpenInfo,
		CloseInfo: proxy.CloseInfo,
		Code:      xa.OK,
	}, false)
	if next, ok := m.pool.Drain(inst, m.clock.Now()); ok {
		m.request(inst.Process, next.Payload)
	}
}

// handleProcessExit reacts to a dead process, which may be a resource
// instance, an external resource and the owner of transactions all at once.
func (m *Manager) handleProcessExit(msg message.ProcessExit) {
	if msg.PID <= 0 {
		return
	}
	if proxy, a, ok := m.pool.RemoveInstance(message.Process{PID: msg.PID}); ok {
		m.logger.Warn("tm.resource.instance_exited", "resource", int(proxy.ID), "pid", msg.PID, "busy", a != nil)
		m.orphaned(a, "instance_exit")
		m.scale(m.pool.Reconcile(m.configs))
	}
	for _, ext := range m.pool.Externals() {
		if ext.Process.PID == msg.PID {
			m.logger.Warn("tm.external.exited", "resource", int(ext.ID), "pid", msg.PID)
			m.failResource(ext.ID, "external_exit")
		}
	}
	for _, tx := range m.registry.OwnedBy(msg.PID) {
		if tx.Remote || tx.Stage() != state.StageInvolved {
			continue
		}
		m.logger.Info("tm.owner.exited", "gtrid", tx.GTRID, "pid", msg.PID, "resources", tx.Count())
		tx.Results = append(tx.Results, xa.RBCOMMFAIL)
		m.rollback(tx)
	}
}

func (m *Manager) handleDeliveryFailed(msg message.DeliveryFailed) {
	req := msg.Request
	m.logger.Warn("tm.request.delivery_failed",
		"endpoint", msg.Process.Endpoint,
		"gtrid", req.TRID.Global(),
		"kind", req.Kind.String(),
		"resource", int(req.Resource),
		"error", msg.Err,
	)
	if req.Resource.Remote() {
		m.failResource(req.Resource, "delivery_failed")
		return
	}
	inst, a := m.pool.MarkError(msg.Process)
	if a == nil && m.outstanding(req.TRID, req.Resource, req.Kind) {
		a = &resource.Assignment{
			Correlation: req.Correlation,
			TRID:        req.TRID,
			Resource:    req.Resource,
			Kind:        req.Kind,
			Flags:       req.Flags,
		}
	}
	m.orphaned(a, "delivery_failed")
	if inst != nil {
		m.scale(m.pool.Reconcile(m.configs))
	}
}

// failResource settles every outstanding request for rm as a resource
// manager failure.
func (m *Manager) failResource(rm xa.RMID, reason string) {
	type ref struct {
		trid xa.XID
		kind message.Kind
	}
	var refs []ref
	for _, ph := range m.phases {
		for key, trid := range ph.outstanding {
			if key.rm == rm {
				refs = append(refs, ref{trid: trid, kind: ph.kind})
			}
		}
	}
	slices.SortFunc(refs, func(a, b ref) int { return strings.Compare(a.trid.String(), b.trid.String()) })
	for _, r := range refs {
		m.metrics.recordFailure(m.ctx, r.kind, reason)
		m.settle(r.trid, rm, r.kind, xa.ERRMFAIL)
	}
}

func (m *Manager) handleConfigure(msg message.Configure) {
	configs := make([]message.ResourceConfig, 0, len(msg.Resources))
	for _, rc := range msg.Resources {
		if rc.ID <= 0 {
			m.logger.Warn("tm.configure.invalid_resource", "key", rc.Key, "id", int(rc.ID))
			continue
		}
		configs = append(configs, rc)
	}
	m.configs = configs
	m.logger.Info("tm.configure", "resources", len(configs))
	m.scale(m.pool.Reconcile(m.configs))
}
