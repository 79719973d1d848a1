package resource

import (
	"testing"
	"time"

	"pkt.systems/xatm/internal/message"
	"pkt.systems/xatm/internal/pending"
	"pkt.systems/xatm/internal/xa"
)

func newTestPool(t *testing.T, instances int) *Pool {
	t.Helper()
	return NewPool([]message.ResourceConfig{
		{ID: 1, Key: "db", Name: "orders", OpenInfo: "dsn=orders", Instances: instances},
	}, pending.NewQueue())
}

func TestConnectIdleAndError(t *testing.T) {
	p := newTestPool(t, 2)
	if p.Booted() {
		t.Fatal("pool without instances must not be booted")
	}
	_, good, err := p.Connect(1, message.Process{PID: 100}, xa.OK)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if good.State != InstanceIdle || good.ID == "" {
		t.Fatalf("instance=%+v", good)
	}
	_, bad, _ := p.Connect(1, message.Process{PID: 101}, xa.ERRMERR)
	if bad.State != InstanceError {
		t.Fatalf("state=%s", bad.State)
	}
	if !p.Booted() {
		t.Fatal("one running instance should boot the proxy")
	}
	if _, _, err := p.Connect(9, message.Process{PID: 1}, xa.OK); err != ErrUnknownResource {
		t.Fatalf("err=%v", err)
	}
}

func TestReserveUnreserveDrainsPending(t *testing.T) {
	p := newTestPool(t, 1)
	p.Connect(1, message.Process{PID: 100}, xa.OK)
	start := time.Unix(100, 0)
	trid := xa.NewXID()

	inst, ok := p.TryReserve(1, Assignment{Correlation: "c1", TRID: trid, Resource: 1, Kind: message.KindPrepare}, start)
	if !ok || inst.State != InstanceBusy {
		t.Fatal("expected reservation")
	}
	if _, ok := p.TryReserve(1, Assignment{Correlation: "c2"}, start); ok {
		t.Fatal("busy proxy must not reserve")
	}
	p.Defer(pending.Request{
		Resource: 1,
		Created:  start,
		Payload:  message.ResourceRequest{Kind: message.KindCommit, Correlation: "c2", TRID: trid, Resource: 1},
	})

	stats := message.Statistics{Start: start, End: start.Add(20 * time.Millisecond)}
	req, ok := p.Unreserve(inst, stats, start.Add(50*time.Millisecond))
	if !ok || req.Payload.Correlation != "c2" {
		t.Fatalf("expected pending request, got %+v ok=%v", req, ok)
	}
	if inst.State != InstanceBusy || inst.Assignment.Correlation != "c2" {
		t.Fatalf("instance should be re-reserved: %+v", inst)
	}
	if inst.Metrics.Resource.Total != 20*time.Millisecond || inst.Metrics.Roundtrip.Total != 50*time.Millisecond {
		t.Fatalf("metrics=%+v", inst.Metrics)
	}
	if inst.Metrics.Pending.Count != 1 {
		t.Fatalf("pending stat=%+v", inst.Metrics.Pending)
	}
	if _, ok := p.Unreserve(inst, message.Statistics{}, start.Add(time.Second)); ok {
		t.Fatal("queue should be empty")
	}
	if inst.State != InstanceIdle {
		t.Fatalf("state=%s", inst.State)
	}
}

func TestRemoveInstanceFoldsMetrics(t *testing.T) {
	p := newTestPool(t, 1)
	proc := message.Process{PID: 100}
	p.Connect(1, proc, xa.OK)
	now := time.Unix(0, 0)
	inst, _ := p.TryReserve(1, Assignment{Correlation: "c"}, now)
	p.Unreserve(inst, message.Statistics{Start: now, End: now.Add(time.Millisecond)}, now.Add(time.Millisecond))
	inst, _ = p.TryReserve(1, Assignment{Correlation: "busy", Kind: message.KindCommit}, now)

	proxy, assignment, ok := p.RemoveInstance(proc)
	if !ok || assignment == nil || assignment.Correlation != "busy" {
		t.Fatalf("remove: ok=%v assignment=%+v", ok, assignment)
	}
	if len(proxy.Instances) != 0 || proxy.Metrics.Resource.Count != 1 {
		t.Fatalf("proxy=%+v", proxy)
	}
	if proxy.Totals().Roundtrip.Count != 1 {
		t.Fatalf("totals=%+v", proxy.Totals())
	}
	if _, _, ok := p.RemoveInstance(proc); ok {
		t.Fatal("second remove should report false")
	}
}

func TestMarkErrorReturnsAssignment(t *testing.T) {
	p := newTestPool(t, 1)
	proc := message.Process{Endpoint: "http://rm-1"}
	p.Connect(1, proc, xa.OK)
	p.TryReserve(1, Assignment{Correlation: "x"}, time.Unix(0, 0))
	inst, a := p.MarkError(proc)
	if inst == nil || a == nil || a.Correlation != "x" || inst.State != InstanceError {
		t.Fatalf("inst=%+v assignment=%+v", inst, a)
	}
	if _, ok := p.TryReserve(1, Assignment{}, time.Unix(0, 0)); ok {
		t.Fatal("instance in error must not be reserved")
	}
}

func TestExternalIDsAreNegativeAndStable(t *testing.T) {
	p := newTestPool(t, 0)
	a := p.External(message.Process{PID: 5})
	b := p.External(message.Process{PID: 6})
	again := p.External(message.Process{PID: 5})
	if a.ID != -1 || b.ID != -2 || again != a {
		t.Fatalf("ids a=%d b=%d again=%d", a.ID, b.ID, again.ID)
	}
	if ext, ok := p.ExternalByID(-2); !ok || ext != b {
		t.Fatal("lookup by id failed")
	}
}

func TestReconcileScales(t *testing.T) {
	p := newTestPool(t, 2)
	actions := p.Reconcile([]message.ResourceConfig{{ID: 1, Key: "db", Instances: 2}})
	if len(actions) != 1 || actions[0].Spawn != 2 {
		t.Fatalf("actions=%+v", actions)
	}
	p.Connect(1, message.Process{PID: 1}, xa.OK)
	p.Connect(1, message.Process{PID: 2}, xa.OK)
	p.TryReserve(1, Assignment{Correlation: "busy"}, time.Unix(0, 0))

	actions = p.Reconcile([]message.ResourceConfig{
		{ID: 1, Key: "db", Instances: 1},
		{ID: 2, Key: "queue", Instances: 1},
	})
	if len(actions) != 2 {
		t.Fatalf("actions=%+v", actions)
	}
	if len(actions[0].Stop) != 1 || actions[0].Stop[0].PID != 2 {
		t.Fatalf("expected idle instance 2 to stop, got %+v", actions[0])
	}
	if actions[1].Resource != 2 || actions[1].Spawn != 1 {
		t.Fatalf("expected spawn for resource 2, got %+v", actions[1])
	}
	if again := p.Reconcile([]message.ResourceConfig{{ID: 1, Key: "db", Instances: 1}, {ID: 2, Key: "queue", Instances: 1}}); len(again) != 1 || again[0].Resource != 2 {
		t.Fatalf("stopped instances must not be stopped twice: %+v", again)
	}

	actions = p.Reconcile(nil)
	if _, ok := p.Proxy(2); ok {
		t.Fatal("proxy without instances should be dropped")
	}
	if _, ok := p.Proxy(1); !ok {
		t.Fatal("proxy with instances must be kept until they exit")
	}
	if len(actions) != 1 || len(actions[0].Stop) != 1 || actions[0].Stop[0].PID != 1 {
		t.Fatalf("actions=%+v", actions)
	}
}

func TestAssignedForMatchesRequest(t *testing.T) {
	p := newTestPool(t, 2)
	first := message.Process{PID: 100}
	second := message.Process{PID: 101}
	p.Connect(1, first, xa.OK)
	p.Connect(1, second, xa.OK)
	start := time.Unix(100, 0)
	trid := xa.NewXID()
	a, _ := p.TryReserve(1, Assignment{Correlation: "c1", TRID: trid, Resource: 1, Kind: message.KindPrepare}, start)
	b, _ := p.TryReserve(1, Assignment{Correlation: "c2", TRID: trid, Resource: 1, Kind: message.KindPrepare}, start)
	if a == nil || b == nil {
		t.Fatal("expected two reservations")
	}

	if got := p.AssignedFor(1, trid, message.KindPrepare, b.Process); got != b {
		t.Fatalf("instance of the replying process should win: %+v", got)
	}
	if got := p.AssignedFor(1, trid, message.KindPrepare, message.Process{}); got == nil {
		t.Fatal("expected a match without process")
	}
	if got := p.AssignedFor(1, trid, message.KindCommit, a.Process); got != nil {
		t.Fatalf("kind mismatch matched %+v", got)
	}
	if got := p.AssignedFor(1, xa.NewXID(), message.KindPrepare, a.Process); got != nil {
		t.Fatalf("trid mismatch matched %+v", got)
	}
	if got := p.AssignedFor(9, trid, message.KindPrepare, a.Process); got != nil {
		t.Fatalf("unknown resource matched %+v", got)
	}
}
