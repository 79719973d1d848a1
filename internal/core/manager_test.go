package core

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"pkt.systems/xatm/internal/message"
	"pkt.systems/xatm/internal/tmlog"
	"pkt.systems/xatm/internal/tmlog/memory"
	"pkt.systems/xatm/internal/xa"
)

func TestTwoPhaseCommit(t *testing.T) {
	h := newHarness(t, nil, twoResources())
	h.connect(1, 100)
	h.connect(2, 200)
	trid := h.begin(0, 1, 2)
	reply := h.commit(trid)

	prepares := h.requests(2, message.KindPrepare)
	if prepares[1].to.PID != 100 || prepares[2].to.PID != 200 {
		t.Fatalf("prepares=%+v", prepares)
	}
	if got := h.logKinds(); !slices.Equal(got, []string{"prepare"}) {
		t.Fatalf("log before votes=%v", got)
	}
	h.respond(prepares[1], xa.OK)
	st := h.barrier()
	if len(st.Transactions) != 1 || st.Transactions[0].Stage != "prepare" {
		t.Fatalf("transactions=%+v", st.Transactions)
	}
	h.respond(prepares[2], xa.OK)

	commits := h.requests(2, message.KindCommit)
	if got := h.logKinds(); !slices.Equal(got, []string{"prepare", "commit"}) {
		t.Fatalf("commit requests sent before decision was durable: log=%v", got)
	}
	st = h.barrier()
	if st.Transactions[0].Stage != "post_prepare" {
		t.Fatalf("stage=%s", st.Transactions[0].Stage)
	}
	h.respond(commits[1], xa.OK)
	h.respond(commits[2], xa.OK)

	cr, ok := h.await(reply).(message.CommitReply)
	if !ok || cr.Code != xa.OK || cr.Stage != "commit" || cr.Correlation != "commit" {
		t.Fatalf("commit reply=%+v", cr)
	}
	st = h.barrier()
	if len(st.Transactions) != 0 || st.Counters.Committed != 1 || st.Counters.Begun != 1 {
		t.Fatalf("state=%+v", st)
	}
	if live, _ := h.log.Replay(context.Background()); len(live) != 0 {
		t.Fatalf("live log entries=%+v", live)
	}
	if st.Resources[0].Instances[0].State != "idle" || st.Resources[0].Metrics.Resource.Count != 2 {
		t.Fatalf("resource state=%+v", st.Resources[0])
	}

	// late duplicate replies are discarded
	h.respond(commits[1], xa.OK)
	h.expectQuiet()
}

func TestPrepareFailureRollsBackEveryResource(t *testing.T) {
	h := newHarness(t, nil, twoResources())
	h.connect(1, 100)
	h.connect(2, 200)
	trid := h.begin(0, 1, 2)
	reply := h.commit(trid)

	prepares := h.requests(2, message.KindPrepare)
	h.respond(prepares[1], xa.OK)
	h.respond(prepares[2], xa.RBROLLBACK)

	rollbacks := h.requests(2, message.KindRollback)
	st := h.barrier()
	if st.Transactions[0].Stage != "rollback" {
		t.Fatalf("stage=%s", st.Transactions[0].Stage)
	}
	h.respond(rollbacks[1], xa.OK)
	h.respond(rollbacks[2], xa.ERNOTA)

	cr := h.await(reply).(message.CommitReply)
	if cr.Stage != "rollback" || cr.Code != xa.RBROLLBACK {
		t.Fatalf("commit reply=%+v", cr)
	}
	if got := h.logKinds(); !slices.Equal(got, []string{"prepare", "remove"}) {
		t.Fatalf("log=%v", got)
	}
	st = h.barrier()
	if st.Counters.RolledBack != 1 || st.Counters.Committed != 0 || len(st.Transactions) != 0 {
		t.Fatalf("state=%+v", st)
	}
}

func TestPrepareFailureWithdrawsQueuedPrepares(t *testing.T) {
	h := newHarness(t, nil, twoResources())
	h.connect(1, 100)
	trid := h.begin(0, 1, 2)
	reply := h.commit(trid)

	prepares := h.requests(1, message.KindPrepare)
	if st := h.barrier(); st.Pending.ByResource[2] != 1 {
		t.Fatalf("prepare for resource 2 should wait for an instance: %+v", st.Pending)
	}
	h.respond(prepares[1], xa.RBROLLBACK)

	rollbacks := h.requests(1, message.KindRollback)
	if _, ok := rollbacks[1]; !ok {
		t.Fatalf("rollbacks=%+v", rollbacks)
	}
	st := h.barrier()
	if st.Transactions[0].Stage != "rollback" {
		t.Fatalf("stage=%s", st.Transactions[0].Stage)
	}
	if st.Pending.ByResource[2] != 1 {
		t.Fatalf("rollback for resource 2 should wait for an instance: %+v", st.Pending)
	}

	h.connect(2, 200)
	late := h.requests(1, message.KindRollback)
	if late[2].to.PID != 200 {
		t.Fatalf("rollback=%+v", late)
	}
	h.respond(rollbacks[1], xa.OK)
	h.respond(late[2], xa.OK)
	cr := h.await(reply).(message.CommitReply)
	if cr.Stage != "rollback" || cr.Code != xa.RBROLLBACK {
		t.Fatalf("commit reply=%+v", cr)
	}
	if st := h.barrier(); len(st.Transactions) != 0 || st.Pending.Total != 0 {
		t.Fatalf("state=%+v", st)
	}
}

func TestFailedPrepareAwaitsPreparesInFlight(t *testing.T) {
	cases := []struct {
		name string
		fail func(h *harness, prepares map[xa.RMID]sentRequest)
		code xa.Code
	}{
		{
			name: "vote",
			fail: func(h *harness, prepares map[xa.RMID]sentRequest) {
				h.respond(prepares[1], xa.RBDEADLOCK)
			},
			code: xa.RBDEADLOCK,
		},
		{
			name: "deadline",
			fail: func(h *harness, prepares map[xa.RMID]sentRequest) {
				h.respond(prepares[1], xa.OK)
				h.clock.Advance(7 * time.Second)
				waitFor(h.t, func() bool { return h.barrier().Transactions[0].Deadline.IsZero() })
			},
			code: xa.RBTIMEOUT,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, nil, twoResources())
			h.connect(1, 100)
			h.connect(2, 200)
			trid := h.begin(5*time.Second, 1, 2)
			reply := h.commit(trid)
			prepares := h.requests(2, message.KindPrepare)

			tc.fail(h, prepares)
			h.expectQuiet()
			if st := h.barrier(); st.Transactions[0].Stage != "prepare" {
				t.Fatalf("rollback must wait for the prepare in flight: stage=%s", st.Transactions[0].Stage)
			}

			h.respond(prepares[2], xa.OK)
			rollbacks := h.requests(2, message.KindRollback)
			h.respond(rollbacks[1], xa.OK)
			h.respond(rollbacks[2], xa.OK)
			cr := h.await(reply).(message.CommitReply)
			if cr.Stage != "rollback" || cr.Code != tc.code {
				t.Fatalf("commit reply=%+v", cr)
			}
		})
	}
}

func TestReplyWithoutCorrelationReleasesInstance(t *testing.T) {
	h := newHarness(t, nil, twoResources())
	proc := h.connect(1, 100)

	for i := range 2 {
		trid := h.begin(0, 1)
		reply := h.commit(trid)
		req := h.nextRequest()
		h.submit(message.ResourceReply{
			Kind:     req.req.Kind,
			TRID:     req.req.TRID,
			Resource: req.req.Resource,
			Process:  proc,
			Code:     xa.OK,
		})
		if cr := h.await(reply).(message.CommitReply); cr.Code != xa.OK {
			t.Fatalf("commit %d reply=%+v", i, cr)
		}
		st := h.barrier()
		if state := st.Resources[0].Instances[0].State; state != "idle" {
			t.Fatalf("commit %d left instance %s", i, state)
		}
	}

	// a reply matching no outstanding request frees nothing
	trid := h.begin(0, 1)
	h.commit(trid)
	held := h.nextRequest()
	h.submit(message.ResourceReply{Kind: message.KindPrepare, TRID: held.req.TRID, Resource: 1, Process: proc, Code: xa.OK})
	if state := h.barrier().Resources[0].Instances[0].State; state != "busy" {
		t.Fatalf("instance state=%s", state)
	}
}

func TestBeginAfterInvolvedAdoptsOwner(t *testing.T) {
	h := newHarness(t, nil, twoResources())
	h.connect(1, 100)
	trid := xa.NewXID()
	h.submit(message.Involved{TRID: trid, Resources: []xa.RMID{1}})
	reply := make(chan message.Outbound, 1)
	h.submit(message.Begin{Process: message.Process{PID: 4242}, TRID: trid, Timeout: 5 * time.Second, Reply: reply})
	if br := h.await(reply).(message.BeginReply); br.Code != xa.OK {
		t.Fatalf("begin reply=%+v", br)
	}
	st := h.barrier()
	if tx := st.Transactions[0]; tx.Owner.PID != 4242 || tx.Deadline.IsZero() {
		t.Fatalf("transaction=%+v", tx)
	}

	h.submit(message.ProcessExit{PID: 4242})
	rb := h.nextRequest()
	if rb.req.Kind != message.KindRollback || !rb.req.TRID.Equal(trid) {
		t.Fatalf("request=%+v", rb.req)
	}
}

func TestReadOnlyAndOnePhaseCommit(t *testing.T) {
	h := newHarness(t, nil, twoResources())
	h.connect(1, 100)
	h.connect(2, 200)

	empty := h.begin(0)
	if cr := h.await(h.commit(empty)).(message.CommitReply); cr.Code != xa.RDONLY {
		t.Fatalf("empty commit=%+v", cr)
	}

	single := h.begin(0, 1)
	reply := h.commit(single)
	req := h.nextRequest()
	if req.req.Kind != message.KindCommit || !req.req.Flags.Has(xa.TMONEPHASE) {
		t.Fatalf("one phase request=%+v", req.req)
	}
	h.respond(req, xa.OK)
	if cr := h.await(reply).(message.CommitReply); cr.Code != xa.OK || cr.Stage != "commit" {
		t.Fatalf("one phase reply=%+v", cr)
	}

	readOnly := h.begin(0, 1, 2)
	reply = h.commit(readOnly)
	prepares := h.requests(2, message.KindPrepare)
	h.respond(prepares[1], xa.RDONLY)
	h.respond(prepares[2], xa.RDONLY)
	if cr := h.await(reply).(message.CommitReply); cr.Code != xa.RDONLY {
		t.Fatalf("read only reply=%+v", cr)
	}
	h.expectQuiet()
	if got := h.logKinds(); !slices.Equal(got, []string{"prepare", "remove"}) {
		t.Fatalf("log=%v", got)
	}
	st := h.barrier()
	if st.Counters.ReadOnly != 2 || st.Counters.Committed != 1 {
		t.Fatalf("counters=%+v", st.Counters)
	}
}

func TestCommitOutsideInvolvedStage(t *testing.T) {
	h := newHarness(t, nil, twoResources())
	h.connect(1, 100)
	h.connect(2, 200)
	trid := h.begin(0, 1, 2)
	h.commit(trid)
	h.requests(2, message.KindPrepare)

	cr := h.await(h.commit(trid)).(message.CommitReply)
	if cr.Code != xa.ERPROTO || cr.Stage != "prepare" {
		t.Fatalf("second commit=%+v", cr)
	}
	if cr := h.await(h.commit(xa.NewXID())).(message.CommitReply); cr.Code != xa.ERNOTA {
		t.Fatalf("unknown commit=%+v", cr)
	}
}

func TestPendingRequestsDrainInOrder(t *testing.T) {
	h := newHarness(t, nil, []message.ResourceConfig{
		{ID: 1, Key: "db", Instances: 1},
		{ID: 2, Key: "mq", Instances: 2},
	})
	h.connect(1, 100)
	h.connect(2, 200)
	h.connect(2, 201)

	first := h.begin(0, 1, 2)
	h.commit(first)
	firstPrepares := h.requests(2, message.KindPrepare)

	second := h.begin(0, 1, 2)
	h.commit(second)
	secondPrepares := h.requests(1, message.KindPrepare)
	if _, ok := secondPrepares[2]; !ok {
		t.Fatalf("expected only resource 2 to be reserved, got %+v", secondPrepares)
	}
	st := h.barrier()
	if st.Pending.Total != 1 || st.Pending.ByResource[1] != 1 {
		t.Fatalf("pending=%+v", st.Pending)
	}

	h.respond(firstPrepares[1], xa.OK)
	released := h.nextRequest()
	if released.req.Resource != 1 || !released.req.TRID.Equal(second) || released.to.PID != 100 {
		t.Fatalf("released=%+v", released)
	}
	st = h.barrier()
	if st.Pending.Total != 0 || st.Resources[0].Metrics.Pending.Count != 1 {
		t.Fatalf("pending after drain=%+v metrics=%+v", st.Pending, st.Resources[0].Metrics)
	}
}

func TestRecoveryResendsLoggedCommit(t *testing.T) {
	log := memory.New()
	h := newHarness(t, log, twoResources())
	h.connect(1, 100)
	h.connect(2, 200)
	trid := h.begin(0, 1, 2)
	h.commit(trid)
	prepares := h.requests(2, message.KindPrepare)
	h.respond(prepares[1], xa.OK)
	h.respond(prepares[2], xa.OK)
	h.requests(2, message.KindCommit)
	h.stop()

	restarted := newHarness(t, log.Reopen(), twoResources())
	st := restarted.barrier()
	if len(st.Transactions) != 1 || st.Transactions[0].Stage != "post_prepare" || st.Counters.Recovered != 1 {
		t.Fatalf("recovered state=%+v", st)
	}
	if st.Pending.Total != 2 {
		t.Fatalf("commit requests should wait for instances, pending=%+v", st.Pending)
	}
	restarted.connect(1, 300)
	restarted.connect(2, 400)
	commits := restarted.requests(2, message.KindCommit)
	if !commits[1].req.TRID.Equal(trid) || commits[1].to.PID != 300 {
		t.Fatalf("resent commit=%+v", commits[1])
	}
	restarted.respond(commits[1], xa.OK)
	restarted.respond(commits[2], xa.OK)
	st = restarted.barrier()
	if len(st.Transactions) != 0 || st.Counters.Committed != 1 {
		t.Fatalf("state=%+v", st)
	}
	if live, _ := restarted.log.Replay(context.Background()); len(live) != 0 {
		t.Fatalf("live=%+v", live)
	}
}

func TestRecoveryRollsBackPrepareIntent(t *testing.T) {
	log := memory.New()
	trid := xa.NewXID()
	ctx := context.Background()
	err := log.Append(ctx, tmlog.Entry{
		Kind:     tmlog.KindPrepare,
		GTRID:    trid.Global(),
		XID:      trid,
		Started:  time.Unix(1_600_000_000, 0).UTC(),
		Branches: []tmlog.BranchRecord{{TRID: trid, Resources: []xa.RMID{1, 2}}},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := log.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	h := newHarness(t, log, twoResources())
	h.connect(1, 100)
	h.connect(2, 200)
	rollbacks := h.requests(2, message.KindRollback)
	h.respond(rollbacks[1], xa.OK)
	h.respond(rollbacks[2], xa.OK)
	st := h.barrier()
	if len(st.Transactions) != 0 || st.Counters.RolledBack != 1 || st.Counters.Recovered != 1 {
		t.Fatalf("state=%+v", st)
	}
	if got := h.logKinds(); !slices.Equal(got, []string{"prepare", "remove"}) {
		t.Fatalf("log=%v", got)
	}
}

func TestDeadlineRollsBackInvolvedTransaction(t *testing.T) {
	h := newHarness(t, nil, twoResources())
	h.connect(1, 100)
	trid := h.begin(5*time.Second, 1)
	st := h.barrier()
	want := h.clock.Now().Add(6 * time.Second)
	if !st.Transactions[0].Deadline.Equal(want) {
		t.Fatalf("deadline=%s want %s", st.Transactions[0].Deadline, want)
	}

	h.clock.Advance(7 * time.Second)
	rb := h.nextRequest()
	if rb.req.Kind != message.KindRollback || !rb.req.TRID.Equal(trid) {
		t.Fatalf("request=%+v", rb.req)
	}
	cr := h.await(h.commit(trid)).(message.CommitReply)
	if cr.Stage != "rollback" || cr.Code != xa.RBTIMEOUT {
		t.Fatalf("commit after timeout=%+v", cr)
	}
	h.respond(rb, xa.OK)
	st = h.barrier()
	if len(st.Transactions) != 0 || st.Counters.RolledBack != 1 {
		t.Fatalf("state=%+v", st)
	}
}

func TestInstanceExitDuringPrepare(t *testing.T) {
	h := newHarness(t, nil, twoResources())
	h.connect(1, 100)
	h.connect(2, 200)
	trid := h.begin(0, 1, 2)
	reply := h.commit(trid)
	prepares := h.requests(2, message.KindPrepare)

	h.submit(message.ProcessExit{PID: 100})
	h.respond(prepares[2], xa.OK)
	rollbacks := h.requests(1, message.KindRollback)
	if _, ok := rollbacks[2]; !ok {
		t.Fatalf("rollbacks=%+v", rollbacks)
	}
	st := h.barrier()
	if st.Pending.ByResource[1] != 1 {
		t.Fatalf("rollback for the dead resource should be pending: %+v", st.Pending)
	}
	actions := h.super.Actions()
	last := actions[len(actions)-1]
	if last.Resource != 1 || last.Spawn != 1 {
		t.Fatalf("scale actions=%+v", actions)
	}

	h.respond(rollbacks[2], xa.OK)
	h.connect(1, 101)
	rb := h.nextRequest()
	if rb.req.Kind != message.KindRollback || rb.to.PID != 101 {
		t.Fatalf("request=%+v to %+v", rb.req, rb.to)
	}
	h.respond(rb, xa.OK)
	cr := h.await(reply).(message.CommitReply)
	if cr.Stage != "rollback" || cr.Code != xa.ERRMFAIL {
		t.Fatalf("commit reply=%+v", cr)
	}
}

func TestCommitRequeuedWhenInstanceExits(t *testing.T) {
	h := newHarness(t, nil, []message.ResourceConfig{
		{ID: 1, Key: "db", Instances: 2},
		{ID: 2, Key: "mq", Instances: 1},
	})
	h.connect(1, 100)
	h.connect(1, 101)
	h.connect(2, 200)
	trid := h.begin(0, 1, 2)
	reply := h.commit(trid)
	prepares := h.requests(2, message.KindPrepare)
	h.respond(prepares[1], xa.OK)
	h.respond(prepares[2], xa.OK)
	commits := h.requests(2, message.KindCommit)
	if commits[1].to.PID != 100 {
		t.Fatalf("commit went to %+v", commits[1].to)
	}

	h.submit(message.ProcessExit{PID: 100})
	retried := h.nextRequest()
	if retried.to.PID != 101 || retried.req.Correlation != commits[1].req.Correlation || retried.req.Kind != message.KindCommit {
		t.Fatalf("retried=%+v", retried)
	}
	h.respond(retried, xa.OK)
	h.respond(commits[2], xa.OK)
	if cr := h.await(reply).(message.CommitReply); cr.Code != xa.OK || cr.Stage != "commit" {
		t.Fatalf("commit reply=%+v", cr)
	}
}

func TestOwnerExitRollsBack(t *testing.T) {
	h := newHarness(t, nil, twoResources())
	h.connect(1, 100)
	trid := h.begin(0, 1)
	h.submit(message.ProcessExit{PID: 4242})
	rb := h.nextRequest()
	if rb.req.Kind != message.KindRollback || !rb.req.TRID.Equal(trid) {
		t.Fatalf("request=%+v", rb.req)
	}
}

func TestLogSyncFailureStopsManager(t *testing.T) {
	h := newHarness(t, nil, twoResources())
	h.connect(1, 100)
	h.connect(2, 200)
	trid := h.begin(0, 1, 2)
	h.log.FailSync(errors.New("disk gone"))
	reply := h.commit(trid)

	if err := h.runErr(); !errors.Is(err, ErrLogFailure) {
		t.Fatalf("run err=%v", err)
	}
	if !errors.Is(h.m.Err(), ErrLogFailure) {
		t.Fatalf("Err()=%v", h.m.Err())
	}
	if len(h.sender.sent) != 0 || len(reply) != 0 {
		t.Fatal("nothing may be sent after a failed sync")
	}
	if err := h.m.Submit(context.Background(), message.ProcessExit{PID: 1}); !errors.Is(err, ErrStopped) {
		t.Fatalf("submit after stop err=%v", err)
	}
}

func TestRollbackReplyPolicy(t *testing.T) {
	cases := []struct {
		name    string
		policy  RollbackPolicy
		replied bool
	}{
		{name: "after log", policy: ReplyAfterLog, replied: false},
		{name: "before log", policy: ReplyBeforeLog, replied: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, nil, twoResources(), func(cfg *Config) { cfg.RollbackPolicy = tc.policy })
			h.connect(1, 100)
			h.connect(2, 200)
			trid := h.begin(0, 1, 2)
			reply := h.commit(trid)
			prepares := h.requests(2, message.KindPrepare)
			h.respond(prepares[1], xa.RBDEADLOCK)
			h.respond(prepares[2], xa.OK)
			rollbacks := h.requests(2, message.KindRollback)
			h.barrier()

			h.log.FailSync(errors.New("disk gone"))
			h.respond(rollbacks[1], xa.OK)
			h.respond(rollbacks[2], xa.OK)
			if err := h.runErr(); !errors.Is(err, ErrLogFailure) {
				t.Fatalf("run err=%v", err)
			}
			if got := len(reply) == 1; got != tc.replied {
				t.Fatalf("replied=%v want %v", got, tc.replied)
			}
			if tc.replied {
				if cr := (<-reply).(message.CommitReply); cr.Code != xa.RBDEADLOCK {
					t.Fatalf("reply=%+v", cr)
				}
			}
		})
	}
}

func TestExternalResource(t *testing.T) {
	h := newHarness(t, nil, twoResources())
	h.connect(1, 100)
	trid := h.begin(0, 1)
	ext := message.Process{PID: 777, Endpoint: "http://queue"}
	extReply := make(chan message.Outbound, 1)
	h.submit(message.ExternalInvolved{TRID: trid, Process: ext, Reply: extReply})
	er := h.await(extReply).(message.ExternalReply)
	if er.Resource != -1 {
		t.Fatalf("external reply=%+v", er)
	}

	reply := h.commit(trid)
	prepares := h.requests(2, message.KindPrepare)
	if prepares[-1].to.Endpoint != "http://queue" {
		t.Fatalf("external prepare went to %+v", prepares[-1].to)
	}
	h.respond(prepares[-1], xa.OK)
	h.respond(prepares[1], xa.OK)
	commits := h.requests(2, message.KindCommit)
	h.respond(commits[-1], xa.OK)
	h.respond(commits[1], xa.OK)
	if cr := h.await(reply).(message.CommitReply); cr.Code != xa.OK {
		t.Fatalf("commit reply=%+v", cr)
	}
	st := h.barrier()
	if len(st.Externals) != 1 || st.Externals[0].ID != -1 {
		t.Fatalf("externals=%+v", st.Externals)
	}
}

func TestDomainPrepareThenCommit(t *testing.T) {
	h := newHarness(t, nil, twoResources())
	h.connect(1, 100)
	h.connect(2, 200)
	trid := h.begin(0, 1, 2)
	peer := message.Process{Endpoint: "http://peer"}

	domain := func(kind message.Kind, trid xa.XID, flags xa.Flags) <-chan message.Outbound {
		reply := make(chan message.Outbound, 1)
		h.submit(message.DomainRequest{Kind: kind, Correlation: "d", Process: peer, TRID: trid, Resource: 7, Flags: flags, Reply: reply})
		return reply
	}

	if dr := h.await(domain(message.KindCommit, xa.NewXID(), 0)).(message.DomainReply); dr.Code != xa.ERNOTA {
		t.Fatalf("unknown commit=%+v", dr)
	}
	if dr := h.await(domain(message.KindPrepare, xa.NewXID(), 0)).(message.DomainReply); dr.Code != xa.RDONLY {
		t.Fatalf("unknown prepare=%+v", dr)
	}

	reply := domain(message.KindPrepare, trid, 0)
	prepares := h.requests(2, message.KindPrepare)
	h.respond(prepares[1], xa.OK)
	h.respond(prepares[2], xa.OK)
	dr := h.await(reply).(message.DomainReply)
	if dr.Kind != message.KindPrepare || dr.Code != xa.OK || dr.Resource != 7 {
		t.Fatalf("prepare reply=%+v", dr)
	}
	st := h.barrier()
	if st.Transactions[0].Stage != "post_prepare" || !st.Transactions[0].Remote {
		t.Fatalf("transaction=%+v", st.Transactions[0])
	}
	if cr := h.await(h.commit(trid)).(message.CommitReply); cr.Code != xa.ERPROTO {
		t.Fatalf("local commit of remote transaction=%+v", cr)
	}

	reply = domain(message.KindCommit, trid, 0)
	commits := h.requests(2, message.KindCommit)
	h.respond(commits[1], xa.OK)
	h.respond(commits[2], xa.OK)
	dr = h.await(reply).(message.DomainReply)
	if dr.Kind != message.KindCommit || dr.Code != xa.OK {
		t.Fatalf("commit reply=%+v", dr)
	}
	if got := h.logKinds(); !slices.Equal(got, []string{"prepare", "commit", "remove"}) {
		t.Fatalf("log=%v", got)
	}
}

func TestDomainCommitOnePhaseWithoutPrepare(t *testing.T) {
	h := newHarness(t, nil, twoResources())
	h.connect(1, 100)
	trid := h.begin(0, 1)
	reply := make(chan message.Outbound, 1)
	h.submit(message.DomainRequest{Kind: message.KindCommit, TRID: trid, Resource: 3, Reply: reply})
	if dr := h.await(reply).(message.DomainReply); dr.Code != xa.ERPROTO {
		t.Fatalf("commit without one-phase flag=%+v", dr)
	}
	h.submit(message.DomainRequest{Kind: message.KindCommit, TRID: trid, Resource: 3, Flags: xa.TMONEPHASE, Reply: reply})
	req := h.nextRequest()
	if !req.req.Flags.Has(xa.TMONEPHASE) {
		t.Fatalf("request=%+v", req.req)
	}
	h.respond(req, xa.OK)
	if dr := h.await(reply).(message.DomainReply); dr.Code != xa.OK || dr.Kind != message.KindCommit {
		t.Fatalf("reply=%+v", dr)
	}
}

func TestConnectAndReady(t *testing.T) {
	h := newHarness(t, nil, twoResources())
	h.barrier()
	if h.m.Ready() {
		t.Fatal("ready without instances")
	}
	actions := h.super.Actions()
	if len(actions) != 2 || actions[0].Spawn != 1 || actions[1].Spawn != 1 {
		t.Fatalf("initial scale actions=%+v", actions)
	}

	reply := make(chan message.Outbound, 1)
	h.submit(message.Connect{Resource: 9, Process: message.Process{PID: 1}, Code: xa.OK, Reply: reply})
	if cr := h.await(reply).(message.ConnectReply); cr.Code != xa.ERINVAL {
		t.Fatalf("unknown resource connect=%+v", cr)
	}

	h.submit(message.Connect{Resource: 1, Process: message.Process{PID: 100}, Code: xa.OK, Reply: reply})
	cr := h.await(reply).(message.ConnectReply)
	if cr.OpenInfo != "dsn=orders" || cr.Key != "db" {
		t.Fatalf("connect reply=%+v", cr)
	}
	h.connect(2, 200)
	waitFor(t, h.m.Ready)

	h.submit(message.Configure{Resources: []message.ResourceConfig{{ID: 1, Key: "db", Instances: 3}}})
	h.barrier()
	actions = h.super.Actions()
	spawn := actions[len(actions)-2]
	stop := actions[len(actions)-1]
	if spawn.Resource != 1 || spawn.Spawn != 2 || stop.Resource != 2 || len(stop.Stop) != 1 {
		t.Fatalf("reconfigure actions=%+v", actions[2:])
	}
}

func TestParseRollbackPolicy(t *testing.T) {
	for _, p := range []RollbackPolicy{ReplyAfterLog, ReplyBeforeLog} {
		got, err := ParseRollbackPolicy(p.String())
		if err != nil || got != p {
			t.Fatalf("ParseRollbackPolicy(%q)=%v,%v", p.String(), got, err)
		}
	}
	if _, err := ParseRollbackPolicy("sometimes"); err == nil {
		t.Fatal("expected error")
	}
}
