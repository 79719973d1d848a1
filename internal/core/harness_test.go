package core

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"pkt.systems/xatm/internal/clock"
	"pkt.systems/xatm/internal/message"
	"pkt.systems/xatm/internal/resource"
	"pkt.systems/xatm/internal/tmlog/memory"
	"pkt.systems/xatm/internal/xa"
)

const waitTimeout = 2 * time.Second

type captureSender struct {
	sent chan message.Envelope
}

func (s *captureSender) Send(env message.Envelope) {
	s.sent <- env
}

type captureSupervisor struct {
	mu      sync.Mutex
	actions []resource.ScaleAction
}

func (s *captureSupervisor) Scale(a resource.ScaleAction) {
	s.mu.Lock()
	s.actions = append(s.actions, a)
	s.mu.Unlock()
}

func (s *captureSupervisor) Actions() []resource.ScaleAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.actions)
}

type harness struct {
	t      *testing.T
	m      *Manager
	log    *memory.Log
	clock  *clock.Manual
	sender *captureSender
	super  *captureSupervisor
	cancel context.CancelFunc
	errc   chan error
}

type sentRequest struct {
	to  message.Process
	req message.ResourceRequest
}

func newHarness(t *testing.T, log *memory.Log, resources []message.ResourceConfig, opts ...func(*Config)) *harness {
	t.Helper()
	if log == nil {
		log = memory.New()
	}
	h := &harness{
		t:      t,
		log:    log,
		clock:  clock.NewManual(time.Unix(1_700_000_000, 0)),
		sender: &captureSender{sent: make(chan message.Envelope, 256)},
		super:  &captureSupervisor{},
		errc:   make(chan error, 1),
	}
	cfg := Config{
		Clock:      h.clock,
		Log:        log,
		Resources:  resources,
		Sender:     h.sender,
		Supervisor: h.super,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	h.m = m
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.errc <- m.Run(ctx) }()
	t.Cleanup(h.stop)
	return h
}

func twoResources() []message.ResourceConfig {
	return []message.ResourceConfig{
		{ID: 1, Key: "db", Name: "orders", OpenInfo: "dsn=orders", Instances: 1},
		{ID: 2, Key: "mq", Name: "events", Instances: 1},
	}
}

func (h *harness) stop() {
	h.cancel()
	select {
	case <-h.m.Done():
	case <-time.After(waitTimeout):
		h.t.Errorf("manager did not stop")
	}
}

func (h *harness) runErr() error {
	h.t.Helper()
	select {
	case err := <-h.errc:
		return err
	case <-time.After(waitTimeout):
		h.t.Fatal("manager still running")
		return nil
	}
}

func (h *harness) submit(msg message.Inbound) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := h.m.Submit(ctx, msg); err != nil {
		h.t.Fatalf("submit %T: %v", msg, err)
	}
}

func (h *harness) await(ch <-chan message.Outbound) message.Outbound {
	h.t.Helper()
	select {
	case out := <-ch:
		return out
	case <-time.After(waitTimeout):
		h.t.Fatal("timed out waiting for reply")
		return nil
	}
}

func (h *harness) connect(rm xa.RMID, pid int) message.Process {
	h.t.Helper()
	proc := message.Process{PID: pid, Endpoint: fmt.Sprintf("http://rm%d-%d", rm, pid)}
	reply := make(chan message.Outbound, 1)
	h.submit(message.Connect{Resource: rm, Process: proc, Code: xa.OK, Reply: reply})
	cr, ok := h.await(reply).(message.ConnectReply)
	if !ok || cr.Code != xa.OK || cr.Resource != rm {
		h.t.Fatalf("connect reply=%+v", cr)
	}
	return proc
}

func (h *harness) begin(timeout time.Duration, rms ...xa.RMID) xa.XID {
	h.t.Helper()
	trid := xa.NewXID()
	reply := make(chan message.Outbound, 1)
	h.submit(message.Begin{Correlation: "begin", Process: message.Process{PID: 4242}, TRID: trid, Timeout: timeout, Reply: reply})
	br, ok := h.await(reply).(message.BeginReply)
	if !ok || br.Code != xa.OK || !br.TRID.Equal(trid) {
		h.t.Fatalf("begin reply=%+v", br)
	}
	if len(rms) > 0 {
		h.submit(message.Involved{TRID: trid, Resources: rms})
	}
	return trid
}

func (h *harness) commit(trid xa.XID) <-chan message.Outbound {
	h.t.Helper()
	reply := make(chan message.Outbound, 1)
	h.submit(message.Commit{Correlation: "commit", Process: message.Process{PID: 4242}, TRID: trid, Reply: reply})
	return reply
}

func (h *harness) nextRequest() sentRequest {
	h.t.Helper()
	select {
	case env := <-h.sender.sent:
		req, ok := env.Message.(message.ResourceRequest)
		if !ok {
			h.t.Fatalf("expected resource request, got %T", env.Message)
		}
		return sentRequest{to: env.To.Process, req: req}
	case <-time.After(waitTimeout):
		h.t.Fatal("timed out waiting for resource request")
		return sentRequest{}
	}
}

// requests collects n requests of kind, keyed by resource.
func (h *harness) requests(n int, kind message.Kind) map[xa.RMID]sentRequest {
	h.t.Helper()
	out := make(map[xa.RMID]sentRequest, n)
	for range n {
		s := h.nextRequest()
		if s.req.Kind != kind {
			h.t.Fatalf("request kind=%s want %s", s.req.Kind, kind)
		}
		out[s.req.Resource] = s
	}
	return out
}

func (h *harness) respond(s sentRequest, code xa.Code) {
	h.t.Helper()
	now := h.clock.Now()
	h.submit(message.ResourceReply{
		Kind:        s.req.Kind,
		Correlation: s.req.Correlation,
		TRID:        s.req.TRID,
		Resource:    s.req.Resource,
		Process:     s.to,
		Code:        code,
		Statistics:  message.Statistics{Start: now, End: now.Add(3 * time.Millisecond)},
	})
}

// barrier returns a snapshot taken after everything submitted so far has
// been handled and flushed.
func (h *harness) barrier() message.State {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if _, err := h.m.Snapshot(ctx); err != nil {
		h.t.Fatalf("snapshot: %v", err)
	}
	st, err := h.m.Snapshot(ctx)
	if err != nil {
		h.t.Fatalf("snapshot: %v", err)
	}
	return st
}

func (h *harness) expectQuiet() {
	h.t.Helper()
	h.barrier()
	if n := len(h.sender.sent); n != 0 {
		env := <-h.sender.sent
		h.t.Fatalf("expected no outbound messages, have %d (first %T %+v)", n, env.Message, env.Message)
	}
}

func (h *harness) logKinds() []string {
	var kinds []string
	for _, e := range h.log.Entries() {
		kinds = append(kinds, e.Kind.String())
	}
	return kinds
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(time.Millisecond)
	}
}
