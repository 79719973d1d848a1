// Package resource tracks resource proxies, their instances and external
// resources, and reserves idle instances for resource requests.
package resource

import (
	"errors"
	"slices"
	"time"

	"github.com/rs/xid"

	"pkt.systems/xatm/internal/message"
	"pkt.systems/xatm/internal/pending"
	"pkt.systems/xatm/internal/xa"
)

// ErrUnknownResource is returned for resource ids with no proxy.
var ErrUnknownResource = errors.New("resource: unknown resource")

// InstanceState is the lifecycle state of a resource instance.
type InstanceState uint8

// Instance states.
const (
	InstanceSpawned InstanceState = iota + 1
	InstanceIdle
	InstanceBusy
	InstanceError
	InstanceShutdown
)

func (s InstanceState) String() string {
	switch s {
	case InstanceSpawned:
		return "spawned"
	case InstanceIdle:
		return "idle"
	case InstanceBusy:
		return "busy"
	case InstanceError:
		return "error"
	case InstanceShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Running reports whether the instance has connected and can serve requests.
func (s InstanceState) Running() bool {
	return s == InstanceIdle || s == InstanceBusy
}

// Assignment is the request a busy instance is serving.
type Assignment struct {
	Correlation string
	TRID        xa.XID
	Resource    xa.RMID
	Kind        message.Kind
	Flags       xa.Flags
}

// Request rebuilds the resource request for the assignment.
func (a Assignment) Request() message.ResourceRequest {
	return message.ResourceRequest{
		Kind:        a.Kind,
		Correlation: a.Correlation,
		TRID:        a.TRID,
		Resource:    a.Resource,
		Flags:       a.Flags,
	}
}

// Instance is one server process serving a resource proxy.
type Instance struct {
	ID         string
	Process    message.Process
	State      InstanceState
	Reserved   time.Time
	Assignment *Assignment
	Metrics    message.Metrics
}

// Proxy is a configured resource with its instances.
type Proxy struct {
	ID          xa.RMID
	Key         string
	Name        string
	OpenInfo    string
	CloseInfo   string
	Concurrency int
	Instances   []*Instance
	// Metrics holds the folded statistics of removed instances.
	Metrics message.Metrics
}

// Running returns the number of connected instances.
func (p *Proxy) Running() int {
	n := 0
	for _, inst := range p.Instances {
		if inst.State.Running() {
			n++
		}
	}
	return n
}

// Totals returns the proxy's historical metrics plus those of live
// instances.
func (p *Proxy) Totals() message.Metrics {
	out := p.Metrics
	for _, inst := range p.Instances {
		out.Merge(inst.Metrics)
	}
	return out
}

// External is a process that involved itself in a transaction as a resource.
type External struct {
	ID      xa.RMID
	Process message.Process
}

// ScaleAction asks the supervisor to start Spawn new instances of a proxy or
// to stop the listed instances.
type ScaleAction struct {
	Resource xa.RMID
	Key      string
	Spawn    int
	Stop     []message.Process
}

// Pool owns every proxy and external resource. It is driven from the dispatch
// goroutine and is not safe for concurrent use.
type Pool struct {
	proxies   map[xa.RMID]*Proxy
	externals []*External
	queue     *pending.Queue
}

// NewPool builds proxies from configs. Requests that cannot be reserved are
// parked in queue.
func NewPool(configs []message.ResourceConfig, queue *pending.Queue) *Pool {
	if queue == nil {
		queue = pending.NewQueue()
	}
	p := &Pool{proxies: make(map[xa.RMID]*Proxy), queue: queue}
	p.Reconcile(configs)
	return p
}

// Queue returns the pending request queue.
func (p *Pool) Queue() *pending.Queue {
	return p.queue
}

// Proxy returns the proxy for id.
func (p *Pool) Proxy(id xa.RMID) (*Proxy, bool) {
	proxy, ok := p.proxies[id]
	return proxy, ok
}

// Proxies returns all proxies ordered by id.
func (p *Pool) Proxies() []*Proxy {
	out := make([]*Proxy, 0, len(p.proxies))
	for _, proxy := range p.proxies {
		out = append(out, proxy)
	}
	slices.SortFunc(out, func(a, b *Proxy) int { return int(a.ID) - int(b.ID) })
	return out
}

// Connect records that process has opened (code OK) or failed to open the
// resource id. Unknown processes are added as new instances.
func (p *Pool) Connect(id xa.RMID, process message.Process, code xa.Code) (*Proxy, *Instance, error) {
	proxy, ok := p.proxies[id]
	if !ok {
		return nil, nil, ErrUnknownResource
	}
	inst := proxy.instance(process)
	if inst == nil {
		inst = &Instance{ID: xid.New().String(), Process: process, State: InstanceSpawned}
		proxy.Instances = append(proxy.Instances, inst)
	}
	if process.Endpoint != "" {
		inst.Process.Endpoint = process.Endpoint
	}
	switch {
	case inst.State == InstanceShutdown, inst.State == InstanceBusy && code == xa.OK:
	case code == xa.OK:
		inst.State = InstanceIdle
	default:
		inst.State = InstanceError
	}
	return proxy, inst, nil
}

// TryReserve marks the first idle instance of id busy with a. It returns
// false when the proxy has no idle instance.
func (p *Pool) TryReserve(id xa.RMID, a Assignment, now time.Time) (*Instance, bool) {
	proxy, ok := p.proxies[id]
	if !ok {
		return nil, false
	}
	for _, inst := range proxy.Instances {
		if inst.State == InstanceIdle {
			reserve(inst, a, now)
			return inst, true
		}
	}
	return nil, false
}

// Defer parks req until an instance of its resource becomes idle.
func (p *Pool) Defer(req pending.Request) {
	p.queue.Push(req)
}

// Unreserve returns inst to idle and records stats for the finished request.
// When a request is pending for the same resource the instance is reserved
// for it right away and the request is returned to be sent.
func (p *Pool) Unreserve(inst *Instance, stats message.Statistics, now time.Time) (pending.Request, bool) {
	if inst == nil {
		return pending.Request{}, false
	}
	if inst.State == InstanceBusy {
		inst.Metrics.Resource.Add(stats.Duration())
		if !inst.Reserved.IsZero() {
			inst.Metrics.Roundtrip.Add(now.Sub(inst.Reserved))
		}
		inst.State = InstanceIdle
	}
	inst.Assignment = nil
	inst.Reserved = time.Time{}
	return p.Drain(inst, now)
}

// Drain reserves an idle inst for the oldest pending request of its proxy.
func (p *Pool) Drain(inst *Instance, now time.Time) (pending.Request, bool) {
	if inst == nil || inst.State != InstanceIdle {
		return pending.Request{}, false
	}
	proxy, _ := p.owner(inst)
	if proxy == nil {
		return pending.Request{}, false
	}
	req, ok := p.queue.Pop(proxy.ID)
	if !ok {
		return pending.Request{}, false
	}
	inst.Metrics.Pending.Add(now.Sub(req.Created))
	reserve(inst, Assignment{
		Correlation: req.Payload.Correlation,
		TRID:        req.Payload.TRID,
		Resource:    req.Payload.Resource,
		Kind:        req.Payload.Kind,
		Flags:       req.Payload.Flags,
	}, now)
	return req, true
}

// MarkError puts the instance with process into error. Its assignment, if
// any, is returned.
func (p *Pool) MarkError(process message.Process) (*Instance, *Assignment) {
	return p.mark(process, InstanceError)
}

// MarkShutdown puts the instance with process into shutdown.
func (p *Pool) MarkShutdown(process message.Process) (*Instance, *Assignment) {
	return p.mark(process, InstanceShutdown)
}

func (p *Pool) mark(process message.Process, state InstanceState) (*Instance, *Assignment) {
	_, inst := p.InstanceByProcess(process)
	if inst == nil {
		return nil, nil
	}
	a := inst.Assignment
	inst.State = state
	inst.Assignment = nil
	inst.Reserved = time.Time{}
	return inst, a
}

// RemoveInstance drops the instance with process, folding its statistics
// into the proxy. The assignment the instance was serving is returned.
func (p *Pool) RemoveInstance(process message.Process) (*Proxy, *Assignment, bool) {
	proxy, inst := p.InstanceByProcess(process)
	if inst == nil {
		return nil, nil, false
	}
	proxy.Metrics.Merge(inst.Metrics)
	proxy.Instances = slices.DeleteFunc(proxy.Instances, func(i *Instance) bool { return i == inst })
	return proxy, inst.Assignment, true
}

// InstanceByPID returns the instance running as pid.
func (p *Pool) InstanceByPID(pid int) (*Proxy, *Instance) {
	if pid == 0 {
		return nil, nil
	}
	return p.InstanceByProcess(message.Process{PID: pid})
}

// Assigned returns the instance of resource id serving the request with
// correlation.
func (p *Pool) Assigned(id xa.RMID, correlation string) *Instance {
	proxy, ok := p.proxies[id]
	if !ok || correlation == "" {
		return nil
	}
	for _, inst := range proxy.Instances {
		if inst.Assignment != nil && inst.Assignment.Correlation == correlation {
			return inst
		}
	}
	return nil
}

// AssignedFor returns the instance of resource id serving a kind request for
// trid. When several instances match, the one running as process wins.
func (p *Pool) AssignedFor(id xa.RMID, trid xa.XID, kind message.Kind, process message.Process) *Instance {
	proxy, ok := p.proxies[id]
	if !ok {
		return nil
	}
	var found *Instance
	for _, inst := range proxy.Instances {
		a := inst.Assignment
		if a == nil || a.Kind != kind || !a.TRID.Equal(trid) {
			continue
		}
		if sameProcess(inst.Process, process) {
			return inst
		}
		if found == nil {
			found = inst
		}
	}
	return found
}

// InstanceByProcess finds an instance by pid, or by endpoint when the pid is
// unknown.
func (p *Pool) InstanceByProcess(process message.Process) (*Proxy, *Instance) {
	for _, proxy := range p.Proxies() {
		if inst := proxy.instance(process); inst != nil {
			return proxy, inst
		}
	}
	return nil, nil
}

// External returns the external resource registered for process, assigning
// the next free negative id on first use.
func (p *Pool) External(process message.Process) *External {
	for _, ext := range p.externals {
		if sameProcess(ext.Process, process) {
			return ext
		}
	}
	ext := &External{ID: xa.RMID(-(len(p.externals) + 1)), Process: process}
	p.externals = append(p.externals, ext)
	return ext
}

// ExternalByID returns the external resource with id.
func (p *Pool) ExternalByID(id xa.RMID) (*External, bool) {
	for _, ext := range p.externals {
		if ext.ID == id {
			return ext, true
		}
	}
	return nil, false
}

// Externals returns all external resources.
func (p *Pool) Externals() []*External {
	return slices.Clone(p.externals)
}

// Reconcile applies configs: new proxies are created, existing ones pick up
// changed attributes and target counts, and proxies missing from configs are
// scaled to zero. The returned actions bring running instances to target.
func (p *Pool) Reconcile(configs []message.ResourceConfig) []ScaleAction {
	seen := make(map[xa.RMID]bool, len(configs))
	var actions []ScaleAction
	for _, cfg := range configs {
		if cfg.ID <= 0 {
			continue
		}
		seen[cfg.ID] = true
		proxy, ok := p.proxies[cfg.ID]
		if !ok {
			proxy = &Proxy{ID: cfg.ID}
			p.proxies[cfg.ID] = proxy
		}
		proxy.Key = cfg.Key
		proxy.Name = cfg.Name
		proxy.OpenInfo = cfg.OpenInfo
		proxy.CloseInfo = cfg.CloseInfo
		proxy.Concurrency = max(cfg.Instances, 0)
		if action, ok := proxy.scale(); ok {
			actions = append(actions, action)
		}
	}
	for _, proxy := range p.Proxies() {
		if seen[proxy.ID] {
			continue
		}
		proxy.Concurrency = 0
		if action, ok := proxy.scale(); ok {
			actions = append(actions, action)
		}
		if len(proxy.Instances) == 0 {
			delete(p.proxies, proxy.ID)
		}
	}
	slices.SortFunc(actions, func(a, b ScaleAction) int { return int(a.Resource) - int(b.Resource) })
	return actions
}

// Booted reports whether every proxy with a target above zero has at least
// one running instance.
func (p *Pool) Booted() bool {
	for _, proxy := range p.proxies {
		if proxy.Concurrency > 0 && proxy.Running() == 0 {
			return false
		}
	}
	return true
}

// Snapshot renders the admin view of every proxy.
func (p *Pool) Snapshot() ([]message.ResourceState, []message.ExternalState) {
	var resources []message.ResourceState
	for _, proxy := range p.Proxies() {
		rs := message.ResourceState{
			ID:          proxy.ID,
			Key:         proxy.Key,
			Name:        proxy.Name,
			Concurrency: proxy.Concurrency,
			Metrics:     proxy.Totals(),
		}
		for _, inst := range proxy.Instances {
			rs.Instances = append(rs.Instances, message.InstanceState{
				ID:       inst.ID,
				Process:  inst.Process,
				State:    inst.State.String(),
				Reserved: inst.Reserved,
				Metrics:  inst.Metrics,
			})
		}
		resources = append(resources, rs)
	}
	var externals []message.ExternalState
	for _, ext := range p.externals {
		externals = append(externals, message.ExternalState{ID: ext.ID, Process: ext.Process})
	}
	return resources, externals
}

// scale compares the live instance count with the target. Spawned instances
// count as live since they are on their way up.
func (proxy *Proxy) scale() (ScaleAction, bool) {
	live := 0
	for _, inst := range proxy.Instances {
		if inst.State == InstanceSpawned || inst.State.Running() {
			live++
		}
	}
	action := ScaleAction{Resource: proxy.ID, Key: proxy.Key}
	switch {
	case live < proxy.Concurrency:
		action.Spawn = proxy.Concurrency - live
	case live > proxy.Concurrency:
		excess := live - proxy.Concurrency
		// busy instances are stopped last and keep their assignment
		for _, want := range []InstanceState{InstanceSpawned, InstanceIdle, InstanceBusy} {
			for _, inst := range proxy.Instances {
				if excess == 0 {
					break
				}
				if inst.State == want {
					action.Stop = append(action.Stop, inst.Process)
					inst.State = InstanceShutdown
					excess--
				}
			}
		}
	default:
		return ScaleAction{}, false
	}
	return action, true
}

func (proxy *Proxy) instance(process message.Process) *Instance {
	for _, inst := range proxy.Instances {
		if sameProcess(inst.Process, process) {
			return inst
		}
	}
	return nil
}

func (p *Pool) owner(inst *Instance) (*Proxy, bool) {
	for _, proxy := range p.proxies {
		if slices.Contains(proxy.Instances, inst) {
			return proxy, true
		}
	}
	return nil, false
}

func reserve(inst *Instance, a Assignment, now time.Time) {
	inst.State = InstanceBusy
	inst.Reserved = now
	inst.Assignment = &a
}

func sameProcess(a, b message.Process) bool {
	if a.PID != 0 && b.PID != 0 {
		return a.PID == b.PID
	}
	return a.Endpoint != "" && a.Endpoint == b.Endpoint
}
