// Package message defines the closed set of messages exchanged between the
// transaction manager, its callers, resource manager instances and peer
// domains. Inbound and Outbound are sum types; handlers switch on the
// concrete type.
package message

import (
	"time"

	"pkt.systems/xatm/internal/xa"
)

// Process identifies a peer process by pid (zero when unknown or remote) and
// the endpoint the manager reaches it on.
type Process struct {
	PID      int    `json:"pid,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
}

// IsZero reports whether p carries no identity.
func (p Process) IsZero() bool {
	return p.PID == 0 && p.Endpoint == ""
}

// Kind selects the XA verb of a resource or domain exchange.
type Kind uint8

// Resource request kinds.
const (
	KindPrepare Kind = iota + 1
	KindCommit
	KindRollback
)

func (k Kind) String() string {
	switch k {
	case KindPrepare:
		return "prepare"
	case KindCommit:
		return "commit"
	case KindRollback:
		return "rollback"
	default:
		return "unknown"
	}
}

// ParseKind maps the String form back to a Kind.
func ParseKind(raw string) (Kind, bool) {
	switch raw {
	case "prepare":
		return KindPrepare, true
	case "commit":
		return KindCommit, true
	case "rollback":
		return KindRollback, true
	}
	return 0, false
}

// Statistics is the timing a resource instance reports with each reply.
type Statistics struct {
	Start time.Time `json:"start,omitempty"`
	End   time.Time `json:"end,omitempty"`
}

// Duration returns End-Start, or zero when either bound is missing.
func (s Statistics) Duration() time.Duration {
	if s.Start.IsZero() || s.End.IsZero() || s.End.Before(s.Start) {
		return 0
	}
	return s.End.Sub(s.Start)
}

// ResourceConfig declares one resource proxy and its target instance count.
type ResourceConfig struct {
	ID        xa.RMID `json:"id" yaml:"id"`
	Key       string  `json:"key" yaml:"key"`
	Name      string  `json:"name" yaml:"name"`
	OpenInfo  string  `json:"openinfo,omitempty" yaml:"openinfo,omitempty"`
	CloseInfo string  `json:"closeinfo,omitempty" yaml:"closeinfo,omitempty"`
	Instances int     `json:"instances" yaml:"instances"`
	Note      string  `json:"note,omitempty" yaml:"note,omitempty"`
}

// Target addresses an outbound message. Callers waiting synchronously supply
// a Sink; everything else is delivered to Process.Endpoint by the transport.
type Target struct {
	Process Process
	Sink    chan<- Outbound
}

// Envelope pairs an outbound message with its destination.
type Envelope struct {
	To      Target
	Message Outbound
}

// Inbound is implemented by every message the manager consumes.
type Inbound interface {
	inbound()
}

// Outbound is implemented by every message the manager produces.
type Outbound interface {
	outbound()
}
