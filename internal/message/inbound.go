package message

import (
	"time"

	"pkt.systems/xatm/internal/xa"
)

// Begin starts (or joins) a transaction branch.
type Begin struct {
	Correlation string
	Process     Process
	TRID        xa.XID
	Timeout     time.Duration
	Reply       chan<- Outbound
}

// Involved reports resources taking part in a branch.
type Involved struct {
	TRID      xa.XID
	Resources []xa.RMID
}

// ExternalInvolved registers the sending process as an external resource of
// the branch.
type ExternalInvolved struct {
	TRID    xa.XID
	Process Process
	Reply   chan<- Outbound
}

// Commit asks the manager to commit the transaction owning TRID.
type Commit struct {
	Correlation string
	Process     Process
	TRID        xa.XID
	Resources   []xa.RMID
	Reply       chan<- Outbound
}

// Rollback asks the manager to roll back the transaction owning TRID.
type Rollback struct {
	Correlation string
	Process     Process
	TRID        xa.XID
	Resources   []xa.RMID
	Reply       chan<- Outbound
}

// ResourceReply is a resource instance's answer to a ResourceRequest.
type ResourceReply struct {
	Kind        Kind
	Correlation string
	TRID        xa.XID
	Resource    xa.RMID
	Process     Process
	Code        xa.Code
	Statistics  Statistics
}

// Connect is sent by a resource instance when it has opened its resource
// manager (Code XA_OK) or failed to (any other code).
type Connect struct {
	Resource xa.RMID
	Process  Process
	Code     xa.Code
	Reply    chan<- Outbound
}

// ProcessExit reports that a process is gone.
type ProcessExit struct {
	PID int
}

// DeliveryFailed reports that a resource request could not be handed to the
// instance it was reserved for.
type DeliveryFailed struct {
	Process Process
	Request ResourceRequest
	Err     error
}

// Configure carries a new declarative resource configuration.
type Configure struct {
	Resources []ResourceConfig
}

// DomainRequest is a prepare/commit/rollback issued by a peer domain that
// owns the transaction; this manager acts as one of its resources.
type DomainRequest struct {
	Kind        Kind
	Correlation string
	Process     Process
	TRID        xa.XID
	Resource    xa.RMID
	Flags       xa.Flags
	Reply       chan<- Outbound
}

// StateRequest asks for a read-only snapshot.
type StateRequest struct {
	Reply chan<- Outbound
}

func (Begin) inbound()            {}
func (Involved) inbound()         {}
func (ExternalInvolved) inbound() {}
func (Commit) inbound()           {}
func (Rollback) inbound()         {}
func (ResourceReply) inbound()    {}
func (Connect) inbound()          {}
func (ProcessExit) inbound()      {}
func (DeliveryFailed) inbound()   {}
func (Configure) inbound()        {}
func (DomainRequest) inbound()    {}
func (StateRequest) inbound()     {}
