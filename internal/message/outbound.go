package message

import "pkt.systems/xatm/internal/xa"

// BeginReply answers Begin.
type BeginReply struct {
	Correlation string
	TRID        xa.XID
	Code        xa.Code
}

// CommitReply answers Commit. Stage echoes the transaction stage the reply
// was produced in.
type CommitReply struct {
	Correlation string
	TRID        xa.XID
	Stage       string
	Code        xa.Code
}

// RollbackReply answers Rollback.
type RollbackReply struct {
	Correlation string
	TRID        xa.XID
	Stage       string
	Code        xa.Code
}

// ExternalReply answers ExternalInvolved with the assigned resource id.
type ExternalReply struct {
	TRID     xa.XID
	Resource xa.RMID
}

// ResourceRequest is a prepare/commit/rollback sent to a resource instance.
type ResourceRequest struct {
	Kind        Kind
	Correlation string
	TRID        xa.XID
	Resource    xa.RMID
	Flags       xa.Flags
}

// DomainReply answers DomainRequest with the aggregated outcome.
type DomainReply struct {
	Kind        Kind
	Correlation string
	TRID        xa.XID
	Resource    xa.RMID
	Code        xa.Code
}

// ConnectReply hands a connecting instance its resource configuration.
type ConnectReply struct {
	Resource  xa.RMID
	Key       string
	OpenInfo  string
	CloseInfo string
	Code      xa.Code
}

// StateReply answers StateRequest.
type StateReply struct {
	State State
}

func (BeginReply) outbound()      {}
func (CommitReply) outbound()     {}
func (RollbackReply) outbound()   {}
func (ExternalReply) outbound()   {}
func (ResourceRequest) outbound() {}
func (DomainReply) outbound()     {}
func (ConnectReply) outbound()    {}
func (StateReply) outbound()      {}
