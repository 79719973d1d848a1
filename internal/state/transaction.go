package state

import (
	"slices"
	"time"

	"pkt.systems/xatm/internal/message"
	"pkt.systems/xatm/internal/xa"
)

// Stage is the coordination stage of a transaction. Values are ordered; a
// transaction never moves to a lower stage.
type Stage uint8

// Transaction stages.
const (
	StageInvolved Stage = iota + 1
	StagePrepare
	StagePostPrepare
	StageCommit
	StageRollback
)

func (s Stage) String() string {
	switch s {
	case StageInvolved:
		return "involved"
	case StagePrepare:
		return "prepare"
	case StagePostPrepare:
		return "post_prepare"
	case StageCommit:
		return "commit"
	case StageRollback:
		return "rollback"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is commit or rollback.
func (s Stage) Terminal() bool {
	return s == StageCommit || s == StageRollback
}

// BranchResource is one resource of a branch and the XA code of its latest
// reply.
type BranchResource struct {
	ID   xa.RMID
	Code xa.Code
}

// Branch is one XA branch (trid) of a global transaction.
type Branch struct {
	TRID      xa.XID
	Resources []BranchResource
}

// Involve adds ids not yet present, keeping resources sorted by id, and
// returns how many were added.
func (b *Branch) Involve(ids ...xa.RMID) int {
	added := 0
	for _, id := range ids {
		if id == 0 || b.Resource(id) != nil {
			continue
		}
		b.Resources = append(b.Resources, BranchResource{ID: id, Code: xa.OK})
		added++
	}
	if added > 0 {
		slices.SortFunc(b.Resources, func(a, c BranchResource) int { return int(a.ID) - int(c.ID) })
	}
	return added
}

// Resource returns the resource with id, or nil.
func (b *Branch) Resource(id xa.RMID) *BranchResource {
	for i := range b.Resources {
		if b.Resources[i].ID == id {
			return &b.Resources[i]
		}
	}
	return nil
}

// Remove drops the resource with id from the branch.
func (b *Branch) Remove(id xa.RMID) bool {
	for i := range b.Resources {
		if b.Resources[i].ID == id {
			b.Resources = slices.Delete(b.Resources, i, i+1)
			return true
		}
	}
	return false
}

// Purged reports whether the branch has no resources left.
func (b *Branch) Purged() bool {
	return len(b.Resources) == 0
}

// Origin is a commit, rollback or peer domain request and where its reply
// goes.
type Origin struct {
	Kind        message.Kind
	TRID        xa.XID
	Correlation string
	ReplyTo     message.Target
}

// Transaction is one global transaction with its branches.
type Transaction struct {
	GTRID    string
	XID      xa.XID
	Branches []*Branch
	Owner    message.Process
	Started  time.Time
	Deadline time.Time

	// Origin is the request currently driving the transaction to an outcome.
	// It is nil for timeouts, owner death and recovery, where nobody waits.
	Origin *Origin

	// Remote is set when a peer domain owns the transaction and this manager
	// acts as one of its resources under RemoteResource.
	Remote         bool
	RemoteResource xa.RMID

	// Logged is set once a record for the transaction has been appended to the
	// persistent log.
	Logged bool

	// Results keeps the outcome code of resources already removed from their
	// branch so the final reply can rank them.
	Results []xa.Code

	stage Machine[Stage]
}

// Stage returns the current stage.
func (t *Transaction) Stage() Stage {
	return t.stage.Current()
}

// Advance moves the transaction to target. Once terminal the stage is frozen,
// and a local transaction past post_prepare cannot fall back to rollback since
// its commit decision has been taken. A remote transaction in post_prepare is
// only prepared; the peer domain decides.
func (t *Transaction) Advance(target Stage) bool {
	current := t.stage.Current()
	if current.Terminal() {
		return false
	}
	if target == StageRollback && current == StagePostPrepare && !t.Remote {
		return false
	}
	return t.stage.Advance(target)
}

// Branch returns the branch for trid, or nil.
func (t *Transaction) Branch(trid xa.XID) *Branch {
	for _, b := range t.Branches {
		if b.TRID.Equal(trid) {
			return b
		}
	}
	return nil
}

// AddBranch returns the branch for trid, creating it when missing.
func (t *Transaction) AddBranch(trid xa.XID) *Branch {
	if b := t.Branch(trid); b != nil {
		return b
	}
	b := &Branch{TRID: trid}
	t.Branches = append(t.Branches, b)
	return b
}

// BranchResources calls fn for every (branch, resource) pair.
func (t *Transaction) BranchResources(fn func(b *Branch, r *BranchResource)) {
	for _, b := range t.Branches {
		for i := range b.Resources {
			fn(b, &b.Resources[i])
		}
	}
}

// Resources returns the distinct resource ids across all branches.
func (t *Transaction) Resources() []xa.RMID {
	var ids []xa.RMID
	for _, b := range t.Branches {
		for _, r := range b.Resources {
			if !slices.Contains(ids, r.ID) {
				ids = append(ids, r.ID)
			}
		}
	}
	slices.Sort(ids)
	return ids
}

// Count returns the number of branch resources.
func (t *Transaction) Count() int {
	n := 0
	for _, b := range t.Branches {
		n += len(b.Resources)
	}
	return n
}

// Purged reports whether every branch is purged.
func (t *Transaction) Purged() bool {
	for _, b := range t.Branches {
		if !b.Purged() {
			return false
		}
	}
	return true
}

// Finish removes resource id from the branch trid and keeps its code for the
// final outcome.
func (t *Transaction) Finish(trid xa.XID, id xa.RMID) {
	b := t.Branch(trid)
	if b == nil {
		return
	}
	if r := b.Resource(id); r != nil {
		t.Results = append(t.Results, r.Code)
		b.Remove(id)
	}
}

// Result returns the most severe code among remaining resources and those
// already finished.
func (t *Transaction) Result() xa.Code {
	codes := append([]xa.Code(nil), t.Results...)
	t.BranchResources(func(_ *Branch, r *BranchResource) {
		codes = append(codes, r.Code)
	})
	return xa.MostSevere(codes...)
}

// Snapshot renders the admin view of t.
func (t *Transaction) Snapshot() message.TransactionState {
	out := message.TransactionState{
		GTRID:    t.GTRID,
		TRID:     t.XID.String(),
		Stage:    t.Stage().String(),
		Owner:    t.Owner,
		Started:  t.Started,
		Deadline: t.Deadline,
		Remote:   t.Remote,
	}
	for _, b := range t.Branches {
		bs := message.BranchState{TRID: b.TRID.String()}
		for _, r := range b.Resources {
			bs.Resources = append(bs.Resources, message.BranchResourceState{ID: r.ID, Code: r.Code.String()})
		}
		out.Branches = append(out.Branches, bs)
	}
	return out
}
