package state

import (
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/google/btree"

	"pkt.systems/xatm/internal/clock"
	"pkt.systems/xatm/internal/message"
	"pkt.systems/xatm/internal/xa"
)

// DeadlineGrace is added to every transaction timeout before it expires.
const DeadlineGrace = time.Second

// ErrInvalidTRID is returned when a trid is null or malformed.
var ErrInvalidTRID = errors.New("state: invalid trid")

type deadlineItem struct {
	at    time.Time
	gtrid string
}

func deadlineLess(a, b deadlineItem) bool {
	if !a.at.Equal(b.at) {
		return a.at.Before(b.at)
	}
	return a.gtrid < b.gtrid
}

// Registry holds every in-flight transaction, indexed by gtrid, by trid and by
// deadline. It is not safe for concurrent use; the manager owns it from its
// dispatch goroutine.
type Registry struct {
	byGTRID   map[string]*Transaction
	byTRID    map[string]string
	deadlines *btree.BTreeG[deadlineItem]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byGTRID:   make(map[string]*Transaction),
		byTRID:    make(map[string]string),
		deadlines: btree.NewG(16, deadlineLess),
	}
}

// Begin registers the branch trid. When the global transaction is new it is
// created owned by owner, with a deadline of started+timeout+DeadlineGrace
// unless timeout is zero. A known transaction that was begun implicitly, and
// so has no owner yet, adopts owner and timeout while still involved. The
// bool reports whether a transaction was created.
func (r *Registry) Begin(trid xa.XID, owner message.Process, started time.Time, timeout time.Duration) (*Transaction, bool, error) {
	if trid.Validate() != nil {
		return nil, false, ErrInvalidTRID
	}
	gtrid := trid.Global()
	if tx, ok := r.byGTRID[gtrid]; ok {
		tx.AddBranch(trid)
		r.byTRID[trid.String()] = gtrid
		if tx.Owner.IsZero() && !owner.IsZero() && !tx.Remote && tx.Stage() == StageInvolved {
			tx.Owner = owner
			if tx.Deadline.IsZero() {
				r.setDeadline(tx, started, timeout)
			}
		}
		return tx, false, nil
	}
	tx := &Transaction{
		GTRID:   gtrid,
		XID:     trid,
		Owner:   owner,
		Started: started,
		stage:   NewMachine(StageInvolved),
	}
	tx.AddBranch(trid)
	r.setDeadline(tx, started, timeout)
	r.byGTRID[gtrid] = tx
	r.byTRID[trid.String()] = gtrid
	return tx, true, nil
}

func (r *Registry) setDeadline(tx *Transaction, started time.Time, timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	tx.Deadline = started.Add(timeout + DeadlineGrace)
	r.deadlines.ReplaceOrInsert(deadlineItem{at: tx.Deadline, gtrid: tx.GTRID})
}

// Involve adds ids to the branch trid, beginning the transaction implicitly
// when it is unknown.
func (r *Registry) Involve(trid xa.XID, ids []xa.RMID, now time.Time) (*Transaction, error) {
	tx, _, err := r.Begin(trid, message.Process{}, now, 0)
	if err != nil {
		return nil, err
	}
	tx.Branch(trid).Involve(ids...)
	return tx, nil
}

// Lookup returns the transaction for gtrid.
func (r *Registry) Lookup(gtrid string) (*Transaction, bool) {
	tx, ok := r.byGTRID[gtrid]
	return tx, ok
}

// LookupTRID returns the transaction owning the branch trid, falling back to
// its global part when the branch itself was never registered.
func (r *Registry) LookupTRID(trid xa.XID) (*Transaction, bool) {
	if gtrid, ok := r.byTRID[trid.String()]; ok {
		return r.Lookup(gtrid)
	}
	return r.Lookup(trid.Global())
}

// Advance moves the transaction gtrid to stage. Once a transaction leaves
// involved/prepare its deadline no longer applies.
func (r *Registry) Advance(gtrid string, stage Stage) bool {
	tx, ok := r.byGTRID[gtrid]
	if !ok || !tx.Advance(stage) {
		return false
	}
	if tx.Stage() >= StagePostPrepare {
		r.ClearDeadline(tx)
	}
	return true
}

// ClearDeadline drops tx from the deadline index.
func (r *Registry) ClearDeadline(tx *Transaction) {
	if tx.Deadline.IsZero() {
		return
	}
	r.deadlines.Delete(deadlineItem{at: tx.Deadline, gtrid: tx.GTRID})
	tx.Deadline = time.Time{}
}

// Remove forgets the transaction gtrid and all its branches.
func (r *Registry) Remove(gtrid string) {
	tx, ok := r.byGTRID[gtrid]
	if !ok {
		return
	}
	r.ClearDeadline(tx)
	for _, b := range tx.Branches {
		delete(r.byTRID, b.TRID.String())
	}
	delete(r.byGTRID, gtrid)
}

// Expired returns transactions whose deadline is at or before now, earliest
// first.
func (r *Registry) Expired(now time.Time) []*Transaction {
	var out []*Transaction
	r.deadlines.Ascend(func(item deadlineItem) bool {
		if !clock.Expired(item.at, now) {
			return false
		}
		if tx, ok := r.byGTRID[item.gtrid]; ok {
			out = append(out, tx)
		}
		return true
	})
	return out
}

// NextDeadline returns the earliest deadline in the index.
func (r *Registry) NextDeadline() (time.Time, bool) {
	item, ok := r.deadlines.Min()
	if !ok {
		return time.Time{}, false
	}
	return item.at, true
}

// OwnedBy returns the transactions whose owner has pid.
func (r *Registry) OwnedBy(pid int) []*Transaction {
	if pid == 0 {
		return nil
	}
	var out []*Transaction
	for _, tx := range r.byGTRID {
		if tx.Owner.PID == pid {
			out = append(out, tx)
		}
	}
	sortTransactions(out)
	return out
}

// All returns every transaction ordered by start time.
func (r *Registry) All() []*Transaction {
	out := make([]*Transaction, 0, len(r.byGTRID))
	for _, tx := range r.byGTRID {
		out = append(out, tx)
	}
	sortTransactions(out)
	return out
}

// Len returns the number of transactions.
func (r *Registry) Len() int {
	return len(r.byGTRID)
}

// Restore re-creates a transaction from the persistent log at stage. Restored
// transactions carry no deadline and are marked as logged.
func (r *Registry) Restore(xid xa.XID, owner message.Process, started time.Time, branches []*Branch, stage Stage) (*Transaction, error) {
	if xid.Validate() != nil {
		return nil, ErrInvalidTRID
	}
	gtrid := xid.Global()
	if old, ok := r.byGTRID[gtrid]; ok {
		r.Remove(old.GTRID)
	}
	tx := &Transaction{
		GTRID:    gtrid,
		XID:      xid,
		Owner:    owner,
		Started:  started,
		Branches: branches,
		Logged:   true,
		stage:    NewMachine(stage),
	}
	if tx.Branch(xid) == nil {
		tx.AddBranch(xid)
	}
	r.byGTRID[gtrid] = tx
	for _, b := range tx.Branches {
		r.byTRID[b.TRID.String()] = gtrid
	}
	return tx, nil
}

func sortTransactions(txs []*Transaction) {
	slices.SortFunc(txs, func(a, b *Transaction) int {
		if c := a.Started.Compare(b.Started); c != 0 {
			return c
		}
		return strings.Compare(a.GTRID, b.GTRID)
	})
}
