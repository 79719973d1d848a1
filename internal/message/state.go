package message

import (
	"time"

	"pkt.systems/xatm/internal/xa"
)

// Stat accumulates count/total/min/max of observed durations.
type Stat struct {
	Count uint64        `json:"count"`
	Total time.Duration `json:"total"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
}

// Add records one observation.
func (s *Stat) Add(d time.Duration) {
	if d < 0 {
		d = 0
	}
	if s.Count == 0 || d < s.Min {
		s.Min = d
	}
	if d > s.Max {
		s.Max = d
	}
	s.Count++
	s.Total += d
}

// Merge folds other into s.
func (s *Stat) Merge(other Stat) {
	if other.Count == 0 {
		return
	}
	if s.Count == 0 || other.Min < s.Min {
		s.Min = other.Min
	}
	if other.Max > s.Max {
		s.Max = other.Max
	}
	s.Count += other.Count
	s.Total += other.Total
}

// Average returns Total/Count.
func (s Stat) Average() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

// Metrics groups the statistics kept per instance and per proxy.
type Metrics struct {
	Resource  Stat `json:"resource"`
	Roundtrip Stat `json:"roundtrip"`
	Pending   Stat `json:"pending"`
}

// Merge folds other into m.
func (m *Metrics) Merge(other Metrics) {
	m.Resource.Merge(other.Resource)
	m.Roundtrip.Merge(other.Roundtrip)
	m.Pending.Merge(other.Pending)
}

// State is the admin read model of the manager.
type State struct {
	Ready              bool               `json:"ready"`
	Transactions       []TransactionState `json:"transactions"`
	Resources          []ResourceState    `json:"resources"`
	Externals          []ExternalState    `json:"externals,omitempty"`
	Pending            PendingState       `json:"pending"`
	PersistentReplies  int                `json:"persistent_replies"`
	PersistentRequests int                `json:"persistent_requests"`
	Log                LogState           `json:"log"`
	Counters           Counters           `json:"counters"`
}

// TransactionState describes one in-flight transaction.
type TransactionState struct {
	GTRID    string        `json:"gtrid"`
	TRID     string        `json:"trid"`
	Stage    string        `json:"stage"`
	Owner    Process       `json:"owner"`
	Started  time.Time     `json:"started"`
	Deadline time.Time     `json:"deadline,omitempty"`
	Remote   bool          `json:"remote,omitempty"`
	Branches []BranchState `json:"branches"`
}

// BranchState describes one branch and its resources.
type BranchState struct {
	TRID      string                `json:"trid"`
	Resources []BranchResourceState `json:"resources"`
}

// BranchResourceState is one resource of a branch with its latest XA code.
type BranchResourceState struct {
	ID   xa.RMID `json:"id"`
	Code string  `json:"code"`
}

// ResourceState describes a resource proxy.
type ResourceState struct {
	ID          xa.RMID         `json:"id"`
	Key         string          `json:"key"`
	Name        string          `json:"name"`
	Concurrency int             `json:"concurrency"`
	Instances   []InstanceState `json:"instances"`
	Metrics     Metrics         `json:"metrics"`
}

// InstanceState describes one resource instance.
type InstanceState struct {
	ID       string    `json:"id"`
	Process  Process   `json:"process"`
	State    string    `json:"state"`
	Reserved time.Time `json:"reserved,omitempty"`
	Metrics  Metrics   `json:"metrics"`
}

// ExternalState describes an external resource.
type ExternalState struct {
	ID      xa.RMID `json:"id"`
	Process Process `json:"process"`
}

// PendingState summarises the pending request queue.
type PendingState struct {
	Total      int             `json:"total"`
	ByResource map[xa.RMID]int `json:"by_resource,omitempty"`
}

// LogState summarises the persistent log.
type LogState struct {
	Backend  string    `json:"backend"`
	Appended int64     `json:"appended"`
	Syncs    int64     `json:"syncs"`
	Removed  int64     `json:"removed"`
	Live     int64     `json:"live"`
	LastSync time.Time `json:"last_sync,omitempty"`
}

// Counters are monotonically increasing outcome counters.
type Counters struct {
	Begun      uint64 `json:"begun"`
	Committed  uint64 `json:"committed"`
	RolledBack uint64 `json:"rolled_back"`
	ReadOnly   uint64 `json:"read_only"`
	Recovered  uint64 `json:"recovered"`
}
