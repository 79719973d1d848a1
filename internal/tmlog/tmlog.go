// Package tmlog defines the persistent transaction log: prepare intents,
// commit decisions and their removal. Backends live in sub-packages.
package tmlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"pkt.systems/xatm/internal/message"
	"pkt.systems/xatm/internal/xa"
)

var (
	// ErrNotFound indicates a missing record or object.
	ErrNotFound = errors.New("tmlog: not found")
	// ErrClosed is returned by operations on a closed log.
	ErrClosed = errors.New("tmlog: closed")
)

// Kind is the type of a log entry.
type Kind uint8

// Entry kinds.
const (
	// KindPrepare records that the prepare fan-out of a transaction started.
	KindPrepare Kind = iota + 1
	// KindCommit records the commit decision.
	KindCommit
	// KindRemove records that the transaction is finished.
	KindRemove
)

func (k Kind) String() string {
	switch k {
	case KindPrepare:
		return "prepare"
	case KindCommit:
		return "commit"
	case KindRemove:
		return "remove"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// BranchRecord is one logged branch and its resources.
type BranchRecord struct {
	TRID      xa.XID    `json:"trid"`
	Resources []xa.RMID `json:"resources"`
}

// Entry is one log record. Remove entries only carry GTRID and Timestamp.
type Entry struct {
	Kind      Kind            `json:"kind"`
	GTRID     string          `json:"gtrid"`
	XID       xa.XID          `json:"xid"`
	Owner     message.Process `json:"owner,omitzero"`
	Started   time.Time       `json:"started,omitzero"`
	Branches  []BranchRecord  `json:"branches,omitempty"`
	Timestamp time.Time       `json:"ts"`
}

// Validate checks the fields required by the entry kind.
func (e Entry) Validate() error {
	if e.GTRID == "" {
		return errors.New("tmlog: gtrid required")
	}
	switch e.Kind {
	case KindPrepare, KindCommit:
		if err := e.XID.Validate(); err != nil {
			return fmt.Errorf("tmlog: %w", err)
		}
		if e.XID.Global() != e.GTRID {
			return errors.New("tmlog: xid does not belong to gtrid")
		}
	case KindRemove:
	default:
		return fmt.Errorf("tmlog: unknown entry kind %d", e.Kind)
	}
	return nil
}

// Encode renders e as the JSON record body.
func Encode(e Entry) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// Decode parses a JSON record body.
func Decode(data []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, fmt.Errorf("tmlog: decode entry: %w", err)
	}
	if err := e.Validate(); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// Stats describes log activity since open.
type Stats struct {
	Backend  string
	Appended int64
	Syncs    int64
	Removed  int64
	Live     int64
	LastSync time.Time
}

// Log is the persistent transaction log. Entries passed to Append are only
// durable once a later Sync returns nil. Implementations are safe for
// concurrent use but the manager drives them from one goroutine.
type Log interface {
	Append(ctx context.Context, e Entry) error
	Sync(ctx context.Context) error
	// Replay returns the live entries: the latest prepare or commit entry of
	// every transaction without a remove, in first-append order.
	Replay(ctx context.Context) ([]Entry, error)
	Stats() Stats
	Close() error
}

// Fold reduces an ordered entry stream to its live set.
func Fold(entries []Entry) []Entry {
	live := NewLiveSet()
	for _, e := range entries {
		live.Apply(e)
	}
	return live.Entries()
}

// LiveSet tracks the live entry of every transaction in first-append order.
type LiveSet struct {
	seq     uint64
	entries map[string]liveEntry
}

type liveEntry struct {
	seq   uint64
	entry Entry
}

// NewLiveSet returns an empty live set.
func NewLiveSet() *LiveSet {
	return &LiveSet{entries: make(map[string]liveEntry)}
}

// Apply folds e into the set and reports whether e removed a live entry.
// A commit entry replaces a prepare entry; a prepare never replaces a commit.
func (s *LiveSet) Apply(e Entry) bool {
	current, ok := s.entries[e.GTRID]
	switch e.Kind {
	case KindRemove:
		delete(s.entries, e.GTRID)
		return ok
	case KindPrepare:
		if ok && current.entry.Kind == KindCommit {
			return false
		}
	}
	if !ok {
		s.seq++
		current.seq = s.seq
	}
	current.entry = e
	s.entries[e.GTRID] = current
	return false
}

// Len returns the number of live transactions.
func (s *LiveSet) Len() int {
	return len(s.entries)
}

// Entries returns the live entries in first-append order.
func (s *LiveSet) Entries() []Entry {
	list := make([]liveEntry, 0, len(s.entries))
	for _, le := range s.entries {
		list = append(list, le)
	}
	slices.SortFunc(list, func(a, b liveEntry) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		default:
			return 0
		}
	})
	out := make([]Entry, 0, len(list))
	for _, le := range list {
		out = append(out, le.entry)
	}
	return out
}

type transientError struct {
	err error
}

func (e transientError) Error() string { return e.err.Error() }
func (e transientError) Unwrap() error { return e.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}
