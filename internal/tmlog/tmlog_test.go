package tmlog

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"pkt.systems/xatm/internal/xa"
)

func entry(kind Kind, xid xa.XID) Entry {
	return Entry{
		Kind:      kind,
		GTRID:     xid.Global(),
		XID:       xid,
		Branches:  []BranchRecord{{TRID: xid, Resources: []xa.RMID{1, 2}}},
		Timestamp: time.Unix(10, 0).UTC(),
	}
}

func TestFoldKeepsLatestLiveEntry(t *testing.T) {
	a := xa.NewXID()
	b := xa.NewXID()
	c := xa.NewXID()
	live := Fold([]Entry{
		entry(KindPrepare, a),
		entry(KindPrepare, b),
		entry(KindCommit, a),
		entry(KindPrepare, c),
		{Kind: KindRemove, GTRID: c.Global()},
		entry(KindPrepare, a),
	})
	if len(live) != 2 {
		t.Fatalf("live=%d", len(live))
	}
	if live[0].GTRID != a.Global() || live[0].Kind != KindCommit {
		t.Fatalf("first live entry should be the commit of a, got %+v", live[0])
	}
	if live[1].GTRID != b.Global() || live[1].Kind != KindPrepare {
		t.Fatalf("second live entry should be the prepare of b, got %+v", live[1])
	}
}

func TestEncodeDecode(t *testing.T) {
	xid := xa.NewXID()
	data, err := Encode(entry(KindCommit, xid))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Kind != KindCommit || !got.XID.Equal(xid) || len(got.Branches) != 1 || len(got.Branches[0].Resources) != 2 {
		t.Fatalf("decoded=%+v", got)
	}

	remove, err := Encode(Entry{Kind: KindRemove, GTRID: xid.Global(), Timestamp: time.Unix(0, 0)})
	if err != nil {
		t.Fatalf("encode remove: %v", err)
	}
	if got, err := Decode(remove); err != nil || got.Kind != KindRemove {
		t.Fatalf("decode remove: %+v %v", got, err)
	}
}

func TestValidateRejects(t *testing.T) {
	xid := xa.NewXID()
	other := xa.NewXID()
	cases := map[string]Entry{
		"missing gtrid": {Kind: KindCommit, XID: xid},
		"unknown kind":  {Kind: 9, GTRID: xid.Global()},
		"foreign xid":   {Kind: KindPrepare, GTRID: xid.Global(), XID: other},
		"null xid":      {Kind: KindCommit, GTRID: xid.Global(), XID: xa.XID{FormatID: xa.NullFormatID}},
	}
	for name, e := range cases {
		if _, err := Encode(e); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestTransientErrors(t *testing.T) {
	base := errors.New("boom")
	wrapped := fmt.Errorf("put: %w", NewTransientError(base))
	if !IsTransient(wrapped) {
		t.Fatal("expected transient")
	}
	if !errors.Is(wrapped, base) {
		t.Fatal("transient error must unwrap")
	}
	if IsTransient(base) || NewTransientError(nil) != nil {
		t.Fatal("unexpected transient classification")
	}
}
