package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/xatm/internal/tmlog"
	"pkt.systems/xatm/internal/xa"
)

func commitEntry(xid xa.XID) tmlog.Entry {
	return tmlog.Entry{Kind: tmlog.KindCommit, GTRID: xid.Global(), XID: xid, Timestamp: time.Unix(0, 0)}
}

func TestUnsyncedEntriesAreLostOnReopen(t *testing.T) {
	ctx := context.Background()
	l := New()
	synced := xa.NewXID()
	lost := xa.NewXID()
	if err := l.Append(ctx, commitEntry(synced)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := l.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if err := l.Append(ctx, commitEntry(lost)); err != nil {
		t.Fatalf("append: %v", err)
	}

	reopened := l.Reopen()
	live, err := reopened.Replay(ctx)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(live) != 1 || live[0].GTRID != synced.Global() {
		t.Fatalf("live=%+v", live)
	}
	if reopened.Stats().Live != 1 {
		t.Fatalf("stats=%+v", reopened.Stats())
	}
}

func TestFailureInjectionAndClose(t *testing.T) {
	ctx := context.Background()
	l := New()
	boom := errors.New("disk full")
	l.FailSync(boom)
	l.Append(ctx, commitEntry(xa.NewXID()))
	if err := l.Sync(ctx); !errors.Is(err, boom) {
		t.Fatalf("sync err=%v", err)
	}
	l.FailSync(nil)
	l.FailAppend(boom)
	if err := l.Append(ctx, commitEntry(xa.NewXID())); !errors.Is(err, boom) {
		t.Fatalf("append err=%v", err)
	}
	l.Close()
	if err := l.Sync(ctx); !errors.Is(err, tmlog.ErrClosed) {
		t.Fatalf("closed sync err=%v", err)
	}
}

func TestRemoveCountsAndLive(t *testing.T) {
	ctx := context.Background()
	l := New()
	xid := xa.NewXID()
	l.Append(ctx, commitEntry(xid))
	l.Append(ctx, tmlog.Entry{Kind: tmlog.KindRemove, GTRID: xid.Global(), Timestamp: time.Unix(1, 0)})
	l.Sync(ctx)
	stats := l.Stats()
	if stats.Appended != 2 || stats.Removed != 1 || stats.Live != 0 || stats.Syncs != 1 {
		t.Fatalf("stats=%+v", stats)
	}
	if live, _ := l.Replay(ctx); len(live) != 0 {
		t.Fatalf("live=%+v", live)
	}
	if len(l.Entries()) != 2 {
		t.Fatalf("entries=%d", len(l.Entries()))
	}
}
