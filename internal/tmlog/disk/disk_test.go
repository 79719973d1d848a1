package disk

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"pkt.systems/xatm/internal/tmlog"
	"pkt.systems/xatm/internal/xa"
)

func openTestLog(t *testing.T, dir string, opts Options) *Log {
	t.Helper()
	l, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return l
}

func prepareEntry(xid xa.XID) tmlog.Entry {
	return tmlog.Entry{
		Kind:      tmlog.KindPrepare,
		GTRID:     xid.Global(),
		XID:       xid,
		Branches:  []tmlog.BranchRecord{{TRID: xid, Resources: []xa.RMID{1, 2}}},
		Started:   time.Unix(100, 0).UTC(),
		Timestamp: time.Unix(101, 0).UTC(),
	}
}

func commitEntry(xid xa.XID) tmlog.Entry {
	e := prepareEntry(xid)
	e.Kind = tmlog.KindCommit
	return e
}

func TestReplayAfterReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	l := openTestLog(t, dir, Options{})
	a := xa.NewXID()
	b := xa.NewXID()
	for _, e := range []tmlog.Entry{
		prepareEntry(a),
		prepareEntry(b),
		commitEntry(a),
		{Kind: tmlog.KindRemove, GTRID: b.Global()},
	} {
		if err := l.Append(ctx, e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := l.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := openTestLog(t, dir, Options{})
	defer reopened.Close()
	live, err := reopened.Replay(ctx)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(live) != 1 || live[0].Kind != tmlog.KindCommit || !live[0].XID.Equal(a) {
		t.Fatalf("live=%+v", live)
	}
	if len(live[0].Branches) != 1 || len(live[0].Branches[0].Resources) != 2 {
		t.Fatalf("branches not preserved: %+v", live[0].Branches)
	}
	if got := reopened.Stats().Live; got != 1 {
		t.Fatalf("live stat=%d", got)
	}
}

func TestTornTailIsTruncated(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	l := openTestLog(t, dir, Options{})
	good := xa.NewXID()
	l.Append(ctx, commitEntry(good))
	if err := l.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	segments := l.Segments()
	l.Close()

	path := filepath.Join(dir, segments[len(segments)-1])
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	record, err := encodeRecord(commitEntry(xa.NewXID()))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	f.Write(record[:len(record)-5])
	f.Close()

	reopened := openTestLog(t, dir, Options{})
	defer reopened.Close()
	live, _ := reopened.Replay(ctx)
	if len(live) != 1 || !live[0].XID.Equal(good) {
		t.Fatalf("live=%+v", live)
	}
	info2, _ := os.Stat(path)
	if info2.Size() != info.Size() {
		t.Fatalf("torn tail not truncated: size=%d want %d", info2.Size(), info.Size())
	}
}

func TestCorruptOlderSegmentFailsOpen(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, segmentName(1)), []byte("garbage-garbage-garbage-garbage"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, segmentName(2)), nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Open(dir, Options{}); err == nil {
		t.Fatal("expected corrupt segment error")
	}
}

func TestRollCheckpointsLiveSet(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	l := openTestLog(t, dir, Options{SegmentSize: 512})
	keep := xa.NewXID()
	l.Append(ctx, commitEntry(keep))
	for range 10 {
		x := xa.NewXID()
		l.Append(ctx, prepareEntry(x))
		l.Append(ctx, tmlog.Entry{Kind: tmlog.KindRemove, GTRID: x.Global()})
	}
	if err := l.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	segments := l.Segments()
	if len(segments) != 1 || segments[0] != segmentName(2) {
		t.Fatalf("segments=%v", segments)
	}
	l.Close()

	reopened := openTestLog(t, dir, Options{SegmentSize: 512})
	defer reopened.Close()
	live, _ := reopened.Replay(ctx)
	if len(live) != 1 || !live[0].XID.Equal(keep) || live[0].Kind != tmlog.KindCommit {
		t.Fatalf("live=%+v", live)
	}
}

func TestDirectoryLock(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("advisory locks are not enforced on windows")
	}
	dir := t.TempDir()
	l := openTestLog(t, dir, Options{})
	if _, err := Open(dir, Options{}); !errors.Is(err, ErrLocked) {
		t.Fatalf("second open err=%v", err)
	}
	l.Close()
	again := openTestLog(t, dir, Options{})
	again.Close()
}

func TestClosedLogRejects(t *testing.T) {
	ctx := context.Background()
	l := openTestLog(t, t.TempDir(), Options{})
	l.Close()
	if err := l.Append(ctx, commitEntry(xa.NewXID())); !errors.Is(err, tmlog.ErrClosed) {
		t.Fatalf("append err=%v", err)
	}
	if _, err := l.Replay(ctx); !errors.Is(err, tmlog.ErrClosed) {
		t.Fatalf("replay err=%v", err)
	}
}
