package pending

import (
	"testing"
	"time"

	"pkt.systems/xatm/internal/message"
	"pkt.systems/xatm/internal/xa"
)

func request(resource xa.RMID, corr string) Request {
	return Request{
		Resource: resource,
		Created:  time.Unix(0, 0),
		Payload:  message.ResourceRequest{Kind: message.KindCommit, Correlation: corr, Resource: resource},
	}
}

func TestQueueFIFOPerResource(t *testing.T) {
	q := NewQueue()
	q.Push(request(1, "a"))
	q.Push(request(2, "b"))
	q.Push(request(1, "c"))

	if q.Total() != 3 || q.Len(1) != 2 || q.Len(2) != 1 {
		t.Fatalf("total=%d len1=%d len2=%d", q.Total(), q.Len(1), q.Len(2))
	}
	counts := q.Counts()
	if counts[1] != 2 || counts[2] != 1 {
		t.Fatalf("counts=%v", counts)
	}
	for _, want := range []string{"a", "c"} {
		req, ok := q.Pop(1)
		if !ok || req.Payload.Correlation != want {
			t.Fatalf("pop=%+v ok=%v want %s", req, ok, want)
		}
	}
	if _, ok := q.Pop(1); ok {
		t.Fatal("expected empty queue for resource 1")
	}
	if q.Total() != 1 {
		t.Fatalf("total=%d", q.Total())
	}
}

func TestQueueRemoveIf(t *testing.T) {
	q := NewQueue()
	q.Push(request(1, "keep-1"))
	q.Push(request(1, "drop"))
	q.Push(request(1, "keep-2"))
	q.Push(request(3, "drop"))

	removed := q.RemoveIf(func(r Request) bool { return r.Payload.Correlation == "drop" })
	if len(removed) != 2 {
		t.Fatalf("removed=%d", len(removed))
	}
	if q.Total() != 2 || q.Len(3) != 0 {
		t.Fatalf("total=%d len3=%d", q.Total(), q.Len(3))
	}
	first, _ := q.Pop(1)
	second, _ := q.Pop(1)
	if first.Payload.Correlation != "keep-1" || second.Payload.Correlation != "keep-2" {
		t.Fatalf("order not preserved: %s, %s", first.Payload.Correlation, second.Payload.Correlation)
	}
	if q.Counts() != nil {
		t.Fatal("empty queue should report nil counts")
	}
}
