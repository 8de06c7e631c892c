package hub

import (
	"testing"
	"time"

	"go.einride.tech/can"

	"github.com/kstaniek/go-mscan/internal/canid"
	"github.com/kstaniek/go-mscan/internal/metrics"
)

func TestHub_PublishSkipsSender(t *testing.T) {
	h := New()
	a := h.Attach("a")
	b := h.Attach("b")
	defer h.Remove(a)
	defer h.Remove(b)

	h.Publish(a, canid.Std(0x123, 1))
	select {
	case fr := <-b.Out:
		if fr.ID != 0x123 {
			t.Fatalf("got %v", fr)
		}
	case <-time.After(time.Second):
		t.Fatalf("b did not receive")
	}
	if len(a.Out) != 0 {
		t.Fatalf("sender received its own frame")
	}
	h.Publish(nil, canid.Std(0x1))
	if len(a.Out) != 1 || len(b.Out) != 1 {
		t.Fatalf("nil source not broadcast: a=%d b=%d", len(a.Out), len(b.Out))
	}
}

func TestHub_DropDoesNotBlock(t *testing.T) {
	h := New()
	slow := NewPort("slow", 4)
	h.Add(slow)
	defer h.Remove(slow)

	before := metrics.Snap().HubDrops
	start := time.Now()
	for i := 0; i < 1000; i++ {
		h.Publish(nil, can.Frame{ID: 0x123})
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Publish took too long: %s", elapsed)
	}
	if len(slow.Out) != cap(slow.Out) {
		t.Fatalf("len=%d cap=%d", len(slow.Out), cap(slow.Out))
	}
	if metrics.Snap().HubDrops-before != 996 {
		t.Fatalf("drops=%d", metrics.Snap().HubDrops-before)
	}
}

func TestHub_DropKeepsOthersFlowing(t *testing.T) {
	h := New()
	slow := NewPort("slow", 1)
	fast := NewPort("fast", 16)
	h.Add(slow)
	h.Add(fast)
	defer h.Remove(slow)
	defer h.Remove(fast)

	for i := 0; i < 10; i++ {
		h.Publish(nil, can.Frame{ID: uint32(i)})
	}
	if len(fast.Out) != 10 || len(slow.Out) != 1 {
		t.Fatalf("fast=%d slow=%d", len(fast.Out), len(slow.Out))
	}
}

func TestHub_KickClosesSlowPort(t *testing.T) {
	h := New()
	h.Policy = PolicyKick
	slow := NewPort("slow", 1)
	h.Add(slow)
	defer h.Remove(slow)

	h.Publish(nil, can.Frame{ID: 1})
	h.Publish(nil, can.Frame{ID: 2})
	select {
	case <-slow.Closed:
	default:
		t.Fatalf("slow port not kicked")
	}
}

func TestHub_RemoveIdempotent(t *testing.T) {
	h := New()
	p := h.Attach("p")
	h.Remove(p)
	h.Remove(p)
	if h.Count() != 0 {
		t.Fatalf("count=%d", h.Count())
	}
}

func TestParsePolicy(t *testing.T) {
	if p, ok := ParsePolicy("kick"); !ok || p != PolicyKick || p.String() != "kick" {
		t.Fatalf("kick: %v %v", p, ok)
	}
	if _, ok := ParsePolicy("bogus"); ok {
		t.Fatalf("bogus accepted")
	}
}
