package transport

import (
	"context"
	"testing"
	"time"

	"github.com/pipeops/accel-mediator/pkg/domain"
)

func TestNewSendRingRejectsNonPowerOfTwo(t *testing.T) {
	if _, err := NewSendRing(3); err == nil {
		t.Fatal("expected error for non-power-of-two size")
	}
	if _, err := NewSendRing(1); err == nil {
		t.Fatal("expected error for size below minimum")
	}
}

func TestPushThenPollFIFO(t *testing.T) {
	r, err := NewSendRing(4)
	if err != nil {
		t.Fatalf("NewSendRing: %v", err)
	}

	for i := 0; i < 3; i++ {
		pkt := Packet{VMID: i, Header: domain.CommandHeader{VMID: i}}
		if err := r.Push(context.Background(), pkt); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}

	for i := 0; i < 3; i++ {
		pkt, ok := r.Poll()
		if !ok {
			t.Fatalf("Poll %d: expected a packet", i)
		}
		if pkt.VMID != i {
			t.Fatalf("Poll %d: got vmid %d, want %d (FIFO order)", i, pkt.VMID, i)
		}
	}
}

func TestPollOnEmptyReturnsFalse(t *testing.T) {
	r, _ := NewSendRing(2)
	if _, ok := r.Poll(); ok {
		t.Fatal("expected Poll on empty ring to return false")
	}
}

func TestPushBlocksWhenFullUntilPoll(t *testing.T) {
	r, _ := NewSendRing(2)
	if err := r.Push(context.Background(), Packet{VMID: 1}); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := r.Push(context.Background(), Packet{VMID: 2}); err != nil {
		t.Fatalf("Push: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.Push(ctx, Packet{VMID: 3}); err == nil {
		t.Fatal("expected Push to block and time out on a full ring")
	}

	if _, ok := r.Poll(); !ok {
		t.Fatal("expected a packet to drain")
	}

	if err := r.Push(context.Background(), Packet{VMID: 3}); err != nil {
		t.Fatalf("Push after drain: %v", err)
	}
}
