// Package transport implements the SPSC send ring the mediator pushes
// admitted guest packets into for the worker-facing poll loop to drain
// (spec §5, "for completeness the core produces into the send ring via a
// thin wrapper"). It is a direct, generalized port of the original kernel
// module's kvm_ava_push_to_send_queue / kvm_ava_poll_send_queue circular
// buffer, with the two counting semaphores expressed through
// golang.org/x/sync/semaphore the same way the teacher bounds concurrent
// VM warming in pkg/vm/pool.go.
package transport

import (
	"context"
	"fmt"

	"github.com/pipeops/accel-mediator/pkg/domain"
	"golang.org/x/sync/semaphore"
)

// Packet is one admitted guest command queued for delivery to a worker.
type Packet struct {
	VMID    int
	Header  domain.CommandHeader
	Payload []byte
}

// SendRing is a single-producer, single-consumer circular buffer. Push is
// the producer side (the mediator, after a packet is admitted); Poll is
// the consumer side (the worker-facing send loop).
//
// size must be a power of two, mirroring the original's
// `(head + 1) & (size - 1)` index-masking trick (CIRC_SPACE/CIRC_CNT in
// linux/circ_buf.h).
type SendRing struct {
	buf  []Packet
	mask uint32

	head uint32
	tail uint32

	// semFull counts free slots; Push acquires one before writing (the
	// original's down(&sq->sem_full)). semEmpty counts filled slots; Poll
	// tries to acquire one without blocking (down_trylock(&sq->sem_empty)).
	semFull  *semaphore.Weighted
	semEmpty *semaphore.Weighted
}

// NewSendRing creates a ring of the given capacity, which must be a power
// of two and at least 2.
func NewSendRing(size int) (*SendRing, error) {
	if size < 2 || size&(size-1) != 0 {
		return nil, fmt.Errorf("transport: send ring size %d must be a power of two >= 2", size)
	}
	r := &SendRing{
		buf:      make([]Packet, size),
		mask:     uint32(size - 1),
		semFull:  semaphore.NewWeighted(int64(size)),
		semEmpty: semaphore.NewWeighted(int64(size)),
	}
	// No slot is filled yet, so every unit of semEmpty starts out held;
	// each Push releases one.
	r.semEmpty.TryAcquire(int64(size))
	return r, nil
}

// Push enqueues pkt, blocking until a slot is free or ctx is cancelled.
// Only one goroutine may call Push at a time (single producer).
func (r *SendRing) Push(ctx context.Context, pkt Packet) error {
	if err := r.semFull.Acquire(ctx, 1); err != nil {
		return err
	}

	r.buf[r.head&r.mask] = pkt
	r.head++

	r.semEmpty.Release(1)
	return nil
}

// Poll dequeues the oldest packet without blocking, mirroring
// kvm_ava_poll_send_queue's down_trylock-then-extract shape. It returns
// false if the ring is currently empty. Only one goroutine may call Poll
// at a time (single consumer).
func (r *SendRing) Poll() (Packet, bool) {
	if !r.semEmpty.TryAcquire(1) {
		return Packet{}, false
	}

	pkt := r.buf[r.tail&r.mask]
	r.buf[r.tail&r.mask] = Packet{} // drop the reference so Payload can be GC'd
	r.tail++

	r.semFull.Release(1)
	return pkt, true
}
