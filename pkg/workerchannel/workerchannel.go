// Package workerchannel implements the out-of-band worker report channel
// (spec §6): host workers connect in over vsock and push small JSON
// reports (new-worker registration, device-time and command-rate
// consumption) that the mediator folds into its policy state.
//
// It is the teacher's pkg/agent/client.go turned inside out: the teacher
// dials a guest-resident agent from the host; here the host listens, since
// it's workers spawned by the host that initiate reports, not the guest.
package workerchannel

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/mdlayher/vsock"
	"github.com/sirupsen/logrus"
)

// ReportKind identifies the worker report payload shape, mirroring the
// command ids carried over the original's netlink worker-report path
// (domain.CmdNewWorker / CmdConsumeDeviceTime / CmdConsumeCommandRate).
type ReportKind string

const (
	ReportNewWorker          ReportKind = "new_worker"
	ReportConsumeDeviceTime  ReportKind = "consume_device_time"
	ReportConsumeCommandRate ReportKind = "consume_command_rate"
)

// Report is one decoded worker report.
type Report struct {
	Kind ReportKind `json:"kind"`

	VMID      int    `json:"vm_id"`
	AppPort   uint32 `json:"app_port"`
	WorkerPID uint32 `json:"worker_pid,omitempty"`
	Amount    int64  `json:"amount,omitempty"`
}

// Handler processes one decoded report. It is called synchronously from
// the connection's read loop, so it must not block for long.
type Handler func(ctx context.Context, report Report) error

// Receiver listens for worker-initiated vsock connections and dispatches
// decoded reports to a Handler.
type Receiver struct {
	log     *logrus.Entry
	handler Handler

	mu       sync.Mutex
	listener net.Listener
}

// New creates a Receiver. Call Listen to start accepting connections.
func New(handler Handler, log *logrus.Entry) *Receiver {
	return &Receiver{
		log:     log.WithField("component", "workerchannel"),
		handler: handler,
	}
}

// Listen binds the vsock port workers report to and starts accepting
// connections in the background. Call Close (or cancel ctx) to stop.
func (r *Receiver) Listen(ctx context.Context, port uint32) error {
	l, err := vsock.Listen(port, nil)
	if err != nil {
		return fmt.Errorf("workerchannel: listen on vsock port %d: %w", port, err)
	}

	r.mu.Lock()
	r.listener = l
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.Close()
	}()
	go r.acceptLoop(ctx, l)
	return nil
}

// Close stops accepting new connections.
func (r *Receiver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Close()
}

func (r *Receiver) acceptLoop(ctx context.Context, l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.log.WithError(err).Warn("worker channel accept failed")
			return
		}
		go r.serve(ctx, conn)
	}
}

func (r *Receiver) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	// Closing conn on cancellation unblocks a pending Decode.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	decoder := json.NewDecoder(conn)
	for {
		if ctx.Err() != nil {
			return
		}

		var report Report
		if err := decoder.Decode(&report); err != nil {
			return // EOF or malformed stream; the worker reconnects.
		}

		if err := r.handler(ctx, report); err != nil {
			r.log.WithError(err).WithField("kind", report.Kind).Warn("worker report handling failed")
		}
	}
}
