package workerchannel

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestServeDecodesAndDispatchesReports(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	received := make(chan Report, 2)
	r := New(func(ctx context.Context, report Report) error {
		received <- report
		return nil
	}, logrus.NewEntry(logrus.New()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go r.serve(ctx, server)

	enc := json.NewEncoder(client)
	if err := enc.Encode(Report{Kind: ReportNewWorker, VMID: 1, AppPort: 10, WorkerPID: 99}); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := enc.Encode(Report{Kind: ReportConsumeDeviceTime, VMID: 1, Amount: 500}); err != nil {
		t.Fatalf("encode: %v", err)
	}

	select {
	case got := <-received:
		if got.Kind != ReportNewWorker || got.WorkerPID != 99 {
			t.Fatalf("unexpected first report: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first report")
	}

	select {
	case got := <-received:
		if got.Kind != ReportConsumeDeviceTime || got.Amount != 500 {
			t.Fatalf("unexpected second report: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for second report")
	}
}

func TestServeExitsOnCancelledContext(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	r := New(func(ctx context.Context, report Report) error { return nil }, logrus.NewEntry(logrus.New()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.serve(ctx, server)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("serve should exit promptly once ctx is cancelled")
	}
}
