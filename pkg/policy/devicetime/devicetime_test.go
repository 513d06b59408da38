package devicetime

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pipeops/accel-mediator/pkg/domain"
	"github.com/pipeops/accel-mediator/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

func newTestPolicy(mode Mode) *Policy {
	cfg := DefaultConfig()
	cfg.Mode = mode
	cfg.SchedulePeriod = 5 * time.Millisecond
	cfg.MaxTries = 5
	return New(cfg, nil, logrus.NewEntry(logrus.New()))
}

func TestCheckUnknownVMAdmits(t *testing.T) {
	p := newTestPolicy(ModeCooperative)
	if !p.Check(context.Background(), 7) {
		t.Fatal("VM with no app-derived state should be admitted")
	}
}

func TestFirstAppInitSeedsSharedState(t *testing.T) {
	p := newTestPolicy(ModeCooperative)
	p.AppInit(domain.App{VMID: 1})
	p.AppInit(domain.App{VMID: 1}) // second app, same VM: no re-seed

	p.mu.Lock()
	vm := p.vms[1]
	liveApps := vm.liveAppNum
	priority := vm.priority
	totalPriority := p.totalPriority
	p.mu.Unlock()

	if liveApps != 2 {
		t.Fatalf("liveAppNum = %d, want 2", liveApps)
	}
	if priority != totalPriority {
		t.Fatalf("single-VM totalPriority should equal its own priority: priority=%d total=%d", priority, totalPriority)
	}
}

func TestAppReleaseOnlyResetsOnLastApp(t *testing.T) {
	p := newTestPolicy(ModeCooperative)
	p.AppInit(domain.App{VMID: 1})
	p.AppInit(domain.App{VMID: 1})

	p.AppRelease(domain.App{VMID: 1})
	p.mu.Lock()
	priorityAfterFirstRelease := p.vms[1].priority
	p.mu.Unlock()
	if priorityAfterFirstRelease == 0 {
		t.Fatal("priority should survive release while an app is still live")
	}

	p.AppRelease(domain.App{VMID: 1})
	p.mu.Lock()
	priorityAfterSecondRelease := p.vms[1].priority
	totalPriority := p.totalPriority
	p.mu.Unlock()
	if priorityAfterSecondRelease != 0 || totalPriority != 0 {
		t.Fatalf("priority and total should be released after last app exits: priority=%d total=%d",
			priorityAfterSecondRelease, totalPriority)
	}
}

func TestCheckAdmitsWhenUnderShare(t *testing.T) {
	p := newTestPolicy(ModeCooperative)
	p.AppInit(domain.App{VMID: 1})
	p.AppInit(domain.App{VMID: 2})

	// VM 1 has used nothing; should always be admitted regardless of VM 2.
	p.Consume(2, 1000)

	if !p.Check(context.Background(), 1) {
		t.Fatal("VM with zero usage should be admitted under any proportional share")
	}
}

func TestCheckBacksOffWhenOverShareThenAdmitsAfterRetryBoundInCooperativeMode(t *testing.T) {
	p := newTestPolicy(ModeCooperative)
	p.AppInit(domain.App{VMID: 1})

	// No other VM exists, so totalPriority == vm1's priority, but consuming
	// makes vmUsed*totalPriority > totalUsed*priority impossible to satisfy
	// since totalUsed == vmUsed for a single VM... use two VMs instead so
	// VM 1 can be made to look disproportionately over its share.
	p.AppInit(domain.App{VMID: 2})
	p.Consume(1, 10_000)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	// Cooperative mode's retry bound means Check eventually returns true
	// (admits) even while still over share, rather than blocking forever.
	if !p.Check(ctx, 1) {
		t.Fatal("cooperative mode should admit once its retry bound is exhausted")
	}
}

func TestConsumePublishesDeviceTimeMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg, logrus.NewEntry(logrus.New()))

	cfg := DefaultConfig()
	cfg.SchedulePeriod = 5 * time.Millisecond
	p := New(cfg, collector, logrus.NewEntry(logrus.New()))
	p.AppInit(domain.App{VMID: 1})
	p.Consume(1, 2000)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	metrics.Handler(reg).ServeHTTP(w, req)

	body := w.Body.String()
	if !strings.Contains(body, `accel_mediator_device_used_time_microseconds{vm_id="1"} 2000`) {
		t.Errorf("missing device used-time gauge in output:\n%s", body)
	}
	if !strings.Contains(body, `accel_mediator_device_total_used_time_microseconds 2000`) {
		t.Errorf("missing device total used-time gauge in output:\n%s", body)
	}
	if !strings.Contains(body, `accel_mediator_device_total_priority 1`) {
		t.Errorf("missing device total-priority gauge in output:\n%s", body)
	}
}

func TestHighPrecisionModeRespectsContextCancellation(t *testing.T) {
	p := newTestPolicy(ModeHighPrecision)
	p.AppInit(domain.App{VMID: 1})
	p.AppInit(domain.App{VMID: 2})
	p.Consume(1, 10_000)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	if p.Check(ctx, 1) {
		t.Fatal("high precision mode has no retry bound and should block until cancellation")
	}
}
