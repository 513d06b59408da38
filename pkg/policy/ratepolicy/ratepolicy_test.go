package ratepolicy

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pipeops/accel-mediator/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

func newTestPolicy() *Policy {
	cfg := DefaultConfig()
	cfg.TimerPeriod = 20 * time.Millisecond
	return New(cfg, nil, logrus.NewEntry(logrus.New()))
}

func TestVMInitGrantsInitialBalance(t *testing.T) {
	p := newTestPolicy()
	p.VMInit(1)

	if !p.Check(context.Background(), 1) {
		t.Fatal("freshly initialized VM should be admitted immediately")
	}
}

func TestCheckUnknownVMAdmits(t *testing.T) {
	p := newTestPolicy()
	if !p.Check(context.Background(), 99) {
		t.Fatal("a VM with no rate-policy state should not be blocked by this policy")
	}
}

func TestConsumeDrainsBalanceAndBlocksCheck(t *testing.T) {
	p := newTestPolicy()
	if err := p.EngineInit(); err != nil {
		t.Fatalf("EngineInit returned error: %v", err)
	}
	defer p.EngineRelease()
	p.VMInit(1)

	p.mu.Lock()
	budget := p.vms[1].refillBudget
	p.mu.Unlock()

	p.Consume(1, budget)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if !p.Check(ctx, 1) {
		t.Fatal("balance should be refilled by the timer before the short timeout expires")
	}
}

func TestCheckCancelledWithoutRefillReturnsFalse(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TimerPeriod = time.Hour // refill never fires within the test
	p := New(cfg, nil, logrus.NewEntry(logrus.New()))
	p.VMInit(1)

	p.mu.Lock()
	budget := p.vms[1].refillBudget
	p.mu.Unlock()
	p.Consume(1, budget)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if p.Check(ctx, 1) {
		t.Fatal("check should not admit when balance stays drained and context expires")
	}
}

func TestVMReleaseRecomputesShares(t *testing.T) {
	p := newTestPolicy()
	p.VMInit(1)
	p.VMInit(2)

	p.mu.Lock()
	totBefore := p.totShares
	p.mu.Unlock()

	p.VMRelease(1)

	p.mu.Lock()
	totAfter := p.totShares
	_, stillPresent := p.vms[1]
	p.mu.Unlock()

	if stillPresent {
		t.Fatal("released VM should be removed from state")
	}
	if totAfter >= totBefore {
		t.Fatalf("total shares should decrease after release: before=%d after=%d", totBefore, totAfter)
	}
}

func TestVMInitPublishesRateMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg, logrus.NewEntry(logrus.New()))

	cfg := DefaultConfig()
	cfg.TimerPeriod = 20 * time.Millisecond
	p := New(cfg, collector, logrus.NewEntry(logrus.New()))
	p.VMInit(1)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	metrics.Handler(reg).ServeHTTP(w, req)

	body := w.Body.String()
	if !strings.Contains(body, `accel_mediator_rate_balance{vm_id="1"} 50`) {
		t.Errorf("missing rate balance gauge in output:\n%s", body)
	}
	if !strings.Contains(body, `accel_mediator_rate_total_shares 1`) {
		t.Errorf("missing rate total-shares gauge in output:\n%s", body)
	}
}

func TestEngineInitAndReleaseStopsRefillLoop(t *testing.T) {
	p := newTestPolicy()
	if err := p.EngineInit(); err != nil {
		t.Fatalf("EngineInit returned error: %v", err)
	}
	p.VMInit(1)

	time.Sleep(50 * time.Millisecond) // allow a few refill ticks

	p.EngineRelease()

	select {
	case <-p.done:
	default:
		t.Fatal("refill loop should have exited after EngineRelease")
	}
}
