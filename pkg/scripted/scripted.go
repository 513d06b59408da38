// Package scripted hosts operator-supplied scripted policy programs: small,
// sandboxed rule sets with four named entry points (vm_init, vm_fini,
// schedule, consume) and a fixed verdict set, evaluated against a per-VM
// state document instead of loading kernel bytecode (spec §4.4, §9).
//
// Each program owns two state buckets keyed the same way the original
// kernel module's BPF maps used a reserved "total" entry at index 0: one
// bucket per VM id, plus a bucket at id 0 for fleet-wide aggregates a rule
// wants to keep (total priority, total used time, and so on).
package scripted

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"github.com/pipeops/accel-mediator/pkg/domain"
	"github.com/pipeops/accel-mediator/pkg/metrics"
	"github.com/sirupsen/logrus"
)

// Verdict mirrors the original's BPF_AVA_CONTINUE / BPF_AVA_DELAY /
// BPF_AVA_ERROR fixed verdict set (samples/bpf/ava_*_kern.c).
type Verdict string

const (
	VerdictContinue Verdict = "continue"
	VerdictDelay    Verdict = "delay"
	VerdictError    Verdict = "error"
)

const totalBucket = 0

// entrypoints are the four named rules a scripted program may define, one
// query per rule so an absent rule (undefined in the module) is detected
// per-entrypoint rather than failing to load the whole program.
var entrypoints = []string{"vm_init", "vm_fini", "schedule", "consume"}

// Config describes one loadable scripted policy program.
type Config struct {
	ID      int
	Package string // rego package path, e.g. "ava.command_rate"
	Module  string // rego module source

	// SchedulePeriod and MaxTries bound the schedule entry point's retry
	// loop, mirroring kvm_vgpu_policy.c's schedule_loop and its
	// `5000 / GPU_SCHEDULE_PERIOD` constant, exposed as config per Open
	// Question (a).
	SchedulePeriod time.Duration
	MaxTries       int
}

// DefaultConfig returns the original's schedule_loop tuning.
func DefaultConfig() Config {
	return Config{
		SchedulePeriod: 10 * time.Millisecond,
		MaxTries:       500,
	}
}

// Program is one loaded scripted policy. Build with Load.
type Program struct {
	cfg     Config
	log     *logrus.Entry
	metrics *metrics.Collector

	queries map[string]rego.PreparedEvalQuery

	mu    sync.Mutex
	state map[int]map[string]interface{}
}

// Load compiles cfg.Module and prepares a query for each of the four entry
// points. A module need not define all four; a query for an absent one
// evaluates to undefined and is skipped at evaluation time. collector may be nil, in which case the
// program runs without emitting metrics.
func Load(ctx context.Context, cfg Config, collector *metrics.Collector, log *logrus.Entry) (*Program, error) {
	p := &Program{
		cfg:     cfg,
		log:     log.WithFields(logrus.Fields{"component": "scripted", "id": cfg.ID, "package": cfg.Package}),
		metrics: collector,
		queries: make(map[string]rego.PreparedEvalQuery, len(entrypoints)),
		state:   map[int]map[string]interface{}{totalBucket: {}},
	}

	for _, ep := range entrypoints {
		query := fmt.Sprintf("data.%s.%s", cfg.Package, ep)
		r := rego.New(
			rego.Query(query),
			rego.Module(fmt.Sprintf("%s.rego", cfg.Package), cfg.Module),
		)
		pq, err := r.PrepareForEval(ctx)
		if err != nil {
			return nil, fmt.Errorf("scripted policy %q: prepare %s: %w", cfg.Package, ep, err)
		}
		p.queries[ep] = pq
	}

	return p, nil
}

// ID satisfies pkg/policy's Scripted interface.
func (p *Program) ID() int { return p.cfg.ID }

func (p *Program) input(vmID int, header domain.CommandHeader, consumed int64) map[string]interface{} {
	p.mu.Lock()
	vmState := p.state[vmID]
	total := p.state[totalBucket]
	p.mu.Unlock()

	return map[string]interface{}{
		"vm_id":      vmID,
		"api_id":     header.APIID,
		"command_id": header.CommandID,
		"consumed":   consumed,
		"state":      vmState,
		"total":      total,
	}
}

// eval runs the named entry point, returning the decoded result object and
// whether the module actually defines that rule (an empty result set means
// it's undefined, the Rego equivalent of a null function pointer in the
// original's struct bpf_policy).
func (p *Program) eval(ctx context.Context, ep string, vmID int, header domain.CommandHeader, consumed int64) (map[string]interface{}, bool) {
	pq, ok := p.queries[ep]
	if !ok {
		return nil, false
	}

	rs, err := pq.Eval(ctx, rego.EvalInput(p.input(vmID, header, consumed)))
	if err != nil {
		p.log.WithError(err).WithField("entrypoint", ep).Warn("scripted policy evaluation failed")
		return nil, false
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return nil, false
	}

	result, ok := rs[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return nil, false
	}
	return result, true
}

// commit stores any state/total fields the rule returned.
func (p *Program) commit(vmID int, result map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := result["state"].(map[string]interface{}); ok {
		p.state[vmID] = s
	}
	if t, ok := result["total"].(map[string]interface{}); ok {
		p.state[totalBucket] = t
	}
}

// Init runs the vm_init entry point, mirroring BPF_PROG_RUN(vm_init, skb)
// in init_vm_resource.
func (p *Program) Init(vmID int) {
	result, ok := p.eval(context.Background(), "vm_init", vmID, domain.CommandHeader{}, 0)
	if !ok {
		return
	}
	p.commit(vmID, result)
}

// Fini runs the vm_fini entry point, mirroring release_vm_resource.
func (p *Program) Fini(vmID int) {
	result, ok := p.eval(context.Background(), "vm_fini", vmID, domain.CommandHeader{}, 0)
	if ok {
		p.commit(vmID, result)
	}
	p.mu.Lock()
	delete(p.state, vmID)
	p.mu.Unlock()
}

// Schedule runs the schedule entry point in a bounded retry loop, mirroring
// kvm_vgpu_policy.c's schedule_loop: VerdictContinue admits immediately,
// VerdictDelay sleeps one schedule period and retries, any other verdict
// (including VerdictError, matching the original's fallthrough when
// priority matches neither BPF_AVA_CONTINUE nor BPF_AVA_DELAY) retries
// without sleeping. The loop opens (admits) once MaxTries is exhausted,
// same as the original returning from schedule_loop without having
// explicitly denied the packet.
func (p *Program) Schedule(ctx context.Context, vmID int, header domain.CommandHeader) bool {
	if _, ok := p.queries["schedule"]; !ok {
		return true
	}

	for tries := 0; tries < p.cfg.MaxTries; tries++ {
		if ctx.Err() != nil {
			return false
		}

		result, defined := p.eval(ctx, "schedule", vmID, header, 0)
		if !defined {
			return true
		}

		verdict, _ := result["verdict"].(string)
		if p.metrics != nil {
			p.metrics.RecordScriptedVerdict(p.cfg.ID, verdict)
		}
		switch Verdict(verdict) {
		case VerdictContinue:
			return true
		case VerdictDelay:
			timer := time.NewTimer(p.cfg.SchedulePeriod)
			select {
			case <-ctx.Done():
				timer.Stop()
				return false
			case <-timer.C:
			}
		default:
			// VerdictError or unrecognized: retry without sleeping, as in
			// the original's fall-through.
		}
	}
	return true
}

// Consume runs the consume entry point, mirroring
// BPF_PROG_RUN(vm_consume, skb) in consume_vm_resource.
func (p *Program) Consume(vmID int, header domain.CommandHeader, amount int64) {
	result, ok := p.eval(context.Background(), "consume", vmID, header, amount)
	if !ok {
		return
	}
	p.commit(vmID, result)
}
