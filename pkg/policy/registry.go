// Package policy implements the registry and dispatch half of the
// interposition path: an ordered collection of installed policies, fan-out
// of lifecycle events (engine/VM/app init and release), and fan-out of the
// per-packet check/consume events every installed policy and scripted
// program gets a turn at.
package policy

import (
	"context"
	"fmt"
	"sync"

	"github.com/pipeops/accel-mediator/pkg/domain"
	"github.com/sirupsen/logrus"
)

// Scripted is the narrow interface the registry needs from a scripted
// policy program, kept separate from domain.Policy because scripted
// programs are dispatched through pkg/scripted's own schedule loop rather
// than a plain blocking call. See spec §4.3/§4.4.
type Scripted interface {
	ID() int
	Schedule(ctx context.Context, vmID int, header domain.CommandHeader) bool
	Consume(vmID int, header domain.CommandHeader, amount int64)
	Init(vmID int)
	Fini(vmID int)
}

// Registry holds an ordered sequence of installed kernel-side policies and
// an ordered sequence of scripted policies. Dispatch is sequential in
// insertion order (spec §4.3): a blocking policy blocks the entire check
// for that packet.
//
// Registration and removal are serialized against engine init/release and
// may run concurrently with packet checks; dispatch snapshots the slice
// under a short RWMutex rather than holding a lock across the (possibly
// blocking) policy calls.
type Registry struct {
	mu       sync.RWMutex
	policies []*domain.Policy
	scripts  []Scripted
	nextID   int

	log *logrus.Entry
}

// New creates an empty registry.
func New(log *logrus.Entry) *Registry {
	return &Registry{
		log:    log.WithField("component", "policy-registry"),
		nextID: 1,
	}
}

// Install adds a kernel-side policy, assigning it an id unique within this
// registry if it doesn't already have one, and returns that id.
func (r *Registry) Install(p *domain.Policy) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p.ID == 0 {
		p.ID = r.nextID
		r.nextID++
	}
	r.policies = append(r.policies, p)
	r.log.WithFields(logrus.Fields{"id": p.ID, "name": p.Name}).Info("installed policy")
	return p.ID
}

// Remove removes installed policies by id. An id <= 0 removes all of them.
// Each removed policy's OnEngineRelease runs exactly once before its state
// is dropped (spec §4.3).
func (r *Registry) Remove(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.policies[:0:0]
	for _, p := range r.policies {
		if id <= 0 || p.ID == id {
			if p.OnEngineRelease != nil {
				p.OnEngineRelease()
			}
			r.log.WithField("id", p.ID).Info("removed policy")
			continue
		}
		kept = append(kept, p)
	}
	r.policies = kept
}

// InstallScripted adds a scripted policy program, returning its id.
func (r *Registry) InstallScripted(s Scripted) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scripts = append(r.scripts, s)
	r.log.WithField("id", s.ID()).Info("installed scripted policy")
	return s.ID()
}

// DetachScripted removes a scripted policy by id. An id <= 0 detaches all.
func (r *Registry) DetachScripted(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.scripts[:0:0]
	for _, s := range r.scripts {
		if id <= 0 || s.ID() == id {
			r.log.WithField("id", s.ID()).Info("detached scripted policy")
			continue
		}
		kept = append(kept, s)
	}
	r.scripts = kept
}

// PolicyInfo summarizes one installed kernel-side policy for the control
// surface (spec §6).
type PolicyInfo struct {
	ID   int
	Name string
}

// List returns a snapshot of the installed kernel-side policies' id and
// name, in dispatch order.
func (r *Registry) List() []PolicyInfo {
	policies, _ := r.snapshot()
	out := make([]PolicyInfo, len(policies))
	for i, p := range policies {
		out[i] = PolicyInfo{ID: p.ID, Name: p.Name}
	}
	return out
}

// ListScriptedIDs returns the ids of the installed scripted programs, in
// dispatch order.
func (r *Registry) ListScriptedIDs() []int {
	_, scripts := r.snapshot()
	out := make([]int, len(scripts))
	for i, s := range scripts {
		out[i] = s.ID()
	}
	return out
}

func (r *Registry) snapshot() ([]*domain.Policy, []Scripted) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	policies := make([]*domain.Policy, len(r.policies))
	copy(policies, r.policies)
	scripts := make([]Scripted, len(r.scripts))
	copy(scripts, r.scripts)
	return policies, scripts
}

// EngineInit runs OnEngineInit for every installed policy, in order. The
// first failure aborts initialization (spec §4.1, "Timer-function failure
// is unrecoverable").
func (r *Registry) EngineInit() error {
	policies, _ := r.snapshot()
	for _, p := range policies {
		if p.OnEngineInit == nil {
			continue
		}
		if err := p.OnEngineInit(); err != nil {
			return fmt.Errorf("policy %q (id=%d) engine init: %w", p.Name, p.ID, err)
		}
	}
	return nil
}

// EngineRelease runs OnEngineRelease for every installed policy.
func (r *Registry) EngineRelease() {
	policies, _ := r.snapshot()
	for _, p := range policies {
		if p.OnEngineRelease != nil {
			p.OnEngineRelease()
		}
	}
}

// VMInit runs OnVMInit for every installed policy and Init for every
// scripted program, in order.
func (r *Registry) VMInit(vmID int) {
	policies, scripts := r.snapshot()
	for _, p := range policies {
		if p.OnVMInit != nil {
			p.OnVMInit(vmID)
		}
	}
	for _, s := range scripts {
		s.Init(vmID)
	}
}

// VMRelease runs OnVMRelease for every installed policy and Fini for every
// scripted program, in order.
func (r *Registry) VMRelease(vmID int) {
	policies, scripts := r.snapshot()
	for _, p := range policies {
		if p.OnVMRelease != nil {
			p.OnVMRelease(vmID)
		}
	}
	for _, s := range scripts {
		s.Fini(vmID)
	}
}

// AppInit runs OnAppInit for every installed policy.
func (r *Registry) AppInit(app domain.App) {
	policies, _ := r.snapshot()
	for _, p := range policies {
		if p.OnAppInit != nil {
			p.OnAppInit(app)
		}
	}
}

// AppRelease runs OnAppRelease for every installed policy.
func (r *Registry) AppRelease(app domain.App) {
	policies, _ := r.snapshot()
	for _, p := range policies {
		if p.OnAppRelease != nil {
			p.OnAppRelease(app)
		}
	}
}

// Check fans OnVMCheck out across every installed policy and every scripted
// program's schedule loop, sequentially in insertion order (spec §4.3): a
// blocking policy blocks the entire check for this packet. It returns false
// (refuse) as soon as any policy or scripted program refuses or the context
// is cancelled, without running the remaining ones.
func (r *Registry) Check(ctx context.Context, vmID int, header domain.CommandHeader) bool {
	policies, scripts := r.snapshot()

	for _, p := range policies {
		if p.OnVMCheck == nil {
			continue
		}
		if ctx.Err() != nil {
			return false
		}
		if !p.OnVMCheck(ctx, vmID) {
			return false
		}
	}

	for _, s := range scripts {
		if ctx.Err() != nil {
			return false
		}
		if !s.Schedule(ctx, vmID, header) {
			return false
		}
	}

	return true
}

// ConsumeScripted dispatches a worker-report consumption event to every
// scripted program's Consume entry point, in order (spec §4.5,
// "rate-consume invokes both the kernel-side rate policy and all scripted
// vm_consume programs in order").
func (r *Registry) ConsumeScripted(vmID int, header domain.CommandHeader, amount int64) {
	_, scripts := r.snapshot()
	for _, s := range scripts {
		s.Consume(vmID, header, amount)
	}
}
