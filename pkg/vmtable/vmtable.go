// Package vmtable holds the VM and App identity tables: owned collections
// keyed by stable integer ids, replacing the original kernel module's
// intrusive linked lists (spec §3, §9's design note on table-backed state).
// It also keeps the worker pid→(vm_id, app_port) index used to attribute an inbound
// worker report to a VM (spec §6).
package vmtable

import (
	"fmt"
	"sync"

	"github.com/pipeops/accel-mediator/pkg/domain"
)

// Table tracks live VMs and the apps running inside them. Safe for
// concurrent use; reads take an RLock, so they do not block one another
// (they do wait for a registration or teardown in progress), following the
// teacher's pkg/vm/manager.go pattern of a
// RWMutex-guarded map keyed by a stable id.
type Table struct {
	mu sync.RWMutex

	vms map[int]*domain.VM
	// apps is keyed by (vm_id, app_port) since one VM may run multiple
	// apps, each bound to its own port (spec §3).
	apps map[appKey]*domain.App

	// workerPID indexes apps by their host worker's pid, the lookup the
	// worker-report receive path needs (spec §6, "NW_NEW_WORKER" FIXME
	// preserved: workers register their pid before their first report).
	workerPID map[uint32]appKey
}

type appKey struct {
	vmID    int
	appPort uint32
}

// New creates an empty table.
func New() *Table {
	return &Table{
		vms:       make(map[int]*domain.VM),
		apps:      make(map[appKey]*domain.App),
		workerPID: make(map[uint32]appKey),
	}
}

// AddVM registers a VM. It returns an error if vmID is out of range or
// already registered, mirroring the original's MAX_VM_NUM bound check.
func (t *Table) AddVM(vm domain.VM) error {
	if vm.ID <= 0 || vm.ID > domain.MaxVM {
		return fmt.Errorf("vmtable: vm id %d out of range [1, %d]", vm.ID, domain.MaxVM)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.vms[vm.ID]; exists {
		return fmt.Errorf("vmtable: vm id %d already registered", vm.ID)
	}
	cp := vm
	t.vms[vm.ID] = &cp
	return nil
}

// RemoveVM unregisters a VM and every app and worker-pid mapping that
// belonged to it.
func (t *Table) RemoveVM(vmID int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.vms, vmID)
	for key, app := range t.apps {
		if key.vmID != vmID {
			continue
		}
		delete(t.apps, key)
		if app.WorkerPID != 0 {
			delete(t.workerPID, app.WorkerPID)
		}
	}
}

// GetVM returns the VM registered under vmID, if any.
func (t *Table) GetVM(vmID int) (domain.VM, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	vm, ok := t.vms[vmID]
	if !ok {
		return domain.VM{}, false
	}
	return *vm, true
}

// ListVMs returns a snapshot of every registered VM.
func (t *Table) ListVMs() []domain.VM {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]domain.VM, 0, len(t.vms))
	for _, vm := range t.vms {
		out = append(out, *vm)
	}
	return out
}

// AddApp registers an app. The VM it belongs to must already be
// registered.
func (t *Table) AddApp(app domain.App) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.vms[app.VMID]; !ok {
		return fmt.Errorf("vmtable: app %s references unknown vm", app.String())
	}

	key := appKey{vmID: app.VMID, appPort: app.AppPort}
	cp := app
	t.apps[key] = &cp
	if app.WorkerPID != 0 {
		t.workerPID[app.WorkerPID] = key
	}
	return nil
}

// BindWorkerPID associates a worker pid with an already-registered app,
// mirroring the original's NW_NEW_WORKER handler, which learns the
// worker's pid only after the app itself has been registered.
func (t *Table) BindWorkerPID(vmID int, appPort uint32, pid uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := appKey{vmID: vmID, appPort: appPort}
	app, ok := t.apps[key]
	if !ok {
		return fmt.Errorf("vmtable: no app registered for vm=%d port=%d", vmID, appPort)
	}
	if app.WorkerPID != 0 {
		delete(t.workerPID, app.WorkerPID)
	}
	app.WorkerPID = pid
	t.workerPID[pid] = key
	return nil
}

// RemoveApp unregisters an app and its worker-pid mapping.
func (t *Table) RemoveApp(vmID int, appPort uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := appKey{vmID: vmID, appPort: appPort}
	app, ok := t.apps[key]
	if !ok {
		return
	}
	delete(t.apps, key)
	if app.WorkerPID != 0 {
		delete(t.workerPID, app.WorkerPID)
	}
}

// AppByWorkerPID looks up the app a worker report's pid belongs to, the
// lookup the worker-report receive path needs to attribute consumption to
// a VM (spec §6).
func (t *Table) AppByWorkerPID(pid uint32) (domain.App, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	key, ok := t.workerPID[pid]
	if !ok {
		return domain.App{}, false
	}
	app, ok := t.apps[key]
	if !ok {
		return domain.App{}, false
	}
	return *app, true
}

// ListApps returns a snapshot of every app running on vmID.
func (t *Table) ListApps(vmID int) []domain.App {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []domain.App
	for key, app := range t.apps {
		if key.vmID == vmID {
			out = append(out, *app)
		}
	}
	return out
}
