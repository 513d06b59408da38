package vmtable

import (
	"testing"

	"github.com/pipeops/accel-mediator/pkg/domain"
)

func TestAddVMRejectsOutOfRangeID(t *testing.T) {
	tbl := New()
	if err := tbl.AddVM(domain.VM{ID: 0}); err == nil {
		t.Fatal("expected error for vm id 0")
	}
	if err := tbl.AddVM(domain.VM{ID: domain.MaxVM + 1}); err == nil {
		t.Fatal("expected error for vm id beyond MaxVM")
	}
}

func TestAddVMRejectsDuplicate(t *testing.T) {
	tbl := New()
	if err := tbl.AddVM(domain.VM{ID: 1, GuestCID: 3}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tbl.AddVM(domain.VM{ID: 1, GuestCID: 4}); err == nil {
		t.Fatal("expected error registering a duplicate vm id")
	}
}

func TestAppLifecycleAndWorkerPIDLookup(t *testing.T) {
	tbl := New()
	if err := tbl.AddVM(domain.VM{ID: 1, GuestCID: 3}); err != nil {
		t.Fatalf("AddVM: %v", err)
	}

	app := domain.App{VMID: 1, GuestCID: 3, AppPort: 100}
	if err := tbl.AddApp(app); err != nil {
		t.Fatalf("AddApp: %v", err)
	}

	if err := tbl.BindWorkerPID(1, 100, 4242); err != nil {
		t.Fatalf("BindWorkerPID: %v", err)
	}

	got, ok := tbl.AppByWorkerPID(4242)
	if !ok {
		t.Fatal("expected app to be found by worker pid")
	}
	if got.VMID != 1 || got.AppPort != 100 || got.WorkerPID != 4242 {
		t.Fatalf("unexpected app: %+v", got)
	}

	tbl.RemoveApp(1, 100)
	if _, ok := tbl.AppByWorkerPID(4242); ok {
		t.Fatal("worker pid mapping should be removed with the app")
	}
}

func TestAddAppRequiresKnownVM(t *testing.T) {
	tbl := New()
	if err := tbl.AddApp(domain.App{VMID: 99, AppPort: 1}); err == nil {
		t.Fatal("expected error registering an app against an unknown vm")
	}
}

func TestRemoveVMCascadesApps(t *testing.T) {
	tbl := New()
	if err := tbl.AddVM(domain.VM{ID: 1}); err != nil {
		t.Fatalf("AddVM: %v", err)
	}
	if err := tbl.AddApp(domain.App{VMID: 1, AppPort: 1, WorkerPID: 10}); err != nil {
		t.Fatalf("AddApp: %v", err)
	}

	tbl.RemoveVM(1)

	if _, ok := tbl.GetVM(1); ok {
		t.Fatal("vm should be removed")
	}
	if apps := tbl.ListApps(1); len(apps) != 0 {
		t.Fatalf("apps should be cascaded away, got %d", len(apps))
	}
	if _, ok := tbl.AppByWorkerPID(10); ok {
		t.Fatal("worker pid mapping should be cascaded away")
	}
}

func TestListVMs(t *testing.T) {
	tbl := New()
	_ = tbl.AddVM(domain.VM{ID: 1})
	_ = tbl.AddVM(domain.VM{ID: 2})

	vms := tbl.ListVMs()
	if len(vms) != 2 {
		t.Fatalf("expected 2 vms, got %d", len(vms))
	}
}
