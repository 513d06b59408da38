// Package mediator implements the interposition entry points the
// transport and control channel call into (spec §4.5): on_guest_packet,
// on_worker_report, on_vm_attach/detach, and on_app_attach/detach. It is
// the wiring point that ties the policy registry, the VM/app identity
// tables, the send ring, and the worker-report channel together into the
// single surface an external transport drives.
package mediator

import (
	"context"
	"fmt"

	firecracker "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/pipeops/accel-mediator/pkg/domain"
	"github.com/pipeops/accel-mediator/pkg/metrics"
	"github.com/pipeops/accel-mediator/pkg/policy"
	"github.com/pipeops/accel-mediator/pkg/transport"
	"github.com/pipeops/accel-mediator/pkg/vmtable"
	"github.com/pipeops/accel-mediator/pkg/workerchannel"
	"github.com/sirupsen/logrus"
)

// RateConsumer is the narrow interface the mediator needs from the
// command-rate policy to dispatch a worker report's consumption
// (spec §4.5, "rate-consume invokes both the kernel-side rate policy and
// all scripted vm_consume programs in order").
type RateConsumer interface {
	Consume(vmID int, amount int64)
}

// DeviceTimeConsumer is the analogous narrow interface for the device-time
// policy (cooperative and/or high-precision; Mediator may hold either or
// both, per pkg/config's HighPrecisionEnabled).
type DeviceTimeConsumer interface {
	Consume(vmID int, consumedUs int64)
}

// Mediator wires the policy registry, VM/app identity tables, send ring,
// and worker-report channel into the entry points spec §4.5 names.
// Build one with New; it is safe for concurrent use by many transport-
// dispatch goroutines and worker-report goroutines at once, per spec §5.
type Mediator struct {
	registry *policy.Registry
	table    *vmtable.Table
	sendRing *transport.SendRing
	metrics  *metrics.Collector
	log      *logrus.Entry

	adminPort uint32

	rate       RateConsumer
	deviceTime DeviceTimeConsumer
	deviceHP   DeviceTimeConsumer
}

// New creates a Mediator. rate, deviceTime, and deviceHP may be nil if the
// corresponding policy isn't installed; a nil consumer makes the matching
// worker-report kind a no-op "not found" per spec §7.
func New(
	registry *policy.Registry,
	table *vmtable.Table,
	sendRing *transport.SendRing,
	collector *metrics.Collector,
	adminPort uint32,
	rate RateConsumer,
	deviceTime DeviceTimeConsumer,
	deviceHP DeviceTimeConsumer,
	log *logrus.Entry,
) *Mediator {
	return &Mediator{
		registry:   registry,
		table:      table,
		sendRing:   sendRing,
		metrics:    collector,
		log:        log.WithField("component", "mediator"),
		adminPort:  adminPort,
		rate:       rate,
		deviceTime: deviceTime,
		deviceHP:   deviceHP,
	}
}

// OnVMAttach registers a VM and runs every installed policy's on_vm_init,
// mirroring the original's init_vm_resource cascade (spec §3 "Lifecycle").
// vsock is the VM's already-provisioned vsock attach descriptor; the core
// records it for app-identity purposes but never dials or drives it itself.
func (m *Mediator) OnVMAttach(vmID int, guestCID uint64, vsock firecracker.VsockDevice) error {
	if err := m.table.AddVM(domain.VM{ID: vmID, GuestCID: guestCID, Vsock: vsock}); err != nil {
		return fmt.Errorf("mediator: attach vm %d: %w", vmID, err)
	}
	m.registry.VMInit(vmID)
	if m.metrics != nil {
		m.metrics.SetVMsLive(len(m.table.ListVMs()))
	}
	m.log.WithField("vm_id", vmID).Info("vm attached")
	return nil
}

// OnVMDetach runs every installed policy's on_vm_release and unregisters
// the VM. Callers must ensure no on_vm_check for this VM is still pending
// (spec §5: "a released VM has no live transport").
func (m *Mediator) OnVMDetach(vmID int) {
	m.registry.VMRelease(vmID)
	m.table.RemoveVM(vmID)
	if m.metrics != nil {
		m.metrics.SetVMsLive(len(m.table.ListVMs()))
	}
	m.log.WithField("vm_id", vmID).Info("vm detached")
}

// OnAppAttach registers an app and runs every installed policy's
// on_app_init, mirroring a REQUEST control packet's effect (spec §4.5).
func (m *Mediator) OnAppAttach(app domain.App) error {
	if err := m.table.AddApp(app); err != nil {
		return fmt.Errorf("mediator: attach app: %w", err)
	}
	m.registry.AppInit(app)
	if m.metrics != nil {
		m.metrics.SetAppsLive(app.VMID, len(m.table.ListApps(app.VMID)))
	}
	m.log.WithField("app", app.String()).Info("app attached")
	return nil
}

// OnAppDetach runs every installed policy's on_app_release and unregisters
// the app, mirroring a SHUTDOWN control packet's effect.
func (m *Mediator) OnAppDetach(vmID int, appPort uint32) {
	apps := m.table.ListApps(vmID)
	var found domain.App
	ok := false
	for _, a := range apps {
		if a.AppPort == appPort {
			found, ok = a, true
			break
		}
	}
	if !ok {
		m.log.WithFields(logrus.Fields{"vm_id": vmID, "app_port": appPort}).Warn("app detach: not found")
		return
	}

	m.registry.AppRelease(found)
	m.table.RemoveApp(vmID, appPort)
	if m.metrics != nil {
		m.metrics.SetAppsLive(vmID, len(m.table.ListApps(vmID)))
	}
	m.log.WithField("app", found.String()).Info("app detached")
}

// GuestPacket is the narrow view of a virtio_vsock_pkt-shaped packet
// on_guest_packet needs (spec §6): the header fields the core inspects,
// plus the raw payload bytes it may parse a CommandHeader out of.
type GuestPacket struct {
	Header  domain.PacketHeader
	Payload []byte
}

// OnGuestPacket is the transport's entry point for every guest-originated
// packet (spec §4.5). It returns the verdict the transport should act on:
// forward to the worker, drop, or passthrough (admin-port traffic the
// mediator never inspects).
func (m *Mediator) OnGuestPacket(ctx context.Context, pkt GuestPacket) domain.Verdict {
	if pkt.Header.DstPort == m.adminPort {
		return domain.VerdictPassthrough
	}

	vmID, ok := m.vmIDForCID(pkt.Header.SrcCID)
	if !ok {
		m.log.WithField("src_cid", pkt.Header.SrcCID).Warn("guest packet: unknown vm")
		return domain.VerdictDrop
	}

	if pkt.Header.Len == 0 {
		return m.handleControl(vmID, pkt)
	}

	if pkt.Header.Len < domain.CommandHeaderSize || len(pkt.Payload) < domain.CommandHeaderSize {
		m.log.WithField("vm_id", vmID).Warn("guest packet: short command payload, dropping")
		return domain.VerdictDrop
	}

	header := domain.ParseCommandHeader(pkt.Payload)
	admitted := m.registry.Check(ctx, vmID, header)
	if m.metrics != nil {
		m.metrics.RecordCheck("registry", admitted)
	}
	if !admitted {
		m.log.WithFields(logrus.Fields{"vm_id": vmID, "command_id": header.CommandID}).Debug("guest packet: admission denied")
		return domain.VerdictDrop
	}

	if m.sendRing != nil {
		if err := m.sendRing.Push(ctx, transport.Packet{VMID: vmID, Header: header, Payload: pkt.Payload}); err != nil {
			m.log.WithError(err).WithField("vm_id", vmID).Warn("guest packet: send ring push failed, dropping")
			return domain.VerdictDrop
		}
	}
	return domain.VerdictForward
}

// handleControl interprets a zero-length guest packet's control opcode:
// REQUEST creates an app, SHUTDOWN destroys the matching one (spec §4.5).
func (m *Mediator) handleControl(vmID int, pkt GuestPacket) domain.Verdict {
	switch pkt.Header.Op {
	case domain.OpRequest:
		app := domain.App{ID: domain.NewAppID(), VMID: vmID, GuestCID: pkt.Header.SrcCID, AppPort: pkt.Header.DstPort}
		if err := m.OnAppAttach(app); err != nil {
			m.log.WithError(err).Warn("guest packet: app attach failed")
			return domain.VerdictDrop
		}
		return domain.VerdictForward
	case domain.OpShutdown:
		m.OnAppDetach(vmID, pkt.Header.DstPort)
		return domain.VerdictForward
	default:
		m.log.WithField("op", pkt.Header.Op).Warn("guest packet: unrecognized control opcode, dropping")
		return domain.VerdictDrop
	}
}

// vmIDForCID resolves a guest CID to the VM id that attached with it.
// VMs are few enough (MaxVM) that a linear scan over the live set is
// cheaper than maintaining a second index, and this path runs once per
// control/check packet rather than per byte.
func (m *Mediator) vmIDForCID(cid uint64) (int, bool) {
	for _, vm := range m.table.ListVMs() {
		if vm.GuestCID == cid {
			return vm.ID, true
		}
	}
	return 0, false
}

// OnWorkerReport is the out-of-band worker-report channel's entry point
// (spec §4.5, §6). It identifies the VM via the worker-pid→vm_id map
// populated at app attach time, then dispatches to the named consumer.
// NW_NEW_WORKER reports instead bind the pid to the app the report's
// AppPort names, following the original's own FIXME: vm_id is set by the
// guest library, not the worker, so the first report from a given worker
// establishes the mapping rather than carrying a trustworthy vm_id.
func (m *Mediator) OnWorkerReport(ctx context.Context, report workerchannel.Report) error {
	switch report.Kind {
	case workerchannel.ReportNewWorker:
		if err := m.table.BindWorkerPID(report.VMID, report.AppPort, report.WorkerPID); err != nil {
			return fmt.Errorf("mediator: worker report: %w", err)
		}
		return nil
	}

	app, ok := m.table.AppByWorkerPID(report.WorkerPID)
	if !ok {
		return fmt.Errorf("mediator: worker report: no app for pid %d", report.WorkerPID)
	}

	switch report.Kind {
	case workerchannel.ReportConsumeCommandRate:
		if m.rate == nil {
			return fmt.Errorf("mediator: worker report: command-rate policy not installed")
		}
		m.rate.Consume(app.VMID, report.Amount)
		if m.metrics != nil {
			m.metrics.RecordConsume("command-rate", report.Amount)
		}
		m.registry.ConsumeScripted(app.VMID, domain.CommandHeader{VMID: app.VMID}, report.Amount)
		return nil

	case workerchannel.ReportConsumeDeviceTime:
		// The original dispatches CONSUME_RC_DEVICE_TIME to
		// consume_vm_device_time_hp only (kvm_vgpu.c); the cooperative
		// variant's own consume function has no call site anywhere in the
		// source tree. When both variants are installed, the high-precision
		// one is the single source of truth for used-time accounting and the
		// cooperative one only gets a report if HP isn't running.
		switch {
		case m.deviceHP != nil:
			m.deviceHP.Consume(app.VMID, report.Amount)
		case m.deviceTime != nil:
			m.deviceTime.Consume(app.VMID, report.Amount)
		default:
			return fmt.Errorf("mediator: worker report: device-time policy not installed")
		}
		if m.metrics != nil {
			m.metrics.RecordConsume("device-time", report.Amount)
		}
		m.registry.ConsumeScripted(app.VMID, domain.CommandHeader{VMID: app.VMID}, report.Amount)
		return nil

	default:
		return fmt.Errorf("mediator: worker report: unknown kind %q", report.Kind)
	}
}
