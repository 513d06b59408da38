// Package domain defines the core domain model for the accelerator mediation
// runtime. Following domain-driven design principles, these types represent
// the ubiquitous language of our bounded context: per-VM resource policy
// enforcement on the path between a guest and a shared accelerator device.
package domain

import (
	"context"
	"encoding/binary"
	"fmt"

	firecracker "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/google/uuid"
)

var binaryLE = binary.LittleEndian

// =============================================================================
// Core Domain Entities
// =============================================================================

// MaxVM is the largest VM id the tables below are sized for. VM ids live in
// [1, MaxVM]; id 0 is the reserved aggregate ("total") bucket some policies
// use for fleet-wide accounting.
const MaxVM = 64

// CommandHeader is the small, fixed-size header the mediator reads from the
// front of a guest-originated data packet. The core never interprets command
// semantics beyond these fields.
type CommandHeader struct {
	APIID     uint32
	CommandID uint64
	VMID      int
	Flags     uint32
}

// ParseCommandHeader decodes the fixed-size command header from the front
// of a guest data packet's payload (spec §6: "the core inspects only ...
// the first sizeof(command_base) bytes of the payload on data packets").
// buf must be at least CommandHeaderSize bytes.
func ParseCommandHeader(buf []byte) CommandHeader {
	return CommandHeader{
		APIID:     binaryLE.Uint32(buf[0:4]),
		CommandID: binaryLE.Uint64(buf[4:12]),
		VMID:      int(int32(binaryLE.Uint32(buf[12:16]))),
		Flags:     binaryLE.Uint32(buf[16:20]),
	}
}

// InternalAPIID marks a CommandHeader as carrying an out-of-band worker
// report rather than a guest-issued invocation.
const InternalAPIID uint32 = 0

// CommandHeaderSize is sizeof(command_base) in the original module: the
// number of bytes on_guest_packet must see at the front of a data packet's
// payload before it's treated as a command rather than a short, malformed
// packet (spec §6).
const CommandHeaderSize = 20

// Worker report command ids, carried in CommandHeader.CommandID on the
// out-of-band worker report channel (spec §6).
const (
	CmdNewWorker          uint64 = 1
	CmdConsumeDeviceTime  uint64 = 2
	CmdConsumeCommandRate uint64 = 3
)

// Op identifies a guest-originated packet's control opcode, carried in the
// virtio_vsock_pkt-shaped header's `op` field for zero-length packets
// (spec §6).
type Op int

const (
	// OpRequest asks the mediator to create an app for the sending VM.
	OpRequest Op = iota
	// OpShutdown asks the mediator to destroy the matching app.
	OpShutdown
)

// PacketHeader is the subset of a virtio_vsock_pkt header the mediator
// inspects (spec §6): source VM identity, destination port (admin vs
// data), control opcode, and payload length. The core never looks at any
// other header field.
type PacketHeader struct {
	SrcCID  uint64
	DstPort uint32
	Op      Op
	Len     int
}

// Verdict is the result of running the installed policies against a guest
// packet.
type Verdict int

const (
	// VerdictForward means all policies admitted the packet; it should be
	// enqueued to the worker.
	VerdictForward Verdict = iota
	// VerdictDrop means a policy refused the packet or its wait was
	// cancelled.
	VerdictDrop
	// VerdictPassthrough means the packet targets the admin port and was
	// not subject to policy at all.
	VerdictPassthrough
)

func (v Verdict) String() string {
	switch v {
	case VerdictForward:
		return "forward"
	case VerdictDrop:
		return "drop"
	case VerdictPassthrough:
		return "passthrough"
	default:
		return "unknown"
	}
}

// VM is the liveness and identity record for one guest domain. It is the
// aggregate root policies key their per-VM state off of. Vsock carries the
// same host-socket-path/guest-CID shape the teacher's Sandbox attaches to a
// firecracker.Config with, even though this core never drives a
// firecracker.Machine itself — VM attach here is told about an already
// running VM's vsock descriptor, not responsible for creating it.
type VM struct {
	ID       int
	GuestCID uint64
	Vsock    firecracker.VsockDevice
}

// App is a single guest process backed by a host worker. Multiple apps may
// belong to one VM. ID is assigned once at attach time for logging and
// external correlation; it plays no part in lookup, which stays keyed by
// (VMID, AppPort).
type App struct {
	ID         string
	VMID       int
	GuestCID   uint64
	AppPort    uint32
	WorkerPort uint32
	WorkerPID  uint32
}

// NewAppID generates a fresh app identifier. The teacher hand-rolls this as
// fmt.Sprintf("fc-%d", time.Now().UnixNano()); a real UUID avoids the
// wall-clock collision risk that scheme has under concurrent attach.
func NewAppID() string {
	return uuid.NewString()
}

func (a App) String() string {
	return fmt.Sprintf("app{id=%s vm=%d cid=%d app_port=%d worker_port=%d worker_pid=%d}",
		a.ID, a.VMID, a.GuestCID, a.AppPort, a.WorkerPort, a.WorkerPID)
}

// =============================================================================
// Policy capability set
// =============================================================================

// Policy is the capability set a resource-accounting policy may implement.
// Every field is optional; the registry skips absent capabilities. A policy
// value is shared across all VMs it accounts for — per-VM state lives inside
// the policy's own implementation, keyed by vm id.
type Policy struct {
	// ID uniquely identifies this policy within a registry.
	ID int
	// Name is a short human-readable label, used in logs and metrics.
	Name string

	OnEngineInit    func() error
	OnEngineRelease func()

	OnVMInit    func(vmID int)
	OnVMRelease func(vmID int)

	// OnVMCheck runs the admission predicate for vmID. It may block the
	// calling goroutine (spec §5, "Suspension points"). ctx carries
	// cancellation: a cancelled check must return promptly without
	// admitting. The bool return reports admission.
	OnVMCheck func(ctx context.Context, vmID int) bool

	OnAppInit    func(app App)
	OnAppRelease func(app App)
}
