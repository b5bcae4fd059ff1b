package hv

import (
	"context"
	"errors"
)

var (
	ErrVMHalted             = errors.New("virtual machine halted")
	ErrGuestRequestedReboot = errors.New("guest requested reboot")

	// ErrNotImplemented marks paths the VMM knows about but cannot service.
	// It is neither a guest fault nor a fatal dispatcher error.
	ErrNotImplemented = errors.New("not implemented")

	ErrUnhandledExit   = errors.New("unhandled exit reason")
	ErrCoreStopped     = errors.New("virtual cpu stopped")
	ErrConflict        = errors.New("resource already claimed")
	ErrTripleFault     = errors.New("guest triple fault")
	ErrUnbackedAddress = errors.New("guest physical address not backed by host memory")
)

type CpuVendor string

const (
	VendorUnknown CpuVendor = "unknown"
	VendorAMD     CpuVendor = "svm"
	VendorIntel   CpuVendor = "vmx"
)

// ParseVendor maps the config/trace spelling onto a CpuVendor.
func ParseVendor(s string) CpuVendor {
	switch s {
	case "svm", "amd", "AuthenticAMD":
		return VendorAMD
	case "vmx", "intel", "GenuineIntel":
		return VendorIntel
	default:
		return VendorUnknown
	}
}

// ExitContext is handed to device handlers while an exit is being serviced.
type ExitContext interface {
	context.Context

	Core() *Core
}

type exitContext struct {
	context.Context
	core *Core
}

func (c exitContext) Core() *Core { return c.core }

// NewExitContext binds ctx to the core whose exit is being handled.
func NewExitContext(ctx context.Context, core *Core) ExitContext {
	return exitContext{Context: ctx, core: core}
}

// Machine is the view of a guest that devices receive at Init.
type Machine interface {
	Name() string
	CoreCount() int
	MemoryMap() *MemoryMap
}

// Device is the minimal lifecycle every device model implements.
type Device interface {
	Init(vm Machine) error
}

// Backend enters the guest on a core and returns the next trapped exit.
// Vendor backends present core.Pending to the guest before resuming.
type Backend interface {
	Vendor() CpuVendor
	Enter(ctx context.Context, core *Core) (ExitRecord, error)
}
