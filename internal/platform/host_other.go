//go:build !linux

package platform

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/vmm/internal/hv"
)

// Host is only implemented on Linux.
type Host struct{}

func Open(cpu int, log *slog.Logger) (*Host, error) {
	return nil, fmt.Errorf("platform: host access: %w", hv.ErrNotImplemented)
}

func Detect() (CPUInfo, error) {
	return CPUInfo{}, fmt.Errorf("platform: cpu detection: %w", hv.ErrNotImplemented)
}

func (h *Host) Info() CPUInfo                                   { return CPUInfo{} }
func (h *Host) Vendor() hv.CpuVendor                            { return hv.VendorUnknown }
func (h *Host) CPUID(leaf, subleaf uint32) (CPUIDResult, error) { return CPUIDResult{}, hv.ErrNotImplemented }
func (h *Host) ReadMSR(msr uint32) (uint64, error)              { return 0, hv.ErrNotImplemented }
func (h *Host) WriteMSR(msr uint32, value uint64) error         { return hv.ErrNotImplemented }
func (h *Host) FlushCache() error                               { return hv.ErrNotImplemented }
func (h *Host) Close() error                                    { return nil }
