// Package platform isolates the privileged host instructions the exit
// handlers need (CPUID, MSR access, cache flushes) behind one interface.
package platform

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/tinyrange/vmm/internal/hv"
)

// CPUIDResult holds the four output registers of CPUID.
type CPUIDResult struct {
	EAX, EBX, ECX, EDX uint32
}

// Platform executes host-level operations on behalf of exit handlers.
type Platform interface {
	Vendor() hv.CpuVendor
	CPUID(leaf, subleaf uint32) (CPUIDResult, error)
	ReadMSR(msr uint32) (uint64, error)
	WriteMSR(msr uint32, value uint64) error
	FlushCache() error
}

// CPU feature bits the exit handlers care about.
const (
	CPUIDLeafFeatures    = 0x1
	CPUIDLeafExtFeatures = 0x80000001

	// leaf 1 ECX
	FeatureMonitor = 1 << 3
	FeatureVMX     = 1 << 5
	// leaf 0x80000001 ECX
	FeatureSVM = 1 << 2
)

// Well known MSRs.
const (
	MSRFeatureControl = 0x3a
	MSREFER           = 0xc0000080
	MSRVMCR           = 0xc0010114
)

// CPUInfo is the subset of /proc/cpuinfo describing the first processor.
type CPUInfo struct {
	VendorID  string
	ModelName string
	Flags     map[string]bool
}

// Vendor maps the vendor string onto a virtualization vendor.
func (c CPUInfo) Vendor() hv.CpuVendor {
	return hv.ParseVendor(c.VendorID)
}

// HasVirtualization reports whether the vendor's hardware virtualization
// flag is present.
func (c CPUInfo) HasVirtualization() bool {
	switch c.Vendor() {
	case hv.VendorIntel:
		return c.Flags["vmx"]
	case hv.VendorAMD:
		return c.Flags["svm"]
	}
	return false
}

// ParseCPUInfo reads the first processor block of a cpuinfo stream.
func ParseCPUInfo(r io.Reader) (CPUInfo, error) {
	info := CPUInfo{Flags: make(map[string]bool)}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			if info.VendorID != "" {
				break
			}
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "vendor_id":
			info.VendorID = value
		case "model name":
			info.ModelName = value
		case "flags":
			for _, flag := range strings.Fields(value) {
				info.Flags[flag] = true
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return info, fmt.Errorf("platform: read cpuinfo: %w", err)
	}
	if info.VendorID == "" {
		return info, fmt.Errorf("platform: cpuinfo has no vendor_id")
	}
	return info, nil
}
