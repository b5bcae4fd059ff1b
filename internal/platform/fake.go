package platform

import (
	"fmt"
	"sync"

	"github.com/tinyrange/vmm/internal/hv"
)

// Fake is an in-memory Platform for replay and tests.
type Fake struct {
	mu sync.Mutex

	vendor  hv.CpuVendor
	leaves  map[[2]uint32]CPUIDResult
	msrs    map[uint32]uint64
	flushes int
}

// NewFake returns a fake processor of the given vendor advertising the
// monitor and virtualization feature bits, so tests can see them masked.
func NewFake(vendor hv.CpuVendor) *Fake {
	f := &Fake{
		vendor: vendor,
		leaves: make(map[[2]uint32]CPUIDResult),
		msrs:   make(map[uint32]uint64),
	}
	var ebx, edx, ecx uint32
	switch vendor {
	case hv.VendorAMD:
		ebx, edx, ecx = 0x68747541, 0x69746e65, 0x444d4163 // AuthenticAMD
	default:
		ebx, edx, ecx = 0x756e6547, 0x49656e69, 0x6c65746e // GenuineIntel
	}
	f.leaves[[2]uint32{0, 0}] = CPUIDResult{EAX: 0xd, EBX: ebx, ECX: ecx, EDX: edx}
	f.leaves[[2]uint32{CPUIDLeafFeatures, 0}] = CPUIDResult{EAX: 0x000806ec, ECX: FeatureMonitor | FeatureVMX | 1<<0, EDX: 1<<0 | 1<<4}
	f.leaves[[2]uint32{0x80000000, 0}] = CPUIDResult{EAX: 0x80000008}
	f.leaves[[2]uint32{CPUIDLeafExtFeatures, 0}] = CPUIDResult{ECX: FeatureSVM | 1<<0, EDX: 1<<29 | 1<<20}
	return f
}

func (f *Fake) Vendor() hv.CpuVendor { return f.vendor }

// SetCPUID overrides a CPUID leaf.
func (f *Fake) SetCPUID(leaf, subleaf uint32, r CPUIDResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves[[2]uint32{leaf, subleaf}] = r
}

func (f *Fake) CPUID(leaf, subleaf uint32) (CPUIDResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.leaves[[2]uint32{leaf, subleaf}]; ok {
		return r, nil
	}
	// subleaf-less leaves ignore ECX
	return f.leaves[[2]uint32{leaf, 0}], nil
}

func (f *Fake) ReadMSR(msr uint32) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.msrs[msr]
	if !ok {
		return 0, fmt.Errorf("platform: rdmsr 0x%x: no such msr", msr)
	}
	return v, nil
}

func (f *Fake) WriteMSR(msr uint32, value uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msrs[msr] = value
	return nil
}

func (f *Fake) FlushCache() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	return nil
}

// Flushes returns the number of FlushCache calls.
func (f *Fake) Flushes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flushes
}

var _ Platform = (*Fake)(nil)
