//go:build linux

package platform

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/vmm/internal/hv"
)

// Host talks to the processor through the Linux cpuid and msr device
// nodes of one host CPU.
type Host struct {
	mu sync.Mutex

	cpu  int
	info CPUInfo
	log  *slog.Logger

	cpuidFd int
	msrFd   int

	flushes uint64
}

// Open opens the device nodes of host CPU cpu. The msr node is optional;
// without it MSR access fails but CPUID still works.
func Open(cpu int, log *slog.Logger) (*Host, error) {
	if log == nil {
		log = slog.Default()
	}

	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		return nil, fmt.Errorf("platform: %w", err)
	}
	info, err := ParseCPUInfo(f)
	f.Close()
	if err != nil {
		return nil, err
	}

	h := &Host{cpu: cpu, info: info, log: log, cpuidFd: -1, msrFd: -1}

	h.cpuidFd, err = unix.Open(fmt.Sprintf("/dev/cpu/%d/cpuid", cpu), unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("platform: open cpuid device for cpu %d: %w", cpu, err)
	}
	h.msrFd, err = unix.Open(fmt.Sprintf("/dev/cpu/%d/msr", cpu), unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		log.Warn("platform: msr device unavailable", "cpu", cpu, "error", err)
		h.msrFd = -1
	}
	return h, nil
}

// Info returns the parsed cpuinfo of the host.
func (h *Host) Info() CPUInfo { return h.info }

func (h *Host) Vendor() hv.CpuVendor { return h.info.Vendor() }

// CPUID executes CPUID on the host CPU. The cpuid device encodes the leaf
// in the low and the subleaf in the high half of the file offset.
func (h *Host) CPUID(leaf, subleaf uint32) (CPUIDResult, error) {
	var buf [16]byte
	off := int64(uint64(subleaf)<<32 | uint64(leaf))
	if _, err := unix.Pread(h.cpuidFd, buf[:], off); err != nil {
		return CPUIDResult{}, fmt.Errorf("platform: cpuid 0x%x/0x%x: %w", leaf, subleaf, err)
	}
	return CPUIDResult{
		EAX: binary.LittleEndian.Uint32(buf[0:]),
		EBX: binary.LittleEndian.Uint32(buf[4:]),
		ECX: binary.LittleEndian.Uint32(buf[8:]),
		EDX: binary.LittleEndian.Uint32(buf[12:]),
	}, nil
}

func (h *Host) ReadMSR(msr uint32) (uint64, error) {
	if h.msrFd < 0 {
		return 0, fmt.Errorf("platform: rdmsr 0x%x: %w", msr, hv.ErrNotImplemented)
	}
	var buf [8]byte
	if _, err := unix.Pread(h.msrFd, buf[:], int64(msr)); err != nil {
		return 0, fmt.Errorf("platform: rdmsr 0x%x: %w", msr, err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (h *Host) WriteMSR(msr uint32, value uint64) error {
	if h.msrFd < 0 {
		return fmt.Errorf("platform: wrmsr 0x%x: %w", msr, hv.ErrNotImplemented)
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	if _, err := unix.Pwrite(h.msrFd, buf[:], int64(msr)); err != nil {
		return fmt.Errorf("platform: wrmsr 0x%x: %w", msr, err)
	}
	return nil
}

// FlushCache stands in for WBINVD. Every device model here is cache
// coherent, so there is nothing to write back from user space.
func (h *Host) FlushCache() error {
	h.mu.Lock()
	h.flushes++
	h.mu.Unlock()
	return nil
}

// Close releases the device nodes.
func (h *Host) Close() error {
	var err error
	if h.msrFd >= 0 {
		err = unix.Close(h.msrFd)
		h.msrFd = -1
	}
	if h.cpuidFd >= 0 {
		if cerr := unix.Close(h.cpuidFd); err == nil {
			err = cerr
		}
		h.cpuidFd = -1
	}
	return err
}

// Detect parses /proc/cpuinfo without opening any device nodes.
func Detect() (CPUInfo, error) {
	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		return CPUInfo{}, fmt.Errorf("platform: %w", err)
	}
	defer f.Close()
	return ParseCPUInfo(f)
}
