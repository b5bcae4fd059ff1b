package hv

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// VMConfigHash identifies a VM layout in logs and exit traces. Two traces can
// only be replayed against VMs with the same hash.
type VMConfigHash [32]byte

// DeviceConfig captures the part of a device's configuration that affects
// the hook layout.
type DeviceConfig struct {
	Type    string
	Name    string
	Port    uint16
	IRQLine uint8
}

// ComputeConfigHash computes a deterministic hash of the VM layout.
func ComputeConfigHash(vendor CpuVendor, cpuCount int, mode OperatingMode,
	regions []MemoryRegion, devices []DeviceConfig) VMConfigHash {
	h := sha256.New()

	h.Write([]byte(vendor))
	h.Write([]byte{0})

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(cpuCount))
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], uint64(mode))
	h.Write(buf[:])

	// regions arrive sorted from MemoryMap.Regions
	for _, r := range regions {
		binary.LittleEndian.PutUint64(buf[:], r.GuestBase)
		h.Write(buf[:])
		binary.LittleEndian.PutUint64(buf[:], r.Size)
		h.Write(buf[:])
		binary.LittleEndian.PutUint64(buf[:], r.HostBase)
		h.Write(buf[:])
		h.Write([]byte(r.Access.String()))
		h.Write([]byte{0})
	}

	// device order matters
	for _, dc := range devices {
		h.Write([]byte(dc.Type))
		h.Write([]byte{0})
		h.Write([]byte(dc.Name))
		h.Write([]byte{0})
		binary.LittleEndian.PutUint16(buf[:2], dc.Port)
		h.Write(buf[:2])
		h.Write([]byte{dc.IRQLine})
	}

	var result VMConfigHash
	copy(result[:], h.Sum(nil))
	return result
}

func (h VMConfigHash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first 12 hex digits, enough for log lines.
func (h VMConfigHash) Short() string {
	return hex.EncodeToString(h[:6])
}
