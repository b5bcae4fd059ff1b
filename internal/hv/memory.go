package hv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"gvisor.dev/gvisor/pkg/hostarch"
)

var ErrOutOfFrames = errors.New("out of host frames")

// HostMemory is host-physical memory addressed by HPA. Shadow tables and
// guest RAM both live here.
type HostMemory struct {
	mu sync.RWMutex

	base uint64
	mem  []byte
}

// NewHostMemory allocates size bytes of host memory starting at base.
func NewHostMemory(base, size uint64) (*HostMemory, error) {
	maxInt := uint64(^uint(0) >> 1)
	if size == 0 || size > maxInt {
		return nil, fmt.Errorf("host memory: invalid size 0x%x", size)
	}
	if !hostarch.Addr(base).IsPageAligned() {
		return nil, fmt.Errorf("host memory: base 0x%x is not page aligned", base)
	}
	return &HostMemory{
		base: base,
		mem:  make([]byte, alignUp(size, hostarch.PageSize)),
	}, nil
}

func (m *HostMemory) Base() uint64 { return m.base }
func (m *HostMemory) Size() uint64 { return uint64(len(m.mem)) }

func (m *HostMemory) offset(hpa uint64, n int) (uint64, error) {
	if hpa < m.base || hpa-m.base+uint64(n) > uint64(len(m.mem)) || hpa-m.base+uint64(n) < hpa-m.base {
		return 0, fmt.Errorf("host memory: access 0x%x+%d out of bounds", hpa, n)
	}
	return hpa - m.base, nil
}

// ReadAt reads from host-physical address off.
func (m *HostMemory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("host memory: negative offset")
	}
	o, err := m.offset(uint64(off), len(p))
	if err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copy(p, m.mem[o:]), nil
}

// WriteAt writes to host-physical address off.
func (m *HostMemory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("host memory: negative offset")
	}
	o, err := m.offset(uint64(off), len(p))
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return copy(m.mem[o:], p), nil
}

func (m *HostMemory) Read32(hpa uint64) (uint32, error) {
	o, err := m.offset(hpa, 4)
	if err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return binary.LittleEndian.Uint32(m.mem[o:]), nil
}

func (m *HostMemory) Read64(hpa uint64) (uint64, error) {
	o, err := m.offset(hpa, 8)
	if err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return binary.LittleEndian.Uint64(m.mem[o:]), nil
}

func (m *HostMemory) Write32(hpa uint64, v uint32) error {
	o, err := m.offset(hpa, 4)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	binary.LittleEndian.PutUint32(m.mem[o:], v)
	return nil
}

func (m *HostMemory) Write64(hpa uint64, v uint64) error {
	o, err := m.offset(hpa, 8)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	binary.LittleEndian.PutUint64(m.mem[o:], v)
	return nil
}

// Or32 sets bits in a 32-bit word atomically with respect to other cores.
func (m *HostMemory) Or32(hpa uint64, bits uint32) error {
	o, err := m.offset(hpa, 4)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	binary.LittleEndian.PutUint32(m.mem[o:], binary.LittleEndian.Uint32(m.mem[o:])|bits)
	return nil
}

// Or64 is the 64-bit form of Or32.
func (m *HostMemory) Or64(hpa uint64, bits uint64) error {
	o, err := m.offset(hpa, 8)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	binary.LittleEndian.PutUint64(m.mem[o:], binary.LittleEndian.Uint64(m.mem[o:])|bits)
	return nil
}

// Zero clears n bytes at hpa.
func (m *HostMemory) Zero(hpa uint64, n uint64) error {
	o, err := m.offset(hpa, int(n))
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.mem[o : o+n])
	return nil
}

// FrameAllocator hands out zeroed 4 KiB host frames from a fixed window of
// host memory.
type FrameAllocator struct {
	mu sync.Mutex

	mem    *HostMemory
	base   uint64
	frames uint
	used   *bitset.BitSet
	next   uint
}

// NewFrameAllocator manages [base, base+size) of mem.
func NewFrameAllocator(mem *HostMemory, base, size uint64) (*FrameAllocator, error) {
	if !hostarch.Addr(base).IsPageAligned() {
		return nil, fmt.Errorf("frame allocator: base 0x%x is not page aligned", base)
	}
	frames := uint(size / hostarch.PageSize)
	if frames == 0 {
		return nil, fmt.Errorf("frame allocator: window 0x%x holds no frames", size)
	}
	if _, err := mem.offset(base, int(uint64(frames)*hostarch.PageSize)); err != nil {
		return nil, fmt.Errorf("frame allocator: %w", err)
	}
	return &FrameAllocator{
		mem:    mem,
		base:   base,
		frames: frames,
		used:   bitset.New(frames),
	}, nil
}

// Alloc returns the host-physical address of a zeroed frame.
func (a *FrameAllocator) Alloc() (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx, ok := a.used.NextClear(a.next)
	if !ok || idx >= a.frames {
		idx, ok = a.used.NextClear(0)
		if !ok || idx >= a.frames {
			return 0, ErrOutOfFrames
		}
	}
	a.used.Set(idx)
	a.next = idx + 1

	hpa := a.base + uint64(idx)*hostarch.PageSize
	if err := a.mem.Zero(hpa, hostarch.PageSize); err != nil {
		return 0, err
	}
	return hpa, nil
}

// Free returns a frame to the allocator. Freeing an unallocated frame is an
// error.
func (a *FrameAllocator) Free(hpa uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if hpa < a.base || (hpa-a.base)%hostarch.PageSize != 0 {
		return fmt.Errorf("frame allocator: 0x%x is not a managed frame", hpa)
	}
	idx := uint((hpa - a.base) / hostarch.PageSize)
	if idx >= a.frames || !a.used.Test(idx) {
		return fmt.Errorf("frame allocator: frame 0x%x is not allocated", hpa)
	}
	a.used.Clear(idx)
	return nil
}

// InUse returns the number of allocated frames.
func (a *FrameAllocator) InUse() uint {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used.Count()
}
