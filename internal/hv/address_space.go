package hv

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/btree"
	"gvisor.dev/gvisor/pkg/hostarch"
)

// MemoryRegion maps a contiguous guest-physical range onto host-physical
// memory with the host-side access rights the guest may use.
type MemoryRegion struct {
	Name      string
	GuestBase uint64
	Size      uint64
	HostBase  uint64
	Access    hostarch.AccessType
}

// GuestEnd returns the first guest-physical address after the region.
func (r MemoryRegion) GuestEnd() uint64 { return r.GuestBase + r.Size }

func (r MemoryRegion) Contains(gpa uint64) bool {
	return gpa >= r.GuestBase && gpa-r.GuestBase < r.Size
}

// HostAddress translates a guest-physical address inside the region.
func (r MemoryRegion) HostAddress(gpa uint64) uint64 {
	return r.HostBase + (gpa - r.GuestBase)
}

func regionLess(a, b MemoryRegion) bool { return a.GuestBase < b.GuestBase }

// MemoryMap is the sorted guest-physical to host-physical map of one VM.
// It is shared read-mostly by every core; mutation happens only inside a
// stop-the-world window.
type MemoryMap struct {
	mu sync.RWMutex

	regions    *btree.BTreeG[MemoryRegion]
	generation uint64
}

// NewMemoryMap creates an empty memory map.
func NewMemoryMap() *MemoryMap {
	return &MemoryMap{
		regions: btree.NewG[MemoryRegion](8, regionLess),
	}
}

// Add inserts a region. Overlapping an existing region fails with
// ErrConflict and leaves the map unchanged.
func (m *MemoryMap) Add(region MemoryRegion) error {
	if region.Size == 0 {
		return fmt.Errorf("memory map: cannot add zero-size region %q", region.Name)
	}
	if region.GuestBase+region.Size < region.GuestBase {
		return fmt.Errorf("memory map: region %q at 0x%x with size 0x%x overflows", region.Name, region.GuestBase, region.Size)
	}
	if !hostarch.Addr(region.GuestBase).IsPageAligned() || !hostarch.Addr(region.HostBase).IsPageAligned() || region.Size%hostarch.PageSize != 0 {
		return fmt.Errorf("memory map: region %q is not page aligned", region.Name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var conflict *MemoryRegion
	m.regions.DescendLessOrEqual(region, func(prev MemoryRegion) bool {
		if prev.GuestEnd() > region.GuestBase {
			conflict = &prev
		}
		return false
	})
	if conflict == nil {
		m.regions.AscendGreaterOrEqual(region, func(next MemoryRegion) bool {
			if next.GuestBase < region.GuestEnd() {
				conflict = &next
			}
			return false
		})
	}
	if conflict != nil {
		return fmt.Errorf("memory map: region %q [0x%x-0x%x) overlaps %q [0x%x-0x%x): %w",
			region.Name, region.GuestBase, region.GuestEnd(),
			conflict.Name, conflict.GuestBase, conflict.GuestEnd(), ErrConflict)
	}

	m.regions.ReplaceOrInsert(region)
	m.generation++
	return nil
}

// Remove deletes the region starting at guestBase.
func (m *MemoryMap) Remove(guestBase uint64) (MemoryRegion, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed, ok := m.regions.Delete(MemoryRegion{GuestBase: guestBase})
	if ok {
		m.generation++
	}
	return removed, ok
}

// Lookup returns the region containing gpa.
func (m *MemoryMap) Lookup(gpa uint64) (MemoryRegion, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		found MemoryRegion
		ok    bool
	)
	m.regions.DescendLessOrEqual(MemoryRegion{GuestBase: gpa}, func(r MemoryRegion) bool {
		if r.Contains(gpa) {
			found, ok = r, true
		}
		return false
	})
	return found, ok
}

// Translate returns the host-physical address backing gpa.
func (m *MemoryMap) Translate(gpa uint64) (uint64, hostarch.AccessType, error) {
	region, ok := m.Lookup(gpa)
	if !ok {
		return 0, hostarch.NoAccess, fmt.Errorf("memory map: gpa 0x%x: %w", gpa, ErrUnbackedAddress)
	}
	return region.HostAddress(gpa), region.Access, nil
}

// Overlapping calls fn for every region intersecting [start, end) in
// ascending order until fn returns false.
func (m *MemoryMap) Overlapping(start, end uint64, fn func(MemoryRegion) bool) {
	if end <= start {
		return
	}
	m.mu.RLock()
	regions := make([]MemoryRegion, 0, 4)
	m.regions.DescendLessOrEqual(MemoryRegion{GuestBase: start}, func(r MemoryRegion) bool {
		if r.GuestEnd() > start {
			regions = append(regions, r)
		}
		return false
	})
	m.regions.AscendRange(MemoryRegion{GuestBase: start + 1}, MemoryRegion{GuestBase: end}, func(r MemoryRegion) bool {
		regions = append(regions, r)
		return true
	})
	m.mu.RUnlock()

	for _, r := range regions {
		if !fn(r) {
			return
		}
	}
}

// Regions returns a copy of all regions in ascending guest order.
func (m *MemoryMap) Regions() []MemoryRegion {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]MemoryRegion, 0, m.regions.Len())
	m.regions.Ascend(func(r MemoryRegion) bool {
		result = append(result, r)
		return true
	})
	return result
}

// Generation increments on every mutation.
func (m *MemoryMap) Generation() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation
}

// ParseAccess parses "rwx"-style access strings; "-" or "" means none.
func ParseAccess(s string) (hostarch.AccessType, error) {
	var at hostarch.AccessType
	for _, c := range strings.ToLower(s) {
		switch c {
		case 'r':
			at.Read = true
		case 'w':
			at.Write = true
		case 'x':
			at.Execute = true
		case '-':
		default:
			return hostarch.NoAccess, fmt.Errorf("memory map: invalid access %q", s)
		}
	}
	return at, nil
}

func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
