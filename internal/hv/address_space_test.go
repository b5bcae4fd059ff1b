package hv

import (
	"errors"
	"testing"

	"gvisor.dev/gvisor/pkg/hostarch"
)

func mustAdd(t *testing.T, m *MemoryMap, r MemoryRegion) {
	t.Helper()
	if err := m.Add(r); err != nil {
		t.Fatalf("add %q: %v", r.Name, err)
	}
}

func TestMemoryMapLookup(t *testing.T) {
	m := NewMemoryMap()
	mustAdd(t, m, MemoryRegion{Name: "low", GuestBase: 0, Size: 0x10000, HostBase: 0x100000, Access: hostarch.ReadWrite})
	mustAdd(t, m, MemoryRegion{Name: "high", GuestBase: 0x20000, Size: 0x2000, HostBase: 0x200000, Access: hostarch.Read})

	tests := []struct {
		gpa  uint64
		hpa  uint64
		ok   bool
		name string
	}{
		{gpa: 0, hpa: 0x100000, ok: true, name: "low"},
		{gpa: 0xffff, hpa: 0x10ffff, ok: true, name: "low"},
		{gpa: 0x10000, ok: false},
		{gpa: 0x20010, hpa: 0x200010, ok: true, name: "high"},
		{gpa: 0x22000, ok: false},
	}
	for _, tt := range tests {
		r, ok := m.Lookup(tt.gpa)
		if ok != tt.ok {
			t.Fatalf("lookup 0x%x: ok=%v want %v", tt.gpa, ok, tt.ok)
		}
		if !ok {
			if _, _, err := m.Translate(tt.gpa); !errors.Is(err, ErrUnbackedAddress) {
				t.Fatalf("translate 0x%x: expected ErrUnbackedAddress, got %v", tt.gpa, err)
			}
			continue
		}
		if r.Name != tt.name {
			t.Fatalf("lookup 0x%x: region %q want %q", tt.gpa, r.Name, tt.name)
		}
		hpa, _, err := m.Translate(tt.gpa)
		if err != nil || hpa != tt.hpa {
			t.Fatalf("translate 0x%x = 0x%x, %v; want 0x%x", tt.gpa, hpa, err, tt.hpa)
		}
	}
}

func TestMemoryMapRejectsOverlap(t *testing.T) {
	m := NewMemoryMap()
	mustAdd(t, m, MemoryRegion{Name: "a", GuestBase: 0x1000, Size: 0x2000, HostBase: 0x1000, Access: hostarch.ReadWrite})
	gen := m.Generation()

	for _, r := range []MemoryRegion{
		{Name: "before", GuestBase: 0, Size: 0x2000},
		{Name: "inside", GuestBase: 0x2000, Size: 0x1000},
		{Name: "spanning", GuestBase: 0, Size: 0x10000},
		{Name: "same", GuestBase: 0x1000, Size: 0x1000},
	} {
		if err := m.Add(r); !errors.Is(err, ErrConflict) {
			t.Fatalf("add %q: expected ErrConflict, got %v", r.Name, err)
		}
	}
	if m.Generation() != gen {
		t.Fatalf("failed adds changed generation")
	}
	if len(m.Regions()) != 1 {
		t.Fatalf("expected a single region, got %d", len(m.Regions()))
	}

	mustAdd(t, m, MemoryRegion{Name: "adjacent", GuestBase: 0x3000, Size: 0x1000, HostBase: 0x3000})
}

func TestMemoryMapRejectsUnaligned(t *testing.T) {
	m := NewMemoryMap()
	if err := m.Add(MemoryRegion{Name: "odd", GuestBase: 0x10, Size: 0x1000}); err == nil {
		t.Fatalf("expected unaligned region to be rejected")
	}
	if err := m.Add(MemoryRegion{Name: "empty", GuestBase: 0x1000}); err == nil {
		t.Fatalf("expected empty region to be rejected")
	}
}

func TestMemoryMapOverlapping(t *testing.T) {
	m := NewMemoryMap()
	mustAdd(t, m, MemoryRegion{Name: "a", GuestBase: 0x0000, Size: 0x2000})
	mustAdd(t, m, MemoryRegion{Name: "b", GuestBase: 0x4000, Size: 0x1000})
	mustAdd(t, m, MemoryRegion{Name: "c", GuestBase: 0x8000, Size: 0x1000})

	var names []string
	m.Overlapping(0x1000, 0x5000, func(r MemoryRegion) bool {
		names = append(names, r.Name)
		return true
	})
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Fatalf("unexpected overlapping regions %v", names)
	}

	if _, ok := m.Remove(0x4000); !ok {
		t.Fatalf("remove failed")
	}
	if _, ok := m.Lookup(0x4000); ok {
		t.Fatalf("removed region still visible")
	}
}

func TestParseAccess(t *testing.T) {
	at, err := ParseAccess("rw-")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !at.Read || !at.Write || at.Execute {
		t.Fatalf("unexpected access %v", at)
	}
	if _, err := ParseAccess("rq"); err == nil {
		t.Fatalf("expected error for invalid access")
	}
}
