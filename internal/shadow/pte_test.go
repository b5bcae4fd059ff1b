package shadow

import (
	"testing"

	"github.com/tinyrange/vmm/internal/hv"
)

func TestFormatGeometry(t *testing.T) {
	tests := []struct {
		f      *Format
		level  int
		shift  uint
		count  uint64
		vaddr  uint64
		expect uint64
	}{
		{Format32, 1, 12, 1024, 0x00403000, 3},
		{Format32, 2, 22, 1024, 0x00403000, 1},
		{FormatPAE, 1, 12, 512, 0xc0201000, 1},
		{FormatPAE, 2, 21, 512, 0xc0201000, 1},
		{FormatPAE, 3, 30, 4, 0xc0201000, 3},
		{FormatLong, 3, 30, 512, 0xffff800040000000, 1},
		{FormatLong, 4, 39, 512, 0xffff800040000000, 256},
	}
	for _, tt := range tests {
		if got := tt.f.Shift(tt.level); got != tt.shift {
			t.Fatalf("%s level %d shift = %d, want %d", tt.f.Name, tt.level, got, tt.shift)
		}
		if got := tt.f.Entries(tt.level); got != tt.count {
			t.Fatalf("%s level %d entries = %d, want %d", tt.f.Name, tt.level, got, tt.count)
		}
		if got := tt.f.Index(tt.vaddr, tt.level); got != tt.expect {
			t.Fatalf("%s level %d index(0x%x) = %d, want %d", tt.f.Name, tt.level, tt.vaddr, got, tt.expect)
		}
	}
}

func TestEntryEncodings(t *testing.T) {
	// 4 MiB PSE-36 PDE mapping physical 0x1_0040_0000
	pde := Entry(0x00400000 | 1<<13 | 0x83)
	if !pde.Present() || !pde.Writable() || !pde.Large() {
		t.Fatalf("PDE flags decoded wrong: %s", pde)
	}
	if got := Format32.PageAddr(pde, 2); got != 0x100400000 {
		t.Fatalf("PSE-36 address = 0x%x", got)
	}
	if !Format32.Reserved(pde|1<<21, 2, false) {
		t.Fatalf("bit 21 of a 4 MiB PDE must be reserved")
	}

	// 2 MiB PAE PDE with PAT bit set: PAT does not count as address
	pae := Entry(0x40200000 | 1<<12 | 0x87)
	if got := FormatPAE.PageAddr(pae, 2); got != 0x40200000 {
		t.Fatalf("2 MiB page address = 0x%x", got)
	}
	if FormatPAE.Reserved(pae, 2, true) {
		t.Fatalf("PAT bit flagged reserved")
	}
	if !FormatPAE.Reserved(pae|1<<13, 2, true) {
		t.Fatalf("misaligned 2 MiB page not reserved")
	}
	if !FormatPAE.Reserved(Entry(0x1000|EntryPresent|EntryWritable), 3, true) {
		t.Fatalf("PDPTE R/W bit must be reserved")
	}
	if !FormatLong.Reserved(Entry(0x1000)|EntryPresent|EntryNoExec, 1, false) {
		t.Fatalf("NX without EFER.NXE must be reserved")
	}
	if !FormatLong.Reserved(Entry(0x1000)|EntryPresent|EntryLarge, 4, true) {
		t.Fatalf("PS in a PML4E must be reserved")
	}

	if FormatPAE.RootAddr(0x12345fe8) != 0x12345fe0 || Format32.RootAddr(0x12345fe8) != 0x12345000 {
		t.Fatalf("RootAddr masks wrong")
	}
	if !Format32.LargeAllowed(2, hv.CR4PSE) || Format32.LargeAllowed(2, 0) {
		t.Fatalf("PSE gating wrong")
	}
}

func TestCanonical(t *testing.T) {
	for addr, want := range map[uint64]bool{
		0x00007fffffffffff: true,
		0xffff800000000000: true,
		0x0000800000000000: false,
		0xfffe800000000000: false,
	} {
		if Canonical(addr) != want {
			t.Fatalf("Canonical(0x%x) = %v", addr, !want)
		}
	}
}
