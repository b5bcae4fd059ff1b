package shadow

import (
	"errors"
	"testing"

	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/tinyrange/vmm/internal/fault"
	"github.com/tinyrange/vmm/internal/hv"
)

const (
	ramHost  = 0x400000
	ramSize  = 0x400000
	romGuest = 0x400000
	romHost  = 0x800000
)

type harness struct {
	t      *testing.T
	mem    *hv.HostMemory
	mm     *hv.MemoryMap
	frames *hv.FrameAllocator
	core   *hv.Core
	mgr    *Manager
}

// newHarness lays out 4 MiB of guest RAM at gpa 0 (hpa 0x400000), one page
// of ROM at gpa 0x400000 and a frame pool for shadow tables above it.
func newHarness(t *testing.T, mode hv.OperatingMode) *harness {
	t.Helper()
	mem, err := hv.NewHostMemory(0, 0x1000000)
	if err != nil {
		t.Fatalf("NewHostMemory: %v", err)
	}
	mm := hv.NewMemoryMap()
	if err := mm.Add(hv.MemoryRegion{Name: "ram", GuestBase: 0, Size: ramSize, HostBase: ramHost, Access: hostarch.AnyAccess}); err != nil {
		t.Fatalf("add ram: %v", err)
	}
	if err := mm.Add(hv.MemoryRegion{Name: "rom", GuestBase: romGuest, Size: 0x1000, HostBase: romHost, Access: hostarch.ReadExecute}); err != nil {
		t.Fatalf("add rom: %v", err)
	}
	frames, err := hv.NewFrameAllocator(mem, romHost+0x1000, 0x7ff000)
	if err != nil {
		t.Fatalf("NewFrameAllocator: %v", err)
	}
	core := hv.NewCore(0, mode)
	h := &harness{t: t, mem: mem, mm: mm, frames: frames, core: core}
	h.mgr = NewManager(core, Config{Memory: mem, Frames: frames, Map: mm, Injector: fault.NewInjector(nil, nil)})
	return h
}

func (h *harness) put32(gpa uint64, v uint64) {
	h.t.Helper()
	if err := h.mem.Write32(ramHost+gpa, uint32(v)); err != nil {
		h.t.Fatalf("Write32: %v", err)
	}
}

func (h *harness) put64(gpa uint64, v uint64) {
	h.t.Helper()
	if err := h.mem.Write64(ramHost+gpa, v); err != nil {
		h.t.Fatalf("Write64: %v", err)
	}
}

func (h *harness) get32(gpa uint64) Entry {
	h.t.Helper()
	v, err := h.mem.Read32(ramHost + gpa)
	if err != nil {
		h.t.Fatalf("Read32: %v", err)
	}
	return Entry(v)
}

func (h *harness) init() {
	h.t.Helper()
	if err := h.mgr.Init(); err != nil {
		h.t.Fatalf("Init: %v", err)
	}
}

func (h *harness) expectMapping(gva, hpa uint64, writable bool) {
	h.t.Helper()
	m, ok := h.mgr.Lookup(gva)
	if !ok {
		h.t.Fatalf("no shadow mapping for 0x%x", gva)
	}
	if m.HPA != hpa {
		h.t.Fatalf("shadow 0x%x -> 0x%x, want 0x%x", gva, m.HPA, hpa)
	}
	if m.Writable != writable {
		h.t.Fatalf("shadow 0x%x writable = %v, want %v", gva, m.Writable, writable)
	}
}

func (h *harness) expectUnmapped(gva uint64) {
	h.t.Helper()
	if m, ok := h.mgr.Lookup(gva); ok {
		h.t.Fatalf("unexpected shadow mapping 0x%x -> 0x%x", gva, m.HPA)
	}
}

const (
	pte     = uint64(EntryPresent | EntryWritable | EntryUser)
	pteA    = pte | uint64(EntryAccessed)
	pteAD   = pteA | uint64(EntryDirty)
	dirLink = pteA
)

// setup32 builds a two-level table at gpa 0x1000:
//
//	0x00400000 -> 0x3000 accessed+dirty
//	0x00401000 -> 0x5000 accessed, clean
//	0x00402000    not present
//	0x00403000 -> 0x6000 never accessed
//	0x00800000 -> 4 MiB page at 0x0 (PSE)
func setup32(t *testing.T) *harness {
	h := newHarness(t, hv.ModeProtectedPaged)
	h.core.Ctrl.Cr3 = 0x1000
	h.core.Ctrl.Cr4 |= hv.CR4PSE
	h.put32(0x1000+1*4, 0x2000|dirLink)
	h.put32(0x1000+2*4, 0x0|pteA|uint64(EntryLarge))
	h.put32(0x2000+0*4, 0x3000|pteAD)
	h.put32(0x2000+1*4, 0x5000|pteA)
	h.put32(0x2000+3*4, 0x6000|pte)
	return h
}

func TestRebuild32Bit(t *testing.T) {
	h := setup32(t)
	h.init()

	st := h.mgr.State()
	if st.ShadowFormat != "32-bit" || st.GuestCR3 != 0x1000 || !st.GuestPaging || st.ShadowRoot == 0 {
		t.Fatalf("state = %+v", st)
	}

	h.expectMapping(0x00400123, ramHost+0x3123, true)
	h.expectMapping(0x00401000, ramHost+0x5000, false)
	h.expectUnmapped(0x00402000)
	h.expectUnmapped(0x00403000)
	h.expectMapping(0x00800000+0x1234, ramHost+0x1234, false)
	h.expectMapping(0x00800000+0x3ff000, ramHost+0x3ff000, false)

	// guest bits are untouched by the rebuild
	if h.get32(0x2000+3*4).Accessed() {
		t.Fatalf("rebuild set the accessed bit of an untouched page")
	}
}

func TestPageFaultNotPresentIsGuestFault(t *testing.T) {
	h := setup32(t)
	h.init()

	_, err := h.mgr.Translate(0x00402000, Access{})
	var gf *GuestFault
	if !errors.As(err, &gf) {
		t.Fatalf("Translate = %v, want guest fault", err)
	}
	if gf.Code != 0 || gf.Addr != 0x00402000 {
		t.Fatalf("guest fault = %+v", gf)
	}

	res, err := h.mgr.HandlePageFault(0x00402010, hv.PFErrWrite)
	if err != nil {
		t.Fatalf("HandlePageFault: %v", err)
	}
	if res != ResultGuestFault {
		t.Fatalf("result = %s", res)
	}
	p := h.core.Pending
	if p == nil || p.Vector != fault.VectorPF || p.ErrorCode != hv.PFErrWrite {
		t.Fatalf("pending = %+v", p)
	}
	if h.core.Ctrl.Cr2 != 0x00402010 {
		t.Fatalf("CR2 = 0x%x", h.core.Ctrl.Cr2)
	}
	h.expectUnmapped(0x00402000)
}

func TestLazyFillAndDirtyTracking(t *testing.T) {
	h := setup32(t)
	h.init()

	res, err := h.mgr.HandlePageFault(0x00403004, 0)
	if err != nil || res != ResultFilled {
		t.Fatalf("HandlePageFault = %s, %v", res, err)
	}
	if e := h.get32(0x2000 + 3*4); !e.Accessed() || e.Dirty() {
		t.Fatalf("guest PTE after read fill = %s", e)
	}
	h.expectMapping(0x00403000, ramHost+0x6000, false)

	res, err = h.mgr.HandlePageFault(0x00403004, hv.PFErrPresent|hv.PFErrWrite)
	if err != nil || res != ResultFilled {
		t.Fatalf("write fault = %s, %v", res, err)
	}
	if e := h.get32(0x2000 + 3*4); !e.Dirty() {
		t.Fatalf("guest PTE after write fill = %s", e)
	}
	h.expectMapping(0x00403000, ramHost+0x6000, true)
	if !h.get32(0x1000 + 1*4).Accessed() {
		t.Fatalf("directory accessed bit not set")
	}
}

func TestUserAccessToSupervisorPage(t *testing.T) {
	h := setup32(t)
	h.put32(0x2000+4*4, 0x7000|uint64(EntryPresent|EntryWritable))
	h.init()

	res, err := h.mgr.HandlePageFault(0x00404000, hv.PFErrUser)
	if err != nil || res != ResultGuestFault {
		t.Fatalf("HandlePageFault = %s, %v", res, err)
	}
	if h.core.Pending.ErrorCode != hv.PFErrPresent|hv.PFErrUser {
		t.Fatalf("error code = 0x%x", h.core.Pending.ErrorCode)
	}
}

func TestSMEPFetchReportsInstructionBit(t *testing.T) {
	h := setup32(t)
	h.core.Ctrl.Cr4 |= hv.CR4SMEP
	h.init()

	// supervisor fetch from a user page; 32-bit paging has no NX
	res, err := h.mgr.HandlePageFault(0x00400000, hv.PFErrFetch)
	if err != nil || res != ResultGuestFault {
		t.Fatalf("HandlePageFault = %s, %v", res, err)
	}
	if h.core.Pending.ErrorCode != hv.PFErrPresent|hv.PFErrFetch {
		t.Fatalf("error code = 0x%x, want present|fetch", h.core.Pending.ErrorCode)
	}
}

func TestWriteProtectDisabled(t *testing.T) {
	h := setup32(t)
	h.put32(0x2000+5*4, 0x8000|uint64(EntryPresent|EntryUser|EntryAccessed))
	h.init()

	// CR0.WP clear: the kernel may write a read-only page
	res, err := h.mgr.HandlePageFault(0x00405000, hv.PFErrWrite)
	if err != nil || res != ResultFilled {
		t.Fatalf("HandlePageFault = %s, %v", res, err)
	}
	m, ok := h.mgr.Lookup(0x00405000)
	if !ok || !m.Writable || m.User {
		t.Fatalf("mapping = %+v %v, want kernel-only writable", m, ok)
	}

	h.core.Ctrl.Cr0 |= hv.CR0WP
	if _, err := h.mgr.Activate(); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	res, err = h.mgr.HandlePageFault(0x00405000, hv.PFErrWrite)
	if err != nil || res != ResultGuestFault {
		t.Fatalf("write with WP = %s, %v", res, err)
	}
}

func TestInvlpgSinglePage(t *testing.T) {
	h := setup32(t)
	h.init()

	before, _ := h.mgr.Lookup(0x00401000)
	if err := h.mgr.HandleInvlpg(0x00400fff); err != nil {
		t.Fatalf("HandleInvlpg: %v", err)
	}
	h.expectUnmapped(0x00400000)
	after, ok := h.mgr.Lookup(0x00401000)
	if !ok || after != before {
		t.Fatalf("neighbouring page changed: %+v -> %+v", before, after)
	}

	// the guest remaps the page and the next fault picks up the change
	h.put32(0x2000, 0x9000|pteAD)
	if _, err := h.mgr.HandlePageFault(0x00400000, 0); err != nil {
		t.Fatalf("HandlePageFault: %v", err)
	}
	h.expectMapping(0x00400000, ramHost+0x9000, true)
}

func TestInvlpgLargePageDropsSplinter(t *testing.T) {
	h := setup32(t)
	h.init()

	frames := h.mgr.TableFrames()
	if err := h.mgr.HandleInvlpg(0x00801000); err != nil {
		t.Fatalf("HandleInvlpg: %v", err)
	}
	h.expectUnmapped(0x00800000)
	h.expectUnmapped(0x00bff000)
	h.expectMapping(0x00401000, ramHost+0x5000, false)
	if got := h.mgr.TableFrames(); got != frames-1 {
		t.Fatalf("table frames = %d, want %d", got, frames-1)
	}
}

func TestRebuildOnCR3Reload(t *testing.T) {
	h := setup32(t)
	h.init()

	// second address space at 0x10000 maps 0x00400000 elsewhere
	h.put32(0x10000+1*4, 0x11000|dirLink)
	h.put32(0x11000, 0x12000|pteAD)

	h.core.Ctrl.Cr3 = 0x10000
	rebuilt, err := h.mgr.Activate()
	if err != nil || !rebuilt {
		t.Fatalf("Activate = %v, %v", rebuilt, err)
	}
	h.expectMapping(0x00400000, ramHost+0x12000, true)
	h.expectUnmapped(0x00401000)

	rebuilt, err = h.mgr.Activate()
	if err != nil || rebuilt {
		t.Fatalf("Activate without change = %v, %v", rebuilt, err)
	}
}

func TestPAEWalk(t *testing.T) {
	h := newHarness(t, hv.ModePAEPaged)
	h.core.Ctrl.Efer |= hv.EFERNXE
	h.core.Ctrl.Cr3 = 0x6000
	h.put64(0x6000+3*8, 0x7000|uint64(EntryPresent))
	h.put64(0x7000+0*8, 0x8000|dirLink)
	h.put64(0x8000+5*8, 0x9000|pteAD|uint64(EntryNoExec))
	h.put64(0x7000+1*8, 0x200000|pteA|uint64(EntryLarge))
	h.init()

	base := uint64(0xc0000000)
	h.expectMapping(base+0x5000, ramHost+0x9000, true)
	if m, _ := h.mgr.Lookup(base + 0x5000); !m.NoExec {
		t.Fatalf("NX not carried into shadow")
	}
	// the 2 MiB page is accessed but clean: present and read-only
	h.expectMapping(base+0x200000+0x1000, ramHost+0x201000, false)

	res, err := h.mgr.HandlePageFault(base+0x5000, hv.PFErrFetch)
	if err != nil || res != ResultGuestFault {
		t.Fatalf("fetch from NX page = %s, %v", res, err)
	}
	if h.core.Pending.ErrorCode != hv.PFErrPresent|hv.PFErrFetch {
		t.Fatalf("error code = 0x%x", h.core.Pending.ErrorCode)
	}

	if _, err := h.mgr.Translate(base+0x6000, Access{}); err == nil {
		t.Fatalf("translate of absent PTE succeeded")
	}
}

func TestLongModeWalk(t *testing.T) {
	h := newHarness(t, hv.ModeLongPaged)
	h.core.Ctrl.Cr3 = 0xa000
	h.put64(0xa000+256*8, 0xb000|dirLink)
	h.put64(0xb000+0*8, 0xc000|dirLink)
	h.put64(0xc000+0*8, 0xd000|dirLink)
	h.put64(0xd000+1*8, 0xe000|uint64(EntryPresent|EntryWritable|EntryAccessed))
	// 1 GiB page at the second PDPT slot; only RAM and the ROM page are
	// backed
	h.put64(0xb000+1*8, 0x0|pteA|uint64(EntryLarge))
	h.init()

	kernel := uint64(0xffff800000001000)
	h.expectMapping(kernel+0x10, ramHost+0xe010, false)
	h.expectMapping(0xffff800040000000+0x3ff000, ramHost+0x3ff000, false)
	h.expectMapping(0xffff800040000000+romGuest, romHost, false)
	h.expectUnmapped(0xffff800040000000 + romGuest + 0x1000)

	res, err := h.mgr.HandlePageFault(kernel, hv.PFErrPresent|hv.PFErrWrite|hv.PFErrUser)
	if err != nil || res != ResultGuestFault {
		t.Fatalf("user write to kernel page = %s, %v", res, err)
	}
	if h.core.Pending.ErrorCode != hv.PFErrPresent|hv.PFErrWrite|hv.PFErrUser {
		t.Fatalf("error code = 0x%x", h.core.Pending.ErrorCode)
	}

	h.core.Pending = nil
	res, err = h.mgr.HandlePageFault(0x0000800000000000, 0)
	if err != nil || res != ResultGuestFault {
		t.Fatalf("non-canonical = %s, %v", res, err)
	}
	if h.core.Pending.Vector != fault.VectorGP {
		t.Fatalf("non-canonical address raised vector %d", h.core.Pending.Vector)
	}

	h.core.Pending = nil
	res, err = h.mgr.HandlePageFault(kernel, hv.PFErrPresent|hv.PFErrWrite)
	if err != nil || res != ResultFilled {
		t.Fatalf("kernel write = %s, %v", res, err)
	}
	h.expectMapping(kernel, ramHost+0xe000, true)
}

func TestPassthroughAndHostErrors(t *testing.T) {
	h := newHarness(t, hv.ModeProtected)
	h.init()
	if st := h.mgr.State(); st.ShadowFormat != "long" || st.GuestPaging {
		t.Fatalf("state = %+v", st)
	}

	res, err := h.mgr.HandlePageFault(0x5123, hv.PFErrWrite)
	if err != nil || res != ResultFilled {
		t.Fatalf("HandlePageFault = %s, %v", res, err)
	}
	h.expectMapping(0x5123, ramHost+0x5123, true)

	if _, err := h.mgr.HandleNestedFault(romGuest, 0); err != nil {
		t.Fatalf("ROM read fill: %v", err)
	}
	h.expectMapping(romGuest, romHost, false)

	_, err = h.mgr.HandleNestedFault(romGuest, hv.PFErrWrite)
	var hae *HostAccessError
	if !errors.As(err, &hae) {
		t.Fatalf("ROM write = %v, want host access error", err)
	}

	_, err = h.mgr.HandleNestedFault(0x10000000, 0)
	var ue *UnbackedError
	if !errors.As(err, &ue) || !errors.Is(err, hv.ErrUnbackedAddress) {
		t.Fatalf("unbacked = %v", err)
	}
	if ue.GPA != 0x10000000 {
		t.Fatalf("unbacked gpa = 0x%x", ue.GPA)
	}
	if h.core.Pending != nil {
		t.Fatalf("host error leaked into the guest: %+v", h.core.Pending)
	}
}

func TestModeSwitchRebuilds(t *testing.T) {
	h := setup32(t)
	h.core.Ctrl.Cr0 &^= hv.CR0PG
	h.core.UpdateMode()
	h.init()
	if st := h.mgr.State(); st.ShadowFormat != "long" {
		t.Fatalf("unpaged format = %q", st.ShadowFormat)
	}

	h.core.Ctrl.Cr0 |= hv.CR0PG
	h.core.UpdateMode()
	rebuilt, err := h.mgr.Activate()
	if err != nil || !rebuilt {
		t.Fatalf("Activate = %v, %v", rebuilt, err)
	}
	if st := h.mgr.State(); st.ShadowFormat != "32-bit" {
		t.Fatalf("paged format = %q", st.ShadowFormat)
	}
	h.expectMapping(0x00400000, ramHost+0x3000, true)
}

func TestCloseReleasesFrames(t *testing.T) {
	h := setup32(t)
	h.init()
	if h.frames.InUse() == 0 {
		t.Fatalf("no frames in use after rebuild")
	}
	if err := h.mgr.WholesaleRebuild(h.mm); err != nil {
		t.Fatalf("WholesaleRebuild: %v", err)
	}
	if got, want := int(h.frames.InUse()), h.mgr.TableFrames(); got != want {
		t.Fatalf("frames in use = %d, manager holds %d", got, want)
	}
	if err := h.mgr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if h.frames.InUse() != 0 {
		t.Fatalf("%d frames leaked", h.frames.InUse())
	}
}

func TestNestedManager(t *testing.T) {
	h := newHarness(t, hv.ModeLongPaged)
	h.mgr = NewManager(h.core, Config{Memory: h.mem, Frames: h.frames, Map: h.mm, Nested: true})
	h.init()

	if _, err := h.mgr.HandleNestedFault(0x3000, hv.PFErrWrite); err != nil {
		t.Fatalf("HandleNestedFault: %v", err)
	}
	h.expectMapping(0x3000, ramHost+0x3000, true)

	h.core.Ctrl.Cr3 = 0x99000
	if rebuilt, _ := h.mgr.Activate(); rebuilt {
		t.Fatalf("nested tables rebuilt on CR3 change")
	}
	res, err := h.mgr.HandlePageFault(0x1234, hv.PFErrUser)
	if err != nil || res != ResultGuestFault {
		t.Fatalf("guest #PF under nested paging = %s, %v", res, err)
	}
}
