// Package shadow maintains per-core shadow page tables: host-owned tables
// that compose the guest's page tables with the guest-physical to
// host-physical memory map.
package shadow

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/tinyrange/vmm/internal/fault"
	"github.com/tinyrange/vmm/internal/hv"
)

// UnbackedError reports a guest-physical address that is neither RAM nor
// anything the shadow tables can map. Device MMIO lands here.
type UnbackedError struct {
	GVA uint64
	GPA uint64
}

func (e *UnbackedError) Error() string {
	return fmt.Sprintf("shadow: gva 0x%x -> gpa 0x%x: %v", e.GVA, e.GPA, hv.ErrUnbackedAddress)
}

func (e *UnbackedError) Unwrap() error { return hv.ErrUnbackedAddress }

// HostAccessError reports an access the guest's tables allow but the
// memory map does not.
type HostAccessError struct {
	GPA  uint64
	Need hostarch.AccessType
	Have hostarch.AccessType
}

func (e *HostAccessError) Error() string {
	return fmt.Sprintf("shadow: gpa 0x%x needs %s, region allows %s", e.GPA, e.Need, e.Have)
}

// FaultResult says what a fault handler did.
type FaultResult int

const (
	// ResultFilled means a shadow entry was installed and the guest can
	// retry the access.
	ResultFilled FaultResult = iota
	// ResultGuestFault means the fault was reflected into the guest.
	ResultGuestFault
)

func (r FaultResult) String() string {
	switch r {
	case ResultFilled:
		return "filled"
	case ResultGuestFault:
		return "guest"
	default:
		return fmt.Sprintf("FaultResult(%d)", int(r))
	}
}

// State is the paging state a manager last synchronized with.
type State struct {
	GuestMode    hv.OperatingMode
	GuestCR3     uint64
	GuestPaging  bool
	ShadowFormat string
	ShadowRoot   uint64
	Nested       bool
}

// Mapping is one installed shadow translation.
type Mapping struct {
	HPA      uint64
	Writable bool
	User     bool
	NoExec   bool
}

// Config holds the collaborators a Manager needs.
type Config struct {
	Memory   *hv.HostMemory
	Frames   *hv.FrameAllocator
	Map      *hv.MemoryMap
	Injector *fault.Injector
	Logger   *slog.Logger

	// Nested selects hardware nested paging: the manager then only keeps
	// guest-physical to host-physical tables and never looks at guest CR3.
	Nested bool
}

// Manager owns the shadow tables of one core.
type Manager struct {
	mu sync.Mutex

	core   *hv.Core
	log    *slog.Logger
	mem    *hv.HostMemory
	frames *hv.FrameAllocator
	mm     *hv.MemoryMap
	inj    *fault.Injector
	guest  walker
	nested bool

	guestMode  hv.OperatingMode
	guestCR0   uint64
	guestCR3   uint64
	guestCR4   uint64
	guestEFER  uint64
	guestPaged bool

	format *Format
	root   uint64

	// tables standing in for a guest large page; dropped as a unit on
	// invalidation
	splintered map[uint64]bool
	tables     int
}

// NewManager returns an uninitialized manager for core.
func NewManager(core *hv.Core, cfg Config) *Manager {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	inj := cfg.Injector
	if inj == nil {
		inj = fault.NewInjector(log, nil)
	}
	return &Manager{
		core:       core,
		log:        log,
		mem:        cfg.Memory,
		frames:     cfg.Frames,
		mm:         cfg.Map,
		inj:        inj,
		guest:      walker{mem: cfg.Memory, mm: cfg.Map},
		nested:     cfg.Nested,
		splintered: make(map[uint64]bool),
	}
}

// shadowFormat picks the table layout for the current guest state. Unpaged
// guests and nested paging run on four-level passthrough tables.
func (m *Manager) shadowFormat() (*Format, error) {
	if m.nested {
		return FormatLong, nil
	}
	switch m.core.Mode {
	case hv.ModeReal, hv.ModeProtected, hv.ModePAE, hv.ModeLong:
		return FormatLong, nil
	case hv.ModeProtectedPaged, hv.ModePAEPaged, hv.ModeLongPaged:
		return FormatForMode(m.core.Mode), nil
	default:
		return nil, fmt.Errorf("shadow: core %d: paging mode %s: %w", m.core.ID, m.core.Mode, hv.ErrNotImplemented)
	}
}

// control register bits that change how guest tables are interpreted
const (
	pagingCR0  = hv.CR0PE | hv.CR0PG | hv.CR0WP
	pagingEFER = hv.EFERLME | hv.EFERLMA | hv.EFERNXE
)

func (m *Manager) syncGuestState() {
	m.guestMode = m.core.Mode
	m.guestCR0 = m.core.Ctrl.Cr0 & pagingCR0
	m.guestCR3 = m.core.Ctrl.Cr3
	m.guestCR4 = m.core.Ctrl.Cr4
	m.guestEFER = m.core.Ctrl.Efer & pagingEFER
	m.guestPaged = m.core.Ctrl.Cr0&hv.CR0PG != 0
}

// Init establishes the shadow state for the core's current mode. It fails
// if the mode has no shadow support.
func (m *Manager) Init() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.root != 0 {
		return fmt.Errorf("shadow: core %d: already initialized", m.core.ID)
	}
	return m.rebuildLocked()
}

// State returns the paging state the shadow tables were built against.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := State{
		GuestMode:   m.guestMode,
		GuestCR3:    m.guestCR3,
		GuestPaging: m.guestPaged,
		ShadowRoot:  m.root,
		Nested:      m.nested,
	}
	if m.format != nil {
		s.ShadowFormat = m.format.Name
	}
	return s
}

// Root returns the host-physical address to load as the shadow CR3 (or the
// nested table root).
func (m *Manager) Root() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.root
}

// TableFrames returns the number of host frames holding shadow tables.
func (m *Manager) TableFrames() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tables
}

// Activate resynchronizes with the guest's control registers after a CR0,
// CR3, CR4 or EFER write. A CR3 load flushes every non-global translation,
// so any reload rebuilds. It reports whether a rebuild happened.
func (m *Manager) Activate() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.nested {
		return false, nil
	}
	paged := m.core.Ctrl.Cr0&hv.CR0PG != 0
	if m.root != 0 && m.guestMode == m.core.Mode && m.guestPaged == paged &&
		m.guestCR0 == m.core.Ctrl.Cr0&pagingCR0 &&
		m.guestCR4 == m.core.Ctrl.Cr4 &&
		m.guestEFER == m.core.Ctrl.Efer&pagingEFER &&
		(!paged || m.guestCR3 == m.core.Ctrl.Cr3) {
		return false, nil
	}
	return true, m.rebuildLocked()
}

// Reload handles a guest CR3 write. Unlike Activate it rebuilds even if the
// value did not change. CR3 is ignored while paging is off.
func (m *Manager) Reload() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nested || !m.core.Mode.Paged() {
		return nil
	}
	return m.rebuildLocked()
}

// WholesaleRebuild discards every shadow table and regenerates the tree
// from the guest's page tables and mm. Other cores must be held at the
// barrier when mm is shared and has just changed.
func (m *Manager) WholesaleRebuild(mm *hv.MemoryMap) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mm != nil {
		m.mm = mm
		m.guest.mm = mm
	}
	return m.rebuildLocked()
}

func (m *Manager) rebuildLocked() error {
	f, err := m.shadowFormat()
	if err != nil {
		return err
	}

	if m.root != 0 {
		if err := m.freeTable(m.root, m.format.Levels); err != nil {
			return err
		}
		m.root = 0
	}

	root, err := m.allocTable()
	if err != nil {
		return fmt.Errorf("shadow: core %d: allocate root: %w", m.core.ID, err)
	}
	m.root = root
	m.format = f
	m.syncGuestState()

	if m.nested || !m.core.Mode.Paged() {
		// passthrough tables fill lazily
		m.log.Debug("shadow: rebuilt passthrough tables", "core", m.core.ID, "root", fmt.Sprintf("%#x", root))
		return nil
	}

	nxe := f.HasNX() && m.core.Ctrl.Efer&hv.EFERNXE != 0
	installed := 0
	err = m.populate(f.RootAddr(m.core.Ctrl.Cr3), f.Levels, 0, inherited{writable: true, user: true}, nxe, &installed)
	if err != nil {
		return err
	}
	m.log.Debug("shadow: rebuilt tables",
		"core", m.core.ID,
		"mode", m.core.Mode.String(),
		"cr3", fmt.Sprintf("%#x", m.core.Ctrl.Cr3),
		"installed", installed,
		"frames", m.tables,
	)
	return nil
}

type inherited struct {
	writable bool
	user     bool
	noExec   bool
}

// populate installs every guest leaf below table that the guest has
// already accessed. Untouched pages fault in lazily, which keeps the
// guest's accessed and dirty bits exact.
func (m *Manager) populate(table uint64, level int, base uint64, inh inherited, nxe bool, installed *int) error {
	f := m.format
	for idx := uint64(0); idx < f.Entries(level); idx++ {
		e, err := m.guest.readEntry(f, table+idx*f.EntrySize)
		if err != nil {
			if errors.Is(err, hv.ErrUnbackedAddress) {
				m.log.Debug("shadow: guest table outside guest memory", "core", m.core.ID, "table", fmt.Sprintf("%#x", table))
				return nil
			}
			return err
		}
		if !e.Present() || f.Reserved(e, level, nxe) {
			continue
		}

		vaddr := base | idx<<f.Shift(level)
		if f == FormatLong && level == 4 && idx >= 256 {
			vaddr |= 0xffff000000000000
		}

		cur := inh
		if f != FormatPAE || level != 3 {
			cur.writable = cur.writable && e.Writable()
			cur.user = cur.user && e.User()
			cur.noExec = cur.noExec || (nxe && e.NoExec())
		}

		if level > 1 && !(e.Large() && f.LargeAllowed(level, m.core.Ctrl.Cr4)) {
			if err := m.populate(f.TableAddr(e), level-1, vaddr, cur, nxe, installed); err != nil {
				return err
			}
			continue
		}
		if !e.Accessed() {
			continue
		}

		pageBase := f.PageAddr(e, level)
		pageSize := f.PageSize(level)
		var installErr error
		m.mm.Overlapping(pageBase, pageBase+pageSize, func(r hv.MemoryRegion) bool {
			start := max(pageBase, r.GuestBase)
			end := min(pageBase+pageSize, r.GuestEnd())
			for gpa := start; gpa < end; gpa += hostarch.PageSize {
				flags := m.leafFlags(cur.user, cur.writable && e.Dirty() && r.Access.Write, cur.noExec || !r.Access.Execute)
				if err := m.install(vaddr+(gpa-pageBase), r.HostAddress(gpa), level, flags); err != nil {
					installErr = err
					return false
				}
				*installed++
			}
			return true
		})
		if installErr != nil {
			return installErr
		}
	}
	return nil
}

func (m *Manager) leafFlags(user, writable, noExec bool) Entry {
	flags := EntryPresent | EntryAccessed
	if user {
		flags |= EntryUser
	}
	if writable {
		flags |= EntryWritable | EntryDirty
	}
	if noExec && m.format.HasNX() {
		flags |= EntryNoExec
	}
	return flags
}

func (m *Manager) dirFlags(level int) Entry {
	if m.format == FormatPAE && level == 3 {
		return EntryPresent
	}
	return EntryPresent | EntryWritable | EntryUser
}

func (m *Manager) allocTable() (uint64, error) {
	hpa, err := m.frames.Alloc()
	if err != nil {
		return 0, err
	}
	m.tables++
	return hpa, nil
}

func (m *Manager) readShadow(hpa uint64) (Entry, error) {
	if m.format.EntrySize == 4 {
		v, err := m.mem.Read32(hpa)
		return Entry(v), err
	}
	v, err := m.mem.Read64(hpa)
	return Entry(v), err
}

func (m *Manager) writeShadow(hpa uint64, e Entry) error {
	if m.format.EntrySize == 4 {
		return m.mem.Write32(hpa, uint32(e))
	}
	return m.mem.Write64(hpa, uint64(e))
}

// install maps the 4 KiB page at vaddr to hpa. guestLevel is the level of
// the guest leaf the page came from; directory tables created beneath a
// guest large page are remembered as splintered.
func (m *Manager) install(vaddr, hpa uint64, guestLevel int, flags Entry) error {
	f := m.format
	table := m.root
	for level := f.Levels; level > 1; level-- {
		addr := table + f.Index(vaddr, level)*f.EntrySize
		e, err := m.readShadow(addr)
		if err != nil {
			return err
		}
		if !e.Present() {
			child, err := m.allocTable()
			if err != nil {
				return fmt.Errorf("shadow: core %d: allocate level %d table: %w", m.core.ID, level-1, err)
			}
			if guestLevel >= level {
				m.splintered[child] = true
			}
			e = Entry(child) | m.dirFlags(level)
			if err := m.writeShadow(addr, e); err != nil {
				return err
			}
		}
		table = f.TableAddr(e)
	}
	return m.writeShadow(table+f.Index(vaddr, 1)*f.EntrySize, Entry(hpa&f.addrMask)|flags)
}

// freeTable releases a shadow table and everything below it.
func (m *Manager) freeTable(hpa uint64, level int) error {
	if level > 1 {
		f := m.format
		for idx := uint64(0); idx < f.Entries(level); idx++ {
			e, err := m.readShadow(hpa + idx*f.EntrySize)
			if err != nil {
				return err
			}
			if e.Present() {
				if err := m.freeTable(f.TableAddr(e), level-1); err != nil {
					return err
				}
			}
		}
	}
	delete(m.splintered, hpa)
	m.tables--
	if err := m.frames.Free(hpa); err != nil {
		return fmt.Errorf("shadow: core %d: %w", m.core.ID, err)
	}
	return nil
}

// HandlePageFault services a #PF exit. Faults the guest's own tables
// would raise are reflected into the guest; everything else is fixed up in
// the shadow tables.
func (m *Manager) HandlePageFault(addr uint64, code uint32) (FaultResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.root == 0 {
		return 0, fmt.Errorf("shadow: core %d: page fault before init", m.core.ID)
	}
	if m.nested {
		// nested paging leaves guest faults to the guest
		if err := m.inj.RaisePF(m.core, addr, code); err != nil {
			return 0, err
		}
		return ResultGuestFault, nil
	}

	if m.guestMode != m.core.Mode {
		if err := m.rebuildLocked(); err != nil {
			return 0, err
		}
	}

	acc := AccessFromErrorCode(code)
	if !m.core.Mode.Paged() {
		return ResultFilled, m.fillPassthrough(addr, addr, acc)
	}

	f := m.format
	gm, gf, err := m.guest.walk(m.core, f, addr, acc)
	if err != nil {
		return 0, fmt.Errorf("shadow: core %d: walk 0x%x: %w", m.core.ID, addr, err)
	}
	if gf != nil {
		if err := m.reflect(gf); err != nil {
			return 0, err
		}
		return ResultGuestFault, nil
	}

	gpa := gm.GPA &^ (hostarch.PageSize - 1)
	region, ok := m.mm.Lookup(gpa)
	if !ok {
		return 0, &UnbackedError{GVA: addr, GPA: gm.GPA}
	}

	// supervisor writes to read-only pages succeed with CR0.WP clear; map
	// writable for the kernel only so user accesses fault back in
	wpOverride := acc.Write && !acc.User && !gm.Writable
	writable := gm.Writable || wpOverride

	need := hostarch.Read
	if acc.Write {
		need = need.Union(hostarch.Write)
	}
	if acc.Fetch {
		need = need.Union(hostarch.Execute)
	}
	if !region.Access.SupersetOf(need) {
		return 0, &HostAccessError{GPA: gm.GPA, Need: need, Have: region.Access}
	}

	if err := m.guest.markAccessed(f, &gm, acc.Write); err != nil {
		return 0, fmt.Errorf("shadow: core %d: %w", m.core.ID, err)
	}

	// clean pages stay read-only so the first write sets the guest's
	// dirty bit
	flags := m.leafFlags(gm.User && !wpOverride, writable && gm.Dirty && region.Access.Write, gm.NoExec || !region.Access.Execute)
	vpage := addr &^ (hostarch.PageSize - 1)
	if f != FormatLong {
		vpage &= 0xffffffff
	}
	if err := m.install(vpage, region.HostAddress(gpa), gm.Level, flags); err != nil {
		return 0, err
	}
	return ResultFilled, nil
}

// HandleNestedFault services a nested page fault: gpa is a guest-physical
// address missing from the nested tables. Unpaged shadow guests use the
// same path since their virtual and physical addresses coincide.
func (m *Manager) HandleNestedFault(gpa uint64, code uint32) (FaultResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.root == 0 {
		return 0, fmt.Errorf("shadow: core %d: nested fault before init", m.core.ID)
	}
	if !m.nested && m.core.Mode.Paged() {
		return 0, fmt.Errorf("shadow: core %d: nested fault while shadow paging: %w", m.core.ID, hv.ErrNotImplemented)
	}
	return ResultFilled, m.fillPassthrough(gpa, gpa, AccessFromErrorCode(code))
}

func (m *Manager) fillPassthrough(vaddr, gpa uint64, acc Access) error {
	page := gpa &^ (hostarch.PageSize - 1)
	region, ok := m.mm.Lookup(page)
	if !ok {
		return &UnbackedError{GVA: vaddr, GPA: gpa}
	}
	need := hostarch.Read
	if acc.Write {
		need = need.Union(hostarch.Write)
	}
	if acc.Fetch {
		need = need.Union(hostarch.Execute)
	}
	if !region.Access.SupersetOf(need) {
		return &HostAccessError{GPA: gpa, Need: need, Have: region.Access}
	}
	flags := m.leafFlags(true, region.Access.Write, !region.Access.Execute)
	return m.install(vaddr&^(hostarch.PageSize-1), region.HostAddress(page), 1, flags)
}

func (m *Manager) reflect(gf *GuestFault) error {
	m.log.Debug("shadow: reflecting guest fault", "core", m.core.ID, "addr", fmt.Sprintf("%#x", gf.Addr), "code", gf.Code, "gp", gf.GP)
	if gf.GP {
		return m.inj.RaiseGP(m.core, 0)
	}
	return m.inj.RaisePF(m.core, gf.Addr, gf.Code)
}

// HandleInvlpg drops the shadow translation of the page containing vaddr.
// If the page was split out of a guest large page, the whole splintered
// table goes with it.
func (m *Manager) HandleInvlpg(vaddr uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.root == 0 || m.nested || !m.core.Mode.Paged() {
		return nil
	}
	f := m.format
	if f == FormatLong && !Canonical(vaddr) {
		// INVLPG of a non-canonical address is a no-op
		return nil
	}
	if f != FormatLong {
		vaddr &= 0xffffffff
	}

	table := m.root
	for level := f.Levels; level > 1; level-- {
		addr := table + f.Index(vaddr, level)*f.EntrySize
		e, err := m.readShadow(addr)
		if err != nil {
			return err
		}
		if !e.Present() {
			return nil
		}
		child := f.TableAddr(e)
		if m.splintered[child] {
			if err := m.writeShadow(addr, 0); err != nil {
				return err
			}
			return m.freeTable(child, level-1)
		}
		table = child
	}
	return m.writeShadow(table+f.Index(vaddr, 1)*f.EntrySize, 0)
}

// Lookup reports the shadow translation installed for vaddr, without
// consulting the guest tables.
func (m *Manager) Lookup(vaddr uint64) (Mapping, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.root == 0 {
		return Mapping{}, false
	}
	f := m.format
	if f != FormatLong {
		vaddr &= 0xffffffff
	}
	table := m.root
	for level := f.Levels; level >= 1; level-- {
		e, err := m.readShadow(table + f.Index(vaddr, level)*f.EntrySize)
		if err != nil || !e.Present() {
			return Mapping{}, false
		}
		if level == 1 {
			return Mapping{
				HPA:      f.TableAddr(e) | vaddr&(hostarch.PageSize-1),
				Writable: e.Writable(),
				User:     e.User(),
				NoExec:   e.NoExec(),
			}, true
		}
		table = f.TableAddr(e)
	}
	return Mapping{}, false
}

// Translate resolves a guest-virtual address to host-physical memory the
// way the processor would for acc, updating the guest's accessed and dirty
// bits. Guest-visible faults come back as *GuestFault; the caller decides
// whether to reflect them.
func (m *Manager) Translate(gva uint64, acc Access) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	gpa := gva
	if m.core.Mode.Paged() {
		f := FormatForMode(m.core.Mode)
		gm, gf, err := m.guest.walk(m.core, f, gva, acc)
		if err != nil {
			return 0, err
		}
		if gf != nil {
			return 0, gf
		}
		if err := m.guest.markAccessed(f, &gm, acc.Write); err != nil {
			return 0, err
		}
		gpa = gm.GPA
	}

	region, ok := m.mm.Lookup(gpa)
	if !ok {
		return 0, &UnbackedError{GVA: gva, GPA: gpa}
	}
	need := hostarch.Read
	if acc.Write {
		need = hostarch.Write
	}
	if !region.Access.SupersetOf(need) {
		return 0, &HostAccessError{GPA: gpa, Need: need, Have: region.Access}
	}
	return region.HostAddress(gpa), nil
}

// Reflect delivers a fault returned by Translate to the guest.
func (m *Manager) Reflect(gf *GuestFault) error {
	return m.reflect(gf)
}

// Close releases every shadow table.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.root == 0 {
		return nil
	}
	err := m.freeTable(m.root, m.format.Levels)
	m.root = 0
	return err
}
