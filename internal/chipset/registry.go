package chipset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/tinyrange/vmm/internal/hv"
)

// ErrNoHandler is returned when a guest touches a port or MMIO address no
// device has hooked.
var ErrNoHandler = errors.New("no device hooked")

type portBinding struct {
	owner   string
	handler PortIOHandler
}

type mmioBinding struct {
	owner   string
	region  MMIORegion
	handler MmioHandler
}

// Registry owns the I/O port, MMIO and IRQ tables of one VM. Every device
// claims a disjoint set of resources; a conflicting claim fails with
// hv.ErrConflict and leaves the tables untouched.
type Registry struct {
	mu  sync.RWMutex
	log *slog.Logger

	devices map[string]Device
	order   []string

	pio  map[uint16]portBinding
	mmio []mmioBinding // sorted by address
	irqs map[uint8]string

	lines *LineSet
}

// NewRegistry returns an empty registry forwarding IRQ edges to sink.
func NewRegistry(log *slog.Logger, sink InterruptSink) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:     log,
		devices: make(map[string]Device),
		pio:     make(map[uint16]portBinding),
		irqs:    make(map[uint8]string),
		lines:   NewLineSet(sink),
	}
}

func regionsOverlap(baseA, sizeA, baseB, sizeB uint64) bool {
	endA := baseA + sizeA
	endB := baseB + sizeB
	return baseA < endB && baseB < endA
}

func (r *Registry) checkPort(port uint16) error {
	if b, exists := r.pio[port]; exists {
		return fmt.Errorf("chipset: I/O port 0x%04x owned by %q: %w", port, b.owner, hv.ErrConflict)
	}
	return nil
}

func (r *Registry) checkMem(base, size uint64) error {
	if size == 0 {
		return fmt.Errorf("chipset: MMIO region at 0x%x has zero size", base)
	}
	if base+size < base {
		return fmt.Errorf("chipset: MMIO region at 0x%x with size 0x%x overflows", base, size)
	}
	for _, existing := range r.mmio {
		if regionsOverlap(base, size, existing.region.Address, existing.region.Size) {
			return fmt.Errorf("chipset: MMIO region 0x%x-0x%x overlaps 0x%x-0x%x owned by %q: %w",
				base, base+size-1, existing.region.Address,
				existing.region.Address+existing.region.Size-1, existing.owner, hv.ErrConflict)
		}
	}
	return nil
}

func (r *Registry) checkIRQ(line uint8) error {
	if owner, exists := r.irqs[line]; exists {
		return fmt.Errorf("chipset: IRQ %d owned by %q: %w", line, owner, hv.ErrConflict)
	}
	return nil
}

func (r *Registry) insertMem(b mmioBinding) {
	idx := sort.Search(len(r.mmio), func(i int) bool {
		return r.mmio[i].region.Address > b.region.Address
	})
	r.mmio = slices.Insert(r.mmio, idx, b)
}

// HookIO claims port for owner.
func (r *Registry) HookIO(owner string, port uint16, handler PortIOHandler) error {
	return r.HookIORange(owner, port, 1, handler)
}

// HookIORange claims count consecutive ports starting at base. Either every
// port is claimed or none is.
func (r *Registry) HookIORange(owner string, base uint16, count int, handler PortIOHandler) error {
	if handler == nil {
		return fmt.Errorf("chipset: PIO handler for port 0x%04x is nil", base)
	}
	if count <= 0 || int(base)+count > 0x10000 {
		return fmt.Errorf("chipset: invalid port range 0x%04x+%d", base, count)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < count; i++ {
		if err := r.checkPort(base + uint16(i)); err != nil {
			return err
		}
	}
	for i := 0; i < count; i++ {
		r.pio[base+uint16(i)] = portBinding{owner: owner, handler: handler}
	}
	return nil
}

// UnhookIO releases port if owner holds it. Releasing a port that is not
// held is a no-op; the result reports whether anything changed.
func (r *Registry) UnhookIO(owner string, port uint16) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.pio[port]
	if !ok || b.owner != owner {
		return false
	}
	delete(r.pio, port)
	return true
}

// HookMem claims the guest-physical range [base, base+size) for owner.
func (r *Registry) HookMem(owner string, base, size uint64, handler MmioHandler) error {
	if handler == nil {
		return fmt.Errorf("chipset: MMIO handler for region 0x%x size 0x%x is nil", base, size)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkMem(base, size); err != nil {
		return err
	}
	r.insertMem(mmioBinding{
		owner:   owner,
		region:  MMIORegion{Address: base, Size: size},
		handler: handler,
	})
	return nil
}

// UnhookMem releases the region starting at base if owner holds it.
func (r *Registry) UnhookMem(owner string, base uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, b := range r.mmio {
		if b.region.Address == base && b.owner == owner {
			r.mmio = slices.Delete(r.mmio, i, i+1)
			return true
		}
	}
	return false
}

// HookIRQ claims line for owner and returns the handle the device drives
// it with.
func (r *Registry) HookIRQ(owner string, line uint8) (LineInterrupt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkIRQ(line); err != nil {
		return nil, err
	}
	r.irqs[line] = owner
	return r.lines.Handle(line), nil
}

// UnhookIRQ releases line if owner holds it, lowering it first.
func (r *Registry) UnhookIRQ(owner string, line uint8) bool {
	r.mu.Lock()
	held := r.irqs[line] == owner
	if held {
		delete(r.irqs, line)
	}
	r.mu.Unlock()

	if held {
		r.lines.Release(line)
	}
	return held
}

// AttachDevice registers dev under name together with every intercept it
// advertises. On any conflict nothing is registered.
func (r *Registry) AttachDevice(name string, dev Device) error {
	if name == "" {
		return fmt.Errorf("chipset: device name is empty")
	}
	if dev == nil {
		return fmt.Errorf("chipset: device %q is nil", name)
	}

	pio := dev.SupportsPortIO()
	if pio != nil && pio.Handler == nil {
		return fmt.Errorf("chipset: device %q provided port I/O ports with nil handler", name)
	}
	mmio := dev.SupportsMmio()
	if mmio != nil && mmio.Handler == nil {
		return fmt.Errorf("chipset: device %q provided MMIO regions with nil handler", name)
	}
	irq := dev.SupportsIRQ()

	r.mu.Lock()

	if _, exists := r.devices[name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("chipset: device %q already registered: %w", name, hv.ErrConflict)
	}

	// validate against the tables and against the device's own claims
	// before touching anything
	seenPorts := make(map[uint16]bool)
	if pio != nil {
		for _, port := range pio.Ports {
			if err := r.checkPort(port); err != nil {
				r.mu.Unlock()
				return fmt.Errorf("chipset: device %q: %w", name, err)
			}
			if seenPorts[port] {
				r.mu.Unlock()
				return fmt.Errorf("chipset: device %q lists port 0x%04x twice", name, port)
			}
			seenPorts[port] = true
		}
	}
	if mmio != nil {
		for i, region := range mmio.Regions {
			if err := r.checkMem(region.Address, region.Size); err != nil {
				r.mu.Unlock()
				return fmt.Errorf("chipset: device %q: %w", name, err)
			}
			for _, other := range mmio.Regions[:i] {
				if regionsOverlap(region.Address, region.Size, other.Address, other.Size) {
					r.mu.Unlock()
					return fmt.Errorf("chipset: device %q has overlapping MMIO regions at 0x%x", name, region.Address)
				}
			}
		}
	}
	seenLines := make(map[uint8]bool)
	if irq != nil {
		for _, line := range irq.Lines {
			if err := r.checkIRQ(line); err != nil {
				r.mu.Unlock()
				return fmt.Errorf("chipset: device %q: %w", name, err)
			}
			if seenLines[line] {
				r.mu.Unlock()
				return fmt.Errorf("chipset: device %q lists IRQ %d twice", name, line)
			}
			seenLines[line] = true
		}
	}

	if pio != nil {
		for _, port := range pio.Ports {
			r.pio[port] = portBinding{owner: name, handler: pio.Handler}
		}
	}
	if mmio != nil {
		for _, region := range mmio.Regions {
			r.insertMem(mmioBinding{owner: name, region: region, handler: mmio.Handler})
		}
	}
	if irq != nil {
		for _, line := range irq.Lines {
			r.irqs[line] = name
		}
	}
	r.devices[name] = dev
	r.order = append(r.order, name)
	r.mu.Unlock()

	if irq != nil && irq.Wire != nil {
		for _, line := range irq.Lines {
			irq.Wire(line, r.lines.Handle(line))
		}
	}

	r.log.Debug("chipset: attached device", "name", name,
		"ports", len(seenPorts), "irqs", len(seenLines))
	return nil
}

// DetachDevice releases every resource held by name and deinitializes the
// device. Detaching an unknown device is a no-op.
func (r *Registry) DetachDevice(name string) error {
	r.mu.Lock()
	dev, ok := r.devices[name]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	for port, b := range r.pio {
		if b.owner == name {
			delete(r.pio, port)
		}
	}
	r.mmio = slices.DeleteFunc(r.mmio, func(b mmioBinding) bool { return b.owner == name })
	var lines []uint8
	for line, owner := range r.irqs {
		if owner == name {
			delete(r.irqs, line)
			lines = append(lines, line)
		}
	}
	delete(r.devices, name)
	r.order = slices.DeleteFunc(r.order, func(n string) bool { return n == name })
	r.mu.Unlock()

	for _, line := range lines {
		r.lines.Release(line)
	}
	if err := dev.Deinit(); err != nil {
		return fmt.Errorf("chipset: deinit device %q: %w", name, err)
	}
	return nil
}

// Device returns the device registered under name.
func (r *Registry) Device(name string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev, ok := r.devices[name]
	return dev, ok
}

// Devices returns the registered device names in attach order.
func (r *Registry) Devices() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// PortOwner returns the device holding port.
func (r *Registry) PortOwner(port uint16) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.pio[port]
	return b.owner, ok
}

// IRQOwner returns the device holding line.
func (r *Registry) IRQOwner(line uint8) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	owner, ok := r.irqs[line]
	return owner, ok
}

// HandlePIO dispatches an I/O port access to the registered device.
func (r *Registry) HandlePIO(ctx hv.ExitContext, port uint16, data []byte, isWrite bool) error {
	r.mu.RLock()
	b, ok := r.pio[port]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("chipset: I/O port 0x%04x: %w", port, ErrNoHandler)
	}
	if isWrite {
		return b.handler.WriteIOPort(ctx, port, data)
	}
	return b.handler.ReadIOPort(ctx, port, data)
}

func (r *Registry) lookupMem(addr uint64, size uint64) (mmioBinding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx := sort.Search(len(r.mmio), func(i int) bool {
		return r.mmio[i].region.Address > addr
	})
	if idx == 0 {
		return mmioBinding{}, false
	}
	b := r.mmio[idx-1]
	end := b.region.Address + b.region.Size
	if addr >= end || addr+size > end {
		return mmioBinding{}, false
	}
	return b, true
}

// MMIOHooked reports whether addr falls inside a hooked region.
func (r *Registry) MMIOHooked(addr uint64) bool {
	_, ok := r.lookupMem(addr, 1)
	return ok
}

// HandleMMIO dispatches an MMIO access to the registered device. The access
// must lie entirely inside one region.
func (r *Registry) HandleMMIO(ctx hv.ExitContext, addr uint64, data []byte, isWrite bool) error {
	accessEnd := addr + uint64(len(data))
	if accessEnd < addr {
		return fmt.Errorf("chipset: MMIO access overflow at 0x%016x", addr)
	}
	b, ok := r.lookupMem(addr, uint64(len(data)))
	if !ok {
		return fmt.Errorf("chipset: MMIO address 0x%016x: %w", addr, ErrNoHandler)
	}
	if isWrite {
		return b.handler.WriteMMIO(ctx, addr, data)
	}
	return b.handler.ReadMMIO(ctx, addr, data)
}

// RaiseIRQ asserts line on behalf of host code.
func (r *Registry) RaiseIRQ(line uint8) { r.lines.Handle(line).SetLevel(true) }

// LowerIRQ deasserts line on behalf of host code.
func (r *Registry) LowerIRQ(line uint8) { r.lines.Handle(line).SetLevel(false) }

// IRQLevel reports the current level of line.
func (r *Registry) IRQLevel(line uint8) bool { return r.lines.Level(line) }

func (r *Registry) snapshot() ([]string, map[string]Device) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	devices := make(map[string]Device, len(r.devices))
	for name, dev := range r.devices {
		devices[name] = dev
	}
	return slices.Clone(r.order), devices
}

func (r *Registry) each(reverse bool, op string, fn func(Device) error) error {
	order, devices := r.snapshot()
	if reverse {
		slices.Reverse(order)
	}
	var result *multierror.Error
	for _, name := range order {
		if err := fn(devices[name]); err != nil {
			result = multierror.Append(result, fmt.Errorf("chipset: %s device %q: %w", op, name, err))
		}
	}
	return result.ErrorOrNil()
}

// Init initializes every device against vm in attach order.
func (r *Registry) Init(vm hv.Machine) error {
	return r.each(false, "init", func(d Device) error { return d.Init(vm) })
}

// Start activates all registered devices.
func (r *Registry) Start() error {
	return r.each(false, "start", Device.Start)
}

// Stop deactivates all registered devices in reverse attach order.
func (r *Registry) Stop() error {
	return r.each(true, "stop", Device.Stop)
}

// Reset resets all registered devices.
func (r *Registry) Reset() error {
	return r.each(false, "reset", Device.Reset)
}

// Close detaches every device, collecting all deinit failures.
func (r *Registry) Close() error {
	order, _ := r.snapshot()
	slices.Reverse(order)
	var result *multierror.Error
	for _, name := range order {
		if err := r.DetachDevice(name); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Poll executes Poll on all poll-capable devices.
func (r *Registry) Poll(ctx context.Context) error {
	order, devices := r.snapshot()
	for _, name := range order {
		p, ok := devices[name].(Poller)
		if !ok {
			continue
		}
		if err := p.Poll(ctx); err != nil {
			return fmt.Errorf("chipset: poll %q: %w", name, err)
		}
	}
	return nil
}
