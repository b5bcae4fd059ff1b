// Package vm assembles cores, memory, devices and the exit dispatcher into
// a runnable guest.
package vm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/tinyrange/vmm/internal/barrier"
	"github.com/tinyrange/vmm/internal/chipset"
	"github.com/tinyrange/vmm/internal/config"
	"github.com/tinyrange/vmm/internal/fault"
	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/metrics"
	"github.com/tinyrange/vmm/internal/platform"
	"github.com/tinyrange/vmm/internal/queue"
	"github.com/tinyrange/vmm/internal/shadow"
	"github.com/tinyrange/vmm/internal/vmexit"
)

const (
	// IRQBase is the vector of IRQ line 0, matching the conventional PIC
	// remap.
	IRQBase = 0x20

	// irqQueueDepth bounds interrupts waiting for a core to accept them.
	irqQueueDepth = 256

	pollInterval = 10 * time.Millisecond
)

// Options carries the collaborators a VM cannot derive from its config.
type Options struct {
	Logger   *slog.Logger
	Platform platform.Platform
	Catalog  *chipset.Catalog
	Metrics  *metrics.Metrics

	// WaitOnHalt parks halted cores until an interrupt arrives. Replay
	// backends leave it off since the next recorded exit already follows
	// the wakeup.
	WaitOnHalt bool
}

type coreState struct {
	core  *hv.Core
	pager *shadow.Manager
	irqs  *queue.Queue[uint8]
	wake  chan struct{}

	// guarded by VM.mu
	stopped bool
	err     error
}

// VM is one guest.
type VM struct {
	name string
	cfg  *config.Config
	hash hv.VMConfigHash
	log  *slog.Logger

	mem      *hv.HostMemory
	frames   *hv.FrameAllocator
	mm       *hv.MemoryMap
	registry *chipset.Registry
	inj      *fault.Injector
	disp     *vmexit.Dispatcher
	metrics  *metrics.Metrics
	barrier  *barrier.Barrier

	cores      []*coreState
	waitOnHalt bool

	// hotplug serializes memory map changes.
	hotplug sync.Mutex

	mu      sync.Mutex
	running bool
	// stopAll ends the current run on every core.
	stopAll context.CancelFunc
}

// New builds a VM from a validated config.
func New(cfg *config.Config, opts Options) (*VM, error) {
	if opts.Platform == nil {
		return nil, fmt.Errorf("vm: platform is required")
	}
	if opts.Catalog == nil && len(cfg.Devices) > 0 {
		return nil, fmt.Errorf("vm: config lists devices but no catalog was given")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	hash, err := cfg.Hash()
	if err != nil {
		return nil, err
	}
	log = log.With("vm", cfg.Name, "config", hash.Short())

	v := &VM{
		name:       cfg.Name,
		cfg:        cfg,
		hash:       hash,
		log:        log,
		metrics:    opts.Metrics,
		waitOnHalt: opts.WaitOnHalt,
	}
	if v.metrics == nil {
		v.metrics = metrics.New(cfg.Name)
	}

	v.mem, err = hv.NewHostMemory(cfg.Host.Base, cfg.Host.Size)
	if err != nil {
		return nil, fmt.Errorf("vm: %w", err)
	}
	v.frames, err = hv.NewFrameAllocator(v.mem, cfg.Host.PoolBase, cfg.Host.PoolSize)
	if err != nil {
		return nil, fmt.Errorf("vm: %w", err)
	}
	v.mm, err = cfg.MemoryMap()
	if err != nil {
		return nil, err
	}

	v.inj = fault.NewInjector(log, v.metrics)
	v.registry = chipset.NewRegistry(log, chipset.InterruptSinkFunc(v.setIRQ))
	v.barrier = barrier.New(cfg.Cores)
	v.barrier.SetKick(v.kickAll)

	mode := cfg.OperatingMode()
	for i := 0; i < cfg.Cores; i++ {
		core := hv.NewCore(i, mode)
		pager := shadow.NewManager(core, shadow.Config{
			Memory:   v.mem,
			Frames:   v.frames,
			Map:      v.mm,
			Injector: v.inj,
			Logger:   log,
			Nested:   cfg.Nested,
		})
		if err := pager.Init(); err != nil {
			return nil, fmt.Errorf("vm: core %d: %w", i, err)
		}
		irqs, err := queue.NewBounded[uint8](irqQueueDepth)
		if err != nil {
			return nil, err
		}
		v.cores = append(v.cores, &coreState{
			core:  core,
			pager: pager,
			irqs:  irqs,
			wake:  make(chan struct{}, 1),
		})
		// cores join the barrier when they start running
		v.barrier.Leave(i)
	}

	for _, dc := range cfg.DeviceConfigs() {
		dev, err := opts.Catalog.Build(dc)
		if err != nil {
			return nil, fmt.Errorf("vm: %w", err)
		}
		if err := v.registry.AttachDevice(dc.Name, dev); err != nil {
			return nil, fmt.Errorf("vm: %w", err)
		}
	}
	if err := v.registry.Init(v); err != nil {
		return nil, fmt.Errorf("vm: %w", err)
	}

	v.disp, err = vmexit.New(vmexit.Config{
		Registry:       v.registry,
		Injector:       v.inj,
		Platform:       opts.Platform,
		Memory:         v.mem,
		Pager:          v.pager,
		StringIOBudget: cfg.StringIOBudget,
		Logger:         log,
		Observer:       v.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("vm: %w", err)
	}

	log.Info("vm: created", "cores", cfg.Cores, "mode", mode, "regions", len(cfg.Regions), "devices", len(cfg.Devices))
	return v, nil
}

// implements hv.Machine.
func (v *VM) Name() string                { return v.name }
func (v *VM) CoreCount() int              { return len(v.cores) }
func (v *VM) MemoryMap() *hv.MemoryMap    { return v.mm }
func (v *VM) ConfigHash() hv.VMConfigHash { return v.hash }

func (v *VM) Config() *config.Config         { return v.cfg }
func (v *VM) Registry() *chipset.Registry    { return v.registry }
func (v *VM) Dispatcher() *vmexit.Dispatcher { return v.disp }
func (v *VM) Metrics() *metrics.Metrics      { return v.metrics }
func (v *VM) HostMemory() *hv.HostMemory     { return v.mem }

// Core returns core id, or nil if there is no such core.
func (v *VM) Core(id int) *hv.Core {
	if id < 0 || id >= len(v.cores) {
		return nil
	}
	return v.cores[id].core
}

// Pager returns the shadow paging state of core id.
func (v *VM) Pager(id int) *shadow.Manager {
	if id < 0 || id >= len(v.cores) {
		return nil
	}
	return v.cores[id].pager
}

func (v *VM) pager(id int) *shadow.Manager { return v.Pager(id) }

// CoreStopped reports whether core id has stopped in the current or last
// run.
func (v *VM) CoreStopped(id int) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cores[id].stopped
}

// CoreErr returns the error that stopped core id, if any.
func (v *VM) CoreErr(id int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cores[id].err
}

// Run enters the guest on every core until all cores stop or ctx ends.
// Each core runs on its own locked OS thread and handles its exits in
// order. A fatal exit stops only the core that took it, except that a
// guest power-off or reboot request stops the whole machine. Run returns
// every core error once the last core is done.
func (v *VM) Run(ctx context.Context, backend hv.Backend) error {
	if want := v.cfg.VendorID(); backend.Vendor() != want {
		return fmt.Errorf("vm: backend is %s, config wants %s", backend.Vendor(), want)
	}

	v.mu.Lock()
	if v.running {
		v.mu.Unlock()
		return fmt.Errorf("vm: %s is already running", v.name)
	}
	v.running = true
	runCtx, stopAll := context.WithCancel(ctx)
	defer stopAll()
	v.stopAll = stopAll
	for _, cs := range v.cores {
		cs.stopped = false
		cs.err = nil
	}
	v.mu.Unlock()
	defer func() {
		v.mu.Lock()
		v.running = false
		v.stopAll = nil
		v.mu.Unlock()
	}()

	if err := v.registry.Start(); err != nil {
		return fmt.Errorf("vm: %w", err)
	}

	pollCtx, stopPoll := context.WithCancel(runCtx)
	pollDone := make(chan error, 1)
	go func() { pollDone <- v.poll(pollCtx) }()

	// every core joins the barrier before any enters the guest
	start := barrier.NewCounter(len(v.cores))
	g, gctx := errgroup.WithContext(runCtx)
	for i := range v.cores {
		i := i
		g.Go(func() error { return v.runCore(gctx, backend, start, i) })
	}
	runErr := g.Wait()
	stopPoll()

	var result *multierror.Error
	if runErr != nil {
		result = multierror.Append(result, runErr)
	}
	if err := ctx.Err(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := <-pollDone; err != nil {
		result = multierror.Append(result, err)
	}
	v.mu.Lock()
	for _, cs := range v.cores {
		if cs.err != nil {
			result = multierror.Append(result, cs.err)
		}
	}
	v.mu.Unlock()
	if err := v.registry.Stop(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (v *VM) poll(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := v.registry.Poll(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("vm: %w", err)
			}
		}
	}
}

func (v *VM) runCore(ctx context.Context, backend hv.Backend, start *barrier.Counter, id int) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	cs := v.cores[id]
	core := cs.core
	v.barrier.Join(id)
	defer v.barrier.Leave(id)
	if _, err := start.Arrive(ctx); err != nil {
		return nil
	}

	log := v.log.With("core", id)
	log.Debug("vm: core started")

	for {
		if _, err := v.barrier.Check(ctx, id); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		v.deliverIRQ(cs)

		if core.Halted && core.Pending == nil && v.waitOnHalt {
			select {
			case <-cs.wake:
				continue
			case <-ctx.Done():
				return nil
			}
		}

		rec, err := backend.Enter(ctx, core)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, hv.ErrVMHalted) {
				log.Info("vm: core finished", "reason", err)
				v.stopCore(cs, nil)
				return nil
			}
			v.stopCore(cs, fmt.Errorf("vm: core %d: enter: %w", id, err))
			return nil
		}

		outcome, err := v.disp.Dispatch(ctx, core, &rec)
		if outcome != vmexit.OutcomeFatal {
			continue
		}
		switch {
		case errors.Is(err, hv.ErrVMHalted):
			log.Info("vm: guest powered off")
			v.stopCore(cs, nil)
			v.stopMachine()
		case errors.Is(err, hv.ErrGuestRequestedReboot):
			log.Info("vm: guest requested reboot")
			v.stopCore(cs, err)
			v.stopMachine()
		default:
			v.stopCore(cs, err)
		}
		return nil
	}
}

func (v *VM) stopMachine() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.stopAll != nil {
		v.stopAll()
	}
}

func (v *VM) stopCore(cs *coreState, err error) {
	v.mu.Lock()
	cs.stopped = true
	cs.err = err
	v.mu.Unlock()
	if err != nil {
		v.log.Error("vm: core stopped", "core", cs.core.ID, "err", err)
	}
}

// deliverIRQ moves the oldest waiting interrupt into the core's pending
// slot once the guest can take it.
func (v *VM) deliverIRQ(cs *coreState) {
	core := cs.core
	if core.Pending != nil || core.Regs.Rflags&hv.FlagIF == 0 {
		return
	}
	vector, ok := cs.irqs.Peek()
	if !ok {
		return
	}
	if v.inj.RaiseExternalInterrupt(core, vector) {
		cs.irqs.Dequeue()
	}
}

// setIRQ routes rising edges to the bootstrap core.
func (v *VM) setIRQ(line uint8, level bool) {
	if !level {
		return
	}
	if err := v.Interrupt(0, IRQBase+line); err != nil {
		v.log.Warn("vm: dropped interrupt", "line", line, "err", err)
	}
}

// Interrupt queues an external interrupt for core id and wakes it if it is
// halted.
func (v *VM) Interrupt(id int, vector uint8) error {
	if id < 0 || id >= len(v.cores) {
		return fmt.Errorf("vm: no core %d", id)
	}
	cs := v.cores[id]
	if !cs.irqs.Enqueue(vector) {
		return fmt.Errorf("vm: core %d interrupt queue full", id)
	}
	kick(cs.wake)
	return nil
}

func kick(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (v *VM) kickAll() {
	for _, cs := range v.cores {
		kick(cs.wake)
	}
}

// HotAddMemory maps a new guest RAM region. Every running core is held at
// the barrier while the map changes and the shadow tables are rebuilt.
func (v *VM) HotAddMemory(ctx context.Context, region hv.MemoryRegion) error {
	if err := v.checkHostRange(region); err != nil {
		return err
	}
	return v.changeMemory(ctx, func() error {
		if err := v.mm.Add(region); err != nil {
			return fmt.Errorf("vm: hot-add: %w", err)
		}
		v.log.Info("vm: memory added", "name", region.Name,
			"gpa", fmt.Sprintf("%#x", region.GuestBase), "size", region.Size)
		return nil
	})
}

// RemoveMemory unmaps the region starting at gpa.
func (v *VM) RemoveMemory(ctx context.Context, gpa uint64) error {
	return v.changeMemory(ctx, func() error {
		region, ok := v.mm.Remove(gpa)
		if !ok {
			return fmt.Errorf("vm: no region at 0x%x", gpa)
		}
		v.log.Info("vm: memory removed", "name", region.Name, "gpa", fmt.Sprintf("%#x", gpa))
		return nil
	})
}

func (v *VM) checkHostRange(r hv.MemoryRegion) error {
	if r.Size == 0 || !pageAligned(r) {
		return fmt.Errorf("vm: region %q is empty or not page aligned", r.Name)
	}
	base, end := v.mem.Base(), v.mem.Base()+v.mem.Size()
	if r.HostBase < base || r.Size > end-r.HostBase {
		return fmt.Errorf("vm: region %q host range [0x%x, +0x%x) outside host memory", r.Name, r.HostBase, r.Size)
	}
	pool, poolEnd := v.cfg.Host.PoolBase, v.cfg.Host.PoolBase+v.cfg.Host.PoolSize
	if r.HostBase < poolEnd && pool < r.HostBase+r.Size {
		return fmt.Errorf("vm: region %q overlaps the shadow frame pool", r.Name)
	}
	return nil
}

func (v *VM) changeMemory(ctx context.Context, change func() error) (err error) {
	v.hotplug.Lock()
	defer v.hotplug.Unlock()

	if err := v.barrier.Raise(ctx, barrier.External); err != nil {
		return fmt.Errorf("vm: raise barrier: %w", err)
	}
	defer func() {
		if lerr := v.barrier.Lower(barrier.External); lerr != nil && err == nil {
			err = lerr
		}
	}()

	if err := change(); err != nil {
		return err
	}

	var result *multierror.Error
	frames := 0
	for _, cs := range v.cores {
		if err := cs.pager.WholesaleRebuild(v.mm); err != nil {
			result = multierror.Append(result, fmt.Errorf("vm: core %d: %w", cs.core.ID, err))
			continue
		}
		frames += cs.pager.TableFrames()
	}
	v.metrics.ObserveRebuild(frames)
	return result.ErrorOrNil()
}

// WriteGuest stores data at guest-physical gpa, crossing regions as
// needed. Read-only regions are written too: this is the loader's view.
func (v *VM) WriteGuest(gpa uint64, data []byte) error {
	for len(data) > 0 {
		region, ok := v.mm.Lookup(gpa)
		if !ok {
			return fmt.Errorf("vm: write to 0x%x: %w", gpa, hv.ErrUnbackedAddress)
		}
		n := min(uint64(len(data)), region.GuestEnd()-gpa)
		if _, err := v.mem.WriteAt(data[:n], int64(region.HostAddress(gpa))); err != nil {
			return fmt.Errorf("vm: write to 0x%x: %w", gpa, err)
		}
		data = data[n:]
		gpa += n
	}
	return nil
}

// ReadGuest fills p from guest-physical gpa.
func (v *VM) ReadGuest(gpa uint64, p []byte) error {
	for len(p) > 0 {
		region, ok := v.mm.Lookup(gpa)
		if !ok {
			return fmt.Errorf("vm: read from 0x%x: %w", gpa, hv.ErrUnbackedAddress)
		}
		n := min(uint64(len(p)), region.GuestEnd()-gpa)
		if _, err := v.mem.ReadAt(p[:n], int64(region.HostAddress(gpa))); err != nil {
			return fmt.Errorf("vm: read from 0x%x: %w", gpa, err)
		}
		p = p[n:]
		gpa += n
	}
	return nil
}

// Close detaches every device and frees the shadow tables.
func (v *VM) Close() error {
	var result *multierror.Error
	if err := v.registry.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	for _, cs := range v.cores {
		if err := cs.pager.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("vm: core %d: %w", cs.core.ID, err))
		}
	}
	return result.ErrorOrNil()
}

// pageAligned reports whether a region can be hot-added as is.
func pageAligned(r hv.MemoryRegion) bool {
	return hostarch.Addr(r.GuestBase).IsPageAligned() && hostarch.Addr(r.HostBase).IsPageAligned() && r.Size%hostarch.PageSize == 0
}

var _ hv.Machine = (*VM)(nil)
