package chipset

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tinyrange/vmm/internal/hv"
)

// Constructor builds a device from its configuration.
type Constructor func(cfg hv.DeviceConfig) (Device, error)

// Catalog maps device type names to constructors. It is built explicitly
// at startup by whoever links the device packages in.
type Catalog struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

func NewCatalog() *Catalog {
	return &Catalog{ctors: make(map[string]Constructor)}
}

// Register adds a device type. Registering the same type twice fails.
func (c *Catalog) Register(typ string, ctor Constructor) error {
	if typ == "" || ctor == nil {
		return fmt.Errorf("chipset: invalid catalog entry %q", typ)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.ctors[typ]; exists {
		return fmt.Errorf("chipset: device type %q already in catalog: %w", typ, hv.ErrConflict)
	}
	c.ctors[typ] = ctor
	return nil
}

// Types lists the registered device types.
func (c *Catalog) Types() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	types := make([]string, 0, len(c.ctors))
	for typ := range c.ctors {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}

// Build constructs a device of cfg.Type.
func (c *Catalog) Build(cfg hv.DeviceConfig) (Device, error) {
	c.mu.RLock()
	ctor, ok := c.ctors[cfg.Type]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("chipset: unknown device type %q", cfg.Type)
	}
	dev, err := ctor(cfg)
	if err != nil {
		return nil, fmt.Errorf("chipset: build %s %q: %w", cfg.Type, cfg.Name, err)
	}
	return dev, nil
}
