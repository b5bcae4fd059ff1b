// Package config loads VM layouts from YAML.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/tinyrange/vmm/internal/hv"
)

const (
	DefaultPoolSize = 4 << 20
	MaxCores        = 64
)

// Config describes one guest.
type Config struct {
	Name   string `yaml:"name"`
	Vendor string `yaml:"vendor"`
	Cores  int    `yaml:"cores"`
	Mode   string `yaml:"mode"`

	// Nested selects hardware nested paging instead of shadow tables.
	Nested bool `yaml:"nested,omitempty"`

	Host    HostConfig     `yaml:"host"`
	Regions []RegionConfig `yaml:"regions"`
	Devices []DeviceConfig `yaml:"devices,omitempty"`

	// StringIOBudget bounds the REP INS/OUTS elements moved per exit.
	StringIOBudget int `yaml:"stringIOBudget,omitempty"`
}

// HostConfig is the host-physical memory the VMM manages. Guest RAM
// regions and the shadow table pool are carved out of it.
type HostConfig struct {
	Base     uint64 `yaml:"base"`
	Size     uint64 `yaml:"size"`
	PoolBase uint64 `yaml:"poolBase"`
	PoolSize uint64 `yaml:"poolSize,omitempty"`
}

type RegionConfig struct {
	Name   string `yaml:"name"`
	GPA    uint64 `yaml:"gpa"`
	HPA    uint64 `yaml:"hpa"`
	Size   uint64 `yaml:"size"`
	Access string `yaml:"access,omitempty"`
}

type DeviceConfig struct {
	Type string `yaml:"type"`
	Name string `yaml:"name,omitempty"`
	Port uint16 `yaml:"port,omitempty"`
	IRQ  uint8  `yaml:"irq,omitempty"`
}

func (c *Config) normalize() {
	if c.Vendor == "" {
		c.Vendor = string(hv.VendorIntel)
	}
	if c.Cores == 0 {
		c.Cores = 1
	}
	if c.Mode == "" {
		c.Mode = hv.ModeReal.String()
	}
	if c.Host.PoolSize == 0 {
		c.Host.PoolSize = DefaultPoolSize
	}
	for i := range c.Regions {
		if c.Regions[i].Access == "" {
			c.Regions[i].Access = "rwx"
		}
		if c.Regions[i].Name == "" {
			c.Regions[i].Name = fmt.Sprintf("region%d", i)
		}
	}
	for i := range c.Devices {
		if c.Devices[i].Name == "" {
			c.Devices[i].Name = c.Devices[i].Type
		}
	}
}

func within(base, size, lo, hi uint64) bool {
	return base >= lo && size <= hi-lo && base-lo <= hi-lo-size
}

// Validate reports every problem with c at once.
func (c *Config) Validate() error {
	var result error
	fail := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	if c.Name == "" {
		fail("name is required")
	}
	if hv.ParseVendor(c.Vendor) == hv.VendorUnknown {
		fail("unknown vendor %q", c.Vendor)
	}
	if c.Cores < 1 || c.Cores > MaxCores {
		fail("cores must be between 1 and %d, got %d", MaxCores, c.Cores)
	}
	if _, err := hv.ParseOperatingMode(c.Mode); err != nil {
		fail("%v", err)
	}
	if c.StringIOBudget < 0 {
		fail("stringIOBudget must not be negative")
	}

	hostEnd := c.Host.Base + c.Host.Size
	if c.Host.Size == 0 || hostEnd < c.Host.Base {
		fail("host memory size must be positive and not wrap")
	}
	if c.Host.PoolBase%hostarch.PageSize != 0 || c.Host.PoolSize%hostarch.PageSize != 0 {
		fail("frame pool must be page aligned")
	} else if !within(c.Host.PoolBase, c.Host.PoolSize, c.Host.Base, hostEnd) {
		fail("frame pool [0x%x, +0x%x) outside host memory", c.Host.PoolBase, c.Host.PoolSize)
	}

	if len(c.Regions) == 0 {
		fail("at least one memory region is required")
	}
	for _, r := range c.Regions {
		if r.Size == 0 || r.GPA%hostarch.PageSize != 0 || r.HPA%hostarch.PageSize != 0 || r.Size%hostarch.PageSize != 0 {
			fail("region %s: gpa, hpa and size must be page aligned and non-zero", r.Name)
			continue
		}
		if _, err := hv.ParseAccess(r.Access); err != nil {
			fail("region %s: %v", r.Name, err)
		}
		if !within(r.HPA, r.Size, c.Host.Base, hostEnd) {
			fail("region %s: host range [0x%x, +0x%x) outside host memory", r.Name, r.HPA, r.Size)
		}
		if r.HPA < c.Host.PoolBase+c.Host.PoolSize && c.Host.PoolBase < r.HPA+r.Size {
			fail("region %s overlaps the frame pool", r.Name)
		}
	}

	if result == nil {
		if _, err := c.MemoryMap(); err != nil {
			fail("%v", err)
		}
	}

	names := make(map[string]bool)
	for _, d := range c.Devices {
		if d.Type == "" {
			fail("device %q has no type", d.Name)
		}
		if names[d.Name] {
			fail("duplicate device name %q", d.Name)
		}
		names[d.Name] = true
	}

	if result != nil {
		return fmt.Errorf("config: %w", result)
	}
	return nil
}

// VendorID returns the parsed vendor.
func (c *Config) VendorID() hv.CpuVendor { return hv.ParseVendor(c.Vendor) }

// OperatingMode returns the parsed initial mode.
func (c *Config) OperatingMode() hv.OperatingMode {
	m, _ := hv.ParseOperatingMode(c.Mode)
	return m
}

// MemoryRegions converts the configured regions.
func (c *Config) MemoryRegions() ([]hv.MemoryRegion, error) {
	regions := make([]hv.MemoryRegion, 0, len(c.Regions))
	for _, r := range c.Regions {
		at, err := hv.ParseAccess(r.Access)
		if err != nil {
			return nil, fmt.Errorf("config: region %s: %w", r.Name, err)
		}
		regions = append(regions, hv.MemoryRegion{
			Name:      r.Name,
			GuestBase: r.GPA,
			Size:      r.Size,
			HostBase:  r.HPA,
			Access:    at,
		})
	}
	return regions, nil
}

// DeviceConfigs converts the configured devices.
func (c *Config) DeviceConfigs() []hv.DeviceConfig {
	devs := make([]hv.DeviceConfig, 0, len(c.Devices))
	for _, d := range c.Devices {
		devs = append(devs, hv.DeviceConfig{Type: d.Type, Name: d.Name, Port: d.Port, IRQLine: d.IRQ})
	}
	return devs
}

// MemoryMap builds the guest-physical map. Overlapping regions fail.
func (c *Config) MemoryMap() (*hv.MemoryMap, error) {
	regions, err := c.MemoryRegions()
	if err != nil {
		return nil, err
	}
	mm := hv.NewMemoryMap()
	for _, r := range regions {
		if err := mm.Add(r); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}
	return mm, nil
}

// Hash identifies the layout. Regions are hashed in guest address order.
func (c *Config) Hash() (hv.VMConfigHash, error) {
	mm, err := c.MemoryMap()
	if err != nil {
		return hv.VMConfigHash{}, err
	}
	return hv.ComputeConfigHash(c.VendorID(), c.Cores, c.OperatingMode(), mm.Regions(), c.DeviceConfigs()), nil
}

// Parse decodes and validates a YAML config.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	c.normalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Load reads and validates the config at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: %s does not exist: %w", path, err)
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Save writes c to path.
func Save(path string, c *Config) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("config: create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	return enc.Close()
}
