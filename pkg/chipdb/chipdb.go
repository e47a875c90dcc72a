// Package chipdb holds the chip registry (processor core + memory map,
// loaded from embedded and on-disk YAML) and computes TargetInfo: the
// combination of a chip description with an ElfView that locates the initial
// stack inside the chip's RAM.
package chipdb

import (
	"debug/elf"
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/devilkun/cortexrun/pkg/elfview"
	"github.com/devilkun/cortexrun/pkg/probe"
)

var log = logrus.WithField("pkg", "chipdb")

//go:embed chips.yaml
var embeddedRegistry []byte

// Chip is one entry of the registry: a probe target descriptor plus its
// memory map, as read from YAML.
type Chip struct {
	Name      string               `yaml:"name"`
	Core      string               `yaml:"core"` // e.g. "cortex-m4", matched against elf.Machine
	Memory    []probe.MemoryRegion `yaml:"memory"`
	NumHWBkpt int                  `yaml:"num_hw_breakpoints"`
}

type yamlMemoryRegion struct {
	Low  uint32 `yaml:"low"`
	High uint32 `yaml:"high"`
	Kind string `yaml:"kind"`
}

type yamlChip struct {
	Name      string             `yaml:"name"`
	Core      string             `yaml:"core"`
	Memory    []yamlMemoryRegion `yaml:"memory"`
	NumHWBkpt int                `yaml:"num_hw_breakpoints"`
}

// Registry is a loaded set of chip descriptions, keyed by name.
type Registry struct {
	chips map[string]Chip
}

// LoadRegistry loads the embedded chip registry and, if descriptionPath is
// non-empty, augments it with user-supplied chip descriptions (the YAML
// passed via --chip-description-path never replaces the embedded registry,
// only adds or overrides individual entries).
func LoadRegistry(descriptionPath string) (*Registry, error) {
	r := &Registry{chips: make(map[string]Chip)}
	if err := r.merge(embeddedRegistry); err != nil {
		return nil, fmt.Errorf("chipdb: embedded registry: %w", err)
	}
	if descriptionPath != "" {
		data, err := os.ReadFile(descriptionPath)
		if err != nil {
			return nil, fmt.Errorf("chipdb: reading %s: %w", descriptionPath, err)
		}
		if err := r.merge(data); err != nil {
			return nil, fmt.Errorf("chipdb: %s: %w", descriptionPath, err)
		}
	}
	return r, nil
}

func (r *Registry) merge(data []byte) error {
	var doc struct {
		Chips []yamlChip `yaml:"chips"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return err
	}
	for _, yc := range doc.Chips {
		c := Chip{Name: yc.Name, Core: yc.Core, NumHWBkpt: yc.NumHWBkpt}
		for _, m := range yc.Memory {
			c.Memory = append(c.Memory, probe.MemoryRegion{
				Range: probe.AddressRange{Low: m.Low, High: m.High},
				Kind:  parseKind(m.Kind),
			})
		}
		r.chips[yc.Name] = c
	}
	return nil
}

func parseKind(s string) probe.RegionKind {
	switch s {
	case "FLASH":
		return probe.RegionFlash
	case "NVM":
		return probe.RegionNVM
	default:
		return probe.RegionRAM
	}
}

// Lookup returns the chip description for name.
func (r *Registry) Lookup(name string) (Chip, bool) {
	c, ok := r.chips[name]
	return c, ok
}

// Names lists every registered chip, for --list-chips.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.chips))
	for n := range r.chips {
		names = append(names, n)
	}
	return names
}

// StackInfo describes the RAM region containing the initial stack pointer.
type StackInfo struct {
	Range          probe.AddressRange
	DataBelowStack bool
}

// TargetInfo combines a chip description with an ElfView, per the design/§4.2.
type TargetInfo struct {
	Chip      Chip
	Memory    []probe.MemoryRegion
	StackInfo *StackInfo // nil when no RAM region contains the initial SP
}

// New computes a TargetInfo for elf running on the named chip.
func New(elf *elfview.ElfView, chipName string, reg *Registry) (*TargetInfo, error) {
	chip, ok := reg.Lookup(chipName)
	if !ok {
		return nil, fmt.Errorf("chipdb: unknown chip %q", chipName)
	}

	// warn-and-continue on core/machine mismatch: the design notes mismatches
	// often still run, so this is not a hard error.
	if chip.Core != "" && !coreCompatible(elf, chip.Core) {
		log.WithFields(logrus.Fields{"chip": chipName, "core": chip.Core, "machine": elf.Machine}).
			Warn("chip core does not look like a 32-bit ARM Cortex-M target; continuing anyway")
	}

	ti := &TargetInfo{Chip: chip, Memory: chip.Memory}
	ti.StackInfo = computeStackInfo(elf, chip.Memory)
	return ti, nil
}

func coreCompatible(ev *elfview.ElfView, core string) bool {
	// Every chip in the registry this module ships is Cortex-M; a
	// non-matching description is still usable (warn-and-continue), the
	// check exists only to surface a likely misconfiguration. The ELF machine
	// type is the only Cortex-M-vs-not signal a standard object file carries
	// (the exact core variant, e.g. M0 vs M4, isn't recoverable from
	// e_machine alone), so this checks the core string names a Cortex-M part
	// and that the ELF itself is built for the ARM machine type.
	return strings.HasPrefix(core, "cortex-m") && ev.Machine == elf.EM_ARM
}

// computeStackInfo finds the RAM region containing initialSP-1 and whether
// any loaded static data lies strictly below that region's low address.
func computeStackInfo(ev *elfview.ElfView, mem []probe.MemoryRegion) *StackInfo {
	target := ev.InitialSP - 1
	for _, region := range mem {
		if region.Kind != probe.RegionRAM {
			continue
		}
		if region.Range.Contains(target) {
			return &StackInfo{
				Range:          region.Range,
				DataBelowStack: dataBelow(ev, region.Range.Low),
			}
		}
	}
	return nil
}

// dataBelow reports whether any loaded (PT_LOAD) segment occupies an address
// strictly below low, per the design data_below_stack definition.
func dataBelow(ev *elfview.ElfView, low uint32) bool {
	for _, seg := range ev.LoadedSegments {
		if seg.Low < low {
			return true
		}
	}
	return false
}
