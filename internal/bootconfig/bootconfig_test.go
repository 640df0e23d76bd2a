package bootconfig

import (
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/DylanGTech/PiousOS/internal/firmware"
	"github.com/DylanGTech/PiousOS/internal/loader"
)

const sampleMachine = `
version: 1
memoryMB: 16
firmware:
  revision: "2.80"
  configurationTables:
    - guid: eb9d2d30-2d88-11d3-9a16-0090273fc14d
      address: 0xfe000
regions:
  - {type: Reserved, start: 0, pages: 0x200}
  - {type: Conventional, start: 0x200000, pages: 2}
  - {type: Reserved, start: 0x202000, pages: 0x1fe}
  - {type: Conventional, start: 0x400000, pages: 0xc00}
faults:
  staleKeys: 1
  dirtyRanges:
    - {start: 0x400000, size: 0x1000}
  denyPages: [0x401000]
loader:
  preferredAddress: 0x200000
  convention: ms
  options: debug
kernel:
  trapBase: 0x800000
`

func TestParse(t *testing.T) {
	m, err := Parse([]byte(sampleMachine))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.MemorySize() != 16<<20 || m.Loader.PreferredAddress != 0x200000 || m.Kernel.TrapBase != 0x800000 {
		t.Fatalf("machine %+v", m)
	}
	// defaults
	if m.Loader.KernelPath != DefaultKernelPath || m.Loader.StackPages != loader.DefaultStackPages || m.Firmware.DescriptorSize != firmware.DefaultDescriptorSize {
		t.Fatalf("defaults not applied: %+v", m.Loader)
	}

	cfg, err := m.SimulatorConfig()
	if err != nil {
		t.Fatalf("SimulatorConfig: %v", err)
	}
	if cfg.Revision != 2<<16|80 || cfg.StaleKeys != 1 || len(cfg.Layout) != 4 {
		t.Fatalf("simulator config %+v", cfg)
	}
	if cfg.Layout[1].Type != firmware.ConventionalMemory || cfg.Layout[1].Attribute != firmware.AttributeWB {
		t.Fatalf("region %+v", cfg.Layout[1])
	}
	if !reflect.DeepEqual(cfg.DenyPages, []uint64{0x401000}) || cfg.DirtyRanges[0] != (firmware.Range{Start: 0x400000, Size: 0x1000}) {
		t.Fatalf("faults %+v %+v", cfg.DenyPages, cfg.DirtyRanges)
	}
	if got := cfg.ConfigurationTables[0].VendorGUID.String(); got != "eb9d2d30-2d88-11d3-9a16-0090273fc14d" {
		t.Fatalf("GUID round trip %s", got)
	}
}

func TestParseRejects(t *testing.T) {
	for name, doc := range map[string]string{
		"version":    "version: 2",
		"revision":   "firmware: {revision: two}",
		"convention": "loader: {convention: pascal}",
		"type":       "regions: [{type: Bogus, start: 0, pages: 1}]",
		"unaligned":  "regions: [{type: Conventional, start: 0x10, pages: 1}]",
		"too large":  "memoryMB: 1\nregions: [{type: Conventional, start: 0, pages: 0x1000}]",
		"guid":       "firmware: {configurationTables: [{guid: nope, address: 1}]}",
		"yaml":       "loader: [",
	} {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestWriteLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "machine.yaml")
	want := Default()
	want.Loader.Options = "quiet"
	if err := Write(path, want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("round trip\n got %+v\nwant %+v", got, want)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil || !strings.Contains(err.Error(), "missing.yaml") {
		t.Fatalf("Load missing file: %v", err)
	}
}

func TestParseGUID(t *testing.T) {
	g, err := ParseGUID("8868e871-e4f1-11d3-bc22-0080c73c8881")
	if err != nil {
		t.Fatalf("ParseGUID: %v", err)
	}
	if g[0] != 0x71 || g[3] != 0x88 || g[8] != 0xbc || g[15] != 0x81 {
		t.Fatalf("GUID bytes % x", g)
	}
	if g.String() != "8868e871-e4f1-11d3-bc22-0080c73c8881" {
		t.Fatalf("String %s", g)
	}
}
