// Package hwprofile describes the per-platform quirks launch needs to
// pick the right DMA-protection register coordinates and recognize a
// PSP device: the things original_source/dev.c and psp.c hardcode as C
// constants and static tables, expressed instead as data a deployment
// can override without a rebuild.
package hwprofile

import (
	"fmt"

	"gopkg.in/yaml.v2"

	"github.com/oracle/secure-kernel-loader/psp"
)

// PCICoord names a PCI function by bus/device/function, the same triple
// devprot and psp address configuration space with.
type PCICoord struct {
	Bus      uint8 `yaml:"bus"`
	Device   uint8 `yaml:"device"`
	Function uint8 `yaml:"function"`
}

// DEVProfile carries the legacy Device Exclusion Vector coordinates.
type DEVProfile struct {
	Coord       PCICoord `yaml:"coord"`
	MaxCPUNodes uint8    `yaml:"max_cpu_nodes"`
}

// MemProtProfile carries the Family 17h+ memory controller coordinates.
type MemProtProfile struct {
	Coord       PCICoord `yaml:"coord"`
	MaxCPUNodes uint8    `yaml:"max_cpu_nodes"`
}

// PSPDevice mirrors psp.Device for YAML round-tripping; psp.Version is
// stored by name so the file stays readable.
type PSPDevice struct {
	VendorID uint16 `yaml:"vendor_id"`
	DeviceID uint16 `yaml:"device_id"`
	Version  string `yaml:"version"`
}

// Profile is the full set of hardware quirks for one platform family.
type Profile struct {
	Name       string         `yaml:"name"`
	DEV        DEVProfile     `yaml:"dev"`
	MemProt    MemProtProfile `yaml:"memprot"`
	PSPDevices []PSPDevice    `yaml:"psp_devices"`
}

var versionByName = map[string]psp.Version{
	"none": psp.VersionNone,
	"v1":   psp.VersionV1,
	"v2":   psp.VersionV2,
	"v3":   psp.VersionV3,
}

// PSPDeviceTable converts the profile's PSP allow-list into the form
// psp.Locate consumes.
func (p Profile) PSPDeviceTable() ([]psp.Device, error) {
	out := make([]psp.Device, 0, len(p.PSPDevices))

	for _, d := range p.PSPDevices {
		v, ok := versionByName[d.Version]
		if !ok {
			return nil, fmt.Errorf("hwprofile: unknown psp version %q for device %#04x:%#04x", d.Version, d.VendorID, d.DeviceID)
		}

		out = append(out, psp.Device{VendorID: d.VendorID, DeviceID: d.DeviceID, Version: v})
	}

	return out, nil
}

// Default is the AMD Family 17h+ (Zen and newer) profile, matching the
// constants original_source/dev.c and psp.c hardcode.
var Default = Profile{
	Name: "amd-family17h",
	DEV: DEVProfile{
		Coord:       PCICoord{Bus: 0, Device: 0x18, Function: 3},
		MaxCPUNodes: 8,
	},
	MemProt: MemProtProfile{
		Coord:       PCICoord{Bus: 0, Device: 0x18, Function: 0},
		MaxCPUNodes: 8,
	},
	PSPDevices: []PSPDevice{
		{VendorID: 0x1022, DeviceID: 0x1537, Version: "none"},
		{VendorID: 0x1022, DeviceID: 0x1456, Version: "v1"},
		{VendorID: 0x1022, DeviceID: 0x1468, Version: "none"},
		{VendorID: 0x1022, DeviceID: 0x1486, Version: "v2"},
		{VendorID: 0x1022, DeviceID: 0x15DF, Version: "v3"},
		{VendorID: 0x1022, DeviceID: 0x1649, Version: "v2"},
		{VendorID: 0x1022, DeviceID: 0x14CA, Version: "v3"},
		{VendorID: 0x1022, DeviceID: 0x15C7, Version: "none"},
	},
}

// Load parses a YAML-encoded profile, as produced by marshaling Default
// or hand-authored for a new platform.
func Load(data []byte) (Profile, error) {
	var p Profile

	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("hwprofile: parse: %w", err)
	}

	if len(p.PSPDevices) == 0 {
		return Profile{}, fmt.Errorf("hwprofile: profile %q declares no psp devices", p.Name)
	}

	return p, nil
}

// Marshal serializes p back to YAML, mainly so Default can seed a
// starting point for a deployment's own profile file.
func Marshal(p Profile) ([]byte, error) {
	return yaml.Marshal(p)
}
