package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"corrald/services/conductor/hardware"
)

// DriverSpec is the YAML shape of one driver bundle declaration.
type DriverSpec struct {
	Name      string              `yaml:"name"`
	Defaults  map[string]string   `yaml:"defaults"`
	Supported map[string][]string `yaml:"supported"`
}

type driverFile struct {
	Drivers []DriverSpec `yaml:"drivers"`
}

// LoadDriverSpecs parses a driver-bundle file. An empty path yields nil.
func LoadDriverSpecs(path string) ([]DriverSpec, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read drivers file: %w", err)
	}
	var file driverFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse drivers file: %w", err)
	}
	return file.Drivers, nil
}

// RegisterDriverSpecs declares each parsed bundle against reg. The named
// implementations must already be registered.
func RegisterDriverSpecs(reg *hardware.Registry, specs []DriverSpec) error {
	for _, spec := range specs {
		d := hardware.Driver{
			Name:      spec.Name,
			Defaults:  make(map[hardware.InterfaceType]string, len(spec.Defaults)),
			Supported: make(map[hardware.InterfaceType][]string, len(spec.Supported)),
		}
		for ifaceType, name := range spec.Defaults {
			d.Defaults[hardware.InterfaceType(ifaceType)] = name
		}
		for ifaceType, names := range spec.Supported {
			d.Supported[hardware.InterfaceType(ifaceType)] = names
		}
		if err := reg.RegisterDriver(d); err != nil {
			return err
		}
	}
	return nil
}
