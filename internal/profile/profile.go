// Package profile holds the per-VM settings the CLI reads from a YAML file:
// CPU count, RAM size, kernel path, the console identity embedded into the
// kernel configuration and the debugger listen address.
package profile

import (
	"fmt"
	"os"

	"github.com/orbvm/orbvm/internal/bootenv"
	"gopkg.in/yaml.v3"
)

type Profile struct {
	Name      string `yaml:"name"`
	CpuCount  int    `yaml:"cpu_count"`
	RamSize   uint64 `yaml:"ram_size"`
	Kernel    string `yaml:"kernel"`
	DebugAddr string `yaml:"debug_addr"`

	// ConsoleId is the IDPS identity as 16 hex-encoded bytes. Empty means
	// the default identity.
	ConsoleId string `yaml:"console_id"`
}

// Default returns the settings used when no profile file is given.
func Default() *Profile {
	return &Profile{
		Name:     "default",
		CpuCount: 8,
		RamSize:  1024 * 1024 * 1024 * 8,
	}
}

// Load reads the profile at path on top of the defaults.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("couldn't read %s: %w", path, err)
	}

	p := Default()

	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("couldn't parse %s: %w", path, err)
	}

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid profile %s: %w", path, err)
	}

	return p, nil
}

func (p *Profile) Save(path string) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("couldn't write %s: %w", path, err)
	}

	return nil
}

func (p *Profile) Validate() error {
	if p.CpuCount < 1 {
		return fmt.Errorf("cpu_count must be at least 1, not %d", p.CpuCount)
	}

	if p.RamSize == 0 {
		return fmt.Errorf("ram_size must not be zero")
	}

	if p.ConsoleId != "" {
		if _, err := bootenv.ParseConsoleId(p.ConsoleId); err != nil {
			return err
		}
	}

	return nil
}

// KernelConfig builds the configuration block passed to the guest kernel.
func (p *Profile) KernelConfig() (bootenv.Config, error) {
	idps := bootenv.DefaultConsoleId()

	if p.ConsoleId != "" {
		var err error

		if idps, err = bootenv.ParseConsoleId(p.ConsoleId); err != nil {
			return bootenv.Config{}, err
		}
	}

	return bootenv.Config{MaxCpu: uint64(p.CpuCount), Idps: idps}, nil
}
