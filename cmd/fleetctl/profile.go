package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
)

// Profiles is the fleetctl config file. Values may reference environment
// variables as ${VAR}.
type Profiles struct {
	Default  string             `toml:"default"`
	Profiles map[string]Profile `toml:"profiles"`
}

type Profile struct {
	Server string `toml:"server"`
	Token  string `toml:"token"`
	APIKey string `toml:"api_key"`
}

func defaultProfilePath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "silo-fleet", "fleetctl.toml")
	}
	return "fleetctl.toml"
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}"))
	})
}

// LoadProfiles reads path. A missing file yields an empty config.
func LoadProfiles(path string) (*Profiles, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Profiles{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var p Profiles
	if _, err := toml.Decode(expandEnvVars(string(data)), &p); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &p, nil
}

// Resolve picks the named profile, or the default one when name is
// empty. An unknown explicit name is an error.
func (p *Profiles) Resolve(name string) (Profile, error) {
	if name == "" {
		name = p.Default
	}
	if name == "" {
		return Profile{}, nil
	}
	prof, ok := p.Profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("profile %q not found", name)
	}
	return prof, nil
}

// Save writes the config, creating the parent directory.
func (p *Profiles) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(p); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
