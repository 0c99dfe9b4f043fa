/*
Copyright 2023 Avi Zimmerman <avi.zimmerman@gmail.com>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config contains configuration options and the persistent config
// store for the closednet CLI and daemon.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/closednet/closednet/pkg/crypto"
	"github.com/closednet/closednet/pkg/trust"
)

const (
	// APIVersion is the version of the config format.
	APIVersion = "closednet.io/v1"
	// Kind is the kind of the configuration. It should always be "Config".
	Kind = "Config"
)

var (
	// ErrNoIdentity is returned when no identity is configured.
	ErrNoIdentity = errors.New("no identity configured")
	// ErrNoGroupSecret is returned when no group secret is configured.
	ErrNoGroupSecret = errors.New("no group secret configured")
	// ErrMemberExists is returned when adding a roster name twice.
	ErrMemberExists = errors.New("member already exists")
	// ErrMemberNotFound is returned when removing an unknown roster name.
	ErrMemberNotFound = errors.New("member not found")
)

// DefaultConfigPath is the default path to the config file.
var DefaultConfigPath = filepath.Join(".closednet", "config.yaml")

func init() {
	userHomeDir, err := os.UserHomeDir()
	if err == nil {
		DefaultConfigPath = filepath.Join(userHomeDir, DefaultConfigPath)
	}
}

// DefaultName is the default member name used if no other is configured.
var DefaultName = func() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return uuid.NewString()
	}
	return hostname
}()

// Config is the closednet configuration.
type Config struct {
	// APIVersion is the version of the config format.
	APIVersion string `yaml:"apiVersion" json:"apiVersion" toml:"apiVersion"`
	// Kind is the kind of the configuration. It should always be "Config".
	Kind string `yaml:"kind" json:"kind" toml:"kind"`
	// Name is this member's name within the group.
	Name string `yaml:"name" json:"name" toml:"name"`
	// LogLevel is the log level.
	LogLevel string `yaml:"logLevel,omitempty" json:"logLevel,omitempty" toml:"logLevel,omitempty"`
	// Group are the group options.
	Group GroupOptions `yaml:"group" json:"group" toml:"group"`
	// Identity is this member's signing identity.
	Identity IdentityOptions `yaml:"identity" json:"identity" toml:"identity"`
	// Directory are the directory service options.
	Directory DirectoryOptions `yaml:"directory" json:"directory" toml:"directory"`
	// WireGuard are the interface options.
	WireGuard WireGuardOptions `yaml:"wireguard" json:"wireguard" toml:"wireguard"`
	// Discovery are the discovery loop options.
	Discovery DiscoveryOptions `yaml:"discovery" json:"discovery" toml:"discovery"`
	// Metrics are the metrics server options.
	Metrics MetricsOptions `yaml:"metrics" json:"metrics" toml:"metrics"`
	// Roster is the list of pinned members.
	Roster []RosterEntry `yaml:"roster" json:"roster" toml:"roster"`
}

// RosterEntry is a pinned member. PublicKey holds the key text as it was
// shared, usually PEM.
type RosterEntry struct {
	// Name is the member's name.
	Name string `yaml:"name" json:"name" toml:"name"`
	// PublicKey is the member's public key.
	PublicKey string `yaml:"publicKey" json:"publicKey" toml:"publicKey"`
}

// New returns a new config with default options.
func New() *Config {
	return &Config{
		APIVersion: APIVersion,
		Kind:       Kind,
		Name:       DefaultName,
		LogLevel:   "info",
		Group:      NewGroupOptions(),
		Identity:   IdentityOptions{},
		Directory:  NewDirectoryOptions(),
		WireGuard:  NewWireGuardOptions(),
		Discovery:  NewDiscoveryOptions(),
		Metrics:    NewMetricsOptions(),
		Roster:     []RosterEntry{},
	}
}

// BindFlags binds the flags. The config is returned for convenience.
func (c *Config) BindFlags(prefix string, fs *pflag.FlagSet) *Config {
	fs.StringVar(&c.Name, prefix+"name", c.Name, "This member's name within the group.")
	fs.StringVar(&c.LogLevel, prefix+"log-level", c.LogLevel, "Log level (debug, info, warn, error, silent).")
	c.Group.BindFlags(prefix, fs)
	c.Directory.BindFlags(prefix, fs)
	c.WireGuard.BindFlags(prefix, fs)
	c.Discovery.BindFlags(prefix, fs)
	c.Metrics.BindFlags(prefix, fs)
	return c
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.APIVersion != "" && c.APIVersion != APIVersion {
		return fmt.Errorf("unsupported apiVersion %q", c.APIVersion)
	}
	if c.Kind != "" && c.Kind != Kind {
		return fmt.Errorf("unsupported kind %q", c.Kind)
	}
	if c.Name == "" {
		return fmt.Errorf("name must be set")
	}
	if err := c.Group.Validate(); err != nil {
		return err
	}
	if err := c.Identity.Validate(); err != nil {
		return err
	}
	if err := c.Directory.Validate(); err != nil {
		return err
	}
	if err := c.WireGuard.Validate(); err != nil {
		return err
	}
	if err := c.Discovery.Validate(); err != nil {
		return err
	}
	if err := c.Metrics.Validate(); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(c.Roster))
	for _, entry := range c.Roster {
		if entry.Name == "" {
			return fmt.Errorf("roster entries must have a name")
		}
		if _, ok := seen[entry.Name]; ok {
			return fmt.Errorf("%w: %s", ErrMemberExists, entry.Name)
		}
		seen[entry.Name] = struct{}{}
	}
	return nil
}

// LoadIdentity parses the configured identity.
func (c *Config) LoadIdentity() (*crypto.Identity, error) {
	return c.Identity.Load()
}

// GroupSecret returns the group secret.
func (c *Config) GroupSecret() crypto.GroupSecret {
	return crypto.GroupSecret(c.Group.Secret)
}

// TrustRoster converts the roster for the reconciler.
func (c *Config) TrustRoster() []trust.RosterEntry {
	out := make([]trust.RosterEntry, 0, len(c.Roster))
	for _, entry := range c.Roster {
		out = append(out, trust.RosterEntry{Name: entry.Name, PublicKey: []byte(entry.PublicKey)})
	}
	return out
}

// DeepCopy returns a copy of the config that shares no slices with c.
func (c *Config) DeepCopy() *Config {
	out := *c
	out.Roster = append([]RosterEntry{}, c.Roster...)
	return &out
}

// Format is a config file encoding.
type Format string

const (
	// FormatYAML is YAML, the default.
	FormatYAML Format = "yaml"
	// FormatTOML is TOML.
	FormatTOML Format = "toml"
	// FormatJSON is JSON.
	FormatJSON Format = "json"
)

// FormatFor returns the format for a file name, based on its extension.
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML
	case ".json":
		return FormatJSON
	default:
		return FormatYAML
	}
}

// Marshal writes the config to w in the given format.
func (c *Config) Marshal(w io.Writer, format Format) error {
	switch format {
	case FormatTOML:
		return toml.NewEncoder(w).Encode(c)
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(c)
	default:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(c); err != nil {
			return err
		}
		return enc.Close()
	}
}

// Unmarshal reads a config in the given format from r. Fields absent from
// the input keep their current values.
func (c *Config) Unmarshal(r io.Reader, format Format) error {
	var err error
	switch format {
	case FormatTOML:
		err = toml.NewDecoder(r).Decode(c)
	case FormatJSON:
		err = json.NewDecoder(r).Decode(c)
	default:
		err = yaml.NewDecoder(r).Decode(c)
		if errors.Is(err, io.EOF) {
			err = nil
		}
	}
	if err != nil {
		return fmt.Errorf("decode %s config: %w", format, err)
	}
	if c.Roster == nil {
		c.Roster = []RosterEntry{}
	}
	return nil
}
