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

package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/spf13/pflag"
)

// MetricsOptions are options for exposing metrics.
type MetricsOptions struct {
	// Enabled is true if metrics should be served.
	Enabled bool `yaml:"enabled" json:"enabled" toml:"enabled"`
	// ListenAddress is the address to listen on for metrics.
	ListenAddress string `yaml:"listenAddress,omitempty" json:"listenAddress,omitempty" toml:"listenAddress,omitempty"`
	// Path is the path to serve metrics on.
	Path string `yaml:"path,omitempty" json:"path,omitempty" toml:"path,omitempty"`
}

// NewMetricsOptions creates a new MetricsOptions with default values.
func NewMetricsOptions() MetricsOptions {
	return MetricsOptions{
		Enabled:       false,
		ListenAddress: ":8080",
		Path:          "/metrics",
	}
}

// BindFlags binds the flags.
func (o *MetricsOptions) BindFlags(prefix string, fs *pflag.FlagSet) {
	fs.BoolVar(&o.Enabled, prefix+"metrics.enabled", o.Enabled, "Serve prometheus metrics.")
	fs.StringVar(&o.ListenAddress, prefix+"metrics.listen-address", o.ListenAddress, "Metrics listen address.")
	fs.StringVar(&o.Path, prefix+"metrics.path", o.Path, "Metrics path.")
}

// Validate validates the options.
func (o *MetricsOptions) Validate() error {
	if !o.Enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(o.ListenAddress); err != nil {
		return fmt.Errorf("metrics.listen-address: %w", err)
	}
	if !strings.HasPrefix(o.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}
	return nil
}
