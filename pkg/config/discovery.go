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
	"time"

	"github.com/spf13/pflag"

	"github.com/closednet/closednet/pkg/discovery"
	"github.com/closednet/closednet/pkg/endpoints"
)

// DefaultRepublishInterval is how often the announcement is refreshed.
const DefaultRepublishInterval = 10 * time.Minute

// DiscoveryOptions are options for finding and applying peers.
type DiscoveryOptions struct {
	// Interval is the time between discovery cycles.
	Interval Duration `yaml:"interval,omitempty" json:"interval,omitempty" toml:"interval,omitempty"`
	// RepublishInterval is how often the announcement is republished.
	RepublishInterval Duration `yaml:"republishInterval,omitempty" json:"republishInterval,omitempty" toml:"republishInterval,omitempty"`
	// StopTimeout bounds how long shutdown waits for a running cycle.
	StopTimeout Duration `yaml:"stopTimeout,omitempty" json:"stopTimeout,omitempty" toml:"stopTimeout,omitempty"`
	// MaxAge drops announcements older than this. Zero disables the check.
	MaxAge Duration `yaml:"maxAge,omitempty" json:"maxAge,omitempty" toml:"maxAge,omitempty"`
	// Prune removes peers that are no longer trusted.
	Prune bool `yaml:"prune" json:"prune" toml:"prune"`
	// Endpoint is the endpoint to announce. Detected when empty.
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty" toml:"endpoint,omitempty"`
	// DetectIPv6 detects a public IPv6 endpoint when none is configured.
	DetectIPv6 bool `yaml:"detectIPv6" json:"detectIPv6" toml:"detectIPv6"`
	// STUNServer is used for STUN based detection.
	STUNServer string `yaml:"stunServer,omitempty" json:"stunServer,omitempty" toml:"stunServer,omitempty"`
	// DisableRemoteDetection only uses local detection methods.
	DisableRemoteDetection bool `yaml:"disableRemoteDetection,omitempty" json:"disableRemoteDetection,omitempty" toml:"disableRemoteDetection,omitempty"`
}

// NewDiscoveryOptions returns discovery options with sensible defaults.
func NewDiscoveryOptions() DiscoveryOptions {
	return DiscoveryOptions{
		Interval:          NewDuration(discovery.DefaultInterval),
		RepublishInterval: NewDuration(DefaultRepublishInterval),
		StopTimeout:       NewDuration(discovery.DefaultStopTimeout),
		MaxAge:            NewDuration(0),
		Prune:             true,
		DetectIPv6:        true,
		STUNServer:        endpoints.DefaultSTUNServer,
	}
}

// BindFlags binds the flags.
func (o *DiscoveryOptions) BindFlags(prefix string, fs *pflag.FlagSet) {
	fs.DurationVar(&o.Interval.Duration, prefix+"discovery.interval", o.Interval.Duration, "Time between discovery cycles.")
	fs.DurationVar(&o.RepublishInterval.Duration, prefix+"discovery.republish-interval", o.RepublishInterval.Duration, "How often the announcement is republished.")
	fs.DurationVar(&o.StopTimeout.Duration, prefix+"discovery.stop-timeout", o.StopTimeout.Duration, "How long shutdown waits for a running cycle.")
	fs.DurationVar(&o.MaxAge.Duration, prefix+"discovery.max-age", o.MaxAge.Duration, "Drop announcements older than this. Zero disables the check.")
	fs.BoolVar(&o.Prune, prefix+"discovery.prune", o.Prune, "Remove peers that are no longer trusted.")
	fs.StringVar(&o.Endpoint, prefix+"discovery.endpoint", o.Endpoint, "The endpoint to announce. Detected when empty.")
	fs.BoolVar(&o.DetectIPv6, prefix+"discovery.detect-ipv6", o.DetectIPv6, "Detect a public IPv6 endpoint when none is configured.")
	fs.StringVar(&o.STUNServer, prefix+"discovery.stun-server", o.STUNServer, "STUN server used for endpoint detection.")
	fs.BoolVar(&o.DisableRemoteDetection, prefix+"discovery.disable-remote-detection", o.DisableRemoteDetection, "Only use local endpoint detection.")
}

// Validate validates the options.
func (o *DiscoveryOptions) Validate() error {
	if o.Interval.Duration <= 0 {
		return fmt.Errorf("discovery.interval must be greater than 0")
	}
	if o.RepublishInterval.Duration <= 0 {
		return fmt.Errorf("discovery.republish-interval must be greater than 0")
	}
	if o.StopTimeout.Duration <= 0 {
		return fmt.Errorf("discovery.stop-timeout must be greater than 0")
	}
	if o.MaxAge.Duration < 0 {
		return fmt.Errorf("discovery.max-age must not be negative")
	}
	if o.Endpoint == "" && !o.DetectIPv6 {
		return fmt.Errorf("discovery.endpoint must be set when detection is disabled")
	}
	return nil
}
