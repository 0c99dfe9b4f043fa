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
	"net/netip"
	"time"

	"github.com/spf13/pflag"

	"github.com/closednet/closednet/pkg/wireguard"
)

const (
	// DefaultInterfaceName is the default wireguard interface name.
	DefaultInterfaceName = "closednet0"
	// DefaultAddress is the default tunnel address of the interface.
	DefaultAddress = "10.0.0.1/24"
	// DefaultNetwork is the range routed to members that do not announce an
	// address.
	DefaultNetwork = "10.0.0.0/24"
)

// WireGuardOptions are options for configuring the WireGuard interface.
type WireGuardOptions struct {
	// InterfaceName is the name of the interface.
	InterfaceName string `yaml:"interface" json:"interface" toml:"interface"`
	// ConfigDir is where the interface config lives.
	ConfigDir string `yaml:"configDir,omitempty" json:"configDir,omitempty" toml:"configDir,omitempty"`
	// ListenPort is the port to listen on.
	ListenPort int `yaml:"listenPort,omitempty" json:"listenPort,omitempty" toml:"listenPort,omitempty"`
	// Address is this member's tunnel address in CIDR form.
	Address string `yaml:"address,omitempty" json:"address,omitempty" toml:"address,omitempty"`
	// Network is the allowed range for members without an announced address.
	Network string `yaml:"network,omitempty" json:"network,omitempty" toml:"network,omitempty"`
	// PersistentKeepAlive is the keepalive interval applied to peers.
	PersistentKeepAlive Duration `yaml:"persistentKeepAlive,omitempty" json:"persistentKeepAlive,omitempty" toml:"persistentKeepAlive,omitempty"`
	// EndpointPort is the port advertised in the endpoint. Defaults to the
	// listen port.
	EndpointPort int `yaml:"endpointPort,omitempty" json:"endpointPort,omitempty" toml:"endpointPort,omitempty"`
	// RecordMetrics enables recording of WireGuard metrics. These are only exposed if the
	// metrics server is enabled.
	RecordMetrics bool `yaml:"recordMetrics,omitempty" json:"recordMetrics,omitempty" toml:"recordMetrics,omitempty"`
	// RecordMetricsInterval is the interval at which to update WireGuard metrics.
	RecordMetricsInterval Duration `yaml:"recordMetricsInterval,omitempty" json:"recordMetricsInterval,omitempty" toml:"recordMetricsInterval,omitempty"`
}

// NewWireGuardOptions returns a new WireGuardOptions with sensible defaults.
func NewWireGuardOptions() WireGuardOptions {
	return WireGuardOptions{
		InterfaceName:         DefaultInterfaceName,
		ConfigDir:             wireguard.DefaultConfigDir,
		ListenPort:            wireguard.DefaultListenPort,
		Address:               DefaultAddress,
		Network:               DefaultNetwork,
		PersistentKeepAlive:   NewDuration(0),
		RecordMetrics:         false,
		RecordMetricsInterval: NewDuration(10 * time.Second),
	}
}

// BindFlags binds the flags.
func (o *WireGuardOptions) BindFlags(prefix string, fs *pflag.FlagSet) {
	fs.StringVar(&o.InterfaceName, prefix+"wireguard.interface", o.InterfaceName, "The name of the interface.")
	fs.StringVar(&o.ConfigDir, prefix+"wireguard.config-dir", o.ConfigDir, "The directory holding wg-quick configs.")
	fs.IntVar(&o.ListenPort, prefix+"wireguard.listen-port", o.ListenPort, "The port to listen on.")
	fs.StringVar(&o.Address, prefix+"wireguard.address", o.Address, "This member's tunnel address in CIDR form.")
	fs.StringVar(&o.Network, prefix+"wireguard.network", o.Network, "Allowed range for members that do not announce an address.")
	fs.DurationVar(&o.PersistentKeepAlive.Duration, prefix+"wireguard.persistent-keepalive", o.PersistentKeepAlive.Duration, "The interval at which to send keepalive packets to peers.")
	fs.IntVar(&o.EndpointPort, prefix+"wireguard.endpoint-port", o.EndpointPort, "The port advertised to other members. Defaults to the listen port.")
	fs.BoolVar(&o.RecordMetrics, prefix+"wireguard.record-metrics", o.RecordMetrics, "Record WireGuard metrics. These are only exposed if the metrics server is enabled.")
	fs.DurationVar(&o.RecordMetricsInterval.Duration, prefix+"wireguard.record-metrics-interval", o.RecordMetricsInterval.Duration, "The interval at which to update WireGuard metrics.")
}

// Validate validates the options.
func (o *WireGuardOptions) Validate() error {
	if o.InterfaceName == "" {
		return fmt.Errorf("wireguard.interface must be set")
	}
	if len(o.InterfaceName) > 15 {
		return fmt.Errorf("wireguard.interface must be at most 15 characters")
	}
	if o.ListenPort <= 0 || o.ListenPort > 65535 {
		return fmt.Errorf("wireguard.listen-port must be between 1 and 65535")
	}
	if o.EndpointPort < 0 || o.EndpointPort > 65535 {
		return fmt.Errorf("wireguard.endpoint-port must be between 0 and 65535")
	}
	if o.Address != "" {
		if _, err := netip.ParsePrefix(o.Address); err != nil {
			return fmt.Errorf("wireguard.address: %w", err)
		}
	}
	if _, err := o.AllowedIPs(); err != nil {
		return err
	}
	if o.PersistentKeepAlive.Duration < 0 {
		return fmt.Errorf("wireguard.persistent-keepalive must not be negative")
	}
	if o.RecordMetrics && o.RecordMetricsInterval.Duration <= 0 {
		return fmt.Errorf("wireguard.record-metrics-interval must be greater than 0")
	}
	return nil
}

// AddressPrefix returns the parsed tunnel address, if any.
func (o *WireGuardOptions) AddressPrefix() (netip.Prefix, bool) {
	p, err := netip.ParsePrefix(o.Address)
	if err != nil {
		return netip.Prefix{}, false
	}
	return p, true
}

// AllowedIPs returns the fallback allowed range for peers.
func (o *WireGuardOptions) AllowedIPs() ([]netip.Prefix, error) {
	if o.Network == "" {
		return nil, nil
	}
	p, err := netip.ParsePrefix(o.Network)
	if err != nil {
		return nil, fmt.Errorf("wireguard.network: %w", err)
	}
	return []netip.Prefix{p.Masked()}, nil
}

// AdvertisedPort returns the port members should dial.
func (o *WireGuardOptions) AdvertisedPort() int {
	if o.EndpointPort > 0 {
		return o.EndpointPort
	}
	return o.ListenPort
}
