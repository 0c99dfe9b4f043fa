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

package wireguard

import (
	"fmt"
	"net/netip"
	"strings"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// InterfaceConfig is the [Interface] section of a wg-quick config.
type InterfaceConfig struct {
	// PrivateKey is the base64 wireguard private key.
	PrivateKey string
	// Address is the interface's tunnel address.
	Address netip.Prefix
	// ListenPort is the UDP port to listen on.
	ListenPort int
}

// NewInterfaceConfig generates a fresh private key for an interface.
func NewInterfaceConfig(address netip.Prefix, listenPort int) (*InterfaceConfig, error) {
	key, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}
	if listenPort == 0 {
		listenPort = DefaultListenPort
	}
	return &InterfaceConfig{
		PrivateKey: key.String(),
		Address:    address,
		ListenPort: listenPort,
	}, nil
}

// PublicKey returns the public key for the config's private key.
func (c *InterfaceConfig) PublicKey() (string, error) {
	return PublicKeyOf(c.PrivateKey)
}

// Render returns the config in wg-quick format.
func (c *InterfaceConfig) Render() string {
	var b strings.Builder
	b.WriteString("[Interface]\n")
	fmt.Fprintf(&b, "PrivateKey = %s\n", c.PrivateKey)
	if c.Address.IsValid() {
		fmt.Fprintf(&b, "Address = %s\n", c.Address)
	}
	if c.ListenPort > 0 {
		fmt.Fprintf(&b, "ListenPort = %d\n", c.ListenPort)
	}
	return b.String()
}

// PublicKeyOf derives a wireguard public key from a base64 private key.
func PublicKeyOf(privateKey string) (string, error) {
	key, err := wgtypes.ParseKey(strings.TrimSpace(privateKey))
	if err != nil {
		return "", fmt.Errorf("parse private key: %w", err)
	}
	return key.PublicKey().String(), nil
}

// ValidKey returns true if s is a base64 encoded wireguard key.
func ValidKey(s string) bool {
	_, err := wgtypes.ParseKey(s)
	return err == nil
}

// CanonicalKey returns the form of a wireguard key the kernel reports.
// Base64 text with non-zero trailing bits decodes to the same key, so
// keys must be canonicalized before they are compared.
func CanonicalKey(s string) (string, error) {
	key, err := wgtypes.ParseKey(strings.TrimSpace(s))
	if err != nil {
		return "", err
	}
	return key.String(), nil
}
