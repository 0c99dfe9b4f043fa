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

package netmanager

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/closednet/closednet/pkg/context"
	"github.com/closednet/closednet/pkg/wireguard"
)

// Initialize makes sure the interface exists and is up, and learns its
// public key. A missing interface config is created with a new key.
func (m *Manager) Initialize(ctx context.Context) error {
	iface := m.conf.WireGuard.InterfaceName
	ctrl := m.opts.Controller
	exists, err := ctrl.InterfaceExists(ctx, iface)
	if err != nil {
		return fmt.Errorf("check interface: %w", err)
	}
	if !exists {
		if err := m.createInterface(ctx, iface); err != nil {
			return err
		}
	}
	up, err := ctrl.IsUp(ctx, iface)
	if err != nil {
		return fmt.Errorf("check interface state: %w", err)
	}
	if !up {
		m.log.Info("Bringing up interface", slog.String("interface", iface))
		if err := ctrl.Up(ctx, iface); err != nil {
			return fmt.Errorf("bring up %s: %w", iface, err)
		}
	}
	status, err := ctrl.Show(ctx, iface)
	if err != nil {
		return fmt.Errorf("show %s: %w", iface, err)
	}
	if !status.IsUp() || status.PublicKey == "" {
		return fmt.Errorf("%w: %s has no public key", ErrNotInitialized, iface)
	}
	m.mu.Lock()
	m.ownKey = status.PublicKey
	m.mu.Unlock()
	m.log.Info("Interface ready",
		slog.String("interface", iface),
		slog.String("public-key", status.PublicKey),
		slog.Int("listen-port", status.ListenPort))
	return nil
}

func (m *Manager) createInterface(ctx context.Context, iface string) error {
	addr, _ := m.conf.WireGuard.AddressPrefix()
	ifaceConf, err := wireguard.NewInterfaceConfig(addr, m.conf.WireGuard.ListenPort)
	if err != nil {
		return fmt.Errorf("generate interface config: %w", err)
	}
	m.log.Info("Creating interface config", slog.String("interface", iface), slog.String("address", addr.String()))
	err = m.opts.Controller.CreateInterface(ctx, iface, ifaceConf.Render())
	if err != nil && !errors.Is(err, wireguard.ErrInterfaceExists) {
		return fmt.Errorf("create interface %s: %w", iface, err)
	}
	return nil
}
