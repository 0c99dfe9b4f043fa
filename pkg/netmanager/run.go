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

// Start starts publishing and discovery in the background. Initialize must
// have succeeded. Start is a no-op if already started.
func (m *Manager) Start(ctx context.Context) error {
	if _, ok := m.OwnKey(); !ok {
		return ErrNotInitialized
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.running = true
	m.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.republish(runCtx, m.conf.Discovery.RepublishInterval.Duration)
	}()
	if m.conf.WireGuard.RecordMetrics {
		recorder := wireguard.NewMetricsRecorder(runCtx, m.opts.Controller, m.conf.WireGuard.InterfaceName, m.loop.MemberName)
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			recorder.Run(runCtx, m.conf.WireGuard.RecordMetricsInterval.Duration)
		}()
	}
	m.loop.Start(ctx)
	m.log.Info("Started", slog.String("group", m.conf.Group.Name), slog.String("name", m.conf.Name))
	return nil
}

// Stop stops discovery and publishing. It waits for a running discovery
// cycle up to the configured stop timeout.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.cancel()
	m.mu.Unlock()
	err := m.loop.Stop()
	m.wg.Wait()
	if err != nil {
		return fmt.Errorf("stop discovery: %w", err)
	}
	return nil
}

// Close stops everything and brings the interface down. The interface is
// brought down even if stopping timed out.
func (m *Manager) Close(ctx context.Context) error {
	stopErr := m.Stop()
	if stopErr != nil {
		m.log.Error("Error stopping discovery", slog.String("error", stopErr.Error()))
	}
	iface := m.conf.WireGuard.InterfaceName
	m.log.Info("Bringing down interface", slog.String("interface", iface))
	downErr := m.opts.Controller.Down(ctx, iface)
	if downErr != nil && !errors.Is(downErr, wireguard.ErrInterfaceNotFound) {
		downErr = fmt.Errorf("bring down %s: %w", iface, downErr)
	} else {
		downErr = nil
	}
	return errors.Join(stopErr, downErr)
}
