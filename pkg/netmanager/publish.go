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
	"time"

	"github.com/closednet/closednet/pkg/announce"
	"github.com/closednet/closednet/pkg/context"
	"github.com/closednet/closednet/pkg/endpoints"
	"github.com/closednet/closednet/pkg/wireguard"
)

// Endpoint returns the endpoint to announce. A configured endpoint wins,
// otherwise the detector is asked for a public address.
func (m *Manager) Endpoint(ctx context.Context) (string, error) {
	port := m.conf.WireGuard.AdvertisedPort()
	if ep := m.conf.Discovery.Endpoint; ep != "" {
		ap, err := wireguard.ParseEndpoint(ep, uint16(port))
		if err != nil {
			// Hostnames are announced as configured.
			return ep, nil
		}
		return ap.String(), nil
	}
	if !m.conf.Discovery.DetectIPv6 || m.opts.Detector == nil {
		return "", ErrNoEndpoint
	}
	addr, err := m.opts.Detector.Detect(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoEndpoint, err)
	}
	return endpoints.Format(addr, port)
}

// Payload builds this member's announcement payload.
func (m *Manager) Payload(ctx context.Context) (announce.Payload, error) {
	key, ok := m.OwnKey()
	if !ok {
		return announce.Payload{}, ErrNotInitialized
	}
	endpoint, err := m.Endpoint(ctx)
	if err != nil {
		return announce.Payload{}, err
	}
	payload := announce.NewPayload(endpoint, m.conf.Name, key)
	payload.IssuedAt = m.opts.Now().UTC().Truncate(time.Second)
	if addr, ok := m.conf.WireGuard.AddressPrefix(); ok {
		payload.Address = addr.Addr().String()
	}
	return payload, nil
}

// Publish announces this member to the group and returns the record id.
// A new record id is persisted to the store so restarts update in place.
func (m *Manager) Publish(ctx context.Context) (string, error) {
	payload, err := m.Payload(ctx)
	if err != nil {
		return "", err
	}
	text, err := announce.BuildText(m.id, m.conf.GroupSecret(), payload)
	if err != nil {
		return "", fmt.Errorf("build announcement: %w", err)
	}
	id, err := m.opts.Directory.Publish(ctx, m.conf.Group.Name, text)
	if err != nil {
		return "", fmt.Errorf("publish announcement: %w", err)
	}
	m.log.Info("Published announcement",
		slog.String("record", id),
		slog.String("endpoint", payload.Endpoint),
		slog.String("group", m.conf.Group.Name))
	m.mu.Lock()
	changed := id != m.conf.Directory.RecordID
	m.conf.Directory.RecordID = id
	m.mu.Unlock()
	if changed && m.opts.Store != nil {
		if err := m.opts.Store.SetRecordID(id); err != nil {
			m.log.Warn("Failed to persist record id", slog.String("record", id), slog.String("error", err.Error()))
		}
	}
	return id, nil
}

// republish publishes now and then every interval until ctx is done.
// Failures are logged and retried on the next tick.
func (m *Manager) republish(ctx context.Context, interval time.Duration) {
	t := time.NewTimer(0)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if _, err := m.Publish(ctx); err != nil {
			switch {
			case errors.Is(err, context.Canceled):
				return
			case errors.Is(err, ErrNoEndpoint):
				m.log.Warn("Skipping announcement, no endpoint detected", slog.String("error", err.Error()))
			default:
				m.log.Error("Failed to publish announcement", slog.String("error", err.Error()))
			}
		}
		t.Reset(interval)
	}
}
