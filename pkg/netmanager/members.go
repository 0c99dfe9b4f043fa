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

// AddMember pins a member in the roster. Their peer is applied on the next
// discovery cycle.
func (m *Manager) AddMember(name, publicKey string) error {
	if m.opts.Store == nil {
		return ErrNoStore
	}
	if err := m.opts.Store.AddRosterEntry(name, publicKey); err != nil {
		return err
	}
	m.log.Info("Added member", slog.String("name", name))
	return nil
}

// RemoveMember unpins a member and removes their peer from the interface.
// The peer key comes from the last discovery cycle, or from the directory
// when discovery has not applied one.
func (m *Manager) RemoveMember(ctx context.Context, name string) error {
	if m.opts.Store == nil {
		return ErrNoStore
	}
	key, known := m.loop.MemberKey(name)
	if !known {
		names, err := m.resolveNames(ctx)
		if err != nil {
			m.log.Debug("Could not resolve member keys", slog.String("error", err.Error()))
		}
		for k, n := range names {
			if n == name {
				key = k
				break
			}
		}
	}
	if err := m.opts.Store.RemoveRosterEntry(name); err != nil {
		return err
	}
	m.log.Info("Removed member", slog.String("name", name))
	removed, err := m.loop.RemoveMember(ctx, name)
	if err != nil {
		return fmt.Errorf("remove peer for %s: %w", name, err)
	}
	if !removed && key != "" {
		err := m.opts.Controller.RemovePeer(ctx, m.conf.WireGuard.InterfaceName, key)
		switch {
		case err == nil:
			removed = true
		case errors.Is(err, wireguard.ErrPeerNotFound):
		default:
			return fmt.Errorf("remove peer for %s: %w", name, err)
		}
	}
	if removed {
		m.log.Info("Removed peer", slog.String("name", name), slog.String("public-key", key))
	}
	return nil
}

// resolveNames maps network keys to member names using the directory.
func (m *Manager) resolveNames(ctx context.Context) (map[string]string, error) {
	snap, err := m.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	trusted, err := m.recon.Reconcile(ctx, snap.Tag, snap.Secret, snap.Roster)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(trusted))
	for _, t := range trusted {
		key, err := wireguard.CanonicalKey(t.Payload.NetworkPublicKey)
		if err != nil {
			continue
		}
		out[key] = t.Name
	}
	return out, nil
}
