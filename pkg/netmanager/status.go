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
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/closednet/closednet/pkg/context"
	"github.com/closednet/closednet/pkg/wireguard"
)

// DefaultPingTimeout bounds each peer ping.
const DefaultPingTimeout = 3 * time.Second

// StatusOptions select optional status checks.
type StatusOptions struct {
	// Ping pings the tunnel address of every peer.
	Ping bool
	// PingTimeout bounds each ping.
	PingTimeout time.Duration
	// ResolveNames lists the directory to name peers discovery has not
	// applied in this process.
	ResolveNames bool
}

// Status is the state of this member's interface.
type Status struct {
	Interface  string       `json:"interface"`
	State      string       `json:"state"`
	Name       string       `json:"name"`
	Group      string       `json:"group"`
	PublicKey  string       `json:"publicKey,omitempty"`
	ListenPort int          `json:"listenPort,omitempty"`
	Peers      []PeerStatus `json:"peers"`
}

// PeerStatus is the state of one peer.
type PeerStatus struct {
	wireguard.Peer
	// Name is the member name, when known.
	Name string `json:"name,omitempty"`
	// Connected is true if a handshake happened recently.
	Connected bool `json:"connected"`
	// Reachable is set when pinged.
	Reachable *bool `json:"reachable,omitempty"`
	// PingError is why the ping failed.
	PingError string `json:"pingError,omitempty"`
}

// Status reports the interface and its peers.
func (m *Manager) Status(ctx context.Context, opts StatusOptions) (*Status, error) {
	iface := m.conf.WireGuard.InterfaceName
	st, err := m.opts.Controller.Show(ctx, iface)
	if err != nil {
		return nil, fmt.Errorf("show %s: %w", iface, err)
	}
	out := &Status{
		Interface:  iface,
		State:      st.State,
		Name:       m.conf.Name,
		Group:      m.conf.Group.Name,
		PublicKey:  st.PublicKey,
		ListenPort: st.ListenPort,
		Peers:      make([]PeerStatus, 0, len(st.Peers)),
	}
	var resolved map[string]string
	if opts.ResolveNames {
		resolved, err = m.resolveNames(ctx)
		if err != nil {
			m.log.Debug("Could not resolve peer names", slog.String("error", err.Error()))
		}
	}
	now := m.opts.Now()
	for _, p := range st.SortedPeers() {
		ps := PeerStatus{Peer: p, Connected: p.Connected(now)}
		if name, ok := m.loop.MemberName(p.PublicKey); ok {
			ps.Name = name
		} else if name, ok := resolved[p.PublicKey]; ok {
			ps.Name = name
		}
		out.Peers = append(out.Peers, ps)
	}
	sort.SliceStable(out.Peers, func(i, j int) bool {
		if out.Peers[i].Name != out.Peers[j].Name {
			return out.Peers[i].Name < out.Peers[j].Name
		}
		return out.Peers[i].PublicKey < out.Peers[j].PublicKey
	})
	if opts.Ping {
		m.pingPeers(ctx, out.Peers, opts.PingTimeout)
	}
	return out, nil
}

func (m *Manager) pingPeers(ctx context.Context, peers []PeerStatus, timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultPingTimeout
	}
	var g errgroup.Group
	g.SetLimit(8)
	for i := range peers {
		addr, ok := tunnelAddr(peers[i].AllowedIPs)
		if !ok {
			continue
		}
		p := &peers[i]
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			err := m.opts.Ping(ctx, addr)
			reachable := err == nil
			p.Reachable = &reachable
			if err != nil {
				p.PingError = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()
}

// tunnelAddr returns the first single host prefix in allowed.
func tunnelAddr(allowed []netip.Prefix) (netip.Addr, bool) {
	for _, p := range allowed {
		if p.IsSingleIP() {
			return p.Addr(), true
		}
	}
	return netip.Addr{}, false
}
