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

// Package wireguard contains utilities for working with wireguard interfaces.
package wireguard

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/closednet/closednet/pkg/context"
)

const (
	// DefaultListenPort is the default wireguard listen port.
	DefaultListenPort = 51820
	// DefaultConfigDir is where wg-quick looks for interface configs.
	DefaultConfigDir = "/etc/wireguard"
	// HandshakeTimeout is how recent a handshake must be for a peer to
	// count as connected.
	HandshakeTimeout = 2 * time.Minute
)

const (
	// StateUp is the state of an interface that is up.
	StateUp = "up"
	// StateDown is the state of an interface that is down or absent.
	StateDown = "down"
)

var (
	// ErrInterfaceNotFound is returned when an interface has no config.
	ErrInterfaceNotFound = errors.New("interface not found")
	// ErrInterfaceExists is returned when creating an interface whose
	// config is already present.
	ErrInterfaceExists = errors.New("interface already exists")
	// ErrPeerNotFound is returned when removing a peer that is not
	// configured.
	ErrPeerNotFound = errors.New("peer not found")
)

// Controller manages a wireguard interface and its peers.
type Controller interface {
	// InterfaceExists returns true if a config for the interface exists.
	InterfaceExists(ctx context.Context, name string) (bool, error)
	// CreateInterface writes the config for a new interface.
	CreateInterface(ctx context.Context, name, config string) error
	// Up brings the interface up. It is a no-op if already up.
	Up(ctx context.Context, name string) error
	// Down brings the interface down. It is a no-op if already down.
	Down(ctx context.Context, name string) error
	// IsUp returns true if the interface is up.
	IsUp(ctx context.Context, name string) (bool, error)
	// Show returns a snapshot of the live interface state.
	Show(ctx context.Context, name string) (*Status, error)
	// EnsurePeer creates or updates a peer.
	EnsurePeer(ctx context.Context, name string, peer PeerConfig) error
	// RemovePeer removes a peer.
	RemovePeer(ctx context.Context, name, publicKey string) error
}

// PeerConfig is the desired configuration of a peer.
type PeerConfig struct {
	// PublicKey is the peer's wireguard public key.
	PublicKey string `json:"publicKey"`
	// Endpoint is the host:port to reach the peer at.
	Endpoint string `json:"endpoint,omitempty"`
	// AllowedIPs are the ranges routed to the peer.
	AllowedIPs []netip.Prefix `json:"allowedIPs"`
	// PersistentKeepAlive is the keepalive interval. Zero disables it.
	PersistentKeepAlive time.Duration `json:"persistentKeepAlive,omitempty"`
}

// Peer is the live state of a configured peer.
type Peer struct {
	PublicKey           string         `json:"publicKey"`
	Endpoint            string         `json:"endpoint,omitempty"`
	AllowedIPs          []netip.Prefix `json:"allowedIPs"`
	LastHandshake       time.Time      `json:"lastHandshake,omitempty"`
	ReceiveBytes        int64          `json:"rxBytes"`
	TransmitBytes       int64          `json:"txBytes"`
	PersistentKeepAlive time.Duration  `json:"persistentKeepAlive,omitempty"`
}

// Connected returns true if the peer completed a handshake within
// HandshakeTimeout of now.
func (p Peer) Connected(now time.Time) bool {
	if p.LastHandshake.IsZero() {
		return false
	}
	return now.Sub(p.LastHandshake) <= HandshakeTimeout
}

// Matches returns true if the peer already has the endpoint, allowed IPs
// and keepalive of cfg. Hostname endpoints must be resolved first, the
// kernel only reports addresses.
func (p Peer) Matches(cfg PeerConfig) bool {
	if cfg.Endpoint != "" && NormalizeEndpoint(cfg.Endpoint) != NormalizeEndpoint(p.Endpoint) {
		return false
	}
	if cfg.PersistentKeepAlive != p.PersistentKeepAlive {
		return false
	}
	return samePrefixes(p.AllowedIPs, cfg.AllowedIPs)
}

// Status is a snapshot of an interface.
type Status struct {
	Name       string          `json:"name"`
	State      string          `json:"state"`
	PublicKey  string          `json:"publicKey,omitempty"`
	ListenPort int             `json:"listenPort,omitempty"`
	Peers      map[string]Peer `json:"peers"`
}

// IsUp returns true if the interface was up.
func (s *Status) IsUp() bool {
	return s.State == StateUp
}

// SortedPeers returns the peers ordered by public key.
func (s *Status) SortedPeers() []Peer {
	out := make([]Peer, 0, len(s.Peers))
	for _, p := range s.Peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PublicKey < out[j].PublicKey })
	return out
}

func downStatus(name string) *Status {
	return &Status{Name: name, State: StateDown, Peers: map[string]Peer{}}
}

// ParseEndpoint parses host:port endpoints. Unbracketed IPv6 addresses with
// a trailing port, such as 2001:db8::1:51820, are accepted when the whole
// string is not itself a valid address. A bare address gets defaultPort.
func ParseEndpoint(s string, defaultPort uint16) (netip.AddrPort, error) {
	s = strings.TrimSpace(s)
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return unmapAddrPort(ap), nil
	}
	if addr, err := netip.ParseAddr(strings.Trim(s, "[]")); err == nil {
		return netip.AddrPortFrom(addr.Unmap(), defaultPort), nil
	}
	if i := strings.LastIndex(s, ":"); i > 0 {
		addr, err := netip.ParseAddr(s[:i])
		if err == nil {
			port, err := strconv.ParseUint(s[i+1:], 10, 16)
			if err == nil {
				return netip.AddrPortFrom(addr.Unmap(), uint16(port)), nil
			}
		}
	}
	return netip.AddrPort{}, &net.AddrError{Err: "invalid endpoint", Addr: s}
}

// NormalizeEndpoint returns the canonical form of an IP endpoint, or s
// unchanged when it does not hold an IP.
func NormalizeEndpoint(s string) string {
	ap, err := ParseEndpoint(s, DefaultListenPort)
	if err != nil {
		return s
	}
	return ap.String()
}

// ResolveEndpoint returns the canonical IP endpoint for s, looking up the
// host when s is not already an IP endpoint. IPv6 results are preferred.
func ResolveEndpoint(ctx context.Context, s string) (string, error) {
	if ap, err := ParseEndpoint(s, DefaultListenPort); err == nil {
		return ap.String(), nil
	}
	host, port, err := net.SplitHostPort(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("split endpoint %q: %w", s, err)
	}
	portNum, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return "", fmt.Errorf("invalid port in endpoint %q: %w", s, err)
	}
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return "", &net.AddrError{Err: "no addresses", Addr: host}
	}
	addr := addrs[0].Unmap()
	for _, a := range addrs {
		if a.Unmap().Is6() {
			addr = a.Unmap()
			break
		}
	}
	return netip.AddrPortFrom(addr, uint16(portNum)).String(), nil
}

func unmapAddrPort(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

func samePrefixes(a, b []netip.Prefix) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[netip.Prefix]int, len(a))
	for _, p := range a {
		set[p.Masked()]++
	}
	for _, p := range b {
		if set[p.Masked()] == 0 {
			return false
		}
		set[p.Masked()]--
	}
	return true
}

func toIPNets(prefixes []netip.Prefix) []net.IPNet {
	out := make([]net.IPNet, 0, len(prefixes))
	for _, p := range prefixes {
		p = p.Masked()
		out = append(out, net.IPNet{
			IP:   p.Addr().AsSlice(),
			Mask: net.CIDRMask(p.Bits(), p.Addr().BitLen()),
		})
	}
	return out
}

func fromIPNets(nets []net.IPNet) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(nets))
	for _, n := range nets {
		addr, ok := netip.AddrFromSlice(n.IP)
		if !ok {
			continue
		}
		ones, _ := n.Mask.Size()
		out = append(out, netip.PrefixFrom(addr.Unmap(), ones))
	}
	return out
}
