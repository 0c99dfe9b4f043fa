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
// Package endpoints detects the public address a member announces.
package endpoints

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/closednet/closednet/pkg/context"
)

const (
	// DefaultSTUNServer is the STUN server used when none is configured.
	DefaultSTUNServer = "stun.l.google.com:19302"
	// DefaultDNSServer is the resolver that answers myip queries.
	DefaultDNSServer = "[2620:119:35::35]:53"
	// DefaultDNSName is the name whose AAAA record is the caller's address.
	DefaultDNSName = "myip.opendns.com."
	// DefaultUDPTarget is a public IPv6 address used to pick the outbound
	// source address. No packets are sent to it.
	DefaultUDPTarget = "[2001:4860:4860::8888]:80"
	// DefaultTimeout bounds each detection method.
	DefaultTimeout = 5 * time.Second
)

// DefaultHTTPServices return the caller's address as plain text.
var DefaultHTTPServices = []string{
	"https://api6.ipify.org",
	"https://ipv6.icanhazip.com",
	"https://ifconfig.co/ip",
}

// ErrNoAddress is returned when no method found a public address.
var ErrNoAddress = errors.New("no public address detected")

// Detector finds a public address of this host.
type Detector interface {
	// Name identifies the method in logs.
	Name() string
	// Detect returns the detected address.
	Detect(ctx context.Context) (netip.Addr, error)
}

// IsPublic reports whether addr can be announced to other members: a
// global unicast IPv6 address outside the unique local range.
func IsPublic(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsValid() && addr.Is6() && addr.IsGlobalUnicast() && !addr.IsPrivate()
}

// Options configure the default detection chain.
type Options struct {
	// STUNServer is the STUN server to query.
	STUNServer string
	// DNSServer is the resolver to query.
	DNSServer string
	// HTTPServices are plain text address echo services.
	HTTPServices []string
	// DisableRemote only uses the local UDP method.
	DisableRemote bool
	// Timeout bounds each method.
	Timeout time.Duration
}

// Chain tries each detector in order and returns the first public address.
type Chain []Detector

// NewChain returns the default chain: the local routing table first, then
// DNS, STUN and HTTP echo services unless remote detection is disabled.
func NewChain(opts Options) Chain {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	chain := Chain{&UDPDetector{Target: DefaultUDPTarget, Timeout: opts.Timeout}}
	if opts.DisableRemote {
		return chain
	}
	dnsServer := opts.DNSServer
	if dnsServer == "" {
		dnsServer = DefaultDNSServer
	}
	stunServer := opts.STUNServer
	if stunServer == "" {
		stunServer = DefaultSTUNServer
	}
	services := opts.HTTPServices
	if len(services) == 0 {
		services = DefaultHTTPServices
	}
	chain = append(chain,
		&DNSDetector{Server: dnsServer, Query: DefaultDNSName, Timeout: opts.Timeout},
		&STUNDetector{Server: stunServer, Timeout: opts.Timeout},
	)
	client := NewIPv6HTTPClient(opts.Timeout)
	for _, svc := range services {
		chain = append(chain, &HTTPDetector{URL: svc, Client: client})
	}
	return chain
}

// Detect runs the chain. Failures are logged at debug level and the next
// method is tried.
func (c Chain) Detect(ctx context.Context) (netip.Addr, error) {
	log := context.LoggerFrom(ctx).With("component", "endpoints")
	for _, d := range c {
		if err := ctx.Err(); err != nil {
			return netip.Addr{}, err
		}
		addr, err := d.Detect(ctx)
		if err != nil {
			log.Debug("Endpoint detection method failed", slog.String("method", d.Name()), slog.String("error", err.Error()))
			continue
		}
		if !IsPublic(addr) {
			log.Debug("Endpoint detection method returned a non-public address",
				slog.String("method", d.Name()), slog.String("address", addr.String()))
			continue
		}
		log.Debug("Detected public address", slog.String("method", d.Name()), slog.String("address", addr.String()))
		return addr.Unmap(), nil
	}
	return netip.Addr{}, ErrNoAddress
}

// Format returns the announced endpoint for addr and port, bracketing IPv6
// addresses.
func Format(addr netip.Addr, port int) (string, error) {
	if port <= 0 || port > 65535 {
		return "", fmt.Errorf("invalid port %d", port)
	}
	return netip.AddrPortFrom(addr.Unmap(), uint16(port)).String(), nil
}

func parseAddr(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("parse address %q: %w", s, err)
	}
	return addr.Unmap(), nil
}
