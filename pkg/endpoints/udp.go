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

package endpoints

import (
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/closednet/closednet/pkg/context"
)

// DialFunc dials a connection.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// UDPDetector reads the local address the kernel picks when routing to a
// public IPv6 target. Connecting a UDP socket sends no packets.
type UDPDetector struct {
	// Target is the address routed to.
	Target string
	// Timeout bounds the dial.
	Timeout time.Duration
	// Dial overrides the dialer.
	Dial DialFunc
}

func (d *UDPDetector) Name() string { return "udp" }

func (d *UDPDetector) Detect(ctx context.Context) (netip.Addr, error) {
	dial := d.Dial
	if dial == nil {
		dialer := &net.Dialer{Timeout: d.Timeout}
		dial = dialer.DialContext
	}
	conn, err := dial(ctx, "udp6", d.Target)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("dial %s: %w", d.Target, err)
	}
	defer conn.Close()
	local, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return netip.Addr{}, fmt.Errorf("unexpected local address %v", conn.LocalAddr())
	}
	return local.AddrPort().Addr().Unmap(), nil
}
