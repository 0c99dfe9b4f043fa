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

	"github.com/pion/stun"

	"github.com/closednet/closednet/pkg/context"
)

// STUNDetector sends a binding request and reads the mapped address.
type STUNDetector struct {
	// Server is the STUN server address.
	Server string
	// Network is the dial network, "udp6" when empty.
	Network string
	// Timeout bounds the transaction.
	Timeout time.Duration
	// Dial overrides the dialer.
	Dial DialFunc
}

func (d *STUNDetector) Name() string { return "stun" }

func (d *STUNDetector) Detect(ctx context.Context) (netip.Addr, error) {
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}
	network := d.Network
	if network == "" {
		network = "udp6"
	}
	dial := d.Dial
	if dial == nil {
		dialer := &net.Dialer{}
		dial = dialer.DialContext
	}
	conn, err := dial(ctx, network, d.Server)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("dial %s: %w", d.Server, err)
	}
	client, err := stun.NewClient(conn)
	if err != nil {
		conn.Close()
		return netip.Addr{}, fmt.Errorf("create stun client: %w", err)
	}
	defer client.Close()

	type result struct {
		addr netip.Addr
		err  error
	}
	done := make(chan result, 1)
	go func() {
		var res result
		err := client.Do(stun.MustBuild(stun.TransactionID, stun.BindingRequest), func(ev stun.Event) {
			if ev.Error != nil {
				res.err = ev.Error
				return
			}
			var mapped stun.XORMappedAddress
			if err := mapped.GetFrom(ev.Message); err != nil {
				res.err = fmt.Errorf("read mapped address: %w", err)
				return
			}
			addr, ok := netip.AddrFromSlice(mapped.IP)
			if !ok {
				res.err = fmt.Errorf("invalid mapped address %v", mapped.IP)
				return
			}
			res.addr = addr.Unmap()
		})
		if err != nil && res.err == nil {
			res.err = err
		}
		done <- res
	}()
	select {
	case <-ctx.Done():
		return netip.Addr{}, fmt.Errorf("stun %s: %w", d.Server, ctx.Err())
	case res := <-done:
		if res.err != nil {
			return netip.Addr{}, fmt.Errorf("stun %s: %w", d.Server, res.err)
		}
		return res.addr, nil
	}
}
