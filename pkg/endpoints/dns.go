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
	"net/netip"
	"time"

	"github.com/miekg/dns"

	"github.com/closednet/closednet/pkg/context"
)

// DNSDetector asks a resolver for the AAAA record of a name it answers
// with the querier's address.
type DNSDetector struct {
	// Server is the resolver address.
	Server string
	// Query is the name whose AAAA record is read.
	Query string
	// Net is the transport, "udp" when empty.
	Net string
	// Timeout bounds the exchange.
	Timeout time.Duration
}

func (d *DNSDetector) Name() string { return "dns" }

func (d *DNSDetector) Detect(ctx context.Context) (netip.Addr, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(d.Query), dns.TypeAAAA)
	client := &dns.Client{Net: d.Net, Timeout: d.Timeout}
	resp, _, err := client.ExchangeContext(ctx, m, d.Server)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("query %s: %w", d.Server, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return netip.Addr{}, fmt.Errorf("query %s: %s", d.Server, dns.RcodeToString[resp.Rcode])
	}
	for _, rr := range resp.Answer {
		if aaaa, ok := rr.(*dns.AAAA); ok {
			if addr, ok := netip.AddrFromSlice(aaaa.AAAA); ok {
				return addr.Unmap(), nil
			}
		}
	}
	return netip.Addr{}, fmt.Errorf("query %s: no AAAA answer", d.Server)
}
