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

package wireguard

import (
	"net/netip"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

const sampleShow = `interface: wg0
  public key: 6cSBfRMzfOaZTWpFW4Tj0CTLrXQtfLrbmld3n6KsGVs=
  private key: (hidden)
  listening port: 51820

peer: mQ0jPXOwCXTPqxOdIndVNTRZIfnsoLNGfxbG0G1K9TA=
  endpoint: [2001:db8::2]:51820
  allowed ips: 10.0.0.2/32, fd00::2/128
  latest handshake: 1 minute, 5 seconds ago
  transfer: 1.50 KiB received, 2 MiB sent
  persistent keepalive: every 25 seconds

peer: Vu6sxZTK3cTB3S7LgF3SUZLbEfd6+jUz9wqSItsHqGQ=
  allowed ips: (none)
`

func TestParseShow(t *testing.T) {
	t.Parallel()
	now := time.Date(2023, 8, 1, 12, 0, 0, 0, time.UTC)
	status, err := ParseShow(sampleShow, now)
	if err != nil {
		t.Fatal(err)
	}
	want := &Status{
		Name:       "wg0",
		State:      StateUp,
		PublicKey:  "6cSBfRMzfOaZTWpFW4Tj0CTLrXQtfLrbmld3n6KsGVs=",
		ListenPort: 51820,
		Peers: map[string]Peer{
			"mQ0jPXOwCXTPqxOdIndVNTRZIfnsoLNGfxbG0G1K9TA=": {
				PublicKey:           "mQ0jPXOwCXTPqxOdIndVNTRZIfnsoLNGfxbG0G1K9TA=",
				Endpoint:            "[2001:db8::2]:51820",
				AllowedIPs:          []netip.Prefix{netip.MustParsePrefix("10.0.0.2/32"), netip.MustParsePrefix("fd00::2/128")},
				LastHandshake:       now.Add(-65 * time.Second),
				ReceiveBytes:        1536,
				TransmitBytes:       2 << 20,
				PersistentKeepAlive: 25 * time.Second,
			},
			"Vu6sxZTK3cTB3S7LgF3SUZLbEfd6+jUz9wqSItsHqGQ=": {
				PublicKey:  "Vu6sxZTK3cTB3S7LgF3SUZLbEfd6+jUz9wqSItsHqGQ=",
				AllowedIPs: []netip.Prefix{},
			},
		},
	}
	if diff := cmp.Diff(want, status, cmp.Comparer(func(a, b netip.Prefix) bool { return a == b })); diff != "" {
		t.Fatalf("unexpected status (-want +got):\n%s", diff)
	}
	if !status.Peers["mQ0jPXOwCXTPqxOdIndVNTRZIfnsoLNGfxbG0G1K9TA="].Connected(now) {
		t.Fatal("expected peer with recent handshake to be connected")
	}
	if status.Peers["Vu6sxZTK3cTB3S7LgF3SUZLbEfd6+jUz9wqSItsHqGQ="].Connected(now) {
		t.Fatal("expected peer without handshake to be disconnected")
	}
}

func TestParseHandshake(t *testing.T) {
	t.Parallel()
	tc := []struct {
		in   string
		want time.Duration
	}{
		{"Now", 0},
		{"1 second ago", time.Second},
		{"2 hours, 1 minute, 3 seconds ago", 2*time.Hour + time.Minute + 3*time.Second},
		{"1 day, 4 hours ago", 28 * time.Hour},
		{"1 year, 2 days ago", 367 * 24 * time.Hour},
	}
	for _, c := range tc {
		got, err := parseHandshake(c.in)
		if err != nil {
			t.Fatalf("%q: %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("%q: expected %v, got %v", c.in, c.want, got)
		}
	}
	if _, err := parseHandshake("soon"); err == nil {
		t.Fatal("expected error for unparseable handshake")
	}
}

func TestParseShowErrors(t *testing.T) {
	t.Parallel()
	tc := []struct {
		name string
		in   string
	}{
		{"no separator", "interface wg0\n"},
		{"bad port", "interface: wg0\n  listening port: abc\n"},
		{"bad allowed ips", "peer: k\n  allowed ips: 10.0.0.300/32\n"},
		{"bad transfer unit", "peer: k\n  transfer: 1 XB received, 2 B sent\n"},
		{"bad keepalive", "peer: k\n  persistent keepalive: sometimes\n"},
	}
	for _, c := range tc {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			if _, err := ParseShow(c.in, time.Now()); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
