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
	"bufio"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

var handshakeUnits = map[string]time.Duration{
	"year":   365 * 24 * time.Hour,
	"day":    24 * time.Hour,
	"hour":   time.Hour,
	"minute": time.Minute,
	"second": time.Second,
}

var transferUnits = map[string]float64{
	"B":   1,
	"KiB": 1 << 10,
	"MiB": 1 << 20,
	"GiB": 1 << 30,
	"TiB": 1 << 40,
}

// ParseShow parses the human readable output of `wg show <iface>`.
// Relative handshake times are resolved against now.
func ParseShow(text string, now time.Time) (*Status, error) {
	status := &Status{State: StateUp, Peers: map[string]Peer{}}
	var current *Peer
	flush := func() {
		if current != nil {
			status.Peers[current.PublicKey] = *current
			current = nil
		}
	}
	scanner := bufio.NewScanner(strings.NewReader(text))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("wg show line %d: missing field separator", lineNo)
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		switch key {
		case "interface":
			status.Name = value
			continue
		case "peer":
			flush()
			current = &Peer{PublicKey: value}
			continue
		}
		if current == nil {
			switch key {
			case "public key":
				status.PublicKey = value
			case "listening port":
				port, err := strconv.Atoi(value)
				if err != nil {
					return nil, fmt.Errorf("wg show line %d: listening port: %w", lineNo, err)
				}
				status.ListenPort = port
			}
			continue
		}
		switch key {
		case "endpoint":
			current.Endpoint = NormalizeEndpoint(value)
		case "allowed ips":
			ips, err := parseAllowedIPs(value)
			if err != nil {
				return nil, fmt.Errorf("wg show line %d: %w", lineNo, err)
			}
			current.AllowedIPs = ips
		case "latest handshake":
			ago, err := parseHandshake(value)
			if err != nil {
				return nil, fmt.Errorf("wg show line %d: %w", lineNo, err)
			}
			current.LastHandshake = now.Add(-ago)
		case "transfer":
			rx, tx, err := parseTransfer(value)
			if err != nil {
				return nil, fmt.Errorf("wg show line %d: %w", lineNo, err)
			}
			current.ReceiveBytes, current.TransmitBytes = rx, tx
		case "persistent keepalive":
			ka, err := parseKeepalive(value)
			if err != nil {
				return nil, fmt.Errorf("wg show line %d: %w", lineNo, err)
			}
			current.PersistentKeepAlive = ka
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read wg show output: %w", err)
	}
	flush()
	return status, nil
}

func parseAllowedIPs(value string) ([]netip.Prefix, error) {
	out := []netip.Prefix{}
	if value == "(none)" || value == "" {
		return out, nil
	}
	for _, field := range strings.Split(value, ",") {
		p, err := netip.ParsePrefix(strings.TrimSpace(field))
		if err != nil {
			return nil, fmt.Errorf("allowed ips: %w", err)
		}
		out = append(out, p)
	}
	return out, nil
}

// parseHandshake parses values like "1 minute, 5 seconds ago" or "Now".
func parseHandshake(value string) (time.Duration, error) {
	if strings.EqualFold(value, "now") {
		return 0, nil
	}
	value = strings.TrimSuffix(value, " ago")
	var total time.Duration
	for _, part := range strings.Split(value, ",") {
		fields := strings.Fields(part)
		if len(fields) != 2 {
			return 0, fmt.Errorf("latest handshake: unexpected %q", part)
		}
		n, err := strconv.Atoi(fields[0])
		if err != nil {
			return 0, fmt.Errorf("latest handshake: %w", err)
		}
		unit, ok := handshakeUnits[strings.TrimSuffix(fields[1], "s")]
		if !ok {
			return 0, fmt.Errorf("latest handshake: unknown unit %q", fields[1])
		}
		total += time.Duration(n) * unit
	}
	return total, nil
}

// parseTransfer parses values like "1.52 KiB received, 3.40 KiB sent".
func parseTransfer(value string) (rx, tx int64, err error) {
	for _, part := range strings.Split(value, ",") {
		fields := strings.Fields(part)
		if len(fields) != 3 {
			return 0, 0, fmt.Errorf("transfer: unexpected %q", part)
		}
		n, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return 0, 0, fmt.Errorf("transfer: %w", err)
		}
		mult, ok := transferUnits[fields[1]]
		if !ok {
			return 0, 0, fmt.Errorf("transfer: unknown unit %q", fields[1])
		}
		bytes := int64(n * mult)
		switch fields[2] {
		case "received":
			rx = bytes
		case "sent":
			tx = bytes
		default:
			return 0, 0, fmt.Errorf("transfer: unexpected direction %q", fields[2])
		}
	}
	return rx, tx, nil
}

// parseKeepalive parses values like "every 25 seconds" or "off".
func parseKeepalive(value string) (time.Duration, error) {
	if value == "off" {
		return 0, nil
	}
	fields := strings.Fields(value)
	if len(fields) != 3 || fields[0] != "every" {
		return 0, fmt.Errorf("persistent keepalive: unexpected %q", value)
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, fmt.Errorf("persistent keepalive: %w", err)
	}
	return time.Duration(n) * time.Second, nil
}
