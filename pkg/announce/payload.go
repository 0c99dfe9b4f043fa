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

// Package announce contains the codec for signed and sealed endpoint
// announcements exchanged through the directory.
package announce

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"time"
)

// ErrMalformedPayload is returned when a decrypted payload is not a
// complete announcement.
var ErrMalformedPayload = errors.New("malformed announcement payload")

// Payload is the plaintext content of an announcement.
type Payload struct {
	// Endpoint is the host:port other members should dial.
	Endpoint string `json:"endpoint"`
	// Username is the member name the sender claims.
	Username string `json:"username"`
	// NetworkPublicKey is the sender's WireGuard public key.
	NetworkPublicKey string `json:"network_public_key"`
	// IssuedAt is when the payload was built.
	IssuedAt time.Time `json:"issued_at"`
	// Address is the sender's tunnel address, if it advertises one.
	Address string `json:"address,omitempty"`
}

// NewPayload returns a payload stamped with the current UTC time.
func NewPayload(endpoint, username, networkPublicKey string) Payload {
	return Payload{
		Endpoint:         endpoint,
		Username:         username,
		NetworkPublicKey: networkPublicKey,
		IssuedAt:         time.Now().UTC().Truncate(time.Second),
	}
}

// Validate checks that every required field is present.
func (p Payload) Validate() error {
	if p.Endpoint == "" {
		return fmt.Errorf("%w: endpoint is empty", ErrMalformedPayload)
	}
	if p.Username == "" {
		return fmt.Errorf("%w: username is empty", ErrMalformedPayload)
	}
	if p.NetworkPublicKey == "" {
		return fmt.Errorf("%w: network public key is empty", ErrMalformedPayload)
	}
	if p.IssuedAt.IsZero() {
		return fmt.Errorf("%w: issued_at is missing", ErrMalformedPayload)
	}
	if p.Address != "" {
		if _, err := netip.ParseAddr(p.Address); err != nil {
			return fmt.Errorf("%w: invalid address %q", ErrMalformedPayload, p.Address)
		}
	}
	return nil
}

// AllowedPrefix returns the single host prefix for the advertised tunnel
// address, or false if none was advertised.
func (p Payload) AllowedPrefix() (netip.Prefix, bool) {
	if p.Address == "" {
		return netip.Prefix{}, false
	}
	addr, err := netip.ParseAddr(p.Address)
	if err != nil {
		return netip.Prefix{}, false
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), true
}

// Age returns how long ago the payload was issued relative to now.
func (p Payload) Age(now time.Time) time.Duration {
	return now.Sub(p.IssuedAt)
}

// Marshal serializes the payload. The output for a given payload is
// always the same.
func (p Payload) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

// UnmarshalPayload decodes and validates a serialized payload.
func UnmarshalPayload(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := p.Validate(); err != nil {
		return Payload{}, err
	}
	return p, nil
}
