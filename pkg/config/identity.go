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

package config

import (
	"fmt"

	"github.com/closednet/closednet/pkg/crypto"
)

// IdentityOptions hold this member's RSA identity as PEM text.
type IdentityOptions struct {
	// PrivateKey is the PKCS8 PEM private key.
	PrivateKey string `yaml:"privateKey" json:"privateKey" toml:"privateKey"`
	// PublicKey is the PKIX PEM public key shared with other members.
	PublicKey string `yaml:"publicKey" json:"publicKey" toml:"publicKey"`
}

// NewIdentityOptions returns options holding a freshly generated identity.
func NewIdentityOptions() (IdentityOptions, error) {
	id, err := crypto.GenerateIdentity()
	if err != nil {
		return IdentityOptions{}, err
	}
	return IdentityOptionsFrom(id)
}

// IdentityOptionsFrom encodes an identity.
func IdentityOptionsFrom(id *crypto.Identity) (IdentityOptions, error) {
	priv, err := id.PrivateKeyPEM()
	if err != nil {
		return IdentityOptions{}, err
	}
	return IdentityOptions{
		PrivateKey: string(priv),
		PublicKey:  string(id.PublicKeyPEM()),
	}, nil
}

// Load parses the identity.
func (o *IdentityOptions) Load() (*crypto.Identity, error) {
	if o.PrivateKey == "" {
		return nil, ErrNoIdentity
	}
	id, err := crypto.ParseIdentity([]byte(o.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("identity.privateKey: %w", err)
	}
	return id, nil
}

// Validate checks the private key parses and, if a public key is stored,
// that it belongs to the private key.
func (o *IdentityOptions) Validate() error {
	id, err := o.Load()
	if err != nil {
		return err
	}
	if o.PublicKey != "" && !crypto.PublicKeysMatch([]byte(o.PublicKey), id.PublicKeyPEM()) {
		return fmt.Errorf("identity.publicKey does not match identity.privateKey")
	}
	return nil
}
