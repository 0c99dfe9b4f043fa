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

// Package crypto contains the cryptographic primitives used by closednet:
// group envelope sealing, member identities, and public key comparison.
package crypto

import (
	"crypto/rand"
)

func init() {
	// assert we have a crypto/rand source
	b := make([]byte, 1)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand is unavailable")
	}
}

// DefaultGroupSecretLength is the length of generated group secrets.
const DefaultGroupSecretLength = 32

// GroupSecretChars is the alphabet generated group secrets are drawn from.
// Secrets are typed or pasted by humans when shared out-of-band.
var GroupSecretChars = []byte("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789")

// GroupSecret is the symmetric secret shared by all members of a group.
// It is never transmitted.
type GroupSecret []byte

// GenerateGroupSecret generates a group secret of the default length.
func GenerateGroupSecret() (GroupSecret, error) {
	return GenerateGroupSecretWithLength(DefaultGroupSecretLength)
}

// GenerateGroupSecretWithLength generates a group secret with the given length.
func GenerateGroupSecretWithLength(length int) (GroupSecret, error) {
	b := make(GroupSecret, length)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	for i := range b {
		b[i] = GroupSecretChars[int(b[i])%len(GroupSecretChars)]
	}
	return b, nil
}

// MustGenerateGroupSecret generates a group secret and panics on error.
func MustGenerateGroupSecret() GroupSecret {
	s, err := GenerateGroupSecret()
	if err != nil {
		panic(err)
	}
	return s
}

// String returns the secret as text.
func (g GroupSecret) String() string {
	return string(g)
}

// IsEmpty returns true if the secret holds no bytes.
func (g GroupSecret) IsEmpty() bool {
	return len(g) == 0
}

// Seal encrypts plaintext for every holder of this secret.
func (g GroupSecret) Seal(plaintext []byte) ([]byte, error) {
	return Seal(plaintext, g)
}

// Open decrypts a blob produced by Seal with this secret.
func (g GroupSecret) Open(blob []byte) ([]byte, error) {
	return Open(blob, g)
}
