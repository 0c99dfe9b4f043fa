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

package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// SaltSize is the size of the per-message salt prefixed to sealed blobs.
	SaltSize = 16
	// NonceSize is the size of the secretbox nonce following the salt.
	NonceSize = 24
	// KeySize is the size of the derived secretbox key.
	KeySize = 32
	// Overhead is the total number of bytes Seal adds to a plaintext.
	Overhead = SaltSize + NonceSize + secretbox.Overhead
)

// Personalization separates keys derived by closednet from any other use of
// the same secret with BLAKE2b.
const Personalization = "closednet-grp-enc-v1"

// ErrAuthFailure is returned when a sealed blob cannot be opened. It covers
// truncated input, a wrong group secret, and any modification of the blob.
var ErrAuthFailure = errors.New("message authentication failed")

// Seal encrypts plaintext under a key derived from secret and a fresh random
// salt. The result is salt || nonce || ciphertext with the Poly1305 tag.
func Seal(plaintext []byte, secret GroupSecret) ([]byte, error) {
	var salt [SaltSize]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	key, err := deriveKey(secret, salt[:])
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, Overhead+len(plaintext))
	out = append(out, salt[:]...)
	out = append(out, nonce[:]...)
	return secretbox.Seal(out, plaintext, &nonce, key), nil
}

// Open reverses Seal. The key is always re-derived from the salt embedded in
// blob. Any failure returns ErrAuthFailure and no plaintext.
func Open(blob []byte, secret GroupSecret) ([]byte, error) {
	if len(blob) < Overhead {
		return nil, ErrAuthFailure
	}
	salt := blob[:SaltSize]
	var nonce [NonceSize]byte
	copy(nonce[:], blob[SaltSize:SaltSize+NonceSize])
	key, err := deriveKey(secret, salt)
	if err != nil {
		return nil, ErrAuthFailure
	}
	plaintext, ok := secretbox.Open(nil, blob[SaltSize+NonceSize:], &nonce, key)
	if !ok {
		return nil, ErrAuthFailure
	}
	return plaintext, nil
}

// deriveKey computes BLAKE2b-256 keyed with the salt over the length-prefixed
// personalization followed by the group secret.
func deriveKey(secret GroupSecret, salt []byte) (*[KeySize]byte, error) {
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("invalid salt length %d", len(salt))
	}
	h, err := blake2b.New256(salt)
	if err != nil {
		return nil, fmt.Errorf("init blake2b: %w", err)
	}
	h.Write([]byte{byte(len(Personalization))})
	h.Write([]byte(Personalization))
	h.Write(secret)
	var key [KeySize]byte
	copy(key[:], h.Sum(nil))
	return &key, nil
}
