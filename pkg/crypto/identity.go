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
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

// DefaultIdentityBits is the RSA modulus size for new identities.
const DefaultIdentityBits = 2048

// MinIdentityBits is the smallest modulus accepted for an identity.
const MinIdentityBits = 2048

const (
	pemTypePrivateKey = "PRIVATE KEY"
	pemTypePublicKey  = "PUBLIC KEY"
)

// ErrInvalidIdentity is returned when identity key material cannot be used.
var ErrInvalidIdentity = errors.New("invalid identity")

// Signing with PSSSaltLengthAuto uses the largest salt the modulus allows.
var pssSignOptions = &rsa.PSSOptions{
	SaltLength: rsa.PSSSaltLengthAuto,
	Hash:       crypto.SHA256,
}

// pssVerifyOptions pins the salt length to the one Sign produces, so
// signatures with any other salt length are rejected.
func pssVerifyOptions(pub *rsa.PublicKey) *rsa.PSSOptions {
	return &rsa.PSSOptions{
		SaltLength: (pub.N.BitLen()-1+7)/8 - 2 - sha256.Size,
		Hash:       crypto.SHA256,
	}
}

// Identity is a member's RSA keypair. The private half never leaves the
// process that owns it.
type Identity struct {
	priv *rsa.PrivateKey
	pub  []byte
}

// GenerateIdentity generates a new identity with the default modulus size.
func GenerateIdentity() (*Identity, error) {
	return GenerateIdentityWithBits(DefaultIdentityBits)
}

// GenerateIdentityWithBits generates a new identity with the given modulus size.
func GenerateIdentityWithBits(bits int) (*Identity, error) {
	if bits < MinIdentityBits {
		return nil, fmt.Errorf("%w: modulus of %d bits is below the %d bit minimum", ErrInvalidIdentity, bits, MinIdentityBits)
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}
	return newIdentity(priv)
}

// MustGenerateIdentity generates a new identity or panics.
func MustGenerateIdentity() *Identity {
	id, err := GenerateIdentity()
	if err != nil {
		panic(err)
	}
	return id
}

// ParseIdentity parses a PEM encoded private key. PKCS#8 is expected but
// PKCS#1 "RSA PRIVATE KEY" blocks are accepted.
func ParseIdentity(privPEM []byte) (*Identity, error) {
	block, _ := pem.Decode(privPEM)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrInvalidIdentity)
	}
	var priv *rsa.PrivateKey
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
		}
		priv = key
	default:
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: private key is %T, not RSA", ErrInvalidIdentity, key)
		}
		priv = rsaKey
	}
	if priv.N.BitLen() < MinIdentityBits {
		return nil, fmt.Errorf("%w: modulus of %d bits is below the %d bit minimum", ErrInvalidIdentity, priv.N.BitLen(), MinIdentityBits)
	}
	return newIdentity(priv)
}

func newIdentity(priv *rsa.PrivateKey) (*Identity, error) {
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return &Identity{
		priv: priv,
		pub:  pem.EncodeToMemory(&pem.Block{Type: pemTypePublicKey, Bytes: der}),
	}, nil
}

// PublicKeyPEM returns the SubjectPublicKeyInfo PEM encoding of the public key.
// The encoding is stable, so two exports of one key are byte-for-byte equal.
func (i *Identity) PublicKeyPEM() []byte {
	out := make([]byte, len(i.pub))
	copy(out, i.pub)
	return out
}

// PublicKey returns the RSA public key.
func (i *Identity) PublicKey() *rsa.PublicKey {
	return &i.priv.PublicKey
}

// PrivateKeyPEM returns the PKCS#8 PEM encoding of the private key.
func (i *Identity) PrivateKeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(i.priv)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemTypePrivateKey, Bytes: der}), nil
}

// Sign signs message with RSA-PSS over SHA-256 using the maximum salt length.
// Signing the same message twice yields different signatures.
func (i *Identity) Sign(message []byte) ([]byte, error) {
	digest := sha256.Sum256(message)
	return rsa.SignPSS(rand.Reader, i.priv, crypto.SHA256, digest[:], pssSignOptions)
}

// Decrypt decrypts an RSA-OAEP (SHA-256) ciphertext addressed to this identity.
func (i *Identity) Decrypt(ciphertext []byte) ([]byte, error) {
	return rsa.DecryptOAEP(sha256.New(), rand.Reader, i.priv, ciphertext, nil)
}

// ParsePublicKey parses a PEM encoded SubjectPublicKeyInfo RSA public key.
// Keys with a modulus below MinIdentityBits are rejected.
func ParsePublicKey(pubPEM []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pubPEM)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrInvalidIdentity)
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: public key is %T, not RSA", ErrInvalidIdentity, key)
	}
	if rsaKey.N.BitLen() < MinIdentityBits {
		return nil, fmt.Errorf("%w: modulus of %d bits is below the %d bit minimum", ErrInvalidIdentity, rsaKey.N.BitLen(), MinIdentityBits)
	}
	return rsaKey, nil
}

// Verify reports whether signature is a valid RSA-PSS signature of message
// by the PEM encoded public key. It never panics or errors; malformed keys
// and signatures simply fail verification.
func Verify(pubPEM, message, signature []byte) bool {
	if len(signature) == 0 {
		return false
	}
	pub, err := ParsePublicKey(pubPEM)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(message)
	return rsa.VerifyPSS(pub, crypto.SHA256, digest[:], signature, pssVerifyOptions(pub)) == nil
}

// Encrypt encrypts message for the holder of the PEM encoded public key
// using RSA-OAEP with SHA-256.
func Encrypt(pubPEM, message []byte) ([]byte, error) {
	pub, err := ParsePublicKey(pubPEM)
	if err != nil {
		return nil, err
	}
	return rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, message, nil)
}
