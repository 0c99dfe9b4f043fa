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
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"unicode"
)

// ErrUnrecognizedKey is returned when no parse strategy accepts key material.
var ErrUnrecognizedKey = errors.New("unrecognized public key encoding")

// KeyParser turns one encoding of public key material into a key.
type KeyParser func(data []byte) (crypto.PublicKey, error)

// KeyParsers is the ordered chain tried by ParseAnyPublicKey.
var KeyParsers = []KeyParser{
	ParsePEMPublicKey,
	ParseDERPublicKey,
	ParseBase64PublicKey,
	ParseHexPublicKey,
}

// ParseAnyPublicKey tries each of KeyParsers in order and returns the first key
// produced.
func ParseAnyPublicKey(data []byte) (crypto.PublicKey, error) {
	for _, parse := range KeyParsers {
		if key, err := parse(data); err == nil {
			return key, nil
		}
	}
	return nil, ErrUnrecognizedKey
}

// ParsePEMPublicKey parses the first PEM block in data.
func ParsePEMPublicKey(data []byte) (crypto.PublicKey, error) {
	block, _ := pem.Decode(bytes.TrimSpace(data))
	if block == nil {
		return nil, ErrUnrecognizedKey
	}
	return ParseDERPublicKey(block.Bytes)
}

// ParseDERPublicKey parses a DER SubjectPublicKeyInfo or PKCS#1 public key.
func ParseDERPublicKey(data []byte) (crypto.PublicKey, error) {
	if key, err := x509.ParsePKIXPublicKey(data); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS1PublicKey(data); err == nil {
		return key, nil
	}
	return nil, ErrUnrecognizedKey
}

// ParseBase64PublicKey parses base64 wrapped DER, with any PEM style header
// lines and whitespace removed first.
func ParseBase64PublicKey(data []byte) (crypto.PublicKey, error) {
	der, ok := decodeBase64Body(data)
	if !ok {
		return nil, ErrUnrecognizedKey
	}
	return ParseDERPublicKey(der)
}

// ParseHexPublicKey parses hex encoded PEM or DER, the form keys take inside
// announcement envelopes.
func ParseHexPublicKey(data []byte) (crypto.PublicKey, error) {
	raw, err := hex.DecodeString(string(stripSpace(data)))
	if err != nil || len(raw) == 0 {
		return nil, ErrUnrecognizedKey
	}
	if key, err := ParsePEMPublicKey(raw); err == nil {
		return key, nil
	}
	return ParseDERPublicKey(raw)
}

// PublicKeysMatch reports whether a and b hold the same public key, whatever
// mix of PEM, DER, base64 or hex they are supplied in. When both sides parse,
// the key material is compared directly and keys of different algorithms never
// match. When either side fails to parse, a SHA-256 digest of the canonical
// bytes of each side is compared instead.
func PublicKeysMatch(a, b []byte) bool {
	keyA, errA := ParseAnyPublicKey(a)
	keyB, errB := ParseAnyPublicKey(b)
	if errA == nil && errB == nil {
		return publicKeysEqual(keyA, keyB)
	}
	da := sha256.Sum256(canonicalKeyBytes(a))
	db := sha256.Sum256(canonicalKeyBytes(b))
	return subtle.ConstantTimeCompare(da[:], db[:]) == 1
}

func publicKeysEqual(a, b crypto.PublicKey) bool {
	switch ka := a.(type) {
	case *rsa.PublicKey:
		kb, ok := b.(*rsa.PublicKey)
		if !ok {
			return false
		}
		return ka.E == kb.E && ka.N.Cmp(kb.N) == 0
	case interface{ Equal(crypto.PublicKey) bool }:
		return ka.Equal(b)
	}
	return false
}

// canonicalKeyBytes strips header lines and whitespace and base64 decodes the
// remainder when possible.
func canonicalKeyBytes(data []byte) []byte {
	if der, ok := decodeBase64Body(data); ok {
		return der
	}
	return stripSpace(data)
}

func decodeBase64Body(data []byte) ([]byte, bool) {
	var body []byte
	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if bytes.HasPrefix(line, []byte("-----")) {
			continue
		}
		body = append(body, line...)
	}
	body = stripSpace(body)
	if len(body) == 0 {
		return nil, false
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding} {
		if out, err := enc.DecodeString(string(body)); err == nil && len(out) > 0 {
			return out, true
		}
	}
	return nil, false
}

func stripSpace(data []byte) []byte {
	return bytes.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, data)
}
