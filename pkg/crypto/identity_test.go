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
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"testing"
)

func TestIdentityEncoding(t *testing.T) {
	t.Parallel()
	id := MustGenerateIdentity()

	privPEM, err := id.PrivateKeyPEM()
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := ParseIdentity(privPEM)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(decoded.PublicKeyPEM(), id.PublicKeyPEM()) {
		t.Fatal("public key changed across a private key round trip")
	}
	again, err := decoded.PrivateKeyPEM()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(again, privPEM) {
		t.Fatal("private key encoding is not stable")
	}

	pub, err := ParsePublicKey(id.PublicKeyPEM())
	if err != nil {
		t.Fatal(err)
	}
	if !pub.Equal(id.PublicKey()) {
		t.Fatal("parsed public key does not equal the identity public key")
	}

	// PKCS#1 private keys are accepted for imported identities.
	pkcs1 := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(decoded.priv),
	})
	fromPKCS1, err := ParseIdentity(pkcs1)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(fromPKCS1.PublicKeyPEM(), id.PublicKeyPEM()) {
		t.Fatal("PKCS#1 import produced a different public key")
	}
}

func TestParseIdentityErrors(t *testing.T) {
	t.Parallel()
	tc := []struct {
		name string
		data []byte
	}{
		{"Empty", nil},
		{"NotPEM", []byte("not a key")},
		{"GarbagePEM", pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: []byte("garbage")})},
		{"PublicKeyPEM", MustGenerateIdentity().PublicKeyPEM()},
	}
	for _, c := range tc {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			if _, err := ParseIdentity(c.data); !errors.Is(err, ErrInvalidIdentity) {
				t.Fatalf("expected ErrInvalidIdentity, got %v", err)
			}
		})
	}
	if _, err := GenerateIdentityWithBits(1024); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected weak modulus to be rejected, got %v", err)
	}
}

func TestSignVerify(t *testing.T) {
	t.Parallel()
	alice := MustGenerateIdentity()
	mallory := MustGenerateIdentity()
	msg := []byte("hello world")

	sig, err := alice.Sign(msg)
	if err != nil {
		t.Fatal(err)
	}
	if !Verify(alice.PublicKeyPEM(), msg, sig) {
		t.Fatal("expected signature to verify")
	}

	// PSS is probabilistic.
	sig2, err := alice.Sign(msg)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(sig, sig2) {
		t.Fatal("expected signatures over the same message to differ")
	}
	if !Verify(alice.PublicKeyPEM(), msg, sig2) {
		t.Fatal("expected second signature to verify")
	}

	tc := []struct {
		name string
		pub  []byte
		msg  []byte
		sig  []byte
	}{
		{"WrongKey", mallory.PublicKeyPEM(), msg, sig},
		{"WrongMessage", alice.PublicKeyPEM(), []byte("hello world!"), sig},
		{"EmptySignature", alice.PublicKeyPEM(), msg, nil},
		{"TruncatedSignature", alice.PublicKeyPEM(), msg, sig[:len(sig)-1]},
		{"MalformedKey", []byte("garbage"), msg, sig},
		{"EmptyKey", nil, msg, sig},
	}
	for _, c := range tc {
		if Verify(c.pub, c.msg, c.sig) {
			t.Fatalf("%s: expected verification to fail", c.name)
		}
	}
	flipped := bytes.Clone(sig)
	flipped[len(flipped)/2] ^= 0x80
	if Verify(alice.PublicKeyPEM(), msg, flipped) {
		t.Fatal("expected a modified signature to fail verification")
	}
}

func TestVerifyRejectsOtherSaltLengths(t *testing.T) {
	t.Parallel()
	id := MustGenerateIdentity()
	msg := []byte("hello world")
	digest := sha256.Sum256(msg)
	tc := []struct {
		name string
		salt int
	}{
		{"EqualsHash", rsa.PSSSaltLengthEqualsHash},
		{"Short", 8},
	}
	for _, c := range tc {
		sig, err := rsa.SignPSS(rand.Reader, id.priv, crypto.SHA256, digest[:], &rsa.PSSOptions{SaltLength: c.salt, Hash: crypto.SHA256})
		if err != nil {
			t.Fatalf("%s: %v", c.name, err)
		}
		if Verify(id.PublicKeyPEM(), msg, sig) {
			t.Fatalf("%s: expected a signature with a different salt length to fail verification", c.name)
		}
	}
}

func TestUndersizedPublicKey(t *testing.T) {
	t.Parallel()
	priv, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	if _, err := ParsePublicKey(pubPEM); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected ErrInvalidIdentity, got %v", err)
	}
	msg := []byte("hello world")
	digest := sha256.Sum256(msg)
	sig, err := rsa.SignPSS(rand.Reader, priv, crypto.SHA256, digest[:], &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto, Hash: crypto.SHA256})
	if err != nil {
		t.Fatal(err)
	}
	if Verify(pubPEM, msg, sig) {
		t.Fatal("expected a signature by an undersized key to fail verification")
	}
	if _, err := Encrypt(pubPEM, msg); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected ErrInvalidIdentity, got %v", err)
	}
}

func TestEncryptDecrypt(t *testing.T) {
	t.Parallel()
	alice := MustGenerateIdentity()
	bob := MustGenerateIdentity()
	msg := []byte("point to point secret")

	ct, err := Encrypt(bob.PublicKeyPEM(), msg)
	if err != nil {
		t.Fatal(err)
	}
	out, err := bob.Decrypt(ct)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, msg) {
		t.Fatalf("unexpected plaintext %q", out)
	}
	if _, err := alice.Decrypt(ct); err == nil {
		t.Fatal("expected decryption with the wrong identity to fail")
	}
	ct2, err := Encrypt(bob.PublicKeyPEM(), msg)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(ct, ct2) {
		t.Fatal("expected OAEP ciphertexts to differ")
	}
	if _, err := Encrypt([]byte("garbage"), msg); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected ErrInvalidIdentity, got %v", err)
	}
	// Messages beyond the OAEP limit are rejected.
	tooLong := make([]byte, bob.PublicKey().Size())
	if _, err := Encrypt(bob.PublicKeyPEM(), tooLong); !errors.Is(err, rsa.ErrMessageTooLong) {
		t.Fatalf("expected rsa.ErrMessageTooLong, got %v", err)
	}
}
