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
	"crypto/rand"
	"errors"
	"testing"
)

func TestSealOpen(t *testing.T) {
	t.Parallel()

	t.Run("RoundTrip", func(t *testing.T) {
		t.Parallel()
		secrets := []GroupSecret{
			GroupSecret("grp"),
			MustGenerateGroupSecret(),
			GroupSecret(bytes.Repeat([]byte{0xff}, 200)),
			GroupSecret{},
		}
		sizes := []int{0, 1, 15, 16, 64, 1024, 64 * 1024}
		for _, secret := range secrets {
			for _, size := range sizes {
				plaintext := make([]byte, size)
				if _, err := rand.Read(plaintext); err != nil {
					t.Fatal(err)
				}
				blob, err := Seal(plaintext, secret)
				if err != nil {
					t.Fatal(err)
				}
				if len(blob) != len(plaintext)+Overhead {
					t.Fatalf("expected blob of %d bytes, got %d", len(plaintext)+Overhead, len(blob))
				}
				out, err := Open(blob, secret)
				if err != nil {
					t.Fatalf("open size %d: %v", size, err)
				}
				if !bytes.Equal(out, plaintext) {
					t.Fatalf("round trip mismatch for size %d", size)
				}
			}
		}
	})

	t.Run("FreshSaltPerCall", func(t *testing.T) {
		t.Parallel()
		secret := GroupSecret("grp")
		a, err := Seal([]byte("hello"), secret)
		if err != nil {
			t.Fatal(err)
		}
		b, err := Seal([]byte("hello"), secret)
		if err != nil {
			t.Fatal(err)
		}
		if bytes.Equal(a[:SaltSize], b[:SaltSize]) {
			t.Fatal("expected distinct salts for two seal calls")
		}
		if bytes.Equal(a, b) {
			t.Fatal("expected distinct blobs for two seal calls")
		}
	})

	t.Run("TamperRejected", func(t *testing.T) {
		t.Parallel()
		secret := GroupSecret("grp")
		blob, err := Seal([]byte(`{"endpoint":"[2001:db8::1]:51820"}`), secret)
		if err != nil {
			t.Fatal(err)
		}
		for i := range blob {
			tampered := bytes.Clone(blob)
			tampered[i] ^= 0x01
			out, err := Open(tampered, secret)
			if !errors.Is(err, ErrAuthFailure) {
				t.Fatalf("byte %d: expected ErrAuthFailure, got %v", i, err)
			}
			if out != nil {
				t.Fatalf("byte %d: expected no plaintext on failure", i)
			}
		}
	})

	t.Run("WrongSecretRejected", func(t *testing.T) {
		t.Parallel()
		blob, err := Seal([]byte("hello"), GroupSecret("grp"))
		if err != nil {
			t.Fatal(err)
		}
		for _, wrong := range []GroupSecret{GroupSecret("grp2"), GroupSecret("Grp"), GroupSecret{}, MustGenerateGroupSecret()} {
			if _, err := Open(blob, wrong); !errors.Is(err, ErrAuthFailure) {
				t.Fatalf("secret %q: expected ErrAuthFailure, got %v", wrong, err)
			}
		}
	})

	t.Run("TruncatedRejected", func(t *testing.T) {
		t.Parallel()
		secret := GroupSecret("grp")
		blob, err := Seal([]byte("hello"), secret)
		if err != nil {
			t.Fatal(err)
		}
		for _, n := range []int{0, 1, SaltSize - 1, SaltSize, SaltSize + NonceSize, Overhead - 1, len(blob) - 1} {
			if _, err := Open(blob[:n], secret); !errors.Is(err, ErrAuthFailure) {
				t.Fatalf("length %d: expected ErrAuthFailure, got %v", n, err)
			}
		}
		if _, err := Open(nil, secret); !errors.Is(err, ErrAuthFailure) {
			t.Fatalf("nil blob: expected ErrAuthFailure, got %v", err)
		}
	})

	t.Run("SaltSwapRejected", func(t *testing.T) {
		t.Parallel()
		secret := GroupSecret("grp")
		a, _ := Seal([]byte("hello"), secret)
		b, _ := Seal([]byte("hello"), secret)
		swapped := append(bytes.Clone(b[:SaltSize]), a[SaltSize:]...)
		if _, err := Open(swapped, secret); !errors.Is(err, ErrAuthFailure) {
			t.Fatalf("expected ErrAuthFailure for a foreign salt, got %v", err)
		}
	})
}

func TestGroupSecret(t *testing.T) {
	t.Parallel()
	a := MustGenerateGroupSecret()
	b := MustGenerateGroupSecret()
	if len(a) != DefaultGroupSecretLength {
		t.Fatalf("expected %d byte secret, got %d", DefaultGroupSecretLength, len(a))
	}
	if bytes.Equal(a, b) {
		t.Fatal("expected two generated secrets to differ")
	}
	for _, c := range a {
		if !bytes.Contains(GroupSecretChars, []byte{c}) {
			t.Fatalf("unexpected character %q in generated secret", c)
		}
	}
	blob, err := a.Seal([]byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	out, err := a.Open(blob)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "hello" {
		t.Fatalf("unexpected plaintext %q", out)
	}
	if !(GroupSecret{}).IsEmpty() || a.IsEmpty() {
		t.Fatal("IsEmpty returned the wrong result")
	}
}
