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
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/pflag"

	"github.com/closednet/closednet/pkg/crypto"
)

var (
	testIdentityOnce sync.Once
	testIdentity     *crypto.Identity
)

func newTestIdentity(t *testing.T) *crypto.Identity {
	t.Helper()
	testIdentityOnce.Do(func() {
		testIdentity = crypto.MustGenerateIdentity()
	})
	return testIdentity
}

func newTestConfig(t *testing.T) *Config {
	t.Helper()
	c := New()
	c.Name = "alice"
	c.Group.Name = "friends"
	c.Group.Secret = "s3cret"
	ident, err := IdentityOptionsFrom(newTestIdentity(t))
	if err != nil {
		t.Fatal(err)
	}
	c.Identity = ident
	return c
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()
	tc := []struct {
		name    string
		mutate  func(c *Config)
		wantErr error
		ok      bool
	}{
		{name: "valid", mutate: func(c *Config) {}, ok: true},
		{name: "no identity", mutate: func(c *Config) { c.Identity = IdentityOptions{} }, wantErr: ErrNoIdentity},
		{name: "no secret", mutate: func(c *Config) { c.Group.Secret = "" }, wantErr: ErrNoGroupSecret},
		{name: "no group", mutate: func(c *Config) { c.Group.Name = "" }},
		{name: "bracket in group", mutate: func(c *Config) { c.Group.Name = "a]b" }},
		{name: "no name", mutate: func(c *Config) { c.Name = "" }},
		{name: "bad kind", mutate: func(c *Config) { c.Kind = "Other" }},
		{name: "duplicate roster", mutate: func(c *Config) {
			c.Roster = []RosterEntry{{Name: "bob", PublicKey: "x"}, {Name: "bob", PublicKey: "y"}}
		}, wantErr: ErrMemberExists},
		{name: "bad interval", mutate: func(c *Config) { c.Discovery.Interval = NewDuration(0) }},
		{name: "negative max age", mutate: func(c *Config) { c.Discovery.MaxAge = NewDuration(-time.Second) }},
		{name: "bad port", mutate: func(c *Config) { c.WireGuard.ListenPort = 70000 }},
		{name: "bad address", mutate: func(c *Config) { c.WireGuard.Address = "10.0.0.1" }},
		{name: "bad network", mutate: func(c *Config) { c.WireGuard.Network = "nope" }},
		{name: "long interface", mutate: func(c *Config) { c.WireGuard.InterfaceName = "abcdefghijklmnop" }},
		{name: "bad base url", mutate: func(c *Config) { c.Directory.BaseURL = "::" }},
		{name: "metrics without address", mutate: func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.ListenAddress = ""
		}},
		{name: "mismatched public key", mutate: func(c *Config) {
			c.Identity.PublicKey = string(crypto.MustGenerateIdentity().PublicKeyPEM())
		}},
	}
	for _, tt := range tc {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := newTestConfig(t)
			tt.mutate(c)
			err := c.Validate()
			if tt.ok {
				if err != nil {
					t.Fatalf("expected valid config, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	t.Parallel()
	for _, format := range []Format{FormatYAML, FormatTOML, FormatJSON} {
		format := format
		t.Run(string(format), func(t *testing.T) {
			t.Parallel()
			in := newTestConfig(t)
			in.Discovery.MaxAge = NewDuration(time.Hour)
			in.WireGuard.PersistentKeepAlive = NewDuration(25 * time.Second)
			in.Roster = []RosterEntry{{Name: "bob", PublicKey: "-----BEGIN PUBLIC KEY-----\nabc\n-----END PUBLIC KEY-----\n"}}
			var buf bytes.Buffer
			if err := in.Marshal(&buf, format); err != nil {
				t.Fatal(err)
			}
			out := New()
			if err := out.Unmarshal(&buf, format); err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(in, out); diff != "" {
				t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestUnmarshalEmptyYAML(t *testing.T) {
	t.Parallel()
	c := New()
	if err := c.Unmarshal(strings.NewReader(""), FormatYAML); err != nil {
		t.Fatal(err)
	}
	if c.WireGuard.InterfaceName != DefaultInterfaceName {
		t.Fatalf("expected defaults to survive, got %q", c.WireGuard.InterfaceName)
	}
}

func TestFormatFor(t *testing.T) {
	t.Parallel()
	tc := map[string]Format{
		"config.yaml": FormatYAML,
		"config.yml":  FormatYAML,
		"config":      FormatYAML,
		"config.TOML": FormatTOML,
		"config.json": FormatJSON,
	}
	for path, want := range tc {
		if got := FormatFor(path); got != want {
			t.Errorf("FormatFor(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestStore(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	store := NewStore(path)
	if store.Exists() {
		t.Fatal("expected no config")
	}
	if _, err := store.Load(); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected fs.ErrNotExist, got %v", err)
	}
	if err := store.Create(newTestConfig(t)); err != nil {
		t.Fatal(err)
	}
	if err := store.Create(newTestConfig(t)); !errors.Is(err, fs.ErrExist) {
		t.Fatalf("expected fs.ErrExist, got %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("expected mode 0600, got %v", info.Mode().Perm())
	}

	bob := string(newTestIdentity(t).PublicKeyPEM())
	if err := store.AddRosterEntry("bob", bob); err != nil {
		t.Fatal(err)
	}
	if err := store.AddRosterEntry("bob", bob); !errors.Is(err, ErrMemberExists) {
		t.Fatalf("expected ErrMemberExists, got %v", err)
	}
	if err := store.AddRosterEntry("carol", "not a key"); err == nil {
		t.Fatal("expected error for unparseable key")
	}
	if err := store.SetRecordID("gist-1"); err != nil {
		t.Fatal(err)
	}

	c, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	want := []RosterEntry{{Name: "bob", PublicKey: bob}}
	if diff := cmp.Diff(want, c.Roster); diff != "" {
		t.Fatalf("unexpected roster (-want +got):\n%s", diff)
	}
	if c.Directory.RecordID != "gist-1" {
		t.Fatalf("expected record id to persist, got %q", c.Directory.RecordID)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("stored config is invalid: %v", err)
	}

	// Loaded values are independent copies.
	c.Roster[0].Name = "mallory"
	again, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if again.Roster[0].Name != "bob" {
		t.Fatal("mutating a loaded config changed the store")
	}

	if err := store.RemoveRosterEntry("bob"); err != nil {
		t.Fatal(err)
	}
	if err := store.RemoveRosterEntry("bob"); !errors.Is(err, ErrMemberNotFound) {
		t.Fatalf("expected ErrMemberNotFound, got %v", err)
	}
	c, err = store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Roster) != 0 {
		t.Fatalf("expected empty roster, got %v", c.Roster)
	}
}

func TestStoreUpdateError(t *testing.T) {
	t.Parallel()
	store := NewStore(filepath.Join(t.TempDir(), "config.toml"))
	if err := store.Save(newTestConfig(t)); err != nil {
		t.Fatal(err)
	}
	before, err := os.ReadFile(store.Path())
	if err != nil {
		t.Fatal(err)
	}
	boom := errors.New("boom")
	err = store.Update(func(c *Config) error {
		c.Name = "changed"
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	after, err := os.ReadFile(store.Path())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) {
		t.Fatal("failed update wrote the config")
	}
}

func TestStoreConcurrentUpdates(t *testing.T) {
	t.Parallel()
	store := NewStore(filepath.Join(t.TempDir(), "config.json"))
	if err := store.Save(newTestConfig(t)); err != nil {
		t.Fatal(err)
	}
	key := string(newTestIdentity(t).PublicKeyPEM())
	var wg sync.WaitGroup
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if err := store.AddRosterEntry(name, key); err != nil {
				t.Error(err)
			}
		}(name)
	}
	wg.Wait()
	c, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Roster) != 6 {
		t.Fatalf("expected 6 roster entries, got %d", len(c.Roster))
	}
}

func TestLoadIntoFlagPrecedence(t *testing.T) {
	t.Parallel()
	store := NewStore(filepath.Join(t.TempDir(), "config.yaml"))
	file := newTestConfig(t)
	file.WireGuard.ListenPort = 40000
	file.Discovery.Interval = NewDuration(time.Minute)
	if err := store.Save(file); err != nil {
		t.Fatal(err)
	}

	c := New()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	c.BindFlags("", fs)
	if err := fs.Parse([]string{"--wireguard.listen-port=41000"}); err != nil {
		t.Fatal(err)
	}
	if err := store.LoadInto(c, fs); err != nil {
		t.Fatal(err)
	}
	if c.WireGuard.ListenPort != 41000 {
		t.Fatalf("expected flag to win, got %d", c.WireGuard.ListenPort)
	}
	if c.Discovery.Interval.Duration != time.Minute {
		t.Fatalf("expected file value for unset flag, got %v", c.Discovery.Interval)
	}
	if c.Group.Name != "friends" {
		t.Fatalf("expected group from file, got %q", c.Group.Name)
	}
}

func TestWireGuardOptionsHelpers(t *testing.T) {
	t.Parallel()
	o := NewWireGuardOptions()
	prefixes, err := o.AllowedIPs()
	if err != nil {
		t.Fatal(err)
	}
	if len(prefixes) != 1 || prefixes[0].String() != "10.0.0.0/24" {
		t.Fatalf("unexpected allowed ips %v", prefixes)
	}
	addr, ok := o.AddressPrefix()
	if !ok || addr.String() != "10.0.0.1/24" {
		t.Fatalf("unexpected address %v", addr)
	}
	if o.AdvertisedPort() != 51820 {
		t.Fatalf("expected listen port to be advertised, got %d", o.AdvertisedPort())
	}
	o.EndpointPort = 443
	if o.AdvertisedPort() != 443 {
		t.Fatalf("expected endpoint port to be advertised, got %d", o.AdvertisedPort())
	}
}

func TestDirectoryToken(t *testing.T) {
	t.Setenv(TokenEnvVar, "")
	t.Setenv(GitHubTokenEnvVar, "from-github")
	o := NewDirectoryOptions()
	if got := o.ResolvedToken(); got != "from-github" {
		t.Fatalf("expected fallback token, got %q", got)
	}
	o.Token = "explicit"
	if got := o.ResolvedToken(); got != "explicit" {
		t.Fatalf("expected explicit token, got %q", got)
	}
}
