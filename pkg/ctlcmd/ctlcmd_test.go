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

package ctlcmd

import (
	"bytes"
	"encoding/base64"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/closednet/closednet/pkg/crypto"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	defer rootCmd.SetArgs(nil)
	err := rootCmd.Execute()
	return out.String(), err
}

// The commands share package level state so they run in sequence.
func TestOfflineCommands(t *testing.T) {
	t.Setenv("CLOSEDNET_GROUP_SECRET", "")
	path := filepath.Join(t.TempDir(), "config.yaml")
	bob := crypto.MustGenerateIdentity()

	out, err := execute(t, "init", "-c", path, "--group.name", "friends", "--name", "alice")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if !strings.Contains(out, "Group secret: ") || !strings.Contains(out, "BEGIN PUBLIC KEY") {
		t.Fatalf("unexpected init output: %s", out)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("expected mode 0600, got %v", info.Mode().Perm())
	}

	if _, err := execute(t, "init", "-c", path, "--group.name", "friends"); err == nil {
		t.Fatal("expected init over an existing config to fail")
	}

	out, err = execute(t, "identity", "-c", path)
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	if !strings.HasPrefix(out, "-----BEGIN PUBLIC KEY-----") {
		t.Fatalf("unexpected identity output: %s", out)
	}

	keyFile := filepath.Join(t.TempDir(), "bob.pem")
	if err := os.WriteFile(keyFile, bob.PublicKeyPEM(), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "roster", "add", "bob", keyFile, "-c", path); err != nil {
		t.Fatalf("roster add: %v", err)
	}
	if _, err := execute(t, "roster", "add", "bob", keyFile, "-c", path); err == nil {
		t.Fatal("expected adding bob twice to fail")
	}
	out, err = execute(t, "roster", "list", "-c", path)
	if err != nil {
		t.Fatalf("roster list: %v", err)
	}
	if !strings.Contains(out, "bob") || !strings.Contains(out, fingerprint(string(bob.PublicKeyPEM()))) {
		t.Fatalf("unexpected roster list output: %s", out)
	}

	if _, err := execute(t, "roster", "remove", "bob", "--offline", "-c", path); err != nil {
		t.Fatalf("roster remove: %v", err)
	}
	if _, err := execute(t, "roster", "remove", "bob", "--offline", "-c", path); err == nil {
		t.Fatal("expected removing bob twice to fail")
	}
}

func TestFingerprint(t *testing.T) {
	t.Parallel()
	id := crypto.MustGenerateIdentity()
	block, _ := pem.Decode(id.PublicKeyPEM())
	want := fingerprint(string(id.PublicKeyPEM()))
	if !strings.HasPrefix(want, "SHA256:") {
		t.Fatalf("unexpected fingerprint %q", want)
	}
	if got := fingerprint(base64.StdEncoding.EncodeToString(block.Bytes)); got != want {
		t.Fatalf("expected base64 key to fingerprint as %q, got %q", want, got)
	}
	if got := fingerprint("not a key"); got != "invalid" {
		t.Fatalf("expected invalid, got %q", got)
	}
}
