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

package directory

import (
	"testing"

	"github.com/closednet/closednet/pkg/context"
)

func TestMemoryDirectory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := NewMemory()
	alice := mem.Client("alice")
	bob := mem.Client("bob")

	id, err := alice.Publish(ctx, "team", "a1")
	if err != nil {
		t.Fatal(err)
	}
	if again, _ := alice.Publish(ctx, "team", "a2"); again != id {
		t.Fatalf("expected update in place, got %q then %q", id, again)
	}
	if _, err := bob.Publish(ctx, "other", "b1"); err != nil {
		t.Fatal(err)
	}
	mem.Put(Record{Description: "spam", Content: "junk"})

	recs, err := bob.List(ctx, "team")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected one team record, got %d", len(recs))
	}
	content, err := bob.Fetch(ctx, recs[0])
	if err != nil {
		t.Fatal(err)
	}
	if content != "a2" {
		t.Fatalf("unexpected content %q", content)
	}
	if owner, _ := OwnerOf(recs[0].Description); owner != "alice" {
		t.Fatalf("unexpected owner %q", owner)
	}
	if n := len(mem.Records()); n != 3 {
		t.Fatalf("expected 3 stored records, got %d", n)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := bob.List(cancelled, "team"); err == nil {
		t.Fatal("expected a cancelled context to fail")
	}
}
