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

// Package directory contains adapters for the public blob store used as the
// rendezvous channel between group members.
package directory

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/closednet/closednet/pkg/context"
)

// DefaultFilename is the name of the file holding an announcement inside a
// record.
const DefaultFilename = "user_data.txt"

var (
	// ErrNoRecord is returned when an operation needs a record that does
	// not exist.
	ErrNoRecord = errors.New("record not found")
	// ErrRateLimited is returned when the directory refuses a request
	// because of rate limits.
	ErrRateLimited = errors.New("directory rate limit exceeded")
)

// Record is one entry in the directory.
type Record struct {
	// ID is the directory assigned identifier.
	ID string
	// Description carries the group and owner markers.
	Description string
	// Filename is the file the content was read from.
	Filename string
	// Content is the inline content. It may be empty when the directory
	// only returned a reference.
	Content string
	// RawURL is where the full content can be fetched when it is not
	// inline or was truncated.
	RawURL string
	// Truncated is true when Content is incomplete.
	Truncated bool
	// UpdatedAt is the last modification time reported by the directory.
	UpdatedAt time.Time
}

// Directory is the interface for publishing and listing announcements.
type Directory interface {
	// Publish creates this member's record on the first call and updates
	// it in place afterwards. It returns the record ID.
	Publish(ctx context.Context, tag, content string) (string, error)
	// List returns every record carrying the tag. Records without the
	// exact tag marker are filtered out client side.
	List(ctx context.Context, tag string) ([]Record, error)
	// Fetch returns the full content of a record.
	Fetch(ctx context.Context, rec Record) (string, error)
}

// Description returns the record description for a tag and owner.
func Description(tag, owner string) string {
	return fmt.Sprintf("%s-[owner:%s]", TagMarker(tag), owner)
}

// TagMarker returns the marker identifying records of a group.
func TagMarker(tag string) string {
	return "[group:" + tag + "]"
}

// HasTag reports whether a description carries the exact marker for tag.
func HasTag(description, tag string) bool {
	return tag != "" && strings.Contains(description, TagMarker(tag))
}

// OwnerOf returns the owner named in a description, if any.
func OwnerOf(description string) (string, bool) {
	const marker = "[owner:"
	i := strings.Index(description, marker)
	if i < 0 {
		return "", false
	}
	rest := description[i+len(marker):]
	j := strings.Index(rest, "]")
	if j < 0 {
		return "", false
	}
	return rest[:j], true
}
