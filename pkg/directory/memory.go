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
	"strconv"
	"sync"
	"time"

	"github.com/closednet/closednet/pkg/context"
)

// Memory is an in-memory directory shared by any number of clients. Like a
// public blob store, anyone may write to it.
type Memory struct {
	mu      sync.Mutex
	records []Record
	seq     int
}

// NewMemory returns an empty in-memory directory.
func NewMemory() *Memory {
	return &Memory{}
}

// Client returns a Directory that publishes as owner.
func (m *Memory) Client(owner string) *MemoryClient {
	return &MemoryClient{mem: m, owner: owner}
}

// Put stores a raw record and returns its ID. ID is assigned when empty.
func (m *Memory) Put(rec Record) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID == "" {
		m.seq++
		rec.ID = strconv.Itoa(m.seq)
	}
	if rec.Filename == "" {
		rec.Filename = DefaultFilename
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	for i, r := range m.records {
		if r.ID == rec.ID {
			m.records[i] = rec
			return rec.ID
		}
	}
	m.records = append(m.records, rec)
	return rec.ID
}

// Records returns a copy of every stored record in insertion order.
func (m *Memory) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out
}

func (m *Memory) get(id string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.ID == id {
			return r, true
		}
	}
	return Record{}, false
}

// MemoryClient is one member's handle on a Memory directory.
type MemoryClient struct {
	mem      *Memory
	owner    string
	mu       sync.Mutex
	recordID string
}

// RecordID returns the ID of the record this client publishes to.
func (c *MemoryClient) RecordID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recordID
}

// Publish implements Directory.
func (c *MemoryClient) Publish(ctx context.Context, tag, content string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := Record{
		ID:          c.recordID,
		Description: Description(tag, c.owner),
		Filename:    DefaultFilename,
		Content:     content,
		UpdatedAt:   time.Now().UTC(),
	}
	if rec.ID != "" {
		if _, ok := c.mem.get(rec.ID); !ok {
			return "", ErrNoRecord
		}
	}
	c.recordID = c.mem.Put(rec)
	return c.recordID, nil
}

// List implements Directory.
func (c *MemoryClient) List(ctx context.Context, tag string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Record
	for _, r := range c.mem.Records() {
		if HasTag(r.Description, tag) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Fetch implements Directory.
func (c *MemoryClient) Fetch(ctx context.Context, rec Record) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if rec.Content != "" && !rec.Truncated {
		return rec.Content, nil
	}
	stored, ok := c.mem.get(rec.ID)
	if !ok {
		return "", ErrNoRecord
	}
	return stored.Content, nil
}
