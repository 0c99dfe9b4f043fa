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

// Package trust turns directory records into the set of announcements made
// by pinned roster members.
package trust

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/closednet/closednet/pkg/announce"
	"github.com/closednet/closednet/pkg/context"
	"github.com/closednet/closednet/pkg/crypto"
	"github.com/closednet/closednet/pkg/directory"
)

const (
	// DefaultCacheSize is the number of decoded records kept between
	// cycles.
	DefaultCacheSize = 1024
	// DefaultConcurrency is the number of records fetched at once.
	DefaultConcurrency = 4
)

// RosterEntry is a pinned group member.
type RosterEntry struct {
	Name      string
	PublicKey []byte
}

// Trusted is an announcement from a roster member whose key matched.
type Trusted struct {
	// Name is the roster name of the member.
	Name string
	// SenderPublicKey is the key the envelope was signed with.
	SenderPublicKey []byte
	// Payload is the decrypted announcement.
	Payload announce.Payload
	// RecordID is the directory record the announcement came from.
	RecordID string
}

// Options are options for a Reconciler.
type Options struct {
	// Directory is the directory records are read from.
	Directory directory.Directory
	// MaxAge drops announcements issued longer ago than this. Zero
	// disables the check.
	MaxAge time.Duration
	// CacheSize is the number of decoded records to remember.
	CacheSize int
	// Concurrency is the number of record fetches in flight.
	Concurrency int
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Reconciler reconciles the directory against a roster.
type Reconciler struct {
	opts  Options
	cache *lru.Cache[[sha256.Size]byte, *announce.Candidate]
}

// NewReconciler returns a new reconciler.
func NewReconciler(opts Options) (*Reconciler, error) {
	if opts.Directory == nil {
		return nil, fmt.Errorf("directory must be set")
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	cache, err := lru.New[[sha256.Size]byte, *announce.Candidate](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	return &Reconciler{opts: opts, cache: cache}, nil
}

// Reconcile lists every record tagged for the group, decodes each with the
// group secret and returns the announcements whose claimed name is on the
// roster and whose signing key matches the pinned key for that name. When
// several records announce the same name the last one listed wins.
// Records that fail any check are dropped. Only failing to list the
// directory is an error.
func (r *Reconciler) Reconcile(ctx context.Context, tag string, secret crypto.GroupSecret, roster []RosterEntry) ([]Trusted, error) {
	log := context.LoggerFrom(ctx).With("component", "trust")
	records, err := r.opts.Directory.List(ctx, tag)
	if err != nil {
		return nil, fmt.Errorf("list directory: %w", err)
	}
	contents, err := r.fetchAll(ctx, records)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]RosterEntry, len(roster))
	for _, entry := range roster {
		if _, ok := byName[entry.Name]; !ok {
			byName[entry.Name] = entry
		}
	}
	secretDigest := sha256.Sum256(secret)
	now := r.opts.Now()
	var out []Trusted
	index := make(map[string]int)
	for i, rec := range records {
		if contents[i] == nil {
			recordsTotal.WithLabelValues(outcomeFetchFailed).Inc()
			continue
		}
		c := r.candidate(secretDigest, secret, *contents[i])
		if c == nil {
			log.Debug("Dropping record that failed to decode", slog.String("record", rec.ID))
			recordsTotal.WithLabelValues(outcomeInvalid).Inc()
			continue
		}
		name := c.Payload.Username
		entry, ok := byName[name]
		if !ok {
			log.Debug("Dropping announcement from a name not on the roster",
				slog.String("record", rec.ID), slog.String("name", name))
			recordsTotal.WithLabelValues(outcomeUnknown).Inc()
			continue
		}
		if !crypto.PublicKeysMatch(c.SenderPublicKey, entry.PublicKey) {
			log.Debug("Dropping announcement signed with a key that does not match the roster",
				slog.String("record", rec.ID), slog.String("name", name))
			recordsTotal.WithLabelValues(outcomeKeyMismatch).Inc()
			continue
		}
		if r.opts.MaxAge > 0 && c.Payload.Age(now) > r.opts.MaxAge {
			log.Debug("Dropping stale announcement",
				slog.String("record", rec.ID), slog.String("name", name),
				slog.Time("issued-at", c.Payload.IssuedAt))
			recordsTotal.WithLabelValues(outcomeStale).Inc()
			continue
		}
		recordsTotal.WithLabelValues(outcomeTrusted).Inc()
		t := Trusted{
			Name:            entry.Name,
			SenderPublicKey: c.SenderPublicKey,
			Payload:         c.Payload,
			RecordID:        rec.ID,
		}
		if idx, ok := index[name]; ok {
			out[idx] = t
			continue
		}
		index[name] = len(out)
		out = append(out, t)
	}
	return out, nil
}

// fetchAll resolves the content of every record. Records that cannot be
// fetched are left nil.
func (r *Reconciler) fetchAll(ctx context.Context, records []directory.Record) ([]*string, error) {
	log := context.LoggerFrom(ctx).With("component", "trust")
	contents := make([]*string, len(records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)
	for i, rec := range records {
		i, rec := i, rec
		g.Go(func() error {
			content, err := r.opts.Directory.Fetch(gctx, rec)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				log.Warn("Failed to fetch directory record",
					slog.String("record", rec.ID), slog.String("error", err.Error()))
				return nil
			}
			contents[i] = &content
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return contents, nil
}

func (r *Reconciler) candidate(secretDigest [sha256.Size]byte, secret crypto.GroupSecret, content string) *announce.Candidate {
	h := sha256.New()
	h.Write(secretDigest[:])
	_ = binary.Write(h, binary.BigEndian, uint64(len(content)))
	h.Write([]byte(content))
	var key [sha256.Size]byte
	copy(key[:], h.Sum(nil))
	if c, ok := r.cache.Get(key); ok {
		return c
	}
	c := announce.Parse([]byte(content), secret)
	r.cache.Add(key, c)
	return c
}

// CacheLen returns the number of decoded records held in the cache.
func (r *Reconciler) CacheLen() int {
	return r.cache.Len()
}
