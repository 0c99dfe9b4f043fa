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

// Package discovery contains the loop that turns trusted announcements
// into live wireguard peers.
package discovery

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/closednet/closednet/pkg/context"
	"github.com/closednet/closednet/pkg/crypto"
	"github.com/closednet/closednet/pkg/trust"
	"github.com/closednet/closednet/pkg/wireguard"
)

const (
	// DefaultInterval is the time between cycles.
	DefaultInterval = 30 * time.Second
	// DefaultStopTimeout is how long Stop waits for a running cycle.
	DefaultStopTimeout = 5 * time.Second
)

// ErrStopTimeout is returned by Stop when the loop did not exit in time.
var ErrStopTimeout = errors.New("discovery loop did not stop in time")

// Snapshot is the group state a cycle runs against. It is loaded fresh for
// every cycle.
type Snapshot struct {
	// Tag is the directory tag of the group.
	Tag string
	// Secret is the group secret.
	Secret crypto.GroupSecret
	// Roster is the pinned member list.
	Roster []trust.RosterEntry
	// OwnName is this member's name. Announcements under it are skipped.
	OwnName string
}

// Source loads the current group state.
type Source interface {
	Snapshot(ctx context.Context) (*Snapshot, error)
}

// SourceFunc adapts a function to a Source.
type SourceFunc func(ctx context.Context) (*Snapshot, error)

// Snapshot implements Source.
func (f SourceFunc) Snapshot(ctx context.Context) (*Snapshot, error) { return f(ctx) }

// Reconciler returns the trusted announcements for a group.
type Reconciler interface {
	Reconcile(ctx context.Context, tag string, secret crypto.GroupSecret, roster []trust.RosterEntry) ([]trust.Trusted, error)
}

// Options are options for a Loop.
type Options struct {
	// Source provides the roster and secret for each cycle.
	Source Source
	// Reconciler computes the trusted announcements.
	Reconciler Reconciler
	// Controller applies peers to the interface.
	Controller wireguard.Controller
	// Interface is the wireguard interface name.
	Interface string
	// Interval is the time between cycles.
	Interval time.Duration
	// StopTimeout bounds how long Stop waits.
	StopTimeout time.Duration
	// Prune removes peers this loop added once they are no longer trusted.
	Prune bool
	// AllowedIPs are used for members that do not announce an address.
	AllowedIPs []netip.Prefix
	// PersistentKeepAlive is set on every applied peer.
	PersistentKeepAlive time.Duration
	// ResolveEndpoint turns announced endpoints into IP endpoints.
	// Defaults to wireguard.ResolveEndpoint.
	ResolveEndpoint func(ctx context.Context, endpoint string) (string, error)
}

// Result summarizes one cycle.
type Result struct {
	Trusted   int
	Skipped   int
	Added     int
	Updated   int
	Unchanged int
	Removed   int
	Failed    int
}

// Loop periodically reconciles the directory and applies the result to
// the wireguard interface. At most one cycle runs at a time.
type Loop struct {
	opts Options

	// cycleMu serializes cycles and member removal.
	cycleMu sync.Mutex
	applied map[string]string // public key -> member name
	members map[string]string // member name -> public key

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New returns a new discovery loop.
func New(opts Options) (*Loop, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("source must be set")
	}
	if opts.Reconciler == nil {
		return nil, fmt.Errorf("reconciler must be set")
	}
	if opts.Controller == nil {
		return nil, fmt.Errorf("controller must be set")
	}
	if opts.Interface == "" {
		return nil, fmt.Errorf("interface must be set")
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.ResolveEndpoint == nil {
		opts.ResolveEndpoint = wireguard.ResolveEndpoint
	}
	return &Loop{
		opts:    opts,
		applied: make(map[string]string),
		members: make(map[string]string),
	}, nil
}

// Start starts the loop in the background. The first cycle runs
// immediately. Start is a no-op if the loop is running.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.running = true
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.run(runCtx, l.done)
}

// Running returns true if the loop has been started and not stopped.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Stop signals the loop to exit and waits for the current cycle to finish,
// up to the stop timeout. It is a no-op if the loop is not running.
func (l *Loop) Stop() error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = false
	l.cancel()
	done := l.done
	l.mu.Unlock()
	t := time.NewTimer(l.opts.StopTimeout)
	defer t.Stop()
	select {
	case <-done:
		return nil
	case <-t.C:
		return ErrStopTimeout
	}
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	log := context.LoggerFrom(ctx).With("component", "discovery")
	log.Info("Starting discovery loop", slog.Duration("interval", l.opts.Interval))
	t := time.NewTimer(0)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("Discovery loop stopped")
			return
		case <-t.C:
		}
		// The cycle itself is not canceled by Stop. Stop waits for it.
		res, err := l.RunOnce(context.WithoutCancel(ctx))
		if err != nil {
			log.Error("Discovery cycle failed", slog.String("error", err.Error()))
		} else {
			log.Debug("Discovery cycle complete",
				slog.Int("trusted", res.Trusted), slog.Int("added", res.Added),
				slog.Int("updated", res.Updated), slog.Int("removed", res.Removed),
				slog.Int("failed", res.Failed))
		}
		t.Reset(l.opts.Interval)
	}
}

// RunOnce runs a single cycle. It blocks while another cycle is running.
func (l *Loop) RunOnce(ctx context.Context) (*Result, error) {
	l.cycleMu.Lock()
	defer l.cycleMu.Unlock()
	start := time.Now()
	res, err := l.guardedCycle(ctx)
	cycleDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		cyclesTotal.WithLabelValues(resultFailure).Inc()
		return nil, err
	}
	cyclesTotal.WithLabelValues(resultSuccess).Inc()
	trustedPeers.Set(float64(res.Trusted))
	return res, nil
}

// guardedCycle runs a cycle and turns a panic in a collaborator into an
// error so the loop keeps going.
func (l *Loop) guardedCycle(ctx context.Context) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("cycle panicked: %v", r)
		}
	}()
	return l.cycle(ctx)
}

func (l *Loop) cycle(ctx context.Context) (*Result, error) {
	log := context.LoggerFrom(ctx).With("component", "discovery")
	snap, err := l.opts.Source.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("load group state: %w", err)
	}
	trusted, err := l.opts.Reconciler.Reconcile(ctx, snap.Tag, snap.Secret, snap.Roster)
	if err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}
	status, err := l.opts.Controller.Show(ctx, l.opts.Interface)
	if err != nil {
		return nil, fmt.Errorf("show interface: %w", err)
	}
	if !status.IsUp() {
		return nil, fmt.Errorf("%w: %s is down", wireguard.ErrInterfaceNotFound, l.opts.Interface)
	}
	res := &Result{Trusted: len(trusted)}
	desired := make(map[string]wireguard.PeerConfig, len(trusted))
	names := make(map[string]string, len(trusted))
	for _, t := range trusted {
		if t.Name == snap.OwnName {
			res.Skipped++
			continue
		}
		// Peers are keyed the way the interface reports them.
		key, err := wireguard.CanonicalKey(t.Payload.NetworkPublicKey)
		if err != nil {
			log.Debug("Skipping announcement with invalid network key", slog.String("member", t.Name))
			res.Skipped++
			continue
		}
		if status.PublicKey != "" && key == status.PublicKey {
			res.Skipped++
			continue
		}
		if other, ok := names[key]; ok {
			log.Warn("Two members announce the same network key",
				slog.String("member", t.Name), slog.String("other", other))
		}
		desired[key] = l.peerConfig(ctx, key, t)
		names[key] = t.Name
	}
	for key, cfg := range desired {
		existing, ok := status.Peers[key]
		if ok && existing.Matches(cfg) {
			res.Unchanged++
			continue
		}
		plog := log.With(slog.String("member", names[key]), slog.String("endpoint", cfg.Endpoint))
		if err := l.opts.Controller.EnsurePeer(ctx, l.opts.Interface, cfg); err != nil {
			plog.Warn("Failed to apply peer", slog.String("error", err.Error()))
			peerChanges.WithLabelValues(actionFailed).Inc()
			res.Failed++
			continue
		}
		if ok {
			plog.Info("Updated peer")
			peerChanges.WithLabelValues(actionUpdated).Inc()
			res.Updated++
		} else {
			plog.Info("Added peer")
			peerChanges.WithLabelValues(actionAdded).Inc()
			res.Added++
		}
	}
	// Track what we manage; a previously applied peer that we failed to
	// prune stays tracked so the next cycle retries.
	applied := make(map[string]string, len(desired))
	for key := range desired {
		applied[key] = names[key]
	}
	for key, name := range l.applied {
		if _, ok := desired[key]; ok {
			continue
		}
		if _, present := status.Peers[key]; !present {
			continue
		}
		if !l.opts.Prune {
			applied[key] = name
			continue
		}
		if err := l.opts.Controller.RemovePeer(ctx, l.opts.Interface, key); err != nil && !errors.Is(err, wireguard.ErrPeerNotFound) {
			log.Warn("Failed to remove untrusted peer", slog.String("member", name), slog.String("error", err.Error()))
			peerChanges.WithLabelValues(actionFailed).Inc()
			applied[key] = name
			res.Failed++
			continue
		}
		log.Info("Removed peer that is no longer trusted", slog.String("member", name))
		peerChanges.WithLabelValues(actionRemoved).Inc()
		res.Removed++
	}
	l.applied = applied
	l.members = make(map[string]string, len(applied))
	for key, name := range applied {
		l.members[name] = key
	}
	return res, nil
}

func (l *Loop) peerConfig(ctx context.Context, key string, t trust.Trusted) wireguard.PeerConfig {
	allowed := l.opts.AllowedIPs
	if p, ok := t.Payload.AllowedPrefix(); ok {
		allowed = []netip.Prefix{p}
	}
	endpoint, err := l.opts.ResolveEndpoint(ctx, t.Payload.Endpoint)
	if err != nil {
		context.LoggerFrom(ctx).Debug("Could not resolve announced endpoint",
			slog.String("member", t.Name), slog.String("endpoint", t.Payload.Endpoint),
			slog.String("error", err.Error()))
		endpoint = wireguard.NormalizeEndpoint(t.Payload.Endpoint)
	}
	return wireguard.PeerConfig{
		PublicKey:           key,
		Endpoint:            endpoint,
		AllowedIPs:          append([]netip.Prefix(nil), allowed...),
		PersistentKeepAlive: l.opts.PersistentKeepAlive,
	}
}

// MemberKey returns the network key applied for a member in the last cycle.
func (l *Loop) MemberKey(name string) (string, bool) {
	l.cycleMu.Lock()
	defer l.cycleMu.Unlock()
	key, ok := l.members[name]
	return key, ok
}

// MemberName returns the member a network key was applied for.
func (l *Loop) MemberName(key string) (string, bool) {
	l.cycleMu.Lock()
	defer l.cycleMu.Unlock()
	name, ok := l.applied[key]
	return name, ok
}

// RemoveMember removes the peer applied for a member from the interface.
// It returns false if the loop had no peer for the member.
func (l *Loop) RemoveMember(ctx context.Context, name string) (bool, error) {
	l.cycleMu.Lock()
	defer l.cycleMu.Unlock()
	key, ok := l.members[name]
	if !ok {
		return false, nil
	}
	err := l.opts.Controller.RemovePeer(ctx, l.opts.Interface, key)
	if err != nil && !errors.Is(err, wireguard.ErrPeerNotFound) {
		return false, fmt.Errorf("remove peer: %w", err)
	}
	delete(l.members, name)
	delete(l.applied, key)
	peerChanges.WithLabelValues(actionRemoved).Inc()
	return true, nil
}
