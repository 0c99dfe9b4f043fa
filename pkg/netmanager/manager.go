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

// Package netmanager ties the config store, the directory, the trust
// reconciler and the wireguard interface together for one member.
package netmanager

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/closednet/closednet/pkg/config"
	"github.com/closednet/closednet/pkg/context"
	"github.com/closednet/closednet/pkg/crypto"
	"github.com/closednet/closednet/pkg/directory"
	"github.com/closednet/closednet/pkg/discovery"
	"github.com/closednet/closednet/pkg/trust"
	"github.com/closednet/closednet/pkg/wireguard"
)

var (
	// ErrNotInitialized is returned when the interface key is not known yet.
	ErrNotInitialized = errors.New("interface not initialized")
	// ErrNoEndpoint is returned when there is no endpoint to announce.
	ErrNoEndpoint = errors.New("no endpoint to announce")
	// ErrNoStore is returned by roster changes when no store is configured.
	ErrNoStore = errors.New("no config store")
)

// Detector finds the public address to announce.
type Detector interface {
	Detect(ctx context.Context) (netip.Addr, error)
}

// PingFunc checks that addr answers.
type PingFunc func(ctx context.Context, addr netip.Addr) error

// Options are options for a Manager.
type Options struct {
	// Config is the effective configuration, flags applied.
	Config *config.Config
	// Store persists roster changes and the record id. The roster is
	// reloaded from it every discovery cycle when set.
	Store *config.Store
	// Directory is where announcements are published and listed.
	Directory directory.Directory
	// Controller manages the wireguard interface.
	Controller wireguard.Controller
	// Detector finds the endpoint when none is configured.
	Detector Detector
	// Ping is used by Status. Defaults to an ICMP ping.
	Ping PingFunc
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Manager manages this member's presence in the group.
type Manager struct {
	opts  Options
	conf  *config.Config
	id    *crypto.Identity
	recon *trust.Reconciler
	loop  *discovery.Loop
	log   *slog.Logger

	mu      sync.Mutex
	ownKey  string
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New validates the options and returns a manager.
func New(ctx context.Context, opts Options) (*Manager, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config must be set")
	}
	if opts.Directory == nil {
		return nil, fmt.Errorf("directory must be set")
	}
	if opts.Controller == nil {
		return nil, fmt.Errorf("controller must be set")
	}
	if opts.Ping == nil {
		opts.Ping = Ping
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	conf := opts.Config.DeepCopy()
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	id, err := conf.LoadIdentity()
	if err != nil {
		return nil, err
	}
	allowed, err := conf.WireGuard.AllowedIPs()
	if err != nil {
		return nil, err
	}
	recon, err := trust.NewReconciler(trust.Options{
		Directory: opts.Directory,
		MaxAge:    conf.Discovery.MaxAge.Duration,
		Now:       opts.Now,
	})
	if err != nil {
		return nil, err
	}
	m := &Manager{
		opts:  opts,
		conf:  conf,
		id:    id,
		recon: recon,
		log:   context.LoggerFrom(ctx).With("component", "netmanager"),
	}
	m.loop, err = discovery.New(discovery.Options{
		Source:              discovery.SourceFunc(m.snapshot),
		Reconciler:          recon,
		Controller:          opts.Controller,
		Interface:           conf.WireGuard.InterfaceName,
		Interval:            conf.Discovery.Interval.Duration,
		StopTimeout:         conf.Discovery.StopTimeout.Duration,
		Prune:               conf.Discovery.Prune,
		AllowedIPs:          allowed,
		PersistentKeepAlive: conf.WireGuard.PersistentKeepAlive.Duration,
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Loop returns the discovery loop.
func (m *Manager) Loop() *discovery.Loop { return m.loop }

// OwnKey returns the interface public key once initialized.
func (m *Manager) OwnKey() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ownKey, m.ownKey != ""
}

// snapshot loads the group state for a discovery cycle. The roster is
// read from disk so edits made while running apply on the next cycle.
func (m *Manager) snapshot(ctx context.Context) (*discovery.Snapshot, error) {
	roster := m.conf.TrustRoster()
	if m.opts.Store != nil {
		c, err := m.opts.Store.Load()
		if err != nil {
			return nil, err
		}
		roster = c.TrustRoster()
	}
	return &discovery.Snapshot{
		Tag:     m.conf.Group.Name,
		Secret:  m.conf.GroupSecret(),
		Roster:  roster,
		OwnName: m.conf.Name,
	}, nil
}
