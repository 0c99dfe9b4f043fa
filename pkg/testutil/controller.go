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

package testutil

import (
	"fmt"
	"net/netip"
	"strings"
	"sync"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/closednet/closednet/pkg/context"
	"github.com/closednet/closednet/pkg/wireguard"
)

// Controller is a wireguard.Controller that keeps interfaces in memory and
// makes no changes to the system. Peer keys are canonicalized the way the
// kernel reports them.
type Controller struct {
	mu     sync.Mutex
	ifaces map[string]*fakeInterface
	fail   map[string][]error
	calls  []string
}

type fakeInterface struct {
	config     string
	up         bool
	publicKey  string
	listenPort int
	peers      map[string]wireguard.Peer
}

// NewController returns an empty controller.
func NewController() *Controller {
	return &Controller{
		ifaces: make(map[string]*fakeInterface),
		fail:   make(map[string][]error),
	}
}

// AddInterface registers an interface that is already configured and up,
// with a freshly generated key. It returns the interface public key.
func (c *Controller) AddInterface(name string, listenPort int) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := mustPublicKey()
	c.ifaces[name] = &fakeInterface{
		config:     "[Interface]\n",
		up:         true,
		publicKey:  key,
		listenPort: listenPort,
		peers:      make(map[string]wireguard.Peer),
	}
	return key
}

// Fail queues errors returned by the next calls to the named operation,
// one of "Show", "EnsurePeer", "RemovePeer", "Up", "Down" or
// "CreateInterface".
func (c *Controller) Fail(op string, errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail[op] = append(c.fail[op], errs...)
}

// Calls returns the mutating calls made, in order.
func (c *Controller) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// Config returns the config an interface was created with.
func (c *Controller) Config(name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	iface, ok := c.ifaces[name]
	if !ok {
		return "", false
	}
	return iface.config, true
}

// SetPeer stores a peer as if it had been configured out of band.
func (c *Controller) SetPeer(name string, peer wireguard.Peer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if iface, ok := c.ifaces[name]; ok {
		iface.peers[peer.PublicKey] = peer
	}
}

func (c *Controller) failure(op string) error {
	errs := c.fail[op]
	if len(errs) == 0 {
		return nil
	}
	c.fail[op] = errs[1:]
	return errs[0]
}

// InterfaceExists implements wireguard.Controller.
func (c *Controller) InterfaceExists(ctx context.Context, name string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.ifaces[name]
	return ok, nil
}

// CreateInterface implements wireguard.Controller. The public key is
// derived from the PrivateKey line of the config when present.
func (c *Controller) CreateInterface(ctx context.Context, name, config string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failure("CreateInterface"); err != nil {
		return err
	}
	if _, ok := c.ifaces[name]; ok {
		return fmt.Errorf("%w: %s", wireguard.ErrInterfaceExists, name)
	}
	c.calls = append(c.calls, "create "+name)
	iface := &fakeInterface{config: config, listenPort: wireguard.DefaultListenPort, peers: make(map[string]wireguard.Peer)}
	if key, ok := privateKeyFrom(config); ok {
		if pub, err := wireguard.PublicKeyOf(key); err == nil {
			iface.publicKey = pub
		}
	}
	if iface.publicKey == "" {
		iface.publicKey = mustPublicKey()
	}
	c.ifaces[name] = iface
	return nil
}

// Up implements wireguard.Controller.
func (c *Controller) Up(ctx context.Context, name string) error {
	return c.setUp("Up", name, true)
}

// Down implements wireguard.Controller.
func (c *Controller) Down(ctx context.Context, name string) error {
	return c.setUp("Down", name, false)
}

func (c *Controller) setUp(op, name string, up bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failure(op); err != nil {
		return err
	}
	iface, ok := c.ifaces[name]
	if !ok {
		return fmt.Errorf("%w: %s", wireguard.ErrInterfaceNotFound, name)
	}
	if iface.up == up {
		return nil
	}
	iface.up = up
	if up {
		c.calls = append(c.calls, "up "+name)
	} else {
		c.calls = append(c.calls, "down "+name)
	}
	return nil
}

// IsUp implements wireguard.Controller.
func (c *Controller) IsUp(ctx context.Context, name string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	iface, ok := c.ifaces[name]
	return ok && iface.up, nil
}

// Show implements wireguard.Controller.
func (c *Controller) Show(ctx context.Context, name string) (*wireguard.Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failure("Show"); err != nil {
		return nil, err
	}
	iface, ok := c.ifaces[name]
	if !ok || !iface.up {
		return &wireguard.Status{Name: name, State: wireguard.StateDown, Peers: map[string]wireguard.Peer{}}, nil
	}
	status := &wireguard.Status{
		Name:       name,
		State:      wireguard.StateUp,
		PublicKey:  iface.publicKey,
		ListenPort: iface.listenPort,
		Peers:      make(map[string]wireguard.Peer, len(iface.peers)),
	}
	for k, p := range iface.peers {
		p.AllowedIPs = append([]netip.Prefix(nil), p.AllowedIPs...)
		status.Peers[k] = p
	}
	return status, nil
}

// EnsurePeer implements wireguard.Controller.
func (c *Controller) EnsurePeer(ctx context.Context, name string, cfg wireguard.PeerConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failure("EnsurePeer"); err != nil {
		return err
	}
	key, err := wireguard.CanonicalKey(cfg.PublicKey)
	if err != nil {
		return fmt.Errorf("parse peer key: %w", err)
	}
	iface, ok := c.ifaces[name]
	if !ok || !iface.up {
		return fmt.Errorf("%w: %s", wireguard.ErrInterfaceNotFound, name)
	}
	c.calls = append(c.calls, "ensure "+key)
	peer := iface.peers[key]
	peer.PublicKey = key
	if cfg.Endpoint != "" {
		peer.Endpoint = wireguard.NormalizeEndpoint(cfg.Endpoint)
	}
	peer.AllowedIPs = append([]netip.Prefix(nil), cfg.AllowedIPs...)
	peer.PersistentKeepAlive = cfg.PersistentKeepAlive
	iface.peers[key] = peer
	return nil
}

// RemovePeer implements wireguard.Controller.
func (c *Controller) RemovePeer(ctx context.Context, name, publicKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failure("RemovePeer"); err != nil {
		return err
	}
	key, err := wireguard.CanonicalKey(publicKey)
	if err != nil {
		return fmt.Errorf("parse peer key: %w", err)
	}
	iface, ok := c.ifaces[name]
	if !ok {
		return fmt.Errorf("%w: %s", wireguard.ErrInterfaceNotFound, name)
	}
	if _, ok := iface.peers[key]; !ok {
		return fmt.Errorf("%w: %s", wireguard.ErrPeerNotFound, publicKey)
	}
	c.calls = append(c.calls, "remove "+key)
	delete(iface.peers, key)
	return nil
}

// NewPeerKey returns a fresh wireguard public key.
func NewPeerKey() string {
	return mustPublicKey()
}

// NonCanonicalKey returns key with a trailing padding bit set. It decodes
// to the same key but differs from the form the kernel reports.
func NonCanonicalKey(key string) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"
	// The last data character of a 32 byte key carries two unused bits.
	i := strings.IndexByte(alphabet, key[42])
	return key[:42] + string(alphabet[i|1]) + key[43:]
}

func mustPublicKey() string {
	key, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		panic(err)
	}
	return key.PublicKey().String()
}

func privateKeyFrom(config string) (string, bool) {
	for _, line := range strings.Split(config, "\n") {
		key, ok := strings.CutPrefix(strings.TrimSpace(line), "PrivateKey =")
		if ok {
			return strings.TrimSpace(key), true
		}
	}
	return "", false
}
