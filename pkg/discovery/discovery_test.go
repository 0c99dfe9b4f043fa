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

package discovery

import (
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/closednet/closednet/pkg/announce"
	"github.com/closednet/closednet/pkg/context"
	"github.com/closednet/closednet/pkg/crypto"
	"github.com/closednet/closednet/pkg/directory"
	"github.com/closednet/closednet/pkg/testutil"
	"github.com/closednet/closednet/pkg/trust"
	"github.com/closednet/closednet/pkg/wireguard"
)

var (
	aliceID = crypto.MustGenerateIdentity()
	bobID   = crypto.MustGenerateIdentity()
	carolID = crypto.MustGenerateIdentity()
	secret  = crypto.GroupSecret("grp")
	network = netip.MustParsePrefix("10.0.0.0/24")
)

const (
	tag   = "closednet"
	iface = "wg0"
)

type harness struct {
	t      *testing.T
	mem    *directory.Memory
	dir    *testutil.Directory
	ctrl   *testutil.Controller
	ownKey string
	loop   *Loop

	mu     sync.Mutex
	roster []trust.RosterEntry
}

func newHarness(t *testing.T, opts ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		t:    t,
		mem:  directory.NewMemory(),
		ctrl: testutil.NewController(),
		roster: []trust.RosterEntry{
			{Name: "alice", PublicKey: aliceID.PublicKeyPEM()},
			{Name: "bob", PublicKey: bobID.PublicKeyPEM()},
			{Name: "carol", PublicKey: carolID.PublicKeyPEM()},
		},
	}
	h.dir = testutil.NewDirectory(h.mem.Client("carol"))
	h.ownKey = h.ctrl.AddInterface(iface, wireguard.DefaultListenPort)
	r, err := trust.NewReconciler(trust.Options{Directory: h.dir})
	if err != nil {
		t.Fatal(err)
	}
	o := Options{
		Source:      SourceFunc(h.snapshot),
		Reconciler:  r,
		Controller:  h.ctrl,
		Interface:   iface,
		Interval:    10 * time.Millisecond,
		StopTimeout: time.Second,
		Prune:       true,
		AllowedIPs:  []netip.Prefix{network},
	}
	for _, fn := range opts {
		fn(&o)
	}
	h.loop, err = New(o)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func (h *harness) snapshot(ctx context.Context) (*Snapshot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	roster := append([]trust.RosterEntry(nil), h.roster...)
	return &Snapshot{Tag: tag, Secret: secret, Roster: roster, OwnName: "carol"}, nil
}

func (h *harness) setRoster(names ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := map[string]*crypto.Identity{"alice": aliceID, "bob": bobID, "carol": carolID}
	h.roster = nil
	for _, n := range names {
		h.roster = append(h.roster, trust.RosterEntry{Name: n, PublicKey: ids[n].PublicKeyPEM()})
	}
}

// announce publishes a payload as owner and returns the network key used.
func (h *harness) announce(owner string, id *crypto.Identity, endpoint, address, netKey string) string {
	h.t.Helper()
	if netKey == "" {
		netKey = testutil.NewPeerKey()
	}
	p := announce.NewPayload(endpoint, owner, netKey)
	p.Address = address
	text, err := announce.BuildText(id, secret, p)
	if err != nil {
		h.t.Fatal(err)
	}
	if _, err := h.mem.Client(owner).Publish(context.Background(), tag, text); err != nil {
		h.t.Fatal(err)
	}
	return netKey
}

func (h *harness) peers() map[string]wireguard.Peer {
	h.t.Helper()
	status, err := h.ctrl.Show(context.Background(), iface)
	if err != nil {
		h.t.Fatal(err)
	}
	return status.Peers
}

func TestLoopAppliesTrustedPeers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	aliceKey := h.announce("alice", aliceID, "2001:db8::1:51820", "10.0.0.1", "")
	bobKey := h.announce("bob", bobID, "[2001:db8::2]:51820", "", "")
	h.announce("carol", carolID, "[2001:db8::3]:51820", "10.0.0.3", "")

	res, err := h.loop.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Trusted != 3 || res.Skipped != 1 || res.Added != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	peers := h.peers()
	if len(peers) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(peers))
	}
	alice := peers[aliceKey]
	if alice.Endpoint != "[2001:db8::1]:51820" {
		t.Fatalf("unexpected alice endpoint %q", alice.Endpoint)
	}
	if len(alice.AllowedIPs) != 1 || alice.AllowedIPs[0] != netip.MustParsePrefix("10.0.0.1/32") {
		t.Fatalf("expected alice allowed ips from her address, got %v", alice.AllowedIPs)
	}
	bob := peers[bobKey]
	if len(bob.AllowedIPs) != 1 || bob.AllowedIPs[0] != network {
		t.Fatalf("expected bob to get the network default, got %v", bob.AllowedIPs)
	}
	if key, ok := h.loop.MemberKey("alice"); !ok || key != aliceKey {
		t.Fatalf("expected alice key to be tracked, got %q", key)
	}
	if name, ok := h.loop.MemberName(bobKey); !ok || name != "bob" {
		t.Fatalf("expected bob to be tracked, got %q", name)
	}

	// The second cycle has nothing to do.
	calls := len(h.ctrl.Calls())
	res, err = h.loop.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Unchanged != 2 || res.Added != 0 || res.Updated != 0 {
		t.Fatalf("expected an idle cycle, got %+v", res)
	}
	if got := len(h.ctrl.Calls()); got != calls {
		t.Fatalf("idle cycle made %d controller calls", got-calls)
	}
}

func TestLoopEndpointChange(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	key := testutil.NewPeerKey()
	h.announce("alice", aliceID, "[2001:db8::1]:51820", "", key)
	if _, err := h.loop.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	// Alice republishes from a new address. The newer record is listed last.
	h.announce("alice", aliceID, "[2001:db8::9]:51820", "", key)
	res, err := h.loop.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Updated != 1 {
		t.Fatalf("expected one update, got %+v", res)
	}
	if got := h.peers()[key].Endpoint; got != "[2001:db8::9]:51820" {
		t.Fatalf("expected new endpoint, got %q", got)
	}
}

func TestLoopSkipsOwnKey(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	// Someone on the roster replays our own network key.
	h.announce("alice", aliceID, "[2001:db8::1]:51820", "", h.ownKey)
	h.announce("bob", bobID, "[2001:db8::2]:51820", "", "not a wireguard key")
	res, err := h.loop.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Skipped != 2 || len(h.peers()) != 0 {
		t.Fatalf("expected both announcements skipped, got %+v", res)
	}
}

func TestLoopCanonicalizesNetworkKeys(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	bobKey := testutil.NewPeerKey()
	h.announce("bob", bobID, "[2001:db8::2]:51820", "", testutil.NonCanonicalKey(bobKey))
	// Our own key in another spelling is still our own key.
	h.announce("alice", aliceID, "[2001:db8::1]:51820", "", testutil.NonCanonicalKey(h.ownKey))

	res, err := h.loop.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Added != 1 || res.Skipped != 1 {
		t.Fatalf("expected bob added and alice skipped, got %+v", res)
	}
	if _, ok := h.peers()[bobKey]; !ok {
		t.Fatal("expected bob's peer under the canonical key")
	}
	if key, ok := h.loop.MemberKey("bob"); !ok || key != bobKey {
		t.Fatalf("expected bob tracked under the canonical key, got %q", key)
	}

	res, err = h.loop.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Unchanged != 1 || res.Added != 0 || res.Updated != 0 {
		t.Fatalf("expected an idle cycle, got %+v", res)
	}

	h.setRoster("alice", "carol")
	res, err = h.loop.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Removed != 1 {
		t.Fatalf("expected bob to be pruned, got %+v", res)
	}
	if _, ok := h.peers()[bobKey]; ok {
		t.Fatal("expected bob's peer to be removed from the interface")
	}
}

func TestLoopResolvesHostnameEndpoints(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	resolve := func(ctx context.Context, endpoint string) (string, error) {
		if endpoint == "alice.example:51820" {
			return "[2001:db8::1]:51820", nil
		}
		return wireguard.ResolveEndpoint(ctx, endpoint)
	}
	h := newHarness(t, func(o *Options) { o.ResolveEndpoint = resolve })
	key := h.announce("alice", aliceID, "alice.example:51820", "", "")
	res, err := h.loop.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Added != 1 {
		t.Fatalf("expected alice added, got %+v", res)
	}
	if got := h.peers()[key].Endpoint; got != "[2001:db8::1]:51820" {
		t.Fatalf("expected the resolved endpoint, got %q", got)
	}
	res, err = h.loop.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Unchanged != 1 || res.Updated != 0 {
		t.Fatalf("expected a hostname endpoint to stay unchanged, got %+v", res)
	}
}

func TestLoopKeepAliveChange(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, func(o *Options) { o.PersistentKeepAlive = 25 * time.Second })
	key := h.announce("alice", aliceID, "[2001:db8::1]:51820", "", "")
	if _, err := h.loop.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	h.loop.opts.PersistentKeepAlive = 10 * time.Second
	res, err := h.loop.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Updated != 1 {
		t.Fatalf("expected the keepalive change to update the peer, got %+v", res)
	}
	if got := h.peers()[key].PersistentKeepAlive; got != 10*time.Second {
		t.Fatalf("expected keepalive 10s, got %v", got)
	}
}

func TestLoopPrune(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tc := []struct {
		name        string
		prune       bool
		wantRemoved int
	}{
		{"prune", true, 1},
		{"keep", false, 0},
	}
	for _, c := range tc {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, func(o *Options) { o.Prune = c.prune })
			h.announce("alice", aliceID, "[2001:db8::1]:51820", "", "")
			bobKey := h.announce("bob", bobID, "[2001:db8::2]:51820", "", "")
			manual := testutil.NewPeerKey()
			h.ctrl.SetPeer(iface, wireguard.Peer{PublicKey: manual})
			if _, err := h.loop.RunOnce(ctx); err != nil {
				t.Fatal(err)
			}
			h.setRoster("alice", "carol")
			res, err := h.loop.RunOnce(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if res.Removed != c.wantRemoved {
				t.Fatalf("expected %d removed, got %+v", c.wantRemoved, res)
			}
			peers := h.peers()
			if _, ok := peers[bobKey]; ok == c.prune {
				t.Fatalf("bob present=%v with prune=%v", ok, c.prune)
			}
			if _, ok := peers[manual]; !ok {
				t.Fatal("a peer the loop did not add must never be pruned")
			}
		})
	}
}

func TestLoopPeerFailureDoesNotAbortCycle(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.announce("alice", aliceID, "[2001:db8::1]:51820", "", "")
	h.announce("bob", bobID, "[2001:db8::2]:51820", "", "")
	h.ctrl.Fail("EnsurePeer", errors.New("wg set failed"))
	res, err := h.loop.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Failed != 1 || res.Added != 1 {
		t.Fatalf("expected one failure and one add, got %+v", res)
	}
	res, err = h.loop.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Added != 1 || res.Unchanged != 1 {
		t.Fatalf("expected the failed peer to be retried, got %+v", res)
	}
}

func TestLoopCycleErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	h.announce("alice", aliceID, "[2001:db8::1]:51820", "", "")

	h.dir.FailList(errors.New("directory unreachable"))
	if _, err := h.loop.RunOnce(ctx); err == nil {
		t.Fatal("expected directory failure to fail the cycle")
	}
	h.ctrl.Fail("Show", errors.New("wg show failed"))
	if _, err := h.loop.RunOnce(ctx); err == nil {
		t.Fatal("expected controller failure to fail the cycle")
	}
	if len(h.peers()) != 0 {
		t.Fatal("failed cycles must not apply peers")
	}
	if _, err := h.loop.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if len(h.peers()) != 1 {
		t.Fatal("expected recovery on the next cycle")
	}

	if err := h.ctrl.Down(ctx, iface); err != nil {
		t.Fatal(err)
	}
	if _, err := h.loop.RunOnce(ctx); !errors.Is(err, wireguard.ErrInterfaceNotFound) {
		t.Fatalf("expected down interface error, got %v", err)
	}
}

func TestLoopResilience(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	key := h.announce("alice", aliceID, "[2001:db8::1]:51820", "", "")
	h.dir.FailList(errors.New("directory unreachable"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.loop.Start(ctx)
	defer func() {
		if err := h.loop.Stop(); err != nil {
			t.Error(err)
		}
	}()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := h.peers()[key]; ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("loop did not recover from a directory failure")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if h.dir.ListCalls() < 2 {
		t.Fatalf("expected at least two cycles, got %d", h.dir.ListCalls())
	}
}

type blockingReconciler struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingReconciler) Reconcile(ctx context.Context, tag string, secret crypto.GroupSecret, roster []trust.RosterEntry) ([]trust.Trusted, error) {
	b.once.Do(func() { close(b.started) })
	<-b.release
	return nil, nil
}

func TestLoopStartStop(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	if err := h.loop.Stop(); err != nil {
		t.Fatalf("stopping a stopped loop should be a no-op, got %v", err)
	}
	h.loop.Start(ctx)
	h.loop.Start(ctx)
	if !h.loop.Running() {
		t.Fatal("expected loop to be running")
	}
	if err := h.loop.Stop(); err != nil {
		t.Fatal(err)
	}
	if h.loop.Running() {
		t.Fatal("expected loop to be stopped")
	}
	if err := h.loop.Stop(); err != nil {
		t.Fatal(err)
	}
}

func TestLoopStopWaitsForCycle(t *testing.T) {
	t.Parallel()
	tc := []struct {
		name    string
		timeout time.Duration
		release bool
		want    error
	}{
		{"cycle finishes", time.Second, true, nil},
		{"cycle hangs", 50 * time.Millisecond, false, ErrStopTimeout},
	}
	for _, c := range tc {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			br := &blockingReconciler{started: make(chan struct{}), release: make(chan struct{})}
			h := newHarness(t, func(o *Options) {
				o.Reconciler = br
				o.StopTimeout = c.timeout
			})
			h.loop.Start(context.Background())
			<-br.started
			if c.release {
				go func() {
					time.Sleep(20 * time.Millisecond)
					close(br.release)
				}()
			} else {
				defer close(br.release)
			}
			if err := h.loop.Stop(); !errors.Is(err, c.want) {
				t.Fatalf("expected %v, got %v", c.want, err)
			}
		})
	}
}

type panickingReconciler struct{}

func (panickingReconciler) Reconcile(context.Context, string, crypto.GroupSecret, []trust.RosterEntry) ([]trust.Trusted, error) {
	panic("malformed response")
}

func TestLoopRecoversPanic(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(o *Options) { o.Reconciler = panickingReconciler{} })
	if _, err := h.loop.RunOnce(context.Background()); err == nil {
		t.Fatal("expected panic to surface as an error")
	}
}

func TestLoopRemoveMember(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	key := h.announce("alice", aliceID, "[2001:db8::1]:51820", "", "")
	if _, err := h.loop.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	removed, err := h.loop.RemoveMember(ctx, "alice")
	if err != nil || !removed {
		t.Fatalf("expected alice to be removed, got %v %v", removed, err)
	}
	if _, ok := h.peers()[key]; ok {
		t.Fatal("expected alice's peer to be gone")
	}
	removed, err = h.loop.RemoveMember(ctx, "alice")
	if err != nil || removed {
		t.Fatalf("expected second removal to be a no-op, got %v %v", removed, err)
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()
	ctrl := testutil.NewController()
	src := SourceFunc(func(context.Context) (*Snapshot, error) { return &Snapshot{}, nil })
	rec := panickingReconciler{}
	tc := []struct {
		name string
		opts Options
	}{
		{"no source", Options{Reconciler: rec, Controller: ctrl, Interface: iface}},
		{"no reconciler", Options{Source: src, Controller: ctrl, Interface: iface}},
		{"no controller", Options{Source: src, Reconciler: rec, Interface: iface}},
		{"no interface", Options{Source: src, Reconciler: rec, Controller: ctrl}},
	}
	for _, c := range tc {
		if _, err := New(c.opts); err == nil {
			t.Fatalf("%s: expected error", c.name)
		}
	}
	l, err := New(Options{Source: src, Reconciler: rec, Controller: ctrl, Interface: iface})
	if err != nil {
		t.Fatal(err)
	}
	if l.opts.Interval != DefaultInterval || l.opts.StopTimeout != DefaultStopTimeout {
		t.Fatalf("expected defaults, got %+v", l.opts)
	}
}
