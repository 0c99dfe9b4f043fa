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

package wireguard

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/closednet/closednet/pkg/context"
)

// DeviceClient is the subset of the wgctrl client used by Host.
type DeviceClient interface {
	Device(name string) (*wgtypes.Device, error)
	ConfigureDevice(name string, cfg wgtypes.Config) error
	Close() error
}

// HostOptions are options for a Host controller.
type HostOptions struct {
	// ConfigDir is the directory holding <name>.conf files.
	ConfigDir string
	// Runner runs wg and wg-quick. Defaults to ExecRunner.
	Runner Runner
	// Client talks to the kernel. When nil a wgctrl client is opened on
	// first use, and the wg tool is used if that fails.
	Client DeviceClient
	// ForceTool skips the kernel client and always uses the wg tool.
	ForceTool bool
	// LinkUp reports whether a link is up. Defaults to the platform check.
	LinkUp func(name string) (bool, error)
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Host is a Controller for the host's wireguard interfaces, driven by
// wg-quick for interface lifecycle and wgctrl for peers. Calls are
// serialized.
type Host struct {
	opts      HostOptions
	mu        sync.Mutex
	client    DeviceClient
	clientErr error
}

// NewHost returns a new host controller.
func NewHost(opts HostOptions) *Host {
	if opts.ConfigDir == "" {
		opts.ConfigDir = DefaultConfigDir
	}
	if opts.Runner == nil {
		opts.Runner = ExecRunner{}
	}
	if opts.LinkUp == nil {
		opts.LinkUp = linkUp
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Host{opts: opts, client: opts.Client}
}

// ConfigPath returns the path of the config file for an interface.
func (h *Host) ConfigPath(name string) string {
	return filepath.Join(h.opts.ConfigDir, name+".conf")
}

// Close releases the kernel client.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.client != nil {
		return h.client.Close()
	}
	return nil
}

// InterfaceExists implements Controller.
func (h *Host) InterfaceExists(ctx context.Context, name string) (bool, error) {
	_, err := os.Stat(h.ConfigPath(name))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat interface config: %w", err)
}

// CreateInterface implements Controller. The config is written with mode
// 0600 and an existing config is never overwritten.
func (h *Host) CreateInterface(ctx context.Context, name, config string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := os.MkdirAll(h.opts.ConfigDir, 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	f, err := os.OpenFile(h.ConfigPath(name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", ErrInterfaceExists, name)
		}
		return fmt.Errorf("create interface config: %w", err)
	}
	if _, err := f.WriteString(config); err != nil {
		f.Close()
		return fmt.Errorf("write interface config: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close interface config: %w", err)
	}
	context.LoggerFrom(ctx).Info("Created wireguard interface config", slog.String("path", h.ConfigPath(name)))
	return nil
}

// IsUp implements Controller.
func (h *Host) IsUp(ctx context.Context, name string) (bool, error) {
	return h.opts.LinkUp(name)
}

// Up implements Controller.
func (h *Host) Up(ctx context.Context, name string) error {
	return h.quick(ctx, name, true)
}

// Down implements Controller.
func (h *Host) Down(ctx context.Context, name string) error {
	return h.quick(ctx, name, false)
}

func (h *Host) quick(ctx context.Context, name string, up bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	log := context.LoggerFrom(ctx).With("component", "wireguard", "interface", name)
	isUp, err := h.opts.LinkUp(name)
	if err != nil {
		return fmt.Errorf("check link state: %w", err)
	}
	if isUp == up {
		log.Debug("Interface already in desired state", slog.Bool("up", up))
		return nil
	}
	exists, err := h.InterfaceExists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrInterfaceNotFound, name)
	}
	action := "down"
	if up {
		action = "up"
	}
	if _, err := h.opts.Runner.Run(ctx, "wg-quick", action, h.ConfigPath(name)); err != nil {
		return fmt.Errorf("wg-quick %s: %w", action, err)
	}
	log.Info("Interface state changed", slog.String("state", action))
	return nil
}

// Show implements Controller. A down interface reports no peers.
func (h *Host) Show(ctx context.Context, name string) (*Status, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.show(ctx, name)
}

func (h *Host) show(ctx context.Context, name string) (*Status, error) {
	up, err := h.opts.LinkUp(name)
	if err != nil {
		return nil, fmt.Errorf("check link state: %w", err)
	}
	if !up {
		return downStatus(name), nil
	}
	if cli := h.deviceClient(ctx); cli != nil {
		dev, err := cli.Device(name)
		if err == nil {
			return statusFromDevice(dev), nil
		}
		context.LoggerFrom(ctx).Debug("wgctrl device lookup failed, using wg show", slog.String("error", err.Error()))
	}
	out, err := h.opts.Runner.Run(ctx, "wg", "show", name)
	if err != nil {
		return nil, fmt.Errorf("wg show: %w", err)
	}
	status, err := ParseShow(string(out), h.opts.Now())
	if err != nil {
		return nil, err
	}
	if status.Name == "" {
		status.Name = name
	}
	return status, nil
}

// EnsurePeer implements Controller.
func (h *Host) EnsurePeer(ctx context.Context, name string, peer PeerConfig) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	key, err := wgtypes.ParseKey(peer.PublicKey)
	if err != nil {
		return fmt.Errorf("parse peer key: %w", err)
	}
	var endpoint *net.UDPAddr
	if peer.Endpoint != "" {
		endpoint, err = resolveEndpoint(peer.Endpoint)
		if err != nil {
			return fmt.Errorf("resolve peer endpoint: %w", err)
		}
	}
	context.LoggerFrom(ctx).Debug("Ensuring wireguard peer",
		slog.String("interface", name), slog.String("peer", peer.PublicKey),
		slog.String("endpoint", peer.Endpoint), slog.Any("allowed-ips", peer.AllowedIPs))
	if cli := h.deviceClient(ctx); cli != nil {
		cfg := wgtypes.PeerConfig{
			PublicKey:         key,
			Endpoint:          endpoint,
			ReplaceAllowedIPs: true,
			AllowedIPs:        toIPNets(peer.AllowedIPs),
		}
		if peer.PersistentKeepAlive > 0 {
			ka := peer.PersistentKeepAlive
			cfg.PersistentKeepaliveInterval = &ka
		}
		if err := cli.ConfigureDevice(name, wgtypes.Config{Peers: []wgtypes.PeerConfig{cfg}}); err != nil {
			return fmt.Errorf("configure peer: %w", err)
		}
		return nil
	}
	args := []string{"set", name, "peer", key.String()}
	if endpoint != nil {
		args = append(args, "endpoint", endpoint.String())
	}
	ips := make([]string, 0, len(peer.AllowedIPs))
	for _, p := range peer.AllowedIPs {
		ips = append(ips, p.Masked().String())
	}
	args = append(args, "allowed-ips", strings.Join(ips, ","))
	if peer.PersistentKeepAlive > 0 {
		args = append(args, "persistent-keepalive", strconv.Itoa(int(peer.PersistentKeepAlive.Seconds())))
	}
	if _, err := h.opts.Runner.Run(ctx, "wg", args...); err != nil {
		return fmt.Errorf("wg set: %w", err)
	}
	return nil
}

// RemovePeer implements Controller.
func (h *Host) RemovePeer(ctx context.Context, name, publicKey string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	key, err := wgtypes.ParseKey(publicKey)
	if err != nil {
		return fmt.Errorf("parse peer key: %w", err)
	}
	status, err := h.show(ctx, name)
	if err != nil {
		return err
	}
	if _, ok := status.Peers[key.String()]; !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, publicKey)
	}
	context.LoggerFrom(ctx).Debug("Removing wireguard peer", slog.String("interface", name), slog.String("peer", publicKey))
	if cli := h.deviceClient(ctx); cli != nil {
		err := cli.ConfigureDevice(name, wgtypes.Config{
			Peers: []wgtypes.PeerConfig{{PublicKey: key, Remove: true}},
		})
		if err != nil {
			return fmt.Errorf("remove peer: %w", err)
		}
		return nil
	}
	if _, err := h.opts.Runner.Run(ctx, "wg", "set", name, "peer", key.String(), "remove"); err != nil {
		return fmt.Errorf("wg set: %w", err)
	}
	return nil
}

// deviceClient returns the kernel client, opening it on first use. It
// returns nil when no client can be opened.
func (h *Host) deviceClient(ctx context.Context) DeviceClient {
	if h.opts.ForceTool {
		return nil
	}
	if h.client != nil || h.clientErr != nil {
		return h.client
	}
	cli, err := wgctrl.New()
	if err != nil {
		h.clientErr = err
		context.LoggerFrom(ctx).Warn("Could not open wgctrl client, falling back to the wg tool", slog.String("error", err.Error()))
		return nil
	}
	h.client = cli
	return h.client
}

func resolveEndpoint(endpoint string) (*net.UDPAddr, error) {
	if ap, err := ParseEndpoint(endpoint, DefaultListenPort); err == nil {
		return net.UDPAddrFromAddrPort(ap), nil
	}
	return net.ResolveUDPAddr("udp", endpoint)
}

func statusFromDevice(dev *wgtypes.Device) *Status {
	status := &Status{
		Name:       dev.Name,
		State:      StateUp,
		PublicKey:  dev.PublicKey.String(),
		ListenPort: dev.ListenPort,
		Peers:      make(map[string]Peer, len(dev.Peers)),
	}
	for _, p := range dev.Peers {
		peer := Peer{
			PublicKey:           p.PublicKey.String(),
			AllowedIPs:          fromIPNets(p.AllowedIPs),
			LastHandshake:       p.LastHandshakeTime,
			ReceiveBytes:        p.ReceiveBytes,
			TransmitBytes:       p.TransmitBytes,
			PersistentKeepAlive: p.PersistentKeepaliveInterval,
		}
		if p.Endpoint != nil {
			peer.Endpoint = NormalizeEndpoint(p.Endpoint.String())
		}
		status.Peers[peer.PublicKey] = peer
	}
	return status
}
