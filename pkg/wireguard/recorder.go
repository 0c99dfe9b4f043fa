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
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/closednet/closednet/pkg/context"
)

// Peer Metrics
var (
	// PeerBytesSentTotal tracks bytes sent to a peer.
	PeerBytesSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "closednet",
		Name:      "wireguard_peer_bytes_sent_total",
		Help:      "Total bytes sent over the wireguard interface by peer.",
	}, []string{"interface", "peer"})

	// PeerBytesRecvdTotal tracks bytes received from a peer.
	PeerBytesRecvdTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "closednet",
		Name:      "wireguard_peer_bytes_rcvd_total",
		Help:      "Total bytes received over the wireguard interface by peer.",
	}, []string{"interface", "peer"})

	// ConnectedPeers tracks whether a peer completed a recent handshake.
	ConnectedPeers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "closednet",
		Name:      "wireguard_connected_peers",
		Help:      "Whether the peer completed a handshake recently.",
	}, []string{"interface", "peer"})
)

// PeerNamer resolves a wireguard public key to a member name.
type PeerNamer func(publicKey string) (string, bool)

// MetricsRecorder records peer metrics for a wireguard interface.
type MetricsRecorder struct {
	ctrl     Controller
	iface    string
	namer    PeerNamer
	now      func() time.Time
	seen     map[string]struct{}
	peerSent map[string]int64
	peerRcvd map[string]int64
	mux      sync.Mutex
	log      *slog.Logger
}

// NewMetricsRecorder returns a new MetricsRecorder. Peers without a name
// are labeled by public key.
func NewMetricsRecorder(ctx context.Context, ctrl Controller, iface string, namer PeerNamer) *MetricsRecorder {
	if namer == nil {
		namer = func(string) (string, bool) { return "", false }
	}
	return &MetricsRecorder{
		ctrl:     ctrl,
		iface:    iface,
		namer:    namer,
		now:      time.Now,
		seen:     make(map[string]struct{}),
		peerSent: make(map[string]int64),
		peerRcvd: make(map[string]int64),
		log:      context.LoggerFrom(ctx).With("component", "wireguard-metrics"),
	}
}

// Run records metrics every interval until ctx is done.
func (m *MetricsRecorder) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.log.Debug("updating interface metrics")
			if err := m.Update(ctx); err != nil {
				m.log.Error("update metrics", slog.String("error", err.Error()))
			}
		}
	}
}

// Update takes one sample of the interface.
func (m *MetricsRecorder) Update(ctx context.Context) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	status, err := m.ctrl.Show(ctx, m.iface)
	if err != nil {
		return fmt.Errorf("show interface: %w", err)
	}
	now := m.now()
	current := make(map[string]struct{}, len(status.Peers))
	for key, peer := range status.Peers {
		label := key
		if name, ok := m.namer(key); ok {
			label = name
		}
		current[label] = struct{}{}
		connected := 0.0
		if peer.Connected(now) {
			connected = 1
		}
		ConnectedPeers.WithLabelValues(m.iface, label).Set(connected)
		// Counters reset when a peer is re-added, so a drop counts from zero.
		sent := peer.TransmitBytes - m.peerSent[label]
		if sent < 0 {
			sent = peer.TransmitBytes
		}
		rcvd := peer.ReceiveBytes - m.peerRcvd[label]
		if rcvd < 0 {
			rcvd = peer.ReceiveBytes
		}
		m.peerSent[label] = peer.TransmitBytes
		m.peerRcvd[label] = peer.ReceiveBytes
		PeerBytesSentTotal.WithLabelValues(m.iface, label).Add(float64(sent))
		PeerBytesRecvdTotal.WithLabelValues(m.iface, label).Add(float64(rcvd))
	}
	for label := range m.seen {
		if _, ok := current[label]; !ok {
			ConnectedPeers.DeleteLabelValues(m.iface, label)
			delete(m.peerSent, label)
			delete(m.peerRcvd, label)
		}
	}
	m.seen = current
	return nil
}
