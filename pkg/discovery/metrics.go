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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultSuccess = "success"
	resultFailure = "failure"

	actionAdded   = "added"
	actionUpdated = "updated"
	actionRemoved = "removed"
	actionFailed  = "failed"
)

var (
	cyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "closednet",
		Name:      "discovery_cycles_total",
		Help:      "Total discovery cycles by result.",
	}, []string{"result"})

	cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "closednet",
		Name:      "discovery_cycle_duration_seconds",
		Help:      "Duration of discovery cycles.",
		Buckets:   prometheus.DefBuckets,
	})

	trustedPeers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "closednet",
		Name:      "discovery_trusted_announcements",
		Help:      "Trusted announcements seen in the last successful cycle.",
	})

	peerChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "closednet",
		Name:      "discovery_peer_changes_total",
		Help:      "Peer changes applied to the interface by action.",
	}, []string{"action"})
)
