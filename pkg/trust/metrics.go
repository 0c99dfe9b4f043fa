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

package trust

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeTrusted     = "trusted"
	outcomeInvalid     = "invalid"
	outcomeUnknown     = "unknown_member"
	outcomeKeyMismatch = "key_mismatch"
	outcomeStale       = "stale"
	outcomeFetchFailed = "fetch_failed"
)

var recordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "closednet",
	Subsystem: "trust",
	Name:      "records_total",
	Help:      "Directory records seen by the reconciler by outcome.",
}, []string{"outcome"})
