/*
Copyright (c) ColdSync contributors.

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

package pconn

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stats holds the per-layer counters a Connection updates as it runs:
// SLP packets discarded at the framing layer, PADP fragment retries
// and fragments sent, and whole DLP request retries. A Connection
// updates the Stats its caller passes in Config.Stats (built with
// NewStats); a process juggling several Connections can tell their
// series apart by the "conn" label.
type Stats struct {
	registry *prometheus.Registry

	SLPDiscards   prometheus.Counter
	PADPRetries   prometheus.Counter
	PADPFragments prometheus.Counter
	DLPRetries    prometheus.Counter
}

// NewStats creates a Stats with its own Prometheus registry, labeling
// every counter with conn so the series of different Connections do
// not collide when scraped together.
func NewStats(conn string) *Stats {
	registry := prometheus.NewRegistry()

	s := &Stats{
		registry: registry,
		SLPDiscards: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "pconn_slp_discards_total",
			Help:        "SLP packets discarded for bad checksum, bad CRC, or address mismatch",
			ConstLabels: prometheus.Labels{"conn": conn},
		}),
		PADPRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "pconn_padp_retries_total",
			Help:        "PADP fragment send attempts beyond the first",
			ConstLabels: prometheus.Labels{"conn": conn},
		}),
		PADPFragments: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "pconn_padp_fragments_total",
			Help:        "PADP data fragments successfully exchanged",
			ConstLabels: prometheus.Labels{"conn": conn},
		}),
		DLPRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "pconn_dlp_retries_total",
			Help:        "Whole DLP requests retried after a lower-layer timeout",
			ConstLabels: prometheus.Labels{"conn": conn},
		}),
	}

	registry.MustRegister(s.SLPDiscards, s.PADPRetries, s.PADPFragments, s.DLPRetries)
	return s
}

// Handler returns an http.Handler serving this Stats' metrics in the
// Prometheus exposition format, for a caller (typically cmd/pconncheck
// or a sync daemon) to mount under /metrics.
func (s *Stats) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
