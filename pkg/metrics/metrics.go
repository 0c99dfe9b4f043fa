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
// Package metrics contains the HTTP server for exposing Prometheus metrics.
package metrics

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/closednet/closednet/pkg/context"
)

// DefaultListenAddress is the default listen address for the metrics server.
const DefaultListenAddress = ":8080"

// DefaultPath is the default path metrics are served on.
const DefaultPath = "/metrics"

// Options contains the configuration for exposing metrics.
type Options struct {
	// ListenAddress is the address to start the metrics server on.
	ListenAddress string
	// Path is the path to expose metrics on.
	Path string
	// Gatherer is the metrics source. Defaults to the global registry.
	Gatherer prometheus.Gatherer
}

// Server is the metrics server.
type Server struct {
	Options
	log *slog.Logger

	mu  sync.Mutex
	srv *http.Server
}

// New returns a new metrics server.
func New(ctx context.Context, o Options) *Server {
	if o.ListenAddress == "" {
		o.ListenAddress = DefaultListenAddress
	}
	if o.Path == "" {
		o.Path = DefaultPath
	}
	if o.Gatherer == nil {
		o.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		Options: o,
		log:     context.LoggerFrom(ctx).With("component", "metrics"),
	}
}

// Handler serves metrics on the configured path and 404 elsewhere.
func (s *Server) Handler() http.Handler {
	metrics := promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == s.Path {
			metrics.ServeHTTP(w, r)
			return
		}
		http.NotFound(w, r)
	})
}

// ListenAndServe starts the server and blocks until it is shut down.
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.ListenAddress, err)
	}
	return s.Serve(l)
}

// Serve serves metrics on l until the server is shut down.
func (s *Server) Serve(l net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()
	s.log.Info("Starting Prometheus metrics server", slog.String("listen-address", l.Addr().String()), slog.String("path", s.Path))
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// Shutdown attempts to stop the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	s.log.Info("Shutting down Prometheus metrics server")
	return srv.Shutdown(ctx)
}
