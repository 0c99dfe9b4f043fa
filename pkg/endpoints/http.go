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

package endpoints

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/closednet/closednet/pkg/context"
)

// HTTPDetector fetches a URL that echoes the caller's address as text.
type HTTPDetector struct {
	// URL is the echo service.
	URL string
	// Client is the HTTP client. It should only dial IPv6.
	Client *http.Client
}

// NewIPv6HTTPClient returns a client that only dials over IPv6.
func NewIPv6HTTPClient(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: timeout}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = func(ctx context.Context, _, addr string) (net.Conn, error) {
		return dialer.DialContext(ctx, "tcp6", addr)
	}
	return &http.Client{Transport: transport, Timeout: timeout}
}

func (d *HTTPDetector) Name() string { return "http " + d.URL }

func (d *HTTPDetector) Detect(ctx context.Context) (netip.Addr, error) {
	client := d.Client
	if client == nil {
		client = NewIPv6HTTPClient(DefaultTimeout)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL, nil)
	if err != nil {
		return netip.Addr{}, err
	}
	req.Header.Set("Accept", "text/plain")
	resp, err := client.Do(req)
	if err != nil {
		return netip.Addr{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return netip.Addr{}, fmt.Errorf("%s returned %s", d.URL, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("read %s: %w", d.URL, err)
	}
	return parseAddr(strings.TrimSpace(string(body)))
}
