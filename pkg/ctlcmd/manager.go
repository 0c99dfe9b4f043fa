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

package ctlcmd

import (
	"fmt"

	"github.com/closednet/closednet/pkg/config"
	"github.com/closednet/closednet/pkg/context"
	"github.com/closednet/closednet/pkg/directory"
	"github.com/closednet/closednet/pkg/endpoints"
	"github.com/closednet/closednet/pkg/netmanager"
	"github.com/closednet/closednet/pkg/wireguard"
)

// newManager wires the host implementations into a manager. The returned
// func releases the wireguard client.
func newManager(ctx context.Context, store *config.Store) (*netmanager.Manager, func(), error) {
	dir, err := directory.NewGistClient(cliConfig.Directory.GistOptions(cliConfig.Name))
	if err != nil {
		return nil, nil, fmt.Errorf("create directory client: %w", err)
	}
	host := wireguard.NewHost(wireguard.HostOptions{ConfigDir: cliConfig.WireGuard.ConfigDir})
	detector := endpoints.NewChain(endpoints.Options{
		STUNServer:    cliConfig.Discovery.STUNServer,
		DisableRemote: cliConfig.Discovery.DisableRemoteDetection,
	})
	m, err := netmanager.New(ctx, netmanager.Options{
		Config:     cliConfig,
		Store:      store,
		Directory:  dir,
		Controller: host,
		Detector:   detector,
	})
	if err != nil {
		host.Close()
		return nil, nil, err
	}
	return m, func() { host.Close() }, nil
}
