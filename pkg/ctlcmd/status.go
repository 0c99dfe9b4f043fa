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
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/closednet/closednet/pkg/netmanager"
)

var statusOpts netmanager.StatusOptions

func init() {
	statusCmd.Flags().BoolVar(&statusOpts.Ping, "ping", false, "Ping the tunnel address of every peer")
	statusCmd.Flags().DurationVar(&statusOpts.PingTimeout, "ping-timeout", netmanager.DefaultPingTimeout, "Timeout for each ping")
	statusCmd.Flags().BoolVar(&statusOpts.ResolveNames, "resolve-names", false, "Name peers by listing the directory")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the interface and its peers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx := commandContext(cmd)
		m, closer, err := newManager(ctx, store)
		if err != nil {
			return err
		}
		defer closer()
		status, err := m.Status(ctx, statusOpts)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			return err
		}
		cmd.Println(string(out))
		return nil
	},
}
