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
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(publishCmd)
}

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish this member's announcement once",
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
		if err := m.Initialize(ctx); err != nil {
			return err
		}
		id, err := m.Publish(ctx)
		if err != nil {
			return err
		}
		cmd.Printf("Published record %s\n", id)
		return nil
	},
}
