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
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/cobra"

	"github.com/closednet/closednet/pkg/config"
	"github.com/closednet/closednet/pkg/crypto"
)

var initForce bool

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a config with a new identity",
	Long: `Create a config with a new RSA identity. A group secret is generated
unless one is given with --group.secret or $` + config.GroupSecretEnvVar + `.
Share the printed public key and the group secret with the other members
out of band.`,
	Example: "  closednet init --group.name friends --name alice",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cliConfig.Group.Name == "" {
			return fmt.Errorf("--group.name must be set")
		}
		ident, err := config.NewIdentityOptions()
		if err != nil {
			return err
		}
		cliConfig.Identity = ident
		generated := false
		if cliConfig.GroupSecret().IsEmpty() {
			secret, err := crypto.GenerateGroupSecret()
			if err != nil {
				return err
			}
			cliConfig.Group.Secret = secret.String()
			generated = true
		}
		if err := cliConfig.Validate(); err != nil {
			return err
		}
		store := configStore()
		if initForce {
			err = store.Save(cliConfig)
		} else {
			err = store.Create(cliConfig)
		}
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%s already exists, use --force to overwrite it", store.Path())
		}
		if err != nil {
			return err
		}
		cmd.Printf("Wrote %s\n\n", store.Path())
		cmd.Printf("Member name: %s\nGroup: %s\n", cliConfig.Name, cliConfig.Group.Name)
		if generated {
			cmd.Printf("Group secret: %s\n", cliConfig.Group.Secret)
		}
		cmd.Printf("\nPublic key:\n%s", cliConfig.Identity.PublicKey)
		return nil
	},
}
