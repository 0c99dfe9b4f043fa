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
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/closednet/closednet/pkg/crypto"
)

var (
	rosterKey     string
	rosterOffline bool
)

func init() {
	rosterAddCmd.Flags().StringVar(&rosterKey, "key", "", "The member's public key. Read from the file argument or stdin when empty.")
	rosterRemoveCmd.Flags().BoolVar(&rosterOffline, "offline", false, "Only edit the roster, leave the interface untouched")
	rosterCmd.AddCommand(rosterAddCmd, rosterRemoveCmd, rosterListCmd)
	rootCmd.AddCommand(rosterCmd)
}

var rosterCmd = &cobra.Command{
	Use:   "roster",
	Short: "Manage the pinned members of the group",
}

var rosterAddCmd = &cobra.Command{
	Use:     "add NAME [KEY_FILE|-]",
	Short:   "Pin a member's public key",
	Example: "  closednet roster add bob bob.pem",
	Args:    cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		key := rosterKey
		if key == "" {
			var r io.Reader = cmd.InOrStdin()
			if len(args) == 2 && args[1] != "-" {
				f, err := os.Open(args[1])
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			data, err := io.ReadAll(r)
			if err != nil {
				return fmt.Errorf("read public key: %w", err)
			}
			key = string(data)
		}
		if err := store.AddRosterEntry(args[0], key); err != nil {
			return err
		}
		cmd.Printf("Added %s\n", args[0])
		return nil
	},
}

var rosterRemoveCmd = &cobra.Command{
	Use:   "remove NAME",
	Short: "Unpin a member and remove their peer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if rosterOffline {
			if err := store.RemoveRosterEntry(args[0]); err != nil {
				return err
			}
			cmd.Printf("Removed %s\n", args[0])
			return nil
		}
		ctx := commandContext(cmd)
		m, closer, err := newManager(ctx, store)
		if err != nil {
			return err
		}
		defer closer()
		if err := m.RemoveMember(ctx, args[0]); err != nil {
			return err
		}
		cmd.Printf("Removed %s\n", args[0])
		return nil
	},
}

var rosterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pinned members",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := loadConfig(cmd); err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tKEY FINGERPRINT")
		for _, entry := range cliConfig.Roster {
			fmt.Fprintf(w, "%s\t%s\n", entry.Name, fingerprint(entry.PublicKey))
		}
		return w.Flush()
	},
}

// fingerprint is the SHA-256 of the key's DER encoding, so differently
// encoded copies of one key print the same.
func fingerprint(key string) string {
	pub, err := crypto.ParseAnyPublicKey([]byte(key))
	if err != nil {
		return "invalid"
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "invalid"
	}
	sum := sha256.Sum256(der)
	return "SHA256:" + hex.EncodeToString(sum[:16])
}
