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
// Package ctlcmd contains the closednet CLI.
package ctlcmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/closednet/closednet/pkg/config"
	"github.com/closednet/closednet/pkg/context"
	"github.com/closednet/closednet/pkg/logging"
)

var (
	configFileFlag string
	cliConfig      = config.New()
	log            = slog.Default()
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFileFlag, "config", "c",
		config.GetEnvDefault(config.DefaultConfigPath, config.ConfigEnvVar),
		"Path to the configuration file. The extension selects yaml, toml or json.")
	cliConfig.BindFlags("", rootCmd.PersistentFlags())
	rootCmd.SetOut(os.Stdout)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// Root returns the root command.
func Root() *cobra.Command {
	return rootCmd
}

var rootCmd = &cobra.Command{
	Use:           "closednet",
	Short:         "closednet builds a private wireguard mesh between pinned members",
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log = logging.SetupLogging(cliConfig.LogLevel)
	},
}

func configStore() *config.Store {
	return config.NewStore(configFileFlag)
}

// loadConfig decodes the config file under the flags set on cmd and
// validates the result.
func loadConfig(cmd *cobra.Command) (*config.Store, error) {
	store := configStore()
	if err := store.LoadInto(cliConfig, cmd.Flags()); err != nil {
		return nil, fmt.Errorf("load config (run 'closednet init' to create one): %w", err)
	}
	log = logging.SetupLogging(cliConfig.LogLevel)
	if err := cliConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return store, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithLogger(ctx, log)
}
