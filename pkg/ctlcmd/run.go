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
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/closednet/closednet/pkg/context"
	"github.com/closednet/closednet/pkg/metrics"
)

// ErrNotRoot is returned by run when not started as root.
var ErrNotRoot = errors.New("closednet run must be started as root to manage wireguard interfaces")

var (
	skipRootCheck   bool
	shutdownTimeout time.Duration
)

func init() {
	runCmd.Flags().BoolVar(&skipRootCheck, "skip-root-check", false, "Do not require root")
	runCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 10*time.Second, "Time allowed for shutdown")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the member daemon until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !skipRootCheck && os.Geteuid() != 0 {
			return ErrNotRoot
		}
		store, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
		defer stop()

		m, closer, err := newManager(ctx, store)
		if err != nil {
			return err
		}
		defer closer()
		if err := m.Initialize(ctx); err != nil {
			return err
		}
		var srv *metrics.Server
		if cliConfig.Metrics.Enabled {
			srv = metrics.New(ctx, metrics.Options{
				ListenAddress: cliConfig.Metrics.ListenAddress,
				Path:          cliConfig.Metrics.Path,
			})
			go func() {
				if err := srv.ListenAndServe(); err != nil {
					log.Error("Metrics server failed", slog.String("error", err.Error()))
				}
			}()
		}
		if err := m.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		log.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if srv != nil {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error("Error shutting down metrics server", slog.String("error", err.Error()))
			}
		}
		if err := m.Close(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	},
}
