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

package wireguard

import (
	"bytes"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/closednet/closednet/pkg/context"
)

// Runner runs host commands.
type Runner interface {
	// Run runs the command and returns its standard output.
	Run(ctx context.Context, command string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run implements Runner. Failures include the command's stderr.
func (ExecRunner) Run(ctx context.Context, command string, args ...string) ([]byte, error) {
	log := context.LoggerFrom(ctx)
	cmd := exec.CommandContext(ctx, command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	log.Debug(command, slog.String("args", strings.Join(args, " ")))
	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), fmt.Errorf("%s %v: %w: %s", command, args, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}
