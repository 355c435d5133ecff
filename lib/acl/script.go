/*
Copyright 2024 Fermi National Accelerator Laboratory

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

package acl

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/fermi-controls/pacsys/lib/sshutils"
)

// scriptRunner is the exec surface RunScript needs from the transport.
type scriptRunner interface {
	Exec(ctx context.Context, command string, opts ...sshutils.ExecOption) (sshutils.ExecResult, error)
}

// RunScript executes commands as a one-shot interpreter script: the
// commands are written to a temporary remote file, the interpreter runs
// the file, and the file is removed whether or not the run succeeded.
func RunScript(ctx context.Context, client *sshutils.Client, commands []string) (string, error) {
	return runScript(ctx, client, commands)
}

func runScript(ctx context.Context, runner scriptRunner, commands []string) (string, error) {
	if len(commands) == 0 {
		return "", trace.BadParameter("no commands to run")
	}
	tmpPath := fmt.Sprintf("/tmp/pacsys_acl_%s", uuid.NewString())

	script := strings.Join(commands, "\n") + "\n"
	upload, err := runner.Exec(ctx, fmt.Sprintf("cat > %s", tmpPath), sshutils.WithInput(script))
	if err != nil {
		return "", trace.Wrap(&InterpreterError{Op: "script upload", Err: err})
	}
	if !upload.Ok() {
		return "", trace.Wrap(&InterpreterError{Op: "script upload",
			Err: fmt.Errorf("exit %d: %s", upload.ExitCode, strings.TrimSpace(upload.Stderr))})
	}
	// The temporary file is removed even when the run fails.
	defer runner.Exec(ctx, fmt.Sprintf("rm -f %s", tmpPath))

	run, err := runner.Exec(ctx, fmt.Sprintf("acl %s", tmpPath))
	if err != nil {
		return "", trace.Wrap(&InterpreterError{Op: "script run", Err: err})
	}
	if !run.Ok() {
		return "", trace.Wrap(&InterpreterError{Op: "script run",
			Err: fmt.Errorf("exit %d: %s", run.ExitCode, strings.TrimSpace(run.Stderr))})
	}
	return stripOutput(run.Stdout), nil
}

// stripOutput removes interpreter prompts and echoed commands from
// one-shot script output.
func stripOutput(text string) string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, "ACL>") {
			continue
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
