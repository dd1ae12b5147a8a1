package dispatcher

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
)

// Invocation describes one agent CLI spawn.
type Invocation struct {
	AgentID   string
	SessionID string
	Prompt    string
	// Resume selects the resume-mode entry point; create mode otherwise.
	Resume bool
	// Env holds extra environment variables for the child, on top of the
	// parent environment and AGENT_ID.
	Env map[string]string
}

// Result is the outcome of a completed subprocess.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Process is a started subprocess.
type Process interface {
	// Wait blocks until the subprocess exits and returns its result. A
	// non-zero exit is reported in the Result, not as an error.
	Wait() (*Result, error)

	// Kill terminates the subprocess.
	Kill() error
}

// Runner starts agent subprocesses. Start returns an error only when the
// process could not be started at all.
type Runner interface {
	Start(ctx context.Context, inv Invocation) (Process, error)
}

// Argv returns the CLI arguments for the invocation, excluding the command
// itself. Resume mode: -r <sessionId> <prompt> -p. Create mode:
// --session-id <sessionId> <prompt> -p.
func (inv Invocation) Argv() []string {
	if inv.Resume {
		return []string{"-r", inv.SessionID, inv.Prompt, "-p"}
	}
	return []string{"--session-id", inv.SessionID, inv.Prompt, "-p"}
}

// ChildEnv returns the environment entries the child receives beyond the
// inherited environment.
func (inv Invocation) ChildEnv() []string {
	env := []string{"AGENT_ID=" + inv.AgentID}
	for k, v := range inv.Env {
		env = append(env, k+"="+v)
	}
	return env
}

// LocalRunner spawns the configured agent CLI as a host process.
type LocalRunner struct {
	Command string
	Dir     string
}

// NewLocalRunner returns a runner invoking command from dir.
func NewLocalRunner(command, dir string) *LocalRunner {
	return &LocalRunner{Command: command, Dir: dir}
}

// Start launches the agent CLI.
func (r *LocalRunner) Start(ctx context.Context, inv Invocation) (Process, error) {
	cmd := exec.CommandContext(ctx, r.Command, inv.Argv()...)
	cmd.Dir = r.Dir
	cmd.Env = append(os.Environ(), inv.ChildEnv()...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent command: %w", err)
	}

	return &localProcess{cmd: cmd, stdout: &stdout, stderr: &stderr}, nil
}

type localProcess struct {
	cmd    *exec.Cmd
	stdout *bytes.Buffer
	stderr *bytes.Buffer

	waitOnce sync.Once
	result   *Result
	waitErr  error
}

// Wait blocks until the process exits.
func (p *localProcess) Wait() (*Result, error) {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		res := &Result{
			Stdout: p.stdout.String(),
			Stderr: p.stderr.String(),
		}
		if err == nil {
			res.ExitCode = 0
		} else if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
		} else {
			p.waitErr = err
			res.ExitCode = -1
		}
		p.result = res
	})
	return p.result, p.waitErr
}

// Kill terminates the process.
func (p *localProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}
