package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const shellOutputCap = 50 * 1024 // per stream

// ShellExec runs shell commands inside the session scratch workspace.
//
// On timeout the process is deliberately left running: killing it would
// lose work for long-running commands the model under-estimated. The model
// gets the pid and whatever output arrived so far and can check back with
// another call.
type ShellExec struct {
	ws             Workspace
	defaultTimeout time.Duration
	maxTimeout     time.Duration
}

// NewShellExec creates the shell_exec tool.
func NewShellExec(ws Workspace, maxTimeout time.Duration) *ShellExec {
	if maxTimeout <= 0 {
		maxTimeout = 60 * time.Second
	}
	return &ShellExec{
		ws:             ws,
		defaultTimeout: 30 * time.Second,
		maxTimeout:     maxTimeout,
	}
}

func (t *ShellExec) Name() string { return "shell_exec" }

func (t *ShellExec) Description() string {
	return "Execute a shell command in the scratch workspace. Use this for running scripts, " +
		"installing packages, git operations, or any command-line task. " +
		"Prefer this over python_coder with subprocess."
}

func (t *ShellExec) Schema() json.RawMessage {
	return json.RawMessage(`{
		"name": "shell_exec",
		"description": "Execute a shell command in the session scratch workspace.",
		"parameters": {
			"type": "object",
			"properties": {
				"command": {"type": "string", "description": "The shell command to execute"},
				"timeout": {"type": "integer", "description": "Maximum execution time in seconds (default: 30)"},
				"working_directory": {"type": "string", "description": "Working directory relative to scratch workspace. Optional."},
				"session_id": {"type": "string", "description": "Session ID for workspace isolation (injected by agent)"}
			},
			"required": ["command", "session_id"]
		}
	}`)
}

// cappedBuffer keeps at most cap bytes and counts what was dropped.
type cappedBuffer struct {
	mu      sync.Mutex
	buf     strings.Builder
	limit   int
	dropped int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.limit - b.buf.Len()
	if room > 0 {
		if len(p) <= room {
			b.buf.Write(p)
		} else {
			b.buf.Write(p[:room])
			b.dropped += len(p) - room
		}
	} else {
		b.dropped += len(p)
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.buf.String()
	if b.dropped > 0 {
		s += fmt.Sprintf("\n...[output capped, %d bytes dropped]", b.dropped)
	}
	return s
}

func (t *ShellExec) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var in struct {
		Command          string `json:"command"`
		Timeout          int    `json:"timeout"`
		WorkingDirectory string `json:"working_directory"`
		SessionID        string `json:"session_id"`
	}
	if err := json.Unmarshal(params, &in); err != nil {
		return Errf("shell_exec: bad arguments: %v", err), nil
	}
	if strings.TrimSpace(in.Command) == "" {
		return Errf("shell_exec: command is empty"), nil
	}

	dir, err := t.ws.ScratchDir(in.SessionID)
	if err != nil {
		return Errf("shell_exec: %v", err), nil
	}
	if in.WorkingDirectory != "" {
		dir, err = t.ws.ResolveWrite(in.SessionID, in.WorkingDirectory)
		if err != nil {
			return Errf("shell_exec: %v", err), nil
		}
	}

	timeout := t.defaultTimeout
	if in.Timeout > 0 {
		timeout = time.Duration(in.Timeout) * time.Second
	}
	if timeout > t.maxTimeout {
		timeout = t.maxTimeout
	}

	stdout := &cappedBuffer{limit: shellOutputCap}
	stderr := &cappedBuffer{limit: shellOutputCap}

	cmd := exec.Command("sh", "-c", in.Command)
	cmd.Dir = dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Errf("shell_exec: %v", err), nil
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case waitErr := <-done:
		exitCode := 0
		if waitErr != nil {
			if ee, ok := waitErr.(*exec.ExitError); ok {
				exitCode = ee.ExitCode()
			} else {
				return Errf("shell_exec: %v", waitErr), nil
			}
		}
		res := Ok(map[string]any{
			"stdout":     stdout.String(),
			"stderr":     stderr.String(),
			"exit_code":  exitCode,
			"duration_s": time.Since(start).Seconds(),
		})
		if exitCode != 0 {
			res.Success = false
			res.Error = fmt.Sprintf("command exited with code %d", exitCode)
		}
		return res, nil

	case <-time.After(timeout):
		// Still running; report progress and let it finish on its own.
		return &Result{
			Error: fmt.Sprintf("still running after %s", timeout),
			Fields: map[string]any{
				"pid":     cmd.Process.Pid,
				"stdout":  stdout.String(),
				"stderr":  stderr.String(),
				"timeout": true,
			},
		}, nil

	case <-ctx.Done():
		return &Result{
			Error: "cancelled",
			Fields: map[string]any{
				"pid":    cmd.Process.Pid,
				"stdout": stdout.String(),
				"stderr": stderr.String(),
			},
		}, nil
	}
}
