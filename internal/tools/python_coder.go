package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PythonCoder executes Python tasks in the session scratch workspace.
//
// Two executor modes exist:
//   - "inline": the instruction is treated as Python source, written to a
//     script in the scratch dir and run with the configured interpreter.
//   - "agent": the instruction is forwarded to an external coding-agent
//     service that generates and runs the code itself.
type PythonCoder struct {
	ws        Workspace
	mode      string
	pythonBin string
	endpoint  string
	client    *http.Client
}

// NewPythonCoder creates the python_coder tool.
func NewPythonCoder(ws Workspace, mode, pythonBin, endpoint string) *PythonCoder {
	if mode == "" {
		mode = "inline"
	}
	if pythonBin == "" {
		pythonBin = "python3"
	}
	return &PythonCoder{
		ws:        ws,
		mode:      mode,
		pythonBin: pythonBin,
		endpoint:  endpoint,
		client:    &http.Client{Timeout: 5 * time.Minute},
	}
}

func (t *PythonCoder) Name() string { return "python_coder" }

func (t *PythonCoder) Description() string {
	return "Execute a Python coding task. The code runs in the session's scratch workspace " +
		"and the combined output is returned. Files created there can be read back with file_reader. " +
		"Example: read sales.csv, compute monthly totals, and save a bar chart to chart.png."
}

func (t *PythonCoder) Schema() json.RawMessage {
	return json.RawMessage(`{
		"name": "python_coder",
		"description": "Run Python in the session workspace.",
		"parameters": {
			"type": "object",
			"properties": {
				"instruction": {"type": "string", "description": "The Python task to run. Be specific about what to compute, expected outputs, files to read or create, and any constraints."},
				"timeout": {"type": "integer", "description": "Execution timeout in seconds (optional)"},
				"session_id": {"type": "string", "description": "Session ID for workspace isolation (injected by agent)"}
			},
			"required": ["instruction", "session_id"]
		}
	}`)
}

func (t *PythonCoder) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var in struct {
		Instruction string `json:"instruction"`
		Timeout     int    `json:"timeout"`
		SessionID   string `json:"session_id"`
	}
	if err := json.Unmarshal(params, &in); err != nil {
		return Errf("python_coder: bad arguments: %v", err), nil
	}
	if strings.TrimSpace(in.Instruction) == "" {
		return Errf("python_coder: instruction is empty"), nil
	}

	timeout := 30 * time.Second
	if in.Timeout > 0 {
		timeout = time.Duration(in.Timeout) * time.Second
	}

	if t.mode == "agent" {
		return t.executeAgent(ctx, in.Instruction, in.SessionID, timeout)
	}
	return t.executeInline(ctx, in.Instruction, in.SessionID, timeout)
}

func (t *PythonCoder) executeInline(ctx context.Context, code, sessionID string, timeout time.Duration) (*Result, error) {
	dir, err := t.ws.ScratchDir(sessionID)
	if err != nil {
		return Errf("python_coder: %v", err), nil
	}

	script := filepath.Join(dir, fmt.Sprintf(".task_%s.py", uuid.NewString()[:8]))
	if err := os.WriteFile(script, []byte(code), 0o644); err != nil {
		return Errf("python_coder: %v", err), nil
	}
	defer os.Remove(script)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, t.pythonBin, script)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	elapsed := time.Since(start).Seconds()

	fields := map[string]any{
		"stdout":         capOutput(stdout.String()),
		"stderr":         capOutput(stderr.String()),
		"returncode":     0,
		"execution_time": elapsed,
		"files":          scratchFiles(dir, filepath.Base(script)),
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return &Result{
			Error:  fmt.Sprintf("python_coder: execution timed out after %s", timeout),
			Fields: fields,
		}, nil
	}
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			fields["returncode"] = ee.ExitCode()
			return &Result{
				Error:  fmt.Sprintf("python_coder: exited with code %d", ee.ExitCode()),
				Fields: fields,
			}, nil
		}
		return Errf("python_coder: %v", err), nil
	}
	return Ok(fields), nil
}

// capOutput truncates a stream at the shell output cap.
func capOutput(s string) string {
	if len(s) > shellOutputCap {
		return s[:shellOutputCap] + "\n...[output capped]"
	}
	return s
}

// scratchFiles lists the files present in the scratch dir after a run,
// name to size in bytes, skipping the temporary script.
func scratchFiles(dir, skip string) map[string]int64 {
	files := map[string]int64{}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return files
	}
	for _, e := range entries {
		if e.IsDir() || e.Name() == skip {
			continue
		}
		if info, err := e.Info(); err == nil {
			files[e.Name()] = info.Size()
		}
	}
	return files
}

func (t *PythonCoder) executeAgent(ctx context.Context, instruction, sessionID string, timeout time.Duration) (*Result, error) {
	if t.endpoint == "" {
		return Errf("python_coder: coding-agent endpoint not configured"), nil
	}

	payload, err := json.Marshal(map[string]any{
		"instruction": instruction,
		"session_id":  sessionID,
		"timeout":     int(timeout.Seconds()),
	})
	if err != nil {
		return Errf("python_coder: %v", err), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(t.endpoint, "/")+"/execute", bytes.NewReader(payload))
	if err != nil {
		return Errf("python_coder: %v", err), nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return Errf("python_coder: %v", err), nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Errf("python_coder: coding agent returned %s", resp.Status), nil
	}

	var body struct {
		Stdout        string           `json:"stdout"`
		Stderr        string           `json:"stderr"`
		Returncode    int              `json:"returncode"`
		ExecutionTime float64          `json:"execution_time"`
		Files         map[string]int64 `json:"files"`
		Error         string           `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Errf("python_coder: bad response: %v", err), nil
	}
	if body.Files == nil {
		body.Files = map[string]int64{}
	}
	fields := map[string]any{
		"stdout":         body.Stdout,
		"stderr":         body.Stderr,
		"returncode":     body.Returncode,
		"execution_time": body.ExecutionTime,
		"files":          body.Files,
	}
	if body.Error != "" || body.Returncode != 0 {
		msg := body.Error
		if msg == "" {
			msg = fmt.Sprintf("python_coder: exited with code %d", body.Returncode)
		}
		return &Result{Error: msg, Fields: fields}, nil
	}
	return Ok(fields), nil
}
