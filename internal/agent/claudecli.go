package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/fentz26/agentbridge/internal/models"
	"github.com/fentz26/agentbridge/internal/tools"
)

// ClaudeCLI drives the Claude Code CLI as a subprocess in stream-JSON
// mode. One Invoke is one turn; the broker guarantees single flight.
type ClaudeCLI struct {
	// Command overrides executable discovery when set.
	Command string

	once   sync.Once
	path   string
	lookup error
}

// NewClaudeCLI returns an adapter that locates the claude executable
// on first use.
func NewClaudeCLI() *ClaudeCLI {
	return &ClaudeCLI{}
}

func (c *ClaudeCLI) executable() (string, error) {
	if c.Command != "" {
		return c.Command, nil
	}
	c.once.Do(func() {
		home, _ := os.UserHomeDir()
		candidates := []string{
			filepath.Join(home, ".local", "bin", "claude"),
			"/usr/local/bin/claude",
			"/usr/bin/claude",
		}
		for _, p := range candidates {
			if _, err := os.Stat(p); err == nil {
				c.path = p
				return
			}
		}
		if p, err := exec.LookPath("claude"); err == nil {
			c.path = p
			return
		}
		c.lookup = fmt.Errorf("claude executable not found; install with: npm install -g @anthropic-ai/claude-code")
	})
	return c.path, c.lookup
}

// streamEvent is one line of the CLI's stream-JSON output.
type streamEvent struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`

	Message *struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message,omitempty"`

	Request *struct {
		Subtype   string                 `json:"subtype"`
		ToolName  string                 `json:"tool_name"`
		ToolInput map[string]interface{} `json:"input"`
	} `json:"request,omitempty"`

	Result       string  `json:"result,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	SessionID    string  `json:"session_id,omitempty"`
}

func (c *ClaudeCLI) buildArgs(opts InvokeOptions, resume string) []string {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	}
	if opts.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(opts.MaxTurns))
	}
	if opts.Model != "" && opts.Model != "default" {
		args = append(args, "--model", opts.Model)
	}
	switch opts.Policy {
	case models.PolicyBypass:
		args = append(args, "--dangerously-skip-permissions")
	case models.PolicyAcceptEdits, models.PolicyPlan:
		args = append(args, "--permission-mode", string(opts.Policy))
	}
	if resume != "" {
		args = append(args, "--resume", resume)
	}
	return args
}

// Invoke runs one turn against the CLI. Context cancellation kills
// the subprocess (cooperative abort from the CLI's point of view).
func (c *ClaudeCLI) Invoke(ctx context.Context, opts InvokeOptions) (*Result, error) {
	start := time.Now()
	res, err := c.run(ctx, opts, opts.ResumeToken)
	if err != nil && opts.ResumeToken != "" && isStaleResume(err) {
		return nil, fmt.Errorf("resume rejected: %w", ErrStaleResume)
	}
	if err != nil {
		return nil, err
	}
	res.Duration = time.Since(start)
	return res, nil
}

func (c *ClaudeCLI) run(ctx context.Context, opts InvokeOptions, resume string) (*Result, error) {
	path, err := c.executable()
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, path, c.buildArgs(opts, resume)...)
	cmd.Dir = opts.WorkDir
	cmd.Env = cleanEnv()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start claude: %w", err)
	}

	var writeMu sync.Mutex
	writeJSON := func(v interface{}) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		_, err = stdin.Write(append(data, '\n'))
		return err
	}

	// Initial user message
	if err := writeJSON(map[string]interface{}{
		"type": "user",
		"message": map[string]interface{}{
			"role":    "user",
			"content": opts.Prompt,
		},
	}); err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return nil, fmt.Errorf("write prompt: %w", err)
	}

	result := &Result{}
	sawResult := false

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			continue // non-JSON noise on stdout
		}

		switch ev.Type {
		case "assistant":
			if ev.Message == nil || opts.OnText == nil {
				continue
			}
			text := ""
			for _, block := range ev.Message.Content {
				if block.Type == "text" && block.Text != "" {
					if text != "" {
						text += "\n"
					}
					text += block.Text
				}
			}
			if text != "" {
				opts.OnText(text)
			}

		case "control_request":
			if ev.Request == nil {
				continue
			}
			resp := c.handleControlRequest(ctx, opts, ev)
			if err := writeJSON(resp); err != nil {
				log.Printf("[agent] control response failed: %v", err)
			}

		case "result":
			result.Text = ev.Result
			result.CostUSD = ev.TotalCostUSD
			result.ResumeToken = ev.SessionID
			sawResult = true
		}
	}

	stdin.Close()
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if waitErr != nil && !sawResult {
		return nil, fmt.Errorf("claude exited: %w", waitErr)
	}
	if err := scanner.Err(); err != nil && !sawResult {
		return nil, fmt.Errorf("read claude output: %w", err)
	}
	if !sawResult {
		return nil, fmt.Errorf("claude produced no result")
	}
	return result, nil
}

// handleControlRequest answers a can_use_tool request: the push tool
// goes to the per-turn channel, registered in-process tools run
// directly, everything else is a permission decision.
func (c *ClaudeCLI) handleControlRequest(ctx context.Context, opts InvokeOptions, ev streamEvent) map[string]interface{} {
	respond := func(body interface{}) map[string]interface{} {
		return map[string]interface{}{
			"type":       "control_response",
			"request_id": ev.RequestID,
			"response":   body,
		}
	}

	if ev.Request.Subtype != "can_use_tool" {
		return respond(map[string]interface{}{"subtype": "error", "error": "unsupported control request"})
	}

	name := ev.Request.ToolName
	input := ev.Request.ToolInput

	if name == tools.SendMessageTool {
		if opts.Pushes != nil {
			opts.Pushes <- Push{
				Content:        strInput(input, "content"),
				AttachmentPath: strInput(input, "file_path"),
			}
			return respond(Allow(input))
		}
		return respond(Deny("no push channel for this turn"))
	}

	if opts.Tools != nil && opts.Tools.Has(name) {
		out, err := opts.Tools.Call(name, input)
		if err != nil {
			return respond(Deny(err.Error()))
		}
		return respond(map[string]interface{}{
			"behavior":     "allow",
			"updatedInput": input,
			"result":       out,
		})
	}

	if opts.OnPermission == nil {
		return respond(Allow(input))
	}
	return respond(opts.OnPermission(ctx, PermissionRequest{ToolName: name, ToolInput: input}))
}

// isStaleResume matches the CLI's failure mode for a rejected resume
// token: a clean nonzero exit before any result event.
func isStaleResume(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr) && exitErr.ExitCode() == 1
}

// cleanEnv strips the nested-launch guard so the CLI can run under an
// agent-managed process.
func cleanEnv() []string {
	env := os.Environ()
	out := env[:0]
	for _, kv := range env {
		if len(kv) >= 11 && kv[:11] == "CLAUDECODE=" {
			continue
		}
		out = append(out, kv)
	}
	return out
}

func strInput(input map[string]interface{}, key string) string {
	v, _ := input[key].(string)
	return v
}
