package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

const shellTimeout = 60 * time.Second

// denyPatterns block commands that are destructive or exfiltrate credentials
// regardless of path policy. Matching is best-effort string screening, not a
// sandbox.
var denyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\brm\s+(-[a-z]*r[a-z]*f|-[a-z]*f[a-z]*r)\b`),
	regexp.MustCompile(`(?i)\bmkfs\b`),
	regexp.MustCompile(`(?i)\bdd\s+.*\bof=/dev/`),
	regexp.MustCompile(`(?i)>\s*/dev/sd[a-z]`),
	regexp.MustCompile(`(?i)\bshutdown\b|\breboot\b|\bhalt\b`),
	regexp.MustCompile(`(?i)\bchmod\s+(-[a-z]+\s+)?0?777\s+/`),
	regexp.MustCompile(`(?i):\(\)\s*\{.*\};\s*:`),
	regexp.MustCompile(`(?i)\bcurl\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`(?i)\bwget\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`(?i)/etc/(passwd|shadow|sudoers)\b`),
	regexp.MustCompile(`(?i)\bssh-keygen\b.*-f\s*~?/\.ssh`),
	regexp.MustCompile(`(?i)\bcat\b.*\.(pem|key)\b`),
	regexp.MustCompile(`(?i)\bhistory\s+-c\b`),
}

// ExecTool runs a shell command inside the workspace.
type ExecTool struct {
	policy *PathPolicy
}

func NewExecTool(policy *PathPolicy) *ExecTool {
	return &ExecTool{policy: policy}
}

func (t *ExecTool) Name() string { return "exec_command" }
func (t *ExecTool) Description() string {
	return "Execute a shell command in the workspace and return its output"
}
func (t *ExecTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "Shell command to execute",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ExecTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	command, _ := args["command"].(string)
	if strings.TrimSpace(command) == "" {
		return ErrorResult("command is required")
	}
	for _, pat := range denyPatterns {
		if pat.MatchString(command) {
			return ErrorResult("command blocked by safety policy")
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, shellTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = t.policy.Workspace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	output := strings.TrimRight(stdout.String(), "\n")
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n"
		}
		output += "STDERR:\n" + strings.TrimRight(stderr.String(), "\n")
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return ErrorResult(fmt.Sprintf("command timed out after %s", shellTimeout))
	}
	if err != nil {
		if output == "" {
			output = err.Error()
		} else {
			output += "\n" + err.Error()
		}
		return ErrorResult(output)
	}
	if output == "" {
		output = "(command completed with no output)"
	}
	return SilentResult(output)
}
