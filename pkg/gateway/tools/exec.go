package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

const maxExecOutputBytes = 64 << 10

func runCommandTool(deps Deps) Tool {
	return Tool{
		Name:        "run_command",
		Description: "Run a shell command inside the workspace directory and return its output.",
		Parameters:  []byte(`{"type":"object","properties":{"command":{"type":"string","description":"The shell command to run"}},"required":["command"]}`),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			command, err := stringArg(args, "command")
			if err != nil {
				return "", err
			}
			return runInWorkspace(ctx, deps.WorkspaceDir, "sh", "-c", command)
		},
	}
}

func runPythonTool(deps Deps) Tool {
	return Tool{
		Name:        "run_python",
		Description: "Execute a Python snippet inside the workspace directory and return its output.",
		Parameters:  []byte(`{"type":"object","properties":{"code":{"type":"string","description":"The Python code to execute"}},"required":["code"]}`),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			code, err := stringArg(args, "code")
			if err != nil {
				return "", err
			}
			return runInWorkspace(ctx, deps.WorkspaceDir, "python3", "-c", code)
		},
	}
}

func runInWorkspace(ctx context.Context, dir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	output := strings.TrimSpace(out.String())
	if len(output) > maxExecOutputBytes {
		output = output[:maxExecOutputBytes] + "\n[truncated]"
	}
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if output == "" {
			return "", err
		}
		return "", fmt.Errorf("%v\n%s", err, output)
	}
	if output == "" {
		return "(no output)", nil
	}
	return output, nil
}
