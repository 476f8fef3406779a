package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunCommandTool(t *testing.T) {
	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, "data.txt"), []byte("payload"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	tool := runCommandTool(Deps{WorkspaceDir: ws})
	out, err := tool.Handler(context.Background(), map[string]any{"command": "cat data.txt"})
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}
	if out != "payload" {
		t.Fatalf("output = %q", out)
	}
}

func TestRunCommandTool_FailureCarriesOutput(t *testing.T) {
	tool := runCommandTool(Deps{WorkspaceDir: t.TempDir()})
	_, err := tool.Handler(context.Background(), map[string]any{"command": "echo oops >&2; exit 3"})
	if err == nil {
		t.Fatal("expected error for failing command")
	}
	if !strings.Contains(err.Error(), "oops") {
		t.Fatalf("err = %v, want stderr included", err)
	}
}

func TestRunCommandTool_NoOutput(t *testing.T) {
	tool := runCommandTool(Deps{WorkspaceDir: t.TempDir()})
	out, err := tool.Handler(context.Background(), map[string]any{"command": "true"})
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}
	if out != "(no output)" {
		t.Fatalf("output = %q", out)
	}
}

func TestRunCommandTool_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tool := runCommandTool(Deps{WorkspaceDir: t.TempDir()})
	_, err := tool.Handler(ctx, map[string]any{"command": "sleep 5"})
	if err == nil {
		t.Fatal("expected error for canceled context")
	}
}
