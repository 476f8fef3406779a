package tools

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	maxReadBytes     = 256 << 10
	maxSearchResults = 50
)

// workspacePath resolves a caller-supplied relative path against the
// workspace root, rejecting anything that escapes it.
func workspacePath(workspace, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("path must be relative to the workspace")
	}
	abs := filepath.Join(workspace, filepath.Clean(rel))
	root := filepath.Clean(workspace)
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes the workspace")
	}
	return abs, nil
}

func registerFileTools(add func(Tool), deps Deps) {
	workspace := deps.WorkspaceDir

	add(Tool{
		Name:        "read_file",
		Description: "Read a text file from the workspace.",
		Parameters:  []byte(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to the workspace"}},"required":["path"]}`),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			rel, err := stringArg(args, "path")
			if err != nil {
				return "", err
			}
			path, err := workspacePath(workspace, rel)
			if err != nil {
				return "", err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return "", err
			}
			if len(data) > maxReadBytes {
				return string(data[:maxReadBytes]) + "\n[truncated]", nil
			}
			return string(data), nil
		},
	})

	add(Tool{
		Name:        "write_file",
		Description: "Write a text file in the workspace, creating parent directories as needed.",
		Parameters:  []byte(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to the workspace"},"content":{"type":"string","description":"The file contents"}},"required":["path","content"]}`),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			rel, err := stringArg(args, "path")
			if err != nil {
				return "", err
			}
			content, ok := args["content"].(string)
			if !ok {
				return "", fmt.Errorf("argument %q must be a string", "content")
			}
			path, err := workspacePath(workspace, rel)
			if err != nil {
				return "", err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return "", err
			}
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return "", err
			}
			return fmt.Sprintf("Wrote %d bytes to %s.", len(content), rel), nil
		},
	})

	add(Tool{
		Name:        "list_directory",
		Description: "List the entries of a workspace directory.",
		Parameters:  []byte(`{"type":"object","properties":{"path":{"type":"string","description":"Directory path relative to the workspace, defaults to the workspace root"}},"required":[]}`),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			rel := optionalStringArg(args, "path", ".")
			path, err := workspacePath(workspace, rel)
			if err != nil {
				return "", err
			}
			entries, err := os.ReadDir(path)
			if err != nil {
				return "", err
			}
			if len(entries) == 0 {
				return "(empty directory)", nil
			}
			names := make([]string, 0, len(entries))
			for _, e := range entries {
				name := e.Name()
				if e.IsDir() {
					name += "/"
				}
				names = append(names, name)
			}
			sort.Strings(names)
			return strings.Join(names, "\n"), nil
		},
	})

	add(Tool{
		Name:        "search_files",
		Description: "Search workspace files for a text pattern and return matching lines.",
		Parameters:  []byte(`{"type":"object","properties":{"pattern":{"type":"string","description":"Case-insensitive text to search for"},"path":{"type":"string","description":"Directory to search under, defaults to the workspace root"}},"required":["pattern"]}`),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			pattern, err := stringArg(args, "pattern")
			if err != nil {
				return "", err
			}
			rel := optionalStringArg(args, "path", ".")
			root, err := workspacePath(workspace, rel)
			if err != nil {
				return "", err
			}

			needle := strings.ToLower(pattern)
			var matches []string
			walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
				if err != nil {
					return nil
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if d.IsDir() {
					if strings.HasPrefix(d.Name(), ".") && path != root {
						return filepath.SkipDir
					}
					return nil
				}
				info, err := d.Info()
				if err != nil || info.Size() > maxReadBytes {
					return nil
				}
				data, err := os.ReadFile(path)
				if err != nil {
					return nil
				}
				relPath, _ := filepath.Rel(workspace, path)
				for i, line := range strings.Split(string(data), "\n") {
					if strings.Contains(strings.ToLower(line), needle) {
						matches = append(matches, fmt.Sprintf("%s:%d: %s", relPath, i+1, strings.TrimSpace(line)))
						if len(matches) >= maxSearchResults {
							return fs.SkipAll
						}
					}
				}
				return nil
			})
			if walkErr != nil && walkErr != fs.SkipAll {
				return "", walkErr
			}
			if len(matches) == 0 {
				return fmt.Sprintf("No matches for %q.", pattern), nil
			}
			return strings.Join(matches, "\n"), nil
		},
	})
}
