package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// maxFileToolBytes caps how much of a file is returned to the model.
const maxFileToolBytes = 64 * 1024

// Workspace provides file tools rooted at a single directory. All
// relative paths resolve inside the root; escapes via ".." or symlinked
// absolute paths are rejected. ReadOnlyDirs grants read access to
// additional directories outside the root.
type Workspace struct {
	root         string
	readOnlyDirs []string
}

// NewWorkspace creates a workspace rooted at root. Returns an error if
// the root does not exist or is not a directory.
func NewWorkspace(root string, readOnlyDirs []string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root %s is not a directory", abs)
	}

	var ro []string
	for _, d := range readOnlyDirs {
		if a, err := filepath.Abs(d); err == nil {
			ro = append(ro, a)
		}
	}
	return &Workspace{root: abs, readOnlyDirs: ro}, nil
}

// RegisterTools adds the workspace file tools to the registry.
func (w *Workspace) RegisterTools(r *Registry) {
	r.Register(&Func{
		ToolName:        "read_file",
		ToolDescription: "Read a text file from the workspace. Paths are relative to the workspace root.",
		ToolParameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Relative path of the file to read",
				},
			},
			"required": []string{"path"},
		},
		Handler: w.handleRead,
	})

	r.Register(&Func{
		ToolName:        "write_file",
		ToolDescription: "Write a text file in the workspace, creating parent directories as needed. Paths are relative to the workspace root.",
		ToolParameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Relative path of the file to write",
				},
				"content": map[string]any{
					"type":        "string",
					"description": "Full file content",
				},
			},
			"required": []string{"path", "content"},
		},
		Handler: w.handleWrite,
	})

	r.Register(&Func{
		ToolName:        "list_dir",
		ToolDescription: "List files and directories in a workspace directory.",
		ToolParameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Relative path of the directory (default: workspace root)",
				},
			},
		},
		Handler: w.handleList,
	})
}

// resolve maps a tool-supplied path to an absolute path, enforcing
// workspace containment. When forWrite is false, paths inside a
// read-only dir are also allowed.
func (w *Workspace) resolve(path string, forWrite bool) (string, error) {
	if path == "" || path == "." {
		path = "."
	}

	var abs string
	if filepath.IsAbs(path) {
		abs = filepath.Clean(path)
	} else {
		abs = filepath.Join(w.root, path)
	}

	if within(abs, w.root) {
		return abs, nil
	}
	if !forWrite {
		for _, d := range w.readOnlyDirs {
			if within(abs, d) {
				return abs, nil
			}
		}
	}
	return "", fmt.Errorf("path %q is outside the workspace", path)
}

func within(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

func (w *Workspace) handleRead(ctx context.Context, args map[string]any) (string, error) {
	path, err := requireString(args, "path")
	if err != nil {
		return "", err
	}
	abs, err := w.resolve(path, false)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return "", err
	}
	if len(data) > maxFileToolBytes {
		return string(data[:maxFileToolBytes]) + "\n[truncated]", nil
	}
	return string(data), nil
}

func (w *Workspace) handleWrite(ctx context.Context, args map[string]any) (string, error) {
	path, err := requireString(args, "path")
	if err != nil {
		return "", err
	}
	content, _ := args["content"].(string)

	abs, err := w.resolve(path, true)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return "", err
	}
	if err := os.WriteFile(abs, []byte(content), 0644); err != nil {
		return "", err
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(content), path), nil
}

func (w *Workspace) handleList(ctx context.Context, args map[string]any) (string, error) {
	path, _ := args["path"].(string)
	abs, err := w.resolve(path, false)
	if err != nil {
		return "", err
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "(empty directory)", nil
	}

	var b strings.Builder
	for _, e := range entries {
		if e.IsDir() {
			fmt.Fprintf(&b, "%s/\n", e.Name())
		} else {
			fmt.Fprintf(&b, "%s\n", e.Name())
		}
	}
	return b.String(), nil
}
