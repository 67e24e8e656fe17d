package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// maxReadBytes caps a single read_file result before token truncation
// is even considered.
const maxReadBytes = 256 * 1024

// FileTools exposes read, write, edit and list operations confined to
// one workspace directory.
type FileTools struct {
	root string
}

// NewFileTools creates file tools rooted at workspace. An empty
// workspace disables them.
func NewFileTools(workspace string) *FileTools {
	return &FileTools{root: workspace}
}

// Enabled reports whether a workspace is configured.
func (ft *FileTools) Enabled() bool { return ft.root != "" }

// Root returns the workspace directory.
func (ft *FileTools) Root() string { return ft.root }

// Register adds the file tools to reg. It is a no-op when disabled.
func (ft *FileTools) Register(reg *Registry) {
	if !ft.Enabled() {
		return
	}
	reg.Register(&Tool{
		Name:        "read_file",
		Description: "Read a text file from the workspace. Use offset (1-based line) and limit to page through large files.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":   map[string]any{"type": "string", "description": "Path relative to the workspace"},
				"offset": map[string]any{"type": "integer", "description": "First line to return, 1-based"},
				"limit":  map[string]any{"type": "integer", "description": "Maximum number of lines"},
			},
			"required": []string{"path"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return ft.Read(ctx, stringArg(args, "path"), intArg(args, "offset"), intArg(args, "limit"))
		},
	})
	reg.Register(&Tool{
		Name:        "write_file",
		Description: "Create or overwrite a file in the workspace. Parent directories are created as needed.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":    map[string]any{"type": "string"},
				"content": map[string]any{"type": "string"},
			},
			"required": []string{"path", "content"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			path := stringArg(args, "path")
			content := stringArg(args, "content")
			if err := ft.Write(ctx, path, content); err != nil {
				return "", err
			}
			return fmt.Sprintf("Wrote %d bytes to %s", len(content), path), nil
		},
	})
	reg.Register(&Tool{
		Name:        "edit_file",
		Description: "Replace one exact, unique occurrence of old_text with new_text in a workspace file.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":     map[string]any{"type": "string"},
				"old_text": map[string]any{"type": "string"},
				"new_text": map[string]any{"type": "string"},
			},
			"required": []string{"path", "old_text", "new_text"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			path := stringArg(args, "path")
			if err := ft.Edit(ctx, path, stringArg(args, "old_text"), stringArg(args, "new_text")); err != nil {
				return "", err
			}
			return "Edited " + path, nil
		},
	})
	reg.Register(&Tool{
		Name:        "list_dir",
		Description: "List the entries of a workspace directory. Directories end with a slash.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string", "description": "Directory relative to the workspace; defaults to the root"},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			path := stringArg(args, "path")
			if path == "" {
				path = "."
			}
			entries, err := ft.List(ctx, path)
			if err != nil {
				return "", err
			}
			if len(entries) == 0 {
				return "(empty directory)", nil
			}
			return strings.Join(entries, "\n"), nil
		},
	})
}

// resolvePath maps path onto the workspace and rejects anything that
// would land outside it.
func (ft *FileTools) resolvePath(path string) (string, error) {
	if ft.root == "" {
		return "", errors.New("workspace not configured")
	}
	root, err := filepath.Abs(ft.root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace: %w", err)
	}

	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(root, path)
	}
	abs = filepath.Clean(abs)

	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return abs, nil
}

// Read returns a file's contents. offset is a 1-based line number and
// limit a line count; zero means unbounded.
func (ft *FileTools) Read(_ context.Context, path string, offset, limit int) (string, error) {
	abs, err := ft.resolvePath(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("file not found: %s", path)
		}
		return "", fmt.Errorf("read file: %w", err)
	}

	content := string(data)
	if offset > 0 || limit > 0 {
		lines := strings.Split(content, "\n")
		first := max(offset-1, 0)
		if first >= len(lines) {
			return "", fmt.Errorf("offset %d exceeds file length (%d lines)", offset, len(lines))
		}
		last := len(lines)
		if limit > 0 && first+limit < last {
			last = first + limit
		}
		content = strings.Join(lines[first:last], "\n")
		if first > 0 || last < len(lines) {
			content = fmt.Sprintf("[Lines %d-%d of %d]\n%s", first+1, last, len(lines), content)
		}
	}

	if len(content) > maxReadBytes {
		content = content[:maxReadBytes] + "\n\n[... truncated, use offset/limit for more ...]"
	}
	return content, nil
}

// Write creates or replaces a file, making parent directories.
func (ft *FileTools) Write(_ context.Context, path, content string) error {
	abs, err := ft.resolvePath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

// Edit replaces exactly one occurrence of oldText.
func (ft *FileTools) Edit(_ context.Context, path, oldText, newText string) error {
	abs, err := ft.resolvePath(path)
	if err != nil {
		return err
	}
	if oldText == "" {
		return errors.New("old_text must not be empty")
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("file not found: %s", path)
		}
		return fmt.Errorf("read file: %w", err)
	}

	content := string(data)
	switch n := strings.Count(content, oldText); {
	case n == 0:
		shown := oldText
		if len(shown) > 100 {
			shown = shown[:100] + "..."
		}
		return fmt.Errorf("old text not found in file: %q", shown)
	case n > 1:
		return fmt.Errorf("old text appears %d times in file; must be unique", n)
	}

	updated := strings.Replace(content, oldText, newText, 1)
	if err := os.WriteFile(abs, []byte(updated), 0o644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

// List returns directory entry names, directories suffixed with "/".
func (ft *FileTools) List(_ context.Context, path string) ([]string, error) {
	abs, err := ft.resolvePath(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("directory not found: %s", path)
		}
		return nil, fmt.Errorf("read directory: %w", err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		out = append(out, name)
	}
	return out, nil
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

// intArg accepts the float64 that JSON decoding produces as well as
// native ints.
func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}
