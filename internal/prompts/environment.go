package prompts

import (
	"context"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// MaxEnvironmentLength caps the rendered environment block in bytes.
const MaxEnvironmentLength = 30000

const environmentTruncated = "\n\n[... Environment details truncated due to length ...]"

// Listing limits for the directory structure section.
const (
	maxListingEntries = 150
	maxListingDepth   = 5
)

// Environment describes the machine and workspace the assistant works in.
type Environment struct {
	Time      time.Time
	OS        string
	Shell     string
	Workspace string
	GitBranch string
	Listing   string
	Tasks     string
}

// DetectEnvironment gathers environment details for workspace. Failures
// to read git state or the directory tree leave those fields empty.
func DetectEnvironment(ctx context.Context, workspace string) Environment {
	env := Environment{
		Time:      time.Now(),
		OS:        runtime.GOOS + " " + runtime.GOARCH,
		Shell:     os.Getenv("SHELL"),
		Workspace: workspace,
	}
	if workspace == "" {
		return env
	}
	env.GitBranch = gitBranch(ctx, workspace)
	env.Listing = listWorkspace(workspace)
	return env
}

func gitBranch(ctx context.Context, dir string) string {
	if fi, err := os.Stat(filepath.Join(dir, ".git")); err != nil || !fi.IsDir() {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", "branch", "--show-current")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// listWorkspace renders an indented tree of visible entries, stopping
// after maxListingEntries.
func listWorkspace(root string) string {
	var lines []string
	truncated := false
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || path == root {
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		depth := strings.Count(rel, string(filepath.Separator))
		if depth >= maxListingDepth {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if len(lines) >= maxListingEntries {
			truncated = true
			return filepath.SkipAll
		}
		if d.IsDir() {
			name += "/"
		}
		lines = append(lines, strings.Repeat("  ", depth)+name)
		return nil
	})
	if len(lines) == 0 {
		return ""
	}
	if truncated {
		lines = append(lines, "...")
	}
	return strings.Join(lines, "\n")
}

// String renders the environment block, truncated to
// MaxEnvironmentLength.
func (e Environment) String() string {
	lines := []string{
		"ENVIRONMENT DETAILS",
		"===================",
		"Time: " + e.Time.Format("2006-01-02"),
		"OS: " + e.OS,
		"Shell: " + e.Shell,
		"",
		"WORKSPACE",
		"=========",
		"Directory: " + e.Workspace,
	}
	if e.GitBranch != "" {
		lines = append(lines, "Git branch: "+e.GitBranch)
	}
	if e.Listing != "" {
		lines = append(lines, "", "DIRECTORY STRUCTURE", "==================", e.Listing)
	}
	if strings.TrimSpace(e.Tasks) != "" {
		lines = append(lines, "", "TASKS", "=====", e.Tasks)
	}
	return truncateEnvironment(strings.Join(lines, "\n"))
}

// truncateEnvironment cuts at the last newline when that keeps at least
// 80% of the budget, then appends a notice.
func truncateEnvironment(s string) string {
	if len(s) <= MaxEnvironmentLength {
		return s
	}
	cut := s[:MaxEnvironmentLength]
	if i := strings.LastIndexByte(cut, '\n'); i > MaxEnvironmentLength*8/10 {
		cut = cut[:i]
	}
	return cut + environmentTruncated
}
