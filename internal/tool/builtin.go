package tool

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/virek/outpost/internal/provider"
)

// ModelLister supplies the model listing for the list_local_models tool.
type ModelLister interface {
	ListModels(ctx context.Context) ([]provider.Model, error)
}

// RegisterBuiltins adds the default tool set, scoped to root (the working
// directory tree the server was launched in). Root must be absolute.
func RegisterBuiltins(r *Registry, root string, models ModelLister) error {
	if !filepath.IsAbs(root) {
		return fmt.Errorf("tool root must be absolute, got %q", root)
	}

	if err := r.Register(provider.Tool{
		Type: "function",
		Function: provider.ToolFunction{
			Name:        "run_shell_command",
			Description: "Execute a shell command in the working directory. Standard utilities (grep, rg, sed, awk, find, ls, cat) are available.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"command": map[string]string{"type": "string", "description": "The shell command to execute."},
				},
				"required": []string{"command"},
			},
		},
	}, CapWrite, func(ctx context.Context, args map[string]interface{}) (string, error) {
		return runShellCommand(ctx, root, stringArg(args, "command"))
	}); err != nil {
		return err
	}

	if err := r.Register(provider.Tool{
		Type: "function",
		Function: provider.ToolFunction{
			Name:        "read_file",
			Description: "Read content from a text or PDF file. Use offset/limit (lines) for text files and pages (1-indexed) for PDFs.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"filepath": map[string]string{"type": "string", "description": "Path to the file to read."},
					"offset":   map[string]string{"type": "integer", "description": "Line number to start reading from (text files)."},
					"limit":    map[string]string{"type": "integer", "description": "Number of lines to read (text files)."},
					"pages": map[string]interface{}{
						"type":        "array",
						"items":       map[string]string{"type": "integer"},
						"description": "Page numbers to read (PDF files, 1-indexed).",
					},
				},
				"required": []string{"filepath"},
			},
		},
	}, CapRead, func(ctx context.Context, args map[string]interface{}) (string, error) {
		path, err := scopedPath(root, stringArg(args, "filepath"))
		if err != nil {
			return "", err
		}
		return readLocalFile(path, intArg(args, "offset"), intArg(args, "limit"), intSliceArg(args, "pages"))
	}); err != nil {
		return err
	}

	if err := r.Register(provider.Tool{
		Type: "function",
		Function: provider.ToolFunction{
			Name:        "write_file",
			Description: "Write content to a file, creating parent directories as needed.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"filepath": map[string]string{"type": "string", "description": "Path to the file to save."},
					"content":  map[string]string{"type": "string", "description": "Content to write."},
				},
				"required": []string{"filepath", "content"},
			},
		},
	}, CapWrite, func(ctx context.Context, args map[string]interface{}) (string, error) {
		path, err := scopedPath(root, stringArg(args, "filepath"))
		if err != nil {
			return "", err
		}
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return "", fmt.Errorf("create directories: %w", err)
			}
		}
		if err := os.WriteFile(path, []byte(stringArg(args, "content")), 0o644); err != nil {
			return "", fmt.Errorf("write file: %w", err)
		}
		return fmt.Sprintf("Successfully wrote to %s", stringArg(args, "filepath")), nil
	}); err != nil {
		return err
	}

	return r.Register(provider.Tool{
		Type: "function",
		Function: provider.ToolFunction{
			Name:        "list_local_models",
			Description: "List the local models available on the inference backend.",
			Parameters: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
	}, CapRead, func(ctx context.Context, args map[string]interface{}) (string, error) {
		list, err := models.ListModels(ctx)
		if err != nil {
			return "", fmt.Errorf("list models: %w", err)
		}
		if len(list) == 0 {
			return "No local models found.", nil
		}
		names := make([]string, len(list))
		for i, m := range list {
			names[i] = m.Name
		}
		return "Available local models:\n- " + strings.Join(names, "\n- "), nil
	})
}

// runShellCommand executes the command through the shell with the working
// directory pinned to root. The subprocess is killed when the surrounding
// call is canceled or times out.
func runShellCommand(ctx context.Context, root, command string) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = root
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return "", Errorf(KindToolTimeout, "command timed out: %s", command)
	}

	output := fmt.Sprintf("STDOUT:\n%s\nSTDERR:\n%s", stdout.String(), stderr.String())
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			output += fmt.Sprintf("\nReturn Code: %d", exitErr.ExitCode())
			return output, nil
		}
		return "", Errorf(KindExecFailed, "execute command: %v", err)
	}
	return output, nil
}

// readLocalFile reads text or PDF files with support for partial reading.
// Offset/limit are line-based for text; pages are 1-indexed for PDFs.
func readLocalFile(path string, offset, limit int, pages []int) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", Errorf(KindExecFailed, "file %s not found", path)
	}
	if info.IsDir() {
		return "", Errorf(KindExecFailed, "%s is a directory", path)
	}

	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		return extractPDFPages(path, pages)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", Errorf(KindExecFailed, "open file: %v", err)
	}
	defer f.Close()

	var sb strings.Builder
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		if line >= offset {
			if limit > 0 && line >= offset+limit {
				break
			}
			sb.WriteString(scanner.Text())
			sb.WriteByte('\n')
		}
		line++
	}
	if err := scanner.Err(); err != nil {
		return "", Errorf(KindExecFailed, "read file: %v", err)
	}
	return sb.String(), nil
}

// scopedPath resolves p against root, follows symlinks and rejects anything
// that escapes the root tree. This is a software-level boundary on top of the
// OS sandbox, not a replacement for it.
func scopedPath(root, p string) (string, error) {
	if p == "" {
		return "", Errorf(KindInvalidArguments, "empty path")
	}
	abs := p
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(root, abs)
	}
	abs = filepath.Clean(abs)

	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", Errorf(KindExecFailed, "resolve root: %v", err)
	}
	real, err := resolvePath(abs, 0)
	if err != nil {
		return "", Errorf(KindExecFailed, "resolve path: %v", err)
	}

	rel, err := filepath.Rel(realRoot, real)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", Errorf(KindPathOutOfScope, "path %s is outside the working directory", p)
	}
	return real, nil
}

// resolvePath follows symlinks like filepath.EvalSymlinks but tolerates a
// missing suffix, so paths about to be created are still checked against the
// link targets of their existing ancestors. Dangling symlinks resolve to
// their target, since a write through one lands there.
func resolvePath(path string, depth int) (string, error) {
	if depth > 40 {
		return "", fmt.Errorf("too many levels of symbolic links: %s", path)
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err == nil {
		return resolved, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	parent := filepath.Dir(path)
	if parent == path {
		return path, nil
	}
	rp, err := resolvePath(parent, depth+1)
	if err != nil {
		return "", err
	}
	joined := filepath.Join(rp, filepath.Base(path))
	if target, err := os.Readlink(joined); err == nil {
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(joined), target)
		}
		return resolvePath(target, depth+1)
	}
	return joined, nil
}

// Argument extraction. JSON numbers decode as float64 and arrays as
// []interface{}; schema validation has already checked the shapes.

func stringArg(args map[string]interface{}, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func intArg(args map[string]interface{}, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func intSliceArg(args map[string]interface{}, key string) []int {
	raw, ok := args[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]int, 0, len(raw))
	for _, item := range raw {
		switch v := item.(type) {
		case float64:
			out = append(out, int(v))
		case int:
			out = append(out, v)
		}
	}
	return out
}
