package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/m4xw311/qagent/errors"
	"github.com/m4xw311/qagent/session"
)

// Patch failure modes surfaced to the model.
var (
	ErrPatchNotFound  = errors.New("patch target not found")
	ErrPatchAmbiguous = errors.New("patch target is ambiguous")
)

// resolvePath canonicalizes a path and rejects it when it escapes the
// workspace root of a workspace-scoped agent.
func resolvePath(path, workspaceRoot string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", errors.Wrapf(err, "could not resolve path %q", path)
	}
	abs = filepath.Clean(abs)
	if workspaceRoot != "" {
		root := filepath.Clean(workspaceRoot)
		if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
			return "", errors.Typedf(errors.KindToolPermission, "path_outside_workspace", nil,
				"path %q is outside the workspace", path)
		}
	}
	return abs, nil
}

// FsReadTool reads files, lists directories, searches file contents and
// loads images.
type FsReadTool struct {
	// WorkspaceRoot restricts reads to a directory subtree when set.
	WorkspaceRoot string
}

func (t *FsReadTool) Name() string { return "fs_read" }

func (t *FsReadTool) Description() string {
	return "Read files and directories. Modes: Line (read a line range), Directory (recursive listing), Search (regex search with context), Image (load an image)."
}

func (t *FsReadTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"operations": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {
						"mode": {"type": "string", "enum": ["Line", "Directory", "Search", "Image"]},
						"path": {"type": "string"},
						"start_line": {"type": "integer"},
						"end_line": {"type": "integer"},
						"depth": {"type": "integer"},
						"pattern": {"type": "string"}
					},
					"required": ["mode", "path"]
				}
			}
		},
		"required": ["operations"]
	}`)
}

// IsReadOnly is always true for fs_read.
func (t *FsReadTool) IsReadOnly(input json.RawMessage) bool { return true }

type fsReadOp struct {
	Mode      string `json:"mode"`
	Path      string `json:"path"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
	Depth     int    `json:"depth"`
	Pattern   string `json:"pattern"`
}

func (t *FsReadTool) Invoke(ctx context.Context, input json.RawMessage) (*Output, error) {
	var in struct {
		Operations []fsReadOp `json:"operations"`
	}
	if err := json.Unmarshal(input, &in); err != nil || len(in.Operations) == 0 {
		return nil, errors.Typedf(errors.KindToolSchema, "invalid_tool_input", err,
			"fs_read requires a non-empty 'operations' array")
	}

	out := &Output{Status: session.ToolResultSuccess}
	for _, op := range in.Operations {
		path, err := resolvePath(op.Path, t.WorkspaceRoot)
		if err != nil {
			return ErrorOutput(err.Error()), nil
		}
		var block session.ContentBlock
		switch op.Mode {
		case "Line":
			text, err := readLines(path, op.StartLine, op.EndLine)
			if err != nil {
				return ErrorOutput(err.Error()), nil
			}
			block = session.ContentBlock{Text: text}
		case "Directory":
			text, err := listDirectory(path, op.Depth)
			if err != nil {
				return ErrorOutput(err.Error()), nil
			}
			block = session.ContentBlock{Text: text}
		case "Search":
			text, err := searchFiles(path, op.Pattern)
			if err != nil {
				return ErrorOutput(err.Error()), nil
			}
			block = session.ContentBlock{Text: text}
		case "Image":
			img, err := readImage(path)
			if err != nil {
				return ErrorOutput(err.Error()), nil
			}
			block = session.ContentBlock{Image: img}
		default:
			return ErrorOutput(fmt.Sprintf("unknown fs_read mode %q", op.Mode)), nil
		}
		out.Blocks = append(out.Blocks, block)
	}
	out.Clamp()
	return out, nil
}

// readLines returns the requested slice of a UTF-8 file. Lines are
// 1-based; zero bounds select the start or end of the file, negative
// bounds count back from the end.
func readLines(path string, start, end int) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read file %q", path)
	}
	lines := strings.Split(string(data), "\n")
	n := len(lines)
	if start < 0 {
		start = n + start + 1
	}
	if start <= 0 {
		start = 1
	}
	if end <= 0 {
		end = n + end
	}
	if end > n {
		end = n
	}
	if start > end {
		return "", nil
	}
	return strings.Join(lines[start-1:end], "\n"), nil
}

// listDirectory renders a recursive listing limited to depth levels
// below the root (depth 0 lists only direct entries).
func listDirectory(root string, depth int) (string, error) {
	var b strings.Builder
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, rerr := filepath.Rel(root, path)
		if rerr != nil || rel == "." {
			return nil
		}
		level := strings.Count(rel, string(filepath.Separator))
		if level > depth {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		marker := ""
		if d.IsDir() {
			marker = string(filepath.Separator)
		}
		fmt.Fprintf(&b, "%s%s%s\n", strings.Repeat("  ", level), d.Name(), marker)
		return nil
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to list %q", root)
	}
	return b.String(), nil
}

const searchContextLines = 2

// searchFiles runs a regex over the file, or over every regular file
// below a directory, returning matches with two lines of context.
func searchFiles(root, pattern string) (string, error) {
	if pattern == "" {
		return "", errors.New("search requires a 'pattern'")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", errors.Wrapf(err, "invalid search pattern %q", pattern)
	}

	var b strings.Builder
	searchOne := func(path string) error {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil // unreadable files are skipped, not fatal
		}
		lines := strings.Split(string(data), "\n")
		for i, line := range lines {
			if !re.MatchString(line) {
				continue
			}
			lo := max(0, i-searchContextLines)
			hi := min(len(lines), i+searchContextLines+1)
			fmt.Fprintf(&b, "%s:%d\n", path, i+1)
			for j := lo; j < hi; j++ {
				fmt.Fprintf(&b, "  %d: %s\n", j+1, lines[j])
			}
		}
		return nil
	}

	info, err := os.Stat(root)
	if err != nil {
		return "", errors.Wrapf(err, "failed to search %q", root)
	}
	if !info.IsDir() {
		_ = searchOne(root)
		return b.String(), nil
	}
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		return searchOne(path)
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to search %q", root)
	}
	return b.String(), nil
}

// readImage loads a PNG or JPEG file as an inline base64 image block.
func readImage(path string) (*session.ImageBlock, error) {
	format := ""
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		format = "png"
	case ".jpg", ".jpeg":
		format = "jpeg"
	default:
		return nil, errors.New("image mode supports only PNG and JPEG files")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read image %q", path)
	}
	return &session.ImageBlock{
		Format: format,
		Data:   base64.StdEncoding.EncodeToString(data),
	}, nil
}

// FsWriteTool creates, overwrites, patches and appends to files.
type FsWriteTool struct {
	WorkspaceRoot string
}

func (t *FsWriteTool) Name() string { return "fs_write" }

func (t *FsWriteTool) Description() string {
	return "Create, overwrite, patch or append to a file. Commands: create, overwrite, patch (exact oldStr/newStr replacement), append."
}

func (t *FsWriteTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {"type": "string", "enum": ["create", "overwrite", "patch", "append"]},
			"path": {"type": "string"},
			"content": {"type": "string"},
			"oldStr": {"type": "string"},
			"newStr": {"type": "string"},
			"occurrence": {"type": "integer", "description": "1-based occurrence of oldStr to replace when it appears more than once."}
		},
		"required": ["command", "path"]
	}`)
}

func (t *FsWriteTool) Invoke(ctx context.Context, input json.RawMessage) (*Output, error) {
	var in struct {
		Command    string `json:"command"`
		Path       string `json:"path"`
		Content    string `json:"content"`
		OldStr     string `json:"oldStr"`
		NewStr     string `json:"newStr"`
		Occurrence int    `json:"occurrence"`
	}
	if err := json.Unmarshal(input, &in); err != nil || in.Path == "" {
		return nil, errors.Typedf(errors.KindToolSchema, "invalid_tool_input", err,
			"fs_write requires 'command' and 'path'")
	}
	path, err := resolvePath(in.Path, t.WorkspaceRoot)
	if err != nil {
		return ErrorOutput(err.Error()), nil
	}

	switch in.Command {
	case "create":
		if _, err := os.Stat(path); err == nil {
			return ErrorOutput(fmt.Sprintf("file %q already exists; use overwrite", in.Path)), nil
		}
		if err := atomicWrite(path, []byte(in.Content)); err != nil {
			return ErrorOutput(err.Error()), nil
		}
		return TextOutput(fmt.Sprintf("created %s (%d bytes)", in.Path, len(in.Content))), nil
	case "overwrite":
		if err := atomicWrite(path, []byte(in.Content)); err != nil {
			return ErrorOutput(err.Error()), nil
		}
		return TextOutput(fmt.Sprintf("wrote %s (%d bytes)", in.Path, len(in.Content))), nil
	case "patch":
		result, err := applyPatch(path, in.OldStr, in.NewStr, in.Occurrence)
		if err != nil {
			return ErrorOutput(err.Error()), nil
		}
		return TextOutput(result), nil
	case "append":
		existing, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return ErrorOutput(err.Error()), nil
		}
		if err := atomicWrite(path, append(existing, in.Content...)); err != nil {
			return ErrorOutput(err.Error()), nil
		}
		return TextOutput(fmt.Sprintf("appended %d bytes to %s", len(in.Content), in.Path)), nil
	default:
		return ErrorOutput(fmt.Sprintf("unknown fs_write command %q", in.Command)), nil
	}
}

// applyPatch replaces oldStr with newStr. Without an occurrence the
// match must be unique; with one, the n-th occurrence is replaced.
func applyPatch(path, oldStr, newStr string, occurrence int) (string, error) {
	if oldStr == "" {
		return "", errors.New("patch requires a non-empty 'oldStr'")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read file %q", path)
	}
	content := string(data)
	count := strings.Count(content, oldStr)
	switch {
	case count == 0:
		return "", errors.Wrapf(ErrPatchNotFound, "oldStr not found in %q", path)
	case count > 1 && occurrence == 0:
		return "", errors.Wrapf(ErrPatchAmbiguous, "oldStr matches %d times in %q; pass 'occurrence'", count, path)
	case occurrence > count:
		return "", errors.Wrapf(ErrPatchNotFound, "occurrence %d out of range, only %d matches", occurrence, count)
	}

	var patched string
	if occurrence == 0 {
		patched = strings.Replace(content, oldStr, newStr, 1)
	} else {
		idx := -1
		for i := 0; i < occurrence; i++ {
			next := strings.Index(content[idx+1:], oldStr)
			if next < 0 {
				return "", errors.Wrapf(ErrPatchNotFound, "occurrence %d not found", occurrence)
			}
			idx += 1 + next
		}
		patched = content[:idx] + newStr + content[idx+len(oldStr):]
	}
	if err := atomicWrite(path, []byte(patched)); err != nil {
		return "", err
	}
	return fmt.Sprintf("patched %s", path), nil
}

// atomicWrite writes to a temp file in the target directory and renames
// it into place.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "could not create directory %q", dir)
	}
	tmp, err := os.CreateTemp(dir, ".fswrite-*")
	if err != nil {
		return errors.Wrapf(err, "could not create temp file in %q", dir)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrapf(err, "could not write %q", path)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrapf(err, "could not write %q", path)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errors.Wrapf(err, "could not replace %q", path)
	}
	return nil
}
