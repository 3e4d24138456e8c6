package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/m4xw311/qagent/errors"
	"github.com/m4xw311/qagent/session"
)

// readonlyCommands are utilities safe to run without confirmation when
// allowReadOnly is enabled.
var readonlyCommands = map[string]bool{
	"ls": true, "cat": true, "echo": true, "pwd": true, "which": true,
	"head": true, "tail": true, "find": true, "grep": true, "rg": true,
	"dir": true, "type": true, "ps": true, "wc": true, "du": true,
	"df": true, "env": true, "date": true, "whoami": true, "file": true,
}

// readonlyGitSubcommands are git subcommands treated as read-only.
var readonlyGitSubcommands = map[string]bool{
	"status": true, "log": true, "diff": true, "show": true, "branch": true,
}

// dangerousPatterns force confirmation regardless of the leading command:
// substitution, redirection and chaining can smuggle writes into an
// otherwise read-only invocation.
var dangerousPatterns = []string{"<(", "$(", "`", ">", "&&", "||", "&", ";", "${", "\n", "\r", "IFS"}

// ExecuteBashTool runs shell commands via the user's shell.
type ExecuteBashTool struct {
	// OutputSink receives combined output incrementally when set.
	OutputSink io.Writer
}

func (t *ExecuteBashTool) Name() string { return "execute_bash" }

func (t *ExecuteBashTool) Description() string {
	return "Execute a shell command on the local system. Args: command (string), summary (optional string)."
}

func (t *ExecuteBashTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {"type": "string", "description": "The shell command to execute."},
			"summary": {"type": "string", "description": "A brief explanation of what the command does."}
		},
		"required": ["command"]
	}`)
}

// IsReadOnly classifies the invocation by splitting the command into
// pipeline segments and checking each argv[0] against the read-only
// allow-list. Any unrecognized segment, dangerous pattern or multi-line
// command rejects the classification.
func (t *ExecuteBashTool) IsReadOnly(input json.RawMessage) bool {
	var in struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return false
	}
	return CommandIsReadOnly(in.Command)
}

// CommandIsReadOnly reports whether every segment of the command's pipe
// chain starts with a known read-only utility.
func CommandIsReadOnly(command string) bool {
	if strings.ContainsAny(command, "\n\r") {
		return false
	}
	args, ok := splitShellWords(command)
	if !ok || len(args) == 0 {
		return false
	}
	for _, arg := range args {
		for _, p := range dangerousPatterns {
			if strings.Contains(arg, p) {
				return false
			}
		}
	}

	var segments [][]string
	var current []string
	for _, arg := range args {
		if arg == "|" {
			if len(current) > 0 {
				segments = append(segments, current)
			}
			current = nil
		} else if strings.Contains(arg, "|") {
			// A pipe glued to its neighbor did not get parsed out;
			// verify before running.
			return false
		} else {
			current = append(current, arg)
		}
	}
	if len(current) > 0 {
		segments = append(segments, current)
	}

	for _, seg := range segments {
		if len(seg) == 0 {
			return false
		}
		cmd := seg[0]
		switch {
		case cmd == "find":
			// find can mutate through -exec/-delete/-ok/-fprint.
			for _, arg := range seg[1:] {
				if strings.Contains(arg, "-exec") || strings.Contains(arg, "-delete") ||
					strings.Contains(arg, "-ok") || strings.Contains(arg, "-fprint") {
					return false
				}
			}
		case cmd == "grep":
			// grep -P has had RCE issues; require confirmation.
			for _, arg := range seg[1:] {
				if strings.Contains(arg, "-P") || strings.Contains(arg, "--perl-regexp") {
					return false
				}
			}
		case cmd == "git":
			if len(seg) < 2 || !readonlyGitSubcommands[seg[1]] {
				return false
			}
		default:
			if !readonlyCommands[cmd] {
				return false
			}
		}
	}
	return true
}

// splitShellWords splits a command into words honoring single and double
// quotes. It returns false on unbalanced quotes.
func splitShellWords(command string) ([]string, bool) {
	var words []string
	var current strings.Builder
	var quote rune
	inWord := false
	for _, r := range command {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inWord = true
		case r == ' ' || r == '\t':
			if inWord {
				words = append(words, current.String())
				current.Reset()
				inWord = false
			}
		default:
			current.WriteRune(r)
			inWord = true
		}
	}
	if quote != 0 {
		return nil, false
	}
	if inWord {
		words = append(words, current.String())
	}
	return words, true
}

// Invoke runs the command via the user's shell with -c. Output streams
// to the sink as it arrives and is returned in full, capped. On cancel
// the subprocess receives SIGTERM, then SIGKILL two seconds later.
func (t *ExecuteBashTool) Invoke(ctx context.Context, input json.RawMessage) (*Output, error) {
	var in struct {
		Command string `json:"command"`
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal(input, &in); err != nil || in.Command == "" {
		return nil, errors.Typedf(errors.KindToolSchema, "invalid_tool_input", err,
			"execute_bash requires a 'command' string")
	}

	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/bash"
	}

	var buf bytes.Buffer
	var sink io.Writer = &buf
	if t.OutputSink != nil {
		sink = io.MultiWriter(&buf, t.OutputSink)
	}

	cmd := exec.CommandContext(ctx, shell, "-c", in.Command)
	cmd.Stdout = sink
	cmd.Stderr = sink
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 2 * time.Second

	runErr := cmd.Run()

	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	if ctx.Err() != nil {
		out := &Output{
			Status: session.ToolResultError,
			Blocks: []session.ContentBlock{{Text: "cancelled"}, {Text: buf.String()}},
		}
		out.Clamp()
		return out, nil
	}

	text := fmt.Sprintf("exit code: %d\n%s", exitCode, buf.String())
	var out *Output
	if runErr != nil && exitCode != 0 {
		out = ErrorOutput(text)
	} else if runErr != nil {
		return nil, errors.Typedf(errors.KindToolExecution, "command_failed", runErr,
			"could not run the command")
	} else {
		out = TextOutput(text)
	}
	out.Clamp()
	return out, nil
}
