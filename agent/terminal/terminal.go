// Package terminal implements the interactive chat mode: the prompt
// loop, tool confirmations and the in-chat slash commands.
package terminal

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/m4xw311/qagent/agent"
	"github.com/m4xw311/qagent/config"
	"github.com/m4xw311/qagent/knowledge"
	"github.com/m4xw311/qagent/session"
	"github.com/m4xw311/qagent/tools"
	"github.com/m4xw311/qagent/tools/mcp"
)

// Terminal drives an interactive session over stdin/stdout.
type Terminal struct {
	agent     *agent.Agent
	mcp       *mcp.Registry
	knowledge *knowledge.Store

	// tangent holds the checkpointed history while tangent mode is on.
	tangent []session.Message
	inTangent bool
}

// New creates a terminal for the given session.
func New(a *agent.Agent, mcpRegistry *mcp.Registry, store *knowledge.Store) *Terminal {
	return &Terminal{agent: a, mcp: mcpRegistry, knowledge: store}
}

var slashCommands = []string{
	"/help", "/quit", "/clear", "/save", "/load", "/editor", "/tools",
	"/context", "/profile", "/agent", "/compact", "/model", "/experiment",
	"/tangent", "/knowledge", "/todos", "/mcp", "/acceptall",
}

// Run starts the interactive loop. An initial prompt, when given, is
// processed before reading from stdin.
func (t *Terminal) Run(ctx context.Context, initialPrompt string) error {
	if initialPrompt != "" {
		if err := t.processTurn(ctx, initialPrompt); err != nil {
			fmt.Printf("Error: %v\n", err)
		}
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			quit := t.handleSlash(ctx, line)
			if quit {
				return nil
			}
			continue
		}
		if err := t.processTurn(ctx, line); err != nil {
			fmt.Printf("Error: %v\n", err)
		}
	}
	return scanner.Err()
}

func (t *Terminal) processTurn(ctx context.Context, prompt string) error {
	cb := agent.Callbacks{
		OnAssistantText: func(chunk string) { fmt.Print(chunk) },
		OnToolUse: func(use session.ToolUse) {
			fmt.Printf("\n[tool] %s %s\n", use.Name, string(use.Input))
		},
		ConfirmTool: func(use session.ToolUse) bool {
			fmt.Printf("Allow %s? (y/n/t for trust-all): ", use.Name)
			reader := bufio.NewReader(os.Stdin)
			answer, _ := reader.ReadString('\n')
			answer = strings.TrimSpace(strings.ToLower(answer))
			if answer == "t" {
				t.agent.AcceptAll = true
				return true
			}
			return answer == "y"
		},
		OnToolResult: func(use session.ToolUse, out *tools.Output) {
			fmt.Printf("[tool %s: %s]\n", use.Name, out.Status)
		},
		OnWarning: func(msg string) { fmt.Printf("Warning: %s\n", msg) },
	}
	err := t.agent.ProcessUserInput(ctx, prompt, cb)
	fmt.Println()
	return err
}

// handleSlash dispatches a slash command by its first token. Unknown
// commands suggest the closest prefix match.
func (t *Terminal) handleSlash(ctx context.Context, line string) (quit bool) {
	fields := strings.Fields(line)
	command, args := fields[0], fields[1:]

	switch command {
	case "/quit":
		return true
	case "/help":
		fmt.Println("Available commands:")
		for _, c := range slashCommands {
			fmt.Printf("  %s\n", c)
		}
	case "/clear":
		t.agent.State.Clear()
		fmt.Println("Conversation cleared.")
	case "/save":
		if len(args) != 1 {
			fmt.Println("usage: /save NAME")
			break
		}
		if err := t.agent.State.Save(args[0]); err != nil {
			fmt.Printf("Error: %v\n", err)
		} else {
			fmt.Printf("Saved conversation as %s.\n", args[0])
		}
	case "/load":
		if len(args) != 1 {
			fmt.Println("usage: /load NAME")
			break
		}
		state, err := session.Load(args[0])
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			break
		}
		*t.agent.State = *state
		fmt.Printf("Loaded conversation %s (%d messages).\n", args[0], len(state.Messages))
	case "/editor":
		prompt, err := editorPrompt()
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			break
		}
		if strings.TrimSpace(prompt) != "" {
			if err := t.processTurn(ctx, prompt); err != nil {
				fmt.Printf("Error: %v\n", err)
			}
		}
	case "/tools":
		specs := t.agent.Registry.List()
		sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
		for _, spec := range specs {
			origin := "builtin"
			if spec.Origin.McpServer != "" {
				origin = "mcp:" + spec.Origin.McpServer
			}
			fmt.Printf("  %-24s %-16s %s\n", spec.Name, origin, firstLine(spec.Description))
		}
	case "/context":
		m := t.agent.Manifest
		fmt.Printf("agent: %s\n", m.Name)
		for _, r := range m.Resources {
			fmt.Printf("  resource: %s\n", r)
		}
		for trigger, specs := range m.Hooks {
			fmt.Printf("  hooks[%s]: %d\n", trigger, len(specs))
		}
	case "/agent", "/profile":
		names, _ := config.ListAgents()
		fmt.Printf("active agent: %s\n", t.agent.Manifest.Name)
		for _, n := range names {
			fmt.Printf("  %s\n", n)
		}
	case "/compact":
		if t.agent.State.Compact(0) {
			fmt.Println("History compacted.")
		} else {
			fmt.Println("Nothing to compact: the history fits the context window or is too short.")
		}
	case "/model":
		fmt.Println("The model is selected in config.yaml; restart to change it.")
	case "/experiment":
		fmt.Println("No experiments are available in this build.")
	case "/tangent":
		if t.inTangent {
			t.agent.State.Messages = t.tangent
			t.inTangent = false
			fmt.Println("Tangent discarded; conversation restored.")
		} else {
			t.tangent = t.agent.State.Snapshot()
			t.inTangent = true
			fmt.Println("Tangent started; /tangent again restores the conversation.")
		}
	case "/knowledge":
		if t.knowledge == nil {
			fmt.Println("Knowledge store unavailable.")
			break
		}
		for _, c := range t.knowledge.Show() {
			fmt.Printf("  %s: %s (%d files)\n", c.Name, c.Path, len(c.Files))
		}
	case "/todos":
		if err := printTodos(); err != nil {
			fmt.Printf("Error: %v\n", err)
		}
	case "/mcp":
		if t.mcp == nil {
			fmt.Println("No MCP servers configured.")
			break
		}
		for name, health := range t.mcp.Status() {
			fmt.Printf("  %-24s %s\n", name, health)
		}
	case "/acceptall":
		t.agent.AcceptAll = !t.agent.AcceptAll
		if t.agent.AcceptAll {
			fmt.Println("All tool invocations will be approved for this session.")
		} else {
			fmt.Println("Tool confirmations re-enabled.")
		}
	default:
		if suggestion := suggestCommand(command); suggestion != "" {
			fmt.Printf("Unknown command %s. Did you mean %s?\n", command, suggestion)
		} else {
			fmt.Printf("Unknown command %s. Try /help.\n", command)
		}
	}
	return false
}

// suggestCommand finds a known command sharing the longest prefix with
// the input.
func suggestCommand(input string) string {
	best, bestLen := "", 0
	for _, c := range slashCommands {
		l := commonPrefixLen(input, c)
		if l > bestLen {
			best, bestLen = c, l
		}
	}
	if bestLen < 2 { // just the slash is not a match
		return ""
	}
	return best
}

func commonPrefixLen(a, b string) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// editorPrompt opens $EDITOR on a temp file and returns its content.
func editorPrompt() (string, error) {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = "vi"
	}
	f, err := os.CreateTemp("", "qagent-prompt-*.md")
	if err != nil {
		return "", err
	}
	path := f.Name()
	f.Close()
	defer os.Remove(path)

	cmd := exec.Command(editor, path)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func printTodos() error {
	tool := &tools.TodoListTool{}
	out, err := tool.Invoke(context.Background(), []byte(`{"operation":"list"}`))
	if err != nil {
		return err
	}
	for _, b := range out.Blocks {
		if b.Text != "" {
			fmt.Println(b.Text)
		}
		if b.JSON != nil {
			fmt.Println(string(b.JSON))
		}
	}
	return nil
}
