package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/m4xw311/qagent/agent"
	"github.com/m4xw311/qagent/agent/terminal"
	"github.com/m4xw311/qagent/config"
	"github.com/m4xw311/qagent/hooks"
	"github.com/m4xw311/qagent/knowledge"
	"github.com/m4xw311/qagent/llm"
	"github.com/m4xw311/qagent/session"
	"github.com/m4xw311/qagent/telemetry"
	"github.com/m4xw311/qagent/tools"
	"github.com/m4xw311/qagent/tools/mcp"
)

func newChatCmd() *cobra.Command {
	var agentName string
	var noInteractive bool

	cmd := &cobra.Command{
		Use:   "chat [prompt...]",
		Short: "Start a chat session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), agentName, noInteractive, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVar(&agentName, "agent", "", "agent to use for this session")
	cmd.Flags().BoolVar(&noInteractive, "no-interactive", false, "process the prompt and exit")
	return cmd
}

func runChat(ctx context.Context, agentName string, noInteractive bool, prompt string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg)

	if agentName == "" {
		agentName = cfg.DefaultAgent
	}
	manifest, err := config.LoadAgent(agentName, logger)
	if err != nil {
		return err
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	emitter := telemetry.New(st, logger)

	client, err := newClient(ctx, cfg)
	if err != nil {
		return err
	}

	// MCP servers: manifest entries plus the legacy mcp.json when the
	// agent opts in.
	serverSpecs := map[string]config.McpServerSpec{}
	for name, spec := range manifest.McpServers {
		serverSpecs[name] = spec
	}
	if legacy, err := config.LegacyMcpServers(manifest); err == nil {
		for name, spec := range legacy {
			serverSpecs[name] = spec
		}
	} else {
		logger.Warn("could not load legacy mcp.json", "error", err)
	}
	mcpRegistry := mcp.NewRegistry(serverSpecs, func(server string, toolCount int, initErr error) {
		fields := map[string]any{"server": server, "tools": toolCount}
		if initErr != nil {
			fields["failureReason"] = initErr.Error()
		}
		emitter.Emit(telemetry.EventMcpServerInit, fields)
	}, logger)
	mcpRegistry.Start(ctx)
	defer mcpRegistry.Stop()

	dataDir, err := config.DataDir()
	if err != nil {
		return err
	}
	knowledgeStore, err := knowledge.Open(filepath.Join(dataDir, "semantic-search"), logger)
	if err != nil {
		logger.Warn("knowledge store unavailable", "error", err)
	}

	registry, err := tools.NewRegistry(manifest, builtinTools(knowledgeStore, noInteractive), mcpRegistry.Tools(), mcpRegistry.Origins())
	if err != nil {
		return err
	}

	runner := hooks.NewRunner(manifest, logger)
	state := session.New(manifest.Name)
	eng := &agent.Agent{
		Manifest:  manifest,
		State:     state,
		Client:    client,
		Registry:  registry,
		Assembler: agent.NewAssembler(manifest, runner, registry.List()),
		Telemetry: emitter,
		Logger:    logger,
	}

	if noInteractive {
		if prompt == "" {
			return fmt.Errorf("--no-interactive requires a prompt")
		}
		// Confirmations cannot be answered; undecided tools are declined.
		cb := agent.Callbacks{
			OnAssistantText: func(chunk string) { fmt.Print(chunk) },
			ConfirmTool:     func(session.ToolUse) bool { return false },
		}
		err := eng.ProcessUserInput(ctx, prompt, cb)
		fmt.Println()
		return err
	}

	term := terminal.New(eng, mcpRegistry, knowledgeStore)
	return term.Run(ctx, prompt)
}

// newClient selects the backend transport variant from the config.
func newClient(ctx context.Context, cfg *config.Config) (llm.Client, error) {
	switch cfg.Provider {
	case "anthropic":
		return llm.NewAnthropicClient(cfg.Model)
	case "openai":
		return llm.NewOpenAIClient(cfg.Model)
	case "gemini":
		return llm.NewGeminiClient(ctx, cfg.Model)
	default:
		return llm.NewBedrockClient(ctx, cfg.Model)
	}
}

// builtinTools assembles the in-process tool set.
func builtinTools(store *knowledge.Store, headless bool) []tools.Tool {
	return []tools.Tool{
		&tools.FsReadTool{},
		&tools.FsWriteTool{},
		&tools.ExecuteBashTool{},
		&tools.UseAwsTool{},
		&tools.ReportIssueTool{Headless: headless},
		&tools.ThinkingTool{},
		&tools.TodoListTool{},
		&tools.KnowledgeTool{Store: store},
	}
}
