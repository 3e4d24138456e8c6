package agent

import (
	"context"
	"os"
	"runtime"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/m4xw311/qagent/config"
	"github.com/m4xw311/qagent/hooks"
	"github.com/m4xw311/qagent/llm"
	"github.com/m4xw311/qagent/session"
)

const basePrompt = "You are an AI assistant running in a terminal. " +
	"You help with software engineering and system administration tasks. " +
	"Use the available tools to read and modify the local system when asked; " +
	"prefer minimal, reversible changes and explain what you did."

// envPassthrough is the subset of environment variables included in the
// environment snapshot.
var envPassthrough = []string{"AWS_REGION", "AWS_PROFILE", "Q_LOG_LEVEL", "NO_COLOR"}

const maxResourceBytes = 20 * 1024

// Assembler builds the request envelope from the conversation state,
// the agent manifest, the environment snapshot and the hook outputs.
type Assembler struct {
	manifest *config.AgentManifest
	hooks    *hooks.Runner
	specs    []llm.ToolSpec

	// resourceSection and spawnSection are resolved once per session.
	resourceSection string
	spawnSection    string
	resolved        bool
}

// NewAssembler creates an assembler for one session.
func NewAssembler(manifest *config.AgentManifest, runner *hooks.Runner, specs []llm.ToolSpec) *Assembler {
	return &Assembler{manifest: manifest, hooks: runner, specs: specs}
}

// BuildEnvelope produces the envelope for one request. The trailing
// user message becomes the current message, trailing tool results move
// into the current message context, and the remaining history maps 1:1.
func (a *Assembler) BuildEnvelope(ctx context.Context, state *session.State, trigger llm.Trigger) *llm.Envelope {
	a.resolveOnce(ctx)

	history := state.Snapshot()
	var pendingResults []session.ToolResult
	for len(history) > 0 && history[len(history)-1].Role == session.RoleToolResult {
		pendingResults = append([]session.ToolResult{*history[len(history)-1].ToolResult}, pendingResults...)
		history = history[:len(history)-1]
	}
	prompt := ""
	if len(pendingResults) == 0 && len(history) > 0 && history[len(history)-1].Role == session.RoleUser {
		prompt = history[len(history)-1].Content
		history = history[:len(history)-1]
	}
	for i := range history {
		if history[i].Role == session.RoleUser {
			history[i].Content = llm.WrapUserMessage(history[i].Content)
			history[i].Context = nil
		}
	}

	userCtx := &session.UserInputContext{
		EnvState:    snapshotEnv(),
		ToolResults: pendingResults,
	}
	if trigger == llm.TriggerManual && a.hooks != nil {
		for _, res := range a.hooks.UserPromptSubmit(ctx) {
			if res.Output == "" && !res.TimedOut {
				continue
			}
			userCtx.ContextFiles = append(userCtx.ContextFiles, session.ContextEntry{
				Path:    "hook:" + res.Command,
				Content: res.Block(),
			})
		}
	}

	content := ""
	if prompt != "" {
		content = llm.WrapUserMessage(prompt)
	}

	return &llm.Envelope{
		ConversationID: state.ConversationID,
		AgentName:      a.manifest.Name,
		SystemPrompt:   a.systemPrompt(),
		ToolSpecs:      a.specs,
		History:        history,
		CurrentMessage: llm.CurrentMessage{
			UserInputMessage: llm.UserInputMessage{
				Content:                 content,
				UserInputMessageContext: userCtx,
			},
		},
		Trigger: trigger,
	}
}

// resolveOnce expands the manifest resources and captures the agentSpawn
// hook output. Both are fixed for the session.
func (a *Assembler) resolveOnce(ctx context.Context) {
	if a.resolved {
		return
	}
	a.resolved = true
	a.resourceSection = loadResources(a.manifest.Resources)
	if a.hooks != nil {
		var b strings.Builder
		for _, res := range a.hooks.AgentSpawn(ctx) {
			if res.Output == "" && !res.TimedOut {
				continue
			}
			b.WriteString(llm.WrapContextEntry("hook:"+res.Command, res.Block()))
		}
		a.spawnSection = b.String()
	}
}

func (a *Assembler) systemPrompt() string {
	var b strings.Builder
	b.WriteString(basePrompt)
	if a.manifest.Description != "" {
		b.WriteString("\n\n")
		b.WriteString(a.manifest.Description)
	}
	if a.resourceSection != "" {
		b.WriteString("\n\n")
		b.WriteString(a.resourceSection)
	}
	if a.spawnSection != "" {
		b.WriteString("\n\n")
		b.WriteString(a.spawnSection)
	}
	return b.String()
}

// loadResources expands the manifest's file:// globs and renders each
// match as a context entry, budget capped.
func loadResources(patterns []string) string {
	var b strings.Builder
	budget := maxResourceBytes
	for _, pattern := range patterns {
		pattern = strings.TrimPrefix(pattern, "file://")
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			// malformed pattern: fall back to reading it as a literal path
			if _, serr := os.Stat(pattern); serr == nil {
				matches = []string{pattern}
			}
		}
		for _, match := range matches {
			data, err := os.ReadFile(match)
			if err != nil {
				continue
			}
			content := string(data)
			if len(content) > budget {
				content = content[:budget] + "\n... truncated ..."
			}
			budget -= len(content)
			b.WriteString(llm.WrapContextEntry(match, content))
			if budget <= 0 {
				return b.String()
			}
		}
	}
	return b.String()
}

// snapshotEnv captures the environment for the request context.
func snapshotEnv() *session.EnvState {
	cwd, _ := os.Getwd()
	vars := map[string]string{}
	for _, key := range envPassthrough {
		if v := os.Getenv(key); v != "" {
			vars[key] = v
		}
	}
	return &session.EnvState{
		OperatingSystem:         runtime.GOOS,
		CurrentWorkingDirectory: cwd,
		Shell:                   os.Getenv("SHELL"),
		EnvironmentVariables:    vars,
	}
}
