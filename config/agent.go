package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/m4xw311/qagent/errors"
)

const (
	workspaceAgentDir = ".amazonq/cli-agents"
	legacyAgentDir    = ".aws/amazonq/agents"
	agentFileExt      = ".json"

	// DefaultAgentName is the built-in agent used when no manifest is
	// found on disk.
	DefaultAgentName = "q_cli_default"
)

// McpTransport selects how an MCP server is reached.
type McpTransport string

const (
	McpTransportStdio McpTransport = "stdio"
	McpTransportHTTP  McpTransport = "http"
)

// McpServerSpec describes one external MCP tool server.
type McpServerSpec struct {
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	TimeoutMs int               `json:"timeout,omitempty"`
	URL       string            `json:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// Transport infers the transport kind from the populated fields.
func (s *McpServerSpec) Transport() McpTransport {
	if s.URL != "" {
		return McpTransportHTTP
	}
	return McpTransportStdio
}

// HookTrigger names a lifecycle point at which hooks run.
type HookTrigger string

const (
	HookAgentSpawn       HookTrigger = "agentSpawn"
	HookUserPromptSubmit HookTrigger = "userPromptSubmit"
)

// HookSpec configures one shell command run at a lifecycle trigger.
type HookSpec struct {
	Command         string `json:"command"`
	TimeoutMs       int    `json:"timeout_ms,omitempty"`
	MaxOutputSize   int    `json:"max_output_size,omitempty"`
	CacheTTLSeconds int    `json:"cache_ttl_seconds,omitempty"`
}

// AgentManifest is the declarative per-agent configuration. It is
// parsed once at session start and immutable thereafter.
type AgentManifest struct {
	Name            string                       `json:"name"`
	Version         string                       `json:"version,omitempty"`
	Description     string                       `json:"description,omitempty"`
	McpServers      map[string]McpServerSpec     `json:"mcpServers,omitempty"`
	Tools           []string                     `json:"tools,omitempty"`
	ToolAliases     map[string]string            `json:"toolAliases,omitempty"`
	AllowedTools    []string                     `json:"allowedTools,omitempty"`
	ToolsSettings   map[string]json.RawMessage   `json:"toolsSettings,omitempty"`
	Resources       []string                     `json:"resources,omitempty"`
	Hooks           map[HookTrigger][]HookSpec   `json:"hooks,omitempty"`
	UseLegacyMcpJSON bool                        `json:"useLegacyMcpJson,omitempty"`
}

// knownManifestFields is used to warn on unrecognized manifest keys.
var knownManifestFields = map[string]bool{
	"name": true, "version": true, "description": true,
	"mcpServers": true, "tools": true, "toolAliases": true,
	"allowedTools": true, "toolsSettings": true, "resources": true,
	"hooks": true, "useLegacyMcpJson": true,
	// accepted for compatibility with the documented format
	"$schema": true, "prompt": true, "model": true,
}

// DefaultAgent returns the built-in agent manifest.
func DefaultAgent() *AgentManifest {
	return &AgentManifest{
		Name:         DefaultAgentName,
		Description:  "Default agent",
		Tools:        []string{"*"},
		AllowedTools: []string{"fs_read"},
		Resources: []string{
			"file://README.md",
			"file://AmazonQ.md",
			"file://.amazonq/rules/**/*.md",
		},
		UseLegacyMcpJSON: true,
	}
}

// LoadAgent resolves the named agent manifest: workspace directory first,
// then the user directory. An empty name or the built-in agent's name
// loads the built-in default; any other name found in neither directory
// is an error. A manifest that exists but fails to parse aborts session
// start.
func LoadAgent(name string, logger *slog.Logger) (*AgentManifest, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if name == "" || name == DefaultAgentName {
		return DefaultAgent(), nil
	}

	migrateLegacyAgents(logger)

	var candidates []string
	if wd, err := os.Getwd(); err == nil {
		candidates = append(candidates, filepath.Join(wd, workspaceAgentDir, name+agentFileExt))
	}
	if dir, err := Dir(); err == nil {
		candidates = append(candidates, filepath.Join(dir, "cli-agents", name+agentFileExt))
	}

	var found []string
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			found = append(found, path)
		}
	}
	if len(found) == 0 {
		return nil, errors.Typedf(errors.KindConfig, "agent_not_found", nil,
			"no agent named %q in %s or the user agent directory", name, workspaceAgentDir)
	}
	if len(found) > 1 {
		logger.Warn("agent defined in both workspace and user directories, preferring workspace",
			"agent", name)
	}
	return parseAgentFile(found[0], name)
}

// parseAgentFile reads and validates one manifest. The name in the file
// is overridden by the filename.
func parseAgentFile(path, name string) (*AgentManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Typedf(errors.KindConfig, "agent_read_failed", err, "could not read %s", path)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Typedf(errors.KindConfig, "agent_malformed", err, "%s is not a JSON object", path)
	}
	for key := range raw {
		if !knownManifestFields[key] {
			slog.Warn("ignoring unknown field in agent manifest", "path", path, "field", key)
		}
	}

	m := &AgentManifest{}
	if err := json.Unmarshal(data, m); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, errors.Typedf(errors.KindConfig, "agent_malformed", err,
				"%s: field %q has the wrong type (expected %s)", path, typeErr.Field, typeErr.Type)
		}
		return nil, errors.Typedf(errors.KindConfig, "agent_malformed", err, "could not parse %s", path)
	}
	m.Name = name
	if len(m.Tools) == 0 {
		m.Tools = []string{"*"}
	}
	return m, nil
}

// ListAgents returns the names of every agent manifest visible from the
// current directory, workspace entries first.
func ListAgents() ([]string, error) {
	seen := map[string]bool{}
	var names []string
	appendDir := func(dir string) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), agentFileExt) {
				continue
			}
			name := strings.TrimSuffix(e.Name(), agentFileExt)
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	if wd, err := os.Getwd(); err == nil {
		appendDir(filepath.Join(wd, workspaceAgentDir))
	}
	if dir, err := Dir(); err == nil {
		appendDir(filepath.Join(dir, "cli-agents"))
	}
	names = append(names, DefaultAgentName)
	return names, nil
}

// migrateLegacyAgents copies manifests from the legacy .aws/amazonq/agents
// layout into .amazonq/cli-agents once. The legacy directory is treated
// as read-only; existing destinations are never overwritten.
func migrateLegacyAgents(logger *slog.Logger) {
	wd, err := os.Getwd()
	if err != nil {
		return
	}
	legacy := filepath.Join(wd, legacyAgentDir)
	entries, err := os.ReadDir(legacy)
	if err != nil {
		return
	}
	dest := filepath.Join(wd, workspaceAgentDir)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), agentFileExt) {
			continue
		}
		target := filepath.Join(dest, e.Name())
		if _, err := os.Stat(target); err == nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(legacy, e.Name()))
		if err != nil {
			continue
		}
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return
		}
		if err := os.WriteFile(target, data, 0o644); err == nil {
			logger.Info("migrated legacy agent manifest", "agent", e.Name())
		}
	}
}

// LegacyMcpServers loads ~/.aws/amazonq/mcp.json when the agent opts in
// via useLegacyMcpJson. Servers already named by the manifest win.
func LegacyMcpServers(m *AgentManifest) (map[string]McpServerSpec, error) {
	if !m.UseLegacyMcpJSON {
		return nil, nil
	}
	dir, err := Dir()
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "mcp.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "could not read %s", path)
	}
	var file struct {
		McpServers map[string]McpServerSpec `json:"mcpServers"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, errors.Typedf(errors.KindConfig, "mcp_json_malformed", err, "could not parse %s", path)
	}
	out := map[string]McpServerSpec{}
	for name, spec := range file.McpServers {
		if _, shadowed := m.McpServers[name]; shadowed {
			continue
		}
		out[name] = spec
	}
	return out, nil
}

// WriteAgent writes a manifest into the workspace agent directory, for
// `agent create`.
func WriteAgent(m *AgentManifest) (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", errors.Wrapf(err, "could not get working directory")
	}
	dir := filepath.Join(wd, workspaceAgentDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "could not create %s", dir)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", errors.Wrapf(err, "could not serialize agent %s", m.Name)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s%s", m.Name, agentFileExt))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", errors.Wrapf(err, "could not write %s", path)
	}
	return path, nil
}
