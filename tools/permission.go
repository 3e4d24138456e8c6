package tools

import (
	"encoding/json"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/m4xw311/qagent/config"
)

// Decision is the outcome of permission evaluation for one invocation.
type Decision int

const (
	// PromptUser blocks the call until the user confirms it.
	PromptUser Decision = iota
	// AutoAllow runs the call without confirmation.
	AutoAllow
	// AutoDeny rejects the call without executing it.
	AutoDeny
)

func (d Decision) String() string {
	switch d {
	case AutoAllow:
		return "allow"
	case AutoDeny:
		return "deny"
	default:
		return "prompt"
	}
}

// fsSettings are the per-tool settings for fs_read and fs_write.
type fsSettings struct {
	AllowedPaths []string `json:"allowedPaths"`
	DeniedPaths  []string `json:"deniedPaths"`
}

// bashSettings are the per-tool settings for execute_bash.
type bashSettings struct {
	AllowedCommands []string `json:"allowedCommands"`
	DeniedCommands  []string `json:"deniedCommands"`
	AllowReadOnly   bool     `json:"allowReadOnly"`
}

// Policy evaluates the permission rules of one agent manifest. Rules are
// checked in order: tool-specific settings (deny before allow), then the
// allow-list, then built-in defaults, so a deny rule always wins.
type Policy struct {
	allowed     map[string]bool
	allowedAny  []string // "@server" wildcards
	fs          map[string]*fsSettings
	bash        *bashSettings
	registry    *Registry
	autoAllowed map[string]bool
}

// NewPolicy compiles the manifest's permission settings.
func NewPolicy(manifest *config.AgentManifest, registry *Registry) (*Policy, error) {
	p := &Policy{
		allowed:  map[string]bool{},
		fs:       map[string]*fsSettings{},
		registry: registry,
		autoAllowed: map[string]bool{
			"fs_read":      true,
			"report_issue": true,
		},
	}
	for _, name := range manifest.AllowedTools {
		if strings.HasPrefix(name, "@") && !strings.Contains(name, "/") {
			p.allowedAny = append(p.allowedAny, strings.TrimPrefix(name, "@"))
			continue
		}
		p.allowed[name] = true
	}
	for tool, raw := range manifest.ToolsSettings {
		switch tool {
		case "fs_read", "fs_write":
			s := &fsSettings{}
			if err := json.Unmarshal(raw, s); err == nil {
				p.fs[tool] = s
			}
		case "execute_bash":
			s := &bashSettings{AllowReadOnly: true}
			if err := json.Unmarshal(raw, s); err == nil {
				p.bash = s
			}
		}
	}
	return p, nil
}

// Decide computes the decision for one invocation. Deny rules always
// win over the allow-list and allow rules.
func (p *Policy) Decide(name string, input json.RawMessage) Decision {
	// Tool-specific deny rules are checked first so a denied target can
	// never be rescued by the allow-list.
	if d, decided := p.decideSettings(name, input); decided {
		return d
	}

	if p.allowed[name] {
		return AutoAllow
	}
	origin := p.registry.origins[name]
	for _, server := range p.allowedAny {
		if origin.McpServer == server {
			return AutoAllow
		}
	}

	if p.autoAllowed[name] {
		return AutoAllow
	}
	return PromptUser
}

// decideSettings applies the per-tool settings. The bool result reports
// whether the settings produced a decision.
func (p *Policy) decideSettings(name string, input json.RawMessage) (Decision, bool) {
	switch name {
	case "fs_read", "fs_write":
		s, ok := p.fs[name]
		if !ok {
			return PromptUser, false
		}
		paths := extractPaths(input)
		if len(paths) == 0 {
			return PromptUser, false
		}
		if allMatch(paths, s.DeniedPaths) {
			return AutoDeny, true
		}
		if len(s.AllowedPaths) > 0 && allMatch(paths, s.AllowedPaths) {
			return AutoAllow, true
		}
	case "execute_bash":
		if p.bash == nil {
			return PromptUser, false
		}
		command := extractCommand(input)
		if command == "" {
			return PromptUser, false
		}
		if matchAnyRegex(command, p.bash.DeniedCommands) {
			return AutoDeny, true
		}
		if matchAnyRegex(command, p.bash.AllowedCommands) {
			return AutoAllow, true
		}
		if p.bash.AllowReadOnly && CommandIsReadOnly(command) {
			return AutoAllow, true
		}
	}
	return PromptUser, false
}

// extractPaths collects every target path from an fs_read or fs_write
// input.
func extractPaths(input json.RawMessage) []string {
	var single struct {
		Path       string `json:"path"`
		Operations []struct {
			Path string `json:"path"`
		} `json:"operations"`
	}
	if err := json.Unmarshal(input, &single); err != nil {
		return nil
	}
	var paths []string
	if single.Path != "" {
		paths = append(paths, single.Path)
	}
	for _, op := range single.Operations {
		if op.Path != "" {
			paths = append(paths, op.Path)
		}
	}
	return paths
}

func extractCommand(input json.RawMessage) string {
	var in struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return ""
	}
	return in.Command
}

// allMatch reports whether every path matches at least one glob.
func allMatch(paths, patterns []string) bool {
	if len(patterns) == 0 {
		return false
	}
	for _, path := range paths {
		abs := path
		if !filepath.IsAbs(abs) {
			if resolved, err := filepath.Abs(abs); err == nil {
				abs = resolved
			}
		}
		matched := false
		for _, pattern := range patterns {
			if ok, err := doublestar.PathMatch(pattern, abs); err == nil && ok {
				matched = true
				break
			}
			if ok, err := doublestar.PathMatch(pattern, path); err == nil && ok {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// matchAnyRegex anchors each pattern to the full command, matching the
// original behavior of the command allow/deny lists.
func matchAnyRegex(command string, patterns []string) bool {
	for _, pattern := range patterns {
		re, err := regexp.Compile(`\A(?:` + pattern + `)\z`)
		if err != nil {
			if command == pattern {
				return true
			}
			continue
		}
		if re.MatchString(command) {
			return true
		}
	}
	return false
}
