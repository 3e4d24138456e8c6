package session

import (
	"fmt"
	"strings"
)

// Token estimation and compaction. The backend does not expose its
// tokenizer, so sizes are approximated at ~4 characters per token and
// compaction triggers conservatively below the true model limit.
const (
	// CharsPerToken is the approximate character-to-token ratio.
	CharsPerToken = 4

	// DefaultContextCeiling is the token budget for one outgoing request.
	DefaultContextCeiling = 120_000

	// compactKeepTurns is the number of trailing user turns preserved
	// verbatim through compaction.
	compactKeepTurns = 2

	// digestLineLimit caps how much of each message the digest quotes.
	digestLineLimit = 200

	digestHeader = "The conversation so far was summarized to fit the context window:"
)

// EstimateTokens estimates the token count of one message.
func EstimateTokens(m *Message) int {
	chars := len(m.Content)
	for _, u := range m.ToolUses {
		chars += len(u.Name) + len(u.Input)
	}
	if m.ToolResult != nil {
		for _, c := range m.ToolResult.Content {
			chars += len(c.Text) + len(c.JSON) + blockImageLen(c)
		}
	}
	if m.Context != nil {
		for _, e := range m.Context.ContextFiles {
			chars += len(e.Content)
		}
	}
	return (chars + CharsPerToken - 1) / CharsPerToken
}

func blockImageLen(c ContentBlock) int {
	if c.Image == nil {
		return 0
	}
	return len(c.Image.Data)
}

// EstimateHistoryTokens estimates total tokens across messages.
func EstimateHistoryTokens(messages []Message) int {
	total := 0
	for i := range messages {
		total += EstimateTokens(&messages[i])
	}
	return total
}

// NeedsCompaction reports whether the history exceeds the ceiling.
func (s *State) NeedsCompaction(ceiling int) bool {
	if ceiling <= 0 {
		ceiling = DefaultContextCeiling
	}
	return EstimateHistoryTokens(s.Messages) > ceiling
}

// Compact replaces everything but the last compactKeepTurns user turns
// with a synthetic user/assistant pair carrying a textual digest of the
// discarded messages. Running Compact on a state that already fits the
// ceiling is a no-op.
func (s *State) Compact(ceiling int) bool {
	if !s.NeedsCompaction(ceiling) {
		return false
	}
	cut := s.compactionCut()
	if cut <= 0 {
		return false
	}
	digest := buildDigest(s.Messages[:cut])
	if ceiling <= 0 {
		ceiling = DefaultContextCeiling
	}
	// The digest itself must leave room for the kept turns.
	if maxChars := ceiling * CharsPerToken / 2; len(digest) > maxChars {
		digest = digest[:maxChars] + "\n… earlier history elided …"
	}
	kept := append([]Message(nil), s.Messages[cut:]...)
	s.Messages = append([]Message{
		{Role: RoleUser, Content: digestHeader + "\n\n" + digest},
		{Role: RoleAssistant, Content: "Understood. I will use this summary as the prior context."},
	}, kept...)
	return true
}

// compactionCut returns the index of the first message to keep verbatim:
// the start of the last compactKeepTurns user-turn clusters.
func (s *State) compactionCut() int {
	starts := []int{}
	for i, m := range s.Messages {
		if m.Role == RoleUser {
			starts = append(starts, i)
		}
	}
	if len(starts) <= compactKeepTurns {
		return 0
	}
	return starts[len(starts)-compactKeepTurns]
}

// buildDigest renders discarded messages into a compact textual summary.
func buildDigest(messages []Message) string {
	var b strings.Builder
	for i := range messages {
		m := &messages[i]
		switch m.Role {
		case RoleUser:
			fmt.Fprintf(&b, "[user] %s\n", truncateLine(m.Content))
		case RoleAssistant:
			line := truncateLine(m.Content)
			if len(m.ToolUses) > 0 {
				names := make([]string, len(m.ToolUses))
				for j, u := range m.ToolUses {
					names[j] = u.Name
				}
				line = fmt.Sprintf("%s (used tools: %s)", line, strings.Join(names, ", "))
			}
			fmt.Fprintf(&b, "[assistant] %s\n", line)
		case RoleToolResult:
			r := m.ToolResult
			var text string
			for _, c := range r.Content {
				if c.Text != "" {
					text = c.Text
					break
				}
			}
			fmt.Fprintf(&b, "[tool %s %s] %s\n", r.ToolUseID, r.Status, truncateLine(text))
		}
	}
	return b.String()
}

func truncateLine(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > digestLineLimit {
		return s[:digestLineLimit] + "…"
	}
	return s
}
