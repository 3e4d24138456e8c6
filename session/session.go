// Package session holds the conversation state for one chat session: the
// ordered message history, the invariants that tie tool uses to their
// results, and the size limits the backend imposes on outgoing requests.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/m4xw311/qagent/errors"
)

// MaxHistoryLen is the maximum number of messages kept in history.
const MaxHistoryLen = 100

// Role identifies the kind of a message.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolResult Role = "toolResult"
)

// ContentBlock is one unit of tool-result content.
type ContentBlock struct {
	Text  string          `json:"text,omitempty"`
	JSON  json.RawMessage `json:"json,omitempty"`
	Image *ImageBlock     `json:"image,omitempty"`
}

// ImageBlock carries an inline base64 encoded image.
type ImageBlock struct {
	Format string `json:"format"` // "png" or "jpeg"
	Data   string `json:"data"`
}

// ToolUse is an assistant-emitted request to invoke a tool.
type ToolUse struct {
	ID    string          `json:"toolUseId"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResultStatus marks a tool result as success or error.
type ToolResultStatus string

const (
	ToolResultSuccess ToolResultStatus = "success"
	ToolResultError   ToolResultStatus = "error"
)

// ToolResult answers a prior ToolUse with the same id.
type ToolResult struct {
	ToolUseID string           `json:"toolUseId"`
	Status    ToolResultStatus `json:"status"`
	Content   []ContentBlock   `json:"content"`
}

// EnvState is a snapshot of the local environment.
type EnvState struct {
	OperatingSystem         string            `json:"operatingSystem"`
	CurrentWorkingDirectory string            `json:"currentWorkingDirectory"`
	Shell                   string            `json:"shell,omitempty"`
	EnvironmentVariables    map[string]string `json:"environmentVariables,omitempty"`
}

// ContextEntry is an excerpt of a context file injected into the prompt.
type ContextEntry struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// UserInputContext is the per-message context attached to a user message.
type UserInputContext struct {
	EnvState     *EnvState      `json:"envState,omitempty"`
	ToolResults  []ToolResult   `json:"toolResults,omitempty"`
	Images       []ImageBlock   `json:"images,omitempty"`
	ContextFiles []ContextEntry `json:"contextFiles,omitempty"`
}

// Message is one entry in the conversation history. The role-specific
// fields are populated according to Role.
type Message struct {
	Role       Role              `json:"role"`
	Content    string            `json:"content,omitempty"`
	Context    *UserInputContext `json:"context,omitempty"`
	ToolUses   []ToolUse         `json:"toolUses,omitempty"`
	ToolResult *ToolResult       `json:"toolResult,omitempty"`
}

// ErrInvariantViolation is returned by mutators that would break the
// user/assistant/tool-result ordering rules.
var ErrInvariantViolation = errors.New("conversation invariant violation")

// State is the mutable conversation state. It is owned by the engine
// task; readers receive snapshot copies.
type State struct {
	ConversationID string    `json:"conversationId"`
	AgentID        string    `json:"agentId"`
	Messages       []Message `json:"messages"`

	// pending holds tool-use ids awaiting a result before the next user
	// message is legal.
	pending map[string]bool
}

// New creates an empty conversation for the named agent.
func New(agentID string) *State {
	return &State{
		ConversationID: uuid.NewString(),
		AgentID:        agentID,
		pending:        make(map[string]bool),
	}
}

// PushUser appends a user message. It fails while tool results are
// outstanding for the previous assistant message.
func (s *State) PushUser(content string, ctx *UserInputContext) error {
	if len(s.pending) > 0 {
		return errors.Wrapf(ErrInvariantViolation, "%d tool results outstanding", len(s.pending))
	}
	s.Messages = append(s.Messages, Message{Role: RoleUser, Content: content, Context: ctx})
	s.enforceLen()
	return nil
}

// PushAssistant appends an assistant message and registers its tool uses
// as pending.
func (s *State) PushAssistant(text string, uses []ToolUse) error {
	if len(s.Messages) == 0 {
		return errors.Wrapf(ErrInvariantViolation, "assistant message before any user message")
	}
	if len(s.pending) > 0 {
		return errors.Wrapf(ErrInvariantViolation, "assistant message while tool results outstanding")
	}
	s.Messages = append(s.Messages, Message{Role: RoleAssistant, Content: text, ToolUses: uses})
	for _, u := range uses {
		s.pending[u.ID] = true
	}
	s.enforceLen()
	return nil
}

// PushToolResult appends one tool result. The id must match a pending
// tool use of the most recent assistant message.
func (s *State) PushToolResult(r ToolResult) error {
	if !s.pending[r.ToolUseID] {
		return errors.Wrapf(ErrInvariantViolation, "no pending tool use with id %s", r.ToolUseID)
	}
	delete(s.pending, r.ToolUseID)
	rc := r
	s.Messages = append(s.Messages, Message{Role: RoleToolResult, ToolResult: &rc})
	s.enforceLen()
	return nil
}

// PendingToolUses returns the ids still awaiting results.
func (s *State) PendingToolUses() []string {
	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	return ids
}

// Snapshot returns a copy of the history safe to hand to other tasks.
func (s *State) Snapshot() []Message {
	out := make([]Message, len(s.Messages))
	copy(out, s.Messages)
	return out
}

// Clear discards the history but keeps the conversation id and agent.
func (s *State) Clear() {
	s.Messages = nil
	s.pending = make(map[string]bool)
}

// enforceLen drops the oldest user-turn clusters until the history fits
// within MaxHistoryLen. A cluster is a user message together with every
// assistant and tool-result message up to the next user message, so a
// tool-use/result group is never split.
func (s *State) enforceLen() {
	for len(s.Messages) > MaxHistoryLen {
		if !s.DropOldestPair() {
			return
		}
	}
}

// DropOldestPair removes the oldest user-turn cluster. It returns false
// when fewer than two clusters remain; the current turn is never dropped.
func (s *State) DropOldestPair() bool {
	if len(s.Messages) == 0 || s.Messages[0].Role != RoleUser {
		return false
	}
	next := -1
	for i := 1; i < len(s.Messages); i++ {
		if s.Messages[i].Role == RoleUser {
			next = i
			break
		}
	}
	if next < 0 {
		return false
	}
	s.Messages = append([]Message(nil), s.Messages[next:]...)
	return true
}

// UnmarshalJSON restores a state and rebuilds the pending-tool-use set
// from the tail of the history.
func (s *State) UnmarshalJSON(data []byte) error {
	type wire struct {
		ConversationID string    `json:"conversationId"`
		AgentID        string    `json:"agentId"`
		Messages       []Message `json:"messages"`
	}
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	s.ConversationID = w.ConversationID
	s.AgentID = w.AgentID
	s.Messages = w.Messages
	s.pending = make(map[string]bool)
	for i := len(s.Messages) - 1; i >= 0; i-- {
		m := s.Messages[i]
		if m.Role == RoleAssistant {
			for _, u := range m.ToolUses {
				s.pending[u.ID] = true
			}
			break
		}
		if m.Role == RoleUser {
			break
		}
	}
	for i := len(s.Messages) - 1; i >= 0; i-- {
		m := s.Messages[i]
		if m.Role != RoleToolResult {
			break
		}
		delete(s.pending, m.ToolResult.ToolUseID)
	}
	return nil
}

// historyDir resolves the directory used by /save and /load snapshots.
func historyDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrapf(err, "could not resolve home directory")
	}
	dir := filepath.Join(home, ".aws", "amazonq", "history")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "could not create history directory")
	}
	return dir, nil
}

// Save writes a JSON snapshot of the conversation under the given name.
func (s *State) Save(name string) error {
	dir, err := historyDir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to serialize conversation")
	}
	return os.WriteFile(filepath.Join(dir, fmt.Sprintf("%s.json", name)), data, 0o644)
}

// Load restores a conversation snapshot previously written by Save.
func Load(name string) (*State, error) {
	dir, err := historyDir()
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, fmt.Sprintf("%s.json", name))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read conversation file %s", path)
	}
	s := &State{}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, errors.Wrapf(err, "could not parse conversation file %s", path)
	}
	return s, nil
}
