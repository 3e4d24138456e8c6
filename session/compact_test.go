package session

import (
	"fmt"
	"strings"
	"testing"
)

func fillTurns(s *State, turns int, payload string) {
	for i := 0; i < turns; i++ {
		s.PushUser(fmt.Sprintf("question %d: %s", i, payload), nil)
		s.PushAssistant(fmt.Sprintf("answer %d: %s", i, payload), nil)
	}
}

func TestCompactReducesBelowCeiling(t *testing.T) {
	s := New("test-agent")
	fillTurns(s, 30, strings.Repeat("x", 400))

	ceiling := 1000
	if !s.NeedsCompaction(ceiling) {
		t.Fatal("fixture should exceed the ceiling")
	}
	if !s.Compact(ceiling) {
		t.Fatal("Compact should report work done")
	}

	// The digest pair plus the kept turns must be present.
	if s.Messages[0].Role != RoleUser || !strings.Contains(s.Messages[0].Content, "summarized") {
		t.Fatalf("first message is not the digest: %.80s", s.Messages[0].Content)
	}
	if s.Messages[1].Role != RoleAssistant {
		t.Fatalf("second message role = %s, want assistant", s.Messages[1].Role)
	}
	// The last turns survive verbatim.
	last := s.Messages[len(s.Messages)-1]
	if !strings.Contains(last.Content, "answer 29") {
		t.Fatalf("last turn was not preserved: %.80s", last.Content)
	}
	if got := EstimateHistoryTokens(s.Messages); got > ceiling {
		t.Fatalf("history after compaction = %d tokens, want <= %d", got, ceiling)
	}
	if EstimateHistoryTokens(s.Messages) > 30*EstimateHistoryTokens(s.Messages[:2]) {
		// sanity only; the digest itself is small relative to the input
		t.Log("digest larger than expected")
	}
}

func TestCompactIsIdempotentWhenFitting(t *testing.T) {
	s := New("test-agent")
	fillTurns(s, 3, "short")

	if s.Compact(DefaultContextCeiling) {
		t.Fatal("Compact on a fitting state must be a no-op")
	}
	before := len(s.Messages)
	s.Compact(DefaultContextCeiling)
	if len(s.Messages) != before {
		t.Fatal("second Compact changed the state")
	}
}

func TestCompactPreservesInvariants(t *testing.T) {
	s := New("test-agent")
	fillTurns(s, 20, strings.Repeat("y", 500))
	s.PushUser("use a tool", nil)
	s.PushAssistant("calling", []ToolUse{{ID: "t1", Name: "fs_read"}})
	s.PushToolResult(ToolResult{ToolUseID: "t1", Status: ToolResultSuccess, Content: []ContentBlock{{Text: strings.Repeat("z", 2000)}}})

	s.Compact(1000)

	// Conversation continues normally after compaction.
	if err := s.PushUser("follow-up about the digest", nil); err != nil {
		t.Fatalf("PushUser after compact: %v", err)
	}
	if err := s.PushAssistant("referring to the digest", nil); err != nil {
		t.Fatalf("PushAssistant after compact: %v", err)
	}
}

func TestEstimateTokensCountsToolPayloads(t *testing.T) {
	m := Message{
		Role:    RoleAssistant,
		Content: strings.Repeat("a", 40),
		ToolUses: []ToolUse{
			{Name: "fs_read", Input: []byte(strings.Repeat("b", 33))},
		},
	}
	got := EstimateTokens(&m)
	want := (40 + 7 + 33 + CharsPerToken - 1) / CharsPerToken
	if got != want {
		t.Fatalf("EstimateTokens = %d, want %d", got, want)
	}
}
