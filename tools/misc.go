package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os/exec"
	"runtime"
)

// ThinkingTool gives the model a scratchpad. It echoes the provided
// text back as a plain text block, with no reasoning marker, and has no
// side effects.
type ThinkingTool struct{}

func (t *ThinkingTool) Name() string { return "thinking" }

func (t *ThinkingTool) Description() string {
	return "Record intermediate reasoning. The text is echoed back and nothing else happens."
}

func (t *ThinkingTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"thought": {"type": "string"}
		},
		"required": ["thought"]
	}`)
}

func (t *ThinkingTool) IsReadOnly(input json.RawMessage) bool { return true }

func (t *ThinkingTool) Invoke(ctx context.Context, input json.RawMessage) (*Output, error) {
	var in struct {
		Thought string `json:"thought"`
	}
	_ = json.Unmarshal(input, &in)
	return TextOutput(in.Thought), nil
}

const issueTemplateURL = "https://github.com/aws/amazon-q-developer-cli/issues/new"

// ReportIssueTool opens a pre-filled GitHub issue in the browser. In
// headless mode it only returns the URL.
type ReportIssueTool struct {
	Headless bool
}

func (t *ReportIssueTool) Name() string { return "report_issue" }

func (t *ReportIssueTool) Description() string {
	return "Open a pre-filled GitHub issue to report a bug. Args: title (string), expected_behavior, actual_behavior, steps_to_reproduce (optional strings)."
}

func (t *ReportIssueTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"title": {"type": "string"},
			"expected_behavior": {"type": "string"},
			"actual_behavior": {"type": "string"},
			"steps_to_reproduce": {"type": "string"}
		},
		"required": ["title"]
	}`)
}

func (t *ReportIssueTool) IsReadOnly(input json.RawMessage) bool { return true }

func (t *ReportIssueTool) Invoke(ctx context.Context, input json.RawMessage) (*Output, error) {
	var in struct {
		Title    string `json:"title"`
		Expected string `json:"expected_behavior"`
		Actual   string `json:"actual_behavior"`
		Steps    string `json:"steps_to_reproduce"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return ErrorOutput("report_issue requires a 'title'"), nil
	}

	q := url.Values{}
	q.Set("title", in.Title)
	body := ""
	if in.Expected != "" {
		body += "### Expected behavior\n" + in.Expected + "\n\n"
	}
	if in.Actual != "" {
		body += "### Actual behavior\n" + in.Actual + "\n\n"
	}
	if in.Steps != "" {
		body += "### Steps to reproduce\n" + in.Steps + "\n"
	}
	if body != "" {
		q.Set("body", body)
	}
	link := issueTemplateURL + "?" + q.Encode()

	if !t.Headless {
		_ = openBrowser(ctx, link)
	}
	return TextOutput(fmt.Sprintf("issue link: %s", link)), nil
}

func openBrowser(ctx context.Context, link string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.CommandContext(ctx, "open", link)
	case "windows":
		cmd = exec.CommandContext(ctx, "rundll32", "url.dll,FileProtocolHandler", link)
	default:
		cmd = exec.CommandContext(ctx, "xdg-open", link)
	}
	return cmd.Start()
}
