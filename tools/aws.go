package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/m4xw311/qagent/errors"
)

// ErrAwsCliMissing is returned when the aws binary is not on PATH.
var ErrAwsCliMissing = errors.New("aws CLI not found on PATH")

// UseAwsTool shells out to the local aws CLI.
type UseAwsTool struct{}

func (t *UseAwsTool) Name() string { return "use_aws" }

func (t *UseAwsTool) Description() string {
	return "Invoke the local AWS CLI. Args: service (string), operation (string), parameters (object of --name value pairs), region (optional string)."
}

func (t *UseAwsTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"service": {"type": "string"},
			"operation": {"type": "string"},
			"parameters": {"type": "object"},
			"region": {"type": "string"}
		},
		"required": ["service", "operation"]
	}`)
}

func (t *UseAwsTool) Invoke(ctx context.Context, input json.RawMessage) (*Output, error) {
	var in struct {
		Service    string                 `json:"service"`
		Operation  string                 `json:"operation"`
		Parameters map[string]interface{} `json:"parameters"`
		Region     string                 `json:"region"`
	}
	if err := json.Unmarshal(input, &in); err != nil || in.Service == "" || in.Operation == "" {
		return nil, errors.Typedf(errors.KindToolSchema, "invalid_tool_input", err,
			"use_aws requires 'service' and 'operation'")
	}

	awsPath, err := exec.LookPath("aws")
	if err != nil {
		return ErrorOutput(ErrAwsCliMissing.Error()), nil
	}

	args := []string{in.Service, in.Operation}
	// Sort parameter names so the constructed command is deterministic.
	names := make([]string, 0, len(in.Parameters))
	for name := range in.Parameters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		flag := name
		if !strings.HasPrefix(flag, "--") {
			flag = "--" + flag
		}
		args = append(args, flag)
		switch v := in.Parameters[name].(type) {
		case bool:
			// boolean flags carry no value
		case string:
			args = append(args, v)
		default:
			encoded, err := json.Marshal(v)
			if err == nil {
				args = append(args, string(encoded))
			}
		}
	}
	if in.Region != "" {
		args = append(args, "--region", in.Region)
	}

	var buf bytes.Buffer
	cmd := exec.CommandContext(ctx, awsPath, args...)
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	runErr := cmd.Run()

	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	text := fmt.Sprintf("aws %s\nexit code: %d\n%s", strings.Join(args, " "), exitCode, buf.String())
	var out *Output
	if runErr != nil {
		out = ErrorOutput(text)
	} else {
		out = TextOutput(text)
	}
	out.Clamp()
	return out, nil
}
