package mcp

import (
	"context"
	"net/http"
	"testing"

	"github.com/m4xw311/qagent/config"
)

func TestToolNamePrefixing(t *testing.T) {
	s := &Server{name: "git"}
	tool := &Tool{server: s, toolName: "status"}
	if got := tool.Name(); got != "@git/status" {
		t.Fatalf("Name() = %q, want @git/status", got)
	}
}

func TestFailedServerIsNonFatal(t *testing.T) {
	specs := map[string]config.McpServerSpec{
		"broken": {Command: "/nonexistent/mcp-server-binary"},
	}
	var initServer string
	var initErr error
	r := NewRegistry(specs, func(server string, toolCount int, err error) {
		initServer = server
		initErr = err
	}, nil)

	r.Start(context.Background())

	if initServer != "broken" {
		t.Fatalf("init listener saw %q", initServer)
	}
	if initErr == nil {
		t.Fatal("init listener must receive the failure reason")
	}
	if health := r.Status()["broken"]; health != HealthUnhealthy {
		t.Fatalf("health = %s, want unhealthy", health)
	}
	if tools := r.Tools(); len(tools) != 0 {
		t.Fatalf("unhealthy server leaked %d tools", len(tools))
	}
}

func TestServerTimeoutDefaults(t *testing.T) {
	s := &Server{spec: config.McpServerSpec{}}
	if s.timeout() != DefaultTimeout {
		t.Fatalf("timeout = %v, want %v", s.timeout(), DefaultTimeout)
	}
	s.spec.TimeoutMs = 5000
	if s.timeout().Milliseconds() != 5000 {
		t.Fatalf("override timeout = %v", s.timeout())
	}
}

func TestHeaderTransportInjectsHeaders(t *testing.T) {
	req, _ := http.NewRequest("GET", "http://example.invalid/", nil)
	ht := headerTransport{headers: map[string]string{"Authorization": "Bearer x"}}
	// RoundTrip will fail to connect; the header must be set regardless.
	ht.RoundTrip(req)
	if req.Header.Get("Authorization") != "Bearer x" {
		t.Fatal("header not injected")
	}
}

func TestTransportInference(t *testing.T) {
	stdio := config.McpServerSpec{Command: "uvx"}
	if stdio.Transport() != config.McpTransportStdio {
		t.Error("command spec should infer stdio")
	}
	httpSpec := config.McpServerSpec{URL: "https://example.com/mcp"}
	if httpSpec.Transport() != config.McpTransportHTTP {
		t.Error("url spec should infer http")
	}
}
