// Package mcp connects external Model Context Protocol servers and
// surfaces their tools into the session tool registry. Server failures
// are never fatal: a server that fails at startup contributes no tools;
// a server that fails later is marked unhealthy, its registered tools
// return errors, and reconnection is attempted lazily on the next call.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/m4xw311/qagent/config"
	"github.com/m4xw311/qagent/errors"
	"github.com/m4xw311/qagent/tools"
)

// DefaultTimeout bounds one MCP request unless the server spec
// overrides it.
const DefaultTimeout = 120 * time.Second

// Health is the connection state of one server.
type Health string

const (
	HealthUninitialized Health = "uninitialized"
	HealthHealthy       Health = "healthy"
	HealthUnhealthy     Health = "unhealthy"
)

// InitListener observes server initialization outcomes, for the
// mcp_server_init telemetry event.
type InitListener func(server string, toolCount int, err error)

// Server is one configured MCP server. Requests are serialized through
// the mutex; each request carries the session's monotonic JSON-RPC id.
type Server struct {
	name   string
	spec   config.McpServerSpec
	logger *slog.Logger

	mu      sync.Mutex
	conn    *mcpsdk.ClientSession
	cmd     *exec.Cmd
	health  Health
	lastErr error
	tools   []*Tool
}

// Registry owns the configured servers.
type Registry struct {
	servers map[string]*Server
	onInit  InitListener
	logger  *slog.Logger
}

// NewRegistry builds a registry from the manifest's server specs.
func NewRegistry(specs map[string]config.McpServerSpec, onInit InitListener, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		servers: map[string]*Server{},
		onInit:  onInit,
		logger:  logger.With("component", "mcp"),
	}
	for name, spec := range specs {
		r.servers[name] = &Server{
			name:   name,
			spec:   spec,
			health: HealthUninitialized,
			logger: r.logger.With("server", name),
		}
	}
	return r
}

// Start connects every server and discovers its tools. Failures mark
// the server unhealthy and the session continues without its tools.
func (r *Registry) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for _, s := range r.servers {
		wg.Add(1)
		go func(s *Server) {
			defer wg.Done()
			err := s.connect(ctx)
			count := len(s.Tools())
			if r.onInit != nil {
				r.onInit(s.name, count, err)
			}
			if err != nil {
				s.logger.Warn("MCP server failed to initialize", "error", err)
			} else {
				s.logger.Info("MCP server initialized", "tools", count)
			}
		}(s)
	}
	wg.Wait()
}

// Stop terminates every server connection.
func (r *Registry) Stop() {
	for _, s := range r.servers {
		s.close()
	}
}

// Tools returns every discovered tool, prefixed "@<server>/<tool>".
func (r *Registry) Tools() []tools.Tool {
	var out []tools.Tool
	for _, s := range r.servers {
		for _, t := range s.Tools() {
			out = append(out, t)
		}
	}
	return out
}

// Origins maps prefixed tool names to their server name, for registry
// wildcard resolution.
func (r *Registry) Origins() map[string]string {
	out := map[string]string{}
	for name, s := range r.servers {
		for _, t := range s.Tools() {
			out[t.Name()] = name
		}
	}
	return out
}

// Status reports each server's health for the /mcp command.
func (r *Registry) Status() map[string]Health {
	out := map[string]Health{}
	for name, s := range r.servers {
		s.mu.Lock()
		out[name] = s.health
		s.mu.Unlock()
	}
	return out
}

func (s *Server) timeout() time.Duration {
	if s.spec.TimeoutMs > 0 {
		return time.Duration(s.spec.TimeoutMs) * time.Millisecond
	}
	return DefaultTimeout
}

// connect spawns the transport, performs the initialize handshake and
// lists the server's tools.
func (s *Server) connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectLocked(ctx)
}

func (s *Server) connectLocked(ctx context.Context) error {
	if s.health == HealthHealthy && s.conn != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout())
	defer cancel()

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "qagent", Version: "1.0.0"}, nil)

	var transport mcpsdk.Transport
	switch s.spec.Transport() {
	case config.McpTransportHTTP:
		transport = mcpsdk.NewStreamableClientTransport(s.spec.URL, &mcpsdk.StreamableClientTransportOptions{
			HTTPClient: &http.Client{Transport: headerTransport{headers: s.spec.Headers}},
		})
	default:
		cmd := exec.Command(s.spec.Command, s.spec.Args...)
		cmd.Stderr = os.Stderr
		cmd.Env = os.Environ()
		for k, v := range s.spec.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
		s.cmd = cmd
		transport = mcpsdk.NewCommandTransport(cmd)
	}

	conn, err := client.Connect(ctx, transport)
	if err != nil {
		s.markUnhealthyLocked(err)
		return errors.Typedf(errors.KindMcpInit, "mcp_connect_failed", err,
			"could not connect to MCP server %q", s.name)
	}
	s.conn = conn

	var discovered []*Tool
	params := &mcpsdk.ListToolsParams{}
	for {
		list, err := conn.ListTools(ctx, params)
		if err != nil {
			conn.Close()
			s.conn = nil
			s.markUnhealthyLocked(err)
			return errors.Typedf(errors.KindMcpInit, "mcp_list_tools_failed", err,
				"could not list tools from MCP server %q", s.name)
		}
		for _, t := range list.Tools {
			schema, serr := json.Marshal(t.InputSchema)
			if serr != nil || len(schema) == 0 || string(schema) == "null" {
				schema = []byte(`{"type":"object","properties":{}}`)
			}
			discovered = append(discovered, &Tool{
				server:      s,
				toolName:    t.Name,
				description: t.Description,
				schema:      schema,
			})
		}
		if list.NextCursor == "" {
			break
		}
		params.Cursor = list.NextCursor
	}

	s.tools = discovered
	s.health = HealthHealthy
	s.lastErr = nil
	return nil
}

func (s *Server) markUnhealthyLocked(err error) {
	s.health = HealthUnhealthy
	s.lastErr = err
	if s.cmd != nil && s.cmd.Process != nil {
		s.cmd.Process.Kill()
		s.cmd = nil
	}
}

// Tools returns the discovered tools; empty while unhealthy.
func (s *Server) Tools() []*Tool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.health != HealthHealthy {
		return nil
	}
	return s.tools
}

func (s *Server) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	if s.cmd != nil && s.cmd.Process != nil {
		s.cmd.Process.Kill()
		s.cmd = nil
	}
	s.health = HealthUninitialized
}

// call performs one tools/call, reconnecting lazily when the server was
// marked unhealthy.
func (s *Server) call(ctx context.Context, tool string, args map[string]any) (*mcpsdk.CallToolResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.health != HealthHealthy || s.conn == nil {
		if err := s.connectLocked(ctx); err != nil {
			return nil, err
		}
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout())
	defer cancel()
	result, err := s.conn.CallTool(ctx, &mcpsdk.CallToolParams{Name: tool, Arguments: args})
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errors.Typedf(errors.KindMcpTimeout, "mcp_timeout", err,
				"MCP server %q did not answer within %s", s.name, s.timeout())
		}
		s.markUnhealthyLocked(err)
		return nil, errors.Typedf(errors.KindMcpRpc, "mcp_call_failed", err,
			"tool call to MCP server %q failed", s.name)
	}
	return result, nil
}

// Tool adapts one MCP-discovered tool to the session Tool interface.
type Tool struct {
	server      *Server
	toolName    string
	description string
	schema      json.RawMessage
}

// Name returns the fully qualified name "@<server>/<tool>", applied
// before alias resolution.
func (t *Tool) Name() string {
	return fmt.Sprintf("@%s/%s", t.server.name, t.toolName)
}

func (t *Tool) Description() string { return t.description }

func (t *Tool) InputSchema() json.RawMessage { return t.schema }

// Invoke forwards the call to the owning server.
func (t *Tool) Invoke(ctx context.Context, input json.RawMessage) (*tools.Output, error) {
	var args map[string]any
	if len(input) > 0 {
		if err := json.Unmarshal(input, &args); err != nil {
			return nil, errors.Typedf(errors.KindToolSchema, "invalid_tool_input", err,
				"input for %s is not a JSON object", t.Name())
		}
	}
	result, err := t.server.call(ctx, t.toolName, args)
	if err != nil {
		return tools.ErrorOutput(err.Error()), nil
	}
	var parts []string
	for _, c := range result.Content {
		if text, ok := c.(*mcpsdk.TextContent); ok {
			parts = append(parts, text.Text)
		}
	}
	out := tools.TextOutput(strings.Join(parts, "\n"))
	if result.IsError {
		out.Status = "error"
	}
	out.Clamp()
	return out, nil
}

// headerTransport injects the configured headers into every request of
// the streamable HTTP transport.
type headerTransport struct {
	headers map[string]string
}

func (h headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}
	return http.DefaultTransport.RoundTrip(req)
}
