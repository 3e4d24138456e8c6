// Package hooks runs the shell commands configured on agent lifecycle
// triggers and captures their output for prompt injection. Hook
// failures are never fatal: they log and contribute empty output.
package hooks

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/m4xw311/qagent/config"
)

const (
	defaultTimeout       = 30 * time.Second
	defaultMaxOutputSize = 10 * 1024
	defaultCacheTTL      = 0 // no caching unless configured
)

// Result is the captured output of one hook invocation.
type Result struct {
	Command  string
	Output   string
	TimedOut bool
}

// Block renders the result for prompt injection. Timed-out hooks are
// tagged so the model knows the output is partial.
func (r Result) Block() string {
	if r.TimedOut {
		return fmt.Sprintf("[HookTimeout] %s:\n%s", r.Command, r.Output)
	}
	return fmt.Sprintf("%s:\n%s", r.Command, r.Output)
}

type cacheEntry struct {
	results []Result
	expires time.Time
}

// Runner executes the hooks of one agent manifest. agentSpawn output is
// captured once and reused for the whole session; userPromptSubmit
// output is cached per the hook's TTL.
type Runner struct {
	specs  map[config.HookTrigger][]config.HookSpec
	logger *slog.Logger

	mu         sync.Mutex
	spawnOnce  sync.Once
	spawnOut   []Result
	submitCache map[int]cacheEntry // keyed by hook index
}

// NewRunner creates a runner for the manifest's hooks.
func NewRunner(manifest *config.AgentManifest, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		specs:       manifest.Hooks,
		logger:      logger.With("component", "hooks"),
		submitCache: map[int]cacheEntry{},
	}
}

// AgentSpawn runs the agentSpawn hooks once and returns the captured
// results on every call.
func (r *Runner) AgentSpawn(ctx context.Context) []Result {
	r.spawnOnce.Do(func() {
		r.spawnOut = r.runAll(ctx, r.specs[config.HookAgentSpawn])
	})
	return r.spawnOut
}

// UserPromptSubmit runs the userPromptSubmit hooks, serving cached
// output while a hook's TTL has not expired.
func (r *Runner) UserPromptSubmit(ctx context.Context) []Result {
	specs := r.specs[config.HookUserPromptSubmit]
	results := make([]Result, 0, len(specs))
	now := time.Now()

	for i, spec := range specs {
		r.mu.Lock()
		entry, ok := r.submitCache[i]
		r.mu.Unlock()
		if ok && now.Before(entry.expires) {
			results = append(results, entry.results...)
			continue
		}
		res := r.runOne(ctx, spec)
		ttl := time.Duration(spec.CacheTTLSeconds) * time.Second
		if ttl > defaultCacheTTL {
			r.mu.Lock()
			r.submitCache[i] = cacheEntry{results: []Result{res}, expires: now.Add(ttl)}
			r.mu.Unlock()
		}
		results = append(results, res)
	}
	return results
}

func (r *Runner) runAll(ctx context.Context, specs []config.HookSpec) []Result {
	results := make([]Result, 0, len(specs))
	for _, spec := range specs {
		results = append(results, r.runOne(ctx, spec))
	}
	return results
}

// runOne launches a hook command with its timeout and output cap.
func (r *Runner) runOne(ctx context.Context, spec config.HookSpec) Result {
	timeout := defaultTimeout
	if spec.TimeoutMs > 0 {
		timeout = time.Duration(spec.TimeoutMs) * time.Millisecond
	}
	maxOut := defaultMaxOutputSize
	if spec.MaxOutputSize > 0 {
		maxOut = spec.MaxOutputSize
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/bash"
	}
	var buf bytes.Buffer
	cmd := exec.CommandContext(ctx, shell, "-c", spec.Command)
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()

	timedOut := ctx.Err() == context.DeadlineExceeded
	if err != nil && !timedOut {
		r.logger.Warn("hook failed", "command", spec.Command, "error", err)
		return Result{Command: spec.Command}
	}

	output := strings.TrimRight(buf.String(), "\n")
	if len(output) > maxOut {
		output = output[:maxOut] + "\n... hook output truncated ..."
	}
	return Result{Command: spec.Command, Output: output, TimedOut: timedOut}
}
