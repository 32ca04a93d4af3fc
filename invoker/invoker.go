// Package invoker implements the Agent Invoker capability: an opaque
// invoke(agent, prompt, workingDir, reset) -> text function, backed by
// real LLM provider SDKs. The core treats invocation as potentially
// long-running and fallible; failures never propagate as control flow, they
// are converted to data (an apology string) by the caller.
package invoker

import (
	"context"
	"fmt"
	"time"

	"github.com/agentrelay/agentrelay/config"
	"github.com/agentrelay/agentrelay/logging"
)

// ApologyText is substituted for the response whenever a provider call
// fails. The core treats invoker errors as data, not control flow: the
// message still completes with this body rather than being retried.
const ApologyText = "I'm sorry, I wasn't able to process that request right now."

// Request is the normalized input to one invocation.
type Request struct {
	Agent      config.AgentConfig
	AgentID    string
	Prompt     string
	WorkingDir string
	Reset      bool
}

// Backend is implemented by one provider adapter (anthropic, openai, mock).
// Generate returns the full response text; Backend implementations do not
// stream partial output back to the core.
type Backend interface {
	Generate(ctx context.Context, req Request) (string, error)
	Provider() string
}

// invocationLogger is an optional capability of a logging.Logger: when the
// configured logger implements it, Invoke records latency, provider and
// outcome through it in addition to the generic Debug/Error lines.
type invocationLogger interface {
	LogInvocation(agentID, provider string, dur time.Duration, success bool, err error)
}

// Invoker dispatches a Request to the Backend registered for the agent's
// configured provider tag, logging latency/outcome and converting provider
// failures into the apology sentinel rather than propagating them.
type Invoker struct {
	backends map[string]Backend
	logger   logging.Logger
}

// Options configures Invoker construction.
type Options struct {
	Logger logging.Logger
}

// New constructs an Invoker with the given provider backends keyed by their
// Provider() tag (e.g. "anthropic", "openai", "mock").
func New(backends []Backend, optFns ...func(*Options)) *Invoker {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	byProvider := make(map[string]Backend, len(backends))
	for _, b := range backends {
		byProvider[b.Provider()] = b
	}
	return &Invoker{backends: byProvider, logger: opts.Logger}
}

// Invoke calls the backend for req.Agent.Provider and returns its text, or
// ApologyText on any failure (including an unknown provider). It is the
// backend's responsibility to honor Reset (fresh session) and to consult
// WorkingDir.
func (inv *Invoker) Invoke(ctx context.Context, req Request) string {
	start := time.Now()

	backend, ok := inv.backends[req.Agent.Provider]
	if !ok {
		err := fmt.Errorf("no backend registered for provider %q", req.Agent.Provider)
		inv.logger.Error("invoker: no backend registered for provider=%s agent=%s", req.Agent.Provider, req.AgentID)
		inv.logInvocation(req, time.Since(start), false, err)
		return ApologyText
	}

	text, err := backend.Generate(ctx, req)
	dur := time.Since(start)
	if err != nil {
		inv.logger.Error("invoker: generate failed provider=%s agent=%s err=%v", req.Agent.Provider, req.AgentID, err)
		inv.logInvocation(req, dur, false, err)
		return ApologyText
	}

	inv.logger.Debug("invoker: generated response provider=%s agent=%s duration=%s chars=%d", req.Agent.Provider, req.AgentID, dur, len(text))
	inv.logInvocation(req, dur, true, nil)
	return text
}

func (inv *Invoker) logInvocation(req Request, dur time.Duration, success bool, err error) {
	if l, ok := inv.logger.(invocationLogger); ok {
		l.LogInvocation(req.AgentID, req.Agent.Provider, dur, success, err)
	}
}
