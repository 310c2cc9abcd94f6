// Package beakertest provides a scripted kernel, an event recorder and
// ready-made dependencies for context tests.
package beakertest

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/harun/askem/pkg/agent"
	"github.com/harun/askem/pkg/agent/agenttest"
	"github.com/harun/askem/pkg/beaker"
	"github.com/harun/askem/pkg/fewshot"
	"github.com/harun/askem/pkg/hmi"
	"github.com/harun/askem/pkg/hmi/hmitest"
	"github.com/harun/askem/pkg/kernel"
	"github.com/harun/askem/pkg/templates"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type rule struct {
	substr string
	result kernel.ExecutionResult
}

// Executor is a kernel.Executor that answers by the first rule whose
// substring occurs in the code. Unmatched code returns an empty "ok" result.
type Executor struct {
	Name string
	ID   string

	mu    sync.Mutex
	rules []rule
	codes []string
}

// NewExecutor returns an executor for kernelName.
func NewExecutor(kernelName string) *Executor {
	return &Executor{Name: kernelName, ID: "kernel-1"}
}

// On adds a rule.
func (e *Executor) On(substr string, res kernel.ExecutionResult) *Executor {
	e.mu.Lock()
	e.rules = append(e.rules, rule{substr: substr, result: res})
	e.mu.Unlock()
	return e
}

// Execute implements kernel.Executor.
func (e *Executor) Execute(ctx context.Context, code string) (*kernel.ExecutionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.codes = append(e.codes, code)
	for _, r := range e.rules {
		if strings.Contains(code, r.substr) {
			res := r.result
			return &res, nil
		}
	}
	return &kernel.ExecutionResult{Status: "ok"}, nil
}

func (e *Executor) KernelID() string   { return e.ID }
func (e *Executor) KernelName() string { return e.Name }

// Codes returns the executed code, in order.
func (e *Executor) Codes() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.codes...)
}

// Return is a successful result with a text/plain return value.
func Return(text string) kernel.ExecutionResult {
	return kernel.ExecutionResult{Status: "ok", Return: text}
}

// Stdout is a successful result that printed text.
func Stdout(text string) kernel.ExecutionResult {
	return kernel.ExecutionResult{Status: "ok", Stdout: text}
}

// Raise is a result carrying a kernel exception.
func Raise(ename, evalue string) kernel.ExecutionResult {
	return kernel.ExecutionResult{
		Status: "error",
		Error:  &kernel.ExecutionError{EName: ename, EValue: evalue},
	}
}

// Events records context events.
type Events struct {
	mu     sync.Mutex
	events []beaker.Event
}

// Sink implements beaker.EventSink.
func (r *Events) Sink(_ context.Context, ev beaker.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Types returns the recorded event types, in order.
func (r *Events) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

// Last returns the most recent event of type eventType.
func (r *Events) Last(eventType string) (beaker.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == eventType {
			return r.events[i], true
		}
	}
	return beaker.Event{}, false
}

// Env is a test environment for one context.
type Env struct {
	Kernel   *Executor
	HMI      *hmitest.Server
	LLM      *agenttest.Provider
	Events   *Events
	Examples *fewshot.Store
	Deps     beaker.Deps
}

// NewEnv wires an executor, a fake HMI server, a scripted LLM and an
// in-memory example store.
func NewEnv(t testing.TB, exec *Executor, script ...agenttest.Responder) *Env {
	t.Helper()

	srv := hmitest.NewServer(t)
	client, err := hmi.NewClient(hmi.Config{
		BaseURL:  srv.URL,
		Username: hmitest.Username,
		Password: hmitest.Password,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	store, err := fewshot.Open(fewshot.Config{DBPath: ":memory:", Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	llm := agenttest.NewProvider(script...)
	events := &Events{}
	return &Env{
		Kernel:   exec,
		HMI:      srv,
		LLM:      llm,
		Events:   events,
		Examples: store,
		Deps: beaker.Deps{
			Executor:  exec,
			Templates: templates.New(templates.Config{Logger: zerolog.Nop()}),
			HMI:       client,
			Examples:  store,
			Agent: beaker.AgentSettings{
				Config:          agent.AgentConfig{Model: "test-model"},
				Profiles:        agenttest.Profiles("primary"),
				ProviderFactory: agenttest.Factory{"primary": llm},
			},
			Sink:   events.Sink,
			Logger: zerolog.Nop(),
		},
	}
}
