// Package agent runs the ReAct loop behind a context: LLM calls with
// provider failover, tool dispatch through toolexecutor and loop control.
//
// Invariants:
// - One run at a time per Runner; history is kept in memory.
// - Tool calls route through toolexecutor only.
// - A tool that calls LoopFromContext(ctx).Stop() ends the run and its
//   output becomes the answer.
//
// Usage:
//
//	runner, _ := agent.NewRunner(agent.Config{...})
//	result, _ := runner.Run(ctx, agent.RunParams{Query: "stratify by age"})
//	_ = result
package agent
