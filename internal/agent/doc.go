// Package agent runs the PC build planner's reasoning loop for one query.
//
// # Overview
//
// An Invoker drives a ReAct-style loop: each iteration streams one model
// completion, then either finishes with a final answer or calls a tool and
// feeds the observation back into the next iteration. The loop is bounded by
// a maximum iteration count and an overall run timeout.
//
// # Events
//
// Progress is reported synchronously, in generation order, to a Sink:
//
//   - EventLog: step progress (llm_start, agent_action, tool_start, tool_end)
//   - EventToken: one streamed model token
//   - EventResult: the final answer (terminal)
//   - EventFailure: the run failed (terminal)
//
// Exactly one terminal event is emitted per Run.
//
// # Errors
//
//   - ErrIterationLimitExceeded: no final answer within the iteration bound
//   - ToolError: a tool failed after its own retry policy was exhausted
//   - ErrModel: the model backend failed
//   - ErrRunTimeout: the run exceeded its deadline
//
// A cancelled context ends the run at the next iteration boundary (or sooner,
// if the model or tool honors the context) with the context's error.
package agent
