// ABOUTME: Invoker runs one query through the bounded planner loop
// ABOUTME: Streams progress into a Sink and emits exactly one terminal event per run

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

var (
	// ErrIterationLimitExceeded means the loop hit its bound without a final answer.
	ErrIterationLimitExceeded = errors.New("agent stopped due to iteration limit")

	// ErrModel wraps failures from the model backend.
	ErrModel = errors.New("model error")

	// ErrRunTimeout means the run exceeded its deadline.
	ErrRunTimeout = errors.New("agent processing timed out")
)

// Config bounds an agent run.
type Config struct {
	MaxIterations int
	RunTimeout    time.Duration
}

// Request is one query against a session's conversation.
type Request struct {
	QueryID   string
	SessionID string
	Query     string
	History   []Message
}

// Outcome summarizes a finished run.
type Outcome struct {
	Output     string
	Iterations int
	ToolCalls  int
	Duration   time.Duration
	Err        error
}

// Invoker drives the planner loop. It is safe for concurrent use; each Run
// keeps its own scratchpad.
type Invoker struct {
	model  Model
	tools  []Tool
	byName map[string]Tool
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewInvoker creates an Invoker.
func NewInvoker(model Model, tools []Tool, cfg Config, logger *slog.Logger) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 10
	}
	byName := make(map[string]Tool, len(tools))
	for _, t := range tools {
		byName[t.Name()] = t
	}
	return &Invoker{
		model:  model,
		tools:  tools,
		byName: byName,
		cfg:    cfg,
		logger: logger.With("component", "agent"),
		now:    time.Now,
	}
}

// ModelName returns the name of the backing model.
func (inv *Invoker) ModelName() string {
	return inv.model.Name()
}

// Run processes req, reporting progress to sink. The returned Outcome's Err
// matches the terminal event: nil after EventResult, non-nil after EventFailure.
func (inv *Invoker) Run(ctx context.Context, req Request, sink Sink) Outcome {
	start := inv.now()
	logger := inv.logger.With("session_id", req.SessionID, "query_id", req.QueryID)

	runCtx := ctx
	if inv.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, inv.cfg.RunTimeout)
		defer cancel()
	}

	logger.Info("processing query", "query_length", len(req.Query), "history", len(req.History))

	out := inv.loop(runCtx, req, sink, logger)
	out.Duration = inv.now().Sub(start)

	// Distinguish our own deadline from the caller going away.
	if out.Err != nil && ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		out.Err = fmt.Errorf("%w after %s", ErrRunTimeout, inv.cfg.RunTimeout)
	}

	if out.Err != nil {
		logger.Error("query processing failed",
			"error", out.Err, "iterations", out.Iterations, "processing_time", out.Duration)
		sink.OnEvent(Event{Kind: EventFailure, Text: out.Err.Error(), Err: out.Err})
		return out
	}

	logger.Info("query processed successfully",
		"iterations", out.Iterations, "processing_time", out.Duration, "output_length", len(out.Output))
	sink.OnEvent(Event{
		Kind: EventResult,
		Text: out.Output,
		Metadata: map[string]any{
			"event":      StepFinish,
			"iterations": out.Iterations,
		},
	})
	return out
}

func (inv *Invoker) loop(ctx context.Context, req Request, sink Sink, logger *slog.Logger) Outcome {
	var out Outcome
	var scratchpad strings.Builder
	system := SystemPrompt(inv.now())

	for out.Iterations < inv.cfg.MaxIterations {
		// Iteration boundary: a closed connection stops the run here.
		if err := ctx.Err(); err != nil {
			out.Err = err
			return out
		}
		out.Iterations++

		sink.OnEvent(Event{
			Kind:     EventLog,
			Text:     "AI is thinking about your PC build request...",
			Metadata: map[string]any{"event": StepLLMStart, "iteration": out.Iterations},
		})

		prompt := Prompt{
			System:  system,
			History: req.History,
			Input:   renderInput(inv.tools, req.Query, scratchpad.String()),
			Stop:    []string{"\nObservation:"},
		}
		text, err := inv.model.Stream(ctx, prompt, func(tok string) {
			sink.OnEvent(Event{Kind: EventToken, Text: tok})
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				out.Err = ctxErr
			} else {
				out.Err = fmt.Errorf("%w: %w", ErrModel, err)
			}
			return out
		}

		st, err := parseStep(text)
		if err != nil {
			logger.Warn("agent parsing error", "iteration", out.Iterations, "error", err)
			scratchpad.WriteString(text)
			scratchpad.WriteString("\nObservation: Invalid Format: ")
			scratchpad.WriteString(strings.TrimPrefix(err.Error(), ErrParse.Error()+"\n"))
			scratchpad.WriteString("\nThought:")
			continue
		}

		if st.Final {
			out.Output = st.Answer
			return out
		}

		sink.OnEvent(Event{
			Kind:     EventLog,
			Text:     "Action: " + st.Tool,
			Metadata: map[string]any{"event": StepAgentAction, "tool": st.Tool, "input": st.Input},
		})

		observation, err := inv.callTool(ctx, st, sink, logger)
		if err != nil {
			out.Err = err
			return out
		}
		out.ToolCalls++

		scratchpad.WriteString(text)
		scratchpad.WriteString("\nObservation: ")
		scratchpad.WriteString(observation)
		scratchpad.WriteString("\nThought:")
	}

	out.Err = fmt.Errorf("%w (%d)", ErrIterationLimitExceeded, inv.cfg.MaxIterations)
	return out
}

// callTool runs the named tool. Unknown tools produce an observation telling
// the model which tools exist; tool failures end the run.
func (inv *Invoker) callTool(ctx context.Context, st step, sink Sink, logger *slog.Logger) (string, error) {
	tool, ok := inv.byName[st.Tool]
	if !ok {
		names := make([]string, 0, len(inv.tools))
		for _, t := range inv.tools {
			names = append(names, t.Name())
		}
		return fmt.Sprintf("%s is not a valid tool, try one of [%s].", st.Tool, strings.Join(names, ", ")), nil
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}

	logger.Info("tool started", "tool", tool.Name(), "input", st.Input)
	sink.OnEvent(Event{
		Kind:     EventLog,
		Text:     "Searching for: " + st.Input,
		Metadata: map[string]any{"event": StepToolStart, "tool": tool.Name()},
	})

	observation, err := tool.Call(ctx, st.Input)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", &ToolError{Tool: tool.Name(), Input: st.Input, Err: err}
	}

	logger.Info("tool finished", "tool", tool.Name())
	sink.OnEvent(Event{
		Kind:     EventLog,
		Text:     "Search completed, analyzing results...",
		Metadata: map[string]any{"event": StepToolEnd, "tool": tool.Name()},
	})
	return observation, nil
}
