// ABOUTME: Events emitted by an agent run and the Sink that receives them
// ABOUTME: Mirrors the step/token/terminal callbacks of the planner loop

package agent

// EventKind identifies what an Event carries.
type EventKind int

const (
	EventLog     EventKind = iota // step progress
	EventToken                    // one streamed token
	EventResult                   // final answer (terminal)
	EventFailure                  // run failed (terminal)
)

func (k EventKind) String() string {
	switch k {
	case EventLog:
		return "log"
	case EventToken:
		return "token"
	case EventResult:
		return "result"
	case EventFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Step names carried in the "event" metadata key of log events.
const (
	StepLLMStart    = "llm_start"
	StepAgentAction = "agent_action"
	StepToolStart   = "tool_start"
	StepToolEnd     = "tool_end"
	StepFinish      = "agent_finish"
)

// Event is one unit of run progress.
type Event struct {
	Kind     EventKind
	Text     string
	Metadata map[string]any
	Err      error // set for EventFailure
}

// Terminal reports whether the event ends the run.
func (e Event) Terminal() bool {
	return e.Kind == EventResult || e.Kind == EventFailure
}

// Sink receives run events synchronously, in generation order.
type Sink interface {
	OnEvent(Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

// OnEvent calls f(ev).
func (f SinkFunc) OnEvent(ev Event) { f(ev) }
