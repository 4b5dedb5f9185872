// ABOUTME: Maps internal errors onto the stable codes carried by error messages
// ABOUTME: One place decides what a client sees for each failure class

package stream

import (
	"context"
	"errors"

	"github.com/2389/rig-gateway/internal/agent"
	"github.com/2389/rig-gateway/internal/protocol"
)

// ErrorCode returns the wire code for err.
func ErrorCode(err error) string {
	var toolErr *agent.ToolError
	switch {
	case errors.Is(err, protocol.ErrValidation):
		return protocol.CodeValidation
	case errors.Is(err, agent.ErrIterationLimitExceeded):
		return protocol.CodeIterationLimitExceeded
	case errors.As(err, &toolErr):
		return protocol.CodeToolError
	case errors.Is(err, agent.ErrRunTimeout):
		return protocol.CodeTimeout
	case errors.Is(err, ErrBackpressure):
		return protocol.CodeBackpressure
	default:
		return protocol.CodeAgentError
	}
}

// ErrorContent returns the human-readable text for an error message.
func ErrorContent(err error) string {
	var toolErr *agent.ToolError
	switch {
	case errors.Is(err, protocol.ErrValidation):
		return "Invalid query: " + err.Error()
	case errors.As(err, &toolErr):
		return "Search error: " + toolErr.Err.Error()
	case errors.Is(err, agent.ErrIterationLimitExceeded), errors.Is(err, agent.ErrRunTimeout):
		return err.Error()
	case errors.Is(err, context.Canceled):
		return "Processing cancelled"
	default:
		return "Processing error: " + err.Error()
	}
}

// ErrorMessage builds the error message a client receives for err.
func ErrorMessage(err error) *protocol.Message {
	return protocol.NewError(ErrorCode(err), ErrorContent(err))
}
