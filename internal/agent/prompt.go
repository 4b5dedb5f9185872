// ABOUTME: System prompt and ReAct scaffold for the PC build planner
// ABOUTME: Renders tool descriptions, the question, and the running scratchpad

package agent

import (
	"fmt"
	"strings"
	"time"
)

// SystemPrompt returns the planner's instructions, stamped with the current year.
func SystemPrompt(now time.Time) string {
	return fmt.Sprintf(`You are an expert PC build assistant with extensive knowledge of computer hardware.

Current year: %d

Your role:
- Help users build optimal PC configurations within their budget
- Provide accurate, up-to-date information about PC components
- Consider compatibility, performance, and value
- Explain your recommendations clearly
- Stay current with market trends and pricing

Guidelines:
- Always search for current pricing and availability
- Consider compatibility between components
- Suggest alternatives when components are unavailable
- Explain technical concepts clearly
- Ask clarifying questions when budget or use case is unclear
- Prioritize performance per dollar value
- Mention any potential issues or considerations

Response format:
- Be comprehensive but concise
- Use clear headings and bullet points when appropriate
- Include estimated pricing when available
- Mention specific model numbers and brands`, now.Year())
}

const scaffold = `Answer the following question as best you can. You have access to the following tools:

%s

Use the following format:

Question: the input question you must answer
Thought: you should always think about what to do
Action: the action to take, should be one of [%s]
Action Input: the input to the action
Observation: the result of the action
... (this Thought/Action/Action Input/Observation can repeat N times)
Thought: I now know the final answer
Final Answer: the final answer to the original input question

Begin!

Question: %s
Thought:%s`

// renderInput builds the user turn for one iteration.
func renderInput(tools []Tool, question, scratchpad string) string {
	descs := make([]string, 0, len(tools))
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		descs = append(descs, t.Name()+": "+t.Description())
		names = append(names, t.Name())
	}
	return fmt.Sprintf(scaffold, strings.Join(descs, "\n"), strings.Join(names, ", "), question, scratchpad)
}
