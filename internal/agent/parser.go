// ABOUTME: Parses one model completion into a tool action or a final answer
// ABOUTME: Malformed output yields ErrParse so the loop can ask the model to retry

package agent

import (
	"errors"
	"regexp"
	"strings"
)

// ErrParse is returned when a completion is neither an action nor a final answer.
var ErrParse = errors.New("could not parse model output")

const finalAnswerMarker = "Final Answer:"

var actionPattern = regexp.MustCompile(`(?s)Action\s*\d*\s*:[\s]*(.*?)[\s]*Action\s*\d*\s*Input\s*\d*\s*:[\s]*(.*)`)

// step is the parsed form of a completion.
type step struct {
	Final  bool
	Answer string
	Tool   string
	Input  string
}

func parseStep(text string) (step, error) {
	hasFinal := strings.Contains(text, finalAnswerMarker)
	m := actionPattern.FindStringSubmatch(text)

	switch {
	case m != nil && hasFinal:
		return step{}, errors.Join(ErrParse, errors.New("output contains both a final answer and an action"))
	case m != nil:
		input := strings.TrimSpace(m[2])
		if i := strings.Index(input, "\nObservation"); i >= 0 {
			input = strings.TrimSpace(input[:i])
		}
		input = strings.Trim(input, `"`)
		return step{Tool: strings.TrimSpace(m[1]), Input: input}, nil
	case hasFinal:
		answer := text[strings.LastIndex(text, finalAnswerMarker)+len(finalAnswerMarker):]
		return step{Final: true, Answer: strings.TrimSpace(answer)}, nil
	}

	if !strings.Contains(text, "Action") {
		return step{}, errors.Join(ErrParse, errors.New("missing 'Action:' after 'Thought:'"))
	}
	return step{}, errors.Join(ErrParse, errors.New("missing 'Action Input:' after 'Action:'"))
}
