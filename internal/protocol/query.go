// ABOUTME: Inbound payload parsing and validation for client queries
// ABOUTME: Produces a Query or a ValidationError; heartbeat acks are recognized separately

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ErrValidation is the sentinel wrapped by every ValidationError.
var ErrValidation = errors.New("validation error")

// ValidationError describes why an inbound payload was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Inbound is the raw shape of a client frame.
type Inbound struct {
	Type      string  `json:"type,omitempty"`
	Query     *string `json:"query,omitempty"`
	SessionID string  `json:"session_id,omitempty"`
}

// Query is a validated client query.
type Query struct {
	Text      string
	SessionID string
}

// Rules holds the validation limits applied to queries.
type Rules struct {
	MinLength    int
	MaxLength    int
	BlockedTerms []string
}

// DefaultRules returns the limits used when none are configured.
func DefaultRules() Rules {
	return Rules{
		MinLength:    3,
		MaxLength:    1000,
		BlockedTerms: []string{"hack", "crack", "piracy", "illegal"},
	}
}

// IsHeartbeatAck reports whether a raw frame is a client heartbeat acknowledgement.
// Acks carry no query and are only used as a liveness signal.
func IsHeartbeatAck(raw []byte) bool {
	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return false
	}
	return in.Query == nil && (in.Type == string(TypeHeartbeat) || in.Type == "pong")
}

// ParseQuery decodes and validates an inbound query payload.
func ParseQuery(raw []byte, rules Rules) (*Query, error) {
	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, &ValidationError{Reason: "invalid JSON: " + err.Error()}
	}
	if in.Query == nil {
		return nil, &ValidationError{Field: "query", Reason: "field required"}
	}

	text := strings.TrimSpace(*in.Query)
	if text == "" {
		return nil, &ValidationError{Field: "query", Reason: "query cannot be empty"}
	}
	n := utf8.RuneCountInString(text)
	if rules.MinLength > 0 && n < rules.MinLength {
		return nil, &ValidationError{Field: "query", Reason: fmt.Sprintf("query must be at least %d characters long", rules.MinLength)}
	}
	if rules.MaxLength > 0 && n > rules.MaxLength {
		return nil, &ValidationError{Field: "query", Reason: fmt.Sprintf("query cannot exceed %d characters", rules.MaxLength)}
	}

	lower := strings.ToLower(text)
	for _, term := range rules.BlockedTerms {
		if term != "" && strings.Contains(lower, strings.ToLower(term)) {
			return nil, &ValidationError{Field: "query", Reason: "query contains inappropriate content"}
		}
	}

	sessionID := strings.TrimSpace(in.SessionID)
	if len(sessionID) > 128 {
		return nil, &ValidationError{Field: "session_id", Reason: "session_id too long"}
	}

	return &Query{Text: text, SessionID: sessionID}, nil
}
