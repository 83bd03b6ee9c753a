// Package session owns exactly one external agent-process invocation end to
// end: spawning, structured output parsing, and exit handling.
package session

import "encoding/json"

// Message is one parsed line of the agent's line-delimited JSON output.
type Message struct {
	Type       string  `json:"type"`
	Subtype    string  `json:"subtype,omitempty"`
	Message    string  `json:"message,omitempty"`
	Result     string  `json:"result,omitempty"`
	SessionID  string  `json:"session_id,omitempty"`
	IsError    bool    `json:"is_error,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Usage      *Usage  `json:"usage,omitempty"`

	// Raw is the original line as emitted by the process.
	Raw string `json:"-"`
}

// Usage mirrors the token counters the agent reports on its result message.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// IsResult reports whether this is the agent's final structured result.
func (m *Message) IsResult() bool {
	return m.Type == "result"
}

// ResultText returns the result payload, falling back to the message field
// for agents that emit the older shape.
func (m *Message) ResultText() string {
	if m.Result != "" {
		return m.Result
	}
	return m.Message
}

func parseLine(line string) (*Message, error) {
	var msg Message
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return nil, err
	}
	msg.Raw = line
	return &msg, nil
}
