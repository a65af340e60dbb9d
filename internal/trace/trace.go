package trace

import (
	"encoding/json"
	"time"
	"unicode/utf8"
)

// Kind identifies what a history record describes.
type Kind string

const (
	KindThought      Kind = "thought"
	KindToolCall     Kind = "tool_call"
	KindTextResponse Kind = "text_response"
	KindChainStep    Kind = "chain_step"
	KindIteration    Kind = "iteration"
	KindAttempt      Kind = "attempt"
	KindNode         Kind = "node"
)

// Record is one append-only entry in an execution history. Records are
// audit data: strategies never consult them for control decisions.
type Record struct {
	Seq       int                    `json:"seq"`
	Kind      Kind                   `json:"kind"`
	Name      string                 `json:"name,omitempty"`
	Args      map[string]interface{} `json:"args,omitempty"`
	Result    string                 `json:"result,omitempty"`
	Thought   string                 `json:"thought,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// History accumulates records for one in-flight execution. It is owned
// by exactly one invocation and handed to the caller at completion.
type History struct {
	records []Record
}

// Append adds a record, assigning the next sequence number and timestamp.
func (h *History) Append(rec Record) {
	rec.Seq = len(h.records) + 1
	rec.Timestamp = time.Now()
	h.records = append(h.records, rec)
}

// Records returns the ordered history.
func (h *History) Records() []Record {
	return h.records
}

// Len returns the number of records.
func (h *History) Len() int { return len(h.records) }

// MarshalJSON emits the ordered record list so histories survive the
// trip through API responses and the run archive.
func (h *History) MarshalJSON() ([]byte, error) {
	if h.records == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(h.records)
}

// UnmarshalJSON restores a history from its record list.
func (h *History) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &h.records)
}

// Truncate shortens s to at most max bytes, marking the cut. The cut
// never splits a UTF-8 rune.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
