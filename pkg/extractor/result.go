package extractor

import (
	"encoding/json"
	"time"

	"github.com/jmylchreest/notemine/pkg/llm"
)

// Note is one input document.
type Note struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Status is the terminal outcome of a note.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// ErrorInfo is the terminal error recorded on a failed result.
type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Span locates a verified grounding excerpt in the note, in bytes.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Result is the outcome of extracting one note.
type Result struct {
	ID        string
	Status    Status
	Fields    map[string]any    // Normalized values; set only on success
	Reasoning string            // Model's rationale
	Grounding map[string]string // Element name to verified excerpt
	Spans     map[string]Span   // Element name to excerpt location
	Error     *ErrorInfo        // Set only on failure
	Attempts  int

	Provider string
	Model    string
	Usage    llm.Usage     // Summed over all attempts
	Latency  time.Duration // Wall time from first attempt to outcome
	Raw      string        // Last raw model output, kept only when requested
}

// OK reports whether the note was extracted successfully.
func (r *Result) OK() bool { return r.Status == StatusSuccess }

// Failed builds a failed result.
func Failed(id string, kind ErrorKind, message string, attempts int) *Result {
	return &Result{
		ID:       id,
		Status:   StatusFailed,
		Error:    &ErrorInfo{Kind: kind, Message: message},
		Attempts: attempts,
	}
}

// resultJSON is the output line layout. fields is present iff the status is
// success and error is present iff it is failed.
type resultJSON struct {
	ID        string            `json:"id"`
	Status    Status            `json:"status"`
	Fields    *map[string]any   `json:"fields,omitempty"`
	Reasoning string            `json:"reasoning"`
	Grounding map[string]string `json:"grounding"`
	Error     *ErrorInfo        `json:"error,omitempty"`
	Attempts  int               `json:"attempts"`

	Spans     map[string]Span `json:"grounding_spans,omitempty"`
	Provider  string          `json:"provider,omitempty"`
	Model     string          `json:"model,omitempty"`
	Usage     *llm.Usage      `json:"usage,omitempty"`
	LatencyMs int64           `json:"latency_ms,omitempty"`
	Raw       string          `json:"raw_response,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (r Result) MarshalJSON() ([]byte, error) {
	out := resultJSON{
		ID:        r.ID,
		Status:    r.Status,
		Reasoning: r.Reasoning,
		Grounding: r.Grounding,
		Attempts:  r.Attempts,
		Spans:     r.Spans,
		Provider:  r.Provider,
		Model:     r.Model,
		LatencyMs: r.Latency.Milliseconds(),
		Raw:       r.Raw,
	}
	if out.Grounding == nil {
		out.Grounding = map[string]string{}
	}
	if r.Status == StatusSuccess {
		fields := r.Fields
		if fields == nil {
			fields = map[string]any{}
		}
		out.Fields = &fields
	} else {
		out.Error = r.Error
	}
	if r.Usage != (llm.Usage{}) {
		usage := r.Usage
		out.Usage = &usage
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Result) UnmarshalJSON(data []byte) error {
	var in resultJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*r = Result{
		ID:        in.ID,
		Status:    in.Status,
		Reasoning: in.Reasoning,
		Grounding: in.Grounding,
		Spans:     in.Spans,
		Error:     in.Error,
		Attempts:  in.Attempts,
		Provider:  in.Provider,
		Model:     in.Model,
		Latency:   time.Duration(in.LatencyMs) * time.Millisecond,
		Raw:       in.Raw,
	}
	if in.Fields != nil {
		r.Fields = *in.Fields
	}
	if in.Usage != nil {
		r.Usage = *in.Usage
	}
	return nil
}
