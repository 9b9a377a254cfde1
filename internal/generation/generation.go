// Package generation is the boundary to the external generation service that
// produces stage artifacts. The engine treats it as opaque: one request per
// stage run, one response carrying either the artifact or a failure message.
package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

// Response status values.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ModelConfig is the model selection forwarded to the service. The API key
// travels as a transport credential and is never part of the request body.
type ModelConfig struct {
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	APIKey   string `json:"-"`
}

// Request asks the service to run one stage.
type Request struct {
	StageID     string            `json:"stageId"`
	Inputs      map[string]string `json:"inputs"`
	ModelConfig ModelConfig       `json:"modelConfig"`
	OutputKeys  []string          `json:"outputKeys,omitempty"`
	Prompt      string            `json:"prompt,omitempty"`
}

// Response is the service reply. Output may be a JSON string or any JSON value.
type Response struct {
	Status  string          `json:"status"`
	Output  json.RawMessage `json:"output,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Generator runs one stage on the generation service.
//
// Implementations return an error for transport failures and for responses
// whose status is not "completed".
type Generator interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// ServiceError is a failure reported by the service or its transport.
type ServiceError struct {
	StatusCode int // HTTP status, 0 when not applicable
	Message    string
}

func (e *ServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("generation service returned HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("generation failed: %s", e.Message)
}

// Text returns the output as a string: JSON strings are unquoted, any other
// JSON value is returned as compact JSON text.
func (r *Response) Text() (string, error) {
	if len(r.Output) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(r.Output, &s); err == nil {
		return s, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, r.Output); err != nil {
		return "", fmt.Errorf("decoding output: %w", err)
	}
	return buf.String(), nil
}

// Split maps the output onto the given keys. A single key receives the whole
// output. Several keys require a JSON object carrying every key; string
// members are unquoted, other members are kept as JSON text.
func (r *Response) Split(keys []string) (map[string]string, error) {
	if len(keys) == 1 {
		text, err := r.Text()
		if err != nil {
			return nil, err
		}
		return map[string]string{keys[0]: text}, nil
	}

	var members map[string]json.RawMessage
	if err := json.Unmarshal(r.Output, &members); err != nil {
		return nil, fmt.Errorf("output must be an object with keys %v: %w", keys, err)
	}
	out := make(map[string]string, len(keys))
	for _, key := range keys {
		raw, ok := members[key]
		if !ok {
			return nil, fmt.Errorf("output is missing key %q", key)
		}
		part := Response{Output: raw}
		text, err := part.Text()
		if err != nil {
			return nil, fmt.Errorf("output key %q: %w", key, err)
		}
		out[key] = text
	}
	return out, nil
}
