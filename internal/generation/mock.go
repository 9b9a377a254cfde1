package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Placeholder builds the artifact a MockGenerator returns for a stage.
type Placeholder func(req Request) any

// placeholders maps stage id → placeholder output. Stages without an entry
// get a generic markdown note listing their inputs.
var placeholders = map[string]Placeholder{
	"requirements": func(req Request) any {
		brief := req.Prompt
		if brief == "" {
			brief = "No brief supplied."
		}
		return "# Requirements\n\n" + brief + "\n\n- Capacity: TBD\n- Product purity: TBD\n- Site constraints: TBD\n"
	},
	"synthesis": func(req Request) any {
		return map[string]any{
			"process_options": "1. Route A (baseline)\n2. Route B (intensified)",
			"selected_route":  "Route A (baseline)",
		}
	},
	"flowsheet": func(req Request) any {
		return map[string]any{
			"flowsheet": map[string]any{
				"units":   []string{"FEED", "R-101", "E-101", "V-101"},
				"streams": []string{"S1", "S2", "S3", "S4"},
			},
			"stream_table": map[string]any{
				"S1": map[string]any{"T_C": 25, "P_bar": 1.0},
			},
		}
	},
	"costing": func(req Request) any {
		return map[string]any{"currency": "USD", "capex": 0, "opex": 0}
	},
}

// MockGenerator returns deterministic placeholder artifacts without calling
// any service. It records every request and can be told to fail stages.
type MockGenerator struct {
	mu       sync.Mutex
	failures map[string]string
	calls    []Request
	// Hook, when set, runs before the placeholder is produced. A non-nil
	// error is returned as the generation failure.
	Hook func(ctx context.Context, req Request) error
}

// NewMockGenerator creates a mock generator.
func NewMockGenerator() *MockGenerator {
	return &MockGenerator{failures: make(map[string]string)}
}

// FailStage makes every request for stageID fail with message.
func (m *MockGenerator) FailStage(stageID, message string) *MockGenerator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[stageID] = message
	return m
}

// ClearFailures removes all configured failures.
func (m *MockGenerator) ClearFailures() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = make(map[string]string)
}

// Calls returns the requests received so far.
func (m *MockGenerator) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.calls...)
}

// CallCount returns how many requests targeted stageID.
func (m *MockGenerator) CallCount(stageID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.StageID == stageID {
			n++
		}
	}
	return n
}

// Generate returns the placeholder for req.StageID.
func (m *MockGenerator) Generate(ctx context.Context, req Request) (*Response, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	msg, fail := m.failures[req.StageID]
	hook := m.Hook
	m.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, req); err != nil {
			return nil, err
		}
	}
	if fail {
		return nil, &ServiceError{Message: msg}
	}

	build, ok := placeholders[req.StageID]
	if !ok {
		build = genericPlaceholder
	}
	data, err := json.Marshal(build(req))
	if err != nil {
		return nil, fmt.Errorf("encoding placeholder: %w", err)
	}
	return &Response{Status: StatusCompleted, Output: data}, nil
}

func genericPlaceholder(req Request) any {
	keys := make([]string, 0, len(req.Inputs))
	for k := range req.Inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\nGenerated from:\n", req.StageID)
	for _, k := range keys {
		fmt.Fprintf(&sb, "- %s (%d chars)\n", k, len(req.Inputs[k]))
	}
	if len(req.OutputKeys) <= 1 {
		return sb.String()
	}
	parts := make(map[string]string, len(req.OutputKeys))
	for _, key := range req.OutputKeys {
		parts[key] = sb.String()
	}
	return parts
}

// Compile-time interface compliance check.
var _ Generator = (*MockGenerator)(nil)
