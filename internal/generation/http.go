package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 32 << 20

// HTTPGenerator posts stage requests to a JSON endpoint.
//
// No client timeout is set: a stalled service call stalls the stage, and the
// caller's context is the only way to give up on it.
type HTTPGenerator struct {
	Endpoint string       // full URL of the generate endpoint
	Client   *http.Client // nil uses a client without timeout
	Debug    bool
	Out      io.Writer // debug output, defaults to stderr
}

// NewHTTPGenerator creates a generator for the given endpoint URL.
func NewHTTPGenerator(endpoint string, debug bool) *HTTPGenerator {
	return &HTTPGenerator{
		Endpoint: endpoint,
		Client:   &http.Client{},
		Debug:    debug,
	}
}

func (g *HTTPGenerator) debugLog(format string, args ...interface{}) {
	if !g.Debug {
		return
	}
	out := g.Out
	if out == nil {
		out = os.Stderr
	}
	fmt.Fprintf(out, "[DEBUG][HTTPGenerator] "+format+"\n", args...)
}

// Generate posts req and decodes the service reply. Non-2xx statuses and
// "failed" replies are returned as *ServiceError.
func (g *HTTPGenerator) Generate(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(g.Endpoint) == "" {
		return nil, fmt.Errorf("generation endpoint is not configured")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if req.ModelConfig.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.ModelConfig.APIKey)
	}

	client := g.Client
	if client == nil {
		client = &http.Client{}
	}

	g.debugLog("POST %s stage=%s inputs=%d", g.Endpoint, req.StageID, len(req.Inputs))
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling generation service: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading generation response: %w", err)
	}
	g.debugLog("stage=%s status=%d bytes=%d", req.StageID, resp.StatusCode, len(data))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ServiceError{StatusCode: resp.StatusCode, Message: errorMessage(data, resp.Status)}
	}

	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decoding generation response: %w", err)
	}
	switch out.Status {
	case StatusCompleted:
		return &out, nil
	case StatusFailed:
		msg := out.Message
		if msg == "" {
			msg = "service reported failure"
		}
		return nil, &ServiceError{Message: msg}
	default:
		return nil, &ServiceError{Message: fmt.Sprintf("unexpected response status %q", out.Status)}
	}
}

// errorMessage extracts a message from an error body, falling back to the
// HTTP status line.
func errorMessage(body []byte, fallback string) string {
	var r Response
	if err := json.Unmarshal(body, &r); err == nil && r.Message != "" {
		return r.Message
	}
	text := strings.TrimSpace(string(body))
	if text == "" {
		return fallback
	}
	if len(text) > 200 {
		text = text[:200] + "..."
	}
	return text
}

// Compile-time interface compliance check.
var _ Generator = (*HTTPGenerator)(nil)
