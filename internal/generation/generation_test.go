package generation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponse_Split(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		output  string
		keys    []string
		want    map[string]string
		wantErr string
	}{
		"single key string": {
			output: `"hello"`,
			keys:   []string{"a"},
			want:   map[string]string{"a": "hello"},
		},
		"single key json object kept as text": {
			output: `{"x": 1,  "y": [1, 2]}`,
			keys:   []string{"a"},
			want:   map[string]string{"a": `{"x":1,"y":[1,2]}`},
		},
		"single key empty output": {
			output: ``,
			keys:   []string{"a"},
			want:   map[string]string{"a": ""},
		},
		"multiple keys": {
			output: `{"a": "text", "b": {"n": 2}, "extra": "ignored"}`,
			keys:   []string{"a", "b"},
			want:   map[string]string{"a": "text", "b": `{"n":2}`},
		},
		"multiple keys missing one": {
			output:  `{"a": "text"}`,
			keys:    []string{"a", "b"},
			wantErr: `missing key "b"`,
		},
		"multiple keys not an object": {
			output:  `"flat"`,
			keys:    []string{"a", "b"},
			wantErr: "must be an object",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			r := &Response{Status: StatusCompleted, Output: json.RawMessage(tc.output)}
			got, err := r.Split(tc.keys)
			if tc.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestHTTPGenerator_Generate(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		status     int
		body       string
		wantErr    bool
		wantCode   int
		wantMsg    string
		wantOutput string
	}{
		"completed": {
			status:     http.StatusOK,
			body:       `{"status":"completed","output":"done"}`,
			wantOutput: "done",
		},
		"service reports failure": {
			status:  http.StatusOK,
			body:    `{"status":"failed","message":"solver diverged"}`,
			wantErr: true,
			wantMsg: "solver diverged",
		},
		"non 2xx with message": {
			status:   http.StatusBadGateway,
			body:     `{"status":"failed","message":"upstream down"}`,
			wantErr:  true,
			wantCode: http.StatusBadGateway,
			wantMsg:  "upstream down",
		},
		"non 2xx plain body": {
			status:   http.StatusInternalServerError,
			body:     `boom`,
			wantErr:  true,
			wantCode: http.StatusInternalServerError,
			wantMsg:  "boom",
		},
		"unknown status": {
			status:  http.StatusOK,
			body:    `{"status":"queued"}`,
			wantErr: true,
			wantMsg: "unexpected response status",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			var mu sync.Mutex
			var got Request
			var auth string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				data, _ := io.ReadAll(r.Body)
				mu.Lock()
				auth = r.Header.Get("Authorization")
				_ = json.Unmarshal(data, &got)
				mu.Unlock()
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			g := NewHTTPGenerator(srv.URL, false)
			resp, err := g.Generate(context.Background(), Request{
				StageID:     "research",
				Inputs:      map[string]string{"requirements": "r"},
				ModelConfig: ModelConfig{Provider: "p", Model: "m", APIKey: "sk-123"},
			})

			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, "research", got.StageID)
			assert.Equal(t, "r", got.Inputs["requirements"])
			assert.Equal(t, "m", got.ModelConfig.Model)
			assert.Empty(t, got.ModelConfig.APIKey, "api key must not be in the body")
			assert.Equal(t, "Bearer sk-123", auth)

			if tc.wantErr {
				require.Error(t, err)
				var svcErr *ServiceError
				require.True(t, errors.As(err, &svcErr))
				assert.Equal(t, tc.wantCode, svcErr.StatusCode)
				assert.Contains(t, svcErr.Message, tc.wantMsg)
				return
			}
			require.NoError(t, err)
			text, err := resp.Text()
			require.NoError(t, err)
			assert.Equal(t, tc.wantOutput, text)
		})
	}
}

func TestHTTPGenerator_TransportError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewHTTPGenerator(url, false).Generate(context.Background(), Request{StageID: "x"})
	assert.Error(t, err)

	_, err = NewHTTPGenerator("", false).Generate(context.Background(), Request{StageID: "x"})
	assert.ErrorContains(t, err, "not configured")
}

func TestMockGenerator(t *testing.T) {
	t.Parallel()

	m := NewMockGenerator()

	resp, err := m.Generate(context.Background(), Request{
		StageID:    "synthesis",
		OutputKeys: []string{"process_options", "selected_route"},
	})
	require.NoError(t, err)
	parts, err := resp.Split([]string{"process_options", "selected_route"})
	require.NoError(t, err)
	assert.Equal(t, "Route A (baseline)", parts["selected_route"])

	resp, err = m.Generate(context.Background(), Request{
		StageID:    "custom",
		Inputs:     map[string]string{"x": "abc"},
		OutputKeys: []string{"k1", "k2"},
	})
	require.NoError(t, err)
	parts, err = resp.Split([]string{"k1", "k2"})
	require.NoError(t, err)
	assert.Contains(t, parts["k1"], "x (3 chars)")

	m.FailStage("research", "no network")
	_, err = m.Generate(context.Background(), Request{StageID: "research"})
	var svcErr *ServiceError
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, "no network", svcErr.Message)

	assert.Equal(t, 1, m.CallCount("research"))
	assert.Len(t, m.Calls(), 3)

	m.ClearFailures()
	_, err = m.Generate(context.Background(), Request{StageID: "research"})
	assert.NoError(t, err)
}
