package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ariel-frischer/chemflow/internal/generation"
	"github.com/ariel-frischer/chemflow/internal/stages"
	"github.com/ariel-frischer/chemflow/internal/state"
	"github.com/ariel-frischer/chemflow/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	srv *Server
	wf  *state.Workflow
	gen *generation.MockGenerator
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	reg, err := stages.New([]stages.Stage{
		{ID: "A", OutputKeys: []string{"a"}},
		{ID: "B", DependsOn: []string{"A"}, Inputs: []string{"a"}, OutputKeys: []string{"b"}},
		{ID: "C", DependsOn: []string{"B"}, Inputs: []string{"b"}, OutputKeys: []string{"c"}},
	})
	require.NoError(t, err)

	wf := state.New(reg)
	wf.SetModelConfig(state.ModelConfig{Provider: "acme", Model: "m1", APIKey: "sk-secret"})
	gen := generation.NewMockGenerator()
	exec := workflow.NewStageExecutor(wf, gen, workflow.StageExecutorOptions{Out: io.Discard})
	turbo := workflow.NewTurboPipeline(exec, workflow.TurboOptions{Out: io.Discard})
	return &testServer{
		srv: New(exec, turbo, Options{Out: io.Discard}),
		wf:  wf,
		gen: gen,
	}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	ts.srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestGetState(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/state", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "sk-secret")

	view := decode[stateView](t, rec)
	assert.Equal(t, 0, view.CurrentStageIndex)
	require.Len(t, view.Stages, 3)
	assert.Equal(t, state.StagePending, view.Stages[1].Status)
	assert.Equal(t, []string{"a"}, view.Stages[1].MissingInputs)
	assert.True(t, view.ModelConfig.APIKeySet)
	assert.Equal(t, "acme", view.ModelConfig.Provider)
	assert.Len(t, view.Outputs, 3)
}

func TestGetStages(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/stages", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]stages.Stage](t, rec)
	require.Len(t, list, 3)
	assert.Equal(t, "B", list[1].ID)
	assert.Equal(t, []string{"a"}, list[1].Inputs)
}

func TestRunStage(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		setup    func(ts *testServer)
		path     string
		body     string
		wantCode int
		wantKind string
	}{
		"first stage": {
			path:     "/api/stages/0/run",
			body:     `{"prompt":"ammonia plant"}`,
			wantCode: http.StatusOK,
		},
		"by stage id": {
			path:     "/api/stages/A/run",
			wantCode: http.StatusOK,
		},
		"missing dependency": {
			path:     "/api/stages/1/run",
			wantCode: http.StatusUnprocessableEntity,
			wantKind: "missing_dependency",
		},
		"unknown stage": {
			path:     "/api/stages/9/run",
			wantCode: http.StatusNotFound,
			wantKind: "unknown_stage",
		},
		"generation failure": {
			setup:    func(ts *testServer) { ts.gen.FailStage("A", "service down") },
			path:     "/api/stages/0/run",
			wantCode: http.StatusBadGateway,
			wantKind: "generation_failure",
		},
		"malformed body": {
			path:     "/api/stages/0/run",
			body:     `{"prompt":`,
			wantCode: http.StatusBadRequest,
			wantKind: "bad_request",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			ts := newTestServer(t)
			if tc.setup != nil {
				tc.setup(ts)
			}
			rec := ts.do(t, http.MethodPost, tc.path, tc.body)
			require.Equal(t, tc.wantCode, rec.Code, rec.Body.String())
			if tc.wantKind != "" {
				body := decode[errorBody](t, rec)
				assert.Equal(t, tc.wantKind, body.Kind)
				assert.NotEmpty(t, body.Error)
				return
			}

			got := decode[struct {
				Stage   stageView               `json:"stage"`
				Outputs map[string]state.Output `json:"outputs"`
			}](t, rec)
			assert.Equal(t, state.StageNeedsReview, got.Stage.Status)
			assert.Equal(t, state.OutputNeedsReview, got.Outputs["a"].Status)
			assert.NotEmpty(t, got.Outputs["a"].Value)
		})
	}
}

func TestRunStage_ForwardsPrompt(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/stages/0/run", `{"prompt":"ammonia plant"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	calls := ts.gen.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "ammonia plant", calls[0].Prompt)
}

func TestRunStage_ClientDisconnectDoesNotAbortGeneration(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	ts.gen.Hook = func(genCtx context.Context, req generation.Request) error {
		cancel()
		return genCtx.Err()
	}

	req := httptest.NewRequest(http.MethodPost, "/api/stages/0/run", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	ts.srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, state.StageNeedsReview, ts.wf.StageStatus(0))
}

func TestConfirmStage(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/stages/0/confirm", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code, "pending stages cannot be confirmed")

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/stages/0/run", "").Code)
	rec = ts.do(t, http.MethodPost, "/api/stages/0/confirm", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	got := decode[struct {
		Stage             stageView `json:"stage"`
		CurrentStageIndex int       `json:"currentStageIndex"`
	}](t, rec)
	assert.Equal(t, state.StageComplete, got.Stage.Status)
	assert.Equal(t, 1, got.CurrentStageIndex)
}

func TestEditOutput(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	for _, idx := range []string{"0", "1"} {
		require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/stages/"+idx+"/run", "").Code)
		require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/stages/"+idx+"/confirm", "").Code)
	}

	rec := ts.do(t, http.MethodPut, "/api/outputs/a", `{"value":"revised"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[struct {
		Output   state.Output `json:"output"`
		Outdated []int        `json:"outdated"`
	}](t, rec)
	assert.Equal(t, "revised", got.Output.Value)
	assert.Equal(t, state.ByUser, got.Output.ModifiedBy)
	assert.Equal(t, []int{1}, got.Outdated)
	assert.Equal(t, state.StageOutdated, ts.wf.StageStatus(1))

	tests := map[string]struct {
		path     string
		body     string
		wantCode int
	}{
		"missing value": {path: "/api/outputs/a", body: `{}`, wantCode: http.StatusBadRequest},
		"no body":       {path: "/api/outputs/a", wantCode: http.StatusBadRequest},
		"unknown key":   {path: "/api/outputs/nope", body: `{"value":"x"}`, wantCode: http.StatusNotFound},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPut, tc.path, tc.body)
			assert.Equal(t, tc.wantCode, rec.Code, rec.Body.String())
		})
	}
}

func TestApproveOutput(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/outputs/a/approve", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, state.OutputApproved, decode[state.Output](t, rec).Status)

	rec = ts.do(t, http.MethodPost, "/api/outputs/zzz/approve", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "unknown_output", decode[errorBody](t, rec).Kind)
}

func TestTurbo_AsyncRunBlocksConflictingActions(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	entered := make(chan string, 3)
	unblock := make(chan struct{})
	ts.gen.Hook = func(ctx context.Context, req generation.Request) error {
		entered <- req.StageID
		<-unblock
		return nil
	}

	rec := ts.do(t, http.MethodPost, "/api/turbo", `{"from":0}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	started := decode[map[string]any](t, rec)
	runID, _ := started["runId"].(string)
	require.NotEmpty(t, runID)
	assert.Equal(t, "A", <-entered)

	status := decode[turboView](t, ts.do(t, http.MethodGet, "/api/turbo", ""))
	assert.True(t, status.Active)
	assert.Equal(t, runID, status.RunID)

	conflicts := map[string]struct {
		method string
		path   string
		body   string
	}{
		"second turbo": {method: http.MethodPost, path: "/api/turbo"},
		"manual run":   {method: http.MethodPost, path: "/api/stages/0/run"},
		"reset":        {method: http.MethodPost, path: "/api/reset"},
		"import":       {method: http.MethodPost, path: "/api/import", body: `{"version":"1.0"}`},
		"edit":         {method: http.MethodPut, path: "/api/outputs/a", body: `{"value":"x"}`},
	}
	for name, tc := range conflicts {
		t.Run(name, func(t *testing.T) {
			rec := ts.do(t, tc.method, tc.path, tc.body)
			assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
			assert.Equal(t, "concurrent_run_rejected", decode[errorBody](t, rec).Kind)
		})
	}

	cancel := decode[map[string]bool](t, ts.do(t, http.MethodPost, "/api/turbo/cancel", ""))
	assert.True(t, cancel["cancelled"])
	close(unblock)
	ts.srv.Wait()

	status = decode[turboView](t, ts.do(t, http.MethodGet, "/api/turbo", ""))
	assert.False(t, status.Active)
	require.NotNil(t, status.LastRun)
	assert.Equal(t, workflow.TurboCancelled, status.LastRun.Status)
	assert.Equal(t, 1, status.LastRun.StoppedAtIndex)
	assert.NotEmpty(t, status.Error)
	assert.Equal(t, state.StageComplete, ts.wf.StageStatus(0))
	assert.Equal(t, state.StagePending, ts.wf.StageStatus(1))
}

func TestTurbo_DefaultsToCurrentStage(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/turbo", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	ts.srv.Wait()

	for i := 0; i < 3; i++ {
		assert.Equal(t, state.StageComplete, ts.wf.StageStatus(i))
	}
	assert.False(t, decode[map[string]bool](t, ts.do(t, http.MethodPost, "/api/turbo/cancel", ""))["cancelled"])

	rec = ts.do(t, http.MethodPost, "/api/turbo", `{"from":7}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExportImport(t *testing.T) {
	t.Parallel()

	src := newTestServer(t)
	require.Equal(t, http.StatusOK, src.do(t, http.MethodPost, "/api/stages/0/run", "").Code)

	rec := src.do(t, http.MethodGet, "/api/export", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment")
	assert.NotContains(t, rec.Body.String(), "sk-secret")
	exported := rec.Body.Bytes()

	dst := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/import", bytes.NewReader(exported))
	imp := httptest.NewRecorder()
	dst.srv.ServeHTTP(imp, req)
	require.Equal(t, http.StatusOK, imp.Code, imp.Body.String())

	a, _ := dst.wf.Output("a")
	want, _ := src.wf.Output("a")
	assert.Equal(t, want.Value, a.Value)
	assert.Equal(t, state.StageNeedsReview, dst.wf.StageStatus(0))
	assert.Equal(t, "sk-secret", dst.wf.ModelConfig().APIKey, "import never overwrites the key")

	bad := dst.do(t, http.MethodPost, "/api/import", `{"version":"9.0"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, bad.Code)
	assert.Equal(t, "invalid_snapshot_format", decode[errorBody](t, bad).Kind)
}

func TestReset(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/stages/0/run", "").Code)

	rec := ts.do(t, http.MethodPost, "/api/reset", "")
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[stateView](t, rec)
	assert.Equal(t, state.StagePending, view.Stages[0].Status)
	assert.Empty(t, view.Outputs["a"].Value)
	assert.Equal(t, "m1", view.ModelConfig.Model, "model settings survive reset")
}

func TestUnknownRoute(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	_, running := ts.srv.turbo.Running()
	assert.False(t, running)
}
