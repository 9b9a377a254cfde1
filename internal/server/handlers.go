package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	clierrors "github.com/ariel-frischer/chemflow/internal/errors"
	"github.com/ariel-frischer/chemflow/internal/snapshot"
	"github.com/ariel-frischer/chemflow/internal/stages"
	"github.com/ariel-frischer/chemflow/internal/state"
	"github.com/ariel-frischer/chemflow/internal/workflow"
	"github.com/go-chi/chi/v5"
)

// stageView is a stage with its live status.
type stageView struct {
	stages.Stage
	Status        state.StageStatus `json:"status"`
	MissingInputs []string          `json:"missingInputs,omitempty"`
}

// modelView is the model configuration without its secret.
type modelView struct {
	Provider  string `json:"provider,omitempty"`
	Model     string `json:"model,omitempty"`
	Endpoint  string `json:"endpoint,omitempty"`
	APIKeySet bool   `json:"apiKeySet"`
}

// stateView is the GET /api/state payload.
type stateView struct {
	CurrentStageIndex int                     `json:"currentStageIndex"`
	TurboMode         bool                    `json:"turboMode"`
	Stages            []stageView             `json:"stages"`
	Outputs           map[string]state.Output `json:"outputs"`
	AuditLog          []state.LogEntry        `json:"auditLog"`
	ModelConfig       modelView               `json:"modelConfig"`
}

// turboView is the GET /api/turbo payload.
type turboView struct {
	Active  bool                  `json:"active"`
	RunID   string                `json:"runId,omitempty"`
	LastRun *workflow.TurboResult `json:"lastRun,omitempty"`
	Error   string                `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stateView())
}

func (s *Server) stateView() stateView {
	snap := s.workflow.Snapshot()
	mc := snap.ModelConfig
	view := stateView{
		CurrentStageIndex: snap.CurrentStageIndex,
		TurboMode:         snap.TurboMode,
		Stages:            stageViews(s.workflow.Registry(), &snap),
		Outputs:           snap.Outputs,
		AuditLog:          snap.AuditLog,
		ModelConfig: modelView{
			Provider:  mc.Provider,
			Model:     mc.Model,
			Endpoint:  mc.Endpoint,
			APIKeySet: mc.APIKey != "",
		},
	}
	if view.AuditLog == nil {
		view.AuditLog = []state.LogEntry{}
	}
	return view
}

// stageViews pairs every stage with its status and blank inputs in snap.
func stageViews(reg *stages.Registry, snap *state.Snapshot) []stageView {
	list := reg.Stages()
	views := make([]stageView, 0, len(list))
	for _, st := range list {
		v := stageView{Stage: st, Status: snap.StageStatuses[st.Index]}
		for _, key := range st.Inputs {
			if strings.TrimSpace(snap.Outputs[key].Value) == "" {
				v.MissingInputs = append(v.MissingInputs, key)
			}
		}
		views = append(views, v)
	}
	return views
}

func (s *Server) stageView(index int) stageView {
	snap := s.workflow.Snapshot()
	return stageViews(s.workflow.Registry(), &snap)[index]
}

func (s *Server) handleStages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.workflow.Registry().Stages())
}

type runRequest struct {
	Prompt string `json:"prompt"`
}

func (s *Server) handleRunStage(w http.ResponseWriter, r *http.Request) {
	index, ok := s.stageIndex(w, r)
	if !ok {
		return
	}
	var req runRequest
	if !decodeOptional(w, r, &req) {
		return
	}

	s.debugLog("Running stage %d", index)
	// A client disconnect must not abort the generation call in flight.
	ctx := context.WithoutCancel(r.Context())
	if err := s.executor.RunStage(ctx, index, workflow.RunOptions{Prompt: req.Prompt}); err != nil {
		writeError(w, err)
		return
	}
	snap := s.workflow.Snapshot()
	outputs := make(map[string]state.Output)
	for _, key := range s.workflow.Registry().OutputsForStage(index) {
		outputs[key] = snap.Outputs[key]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stage":   s.stageView(index),
		"outputs": outputs,
	})
}

func (s *Server) handleConfirmStage(w http.ResponseWriter, r *http.Request) {
	index, ok := s.stageIndex(w, r)
	if !ok {
		return
	}
	if err := s.turbo.Guard("confirm"); err != nil {
		writeError(w, err)
		return
	}
	if err := s.workflow.ConfirmStage(index); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stage":             s.stageView(index),
		"currentStageIndex": s.workflow.CurrentStageIndex(),
	})
}

type editRequest struct {
	Value *string `json:"value"`
}

func (s *Server) handleEditOutput(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var req editRequest
	if !decodeRequired(w, r, &req) {
		return
	}
	if req.Value == nil {
		writeBadRequest(w, "value is required")
		return
	}
	if err := s.turbo.Guard("edit"); err != nil {
		writeError(w, err)
		return
	}

	outdated, err := workflow.MarkOutputEdited(s.workflow, key, *req.Value)
	if err != nil {
		writeError(w, err)
		return
	}
	out, _ := s.workflow.Output(key)
	if outdated == nil {
		outdated = []int{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"output":   out,
		"outdated": outdated,
	})
}

func (s *Server) handleApproveOutput(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := s.workflow.SetOutputStatus(key, state.OutputApproved, state.ByUser); err != nil {
		writeError(w, err)
		return
	}
	out, _ := s.workflow.Output(key)
	writeJSON(w, http.StatusOK, out)
}

type turboRequest struct {
	From *int `json:"from"`
}

func (s *Server) handleTurboStart(w http.ResponseWriter, r *http.Request) {
	var req turboRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	start := s.workflow.CurrentStageIndex()
	if req.From != nil {
		start = *req.From
	}

	runID, done, err := s.turbo.Start(s.baseCtx, start)
	if err != nil {
		writeError(w, err)
		return
	}
	s.debugLog("Turbo run %s started at stage %d", runID, start)

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		res := <-done
		s.mu.Lock()
		s.lastRun = res
		s.mu.Unlock()
		s.debugLog("Turbo run %s finished: %s", res.RunID, res.Status)
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"runId":           runID,
		"startStageIndex": start,
	})
}

func (s *Server) handleTurboCancel(w http.ResponseWriter, r *http.Request) {
	cancelled := s.turbo.Cancel()
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func (s *Server) handleTurboStatus(w http.ResponseWriter, r *http.Request) {
	runID, active := s.turbo.Running()
	s.mu.Lock()
	last := s.lastRun
	s.mu.Unlock()

	view := turboView{Active: active, RunID: runID, LastRun: last}
	if last != nil && last.Err != nil {
		view.Error = last.Err.Error()
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	data, err := snapshot.Export(s.workflow)
	if err != nil {
		writeError(w, err)
		return
	}
	name := fmt.Sprintf("chemflow-%s.json", time.Now().UTC().Format("20060102-150405"))
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeBadRequest(w, fmt.Sprintf("reading body: %v", err))
		return
	}
	if err := s.turbo.Guard("import"); err != nil {
		writeError(w, err)
		return
	}
	if err := snapshot.Import(s.workflow, data); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.stateView())
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.turbo.Guard("reset"); err != nil {
		writeError(w, err)
		return
	}
	s.workflow.Reset()
	writeJSON(w, http.StatusOK, s.stateView())
}

// stageIndex resolves the {index} URL parameter (an index or a stage id),
// writing 404 for a stage that does not exist.
func (s *Server) stageIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := chi.URLParam(r, "index")
	stage, err := s.workflow.Registry().Resolve(raw)
	if err != nil {
		writeError(w, err)
		return 0, false
	}
	return stage.Index, true
}

// decodeOptional decodes a JSON body into v when one is present.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeBadRequest(w, fmt.Sprintf("reading body: %v", err))
		return false
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return true
	}
	if err := json.Unmarshal(data, v); err != nil {
		writeBadRequest(w, fmt.Sprintf("invalid JSON body: %v", err))
		return false
	}
	return true
}

// decodeRequired decodes a mandatory JSON body into v.
func decodeRequired(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeBadRequest(w, fmt.Sprintf("invalid JSON body: %v", err))
		return false
	}
	return true
}

// statusFor maps a workflow failure to its HTTP status.
func statusFor(kind string) int {
	switch kind {
	case "concurrent_run_rejected", "cancelled":
		return http.StatusConflict
	case "missing_dependency", "invalid_snapshot_format":
		return http.StatusUnprocessableEntity
	case "generation_failure":
		return http.StatusBadGateway
	case "unknown_stage", "unknown_output":
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := clierrors.Kind(err)
	writeJSON(w, statusFor(kind), errorBody{Error: err.Error(), Kind: kind})
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg, Kind: "bad_request"})
}
