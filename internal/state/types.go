package state

import (
	"fmt"
	"time"
)

// StageStatus is the run status of a pipeline stage.
type StageStatus string

const (
	StagePending     StageStatus = "pending"
	StageRunning     StageStatus = "running"
	StageNeedsReview StageStatus = "needs_review"
	StageComplete    StageStatus = "complete"
	StageEdited      StageStatus = "edited"
	StageOutdated    StageStatus = "outdated"
	StageFailed      StageStatus = "failed"
)

// Valid reports whether s is a known stage status.
func (s StageStatus) Valid() bool {
	switch s {
	case StagePending, StageRunning, StageNeedsReview, StageComplete,
		StageEdited, StageOutdated, StageFailed:
		return true
	default:
		return false
	}
}

// OutputStatus is the review status of a single artifact.
type OutputStatus string

const (
	OutputDraft       OutputStatus = "draft"
	OutputNeedsReview OutputStatus = "needs_review"
	OutputApproved    OutputStatus = "approved"
	OutputNeedsRerun  OutputStatus = "needs_rerun"
	OutputOutdated    OutputStatus = "outdated"
)

// Valid reports whether s is a known output status.
func (s OutputStatus) Valid() bool {
	switch s {
	case OutputDraft, OutputNeedsReview, OutputApproved, OutputNeedsRerun, OutputOutdated:
		return true
	default:
		return false
	}
}

// ModifiedBy records who last wrote an output.
type ModifiedBy string

const (
	BySystem ModifiedBy = "system"
	ByUser   ModifiedBy = "user"
	ByAI     ModifiedBy = "ai"
)

// Valid reports whether m is a known author.
func (m ModifiedBy) Valid() bool {
	switch m {
	case BySystem, ByUser, ByAI:
		return true
	default:
		return false
	}
}

// Output is one named artifact produced by a stage. Value is opaque text or JSON.
type Output struct {
	Key          string       `json:"key"`
	StageIndex   int          `json:"stageIndex"`
	Value        string       `json:"value"`
	Status       OutputStatus `json:"status"`
	LastModified time.Time    `json:"lastModified"`
	ModifiedBy   ModifiedBy   `json:"modifiedBy"`
	Version      int          `json:"version"`
}

// LogKind classifies audit log entries.
type LogKind string

const (
	LogStageStarted          LogKind = "stage_started"
	LogStageCompleted        LogKind = "stage_completed"
	LogStageConfirmed        LogKind = "stage_confirmed"
	LogOutputEdited          LogKind = "output_edited"
	LogOutputApproved        LogKind = "output_approved"
	LogStagesOutdated        LogKind = "stages_outdated"
	LogTurboStarted          LogKind = "turbo_started"
	LogTurboFinished         LogKind = "turbo_finished"
	LogReset                 LogKind = "reset"
	LogImported              LogKind = "snapshot_imported"
	LogMissingDependency     LogKind = "missing_dependency"
	LogGenerationFailure     LogKind = "generation_failure"
	LogInvalidSnapshotFormat LogKind = "invalid_snapshot_format"
	LogConcurrentRunRejected LogKind = "concurrent_run_rejected"
)

// IsError reports whether the entry records one of the workflow failure kinds.
func (k LogKind) IsError() bool {
	switch k {
	case LogMissingDependency, LogGenerationFailure, LogInvalidSnapshotFormat, LogConcurrentRunRejected:
		return true
	default:
		return false
	}
}

// NoStageIndex marks log entries that do not refer to a stage.
const NoStageIndex = -1

// LogEntry is one audit log record.
type LogEntry struct {
	ID         string    `json:"id" yaml:"id"`
	Timestamp  time.Time `json:"timestamp" yaml:"timestamp"`
	Kind       LogKind   `json:"kind" yaml:"kind"`
	StageIndex int       `json:"stageIndex" yaml:"stage_index"`
	OutputKey  string    `json:"outputKey,omitempty" yaml:"output_key,omitempty"`
	Message    string    `json:"message" yaml:"message"`
}

// ModelConfig is forwarded to the generation service with every request.
// APIKey is a secret: it is never exported and never overwritten by import.
type ModelConfig struct {
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
	APIKey   string `json:"apiKey,omitempty"`
}

// Snapshot is a complete, detached copy of the workflow state.
type Snapshot struct {
	CurrentStageIndex int                 `json:"currentStageIndex"`
	StageStatuses     map[int]StageStatus `json:"stageStatuses"`
	Outputs           map[string]Output   `json:"outputs"`
	TurboMode         bool                `json:"turboMode"`
	AuditLog          []LogEntry          `json:"auditLog"`
	ModelConfig       ModelConfig         `json:"modelConfig"`
}

// Clone returns a deep copy of s.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.StageStatuses = make(map[int]StageStatus, len(s.StageStatuses))
	for k, v := range s.StageStatuses {
		out.StageStatuses[k] = v
	}
	out.Outputs = make(map[string]Output, len(s.Outputs))
	for k, v := range s.Outputs {
		out.Outputs[k] = v
	}
	if s.AuditLog != nil {
		out.AuditLog = make([]LogEntry, len(s.AuditLog))
		copy(out.AuditLog, s.AuditLog)
	}
	return out
}

// WriteOutput sets value and status of an output on this copy as a single
// versioned write.
func (s *Snapshot) WriteOutput(key, value string, status OutputStatus, by ModifiedBy, ts time.Time) error {
	out, ok := s.Outputs[key]
	if !ok {
		return fmt.Errorf("output %q: %w", key, ErrUnknownOutput)
	}
	out.Value = value
	out.Status = status
	out.ModifiedBy = by
	out.LastModified = ts
	out.Version++
	s.Outputs[key] = out
	return nil
}
