// Package snapshot converts workflow state to and from the portable, versioned
// JSON document used for export, import and auto-save.
//
// Secrets never cross this boundary: model settings whose name matches
// SecretPattern are dropped on export and ignored on import, so an import
// never overwrites a resident API key.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ariel-frischer/chemflow/internal/stages"
	"github.com/ariel-frischer/chemflow/internal/state"
)

// FormatVersion is written to every exported document.
const FormatVersion = "1.0"

// SecretPattern matches field names that are treated as secrets.
var SecretPattern = regexp.MustCompile(`(?i)(api[_-]?key|secret|token|password|credential)`)

// ErrInvalidSnapshotFormat is matched by every *FormatError.
var ErrInvalidSnapshotFormat = errors.New("invalid snapshot format")

// FormatError reports why a document was rejected.
type FormatError struct {
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid snapshot format: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid snapshot format: %s", e.Reason)
}

func (e *FormatError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrInvalidSnapshotFormat) true.
func (e *FormatError) Is(target error) bool { return target == ErrInvalidSnapshotFormat }

func formatErrorf(format string, args ...any) *FormatError {
	return &FormatError{Reason: fmt.Sprintf(format, args...)}
}

// OutputDoc is the exported form of one output.
type OutputDoc struct {
	Value        string             `json:"value"`
	Status       state.OutputStatus `json:"status"`
	LastModified time.Time          `json:"lastModified"`
	ModifiedBy   state.ModifiedBy   `json:"modifiedBy"`
	Version      int                `json:"version"`
}

// Document is the versioned snapshot document. Stage status keys are decimal
// stage indices. CurrentStageIndex is a pointer so an import can tell an
// absent field from zero.
type Document struct {
	Version           string                       `json:"version"`
	ExportedAt        time.Time                    `json:"exportedAt"`
	CurrentStageIndex *int                         `json:"currentStageIndex,omitempty"`
	StageStatuses     map[string]state.StageStatus `json:"stageStatuses,omitempty"`
	Outputs           map[string]OutputDoc         `json:"outputs,omitempty"`
	ModelConfig       map[string]string            `json:"modelConfig,omitempty"`
}

// FromSnapshot builds a document from snap, stamped with exportedAt.
func FromSnapshot(snap state.Snapshot, exportedAt time.Time) *Document {
	current := snap.CurrentStageIndex
	doc := &Document{
		Version:           FormatVersion,
		ExportedAt:        exportedAt.UTC(),
		CurrentStageIndex: &current,
		StageStatuses:     make(map[string]state.StageStatus, len(snap.StageStatuses)),
		Outputs:           make(map[string]OutputDoc, len(snap.Outputs)),
		ModelConfig:       publicModelFields(snap.ModelConfig),
	}
	for idx, st := range snap.StageStatuses {
		doc.StageStatuses[strconv.Itoa(idx)] = st
	}
	for key, out := range snap.Outputs {
		doc.Outputs[key] = OutputDoc{
			Value:        out.Value,
			Status:       out.Status,
			LastModified: out.LastModified,
			ModifiedBy:   out.ModifiedBy,
			Version:      out.Version,
		}
	}
	return doc
}

// Export returns the current state of w as an indented JSON document.
func Export(w *state.Workflow) ([]byte, error) {
	doc := FromSnapshot(w.Snapshot(), time.Now())
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	return data, nil
}

// Parse decodes data into a Document and checks the version marker.
func Parse(data []byte) (*Document, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, &FormatError{Reason: "not a JSON object", Err: err}
	}
	rawVersion, ok := probe["version"]
	if !ok {
		return nil, formatErrorf("missing version")
	}
	var version string
	if err := json.Unmarshal(rawVersion, &version); err != nil || strings.TrimSpace(version) == "" {
		return nil, formatErrorf("version must be a non-empty string")
	}
	if !supportedVersion(version) {
		return nil, formatErrorf("unsupported version %q", version)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &FormatError{Reason: "malformed document", Err: err}
	}
	return &doc, nil
}

func supportedVersion(v string) bool {
	major, _, _ := strings.Cut(v, ".")
	return major == "1"
}

// Validate checks doc against reg without touching any state.
func (d *Document) Validate(reg *stages.Registry) error {
	if d.CurrentStageIndex != nil {
		if _, err := reg.StageAt(*d.CurrentStageIndex); err != nil {
			return formatErrorf("currentStageIndex %d out of range", *d.CurrentStageIndex)
		}
	}
	for key, st := range d.StageStatuses {
		idx, err := strconv.Atoi(key)
		if err != nil {
			return formatErrorf("stage status key %q is not an index", key)
		}
		if _, err := reg.StageAt(idx); err != nil {
			return formatErrorf("stage status index %d out of range", idx)
		}
		if !st.Valid() {
			return formatErrorf("stage %d: invalid status %q", idx, st)
		}
	}
	for _, key := range sortedKeys(d.Outputs) {
		out := d.Outputs[key]
		if reg.StageForOutput(key) == stages.NoStage {
			return formatErrorf("unknown output %q", key)
		}
		if !out.Status.Valid() {
			return formatErrorf("output %q: invalid status %q", key, out.Status)
		}
		if !out.ModifiedBy.Valid() {
			return formatErrorf("output %q: invalid modifiedBy %q", key, out.ModifiedBy)
		}
		if out.Version < 1 {
			return formatErrorf("output %q: version must be >= 1", key)
		}
	}
	return nil
}

// Merge copies every field present in d onto s. Fields absent from d keep
// their current value. Secret model settings are never written.
func (d *Document) Merge(s *state.Snapshot) {
	if d.CurrentStageIndex != nil {
		s.CurrentStageIndex = *d.CurrentStageIndex
	}
	for key, st := range d.StageStatuses {
		idx, _ := strconv.Atoi(key)
		s.StageStatuses[idx] = st
	}
	for key, in := range d.Outputs {
		out := s.Outputs[key]
		out.Value = in.Value
		out.Status = in.Status
		out.LastModified = in.LastModified.UTC()
		out.ModifiedBy = in.ModifiedBy
		out.Version = in.Version
		s.Outputs[key] = out
	}
	mergeModelFields(&s.ModelConfig, d.ModelConfig)
}

// Apply validates doc and merges it into w in one commit. On any error w is
// unchanged. extra entries are appended to the audit log with the merge.
func Apply(w *state.Workflow, doc *Document, extra ...state.LogEntry) error {
	if err := doc.Validate(w.Registry()); err != nil {
		return err
	}
	return w.Update(func(s *state.Snapshot, _ time.Time) ([]state.LogEntry, error) {
		doc.Merge(s)
		return extra, nil
	})
}

// Import parses data and merges it into w atomically. A rejected document
// leaves stages and outputs untouched and is recorded in the audit log.
func Import(w *state.Workflow, data []byte) error {
	doc, err := Parse(data)
	if err == nil {
		err = Apply(w, doc, state.LogEntry{
			Kind:       state.LogImported,
			StageIndex: state.NoStageIndex,
			Message:    fmt.Sprintf("snapshot imported (version %s, %d outputs)", doc.Version, len(doc.Outputs)),
		})
	}
	if err != nil {
		if !errors.Is(err, ErrInvalidSnapshotFormat) {
			err = &FormatError{Reason: "document does not fit this workflow", Err: err}
		}
		w.AppendLog(state.LogEntry{
			Kind:       state.LogInvalidSnapshotFormat,
			StageIndex: state.NoStageIndex,
			Message:    err.Error(),
		})
		return err
	}
	return nil
}

func publicModelFields(mc state.ModelConfig) map[string]string {
	fields := map[string]string{
		"provider": mc.Provider,
		"model":    mc.Model,
		"endpoint": mc.Endpoint,
		"apiKey":   mc.APIKey,
	}
	out := make(map[string]string)
	for name, v := range fields {
		if v == "" || SecretPattern.MatchString(name) {
			continue
		}
		out[name] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func mergeModelFields(mc *state.ModelConfig, fields map[string]string) {
	for name, v := range fields {
		if SecretPattern.MatchString(name) {
			continue
		}
		switch name {
		case "provider":
			mc.Provider = v
		case "model":
			mc.Model = v
		case "endpoint":
			mc.Endpoint = v
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
