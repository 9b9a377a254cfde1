// Package stages defines the ordered design pipeline and the lookup tables
// derived from it: stage index → stage, output key → owning stage, and the
// stage dependency graph used for outdated cascades.
//
// A Registry is immutable once built and safe for concurrent reads.
package stages

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"
)

// NoStage is returned by StageForOutput for keys no stage produces.
// Callers treat it as "no invalidation target", not as an error.
const NoStage = -1

// ErrStageNotFound is returned when a stage index or id does not exist.
var ErrStageNotFound = errors.New("stage not found")

//go:embed stages.yaml
var defaultStagesYAML []byte

// Stage is one step of the design pipeline.
type Stage struct {
	Index      int      `yaml:"-" json:"index"`
	ID         string   `yaml:"id" json:"id"`
	Label      string   `yaml:"label" json:"label"`
	DependsOn  []string `yaml:"depends_on,omitempty" json:"dependsOn,omitempty"`
	Inputs     []string `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	OutputKeys []string `yaml:"outputs" json:"outputKeys"`
}

// Definition is the on-disk shape of a stage table.
type Definition struct {
	SchemaVersion string  `yaml:"schema_version"`
	Stages        []Stage `yaml:"stages"`
}

// Registry is the StageRegistry plus its derived OutputRegistry and
// dependency graph.
type Registry struct {
	stages     []Stage
	byID       map[string]int
	outputs    map[string]int
	dependents map[int][]int
}

// Default returns the registry built from the embedded stage table.
func Default() *Registry {
	reg, err := Parse(defaultStagesYAML)
	if err != nil {
		panic(fmt.Sprintf("stages: embedded stage table is invalid: %v", err))
	}
	return reg
}

// LoadFile builds a registry from a YAML stage table on disk.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading stage table: %w", err)
	}
	reg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return reg, nil
}

// Parse builds a registry from YAML stage table bytes.
func Parse(data []byte) (*Registry, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parsing stage table: %w", err)
	}
	return New(def.Stages)
}

// New validates the stage list and builds the lookup tables.
// Stage indices are assigned from list order. depends_on may only reference
// stages declared earlier, which keeps the graph acyclic and list order a
// valid topological order.
func New(list []Stage) (*Registry, error) {
	if len(list) == 0 {
		return nil, errors.New("stage table is empty")
	}

	reg := &Registry{
		stages:     make([]Stage, len(list)),
		byID:       make(map[string]int, len(list)),
		outputs:    make(map[string]int),
		dependents: make(map[int][]int),
	}

	for i, s := range list {
		if s.ID == "" {
			return nil, fmt.Errorf("stage[%d]: id is required", i)
		}
		if _, dup := reg.byID[s.ID]; dup {
			return nil, fmt.Errorf("stage %q: duplicate id", s.ID)
		}
		if len(s.OutputKeys) == 0 {
			return nil, fmt.Errorf("stage %q: at least one output is required", s.ID)
		}
		for _, dep := range s.DependsOn {
			depIdx, ok := reg.byID[dep]
			if !ok {
				return nil, fmt.Errorf("stage %q: depends_on %q must name an earlier stage", s.ID, dep)
			}
			reg.dependents[depIdx] = append(reg.dependents[depIdx], i)
		}
		for _, key := range s.OutputKeys {
			if owner, dup := reg.outputs[key]; dup {
				return nil, fmt.Errorf("stage %q: output %q already produced by stage %q", s.ID, key, list[owner].ID)
			}
			reg.outputs[key] = i
		}

		s.Index = i
		if s.Label == "" {
			s.Label = s.ID
		}
		s.DependsOn = cloneStrings(s.DependsOn)
		s.Inputs = cloneStrings(s.Inputs)
		s.OutputKeys = cloneStrings(s.OutputKeys)
		reg.stages[i] = s
		reg.byID[s.ID] = i
	}

	for _, s := range reg.stages {
		upstream := reg.upstream(s.Index)
		for _, key := range s.Inputs {
			owner, ok := reg.outputs[key]
			if !ok {
				return nil, fmt.Errorf("stage %q: input %q is not produced by any stage", s.ID, key)
			}
			if _, ok := upstream[owner]; !ok {
				return nil, fmt.Errorf("stage %q: input %q comes from stage %q which is not upstream", s.ID, key, reg.stages[owner].ID)
			}
		}
	}

	return reg, nil
}

// upstream returns every stage index the given stage transitively depends on.
func (r *Registry) upstream(index int) map[int]struct{} {
	seen := make(map[int]struct{})
	queue := []int{index}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, dep := range r.stages[cur].DependsOn {
			depIdx := r.byID[dep]
			if _, ok := seen[depIdx]; ok {
				continue
			}
			seen[depIdx] = struct{}{}
			queue = append(queue, depIdx)
		}
	}
	return seen
}

// Len returns the number of stages.
func (r *Registry) Len() int {
	return len(r.stages)
}

// LastIndex returns the index of the final stage.
func (r *Registry) LastIndex() int {
	return len(r.stages) - 1
}

// Stages returns a copy of the ordered stage list.
func (r *Registry) Stages() []Stage {
	out := make([]Stage, len(r.stages))
	for i, s := range r.stages {
		out[i] = s.clone()
	}
	return out
}

// StageAt returns the stage at index or ErrStageNotFound.
func (r *Registry) StageAt(index int) (Stage, error) {
	if index < 0 || index >= len(r.stages) {
		return Stage{}, fmt.Errorf("stage index %d: %w", index, ErrStageNotFound)
	}
	return r.stages[index].clone(), nil
}

// StageByID returns the stage with the given id or ErrStageNotFound.
func (r *Registry) StageByID(id string) (Stage, error) {
	idx, ok := r.byID[id]
	if !ok {
		return Stage{}, fmt.Errorf("stage %q: %w", id, ErrStageNotFound)
	}
	return r.stages[idx].clone(), nil
}

// Resolve looks a stage up by numeric index or by id.
func (r *Registry) Resolve(ref string) (Stage, error) {
	if idx, err := strconv.Atoi(ref); err == nil {
		return r.StageAt(idx)
	}
	return r.StageByID(ref)
}

// OutputsForStage returns the output keys produced by the stage at index.
// Unknown indices yield nil.
func (r *Registry) OutputsForStage(index int) []string {
	if index < 0 || index >= len(r.stages) {
		return nil
	}
	return cloneStrings(r.stages[index].OutputKeys)
}

// RequiredInputs returns the upstream output keys the stage consumes.
func (r *Registry) RequiredInputs(index int) []string {
	if index < 0 || index >= len(r.stages) {
		return nil
	}
	return cloneStrings(r.stages[index].Inputs)
}

// StageForOutput returns the index of the stage owning key, or NoStage.
func (r *Registry) StageForOutput(key string) int {
	idx, ok := r.outputs[key]
	if !ok {
		return NoStage
	}
	return idx
}

// OutputKeys returns every output key in stage order.
func (r *Registry) OutputKeys() []string {
	var keys []string
	for _, s := range r.stages {
		keys = append(keys, s.OutputKeys...)
	}
	return keys
}

// Downstream returns the indices of all stages reachable from index through
// the dependency graph, in ascending order. The start stage is excluded.
func (r *Registry) Downstream(index int) []int {
	if index < 0 || index >= len(r.stages) {
		return nil
	}
	visited := map[int]struct{}{index: {}}
	queue := []int{index}
	var out []int
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range r.dependents[cur] {
			if _, ok := visited[next]; ok {
				continue
			}
			visited[next] = struct{}{}
			out = append(out, next)
			queue = append(queue, next)
		}
	}
	sort.Ints(out)
	return out
}

func (s Stage) clone() Stage {
	s.DependsOn = cloneStrings(s.DependsOn)
	s.Inputs = cloneStrings(s.Inputs)
	s.OutputKeys = cloneStrings(s.OutputKeys)
	return s
}

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
