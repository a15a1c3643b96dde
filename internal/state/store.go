package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"
)

// pipelineState is the serialized form of one pipeline run. It is the single
// authoritative view of tasks, objectives and phase statistics: every
// scheduling decision reads through the Store, never through a copy taken
// before a write.
type pipelineState struct {
	Version      int                    `json:"version"`
	CurrentPhase string                 `json:"current_phase,omitempty"`
	PhaseHint    string                 `json:"phase_hint,omitempty"`
	Tasks        map[string]*Task       `json:"tasks"`
	Objectives   map[string]*Objective  `json:"objectives"`
	Phases       map[string]*PhaseState `json:"phases"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

func newPipelineState() *pipelineState {
	return &pipelineState{
		Version:    1,
		Tasks:      make(map[string]*Task),
		Objectives: make(map[string]*Objective),
		Phases:     make(map[string]*PhaseState),
	}
}

// TaskFilter narrows ListTasks results. Zero values match everything.
type TaskFilter struct {
	Status      TaskStatus
	Category    TaskCategory
	ObjectiveID string
}

// Store owns the persisted pipeline state. It is not safe for concurrent
// use; the coordinator is the only caller within a run.
type Store struct {
	path   string
	logger *zap.Logger
	data   *pipelineState
}

// NewStore creates a store persisting to path. The file is created on the
// first Save.
func NewStore(path string, logger *zap.Logger) *Store {
	return &Store{
		path:   path,
		logger: logger,
		data:   newPipelineState(),
	}
}

// Load reads the state file, replacing the in-memory view. A missing file
// yields a fresh state; an unreadable or unparsable file is a
// CorruptionError, fatal to the run.
func (s *Store) Load() error {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.data = newPipelineState()
		return nil
	}
	if err != nil {
		return &CorruptionError{Entity: "state_file", Invariant: "state file unreadable", Err: err}
	}
	loaded := newPipelineState()
	if err := json.Unmarshal(raw, loaded); err != nil {
		return &CorruptionError{Entity: "state_file", Invariant: "state file is not valid JSON", Err: err}
	}
	s.data = loaded
	return nil
}

// Save writes the state file atomically (temp file + rename). A failed write
// is retried once, then surfaces as a PersistenceError.
func (s *Store) Save() error {
	s.data.UpdatedAt = time.Now()
	err := s.writeAtomic()
	if err != nil {
		s.logger.Warn("state write failed, retrying once", zap.Error(err))
		err = s.writeAtomic()
	}
	if err != nil {
		return &PersistenceError{Path: s.path, Err: err}
	}
	return nil
}

func (s *Store) writeAtomic() error {
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

// Snapshot copies the current state file to a timestamped diagnostic file
// next to it and returns the copy's path. Used on fatal errors so the last
// consistent state survives for inspection.
func (s *Store) Snapshot() (string, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return "", fmt.Errorf("reading state for snapshot: %w", err)
	}
	snap := fmt.Sprintf("%s.crash-%s", s.path, time.Now().Format("20060102-150405"))
	if err := os.WriteFile(snap, raw, 0o644); err != nil {
		return "", fmt.Errorf("writing snapshot: %w", err)
	}
	return snap, nil
}

// Path returns the location of the state file.
func (s *Store) Path() string { return s.path }

// GetTask returns a copy of the task with the given ID. Changes to the copy
// take effect only through UpsertTask, where they are validated.
func (s *Store) GetTask(id string) (*Task, error) {
	t, ok := s.data.Tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %q: %w", id, ErrNotFound)
	}
	return t.clone(), nil
}

// UpsertTask inserts or updates a task. Status changes are validated against
// the last stored status; an illegal transition is a CorruptionError and the
// stored task is left untouched. Completing a task re-evaluates its objective
// so that a finished objective is marked Completed before the next
// scheduling read.
func (s *Store) UpsertTask(task *Task) error {
	existing, ok := s.data.Tasks[task.ID]
	if ok {
		if err := existing.ValidateTransition(task.Status); err != nil {
			return err
		}
	} else if task.Status != TaskNew {
		return &CorruptionError{
			Entity:    "task",
			ID:        task.ID,
			Invariant: "new tasks must enter the store with status new",
		}
	}
	task.UpdatedAt = time.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = task.UpdatedAt
	}
	s.data.Tasks[task.ID] = task.clone()

	if task.ObjectiveID != "" && task.Status == TaskCompleted {
		if err := s.completeObjectiveIfDone(task.ObjectiveID); err != nil {
			return err
		}
	}
	return nil
}

// ListTasks returns copies of the tasks matching the filter, ordered by
// priority then creation time (FIFO within a priority band).
func (s *Store) ListTasks(filter TaskFilter) []*Task {
	var out []*Task
	for _, t := range s.data.Tasks {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.Category != "" && t.Category != filter.Category {
			continue
		}
		if filter.ObjectiveID != "" && t.ObjectiveID != filter.ObjectiveID {
			continue
		}
		out = append(out, t.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// GetObjective returns a copy of the objective with the given ID.
func (s *Store) GetObjective(id string) (*Objective, error) {
	o, ok := s.data.Objectives[id]
	if !ok {
		return nil, fmt.Errorf("objective %q: %w", id, ErrNotFound)
	}
	return o.clone(), nil
}

// UpsertObjective inserts or updates an objective, enforcing that at most
// one objective is active at a time.
func (s *Store) UpsertObjective(obj *Objective) error {
	if obj.Status == ObjectiveActive {
		for id, other := range s.data.Objectives {
			if id != obj.ID && other.Status == ObjectiveActive {
				return &CorruptionError{
					Entity:    "objective",
					ID:        obj.ID,
					Invariant: fmt.Sprintf("objective %q is already active; at most one objective may be active", id),
				}
			}
		}
	}
	if obj.CreatedAt.IsZero() {
		obj.CreatedAt = time.Now()
	}
	s.data.Objectives[obj.ID] = obj.clone()
	return nil
}

// ActiveObjective returns the currently active objective, or nil. Completed
// objectives are never returned, even if a stale caller still holds one.
func (s *Store) ActiveObjective() *Objective {
	for _, o := range s.data.Objectives {
		if o.Status == ObjectiveActive {
			return o.clone()
		}
	}
	return nil
}

// ListObjectives returns all objectives ordered by priority weight
// descending, then creation time.
func (s *Store) ListObjectives() []*Objective {
	out := make([]*Objective, 0, len(s.data.Objectives))
	for _, o := range s.data.Objectives {
		out = append(out, o.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PriorityWeight != out[j].PriorityWeight {
			return out[i].PriorityWeight > out[j].PriorityWeight
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// AllObjectivesCompleted reports whether every objective is completed.
// False when no objectives exist yet.
func (s *Store) AllObjectivesCompleted() bool {
	if len(s.data.Objectives) == 0 {
		return false
	}
	for _, o := range s.data.Objectives {
		if o.Status != ObjectiveCompleted {
			return false
		}
	}
	return true
}

// completeObjectiveIfDone marks an objective Completed once all of its tasks
// are completed. This runs inside the mutating call so the authoritative
// view is already correct when the next selection cycle reads it; a cached
// objective from before the write can never be reselected.
func (s *Store) completeObjectiveIfDone(objectiveID string) error {
	obj, ok := s.data.Objectives[objectiveID]
	if !ok {
		return &CorruptionError{
			Entity:    "objective",
			ID:        objectiveID,
			Invariant: "task references an objective that does not exist",
		}
	}
	if obj.Status == ObjectiveCompleted || len(obj.TaskIDs) == 0 {
		return nil
	}
	for _, taskID := range obj.TaskIDs {
		t, ok := s.data.Tasks[taskID]
		if !ok {
			return &CorruptionError{
				Entity:    "objective",
				ID:        objectiveID,
				Invariant: fmt.Sprintf("objective references missing task %q", taskID),
			}
		}
		if t.Status != TaskCompleted {
			return nil
		}
	}
	now := time.Now()
	obj.Status = ObjectiveCompleted
	obj.CompletedAt = &now
	s.logger.Info("objective completed", zap.String("objective_id", objectiveID))
	return nil
}

// GetPhaseState returns the statistics for a phase name, creating an empty
// record on first reference.
func (s *Store) GetPhaseState(name string) *PhaseState {
	ps, ok := s.data.Phases[name]
	if !ok {
		ps = &PhaseState{Name: name}
		s.data.Phases[name] = ps
	}
	return ps
}

// RecordRun appends a run outcome to a phase's history.
func (s *Store) RecordRun(phase string, outcome Outcome, taskID string) {
	s.GetPhaseState(phase).Record(outcome, taskID, time.Now())
}

// PhaseStates returns all phase statistics keyed by phase name.
func (s *Store) PhaseStates() map[string]*PhaseState { return s.data.Phases }

// CurrentPhase returns the phase recorded by the last dispatch.
func (s *Store) CurrentPhase() string { return s.data.CurrentPhase }

// SetCurrentPhase records the phase about to be dispatched.
func (s *Store) SetCurrentPhase(name string) { s.data.CurrentPhase = name }

// PhaseHint returns the pending next-phase hint, if any.
func (s *Store) PhaseHint() string { return s.data.PhaseHint }

// SetPhaseHint stores a next-phase hint set by a phase result. An empty
// string clears it.
func (s *Store) SetPhaseHint(name string) { s.data.PhaseHint = name }
