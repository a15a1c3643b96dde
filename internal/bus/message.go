// Package bus provides the typed publish/subscribe message bus used for
// inter-phase coordination. Delivery is pull-based: consumers read their
// queue and acknowledge explicitly, so unacked messages survive a consumer
// restart within the run.
package bus

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of event a message carries. The set is
// closed and grouped; each group has a matching payload type enforced at
// construction.
type MessageType string

const (
	// Task lifecycle events.
	TaskCreated   MessageType = "task_created"
	TaskStarted   MessageType = "task_started"
	TaskCompleted MessageType = "task_completed"
	TaskFailed    MessageType = "task_failed"
	TaskBlocked   MessageType = "task_blocked"
	TaskSkipped   MessageType = "task_skipped"
	TaskRetried   MessageType = "task_retried"

	// File events.
	FileCreated  MessageType = "file_created"
	FileModified MessageType = "file_modified"
	FileDeleted  MessageType = "file_deleted"
	FileQAPassed MessageType = "file_qa_passed"
	FileQAFailed MessageType = "file_qa_failed"

	// Issue lifecycle events.
	IssueFound      MessageType = "issue_found"
	IssueAssigned   MessageType = "issue_assigned"
	IssueInProgress MessageType = "issue_in_progress"
	IssueResolved   MessageType = "issue_resolved"
	IssueVerified   MessageType = "issue_verified"
	IssueClosed     MessageType = "issue_closed"
	IssueReopened   MessageType = "issue_reopened"

	// Objective lifecycle events.
	ObjectiveActivated MessageType = "objective_activated"
	ObjectiveBlocked   MessageType = "objective_blocked"
	ObjectiveDegrading MessageType = "objective_degrading"
	ObjectiveCritical  MessageType = "objective_critical"
	ObjectiveCompleted MessageType = "objective_completed"

	// System events.
	PhaseTransition         MessageType = "phase_transition"
	PhaseStarted            MessageType = "phase_started"
	PhaseCompleted          MessageType = "phase_completed"
	PhaseError              MessageType = "phase_error"
	PhaseTimeout            MessageType = "phase_timeout"
	LoopDetected            MessageType = "loop_detected"
	SystemAlert             MessageType = "system_alert"
	SystemWarning           MessageType = "system_warning"
	SystemInfo              MessageType = "system_info"
	RequestUserIntervention MessageType = "request_user_intervention"
)

// Group buckets message types by the payload they carry.
type Group string

const (
	GroupTask      Group = "task"
	GroupFile      Group = "file"
	GroupIssue     Group = "issue"
	GroupObjective Group = "objective"
	GroupSystem    Group = "system"
)

var typeGroups = map[MessageType]Group{
	TaskCreated: GroupTask, TaskStarted: GroupTask, TaskCompleted: GroupTask,
	TaskFailed: GroupTask, TaskBlocked: GroupTask, TaskSkipped: GroupTask,
	TaskRetried: GroupTask,

	FileCreated: GroupFile, FileModified: GroupFile, FileDeleted: GroupFile,
	FileQAPassed: GroupFile, FileQAFailed: GroupFile,

	IssueFound: GroupIssue, IssueAssigned: GroupIssue, IssueInProgress: GroupIssue,
	IssueResolved: GroupIssue, IssueVerified: GroupIssue, IssueClosed: GroupIssue,
	IssueReopened: GroupIssue,

	ObjectiveActivated: GroupObjective, ObjectiveBlocked: GroupObjective,
	ObjectiveDegrading: GroupObjective, ObjectiveCritical: GroupObjective,
	ObjectiveCompleted: GroupObjective,

	PhaseTransition: GroupSystem, PhaseStarted: GroupSystem, PhaseCompleted: GroupSystem,
	PhaseError: GroupSystem, PhaseTimeout: GroupSystem, LoopDetected: GroupSystem,
	SystemAlert: GroupSystem, SystemWarning: GroupSystem, SystemInfo: GroupSystem,
	RequestUserIntervention: GroupSystem,
}

// Group returns the payload group for a message type, or an empty group for
// unknown types.
func (t MessageType) Group() Group { return typeGroups[t] }

// Priority orders message delivery. Lower values are more urgent.
type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityNormal   Priority = 2
	PriorityLow      Priority = 3
)

// Payload is the typed content of a message. Exactly one payload type exists
// per group; New rejects mismatches so an invalid combination cannot be
// represented.
type Payload interface {
	Group() Group
}

// TaskPayload accompanies task lifecycle messages.
type TaskPayload struct {
	TaskID   string `json:"task_id"`
	Title    string `json:"title,omitempty"`
	Category string `json:"category,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

func (TaskPayload) Group() Group { return GroupTask }

// FilePayload accompanies file messages.
type FilePayload struct {
	Path   string `json:"path"`
	Detail string `json:"detail,omitempty"`
}

func (FilePayload) Group() Group { return GroupFile }

// IssuePayload accompanies issue messages.
type IssuePayload struct {
	IssueID  string `json:"issue_id"`
	Severity string `json:"severity,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

func (IssuePayload) Group() Group { return GroupIssue }

// ObjectivePayload accompanies objective messages.
type ObjectivePayload struct {
	ObjectiveID string `json:"objective_id"`
	Title       string `json:"title,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

func (ObjectivePayload) Group() Group { return GroupObjective }

// SystemPayload accompanies system messages.
type SystemPayload struct {
	Phase  string `json:"phase,omitempty"`
	Detail string `json:"detail,omitempty"`
}

func (SystemPayload) Group() Group { return GroupSystem }

// Context links a message to the entities it concerns, for later search.
type Context struct {
	ObjectiveID string `json:"objective_id,omitempty"`
	TaskID      string `json:"task_id,omitempty"`
	IssueID     string `json:"issue_id,omitempty"`
	File        string `json:"file,omitempty"`
}

// Message is one bus entry. ConsumedBy records which consumers have
// acknowledged it.
type Message struct {
	ID         string          `json:"id"`
	Type       MessageType     `json:"type"`
	Priority   Priority        `json:"priority"`
	Payload    Payload         `json:"payload"`
	Context    Context         `json:"context,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	ConsumedBy map[string]bool `json:"consumed_by,omitempty"`
}

// New constructs a message, validating that the payload matches the type's
// group.
func New(t MessageType, priority Priority, payload Payload, msgCtx Context) (*Message, error) {
	group, ok := typeGroups[t]
	if !ok {
		return nil, fmt.Errorf("unknown message type %q", t)
	}
	if payload == nil {
		return nil, fmt.Errorf("message type %q requires a %s payload", t, group)
	}
	if payload.Group() != group {
		return nil, fmt.Errorf("message type %q requires a %s payload, got %s", t, group, payload.Group())
	}
	return &Message{
		ID:         uuid.NewString(),
		Type:       t,
		Priority:   priority,
		Payload:    payload,
		Context:    msgCtx,
		CreatedAt:  time.Now(),
		ConsumedBy: make(map[string]bool),
	}, nil
}
