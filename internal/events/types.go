package events

import "actionline/internal/domain"

// Type identifies the kind of an event in the closed vocabulary.
type Type string

// Action lifecycle events.
const (
	// TypeActionDeclared records the declaration of an action.
	TypeActionDeclared Type = "ACTION_DECLARED"
	// TypeActionRetracted records the retraction of an action.
	TypeActionRetracted Type = "ACTION_RETRACTED"
	// TypeActionAmended records a wholesale replacement of field bindings.
	TypeActionAmended Type = "ACTION_AMENDED"
)

// Work progress events.
const (
	TypeWorkStarted   Type = "WORK_STARTED"
	TypeWorkStopped   Type = "WORK_STOPPED"
	TypeWorkFinished  Type = "WORK_FINISHED"
	TypeWorkBlocked   Type = "WORK_BLOCKED"
	TypeWorkUnblocked Type = "WORK_UNBLOCKED"
)

// Assignment and field events.
const (
	TypeAssignmentOccurred Type = "ASSIGNMENT_OCCURRED"
	TypeAssignmentRemoved  Type = "ASSIGNMENT_REMOVED"
	TypeFieldValueRecorded Type = "FIELD_VALUE_RECORDED"
)

// Dependency and surface events.
const (
	TypeDependencyAdded   Type = "DEPENDENCY_ADDED"
	TypeDependencyRemoved Type = "DEPENDENCY_REMOVED"
	TypeRowMoved          Type = "ROW_MOVED"
)

// Reference events.
const (
	TypeActionReferenceAdded   Type = "ACTION_REFERENCE_ADDED"
	TypeActionReferenceRemoved Type = "ACTION_REFERENCE_REMOVED"
)

// Housekeeping events.
const (
	TypeSystemNote             Type = "SYSTEM_NOTE"
	TypeSystemSurfaceRefreshed Type = "SYSTEM_SURFACE_REFRESHED"
)

var known = map[Type]struct{}{
	TypeActionDeclared:         {},
	TypeActionRetracted:        {},
	TypeActionAmended:          {},
	TypeWorkStarted:            {},
	TypeWorkStopped:            {},
	TypeWorkFinished:           {},
	TypeWorkBlocked:            {},
	TypeWorkUnblocked:          {},
	TypeAssignmentOccurred:     {},
	TypeAssignmentRemoved:      {},
	TypeFieldValueRecorded:     {},
	TypeDependencyAdded:        {},
	TypeDependencyRemoved:      {},
	TypeRowMoved:               {},
	TypeActionReferenceAdded:   {},
	TypeActionReferenceRemoved: {},
	TypeSystemNote:             {},
	TypeSystemSurfaceRefreshed: {},
}

// IsValid reports whether the type belongs to the closed vocabulary.
func (t Type) IsValid() bool {
	_, ok := known[t]
	return ok
}

// RequiresAction reports whether events of this type must carry an action id.
func (t Type) RequiresAction() bool {
	switch t {
	case TypeSystemNote, TypeSystemSurfaceRefreshed:
		return false
	}
	return true
}

// Structural reports whether events of this type mutate the dependency graph
// or row ordering. Structural events carry preconditions (acyclicity, anchor
// validation) that only their dedicated commands enforce.
func (t Type) Structural() bool {
	switch t {
	case TypeDependencyAdded, TypeDependencyRemoved, TypeRowMoved:
		return true
	}
	return false
}

// DeclaredPayload captures the payload of ACTION_DECLARED events. It carries
// the full binding snapshot at declaration time.
type DeclaredPayload struct {
	ActionType     string                `json:"action_type"`
	FieldBindings  []domain.FieldBinding `json:"field_bindings"`
	ParentActionID string                `json:"parent_action_id,omitempty"`
}

// RetractedPayload captures the payload of ACTION_RETRACTED events.
type RetractedPayload struct {
	Reason string `json:"reason,omitempty"`
}

// AmendedPayload captures the payload of ACTION_AMENDED events. Bindings
// replace the prior set wholesale.
type AmendedPayload struct {
	FieldBindings []domain.FieldBinding `json:"field_bindings"`
	Reason        string                `json:"reason,omitempty"`
}

// WorkPayload captures the payload of WORK_* events.
type WorkPayload struct {
	Note string `json:"note,omitempty"`
}

// AssignmentPayload captures the payload of ASSIGNMENT_* events.
type AssignmentPayload struct {
	Assignee string `json:"assignee"`
}

// FieldValuePayload captures the payload of FIELD_VALUE_RECORDED events.
type FieldValuePayload struct {
	FieldKey string `json:"field_key"`
	Value    string `json:"value"`
}

// DependencyPayload captures the payload of DEPENDENCY_ADDED/REMOVED events.
// ActionID is the blocked action, DependsOnActionID its prerequisite.
type DependencyPayload struct {
	ActionID          string `json:"action_id"`
	DependsOnActionID string `json:"depends_on_action_id"`
}

// RowMovedPayload captures the payload of ROW_MOVED events. A nil
// AfterActionID anchors the row first among its siblings.
type RowMovedPayload struct {
	SurfaceType   string  `json:"surface_type"`
	AfterActionID *string `json:"after_action_id"`
}

// ReferencePayload captures the payload of ACTION_REFERENCE_ADDED/REMOVED
// events.
type ReferencePayload struct {
	ReferenceID    string `json:"reference_id"`
	SourceRecordID string `json:"source_record_id,omitempty"`
	TargetFieldKey string `json:"target_field_key,omitempty"`
	Mode           string `json:"mode,omitempty"`
	SnapshotValue  string `json:"snapshot_value,omitempty"`
}

// NotePayload captures the payload of SYSTEM_NOTE events.
type NotePayload struct {
	Note string `json:"note"`
}

// SurfaceRefreshedPayload captures the payload of SYSTEM_SURFACE_REFRESHED
// events.
type SurfaceRefreshedPayload struct {
	SurfaceType string `json:"surface_type,omitempty"`
}
