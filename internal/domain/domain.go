package domain

// FieldBinding is one key/value pair attached to an action's intent.
type FieldBinding struct {
	FieldKey string `json:"field_key"`
	Value    string `json:"value"`
}

// Action is a mutable intent envelope. FieldBindings hold the current
// declared bindings for display; the event log keeps the full history.
type Action struct {
	ID             string         `json:"id"`
	ContextID      string         `json:"context_id"`
	ContextType    string         `json:"context_type"`
	Type           string         `json:"type"`
	FieldBindings  []FieldBinding `json:"field_bindings"`
	ParentActionID *string        `json:"parent_action_id,omitempty"`
	CreatedAt      string         `json:"created_at" format:"date-time"`
}

// Event is an immutable fact in the append-only log. Seq is assigned at
// append time and is monotonically increasing per context; ID is the global
// insertion order used as tie-break.
type Event struct {
	ID          int64  `json:"id"`
	ContextID   string `json:"context_id"`
	ContextType string `json:"context_type"`
	Seq         int64  `json:"seq"`
	ActionID    string `json:"action_id,omitempty"`
	Type        string `json:"type"`
	Payload     string `json:"payload_json"`
	OccurredAt  string `json:"occurred_at" format:"date-time"`
}

// Action statuses derived by the interpreter.
const (
	StatusPending  = "pending"
	StatusActive   = "active"
	StatusBlocked  = "blocked"
	StatusFinished = "finished"
)

// ActionViewData is the read-optimized field set of an interpreted action.
type ActionViewData struct {
	Title           string  `json:"title"`
	Description     string  `json:"description,omitempty"`
	Status          string  `json:"status" enum:"pending,active,blocked,finished"`
	Assignee        *string `json:"assignee,omitempty"`
	DueDate         *string `json:"due_date,omitempty"`
	PercentComplete *int    `json:"percent_complete,omitempty"`
}

// ActionView is an ephemeral projection of one action's event history.
// It is recomputed on demand and never stored as the system of record.
type ActionView struct {
	ActionID   string         `json:"action_id"`
	ViewType   string         `json:"view_type"`
	Data       ActionViewData `json:"data"`
	Retracted  bool           `json:"retracted"`
	EventCount int            `json:"event_count"`
	RenderedAt string         `json:"rendered_at" format:"date-time"`
}

// Reference modes.
const (
	RefModeStatic  = "static"
	RefModeDynamic = "dynamic"
)

// ActionReference is a snapshot row linking an action to an external record.
// The row is a query-fast mirror of ACTION_REFERENCE_ADDED/REMOVED events and
// is always rebuildable by replay.
type ActionReference struct {
	ID             string  `json:"id"`
	ActionID       string  `json:"action_id"`
	SourceRecordID *string `json:"source_record_id,omitempty"`
	TargetFieldKey *string `json:"target_field_key,omitempty"`
	Mode           string  `json:"mode" enum:"static,dynamic"`
	SnapshotValue  string  `json:"snapshot_value"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
}

// SurfaceNodePayload carries the interpreted display fields of a node.
type SurfaceNodePayload struct {
	Title     string   `json:"title"`
	Status    string   `json:"status"`
	Assignees []string `json:"assignees"`
}

// SurfaceNodeFlags annotate a node with cheap-to-render metadata.
type SurfaceNodeFlags struct {
	HasChildren bool `json:"has_children"`
	EventCount  int  `json:"event_count"`
}

// WorkflowSurfaceNode is one materialized row of a workflow surface. The
// encoding is an inverted tree: the parent is the blocked action and the
// children are its prerequisites. A prerequisite blocking several actions is
// duplicated under each of them; a node never has more than one parent
// within a surface instance.
type WorkflowSurfaceNode struct {
	ActionID       string             `json:"action_id"`
	ParentActionID *string            `json:"parent_action_id,omitempty"`
	Position       int                `json:"position"`
	Payload        SurfaceNodePayload `json:"payload"`
	Flags          SurfaceNodeFlags   `json:"flags"`
}

// Context is a registered display context (project, process, stage or
// subprocess) that owns actions and events.
type Context struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
