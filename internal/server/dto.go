package server

import (
	"encoding/json"

	"actionline/internal/domain"
	"actionline/internal/refs"
)

// Request payloads

type FieldBindingRequest struct {
	FieldKey string `json:"field_key"`
	Value    string `json:"value"`
}

type DeclareActionRequest struct {
	ID             *string               `json:"id,omitempty"`
	ContextID      string                `json:"context_id"`
	ContextType    string                `json:"context_type" enum:"project,process,stage,subprocess"`
	Type           string                `json:"type"`
	FieldBindings  []FieldBindingRequest `json:"field_bindings"`
	ParentActionID *string               `json:"parent_action_id,omitempty"`
}

type RetractActionRequest struct {
	Reason *string `json:"reason,omitempty"`
}

type AmendActionRequest struct {
	FieldBindings []FieldBindingRequest `json:"field_bindings"`
	Reason        *string               `json:"reason,omitempty"`
}

type EmitEventRequest struct {
	ContextID   string         `json:"context_id"`
	ContextType string         `json:"context_type"`
	ActionID    *string        `json:"action_id,omitempty"`
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type WorkEventRequest struct {
	Note *string `json:"note,omitempty"`
}

type AssignRequest struct {
	Assignee string `json:"assignee"`
}

type RecordFieldRequest struct {
	FieldKey string `json:"field_key"`
	Value    string `json:"value"`
}

type DependencyRequest struct {
	DependsOnActionID string `json:"depends_on_action_id"`
}

type MoveRowRequest struct {
	SurfaceType   string  `json:"surface_type"`
	AfterActionID *string `json:"after_action_id"`
}

type ReferenceInput struct {
	SourceRecordID *string `json:"source_record_id,omitempty"`
	TargetFieldKey *string `json:"target_field_key,omitempty"`
	Mode           string  `json:"mode" enum:"static,dynamic"`
	SnapshotValue  *string `json:"snapshot_value,omitempty"`
}

type SetReferencesRequest struct {
	References []ReferenceInput `json:"references"`
}

type RemoveReferenceRequest struct {
	ReferenceID string `json:"reference_id"`
}

type ComposeRequest struct {
	Action      DeclareActionRequest  `json:"action"`
	FieldValues []FieldBindingRequest `json:"field_values,omitempty"`
	References  []ReferenceInput      `json:"references,omitempty"`
}

// Response payloads

type ActionResponse struct {
	ID             string                `json:"id"`
	ContextID      string                `json:"context_id"`
	ContextType    string                `json:"context_type"`
	Type           string                `json:"type"`
	FieldBindings  []FieldBindingRequest `json:"field_bindings"`
	ParentActionID *string               `json:"parent_action_id,omitempty"`
	CreatedAt      string                `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID          int64           `json:"id"`
	ContextID   string          `json:"context_id"`
	ContextType string          `json:"context_type"`
	Seq         int64           `json:"seq"`
	ActionID    string          `json:"action_id,omitempty"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	OccurredAt  string          `json:"occurred_at" format:"date-time"`
}

type CommandResponse struct {
	Success bool          `json:"success"`
	EventID int64         `json:"event_id"`
	Event   EventResponse `json:"event"`
}

type ActionCommandResponse struct {
	Success bool           `json:"success"`
	Action  ActionResponse `json:"action"`
	EventID int64          `json:"event_id"`
}

type ReferenceResponse struct {
	ID             string  `json:"id"`
	ActionID       string  `json:"action_id"`
	SourceRecordID *string `json:"source_record_id,omitempty"`
	TargetFieldKey *string `json:"target_field_key,omitempty"`
	Mode           string  `json:"mode"`
	SnapshotValue  string  `json:"snapshot_value"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
}

type SetReferencesResponse struct {
	Added      int                 `json:"added"`
	Removed    int                 `json:"removed"`
	References []ReferenceResponse `json:"references"`
}

type SurfaceResponse struct {
	SurfaceType string                       `json:"surface_type"`
	ContextID   string                       `json:"context_id"`
	ContextType string                       `json:"context_type"`
	Nodes       []domain.WorkflowSurfaceNode `json:"nodes"`
}

type RefreshResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type ViewBody struct {
	View domain.ActionView `json:"view"`
}

type ComposeResponse struct {
	Success    bool                `json:"success"`
	Action     ActionResponse      `json:"action"`
	Events     []EventResponse     `json:"events"`
	References []ReferenceResponse `json:"references"`
}

// Mapping helpers

func bindingsFromRequest(in []FieldBindingRequest) []domain.FieldBinding {
	out := make([]domain.FieldBinding, 0, len(in))
	for _, b := range in {
		out = append(out, domain.FieldBinding{FieldKey: b.FieldKey, Value: b.Value})
	}
	return out
}

func bindingsResponse(in []domain.FieldBinding) []FieldBindingRequest {
	out := make([]FieldBindingRequest, 0, len(in))
	for _, b := range in {
		out = append(out, FieldBindingRequest{FieldKey: b.FieldKey, Value: b.Value})
	}
	return out
}

func actionResponse(a domain.Action) ActionResponse {
	return ActionResponse{
		ID:             a.ID,
		ContextID:      a.ContextID,
		ContextType:    a.ContextType,
		Type:           a.Type,
		FieldBindings:  bindingsResponse(a.FieldBindings),
		ParentActionID: a.ParentActionID,
		CreatedAt:      a.CreatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	payload := json.RawMessage("{}")
	if e.Payload != "" && json.Valid([]byte(e.Payload)) {
		payload = json.RawMessage(e.Payload)
	}
	return EventResponse{
		ID:          e.ID,
		ContextID:   e.ContextID,
		ContextType: e.ContextType,
		Seq:         e.Seq,
		ActionID:    e.ActionID,
		Type:        e.Type,
		Payload:     payload,
		OccurredAt:  e.OccurredAt,
	}
}

func mapEvents(in []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(in))
	for _, e := range in {
		out = append(out, eventResponse(e))
	}
	return out
}

func referenceResponse(r domain.ActionReference) ReferenceResponse {
	return ReferenceResponse{
		ID:             r.ID,
		ActionID:       r.ActionID,
		SourceRecordID: r.SourceRecordID,
		TargetFieldKey: r.TargetFieldKey,
		Mode:           r.Mode,
		SnapshotValue:  r.SnapshotValue,
		CreatedAt:      r.CreatedAt,
	}
}

func mapReferences(in []domain.ActionReference) []ReferenceResponse {
	out := make([]ReferenceResponse, 0, len(in))
	for _, r := range in {
		out = append(out, referenceResponse(r))
	}
	return out
}

func referencesFromRequest(in []ReferenceInput) []domain.ActionReference {
	out := make([]domain.ActionReference, 0, len(in))
	for _, r := range in {
		ref := domain.ActionReference{
			SourceRecordID: r.SourceRecordID,
			TargetFieldKey: r.TargetFieldKey,
			Mode:           r.Mode,
		}
		if r.SnapshotValue != nil {
			ref.SnapshotValue = *r.SnapshotValue
		}
		out = append(out, ref)
	}
	return out
}

type ResolutionResponse = refs.Resolution
