package interpret_test

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"actionline/internal/domain"
	"actionline/internal/events"
	"actionline/internal/interpret"
)

var testNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func evt(id, seq int64, evtType events.Type, payload any) domain.Event {
	data := "{}"
	if payload != nil {
		b, _ := json.Marshal(payload)
		data = string(b)
	}
	return domain.Event{
		ID:          id,
		ContextID:   "ctx-1",
		ContextType: "project",
		Seq:         seq,
		ActionID:    "act-1",
		Type:        string(evtType),
		Payload:     data,
		OccurredAt:  testNow.Format(time.RFC3339),
	}
}

func declared(id, seq int64, bindings ...domain.FieldBinding) domain.Event {
	return evt(id, seq, events.TypeActionDeclared, events.DeclaredPayload{
		ActionType:    "task",
		FieldBindings: bindings,
	})
}

func TestStatusLifecycle(t *testing.T) {
	history := []domain.Event{
		declared(1, 1, domain.FieldBinding{FieldKey: "title", Value: "Ship it"}),
	}
	view := interpret.Action("act-1", history, testNow)
	if view.Data.Status != domain.StatusPending {
		t.Fatalf("declared action should be pending, got %s", view.Data.Status)
	}
	if view.Data.Title != "Ship it" {
		t.Fatalf("title not folded: %q", view.Data.Title)
	}

	history = append(history, evt(2, 2, events.TypeWorkStarted, nil))
	if got := interpret.Action("act-1", history, testNow).Data.Status; got != domain.StatusActive {
		t.Fatalf("after start: %s", got)
	}

	history = append(history, evt(3, 3, events.TypeWorkBlocked, nil))
	if got := interpret.Action("act-1", history, testNow).Data.Status; got != domain.StatusBlocked {
		t.Fatalf("after block: %s", got)
	}

	// Unblocking restores the status held before the block.
	history = append(history, evt(4, 4, events.TypeWorkUnblocked, nil))
	if got := interpret.Action("act-1", history, testNow).Data.Status; got != domain.StatusActive {
		t.Fatalf("after unblock: %s", got)
	}

	history = append(history, evt(5, 5, events.TypeWorkStopped, nil))
	if got := interpret.Action("act-1", history, testNow).Data.Status; got != domain.StatusPending {
		t.Fatalf("after stop: %s", got)
	}

	history = append(history, evt(6, 6, events.TypeWorkFinished, nil))
	if got := interpret.Action("act-1", history, testNow).Data.Status; got != domain.StatusFinished {
		t.Fatalf("after finish: %s", got)
	}
}

func TestFinishedIsSticky(t *testing.T) {
	history := []domain.Event{
		declared(1, 1),
		evt(2, 2, events.TypeWorkStarted, nil),
		evt(3, 3, events.TypeWorkFinished, nil),
		evt(4, 4, events.TypeWorkStarted, nil),
		evt(5, 5, events.TypeWorkBlocked, nil),
		evt(6, 6, events.TypeWorkStopped, nil),
	}
	view := interpret.Action("act-1", history, testNow)
	if view.Data.Status != domain.StatusFinished {
		t.Fatalf("finished must survive later work events, got %s", view.Data.Status)
	}
}

func TestOrderIndependence(t *testing.T) {
	ordered := []domain.Event{
		declared(1, 1, domain.FieldBinding{FieldKey: "title", Value: "A"}),
		evt(2, 2, events.TypeWorkStarted, nil),
		evt(3, 3, events.TypeFieldValueRecorded, events.FieldValuePayload{FieldKey: "title", Value: "B"}),
		evt(4, 4, events.TypeAssignmentOccurred, events.AssignmentPayload{Assignee: "dana"}),
	}
	shuffled := []domain.Event{ordered[3], ordered[1], ordered[0], ordered[2]}

	a := interpret.Action("act-1", ordered, testNow)
	b := interpret.Action("act-1", shuffled, testNow)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("fold depends on slice order:\n%+v\n%+v", a, b)
	}
	if a.Data.Title != "B" {
		t.Fatalf("later field value should win, got %q", a.Data.Title)
	}
}

func TestRetractedIsAFlag(t *testing.T) {
	history := []domain.Event{
		declared(1, 1),
		evt(2, 2, events.TypeWorkStarted, nil),
		evt(3, 3, events.TypeActionRetracted, events.RetractedPayload{Reason: "duplicate"}),
		evt(4, 4, events.TypeActionRetracted, nil),
	}
	view := interpret.Action("act-1", history, testNow)
	if !view.Retracted {
		t.Fatal("expected retracted flag")
	}
	if view.Data.Status != domain.StatusActive {
		t.Fatalf("retraction must not change status, got %s", view.Data.Status)
	}
	if view.EventCount != 4 {
		t.Fatalf("event count %d", view.EventCount)
	}
}

func TestAmendReplacesBindings(t *testing.T) {
	history := []domain.Event{
		declared(1, 1,
			domain.FieldBinding{FieldKey: "title", Value: "Old"},
			domain.FieldBinding{FieldKey: "description", Value: "keep?"},
		),
		evt(2, 2, events.TypeActionAmended, events.AmendedPayload{
			FieldBindings: []domain.FieldBinding{{FieldKey: "title", Value: "New"}},
		}),
	}
	view := interpret.Action("act-1", history, testNow)
	if view.Data.Title != "New" {
		t.Fatalf("title %q", view.Data.Title)
	}
	if view.Data.Description != "" {
		t.Fatalf("amendment must replace bindings wholesale, description %q", view.Data.Description)
	}

	// A field value recorded after the amendment still wins.
	history = append(history, evt(3, 3, events.TypeFieldValueRecorded, events.FieldValuePayload{FieldKey: "description", Value: "refined"}))
	view = interpret.Action("act-1", history, testNow)
	if view.Data.Description != "refined" {
		t.Fatalf("later field value lost, description %q", view.Data.Description)
	}
}

func TestAmendKeepsStatus(t *testing.T) {
	history := []domain.Event{
		declared(1, 1),
		evt(2, 2, events.TypeWorkFinished, nil),
		evt(3, 3, events.TypeActionAmended, events.AmendedPayload{
			FieldBindings: []domain.FieldBinding{{FieldKey: "title", Value: "renamed"}},
		}),
	}
	view := interpret.Action("act-1", history, testNow)
	if view.Data.Status != domain.StatusFinished {
		t.Fatalf("amendment must not touch status, got %s", view.Data.Status)
	}
}

func TestWellKnownFields(t *testing.T) {
	history := []domain.Event{
		declared(1, 1),
		evt(2, 2, events.TypeFieldValueRecorded, events.FieldValuePayload{FieldKey: "due_date", Value: "2024-02-01"}),
		evt(3, 3, events.TypeFieldValueRecorded, events.FieldValuePayload{FieldKey: "percent_complete", Value: "40"}),
		evt(4, 4, events.TypeAssignmentOccurred, events.AssignmentPayload{Assignee: "sam"}),
		evt(5, 5, events.TypeAssignmentRemoved, nil),
	}
	view := interpret.Action("act-1", history, testNow)
	if view.Data.DueDate == nil || *view.Data.DueDate != "2024-02-01" {
		t.Fatalf("due date %v", view.Data.DueDate)
	}
	if view.Data.PercentComplete == nil || *view.Data.PercentComplete != 40 {
		t.Fatalf("percent complete %v", view.Data.PercentComplete)
	}
	if view.Data.Assignee != nil {
		t.Fatalf("assignee should be cleared, got %v", *view.Data.Assignee)
	}
}

func TestTieBreakByInsertionOrder(t *testing.T) {
	// Same seq, different ids: the later insertion wins.
	history := []domain.Event{
		declared(1, 1),
		evt(2, 2, events.TypeFieldValueRecorded, events.FieldValuePayload{FieldKey: "title", Value: "first"}),
		evt(3, 2, events.TypeFieldValueRecorded, events.FieldValuePayload{FieldKey: "title", Value: "second"}),
	}
	view := interpret.Action("act-1", history, testNow)
	if view.Data.Title != "second" {
		t.Fatalf("tie-break by id failed, title %q", view.Data.Title)
	}
}
