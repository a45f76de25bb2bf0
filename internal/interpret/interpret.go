// Package interpret derives read views from action event histories. The fold
// is a pure function of the event list: no hidden state, no storage access,
// so any two calls over the same history yield the same view.
package interpret

import (
	"sort"
	"strconv"
	"time"

	"actionline/internal/domain"
	"actionline/internal/events"
)

// ViewTypeDetail is the view type produced by Action.
const ViewTypeDetail = "detail"

// Well-known field keys recognized in bindings and FIELD_VALUE_RECORDED
// events.
const (
	FieldTitle           = "title"
	FieldDescription     = "description"
	FieldDueDate         = "due_date"
	FieldPercentComplete = "percent_complete"
)

// Action folds an action's events into an ActionView. Events are applied in
// (seq, id) order; an event inserted later wins when sequence numbers tie.
// now stamps RenderedAt and does not influence any derived field.
func Action(actionID string, evs []domain.Event, now time.Time) domain.ActionView {
	ordered := make([]domain.Event, len(evs))
	copy(ordered, evs)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Seq != ordered[j].Seq {
			return ordered[i].Seq < ordered[j].Seq
		}
		return ordered[i].ID < ordered[j].ID
	})

	view := domain.ActionView{
		ActionID:   actionID,
		ViewType:   ViewTypeDetail,
		Data:       domain.ActionViewData{Status: domain.StatusPending},
		EventCount: len(ordered),
		RenderedAt: now.UTC().Format(time.RFC3339),
	}
	statusBeforeBlock := ""
	for _, e := range ordered {
		switch events.Type(e.Type) {
		case events.TypeActionDeclared:
			var p events.DeclaredPayload
			if err := events.Decode(e, &p); err == nil {
				applyBindings(&view.Data, p.FieldBindings)
			}
		case events.TypeActionAmended:
			// Amendment replaces intent wholesale but never completion:
			// status is untouched.
			var p events.AmendedPayload
			if err := events.Decode(e, &p); err == nil {
				applyBindings(&view.Data, p.FieldBindings)
			}
		case events.TypeActionRetracted:
			// Duplicate retractions collapse; the underlying status stays
			// visible alongside the flag.
			view.Retracted = true
		case events.TypeWorkStarted:
			if view.Data.Status != domain.StatusFinished {
				view.Data.Status = domain.StatusActive
			}
		case events.TypeWorkStopped:
			if view.Data.Status == domain.StatusActive {
				view.Data.Status = domain.StatusPending
			}
		case events.TypeWorkBlocked:
			if view.Data.Status != domain.StatusFinished && view.Data.Status != domain.StatusBlocked {
				statusBeforeBlock = view.Data.Status
				view.Data.Status = domain.StatusBlocked
			}
		case events.TypeWorkUnblocked:
			if view.Data.Status == domain.StatusBlocked {
				if statusBeforeBlock == domain.StatusActive {
					view.Data.Status = domain.StatusActive
				} else {
					view.Data.Status = domain.StatusPending
				}
			}
		case events.TypeWorkFinished:
			view.Data.Status = domain.StatusFinished
		case events.TypeAssignmentOccurred:
			var p events.AssignmentPayload
			if err := events.Decode(e, &p); err == nil && p.Assignee != "" {
				assignee := p.Assignee
				view.Data.Assignee = &assignee
			}
		case events.TypeAssignmentRemoved:
			view.Data.Assignee = nil
		case events.TypeFieldValueRecorded:
			var p events.FieldValuePayload
			if err := events.Decode(e, &p); err == nil {
				applyField(&view.Data, p.FieldKey, p.Value)
			}
		case events.TypeDependencyAdded, events.TypeDependencyRemoved,
			events.TypeRowMoved,
			events.TypeActionReferenceAdded, events.TypeActionReferenceRemoved,
			events.TypeSystemNote, events.TypeSystemSurfaceRefreshed:
			// Structural and housekeeping events do not contribute to the
			// per-action view.
		}
	}
	return view
}

// applyBindings resets the binding-derived fields and applies the snapshot.
// Later FIELD_VALUE_RECORDED events still win because the fold continues
// past this point.
func applyBindings(data *domain.ActionViewData, bindings []domain.FieldBinding) {
	data.Title = ""
	data.Description = ""
	data.DueDate = nil
	data.PercentComplete = nil
	for _, b := range bindings {
		applyField(data, b.FieldKey, b.Value)
	}
}

func applyField(data *domain.ActionViewData, key, value string) {
	switch key {
	case FieldTitle:
		data.Title = value
	case FieldDescription:
		data.Description = value
	case FieldDueDate:
		if value == "" {
			data.DueDate = nil
		} else {
			v := value
			data.DueDate = &v
		}
	case FieldPercentComplete:
		if n, err := strconv.Atoi(value); err == nil {
			data.PercentComplete = &n
		}
	}
}
