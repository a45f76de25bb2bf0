package engine

import (
	"context"

	"actionline/internal/domain"
)

// ComposeOptions bundle the declare + field values + references sequence.
type ComposeOptions struct {
	Action      DeclareOptions
	FieldValues []domain.FieldBinding
	References  []domain.ActionReference
}

// ComposeResult reports everything a compose appended. When Partial is true
// the sequence stopped mid-way: the events already appended stay in the log
// and FailedStep names where it stopped so the caller can issue a
// compensating retraction.
type ComposeResult struct {
	Action     domain.Action
	Events     []domain.Event
	References []domain.ActionReference
	Partial    bool
	FailedStep string
}

// Compose orchestrates declare, one FIELD_VALUE_RECORDED event per supplied
// value, then a bulk reference replace. The log is append-only, so earlier
// steps are never rolled back on a later failure; the error reports the
// failed step explicitly instead of being swallowed.
func (e *Engine) Compose(ctx context.Context, opts ComposeOptions) (ComposeResult, error) {
	a, declared, err := e.DeclareAction(ctx, opts.Action)
	if err != nil {
		return ComposeResult{FailedStep: "declare"}, ComposeError{Step: "declare", Err: err}
	}
	result := ComposeResult{Action: a, Events: []domain.Event{declared}}

	for _, fv := range opts.FieldValues {
		evt, err := e.RecordFieldValue(ctx, a.ID, fv.FieldKey, fv.Value)
		if err != nil {
			result.Partial = true
			result.FailedStep = "field_values"
			return result, ComposeError{Step: "field_values", Err: err}
		}
		result.Events = append(result.Events, evt)
	}

	if len(opts.References) > 0 {
		set, err := e.SetReferences(ctx, a.ID, opts.References)
		if err != nil {
			result.Partial = true
			result.FailedStep = "references"
			return result, ComposeError{Step: "references", Err: err}
		}
		result.Events = append(result.Events, set.Events...)
		result.References = set.References
	}

	e.Logger.Info("composed action", "action_id", a.ID, "events", len(result.Events))
	return result, nil
}
