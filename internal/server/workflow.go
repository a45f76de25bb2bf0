package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"actionline/internal/domain"
	"actionline/internal/engine"
)

func registerWorkflow(api huma.API, e *engine.Engine) {
	type workVerb struct {
		path    string
		id      string
		summary string
		run     func(ctx context.Context, actionID, note string) (domain.Event, error)
	}
	verbs := []workVerb{
		{"/actions/{id}/start", "start-work", "Mark work started", e.StartWork},
		{"/actions/{id}/stop", "stop-work", "Mark work stopped", e.StopWork},
		{"/actions/{id}/finish", "finish-work", "Mark work finished", e.FinishWork},
		{"/actions/{id}/block", "block-work", "Mark work blocked", e.BlockWork},
		{"/actions/{id}/unblock", "unblock-work", "Mark work unblocked", e.UnblockWork},
	}
	for _, v := range verbs {
		run := v.run
		huma.Register(api, huma.Operation{
			OperationID: v.id,
			Method:      http.MethodPost,
			Path:        v.path,
			Summary:     v.summary,
			Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
		}, func(ctx context.Context, input *struct {
			ID   string           `path:"id"`
			Body WorkEventRequest `json:"body"`
		}) (*struct {
			Body CommandResponse `json:"body"`
		}, error) {
			evt, err := run(ctx, input.ID, stringOrEmpty(input.Body.Note))
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body CommandResponse `json:"body"`
			}{Body: CommandResponse{Success: true, EventID: evt.ID, Event: eventResponse(evt)}}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "assign-action",
		Method:      http.MethodPost,
		Path:        "/actions/{id}/assign",
		Summary:     "Assign action",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body AssignRequest `json:"body"`
	}) (*struct {
		Body CommandResponse `json:"body"`
	}, error) {
		evt, err := e.Assign(ctx, input.ID, input.Body.Assignee)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CommandResponse `json:"body"`
		}{Body: CommandResponse{Success: true, EventID: evt.ID, Event: eventResponse(evt)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unassign-action",
		Method:      http.MethodPost,
		Path:        "/actions/{id}/unassign",
		Summary:     "Unassign action",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body CommandResponse `json:"body"`
	}, error) {
		evt, err := e.Unassign(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CommandResponse `json:"body"`
		}{Body: CommandResponse{Success: true, EventID: evt.ID, Event: eventResponse(evt)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-field-value",
		Method:      http.MethodPost,
		Path:        "/actions/{id}/fields",
		Summary:     "Record a field value",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body RecordFieldRequest `json:"body"`
	}) (*struct {
		Body CommandResponse `json:"body"`
	}, error) {
		evt, err := e.RecordFieldValue(ctx, input.ID, input.Body.FieldKey, input.Body.Value)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CommandResponse `json:"body"`
		}{Body: CommandResponse{Success: true, EventID: evt.ID, Event: eventResponse(evt)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-dependency",
		Method:      http.MethodPost,
		Path:        "/actions/{id}/dependencies",
		Summary:     "Add dependency edge",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body DependencyRequest `json:"body"`
	}) (*struct {
		Body CommandResponse `json:"body"`
	}, error) {
		evt, err := e.AddDependency(ctx, input.ID, input.Body.DependsOnActionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CommandResponse `json:"body"`
		}{Body: CommandResponse{Success: true, EventID: evt.ID, Event: eventResponse(evt)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-dependency",
		Method:      http.MethodPost,
		Path:        "/actions/{id}/dependencies/remove",
		Summary:     "Remove dependency edge",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body DependencyRequest `json:"body"`
	}) (*struct {
		Body CommandResponse `json:"body"`
	}, error) {
		evt, err := e.RemoveDependency(ctx, input.ID, input.Body.DependsOnActionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CommandResponse `json:"body"`
		}{Body: CommandResponse{Success: true, EventID: evt.ID, Event: eventResponse(evt)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "move-row",
		Method:      http.MethodPost,
		Path:        "/actions/{id}/move",
		Summary:     "Move surface row",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body MoveRowRequest `json:"body"`
	}) (*struct {
		Body CommandResponse `json:"body"`
	}, error) {
		evt, err := e.MoveRow(ctx, input.ID, input.Body.SurfaceType, input.Body.AfterActionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CommandResponse `json:"body"`
		}{Body: CommandResponse{Success: true, EventID: evt.ID, Event: eventResponse(evt)}}, nil
	})
}

func registerSurfaces(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-surface",
		Method:      http.MethodGet,
		Path:        "/contexts/{context_type}/{context_id}/surfaces/{surface_type}",
		Summary:     "Render workflow surface",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ContextType string `path:"context_type"`
		ContextID   string `path:"context_id"`
		SurfaceType string `path:"surface_type"`
	}) (*struct {
		Body SurfaceResponse `json:"body"`
	}, error) {
		nodes, err := e.Surface(ctx, input.ContextID, input.ContextType, input.SurfaceType)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SurfaceResponse `json:"body"`
		}{Body: SurfaceResponse{
			SurfaceType: input.SurfaceType,
			ContextID:   input.ContextID,
			ContextType: input.ContextType,
			Nodes:       nodes,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "refresh-surface",
		Method:      http.MethodPost,
		Path:        "/contexts/{context_type}/{context_id}/surfaces/{surface_type}/refresh",
		Summary:     "Force surface refresh",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ContextType string `path:"context_type"`
		ContextID   string `path:"context_id"`
		SurfaceType string `path:"surface_type"`
	}) (*struct {
		Body RefreshResponse `json:"body"`
	}, error) {
		if err := e.RefreshSurface(ctx, input.ContextID, input.ContextType, input.SurfaceType); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RefreshResponse `json:"body"`
		}{Body: RefreshResponse{
			Success: true,
			Message: fmt.Sprintf("surface %s refreshed for %s/%s", input.SurfaceType, input.ContextType, input.ContextID),
		}}, nil
	})
}

func registerReferences(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-references",
		Method:      http.MethodGet,
		Path:        "/actions/{id}/references",
		Summary:     "List action references",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body struct {
			Items []ReferenceResponse `json:"items"`
		} `json:"body"`
	}, error) {
		refs, err := e.ListReferences(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items []ReferenceResponse `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = mapReferences(refs)
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-reference",
		Method:        http.MethodPost,
		Path:          "/actions/{id}/references",
		Summary:       "Add action reference",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body ReferenceInput `json:"body"`
	}) (*struct {
		Body ReferenceResponse `json:"body"`
	}, error) {
		opts := engine.AddReferenceOptions{
			ActionID:      input.ID,
			Mode:          input.Body.Mode,
			SnapshotValue: input.Body.SnapshotValue,
		}
		if input.Body.SourceRecordID != nil {
			opts.SourceRecordID = *input.Body.SourceRecordID
		}
		if input.Body.TargetFieldKey != nil {
			opts.TargetFieldKey = *input.Body.TargetFieldKey
		}
		ref, _, err := e.AddReference(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReferenceResponse `json:"body"`
		}{Body: referenceResponse(ref)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-references",
		Method:      http.MethodPut,
		Path:        "/actions/{id}/references",
		Summary:     "Reconcile action references to a desired set",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body SetReferencesRequest `json:"body"`
	}) (*struct {
		Body SetReferencesResponse `json:"body"`
	}, error) {
		res, err := e.SetReferences(ctx, input.ID, referencesFromRequest(input.Body.References))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SetReferencesResponse `json:"body"`
		}{Body: SetReferencesResponse{
			Added:      res.Added,
			Removed:    res.Removed,
			References: mapReferences(res.References),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-reference",
		Method:      http.MethodPost,
		Path:        "/actions/{id}/references/remove",
		Summary:     "Remove action reference",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body RemoveReferenceRequest `json:"body"`
	}) (*struct {
		Body CommandResponse `json:"body"`
	}, error) {
		evt, err := e.RemoveReference(ctx, input.Body.ReferenceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CommandResponse `json:"body"`
		}{Body: CommandResponse{Success: true, EventID: evt.ID, Event: eventResponse(evt)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-reference",
		Method:      http.MethodGet,
		Path:        "/references/{id}/resolve",
		Summary:     "Resolve reference with drift detection",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ResolutionResponse `json:"body"`
	}, error) {
		res, err := e.ResolveReference(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ResolutionResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerComposer(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "compose-action",
		Method:        http.MethodPost,
		Path:          "/composer",
		Summary:       "Compose action, field values and references in one call",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body ComposeRequest `json:"body"`
	}) (*struct {
		Body ComposeResponse `json:"body"`
	}, error) {
		opts := engine.ComposeOptions{
			Action: engine.DeclareOptions{
				ContextID:     input.Body.Action.ContextID,
				ContextType:   input.Body.Action.ContextType,
				Type:          input.Body.Action.Type,
				FieldBindings: bindingsFromRequest(input.Body.Action.FieldBindings),
			},
			FieldValues: bindingsFromRequest(input.Body.FieldValues),
			References:  referencesFromRequest(input.Body.References),
		}
		if input.Body.Action.ID != nil {
			opts.Action.ID = *input.Body.Action.ID
		}
		if input.Body.Action.ParentActionID != nil {
			opts.Action.ParentActionID = *input.Body.Action.ParentActionID
		}
		res, err := e.Compose(ctx, opts)
		if err != nil {
			return nil, handleComposeError(err, res)
		}
		return &struct {
			Body ComposeResponse `json:"body"`
		}{Body: ComposeResponse{
			Success:    true,
			Action:     actionResponse(res.Action),
			Events:     mapEvents(res.Events),
			References: mapReferences(res.References),
		}}, nil
	})
}

// handleComposeError keeps the inner error's status but reports the
// compose step and whatever events were already appended. Appended
// events are never rolled back, only reported.
func handleComposeError(err error, res engine.ComposeResult) huma.StatusError {
	var ce engine.ComposeError
	if !errors.As(err, &ce) {
		return handleError(err)
	}
	inner := handleError(ce.Err)
	status := inner.GetStatus()
	details := map[string]any{
		"step":    ce.Step,
		"partial": res.Partial,
	}
	if res.Action.ID != "" {
		details["action_id"] = res.Action.ID
	}
	if len(res.Events) > 0 {
		details["events_appended"] = len(res.Events)
	}
	return newAPIError(status, "compose_failed", ce.Error(), details)
}
