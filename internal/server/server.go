package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"actionline/internal/engine"
	"actionline/internal/events"
	"actionline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"cyclic_dependency"`
	Message string         `json:"message" example:"dependency a -> b would create a cycle"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Actionline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	hcfg := huma.DefaultConfig("Actionline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerActions(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerWorkflow(group, cfg.Engine)
	registerSurfaces(group, cfg.Engine)
	registerReferences(group, cfg.Engine)
	registerComposer(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "validation_error", err.Error(), map[string]any{"field": ve.Field})
	}
	var ua engine.UnknownActionError
	if errors.As(err, &ua) {
		return newAPIError(http.StatusNotFound, "unknown_action", err.Error(), map[string]any{"action_id": ua.ActionID})
	}
	var uc engine.UnknownContextError
	if errors.As(err, &uc) {
		return newAPIError(http.StatusNotFound, "unknown_context", err.Error(), map[string]any{"context_type": uc.ContextType})
	}
	var cd engine.CyclicDependencyError
	if errors.As(err, &cd) {
		return newAPIError(http.StatusConflict, "cyclic_dependency", err.Error(), map[string]any{
			"action_id":            cd.ActionID,
			"depends_on_action_id": cd.DependsOnActionID,
		})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "database is locked") || strings.Contains(lowered, "busy") {
		return newAPIError(http.StatusConflict, "concurrent_modification", "storage conflict, retry the command", nil)
	}
	return newAPIError(http.StatusInternalServerError, "storage_failure", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "validation_error"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_error"
	case http.StatusInternalServerError:
		return "storage_failure"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Actionline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStatus(api huma.API, e *engine.Engine) {
	type contextStatus struct {
		ContextID   string `json:"context_id"`
		ContextType string `json:"context_type"`
		Actions     int    `json:"actions"`
		Events      int    `json:"events"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Registered contexts and counters",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Contexts []contextStatus `json:"contexts"`
		} `json:"body"`
	}, error) {
		contexts, err := e.Repo.ListContexts(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Contexts []contextStatus `json:"contexts"`
			} `json:"body"`
		}{}
		out.Body.Contexts = []contextStatus{}
		for _, c := range contexts {
			stats, err := e.Repo.GetContextStats(ctx, c.ID, c.Type)
			if err != nil {
				return nil, handleError(err)
			}
			out.Body.Contexts = append(out.Body.Contexts, contextStatus{
				ContextID:   c.ID,
				ContextType: c.Type,
				Actions:     stats.Actions,
				Events:      stats.Events,
			})
		}
		return out, nil
	})
}

func registerActions(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "declare-action",
		Method:        http.MethodPost,
		Path:          "/actions",
		Summary:       "Declare action",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DeclareActionRequest `json:"body"`
	}) (*struct {
		Body ActionResponse `json:"body"`
	}, error) {
		opts := engine.DeclareOptions{
			ContextID:     input.Body.ContextID,
			ContextType:   input.Body.ContextType,
			Type:          input.Body.Type,
			FieldBindings: bindingsFromRequest(input.Body.FieldBindings),
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.ParentActionID != nil {
			opts.ParentActionID = *input.Body.ParentActionID
		}
		a, _, err := e.DeclareAction(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActionResponse `json:"body"`
		}{Body: actionResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-action",
		Method:      http.MethodGet,
		Path:        "/actions/{id}",
		Summary:     "Get action",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ActionResponse `json:"body"`
	}, error) {
		a, err := e.Repo.GetAction(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActionResponse `json:"body"`
		}{Body: actionResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-actions",
		Method:      http.MethodGet,
		Path:        "/actions",
		Summary:     "List actions",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ContextID   string `query:"context_id"`
		ContextType string `query:"context_type"`
		Type        string `query:"type"`
		Limit       int    `query:"limit" default:"50"`
	}) (*struct {
		Body struct {
			Items []ActionResponse `json:"items"`
		} `json:"body"`
	}, error) {
		actions, err := e.Repo.ListActions(ctx, repo.ActionFilters{
			ContextID:   input.ContextID,
			ContextType: input.ContextType,
			Type:        input.Type,
			Limit:       input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items []ActionResponse `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = []ActionResponse{}
		for _, a := range actions {
			out.Body.Items = append(out.Body.Items, actionResponse(a))
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retract-action",
		Method:      http.MethodPost,
		Path:        "/actions/{id}/retract",
		Summary:     "Retract action",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body RetractActionRequest `json:"body"`
	}) (*struct {
		Body ActionCommandResponse `json:"body"`
	}, error) {
		evt, err := e.RetractAction(ctx, input.ID, stringOrEmpty(input.Body.Reason))
		if err != nil {
			return nil, handleError(err)
		}
		a, err := e.Repo.GetAction(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActionCommandResponse `json:"body"`
		}{Body: ActionCommandResponse{Success: true, Action: actionResponse(a), EventID: evt.ID}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "amend-action",
		Method:      http.MethodPost,
		Path:        "/actions/{id}/amend",
		Summary:     "Amend action bindings",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body AmendActionRequest `json:"body"`
	}) (*struct {
		Body ActionCommandResponse `json:"body"`
	}, error) {
		a, evt, err := e.AmendAction(ctx, input.ID, bindingsFromRequest(input.Body.FieldBindings), stringOrEmpty(input.Body.Reason))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActionCommandResponse `json:"body"`
		}{Body: ActionCommandResponse{Success: true, Action: actionResponse(a), EventID: evt.ID}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "interpret-action",
		Method:      http.MethodGet,
		Path:        "/actions/{id}/view",
		Summary:     "Interpret action into a view",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ViewBody `json:"body"`
	}, error) {
		view, err := e.InterpretAction(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ViewBody `json:"body"`
		}{Body: ViewBody{View: view}}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "emit-event",
		Method:        http.MethodPost,
		Path:          "/events",
		Summary:       "Emit event",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body EmitEventRequest `json:"body"`
	}) (*struct {
		Body CommandResponse `json:"body"`
	}, error) {
		opts := engine.EmitOptions{
			ContextID:   input.Body.ContextID,
			ContextType: input.Body.ContextType,
			Type:        events.Type(input.Body.Type),
			Payload:     input.Body.Payload,
		}
		if input.Body.ActionID != nil {
			opts.ActionID = *input.Body.ActionID
		}
		evt, err := e.EmitEvent(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CommandResponse `json:"body"`
		}{Body: CommandResponse{Success: true, EventID: evt.ID, Event: eventResponse(evt)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-action-events",
		Method:      http.MethodGet,
		Path:        "/events/action/{id}",
		Summary:     "List events of one action",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body struct {
			Items []EventResponse `json:"items"`
		} `json:"body"`
	}, error) {
		evs, err := e.ListEvents(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items []EventResponse `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = mapEvents(evs)
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-context-events",
		Method:      http.MethodGet,
		Path:        "/events/context/{context_type}/{context_id}",
		Summary:     "List events of one context",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ContextType string `path:"context_type"`
		ContextID   string `path:"context_id"`
		AfterSeq    int64  `query:"after_seq"`
		Limit       int    `query:"limit" default:"100"`
	}) (*struct {
		Body struct {
			Items []EventResponse `json:"items"`
		} `json:"body"`
	}, error) {
		evs, err := e.Log.ForContext(ctx, input.ContextID, input.ContextType, input.AfterSeq, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items []EventResponse `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = mapEvents(evs)
		return out, nil
	})
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
