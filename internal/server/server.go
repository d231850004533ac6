package server

import (
	"bytes"
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

	"reviewline/internal/engine"
	"reviewline/internal/repo"
	"reviewline/internal/template"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_answer"`
	Message string         `json:"message" example:"invalid answer value"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Reviewline API.
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
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Reviewline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerTemplate(group, cfg.Engine)
	registerChecklists(group, cfg.Engine)
	registerApprovals(group, cfg.Engine)
	registerIterations(group, cfg.Engine)
	registerAnalysis(group, cfg.Engine)
	registerImages(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
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
	switch {
	case errors.Is(err, engine.ErrLeaderRevertDisabled):
		return newAPIError(http.StatusForbidden, "leader_revert_disabled", err.Error(), nil)
	case errors.Is(err, engine.ErrTemplateMissing):
		return newAPIError(http.StatusConflict, "template_missing", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidAnswer):
		return newAPIError(http.StatusBadRequest, "invalid_answer", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidRole):
		return newAPIError(http.StatusBadRequest, "invalid_role", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidPhase):
		return newAPIError(http.StatusBadRequest, "invalid_phase", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
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
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Reviewline API Docs</title>
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

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		desc := ""
		if input.Body.Description != nil {
			desc = *input.Body.Description
		}
		p, err := e.CreateProject(ctx, engine.ProjectCreateOptions{
			ID:              input.Body.ID,
			ProjectNo:       input.Body.ProjectNo,
			InternalOrderNo: input.Body.InternalOrderNo,
			Name:            input.Body.Name,
			Description:     desc,
			Priority:        input.Body.Priority,
			ActorID:         actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:",pending,in_progress,completed"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		items, err := e.ListProjects(ctx, input.Status, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: mapProjects(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := e.Project(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-project",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}",
		Summary:     "Update project",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string               `path:"project_id"`
		Body      UpdateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.UpdateProject(ctx, input.ProjectID, engine.ProjectUpdateOptions{
			Name:        input.Body.Name,
			Description: input.Body.Description,
			Priority:    input.Body.Priority,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-project",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_id}",
		Summary:     "Delete project and all phase data",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteProject(ctx, input.ProjectID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/start",
		Summary:     "Start project and create its phases",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []PhaseResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		phases, err := e.StartProject(ctx, input.ProjectID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []PhaseResponse `json:"body"`
		}{Body: mapPhases(phases)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-phases",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/phases",
		Summary:     "List project phases",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []PhaseResponse `json:"body"`
	}, error) {
		phases, err := e.ListPhases(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []PhaseResponse `json:"body"`
		}{Body: mapPhases(phases)}, nil
	})
}

func registerTemplate(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-template",
		Method:      http.MethodGet,
		Path:        "/template",
		Summary:     "Get checklist template",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body template.Template `json:"body"`
	}, error) {
		t, err := e.Template(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body template.Template `json:"body"`
		}{Body: *t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-template",
		Method:      http.MethodPut,
		Path:        "/template",
		Summary:     "Replace checklist template",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body template.Template `json:"body"`
	}) (*struct {
		Body template.Template `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t := input.Body
		if err := e.SetTemplate(ctx, &t, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body template.Template `json:"body"`
		}{Body: t}, nil
	})
}

func registerChecklists(api huma.API, e engine.Engine) {
	type phasePath struct {
		ProjectID string `path:"project_id"`
		Phase     int    `path:"phase"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "get-checklist",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/phases/{phase}/checklist",
		Summary:     "Get (and lazily materialize) the phase checklist",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *phasePath) (*struct {
		Body ChecklistResponse `json:"body"`
	}, error) {
		cl, err := e.EnsureChecklist(ctx, input.ProjectID, input.Phase)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ChecklistResponse `json:"body"`
		}{Body: checklistResponse(cl)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "save-answers",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/phases/{phase}/answers",
		Summary:     "Save partial answers for one role",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string             `path:"project_id"`
		Phase     int                `path:"phase"`
		Body      SaveAnswersRequest `json:"body"`
	}) (*struct {
		Body SaveAnswersResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.SaveAnswers(ctx, engine.SaveAnswersOptions{
			ProjectID: input.ProjectID,
			Phase:     input.Phase,
			Role:      input.Body.Role,
			ActorID:   actorID,
			Answers:   answerUpdates(input.Body.Answers),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SaveAnswersResponse `json:"body"`
		}{Body: SaveAnswersResponse{
			Checklist: checklistResponse(res.Checklist),
			Updated:   res.Updated,
			Missing:   res.Missing,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-answers",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/phases/{phase}/answers",
		Summary:     "One role's answers keyed by question id",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Phase     int    `path:"phase"`
		Role      string `query:"role" enum:"executor,reviewer" required:"true"`
	}) (*struct {
		Body map[string]engine.RoleAnswers `json:"body"`
	}, error) {
		res, err := e.ChecklistAnswers(ctx, input.ProjectID, input.Phase, input.Role)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]engine.RoleAnswers `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-checklist",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/phases/{phase}/submit",
		Summary:     "Submit the checklist for one role",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string        `path:"project_id"`
		Phase     int           `path:"phase"`
		Body      SubmitRequest `json:"body"`
	}) (*struct {
		Body SubmitResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Submit(ctx, input.ProjectID, input.Phase, input.Body.Role, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SubmitResponse `json:"body"`
		}{Body: SubmitResponse{
			Approval:     approvalResponse(res.Approval),
			Accumulated:  res.Accumulated,
			DefectsAdded: res.DefectsAdded,
		}}, nil
	})
}

func registerApprovals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "request-approval",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/phases/{phase}/approval/request",
		Summary:     "Request approval for a phase",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Phase     int    `path:"phase"`
		Body      struct {
			Notes string `json:"notes,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body ApprovalResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.RequestApproval(ctx, input.ProjectID, input.Phase, input.Body.Notes, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApprovalResponse `json:"body"`
		}{Body: approvalResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-phase",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/phases/{phase}/approval/approve",
		Summary:     "Approve a phase and activate the next one",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Phase     int    `path:"phase"`
	}) (*struct {
		Body ApprovalResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.Approve(ctx, input.ProjectID, input.Phase, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApprovalResponse `json:"body"`
		}{Body: approvalResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revert-phase",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/phases/{phase}/approval/revert",
		Summary:     "Revert a phase to the executor",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string        `path:"project_id"`
		Phase     int           `path:"phase"`
		Body      RevertRequest `json:"body"`
	}) (*struct {
		Body RevertResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.RevertToExecutor(ctx, input.ProjectID, input.Phase, actorID, input.Body.Notes)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RevertResponse `json:"body"`
		}{Body: RevertResponse{
			Approval:         approvalResponse(res.Approval),
			IterationNumber:  res.IterationNumber,
			CurrentIteration: res.CurrentIteration,
			ConflictCount:    res.ConflictCount,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "leader-revert-phase",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/phases/{phase}/approval/leader-revert",
		Summary:     "Leader revert (disabled)",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ProjectID string        `path:"project_id"`
		Phase     int           `path:"phase"`
		Body      RevertRequest `json:"body"`
	}) (*struct {
		Body ApprovalResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RevertByLeader(ctx, input.ProjectID, input.Phase, actorID, input.Body.Notes); err != nil {
			return nil, handleError(err)
		}
		return nil, newAPIError(http.StatusForbidden, "leader_revert_disabled", "leader revert is disabled", nil)
	})

	huma.Register(api, huma.Operation{
		OperationID: "approval-status",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/phases/{phase}/approval",
		Summary:     "Approval status for a phase",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Phase     int    `path:"phase"`
	}) (*struct {
		Body ApprovalResponse `json:"body"`
	}, error) {
		a, err := e.ApprovalStatus(ctx, input.ProjectID, input.Phase)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApprovalResponse `json:"body"`
		}{Body: approvalResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submission-status",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/phases/{phase}/submission-status",
		Summary:     "Per-role submission flags for a phase",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Phase     int    `path:"phase"`
	}) (*struct {
		Body engine.SubmissionStatus `json:"body"`
	}, error) {
		s, err := e.PhaseSubmissionStatus(ctx, input.ProjectID, input.Phase)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.SubmissionStatus `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "compare-answers",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/phases/{phase}/compare",
		Summary:     "Compare executor and reviewer answers",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Phase     int    `path:"phase"`
	}) (*struct {
		Body engine.CompareResult `json:"body"`
	}, error) {
		res, err := e.CompareAnswers(ctx, input.ProjectID, input.Phase)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.CompareResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerIterations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-iterations",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/phases/{phase}/iterations",
		Summary:     "Archived review cycles for a phase",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Phase     int    `path:"phase"`
	}) (*struct {
		Body IterationHistoryResponse `json:"body"`
	}, error) {
		h, err := e.ListIterations(ctx, input.ProjectID, input.Phase)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IterationHistoryResponse `json:"body"`
		}{Body: iterationHistoryResponse(h)}, nil
	})
}

func registerAnalysis(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "project-analysis",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/analysis",
		Summary:     "Defect statistics across phases and iterations",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body engine.Analysis `json:"body"`
	}, error) {
		res, err := e.ProjectAnalysis(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Analysis `json:"body"`
		}{Body: res}, nil
	})
}

func registerImages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "upload-image",
		Method:        http.MethodPost,
		Path:          "/questions/{question_id}/images",
		Summary:       "Attach an image to a question side",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		QuestionID string `path:"question_id"`
		Body       struct {
			Role        string `json:"role" enum:"executor,reviewer"`
			Filename    string `json:"filename"`
			ContentType string `json:"content_type,omitempty"`
			Data        []byte `json:"data"`
		} `json:"body"`
	}) (*struct {
		Body ImageResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		img, err := e.SaveImage(ctx, engine.ImageUploadOptions{
			QuestionID:  input.QuestionID,
			Role:        input.Body.Role,
			Filename:    input.Body.Filename,
			ContentType: input.Body.ContentType,
			Data:        input.Body.Data,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ImageResponse `json:"body"`
		}{Body: imageResponse(img)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-images",
		Method:      http.MethodGet,
		Path:        "/questions/{question_id}/images",
		Summary:     "List attachments for a question side",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		QuestionID string `path:"question_id"`
		Role       string `query:"role" enum:"executor,reviewer" required:"true"`
	}) (*struct {
		Body []ImageResponse `json:"body"`
	}, error) {
		items, err := e.QuestionImages(ctx, input.QuestionID, input.Role)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]ImageResponse, 0, len(items))
		for _, img := range items {
			res = append(res, imageResponse(img))
		}
		return &struct {
			Body []ImageResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "download-image",
		Method:      http.MethodGet,
		Path:        "/images/{image_id}",
		Summary:     "Download one attachment",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ImageID string `path:"image_id"`
	}) (*huma.StreamResponse, error) {
		img, err := e.Image(ctx, input.ImageID)
		if err != nil {
			return nil, handleError(err)
		}
		return &huma.StreamResponse{Body: func(hctx huma.Context) {
			hctx.SetHeader("Content-Type", img.ContentType)
			hctx.BodyWriter().Write(img.Data)
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-image",
		Method:      http.MethodDelete,
		Path:        "/images/{image_id}",
		Summary:     "Delete one attachment",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ImageID string `path:"image_id"`
	}) (*struct{}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.RemoveImage(ctx, input.ImageID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Latest events",
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit"`
		ProjectID  string `query:"project_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		items, err := e.Repo.LatestEvents(ctx, input.Limit, input.ProjectID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}
