package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"canopy/internal/engine"
	"canopy/internal/engine/auth"
	"canopy/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid task transition NOT_STARTED -> COMPLETED"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Canopy API.
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
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Canopy API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerPlans(group, cfg.Engine)
	registerWorkOrders(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerEvidence(group, cfg.Engine)
	registerAlerts(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerRBAC(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
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
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), map[string]any{"field": ve.Field})
	}
	var te engine.InvalidTransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{
			"entity": te.Entity, "from": te.From, "to": te.To,
		})
	}
	if errors.Is(err, repo.ErrNotFound) {
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

func hasPermission(perms []string, perm string) bool {
	for _, p := range perms {
		if p == perm {
			return true
		}
	}
	return false
}

func requirePermission(ctx context.Context, e engine.Engine, installationID, perm string) error {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return authErr
	}
	if hasPermission(principal.Permissions, perm) {
		return nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ok, err := e.Auth.ActorHasPermission(ctx, tx, installationID, principal.ActorID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return auth.ForbiddenError{Permission: perm}
	}
	return nil
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
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	openPaths := map[string]bool{
		"/" + strings.TrimPrefix(path.Join(basePath, "health"), "/"):         true,
		"/" + strings.TrimPrefix(path.Join(basePath, "auth/dev/login"), "/"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if openPaths[route] {
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
    <title>Canopy API Docs</title>
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
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
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

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "installation-status",
		Method:      http.MethodGet,
		Path:        "/installations/{installation_id}/status",
		Summary:     "Installation status",
	}, func(ctx context.Context, input *struct {
		InstallationID string `path:"installation_id"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		installationID := installationFromPathOrHeader(ctx, input.InstallationID, e.Config.Installation.ID)
		if err := requirePermission(ctx, e, installationID, "plan.read"); err != nil {
			return nil, handleError(err)
		}
		in, err := e.Repo.GetInstallation(ctx, installationID)
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := e.Repo.CountTasksByStatus(ctx, in.ID)
		if err != nil {
			return nil, handleError(err)
		}
		alerts, err := e.Repo.ListAlerts(ctx, repo.AlertFilters{InstallationID: in.ID, Unresolved: true})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"installation_id": in.ID,
			"status":          in.Status,
			"task_counts":     counts,
			"open_alerts":     len(alerts),
		}}, nil
	})
}

func registerPlans(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-plan",
		Method:        http.MethodPost,
		Path:          "/installations/{installation_id}/plans",
		Summary:       "Create intervention plan",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		InstallationID string            `path:"installation_id"`
		Body           CreatePlanRequest `json:"body"`
	}) (*struct {
		Body PlanWithConflictResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		installationID := installationFromPathOrHeader(ctx, input.InstallationID, e.Config.Installation.ID)
		if err := requirePermission(ctx, e, installationID, "plan.create"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, conflict, err := e.CreatePlan(ctx, engine.PlanCreateOptions{
			InstallationID:     installationID,
			TreeID:             stringOrEmpty(input.Body.TreeID),
			InterventionType:   input.Body.InterventionType,
			ScheduleStart:      input.Body.ScheduleStart,
			ScheduleEnd:        stringOrEmpty(input.Body.ScheduleEnd),
			MobilizationDays:   input.Body.MobilizationDays,
			ExecutionDays:      input.Body.ExecutionDays,
			DemobilizationDays: input.Body.DemobilizationDays,
			Responsible:        stringOrEmpty(input.Body.Responsible),
			ResponsibleTitle:   stringOrEmpty(input.Body.ResponsibleTitle),
			Justification:      stringOrEmpty(input.Body.Justification),
			Techniques:         input.Body.Techniques,
			Tools:              input.Body.Tools,
			PPE:                input.Body.PPE,
			ActorID:            actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PlanWithConflictResponse `json:"body"`
		}{Body: PlanWithConflictResponse{Plan: planResponse(p), Conflict: conflictResponse(conflict)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-plans",
		Method:      http.MethodGet,
		Path:        "/installations/{installation_id}/plans",
		Summary:     "List plans",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		InstallationID string `path:"installation_id"`
		Status         string `query:"status"`
		Responsible    string `query:"responsible"`
		DateFrom       string `query:"date_from"`
		DateTo         string `query:"date_to"`
		Limit          int    `query:"limit" default:"50"`
		Cursor         string `query:"cursor"`
	}) (*struct {
		Body paginatedPlans `json:"body"`
	}, error) {
		installationID := installationFromPathOrHeader(ctx, input.InstallationID, e.Config.Installation.ID)
		if err := requirePermission(ctx, e, installationID, "plan.read"); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		plans, err := e.Repo.ListPlans(ctx, repo.PlanFilters{
			InstallationID:  installationID,
			Status:          input.Status,
			Responsible:     input.Responsible,
			DateFrom:        input.DateFrom,
			DateTo:          input.DateTo,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedPlans{Items: []PlanResponse{}}
		if len(plans) > limit {
			plans = plans[:limit]
			resp.NextCursor = composeCursor(plans[limit-1].CreatedAt, plans[limit-1].ID)
		}
		for _, p := range plans {
			resp.Items = append(resp.Items, planResponse(p))
		}
		return &struct {
			Body paginatedPlans `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-plan",
		Method:      http.MethodGet,
		Path:        "/installations/{installation_id}/plans/{id}",
		Summary:     "Get plan",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		InstallationID string `path:"installation_id"`
		ID             string `path:"id"`
	}) (*struct {
		Body PlanResponse `json:"body"`
	}, error) {
		installationID := installationFromPathOrHeader(ctx, input.InstallationID, e.Config.Installation.ID)
		if err := requirePermission(ctx, e, installationID, "plan.read"); err != nil {
			return nil, handleError(err)
		}
		p, err := e.Repo.GetPlan(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if !installationMatches(installationID, p.InstallationID) {
			return nil, newAPIError(http.StatusNotFound, "not_found", "plan not found in installation", nil)
		}
		return &struct {
			Body PlanResponse `json:"body"`
		}{Body: planResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-plan",
		Method:      http.MethodPatch,
		Path:        "/installations/{installation_id}/plans/{id}",
		Summary:     "Update plan",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		InstallationID string            `path:"installation_id"`
		ID             string            `path:"id"`
		Body           UpdatePlanRequest `json:"body"`
	}) (*struct {
		Body PlanWithConflictResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		installationID := installationFromPathOrHeader(ctx, input.InstallationID, e.Config.Installation.ID)
		if err := requirePermission(ctx, e, installationID, "plan.update"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, conflict, err := e.UpdatePlan(ctx, engine.PlanUpdateOptions{
			ID:                 input.ID,
			TreeID:             input.Body.TreeID,
			InterventionType:   input.Body.InterventionType,
			ScheduleStart:      input.Body.ScheduleStart,
			ScheduleEnd:        input.Body.ScheduleEnd,
			MobilizationDays:   input.Body.MobilizationDays,
			ExecutionDays:      input.Body.ExecutionDays,
			DemobilizationDays: input.Body.DemobilizationDays,
			Responsible:        input.Body.Responsible,
			ResponsibleTitle:   input.Body.ResponsibleTitle,
			Justification:      input.Body.Justification,
			Techniques:         input.Body.Techniques,
			Tools:              input.Body.Tools,
			PPE:                input.Body.PPE,
			ActorID:            actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PlanWithConflictResponse `json:"body"`
		}{Body: PlanWithConflictResponse{Plan: planResponse(p), Conflict: conflictResponse(conflict)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-plan",
		Method:      http.MethodPost,
		Path:        "/installations/{installation_id}/plans/{id}/approve",
		Summary:     "Approve plan",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		InstallationID string `path:"installation_id"`
		ID             string `path:"id"`
	}) (*struct {
		Body PlanResponse `json:"body"`
	}, error) {
		installationID := installationFromPathOrHeader(ctx, input.InstallationID, e.Config.Installation.ID)
		if err := requirePermission(ctx, e, installationID, "plan.approve"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.ApprovePlan(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PlanResponse `json:"body"`
		}{Body: planResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-plan",
		Method:      http.MethodDelete,
		Path:        "/installations/{installation_id}/plans/{id}",
		Summary:     "Delete plan",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		InstallationID string `path:"installation_id"`
		ID             string `path:"id"`
	}) (*struct{}, error) {
		installationID := installationFromPathOrHeader(ctx, input.InstallationID, e.Config.Installation.ID)
		if err := requirePermission(ctx, e, installationID, "plan.delete"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeletePlan(ctx, input.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-conflict",
		Method:      http.MethodPost,
		Path:        "/installations/{installation_id}/plans/check-conflict",
		Summary:     "Check scheduling conflict",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		InstallationID string               `path:"installation_id"`
		Body           ConflictCheckRequest `json:"body"`
	}) (*struct {
		Body struct {
			Conflict *ConflictResponse `json:"conflict,omitempty"`
		} `json:"body"`
	}, error) {
		installationID := installationFromPathOrHeader(ctx, input.InstallationID, e.Config.Installation.ID)
		if err := requirePermission(ctx, e, installationID, "plan.read"); err != nil {
			return nil, handleError(err)
		}
		if input.Body.Date == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "date is required", nil)
		}
		conflict, err := e.CheckPlanConflict(ctx, installationID, engine.ConflictCandidate{
			Date:          input.Body.Date,
			TreeID:        stringOrEmpty(input.Body.TreeID),
			Responsible:   stringOrEmpty(input.Body.Responsible),
			ExcludePlanID: stringOrEmpty(input.Body.ExcludePlanID),
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Conflict *ConflictResponse `json:"conflict,omitempty"`
			} `json:"body"`
		}{}
		out.Body.Conflict = conflictResponse(conflict)
		return out, nil
	})
}

func registerWorkOrders(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-work-order",
		Method:        http.MethodPost,
		Path:          "/installations/{installation_id}/work-orders",
		Summary:       "Generate work order from plan",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		InstallationID string                 `path:"installation_id"`
		Body           CreateWorkOrderRequest `json:"body"`
	}) (*struct {
		Body engine.WorkOrderResult `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.PlanID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "plan_id is required", nil)
		}
		installationID := installationFromPathOrHeader(ctx, input.InstallationID, e.Config.Installation.ID)
		if err := requirePermission(ctx, e, installationID, "workorder.create"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.CreateWorkOrderFromPlan(ctx, engine.WorkOrderCreateOptions{
			PlanID:     input.Body.PlanID,
			Title:      stringOrEmpty(input.Body.Title),
			AssigneeID: stringOrEmpty(input.Body.AssigneeID),
			DueDate:    stringOrEmpty(input.Body.DueDate),
			Priority:   stringOrEmpty(input.Body.Priority),
			ActorID:    actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.WorkOrderResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-work-orders",
		Method:      http.MethodGet,
		Path:        "/installations/{installation_id}/work-orders",
		Summary:     "List work orders",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		InstallationID string `path:"installation_id"`
		PlanID         string `query:"plan_id"`
		Status         string `query:"status"`
		AssigneeID     string `query:"assignee_id"`
		Limit          int    `query:"limit" default:"50"`
		Cursor         string `query:"cursor"`
	}) (*struct {
		Body paginatedWorkOrders `json:"body"`
	}, error) {
		installationID := installationFromPathOrHeader(ctx, input.InstallationID, e.Config.Installation.ID)
		if err := requirePermission(ctx, e, installationID, "workorder.read"); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		orders, err := e.Repo.ListWorkOrders(ctx, repo.WorkOrderFilters{
			InstallationID:  installationID,
			PlanID:          input.PlanID,
			Status:          input.Status,
			AssigneeID:      input.AssigneeID,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedWorkOrders{Items: []WorkOrderResponse{}}
		if len(orders) > limit {
			orders = orders[:limit]
			resp.NextCursor = composeCursor(orders[limit-1].CreatedAt, orders[limit-1].ID)
		}
		for _, wo := range orders {
			resp.Items = append(resp.Items, workOrderResponse(wo))
		}
		return &struct {
			Body paginatedWorkOrders `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-work-order",
		Method:      http.MethodGet,
		Path:        "/installations/{installation_id}/work-orders/{id}",
		Summary:     "Get work order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		InstallationID string `path:"installation_id"`
		ID             string `path:"id"`
	}) (*struct {
		Body WorkOrderResponse `json:"body"`
	}, error) {
		installationID := installationFromPathOrHeader(ctx, input.InstallationID, e.Config.Installation.ID)
		if err := requirePermission(ctx, e, installationID, "workorder.read"); err != nil {
			return nil, handleError(err)
		}
		wo, err := e.Repo.GetWorkOrder(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if !installationMatches(installationID, wo.InstallationID) {
			return nil, newAPIError(http.StatusNotFound, "not_found", "work order not found in installation", nil)
		}
		return &struct {
			Body WorkOrderResponse `json:"body"`
		}{Body: workOrderResponse(wo)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reopen-work-order",
		Method:      http.MethodPost,
		Path:        "/installations/{installation_id}/work-orders/{id}/reopen",
		Summary:     "Reopen terminal work order",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		InstallationID string                 `path:"installation_id"`
		ID             string                 `path:"id"`
		Body           ReopenWorkOrderRequest `json:"body"`
	}) (*struct {
		Body engine.ReopenResult `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		installationID := installationFromPathOrHeader(ctx, input.InstallationID, e.Config.Installation.ID)
		if err := requirePermission(ctx, e, installationID, "workorder.reopen"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ReopenWorkOrder(ctx, input.ID, stringOrEmpty(input.Body.Reason),
			stringOrEmpty(input.Body.NewStart), stringOrEmpty(input.Body.NewDue), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ReopenResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-work-order",
		Method:      http.MethodPost,
		Path:        "/installations/{installation_id}/work-orders/{id}/cancel",
		Summary:     "Cancel work order",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		InstallationID string `path:"installation_id"`
		ID             string `path:"id"`
	}) (*struct {
		Body WorkOrderResponse `json:"body"`
	}, error) {
		installationID := installationFromPathOrHeader(ctx, input.InstallationID, e.Config.Installation.ID)
		if err := requirePermission(ctx, e, installationID, "task.cancel"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		wo, err := e.CancelWorkOrder(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkOrderResponse `json:"body"`
		}{Body: workOrderResponse(wo)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-work-order",
		Method:      http.MethodDelete,
		Path:        "/installations/{installation_id}/work-orders/{id}",
		Summary:     "Delete never-started work order",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		InstallationID string `path:"installation_id"`
		ID             string `path:"id"`
	}) (*struct{}, error) {
		installationID := installationFromPathOrHeader(ctx, input.InstallationID, e.Config.Installation.ID)
		if err := requirePermission(ctx, e, installationID, "workorder.delete"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteWorkOrder(ctx, input.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/installations/{installation_id}/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		InstallationID string `path:"installation_id"`
		WorkOrderID    string `query:"work_order_id"`
		Status         string `query:"status"`
		AssigneeID     string `query:"assignee_id"`
		IncludePool    bool   `query:"include_pool"`
		Limit          int    `query:"limit" default:"50"`
		Cursor         string `query:"cursor"`
	}) (*struct {
		Body paginatedTasks `json:"body"`
	}, error) {
		installationID := installationFromPathOrHeader(ctx, input.InstallationID, e.Config.Installation.ID)
		if err := requirePermission(ctx, e, installationID, "task.read"); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
			InstallationID:  installationID,
			WorkOrderID:     input.WorkOrderID,
			Status:          input.Status,
			AssigneeID:      input.AssigneeID,
			IncludePool:     input.IncludePool,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedTasks{Items: []TaskResponse{}}
		if len(tasks) > limit {
			tasks = tasks[:limit]
			resp.NextCursor = composeCursor(tasks[limit-1].CreatedAt, tasks[limit-1].ID)
		}
		for _, t := range tasks {
			evidence, err := e.Repo.ListTaskEvidence(ctx, t.ID)
			if err != nil {
				return nil, handleError(err)
			}
			resp.Items = append(resp.Items, taskResponse(t, evidence))
		}
		return &struct {
			Body paginatedTasks `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/installations/{installation_id}/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		InstallationID string `path:"installation_id"`
		ID             string `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		installationID := installationFromPathOrHeader(ctx, input.InstallationID, e.Config.Installation.ID)
		if err := requirePermission(ctx, e, installationID, "task.read"); err != nil {
			return nil, handleError(err)
		}
		t, err := e.Repo.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if !installationMatches(installationID, t.InstallationID) {
			return nil, newAPIError(http.StatusNotFound, "not_found", "task not found in installation", nil)
		}
		evidence, err := e.Repo.ListTaskEvidence(ctx, t.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t, evidence)}, nil
	})

	type taskActionPath struct {
		InstallationID string `path:"installation_id"`
		ID             string `path:"id"`
	}

	taskAction := func(opID, pathSuffix, perm, summary string, call func(ctx context.Context, taskID, actorID string) (any, error)) {
		huma.Register(api, huma.Operation{
			OperationID: opID,
			Method:      http.MethodPost,
			Path:        "/installations/{installation_id}/tasks/{id}/" + pathSuffix,
			Summary:     summary,
			Errors: []int{
				http.StatusBadRequest,
				http.StatusForbidden,
				http.StatusNotFound,
				http.StatusConflict,
				http.StatusUnprocessableEntity,
			},
		}, func(ctx context.Context, input *taskActionPath) (*struct {
			Body any `json:"body"`
		}, error) {
			installationID := installationFromPathOrHeader(ctx, input.InstallationID, e.Config.Installation.ID)
			if err := requirePermission(ctx, e, installationID, perm); err != nil {
				return nil, handleError(err)
			}
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			res, err := call(ctx, input.ID, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body any `json:"body"`
			}{Body: res}, nil
		})
	}

	taskAction("start-task", "start", "task.start", "Start task", func(ctx context.Context, taskID, actorID string) (any, error) {
		t, err := e.StartTask(ctx, taskID, actorID)
		if err != nil {
			return nil, err
		}
		return taskResponse(t, nil), nil
	})
	taskAction("resume-task", "resume", "task.start", "Resume blocked task", func(ctx context.Context, taskID, actorID string) (any, error) {
		t, err := e.ResumeTask(ctx, taskID, actorID)
		if err != nil {
			return nil, err
		}
		return taskResponse(t, nil), nil
	})
	taskAction("approve-task", "approve", "task.approve", "Approve submitted task", func(ctx context.Context, taskID, actorID string) (any, error) {
		t, err := e.ApproveTask(ctx, taskID, actorID)
		if err != nil {
			return nil, err
		}
		return taskResponse(t, nil), nil
	})
	taskAction("cancel-task", "cancel", "task.cancel", "Cancel task", func(ctx context.Context, taskID, actorID string) (any, error) {
		t, err := e.CancelTask(ctx, taskID, actorID, "")
		if err != nil {
			return nil, err
		}
		return taskResponse(t, nil), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "log-progress",
		Method:      http.MethodPost,
		Path:        "/installations/{installation_id}/tasks/{id}/progress",
		Summary:     "Log task progress",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		InstallationID string          `path:"installation_id"`
		ID             string          `path:"id"`
		Body           ProgressRequest `json:"body"`
	}) (*struct {
		Body ProgressEntryResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		installationID := installationFromPathOrHeader(ctx, input.InstallationID, e.Config.Installation.ID)
		if err := requirePermission(ctx, e, installationID, "task.progress"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		entry, err := e.LogProgress(ctx, input.ID, actorID, input.Body.Percent, stringOrEmpty(input.Body.Notes))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProgressEntryResponse `json:"body"`
		}{Body: progressResponse(entry)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-progress",
		Method:      http.MethodGet,
		Path:        "/installations/{installation_id}/tasks/{id}/progress",
		Summary:     "List task progress log",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		InstallationID string `path:"installation_id"`
		ID             string `path:"id"`
	}) (*struct {
		Body []ProgressEntryResponse `json:"body"`
	}, error) {
		installationID := installationFromPathOrHeader(ctx, input.InstallationID, e.Config.Installation.ID)
		if err := requirePermission(ctx, e, installationID, "task.read"); err != nil {
			return nil, handleError(err)
		}
		entries, err := e.Repo.ListTaskProgress(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]ProgressEntryResponse, 0, len(entries))
		for _, entry := range entries {
			res = append(res, progressResponse(entry))
		}
		return &struct {
			Body []ProgressEntryResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/installations/{installation_id}/tasks/{id}/complete",
		Summary:     "Submit task for approval",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		InstallationID string              `path:"installation_id"`
		ID             string              `path:"id"`
		Body           CompleteTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		installationID := installationFromPathOrHeader(ctx, input.InstallationID, e.Config.Installation.ID)
		if err := requirePermission(ctx, e, installationID, "task.complete"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CompleteTask(ctx, input.ID, actorID, input.Body.Percent, stringOrEmpty(input.Body.Notes))
		if err != nil {
			return nil, handleError(err)
		}
		evidence, err := e.Repo.ListTaskEvidence(ctx, t.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t, evidence)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "block-task",
		Method:      http.MethodPost,
		Path:        "/installations/{installation_id}/tasks/{id}/block",
		Summary:     "Block task",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		InstallationID string           `path:"installation_id"`
		ID             string           `path:"id"`
		Body           BlockTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		installationID := installationFromPathOrHeader(ctx, input.InstallationID, e.Config.Installation.ID)
		if err := requirePermission(ctx, e, installationID, "task.block"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.BlockTask(ctx, input.ID, actorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t, nil)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-task",
		Method:      http.MethodPost,
		Path:        "/installations/{installation_id}/tasks/{id}/reject",
		Summary:     "Reject submitted task",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		InstallationID string            `path:"installation_id"`
		ID             string            `path:"id"`
		Body           RejectTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		installationID := installationFromPathOrHeader(ctx, input.InstallationID, e.Config.Installation.ID)
		if err := requirePermission(ctx, e, installationID, "task.reject"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.RejectTask(ctx, input.ID, actorID, stringOrEmpty(input.Body.Reason))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t, nil)}, nil
	})
}

func registerEvidence(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-evidence",
		Method:        http.MethodPost,
		Path:          "/installations/{installation_id}/tasks/{id}/evidence",
		Summary:       "Append photographic evidence",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		InstallationID string             `path:"installation_id"`
		ID             string             `path:"id"`
		Body           AddEvidenceRequest `json:"body"`
	}) (*struct {
		Body EvidenceResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		installationID := installationFromPathOrHeader(ctx, input.InstallationID, e.Config.Installation.ID)
		if err := requirePermission(ctx, e, installationID, "evidence.add"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		metadataJSON := ""
		if input.Body.Metadata != nil {
			b, err := json.Marshal(input.Body.Metadata)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid metadata", nil)
			}
			metadataJSON = string(b)
		}
		ev, err := e.AddEvidence(ctx, engine.EvidenceOptions{
			TaskID:       input.ID,
			Stage:        input.Body.Stage,
			PhotoRef:     input.Body.PhotoRef,
			MetadataJSON: metadataJSON,
			Notes:        stringOrEmpty(input.Body.Notes),
			Lat:          input.Body.Lat,
			Lng:          input.Body.Lng,
			ActorID:      actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EvidenceResponse `json:"body"`
		}{Body: evidenceResponse(ev)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-evidence",
		Method:      http.MethodGet,
		Path:        "/installations/{installation_id}/tasks/{id}/evidence",
		Summary:     "List task evidence",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		InstallationID string `path:"installation_id"`
		ID             string `path:"id"`
	}) (*struct {
		Body []EvidenceResponse `json:"body"`
	}, error) {
		installationID := installationFromPathOrHeader(ctx, input.InstallationID, e.Config.Installation.ID)
		if err := requirePermission(ctx, e, installationID, "evidence.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListTaskEvidence(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]EvidenceResponse, 0, len(items))
		for _, ev := range items {
			res = append(res, evidenceResponse(ev))
		}
		return &struct {
			Body []EvidenceResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerAlerts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-alert",
		Method:        http.MethodPost,
		Path:          "/installations/{installation_id}/alerts",
		Summary:       "Raise field alert",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		InstallationID string             `path:"installation_id"`
		Body           CreateAlertRequest `json:"body"`
	}) (*struct {
		Body AlertResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		installationID := installationFromPathOrHeader(ctx, input.InstallationID, e.Config.Installation.ID)
		if err := requirePermission(ctx, e, installationID, "alert.create"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.CreateAlert(ctx, engine.AlertOptions{
			TaskID:         stringOrEmpty(input.Body.TaskID),
			InstallationID: installationID,
			Type:           input.Body.Type,
			Message:        input.Body.Message,
			Lat:            input.Body.Lat,
			Lng:            input.Body.Lng,
			ActorID:        actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AlertResponse `json:"body"`
		}{Body: alertResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-alerts",
		Method:      http.MethodGet,
		Path:        "/installations/{installation_id}/alerts",
		Summary:     "List alerts",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		InstallationID string `path:"installation_id"`
		TaskID         string `query:"task_id"`
		Type           string `query:"type"`
		Unresolved     bool   `query:"unresolved"`
		Limit          int    `query:"limit" default:"50"`
	}) (*struct {
		Body []AlertResponse `json:"body"`
	}, error) {
		installationID := installationFromPathOrHeader(ctx, input.InstallationID, e.Config.Installation.ID)
		if err := requirePermission(ctx, e, installationID, "alert.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListAlerts(ctx, repo.AlertFilters{
			InstallationID: installationID,
			TaskID:         input.TaskID,
			Type:           input.Type,
			Unresolved:     input.Unresolved,
			Limit:          normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]AlertResponse, 0, len(items))
		for _, a := range items {
			res = append(res, alertResponse(a))
		}
		return &struct {
			Body []AlertResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-alert",
		Method:      http.MethodPost,
		Path:        "/installations/{installation_id}/alerts/{id}/resolve",
		Summary:     "Resolve alert",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		InstallationID string              `path:"installation_id"`
		ID             string              `path:"id"`
		Body           ResolveAlertRequest `json:"body"`
	}) (*struct {
		Body AlertResponse `json:"body"`
	}, error) {
		installationID := installationFromPathOrHeader(ctx, input.InstallationID, e.Config.Installation.ID)
		if err := requirePermission(ctx, e, installationID, "alert.resolve"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.ResolveAlert(ctx, input.ID, actorID, stringOrEmpty(input.Body.Notes))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AlertResponse `json:"body"`
		}{Body: alertResponse(a)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/installations/{installation_id}/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		InstallationID string `path:"installation_id"`
		Type           string `query:"type"`
		EntityKind     string `query:"entity_kind" enum:"installation,plan,workorder,task,alert,rbac"`
		EntityID       string `query:"entity_id"`
		Limit          int    `query:"limit" default:"50"`
		Cursor         string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		installationID := installationFromPathOrHeader(ctx, input.InstallationID, e.Config.Installation.ID)
		if err := requirePermission(ctx, e, installationID, "event.read"); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, installationID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerRBAC(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "whoami",
		Method:      http.MethodGet,
		Path:        "/installations/{installation_id}/me/permissions",
		Summary:     "Current actor permissions",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		InstallationID string `path:"installation_id"`
	}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		installationID := installationFromPathOrHeader(ctx, input.InstallationID, e.Config.Installation.ID)
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		roles, err := e.Auth.ActorRoles(ctx, tx, installationID, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		perms, err := e.Auth.ActorPermissions(ctx, tx, installationID, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     principal.ActorID,
			Roles:       nonNilSlice(roles),
			Permissions: nonNilSlice(perms),
		}}, nil
	})

	roleChange := func(opID, pathSuffix, summary string, apply func(ctx context.Context, tx *sql.Tx, installationID, actorID, roleID string) error) {
		huma.Register(api, huma.Operation{
			OperationID: opID,
			Method:      http.MethodPost,
			Path:        "/installations/{installation_id}/rbac/roles/" + pathSuffix,
			Summary:     summary,
			Errors: []int{
				http.StatusBadRequest,
				http.StatusForbidden,
				http.StatusNotFound,
			},
		}, func(ctx context.Context, input *struct {
			InstallationID string            `path:"installation_id"`
			Body           RoleChangeRequest `json:"body"`
		}) (*struct{}, error) {
			if input.Body.ActorID == "" || input.Body.RoleID == "" {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and role_id are required", nil)
			}
			installationID := installationFromPathOrHeader(ctx, input.InstallationID, e.Config.Installation.ID)
			if err := requirePermission(ctx, e, installationID, "rbac.manage"); err != nil {
				return nil, handleError(err)
			}
			tx, err := e.DB.BeginTx(ctx, nil)
			if err != nil {
				return nil, handleError(err)
			}
			defer tx.Rollback()
			if err := apply(ctx, tx, installationID, input.Body.ActorID, input.Body.RoleID); err != nil {
				return nil, handleError(err)
			}
			if err := tx.Commit(); err != nil {
				return nil, handleError(err)
			}
			return &struct{}{}, nil
		})
	}

	roleChange("grant-role", "grant", "Grant role", func(ctx context.Context, tx *sql.Tx, installationID, actorID, roleID string) error {
		now := e.Now().UTC().Format("2006-01-02T15:04:05Z07:00")
		if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
			return err
		}
		return e.Repo.AssignRole(ctx, tx, installationID, actorID, roleID)
	})
	roleChange("revoke-role", "revoke", "Revoke role", func(ctx context.Context, tx *sql.Tx, installationID, actorID, roleID string) error {
		return e.Repo.RevokeRole(ctx, tx, installationID, actorID, roleID)
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, input.Body.Roles)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}

func installationFromPathOrHeader(ctx context.Context, pathID, fallback string) string {
	if pathID != "" {
		return pathID
	}
	if req, ok := ctx.Value(requestKey{}).(*http.Request); ok && req != nil {
		if v := strings.TrimSpace(req.Header.Get("X-Installation-Id")); v != "" {
			return v
		}
	}
	return fallback
}

func installationMatches(expected, actual string) bool {
	if expected == "" {
		return true
	}
	return expected == actual
}
