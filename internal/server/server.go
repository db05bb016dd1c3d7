// Package server exposes the approval engine over HTTP using huma on chi.
// Errors use a single envelope: {"error":{"code","message","details"}}.
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
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"signoff/internal/domain"
	"signoff/internal/engine"
	"signoff/internal/engine/auth"
	"signoff/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"illegal_transition"`
	Message string         `json:"message" example:"request is approved"`
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

// New returns an HTTP handler exposing the Signoff API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
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
	hcfg := huma.DefaultConfig("Signoff API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerRequests(group, cfg.Engine)
	registerQueue(group, cfg.Engine)
	registerHistory(group, cfg.Engine)
	registerFlows(group, cfg.Engine)
	registerDelegations(group, cfg.Engine)
	registerUsers(group, cfg.Engine)
	registerAudit(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

	return router, nil
}

func bodyBytes(ctx context.Context) []byte {
	if b, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return b
	}
	return nil
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
	var it engine.IllegalTransitionError
	if errors.As(err, &it) {
		return newAPIError(http.StatusConflict, "illegal_transition", err.Error(), map[string]any{"rule": it.Rule})
	}
	var su engine.StepUnresolvableError
	if errors.As(err, &su) {
		return newAPIError(http.StatusUnprocessableEntity, "step_unresolvable", err.Error(), map[string]any{"step_id": su.StepID})
	}
	if errors.Is(err, engine.ErrNoApplicableFlow) {
		return newAPIError(http.StatusUnprocessableEntity, "no_applicable_flow", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrConflict) {
		return newAPIError(http.StatusConflict, "concurrent_modification", err.Error(), nil)
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

// isAdmin consults JWT roles first, then the directory role.
func isAdmin(ctx context.Context, e engine.Engine, userID string) (bool, error) {
	if p, ok := principalFromContext(ctx); ok {
		for _, r := range p.Roles {
			if r == auth.AdminRole {
				return true, nil
			}
		}
	}
	return auth.IsAdmin(ctx, e.Repo, userID)
}

func requireAdmin(ctx context.Context, e engine.Engine) (string, error) {
	userID, authErr := userIDFromContext(ctx)
	if authErr != nil {
		return "", authErr
	}
	ok, err := isAdmin(ctx, e, userID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", auth.ForbiddenError{Permission: auth.AdminRole}
	}
	return userID, nil
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
    <title>Signoff API Docs</title>
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

func registerRequests(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-request",
		Method:        http.MethodPost,
		Path:          "/requests",
		Summary:       "Submit an approval request",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body SubmitRequestBody `json:"body"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.Submit(ctx, engine.SubmitOptions{
			EntityType:  input.Body.EntityType,
			EntityID:    input.Body.EntityID,
			ContextJSON: marshalOrEmpty(input.Body.Context),
			RequestedBy: userID,
			Priority:    input.Body.Priority,
			DueBy:       stringOrEmpty(input.Body.DueBy),
			Note:        stringOrEmpty(input.Body.Note),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(req)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-request",
		Method:      http.MethodGet,
		Path:        "/requests/{id}",
		Summary:     "Get request detail",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body RequestDetailResponse `json:"body"`
	}, error) {
		detail, err := e.GetRequestDetail(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestDetailResponse `json:"body"`
		}{Body: detailResponse(detail)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-request",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/decide",
		Summary:     "Record a decision on the current step",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string     `path:"id"`
		Body DecideBody `json:"body"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.Decide(ctx, engine.DecideOptions{
			RequestID:      input.ID,
			DecidedBy:      userID,
			Decision:       input.Body.Decision,
			Comment:        stringOrEmpty(input.Body.Comment),
			ConditionsJSON: marshalOrEmpty(input.Body.Conditions),
			DelegateTo:     stringOrEmpty(input.Body.DelegateTo),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(req)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-request",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/cancel",
		Summary:     "Cancel a pending request",
		Errors: []int{
			http.StatusConflict,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		admin, err := isAdmin(ctx, e, userID)
		if err != nil {
			return nil, handleError(err)
		}
		req, err := e.Cancel(ctx, input.ID, userID, admin)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(req)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "resubmit-request",
		Method:        http.MethodPost,
		Path:          "/requests/{id}/resubmit",
		Summary:       "Resubmit a returned or rejected request",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string       `path:"id"`
		Body ResubmitBody `json:"body"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.Resubmit(ctx, input.ID, userID, marshalOrEmpty(input.Body.Context), stringOrEmpty(input.Body.Note))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(req)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "escalate-request",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/escalate",
		Summary:     "Escalate a stuck request",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string       `path:"id"`
		Body EscalateBody `json:"body"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		userID, err := requireAdmin(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		req, err := e.Escalate(ctx, input.ID, userID, domain.ActorUser, stringOrEmpty(input.Body.Reason))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(req)}, nil
	})
}

func registerQueue(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "my-queue",
		Method:      http.MethodGet,
		Path:        "/queue",
		Summary:     "Pending requests awaiting my decision",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []QueueItemResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.QueueForUser(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []QueueItemResponse `json:"body"`
		}{Body: queueResponse(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "my-queue-count",
		Method:      http.MethodGet,
		Path:        "/queue/count",
		Summary:     "Size of my approval queue",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]int `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		n, err := e.QueueCount(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int `json:"body"`
		}{Body: map[string]int{"count": n}}, nil
	})
}

func registerHistory(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "entity-history",
		Method:      http.MethodGet,
		Path:        "/entities/{entity_type}/{entity_id}/history",
		Summary:     "Approval history for an entity",
	}, func(ctx context.Context, input *struct {
		EntityType string `path:"entity_type"`
		EntityID   string `path:"entity_id"`
	}) (*struct {
		Body []HistoryItemResponse `json:"body"`
	}, error) {
		items, err := e.GetEntityHistory(ctx, input.EntityType, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]HistoryItemResponse, 0, len(items))
		for _, it := range items {
			out = append(out, HistoryItemResponse{
				Request:   requestResponse(it.Request),
				Decisions: mapDecisions(it.Decisions),
			})
		}
		return &struct {
			Body []HistoryItemResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerFlows(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-flow",
		Method:        http.MethodPost,
		Path:          "/flows",
		Summary:       "Create an approval flow",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateFlowRequest `json:"body"`
	}) (*struct {
		Body domain.Flow `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		userID, err := requireAdmin(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		spec := engine.FlowSpec{
			Name:                 input.Body.Name,
			Slug:                 input.Body.Slug,
			EntityType:           input.Body.EntityType,
			TriggerConditions:    input.Body.TriggerConditions,
			Priority:             input.Body.Priority,
			AutoApproveBelow:     input.Body.AutoApproveBelow,
			AutoRejectAfterHours: input.Body.AutoRejectAfterHours,
		}
		for _, s := range input.Body.Steps {
			spec.Steps = append(spec.Steps, engine.StepSpec{
				ApproverType:       s.ApproverType,
				ApproverUserID:     s.ApproverUserID,
				ApproverRoleName:   s.ApproverRoleName,
				RequiresAll:        s.RequiresAll,
				MinApprovals:       s.MinApprovals,
				SkipConditions:     s.SkipConditions,
				TimeoutHours:       s.TimeoutHours,
				ReminderAfterHours: s.ReminderAfterHours,
			})
		}
		f, err := e.CreateFlow(ctx, spec, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Flow `json:"body"`
		}{Body: f}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-flows",
		Method:      http.MethodGet,
		Path:        "/flows",
		Summary:     "List flows",
	}, func(ctx context.Context, input *struct {
		EntityType string `query:"entity_type"`
	}) (*struct {
		Body []domain.Flow `json:"body"`
	}, error) {
		flows, err := e.Repo.ListFlows(ctx, input.EntityType)
		if err != nil {
			return nil, handleError(err)
		}
		if flows == nil {
			flows = []domain.Flow{}
		}
		return &struct {
			Body []domain.Flow `json:"body"`
		}{Body: flows}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-flow",
		Method:      http.MethodGet,
		Path:        "/flows/{id}",
		Summary:     "Get flow with steps",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Flow `json:"body"`
	}, error) {
		f, err := e.Repo.GetFlow(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		steps, err := e.Repo.ListSteps(ctx, f.ID)
		if err != nil {
			return nil, handleError(err)
		}
		f.Steps = steps
		return &struct {
			Body domain.Flow `json:"body"`
		}{Body: f}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-flow",
		Method:      http.MethodPatch,
		Path:        "/flows/{id}",
		Summary:     "Update flow definition",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateFlowRequest `json:"body"`
	}) (*struct {
		Body domain.Flow `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		userID, err := requireAdmin(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		f, err := e.UpdateFlow(ctx, input.ID, engine.FlowUpdate{
			Name:                 input.Body.Name,
			TriggerConditions:    input.Body.TriggerConditions,
			Priority:             input.Body.Priority,
			AutoApproveBelow:     input.Body.AutoApproveBelow,
			AutoRejectAfterHours: input.Body.AutoRejectAfterHours,
			IsActive:             input.Body.IsActive,
		}, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Flow `json:"body"`
		}{Body: f}, nil
	})
}

func registerDelegations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-delegation",
		Method:        http.MethodPost,
		Path:          "/delegations",
		Summary:       "Create a standing delegation",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateDelegationRequest `json:"body"`
	}) (*struct {
		Body DelegationResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.DelegatorID != userID {
			if _, err := requireAdmin(ctx, e); err != nil {
				return nil, handleError(err)
			}
		}
		d, err := e.CreateDelegation(ctx, engine.DelegationSpec{
			DelegatorID: input.Body.DelegatorID,
			DelegateID:  input.Body.DelegateID,
			StartsAt:    input.Body.StartsAt,
			EndsAt:      input.Body.EndsAt,
			Reason:      stringOrEmpty(input.Body.Reason),
			EntityType:  input.Body.EntityType,
			FlowID:      input.Body.FlowID,
		}, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DelegationResponse `json:"body"`
		}{Body: delegationResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-delegations",
		Method:      http.MethodGet,
		Path:        "/delegations",
		Summary:     "List delegations",
	}, func(ctx context.Context, input *struct {
		DelegatorID string `query:"delegator_id"`
	}) (*struct {
		Body []DelegationResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListDelegations(ctx, input.DelegatorID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]DelegationResponse, 0, len(items))
		for _, d := range items {
			out = append(out, delegationResponse(d))
		}
		return &struct {
			Body []DelegationResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-delegation",
		Method:      http.MethodDelete,
		Path:        "/delegations/{id}",
		Summary:     "Revoke a delegation",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.Repo.GetDelegation(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if d.DelegatorID != userID {
			if _, err := requireAdmin(ctx, e); err != nil {
				return nil, handleError(err)
			}
		}
		if err := e.RevokeDelegation(ctx, input.ID, userID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerUsers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "upsert-user",
		Method:      http.MethodPut,
		Path:        "/users",
		Summary:     "Create or update a directory user",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body UpsertUserRequest `json:"body"`
	}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if _, err := requireAdmin(ctx, e); err != nil {
			return nil, handleError(err)
		}
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		u := domain.User{
			ID:          input.Body.ID,
			DisplayName: stringOrEmpty(input.Body.DisplayName),
			IsActive:    true,
			Department:  input.Body.Department,
			ManagerID:   input.Body.ManagerID,
			CreatedAt:   e.Now().UTC().Format(time.RFC3339),
		}
		if input.Body.IsActive != nil {
			u.IsActive = *input.Body.IsActive
		}
		if err := e.Repo.UpsertUser(ctx, u); err != nil {
			return nil, handleError(err)
		}
		for _, role := range input.Body.Roles {
			if err := e.Repo.AssignRole(ctx, u.ID, role); err != nil {
				return nil, handleError(err)
			}
		}
		out, err := e.Repo.GetUser(ctx, u.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "List directory users",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.User `json:"body"`
	}, error) {
		if _, err := requireAdmin(ctx, e); err != nil {
			return nil, handleError(err)
		}
		users, err := e.Repo.ListUsers(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if users == nil {
			users = []domain.User{}
		}
		return &struct {
			Body []domain.User `json:"body"`
		}{Body: users}, nil
	})
}

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "query-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Query the audit log",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Action  string `query:"action"`
		ActorID string `query:"actor_id"`
		AfterID int64  `query:"after_id"`
		Limit   int    `query:"limit" default:"100"`
	}) (*struct {
		Body []AuditEntryResponse `json:"body"`
	}, error) {
		if _, err := requireAdmin(ctx, e); err != nil {
			return nil, handleError(err)
		}
		entries, err := e.Repo.ListAudit(ctx, repo.AuditFilter{
			Action:  input.Action,
			ActorID: input.ActorID,
			AfterID: input.AfterID,
			Limit:   input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AuditEntryResponse `json:"body"`
		}{Body: mapAudit(entries)}, nil
	})
}
