// Package server exposes the approval engine over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"ipmf/internal/domain"
	"ipmf/internal/engine"
	"ipmf/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"self_approval"`
	Message string         `json:"message" example:"ag1 cannot expense.verify a expense they submitted"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// out wraps a response body.
type out[T any] struct {
	Body T
}

func reply[T any](v T) *out[T] {
	return &out[T]{Body: v}
}

var defaultErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

// New returns an HTTP handler exposing the IPMF API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		// Schema failures mean a malformed request; domain validation is
		// reported separately as 422.
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			msgs := make([]string, 0, len(errs))
			for _, err := range errs {
				msgs = append(msgs, err.Error())
			}
			details = map[string]any{"errors": msgs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo, logger))
	hcfg := huma.DefaultConfig("IPMF API", "1.0.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerMe(group, cfg.Engine)
	registerActors(group, cfg.Engine)
	registerExpenses(group, cfg.Engine)
	registerIncomes(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerSubtasks(group, cfg.Engine)
	registerDeferrals(group, cfg.Engine)
	registerSweep(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	if cfg.Auth.DevLogin {
		registerDevAuth(group, cfg.Engine, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body:   apiErrorBody{Code: code, Message: message, Details: details},
	}
}

// handleError maps engine failures onto the HTTP error envelope.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var de *domain.Error
	if !errors.As(err, &de) {
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
	switch de.Kind {
	case domain.KindValidation:
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", de.Message, de.Details)
	case domain.KindPermission:
		code := "forbidden"
		switch de.Reason {
		case domain.ReasonSelfApproval:
			code = "self_approval"
		case domain.ReasonNotAssigned:
			code = "not_assigned"
		}
		return newAPIError(http.StatusForbidden, code, de.Message, map[string]any{"reason": de.Reason})
	case domain.KindState:
		code := "invalid_state"
		if de.Reason == domain.ReasonConflict {
			code = "conflict"
		}
		return newAPIError(http.StatusConflict, code, de.Message, de.Details)
	case domain.KindBudgetExceeded:
		return newAPIError(http.StatusConflict, "budget_exceeded", de.Message, de.Details)
	case domain.KindNotFound:
		return newAPIError(http.StatusNotFound, "not_found", de.Message, de.Details)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
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

func requireRole(actor domain.Actor, roles ...domain.Role) error {
	for _, r := range roles {
		if actor.Role == r {
			return nil
		}
	}
	return domain.Permissionf(domain.ReasonRole, "role %s not allowed", actor.Role)
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once    sync.Once
		oasJSON []byte
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			oasJSON, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(oasJSON)
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
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{Type: "apiKey", In: "header", Name: "X-Api-Key"}
	security := []map[string][]string{{"bearerAuth": {}}, {"apiKeyAuth": {}}}
	oas.Security = security
	public := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if public[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", basePath, "openapi.json")
	return fmt.Sprintf(`<!doctype html>
<html lang="fr">
  <head>
    <meta charset="utf-8"/>
    <title>IPMF API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => { SwaggerUIBundle({ url: '%s', dom_id: '#swagger-ui' }); };
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
	}, func(ctx context.Context, _ *struct{}) (*out[map[string]string], error) {
		return reply(map[string]string{"status": "ok"}), nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current actor",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*out[WhoAmIResponse], error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		actor, err := actorFromRequest(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(WhoAmIResponse{ActorID: actor.ID, Role: string(actor.Role), Source: p.Source}), nil
	})
}

func registerActors(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-actor",
		Method:        http.MethodPost,
		Path:          "/actors",
		Summary:       "Register an actor and its role",
		DefaultStatus: http.StatusCreated,
		Errors:        defaultErrors,
	}, func(ctx context.Context, input *struct {
		Body RegisterActorRequest
	}) (*out[ActorResponse], error) {
		actor, err := actorFromRequest(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requireRole(actor, domain.RoleAdmin); err != nil {
			return nil, handleError(err)
		}
		a, err := e.RegisterActor(ctx, actor.ID, input.Body.ID, domain.Role(input.Body.Role), input.Body.DisplayName)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(actorResponse(a)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-actors",
		Method:      http.MethodGet,
		Path:        "/actors",
		Summary:     "List registered actors",
		Errors:      defaultErrors,
	}, func(ctx context.Context, input *struct {
		Role string `query:"role"`
	}) (*out[[]ActorResponse], error) {
		if _, err := actorFromRequest(ctx, e); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListActors(ctx, input.Role)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(mapSlice(items, actorResponse)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "issue-api-key",
		Method:        http.MethodPost,
		Path:          "/actors/{actor_id}/api-keys",
		Summary:       "Issue an API key; the key is only shown once",
		DefaultStatus: http.StatusCreated,
		Errors:        defaultErrors,
	}, func(ctx context.Context, input *struct {
		ActorID string             `path:"actor_id"`
		Body    IssueAPIKeyRequest `required:"false"`
	}) (*out[APIKeyResponse], error) {
		actor, err := actorFromRequest(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		if actor.ID != input.ActorID {
			if err := requireRole(actor, domain.RoleAdmin); err != nil {
				return nil, handleError(err)
			}
		}
		plain, key, err := e.IssueAPIKey(ctx, input.ActorID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(APIKeyResponse{ID: key.ID, ActorID: key.ActorID, Name: key.Name, Key: plain, CreatedAt: key.CreatedAt}), nil
	})
}

func registerSweep(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "run-sweep",
		Method:      http.MethodPost,
		Path:        "/sweep",
		Summary:     "Fail running tasks past their deadline now",
		Errors:      defaultErrors,
	}, func(ctx context.Context, _ *struct{}) (*out[SweepResponse], error) {
		actor, err := actorFromRequest(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requireRole(actor, domain.RoleAdmin, domain.RoleDG); err != nil {
			return nil, handleError(err)
		}
		res, err := e.SweepOverdue(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(sweepResponse(res)), nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List the trail, newest first",
		Errors:      defaultErrors,
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"expense,income,task,subtask,deferral,actor,apikey"`
		EntityID   string `query:"entity_id"`
		ActorID    string `query:"actor_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*out[paginatedEvents], error) {
		actor, err := actorFromRequest(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requireRole(actor, domain.RoleAdmin, domain.RoleDG, domain.RoleComptable); err != nil {
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
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, repo.EventFilters{
			Type: input.Type, EntityKind: input.EntityKind, EntityID: input.EntityID, ActorID: input.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		resp.Items = mapSlice(items, eventResponse)
		return reply(resp), nil
	})
}

func registerDevAuth(api huma.API, e engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for a registered actor",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest
	}) (*out[DevLoginResponse], error) {
		id := strings.TrimSpace(input.Body.ActorID)
		if id == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		a, err := e.Actors().Resolve(ctx, id)
		if err != nil {
			return nil, handleError(err)
		}
		token, err := signToken(authCfg.JWTSecret, a.ID, string(a.Role), 12*time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return reply(DevLoginResponse{Token: token}), nil
	})
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
