package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"concierge/internal/breaker"
	"concierge/internal/domain"
	"concierge/internal/engine"
	"concierge/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Breakers *breaker.Registry
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"conversation not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the conversation API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(cfg.Logger))
	router.Use(newAuthMiddleware(cfg.Auth))
	hcfg := huma.DefaultConfig("Concierge API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerConversations(group, cfg.Engine, cfg.Auth)
	registerTurns(group, cfg.Engine)
	registerOperator(group, cfg.Engine, cfg.Auth)
	registerBreakers(group, cfg.Breakers, cfg.Auth)
	registerEvents(group, cfg.Engine, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.LogAttrs(r.Context(), slog.LevelDebug, "http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", "conversation not found", nil)
	case errors.Is(err, engine.ErrConversationBusy):
		return newAPIError(http.StatusConflict, "conversation_busy", "another turn is in progress for this conversation", nil)
	case errors.Is(err, engine.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	case errors.Is(err, context.Canceled):
		return newAPIError(499, "client_closed_request", "request canceled", nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
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
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

// applyAuthSecurity marks operator operations as bearer protected.
func applyAuthSecurity(oas *huma.OpenAPI) {
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
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			for _, tag := range op.Tags {
				if tag == "operator" {
					op.Security = security
				}
			}
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
    <title>Concierge API Docs</title>
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
      Operator routes take Authorization: Bearer &lt;token&gt; when a secret is configured.
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

type conversationPath struct {
	ConversationID string `path:"conversation_id"`
}

func registerConversations(api huma.API, e engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-conversation",
		Method:        http.MethodPost,
		Path:          "/conversations",
		Summary:       "Create conversation",
		Tags:          []string{"conversations"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body *CreateConversationRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body domain.Conversation `json:"body"`
	}, error) {
		userID := ""
		if input.Body != nil {
			userID = strings.TrimSpace(input.Body.UserID)
		}
		actorID := ""
		if p, ok := principalFromContext(ctx); ok {
			actorID = p.ActorID
		}
		c, err := e.CreateConversation(ctx, userID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Conversation `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-conversations",
		Method:      http.MethodGet,
		Path:        "/conversations",
		Summary:     "List conversations",
		Tags:        []string{"operator"},
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedConversations `json:"body"`
	}, error) {
		if _, authErr := requireOperator(ctx, authCfg); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListConversations(ctx, input.Status, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedConversations `json:"body"`
		}{Body: paginatedConversations{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-conversation",
		Method:      http.MethodGet,
		Path:        "/conversations/{conversation_id}",
		Summary:     "Get conversation",
		Tags:        []string{"conversations"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *conversationPath) (*struct {
		Body domain.Conversation `json:"body"`
	}, error) {
		c, err := e.GetConversation(ctx, input.ConversationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Conversation `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "conversation-history",
		Method:      http.MethodGet,
		Path:        "/conversations/{conversation_id}/history",
		Summary:     "Conversation messages in order",
		Tags:        []string{"conversations"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *conversationPath) (*struct {
		Body []domain.Message `json:"body"`
	}, error) {
		items, err := e.History(ctx, input.ConversationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Message `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "conversation-tool-calls",
		Method:      http.MethodGet,
		Path:        "/conversations/{conversation_id}/tool-calls",
		Summary:     "Tool invocation records",
		Tags:        []string{"conversations"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *conversationPath) (*struct {
		Body []domain.ToolInvocationRecord `json:"body"`
	}, error) {
		items, err := e.ToolCalls(ctx, input.ConversationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ToolInvocationRecord `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

func registerTurns(api huma.API, e engine.Engine) {
	turnErrors := []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusInternalServerError}

	huma.Register(api, huma.Operation{
		OperationID: "send-message",
		Method:      http.MethodPost,
		Path:        "/conversations/{conversation_id}/messages",
		Summary:     "Send a user message and run one turn",
		Tags:        []string{"conversations"},
		Errors:      turnErrors,
	}, func(ctx context.Context, input *struct {
		ConversationID string             `path:"conversation_id"`
		Body           SendMessageRequest `json:"body"`
	}) (*struct {
		Body engine.TurnResult `json:"body"`
	}, error) {
		res, err := e.HandleTurn(ctx, input.ConversationID, input.Body.Content)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.TurnResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "chat",
		Method:      http.MethodPost,
		Path:        "/chat",
		Summary:     "Run one turn",
		Tags:        []string{"conversations"},
		Errors:      turnErrors,
	}, func(ctx context.Context, input *struct {
		Body ChatRequest `json:"body"`
	}) (*struct {
		Body engine.TurnResult `json:"body"`
	}, error) {
		res, err := e.HandleTurn(ctx, input.Body.ConversationID, input.Body.Message)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.TurnResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerOperator(api huma.API, e engine.Engine, authCfg AuthConfig) {
	operatorErrors := []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict}

	huma.Register(api, huma.Operation{
		OperationID: "handoff-conversation",
		Method:      http.MethodPost,
		Path:        "/conversations/{conversation_id}/handoff",
		Summary:     "Emergency takeover by a human operator",
		Tags:        []string{"operator"},
		Errors:      operatorErrors,
	}, func(ctx context.Context, input *struct {
		ConversationID string          `path:"conversation_id"`
		Body           *HandoffRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body engine.HandoffResult `json:"body"`
	}, error) {
		actorID, authErr := requireOperator(ctx, authCfg)
		if authErr != nil {
			return nil, authErr
		}
		reason := ""
		if input.Body != nil {
			reason = strings.TrimSpace(input.Body.Reason)
		}
		res, err := e.Handoff(ctx, input.ConversationID, reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.HandoffResult `json:"body"`
		}{Body: res}, nil
	})

	for _, op := range []struct {
		id, path, summary string
		run               func(context.Context, string, string) (domain.Conversation, error)
	}{
		{"reset-conversation", "/conversations/{conversation_id}/reset", "Return a handed-off conversation to automation", e.ResetConversation},
		{"close-conversation", "/conversations/{conversation_id}/close", "Close a conversation", e.CloseConversation},
	} {
		run := op.run
		huma.Register(api, huma.Operation{
			OperationID: op.id,
			Method:      http.MethodPost,
			Path:        op.path,
			Summary:     op.summary,
			Tags:        []string{"operator"},
			Errors:      operatorErrors,
		}, func(ctx context.Context, input *conversationPath) (*struct {
			Body domain.Conversation `json:"body"`
		}, error) {
			actorID, authErr := requireOperator(ctx, authCfg)
			if authErr != nil {
				return nil, authErr
			}
			c, err := run(ctx, input.ConversationID, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.Conversation `json:"body"`
			}{Body: c}, nil
		})
	}
}

func registerBreakers(api huma.API, reg *breaker.Registry, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "list-breakers",
		Method:      http.MethodGet,
		Path:        "/breakers",
		Summary:     "Circuit breaker states",
		Tags:        []string{"operator"},
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []BreakerResponse `json:"body"`
	}, error) {
		if _, authErr := requireOperator(ctx, authCfg); authErr != nil {
			return nil, authErr
		}
		out := []BreakerResponse{}
		if reg != nil {
			for _, s := range reg.Snapshot() {
				out = append(out, breakerResponse(s))
			}
		}
		return &struct {
			Body []BreakerResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent lifecycle events",
		Tags:        []string{"operator"},
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ConversationID string `query:"conversation_id"`
		Type           string `query:"type"`
		Limit          int    `query:"limit" default:"50"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if _, authErr := requireOperator(ctx, authCfg); authErr != nil {
			return nil, authErr
		}
		items, err := e.Events(ctx, normalizeLimit(input.Limit), input.ConversationID, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]EventResponse, 0, len(items))
		for _, evt := range items {
			out = append(out, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: out}, nil
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
