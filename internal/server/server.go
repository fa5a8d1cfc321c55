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
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"homefront/internal/domain"
	"homefront/internal/engine"
	"homefront/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"insufficient_points"`
	Message string         `json:"message" example:"agent a1 has 40 points, needs 50"`
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

// New returns an HTTP handler exposing the Homefront API.
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
	hcfg := huma.DefaultConfig("Homefront API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerFamily(group, cfg.Engine)
	registerAgents(group, cfg.Engine)
	registerMissions(group, cfg.Engine)
	registerVault(group, cfg.Engine)
	registerRewards(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerMe(group, cfg.Engine)
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
	var unauthorized engine.UnauthorizedError
	if errors.As(err, &unauthorized) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"agent_id": unauthorized.AgentID})
	}
	var transition engine.InvalidTransitionError
	if errors.As(err, &transition) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{"from": transition.From, "to": transition.To})
	}
	var insufficient engine.InsufficientPointsError
	if errors.As(err, &insufficient) {
		return newAPIError(http.StatusUnprocessableEntity, "insufficient_points", err.Error(), map[string]any{"balance": insufficient.Balance, "cost": insufficient.Cost})
	}
	var invalid engine.ValidationError
	if errors.As(err, &invalid) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": invalid.Field})
	}
	if errors.Is(err, engine.ErrAlreadyRedeemed) {
		return newAPIError(http.StatusConflict, "already_redeemed", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrConcurrentModification) {
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
	devLoginPath := path.Join(basePath, "auth/dev/login")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	if !strings.HasPrefix(devLoginPath, "/") {
		devLoginPath = "/" + devLoginPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath || route == devLoginPath {
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
    <title>Homefront API Docs</title>
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

func registerFamily(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-family",
		Method:      http.MethodGet,
		Path:        "/family",
		Summary:     "Get the active family",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body FamilyResponse `json:"body"`
	}, error) {
		f, err := e.Repo.GetFamily(ctx, e.Config.Family.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FamilyResponse `json:"body"`
		}{Body: familyResponse(f)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-family-config",
		Method:      http.MethodGet,
		Path:        "/family/config",
		Summary:     "Get the rank ladder, difficulty values and category catalog",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body FamilyConfigResponse `json:"body"`
	}, error) {
		cfg, err := e.Repo.GetFamilyConfig(ctx, e.Config.Family.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FamilyConfigResponse `json:"body"`
		}{Body: configResponse(cfg)}, nil
	})
}

func registerAgents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "enlist-agent",
		Method:        http.MethodPost,
		Path:          "/agents",
		Summary:       "Enlist a household member",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Body EnlistAgentRequest `json:"body"`
	}) (*struct {
		Body AgentResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.EnlistAgent(ctx, e.Config.Family.ID, input.Body.Name, domain.Role(input.Body.Role), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgentResponse `json:"body"`
		}{Body: agentResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List household members",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []AgentResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListAgents(ctx, e.Config.Family.ID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]AgentResponse, 0, len(items))
		for _, a := range items {
			res = append(res, agentResponse(a))
		}
		return &struct {
			Body []AgentResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}",
		Summary:     "Get an agent",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body AgentResponse `json:"body"`
	}, error) {
		a, err := e.Repo.GetAgent(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgentResponse `json:"body"`
		}{Body: agentResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent-rank",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}/rank",
		Summary:     "Current rank and progress to the next tier",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body RankResponse `json:"body"`
	}, error) {
		a, err := e.Repo.GetAgent(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		ladder := e.Config.Ladder()
		resp := RankResponse{
			AgentID:  a.ID,
			Points:   a.Points,
			Rank:     ladder.For(a.Points).Name,
			Progress: ladder.Progress(a.Points),
		}
		if next, ok := ladder.Next(a.Points); ok {
			resp.NextRank = next.Name
			resp.PointsToNext = ladder.PointsToNext(a.Points)
		}
		return &struct {
			Body RankResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent-streak",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}/streak",
		Summary:     "Consecutive-day completion streak",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body StreakResponse `json:"body"`
	}, error) {
		n, err := e.CalculateStreak(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StreakResponse `json:"body"`
		}{Body: StreakResponse{AgentID: input.AgentID, Streak: n}}, nil
	})
}

func registerMissions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-mission",
		Method:        http.MethodPost,
		Path:          "/missions",
		Summary:       "Create mission",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateMissionRequest `json:"body"`
	}) (*struct {
		Body MissionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.MissionCreateOptions{
			FamilyID:    e.Config.Family.ID,
			Title:       input.Body.Title,
			Description: stringOrEmpty(input.Body.Description),
			Category:    input.Body.Category,
			Difficulty:  domain.Difficulty(input.Body.Difficulty),
			AssignedTo:  stringOrEmpty(input.Body.AssignedTo),
			DueDate:     stringOrEmpty(input.Body.DueDate),
			Recurring:   input.Body.Recurring,
			FieldBonus:  input.Body.FieldBonus,
			ActorID:     actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.Pattern != nil {
			opts.Pattern = domain.RecurrencePattern(*input.Body.Pattern)
		}
		m, err := e.CreateMission(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MissionResponse `json:"body"`
		}{Body: missionResponse(m, e.Now())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-missions",
		Method:      http.MethodGet,
		Path:        "/missions",
		Summary:     "List missions",
	}, func(ctx context.Context, input *struct {
		Status        string `query:"status"`
		AssignedTo    string `query:"assigned_to"`
		IncludeClosed bool   `query:"include_closed"`
		Limit         int    `query:"limit" default:"50"`
	}) (*struct {
		Body []MissionResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListMissions(ctx, repo.MissionFilters{
			FamilyID:      e.Config.Family.ID,
			Status:        input.Status,
			AssignedTo:    input.AssignedTo,
			IncludeClosed: input.IncludeClosed,
			Limit:         normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []MissionResponse `json:"body"`
		}{Body: mapMissions(items, e.Now())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-mission",
		Method:      http.MethodGet,
		Path:        "/missions/{mission_id}",
		Summary:     "Get mission",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
	}) (*struct {
		Body MissionResponse `json:"body"`
	}, error) {
		m, err := e.Repo.GetMission(ctx, input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MissionResponse `json:"body"`
		}{Body: missionResponse(m, e.Now())}, nil
	})

	type missionPath struct {
		MissionID string `path:"mission_id"`
	}
	type missionOut struct {
		Body MissionResponse `json:"body"`
	}
	transition := func(operationID, pathSuffix, summary string, apply func(ctx context.Context, missionID, agentID string) (domain.Mission, error)) {
		huma.Register(api, huma.Operation{
			OperationID: operationID,
			Method:      http.MethodPost,
			Path:        "/missions/{mission_id}/" + pathSuffix,
			Summary:     summary,
			Errors: []int{
				http.StatusForbidden,
				http.StatusNotFound,
				http.StatusConflict,
			},
		}, func(ctx context.Context, input *missionPath) (*missionOut, error) {
			agentID, authErr := agentIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			m, err := apply(ctx, input.MissionID, agentID)
			if err != nil {
				return nil, handleError(err)
			}
			return &missionOut{Body: missionResponse(m, e.Now())}, nil
		})
	}
	transition("accept-mission", "accept", "Claim a pending mission", e.AcceptMission)
	transition("submit-mission", "submit", "Submit for verification", e.SubmitForVerification)
	transition("reject-mission", "reject", "Reject and return for rework", e.RejectMission)
	transition("close-mission", "close", "Force-close a mission", e.CloseMission)

	huma.Register(api, huma.Operation{
		OperationID: "verify-mission",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/verify",
		Summary:     "Verify a submitted mission and credit points",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *missionPath) (*struct {
		Body VerifyMissionResponse `json:"body"`
	}, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, successor, err := e.VerifyMission(ctx, input.MissionID, agentID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := VerifyMissionResponse{Mission: missionResponse(m, e.Now())}
		if successor != nil {
			s := missionResponse(*successor, e.Now())
			resp.Successor = &s
		}
		return &struct {
			Body VerifyMissionResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerVault(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "stock-vault",
		Method:        http.MethodPost,
		Path:          "/vault",
		Summary:       "Stock a gift card",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Body StockVaultRequest `json:"body"`
	}) (*struct {
		Body VaultCardResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.AddVaultCard(ctx, engine.VaultCardOptions{
			FamilyID:     e.Config.Family.ID,
			BrandName:    input.Body.BrandName,
			Denomination: input.Body.Denomination,
			GiftCode:     input.Body.GiftCode,
			PointsCost:   input.Body.PointsCost,
			ActorID:      actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VaultCardResponse `json:"body"`
		}{Body: vaultCardResponse(c, false)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-vault",
		Method:      http.MethodGet,
		Path:        "/vault",
		Summary:     "List vault cards",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
	}) (*struct {
		Body []VaultCardResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListVaultCards(ctx, e.Config.Family.ID, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []VaultCardResponse `json:"body"`
		}{Body: mapVaultCards(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "redeem-vault-card",
		Method:      http.MethodPost,
		Path:        "/vault/{card_id}/redeem",
		Summary:     "Redeem a vault card",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		CardID string `path:"card_id"`
	}) (*struct {
		Body VaultCardResponse `json:"body"`
	}, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.RedeemVaultCard(ctx, input.CardID, agentID)
		if err != nil {
			return nil, handleError(err)
		}
		// the one response that discloses the gift code
		return &struct {
			Body VaultCardResponse `json:"body"`
		}{Body: vaultCardResponse(c, true)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "expire-vault-card",
		Method:      http.MethodPost,
		Path:        "/vault/{card_id}/expire",
		Summary:     "Expire an available vault card",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		CardID string `path:"card_id"`
	}) (*struct {
		Body VaultCardResponse `json:"body"`
	}, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.ExpireVaultCard(ctx, input.CardID, agentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VaultCardResponse `json:"body"`
		}{Body: vaultCardResponse(c, false)}, nil
	})
}

func registerRewards(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-reward",
		Method:        http.MethodPost,
		Path:          "/rewards",
		Summary:       "Define a family reward",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateRewardRequest `json:"body"`
	}) (*struct {
		Body RewardResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		fr, err := e.CreateFamilyReward(ctx, engine.FamilyRewardOptions{
			FamilyID:    e.Config.Family.ID,
			Title:       input.Body.Title,
			Description: stringOrEmpty(input.Body.Description),
			PointsCost:  input.Body.PointsCost,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RewardResponse `json:"body"`
		}{Body: rewardResponse(fr)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-rewards",
		Method:      http.MethodGet,
		Path:        "/rewards",
		Summary:     "List family rewards",
	}, func(ctx context.Context, input *struct {
		ActiveOnly bool `query:"active_only"`
	}) (*struct {
		Body []RewardResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListFamilyRewards(ctx, e.Config.Family.ID, input.ActiveOnly)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RewardResponse `json:"body"`
		}{Body: mapRewards(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-reward",
		Method:      http.MethodPatch,
		Path:        "/rewards/{reward_id}",
		Summary:     "Retire or reinstate a reward",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		RewardID string              `path:"reward_id"`
		Body     UpdateRewardRequest `json:"body"`
	}) (*struct {
		Body RewardResponse `json:"body"`
	}, error) {
		if input.Body.Active == nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "active is required", nil)
		}
		actorID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		fr, err := e.SetFamilyRewardActive(ctx, input.RewardID, *input.Body.Active, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RewardResponse `json:"body"`
		}{Body: rewardResponse(fr)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "request-redemption",
		Method:        http.MethodPost,
		Path:          "/rewards/{reward_id}/requests",
		Summary:       "Request a reward redemption",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		RewardID string `path:"reward_id"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.RequestRedemption(ctx, input.RewardID, agentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(req)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-requests",
		Method:      http.MethodGet,
		Path:        "/requests",
		Summary:     "List redemption requests",
	}, func(ctx context.Context, input *struct {
		State string `query:"state"`
	}) (*struct {
		Body []RequestResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListRequests(ctx, e.Config.Family.ID, input.State)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RequestResponse `json:"body"`
		}{Body: mapRequests(items)}, nil
	})

	type requestPath struct {
		RequestID string `path:"request_id"`
	}
	type requestOut struct {
		Body RequestResponse `json:"body"`
	}
	decide := func(operationID, pathSuffix, summary string, apply func(ctx context.Context, requestID, approverID string) (domain.RedemptionRequest, error)) {
		huma.Register(api, huma.Operation{
			OperationID: operationID,
			Method:      http.MethodPost,
			Path:        "/requests/{request_id}/" + pathSuffix,
			Summary:     summary,
			Errors: []int{
				http.StatusForbidden,
				http.StatusNotFound,
				http.StatusConflict,
				http.StatusUnprocessableEntity,
			},
		}, func(ctx context.Context, input *requestPath) (*requestOut, error) {
			approverID, authErr := agentIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			req, err := apply(ctx, input.RequestID, approverID)
			if err != nil {
				return nil, handleError(err)
			}
			return &requestOut{Body: requestResponse(req)}, nil
		})
	}
	decide("approve-redemption", "approve", "Approve a pending redemption and spend points", e.ApproveRedemption)
	decide("deny-redemption", "deny", "Deny a pending redemption", e.DenyRedemption)
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		if input.Cursor != "" {
			cursorID, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			items, err := e.Repo.EventsAfter(ctx, limit, cursorID, e.Config.Family.ID)
			if err != nil {
				return nil, handleError(err)
			}
			resp := paginatedEvents{Items: []EventResponse{}}
			for _, evt := range items {
				resp.Items = append(resp.Items, eventResponse(evt))
			}
			if len(items) == limit {
				resp.NextCursor = fmt.Sprintf("%d", items[len(items)-1].ID)
			}
			return &struct {
				Body paginatedEvents `json:"body"`
			}{Body: resp}, nil
		}
		items, err := e.Repo.LatestEvents(ctx, limit, e.Config.Family.ID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "issue-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Issue an API key for an agent",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Body IssueAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		actor, err := e.Repo.GetAgent(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		if actor.Role != domain.RoleCommander {
			return nil, handleError(engine.UnauthorizedError{AgentID: actorID, Action: "issue api keys"})
		}
		target, err := e.Repo.GetAgent(ctx, input.Body.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		if target.FamilyID != actor.FamilyID {
			return nil, handleError(repo.ErrNotFound)
		}
		secret := uuid.New().String() + "-" + uuid.New().String()
		key := domain.APIKey{
			ID:        uuid.New().String(),
			AgentID:   target.ID,
			Name:      input.Body.Name,
			KeyHash:   repo.HashAPIKey(secret),
			CreatedAt: e.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{
			ID:        key.ID,
			AgentID:   key.AgentID,
			Name:      key.Name,
			Key:       secret,
			CreatedAt: key.CreatedAt,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/api-keys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		AgentID string `query:"agent_id"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListAPIKeys(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]APIKeyResponse, 0, len(items))
		for _, k := range items {
			res = append(res, APIKeyResponse{ID: k.ID, AgentID: k.AgentID, Name: k.Name, CreatedAt: k.CreatedAt})
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/api-keys/{key_id}",
		Summary:     "Delete an API key",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		actorID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		actor, err := e.Repo.GetAgent(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		if actor.Role != domain.RoleCommander {
			return nil, handleError(engine.UnauthorizedError{AgentID: actorID, Action: "delete api keys"})
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, ok := principalFromContext(ctx)
		if !ok || principal.AgentID == "" {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		resp := WhoAmIResponse{AgentID: principal.AgentID, Source: principal.Source}
		if a, err := e.Repo.GetAgent(ctx, principal.AgentID); err == nil {
			resp.Name = a.Name
			resp.Role = string(a.Role)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: resp}, nil
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
		agent := strings.TrimSpace(input.Body.AgentID)
		if agent == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "agent_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, agent)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func signDevToken(secret, agentID string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   agentID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(24 * time.Hour)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
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
