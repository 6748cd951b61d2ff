// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/adrper79-dot/CallMonitor-sub015/internal/domain"
	"github.com/adrper79-dot/CallMonitor-sub015/internal/evidence"
	"github.com/adrper79-dot/CallMonitor-sub015/internal/metrics"
	"github.com/adrper79-dot/CallMonitor-sub015/internal/transport/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	headerActorType = "X-Actor-Type"
	headerActorID   = "X-Actor-Id"

	eventArtifactCreated   = "artifact.created"
	eventBundleBuilt       = "bundle.built"
	eventConversationEnded = "conversation.ended"
)

type createConversationRequest struct {
	OrganizationID    string `json:"organization_id"`
	CreatedBy         string `json:"created_by"`
	RecordingIntended bool   `json:"recording_intended"`
}

type endConversationRequest struct {
	Status string `json:"status"`
}

type createArtifactRequest struct {
	Type             string            `json:"type"`
	ConversationID   string            `json:"conversation_id"`
	Payload          json.RawMessage   `json:"payload"`
	ProducedBy       domain.Producer   `json:"produced_by"`
	Source           string            `json:"source"`
	ParentArtifactID string            `json:"parent_artifact_id"`
	InputRefs        []domain.InputRef `json:"input_refs"`
}

type buildBundleRequest struct {
	ArtifactIDs []string `json:"artifact_ids"`
}

type registerTargetRequest struct {
	EventType string `json:"event_type"`
	URL       string `json:"url"`
	Secret    string `json:"secret"`
}

type discardTaskRequest struct {
	Reason string `json:"reason"`
}

type Deps struct {
	Conversations ConversationStore
	Artifacts     ArtifactStore
	Provenance    ProvenanceReader
	Audit         AuditReader
	Bundles       BundleReader
	Builder       BundleBuilder
	Targets       TargetAdmin
	Tasks         TaskAdmin
	Notifier      EventNotifier

	Logger            *slog.Logger
	AdminToken        string
	IngestLimitPerMin int
	Version           string
	Commit            string
	BuildDate         string
}

func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics.Init()
	version := valueOrDefault(deps.Version, "dev")
	commit := valueOrDefault(deps.Commit, "none")
	buildDate := valueOrDefault(deps.BuildDate, "unknown")

	r := chi.NewRouter()
	r.Use(requestIDMiddleware())
	r.Use(requestLoggingMiddleware(logger))

	// ---------------- HEALTH / METRICS / VERSION ----------------

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("health check hit")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version":    version,
			"commit":     commit,
			"build_date": buildDate,
		})
	})

	// ---------------- CONVERSATIONS ----------------

	r.Post("/conversations", func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}

		var req createConversationRequest
		if !decodeBody(w, r, &req) {
			return
		}
		orgID, err := uuid.Parse(req.OrganizationID)
		if err != nil {
			http.Error(w, "invalid organization_id", http.StatusBadRequest)
			return
		}

		conv, err := deps.Conversations.Create(r.Context(), actor, domain.CreateConversationParams{
			OrganizationID:    orgID,
			CreatedBy:         strings.TrimSpace(req.CreatedBy),
			RecordingIntended: req.RecordingIntended,
		})
		if err != nil {
			writeDomainError(w, logger, "create conversation", err)
			return
		}

		writeJSON(w, http.StatusOK, conv)
	})

	r.Get("/conversations/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, r, "id")
		if !ok {
			return
		}

		conv, err := deps.Conversations.Get(r.Context(), id)
		if err != nil {
			writeDomainError(w, logger, "get conversation", err)
			return
		}
		writeJSON(w, http.StatusOK, conv)
	})

	r.Post("/conversations/{id}/end", func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		id, ok := parseID(w, r, "id")
		if !ok {
			return
		}

		var req endConversationRequest
		if !decodeBody(w, r, &req) {
			return
		}
		status := domain.ConversationStatus(strings.TrimSpace(req.Status))
		if status == "" {
			status = domain.ConversationCompleted
		}

		conv, err := deps.Conversations.End(r.Context(), actor, id, status)
		if err != nil {
			writeDomainError(w, logger, "end conversation", err)
			return
		}

		notify(r, deps.Notifier, logger, actor, eventConversationEnded, conv.ID, map[string]any{
			"conversation_id": conv.ID,
			"status":          conv.Status,
			"ended_at":        conv.EndedAt,
		})

		writeJSON(w, http.StatusOK, conv)
	})

	// ---------------- AUDIT / DEBUG READS ----------------

	r.Get("/conversations/{id}/audit", func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, r, "id")
		if !ok {
			return
		}
		if _, err := deps.Conversations.Get(r.Context(), id); err != nil {
			writeDomainError(w, logger, "get conversation", err)
			return
		}

		entries, err := deps.Audit.Query(r.Context(), id, auditFilterFromQuery(r))
		if err != nil {
			writeDomainError(w, logger, "query audit trail", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"conversation_id": id,
			"entries":         entries,
		})
	})

	r.Get("/conversations/{id}/debug", func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, r, "id")
		if !ok {
			return
		}
		if _, err := deps.Conversations.Get(r.Context(), id); err != nil {
			writeDomainError(w, logger, "get conversation", err)
			return
		}

		entries, err := deps.Audit.Query(r.Context(), id, auditFilterFromQuery(r))
		if err != nil {
			writeDomainError(w, logger, "query audit trail", err)
			return
		}
		artifacts, err := deps.Artifacts.ListByConversation(r.Context(), id, true)
		if err != nil {
			writeDomainError(w, logger, "list artifacts", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"conversation_id": id,
			"audit":           entries,
			"artifacts":       artifacts,
		})
	})

	// ---------------- EVIDENCE BUNDLES ----------------

	r.Get("/conversations/{id}/bundle", func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, r, "id")
		if !ok {
			return
		}

		bundle, err := deps.Bundles.Latest(r.Context(), id)
		if err != nil {
			writeDomainError(w, logger, "get latest bundle", err)
			return
		}
		writeJSON(w, http.StatusOK, bundle)
	})

	r.Post("/conversations/{id}/bundle", func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		id, ok := parseID(w, r, "id")
		if !ok {
			return
		}

		var req buildBundleRequest
		if !decodeBody(w, r, &req) {
			return
		}
		artifactIDs := make([]uuid.UUID, 0, len(req.ArtifactIDs))
		for _, raw := range req.ArtifactIDs {
			artifactID, err := uuid.Parse(raw)
			if err != nil {
				http.Error(w, "invalid artifact id in artifact_ids", http.StatusBadRequest)
				return
			}
			artifactIDs = append(artifactIDs, artifactID)
		}

		bundle, err := deps.Builder.Build(r.Context(), actor, evidence.BuildParams{
			ConversationID: id,
			ArtifactIDs:    artifactIDs,
		})
		if err != nil {
			writeDomainError(w, logger, "build bundle", err)
			return
		}

		notify(r, deps.Notifier, logger, actor, eventBundleBuilt, bundle.ID, map[string]any{
			"bundle_id":       bundle.ID,
			"conversation_id": bundle.ConversationID,
			"version":         bundle.Version,
			"bundle_hash":     bundle.BundleHash,
		})

		writeJSON(w, http.StatusOK, bundle)
	})

	// ---------------- ARTIFACTS ----------------

	r.Group(func(r chi.Router) {
		r.Use(middleware.IngestRateLimit(deps.IngestLimitPerMin, logger))

		r.Post("/artifacts", func(w http.ResponseWriter, r *http.Request) {
			actor, ok := requireActor(w, r)
			if !ok {
				return
			}

			var req createArtifactRequest
			if !decodeBody(w, r, &req) {
				return
			}
			params, err := artifactParamsFromRequest(req)
			if err != nil {
				writeDomainError(w, logger, "decode artifact", err)
				return
			}

			art, err := deps.Artifacts.Create(r.Context(), actor, params)
			if err != nil {
				writeDomainError(w, logger, "create artifact", err)
				return
			}

			notify(r, deps.Notifier, logger, actor, eventArtifactCreated, art.ID, map[string]any{
				"artifact_id":     art.ID,
				"conversation_id": art.ConversationID,
				"type":            art.Type,
				"content_hash":    art.ContentHash,
			})

			writeJSON(w, http.StatusOK, art)
		})
	})

	r.Get("/artifacts/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, r, "id")
		if !ok {
			return
		}

		includeDeleted := false
		if flagQueryParam(r, "include_deleted") {
			if !adminAuthorized(r, deps.AdminToken) {
				http.Error(w, "include_deleted requires admin token", http.StatusForbidden)
				return
			}
			includeDeleted = true
		}

		art, err := deps.Artifacts.Get(r.Context(), id, includeDeleted)
		if err != nil {
			writeDomainError(w, logger, "get artifact", err)
			return
		}
		writeJSON(w, http.StatusOK, art)
	})

	r.Delete("/artifacts/{id}", func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		id, ok := parseID(w, r, "id")
		if !ok {
			return
		}

		art, err := deps.Artifacts.SoftDelete(r.Context(), actor, id)
		if err != nil {
			writeDomainError(w, logger, "soft delete artifact", err)
			return
		}
		writeJSON(w, http.StatusOK, art)
	})

	r.Get("/artifacts/{id}/provenance", func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, r, "id")
		if !ok {
			return
		}

		edge, err := deps.Provenance.Edge(r.Context(), id)
		if err != nil {
			writeDomainError(w, logger, "get provenance edge", err)
			return
		}
		ancestors, err := deps.Provenance.Ancestors(r.Context(), id)
		if err != nil {
			writeDomainError(w, logger, "walk ancestors", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"artifact_id": id,
			"edge":        edge,
			"ancestors":   ancestors,
		})
	})

	// ---------------- DELIVERY ADMIN ----------------

	r.Route("/delivery", func(admin chi.Router) {
		admin.Use(middleware.AdminTokenAuth(deps.AdminToken, logger))

		admin.Post("/targets", func(w http.ResponseWriter, r *http.Request) {
			actor, ok := requireActor(w, r)
			if !ok {
				return
			}

			var req registerTargetRequest
			if !decodeBody(w, r, &req) {
				return
			}

			target, err := deps.Targets.Register(r.Context(), actor, req.EventType, req.URL, req.Secret)
			if err != nil {
				writeDomainError(w, logger, "register target", err)
				return
			}
			writeJSON(w, http.StatusOK, target)
		})

		admin.Get("/targets", func(w http.ResponseWriter, r *http.Request) {
			targets, err := deps.Targets.List(r.Context())
			if err != nil {
				writeDomainError(w, logger, "list targets", err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"targets": targets})
		})

		admin.Get("/tasks", func(w http.ResponseWriter, r *http.Request) {
			status := domain.DeliveryStatus(strings.TrimSpace(r.URL.Query().Get("status")))
			limit := intQueryParam(r, "limit", 100)
			offset := intQueryParam(r, "offset", 0)

			tasks, err := deps.Tasks.List(r.Context(), status, limit, offset)
			if err != nil {
				writeDomainError(w, logger, "list tasks", err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
		})

		admin.Get("/tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
			id, ok := parseID(w, r, "id")
			if !ok {
				return
			}
			task, err := deps.Tasks.Get(r.Context(), id)
			if err != nil {
				writeDomainError(w, logger, "get task", err)
				return
			}
			writeJSON(w, http.StatusOK, task)
		})

		admin.Post("/tasks/{id}/retry", func(w http.ResponseWriter, r *http.Request) {
			actor, ok := requireActor(w, r)
			if !ok {
				return
			}
			id, ok := parseID(w, r, "id")
			if !ok {
				return
			}

			task, err := deps.Tasks.ForceRetry(r.Context(), actor, id)
			if err != nil {
				writeDomainError(w, logger, "force retry task", err)
				return
			}
			logger.Info("delivery task force-retried via API", "task_id", id, "actor_id", actor.ID)
			writeJSON(w, http.StatusOK, task)
		})

		admin.Post("/tasks/{id}/discard", func(w http.ResponseWriter, r *http.Request) {
			actor, ok := requireActor(w, r)
			if !ok {
				return
			}
			id, ok := parseID(w, r, "id")
			if !ok {
				return
			}

			var req discardTaskRequest
			if !decodeBody(w, r, &req) {
				return
			}

			task, err := deps.Tasks.Discard(r.Context(), actor, id, strings.TrimSpace(req.Reason))
			if err != nil {
				writeDomainError(w, logger, "discard task", err)
				return
			}
			logger.Info("delivery task discarded via API", "task_id", id, "actor_id", actor.ID)
			writeJSON(w, http.StatusOK, task)
		})
	})

	return r
}

// requireActor reads mandatory attribution headers. Every mutating
// endpoint calls this: attribution is a parameter, never ambient state.
func requireActor(w http.ResponseWriter, r *http.Request) (domain.Actor, bool) {
	actor := domain.Actor{
		Type: domain.ActorType(strings.TrimSpace(r.Header.Get(headerActorType))),
		ID:   strings.TrimSpace(r.Header.Get(headerActorID)),
	}
	if actor.Type == "" {
		http.Error(w, "missing "+headerActorType+" header", http.StatusBadRequest)
		return domain.Actor{}, false
	}
	if err := actor.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return domain.Actor{}, false
	}
	return actor, true
}

func notify(r *http.Request, notifier EventNotifier, logger *slog.Logger, actor domain.Actor, eventType string, resourceID uuid.UUID, payload map[string]any) {
	if notifier == nil {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if _, err := notifier.EventOccurred(r.Context(), actor, eventType, resourceID, body); err != nil {
		// The write already committed; delivery fan-out failure is
		// journaled by the repository and retried on re-notification.
		logger.Error("event fan-out failed",
			"event_type", eventType,
			"resource_id", resourceID,
			"error", err,
		)
	}
}

func artifactParamsFromRequest(req createArtifactRequest) (domain.CreateArtifactParams, error) {
	conversationID, err := uuid.Parse(req.ConversationID)
	if err != nil {
		return domain.CreateArtifactParams{}, &domain.ValidationError{Field: "conversation_id", Reason: "must be a UUID"}
	}

	params := domain.CreateArtifactParams{
		Type:           domain.ArtifactType(strings.TrimSpace(req.Type)),
		ConversationID: conversationID,
		Payload:        req.Payload,
		ProducedBy:     req.ProducedBy,
		Source:         domain.Source(strings.TrimSpace(req.Source)),
		InputRefs:      req.InputRefs,
	}
	if raw := strings.TrimSpace(req.ParentArtifactID); raw != "" {
		parentID, err := uuid.Parse(raw)
		if err != nil {
			return domain.CreateArtifactParams{}, &domain.ValidationError{Field: "parent_artifact_id", Reason: "must be a UUID"}
		}
		params.ParentArtifactID = &parentID
	}
	return params, nil
}

// writeDomainError maps domain failures onto the HTTP surface:
// validation 400, not-found 404, immutability 409, incomplete evidence
// 422, everything else 500.
func writeDomainError(w http.ResponseWriter, logger *slog.Logger, op string, err error) {
	var (
		validation   *domain.ValidationError
		immutability *domain.ImmutabilityError
		incomplete   *domain.IncompleteEvidenceError
	)
	switch {
	case errors.As(err, &validation):
		http.Error(w, validation.Error(), http.StatusBadRequest)
	case errors.As(err, &immutability):
		http.Error(w, immutability.Error(), http.StatusConflict)
	case errors.As(err, &incomplete):
		http.Error(w, incomplete.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, domain.ErrConversationNotFound),
		errors.Is(err, domain.ErrArtifactNotFound),
		errors.Is(err, domain.ErrBundleNotFound),
		errors.Is(err, domain.ErrTaskNotFound),
		errors.Is(err, pgx.ErrNoRows):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		logger.Error(op+" failed", "error", err)
		http.Error(w, "failed to "+op, http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeBody strictly decodes one JSON object. Unknown fields are
// rejected, which is also what stops callers from supplying their own
// ids.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.Body == http.NoBody {
		return true
	}

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return true
		}
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		http.Error(w, "request body must contain exactly one JSON object", http.StatusBadRequest)
		return false
	}
	return true
}

func parseID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		http.Error(w, "invalid "+param, http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func auditFilterFromQuery(r *http.Request) domain.AuditFilter {
	return domain.AuditFilter{
		Action:       strings.TrimSpace(r.URL.Query().Get("action")),
		ResourceType: strings.TrimSpace(r.URL.Query().Get("resource_type")),
		Limit:        intQueryParam(r, "limit", 0),
		Offset:       intQueryParam(r, "offset", 0),
	}
}

func intQueryParam(r *http.Request, name string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func flagQueryParam(r *http.Request, name string) bool {
	switch strings.ToLower(strings.TrimSpace(r.URL.Query().Get(name))) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

func adminAuthorized(r *http.Request, adminToken string) bool {
	if strings.TrimSpace(adminToken) == "" {
		return false
	}
	header := r.Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(parts[1]), []byte(adminToken)) == 1
}

func valueOrDefault(value, defaultValue string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return defaultValue
	}
	return trimmed
}
