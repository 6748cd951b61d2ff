// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/adrper79-dot/CallMonitor-sub015/internal/domain"
	"github.com/adrper79-dot/CallMonitor-sub015/internal/evidence"
	"github.com/google/uuid"
)

// ---------------- fakes ----------------

type fakeConversationStore struct {
	conversations map[uuid.UUID]*domain.Conversation
	createErr     error
}

func newFakeConversationStore() *fakeConversationStore {
	return &fakeConversationStore{conversations: make(map[uuid.UUID]*domain.Conversation)}
}

func (f *fakeConversationStore) Create(_ context.Context, _ domain.Actor, params domain.CreateConversationParams) (*domain.Conversation, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	conv := &domain.Conversation{
		ID:             uuid.New(),
		OrganizationID: params.OrganizationID,
		Status:         domain.ConversationPending,
		CreatedAt:      time.Now().UTC(),
	}
	f.conversations[conv.ID] = conv
	return conv, nil
}

func (f *fakeConversationStore) Get(_ context.Context, id uuid.UUID) (*domain.Conversation, error) {
	conv, ok := f.conversations[id]
	if !ok {
		return nil, domain.ErrConversationNotFound
	}
	return conv, nil
}

func (f *fakeConversationStore) End(_ context.Context, _ domain.Actor, id uuid.UUID, status domain.ConversationStatus) (*domain.Conversation, error) {
	conv, ok := f.conversations[id]
	if !ok {
		return nil, domain.ErrConversationNotFound
	}
	if status != domain.ConversationCompleted && status != domain.ConversationFailed {
		return nil, &domain.ValidationError{Field: "status", Reason: "must be completed or failed"}
	}
	now := time.Now().UTC()
	conv.Status = status
	conv.EndedAt = &now
	return conv, nil
}

type fakeArtifactStore struct {
	artifacts map[uuid.UUID]*domain.Artifact
	createErr error
	deleteErr error
}

func newFakeArtifactStore() *fakeArtifactStore {
	return &fakeArtifactStore{artifacts: make(map[uuid.UUID]*domain.Artifact)}
}

func (f *fakeArtifactStore) Create(_ context.Context, _ domain.Actor, params domain.CreateArtifactParams) (*domain.Artifact, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	art := &domain.Artifact{
		ID:             uuid.New(),
		Type:           params.Type,
		ConversationID: params.ConversationID,
		Payload:        params.Payload,
		ContentHash:    "sha256:test",
		ProducedBy:     params.ProducedBy,
		Source:         params.Source,
		Version:        1,
		Lifecycle:      domain.LifecycleActive,
		CreatedAt:      time.Now().UTC(),
	}
	f.artifacts[art.ID] = art
	return art, nil
}

func (f *fakeArtifactStore) Get(_ context.Context, id uuid.UUID, includeDeleted bool) (*domain.Artifact, error) {
	art, ok := f.artifacts[id]
	if !ok {
		return nil, domain.ErrArtifactNotFound
	}
	if art.Lifecycle == domain.LifecycleSoftDeleted && !includeDeleted {
		return nil, domain.ErrArtifactNotFound
	}
	return art, nil
}

func (f *fakeArtifactStore) ListByConversation(_ context.Context, conversationID uuid.UUID, includeDeleted bool) ([]domain.Artifact, error) {
	var out []domain.Artifact
	for _, art := range f.artifacts {
		if art.ConversationID != conversationID {
			continue
		}
		if art.Lifecycle == domain.LifecycleSoftDeleted && !includeDeleted {
			continue
		}
		out = append(out, *art)
	}
	return out, nil
}

func (f *fakeArtifactStore) SoftDelete(_ context.Context, _ domain.Actor, id uuid.UUID) (*domain.Artifact, error) {
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	art, ok := f.artifacts[id]
	if !ok {
		return nil, domain.ErrArtifactNotFound
	}
	now := time.Now().UTC()
	art.Lifecycle = domain.LifecycleSoftDeleted
	art.DeletedAt = &now
	return art, nil
}

type fakeProvenanceReader struct {
	edges     map[uuid.UUID]*domain.ProvenanceEdge
	ancestors map[uuid.UUID][]domain.ProvenanceEdge
}

func (f *fakeProvenanceReader) Edge(_ context.Context, artifactID uuid.UUID) (*domain.ProvenanceEdge, error) {
	edge, ok := f.edges[artifactID]
	if !ok {
		return nil, domain.ErrArtifactNotFound
	}
	return edge, nil
}

func (f *fakeProvenanceReader) Ancestors(_ context.Context, artifactID uuid.UUID) ([]domain.ProvenanceEdge, error) {
	return f.ancestors[artifactID], nil
}

type fakeAuditReader struct {
	entries    []domain.AuditEntry
	lastFilter domain.AuditFilter
}

func (f *fakeAuditReader) Query(_ context.Context, _ uuid.UUID, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
	f.lastFilter = filter
	return f.entries, nil
}

type fakeBundleReader struct {
	latest *domain.EvidenceBundle
}

func (f *fakeBundleReader) Latest(_ context.Context, _ uuid.UUID) (*domain.EvidenceBundle, error) {
	if f.latest == nil {
		return nil, domain.ErrBundleNotFound
	}
	return f.latest, nil
}

func (f *fakeBundleReader) Get(_ context.Context, id uuid.UUID) (*domain.EvidenceBundle, error) {
	if f.latest == nil || f.latest.ID != id {
		return nil, domain.ErrBundleNotFound
	}
	return f.latest, nil
}

type fakeBundleBuilder struct {
	bundle     *domain.EvidenceBundle
	err        error
	lastParams evidence.BuildParams
}

func (f *fakeBundleBuilder) Build(_ context.Context, _ domain.Actor, params evidence.BuildParams) (*domain.EvidenceBundle, error) {
	f.lastParams = params
	if f.err != nil {
		return nil, f.err
	}
	return f.bundle, nil
}

type fakeTargetAdmin struct {
	targets []domain.DeliveryTarget
}

func (f *fakeTargetAdmin) Register(_ context.Context, _ domain.Actor, eventType, url, secret string) (*domain.DeliveryTarget, error) {
	if eventType == "" || url == "" {
		return nil, &domain.ValidationError{Field: "event_type", Reason: "required"}
	}
	target := domain.DeliveryTarget{ID: uuid.New(), EventType: eventType, URL: url, CreatedAt: time.Now().UTC()}
	f.targets = append(f.targets, target)
	return &target, nil
}

func (f *fakeTargetAdmin) List(_ context.Context) ([]domain.DeliveryTarget, error) {
	return f.targets, nil
}

type fakeTaskAdmin struct {
	tasks       map[uuid.UUID]*domain.DeliveryTask
	lastStatus  domain.DeliveryStatus
	lastReason  string
	retryCalled bool
}

func newFakeTaskAdmin() *fakeTaskAdmin {
	return &fakeTaskAdmin{tasks: make(map[uuid.UUID]*domain.DeliveryTask)}
}

func (f *fakeTaskAdmin) Get(_ context.Context, taskID uuid.UUID) (*domain.DeliveryTask, error) {
	task, ok := f.tasks[taskID]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	return task, nil
}

func (f *fakeTaskAdmin) List(_ context.Context, status domain.DeliveryStatus, _, _ int) ([]domain.DeliveryTask, error) {
	f.lastStatus = status
	var out []domain.DeliveryTask
	for _, task := range f.tasks {
		if status != "" && task.Status != status {
			continue
		}
		out = append(out, *task)
	}
	return out, nil
}

func (f *fakeTaskAdmin) ForceRetry(_ context.Context, _ domain.Actor, taskID uuid.UUID) (*domain.DeliveryTask, error) {
	task, ok := f.tasks[taskID]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	f.retryCalled = true
	task.Status = domain.DeliveryPending
	task.AttemptCount = 0
	return task, nil
}

func (f *fakeTaskAdmin) Discard(_ context.Context, _ domain.Actor, taskID uuid.UUID, reason string) (*domain.DeliveryTask, error) {
	if reason == "" {
		return nil, &domain.ValidationError{Field: "reason", Reason: "required when discarding a task"}
	}
	task, ok := f.tasks[taskID]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	f.lastReason = reason
	task.Status = domain.DeliveryDiscarded
	return task, nil
}

type fakeNotifier struct {
	events []string
}

func (f *fakeNotifier) EventOccurred(_ context.Context, _ domain.Actor, eventType string, _ uuid.UUID, _ json.RawMessage) ([]domain.DeliveryTask, error) {
	f.events = append(f.events, eventType)
	return nil, nil
}

type routerFixture struct {
	conversations *fakeConversationStore
	artifacts     *fakeArtifactStore
	provenance    *fakeProvenanceReader
	audit         *fakeAuditReader
	bundles       *fakeBundleReader
	builder       *fakeBundleBuilder
	targets       *fakeTargetAdmin
	tasks         *fakeTaskAdmin
	notifier      *fakeNotifier
	handler       http.Handler
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	fx := &routerFixture{
		conversations: newFakeConversationStore(),
		artifacts:     newFakeArtifactStore(),
		provenance:    &fakeProvenanceReader{edges: map[uuid.UUID]*domain.ProvenanceEdge{}, ancestors: map[uuid.UUID][]domain.ProvenanceEdge{}},
		audit:         &fakeAuditReader{},
		bundles:       &fakeBundleReader{},
		builder:       &fakeBundleBuilder{},
		targets:       &fakeTargetAdmin{},
		tasks:         newFakeTaskAdmin(),
		notifier:      &fakeNotifier{},
	}
	fx.handler = NewRouter(Deps{
		Conversations: fx.conversations,
		Artifacts:     fx.artifacts,
		Provenance:    fx.provenance,
		Audit:         fx.audit,
		Bundles:       fx.bundles,
		Builder:       fx.builder,
		Targets:       fx.targets,
		Tasks:         fx.tasks,
		Notifier:      fx.notifier,
		AdminToken:    "test-admin-token",
	})
	return fx
}

func (fx *routerFixture) do(t *testing.T, method, path string, body any, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for _, fn := range mutate {
		fn(req)
	}
	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)
	return rec
}

func asSystem(r *http.Request) {
	r.Header.Set("X-Actor-Type", "system")
	r.Header.Set("X-Actor-Id", "pipeline")
}

func asHumanWithoutID(r *http.Request) {
	r.Header.Set("X-Actor-Type", "human")
}

func asAdmin(r *http.Request) {
	r.Header.Set("Authorization", "Bearer test-admin-token")
}

func (fx *routerFixture) seedConversation(t *testing.T) *domain.Conversation {
	t.Helper()
	conv, err := fx.conversations.Create(context.Background(), domain.Actor{Type: domain.ActorSystem, ID: "seed"}, domain.CreateConversationParams{
		OrganizationID: uuid.New(),
	})
	if err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
	return conv
}

// ---------------- conversations ----------------

func TestCreateConversation(t *testing.T) {
	fx := newRouterFixture(t)

	rec := fx.do(t, http.MethodPost, "/conversations", map[string]any{
		"organization_id":    uuid.New().String(),
		"recording_intended": true,
	}, asSystem)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var conv domain.Conversation
	if err := json.Unmarshal(rec.Body.Bytes(), &conv); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if conv.ID == uuid.Nil {
		t.Fatal("expected server-generated id")
	}
	if conv.Status != domain.ConversationPending {
		t.Fatalf("expected pending status, got %s", conv.Status)
	}
}

func TestCreateConversationRequiresActorHeader(t *testing.T) {
	fx := newRouterFixture(t)

	rec := fx.do(t, http.MethodPost, "/conversations", map[string]any{
		"organization_id": uuid.New().String(),
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without actor header, got %d", rec.Code)
	}
}

func TestHumanActorRequiresID(t *testing.T) {
	fx := newRouterFixture(t)

	rec := fx.do(t, http.MethodPost, "/conversations", map[string]any{
		"organization_id": uuid.New().String(),
	}, asHumanWithoutID)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for human actor without id, got %d", rec.Code)
	}
}

func TestEndConversationNotifies(t *testing.T) {
	fx := newRouterFixture(t)
	conv := fx.seedConversation(t)

	rec := fx.do(t, http.MethodPost, "/conversations/"+conv.ID.String()+"/end", map[string]any{
		"status": "completed",
	}, asSystem)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(fx.notifier.events) != 1 || fx.notifier.events[0] != "conversation.ended" {
		t.Fatalf("expected conversation.ended event, got %v", fx.notifier.events)
	}
}

func TestEndConversationUnknownID(t *testing.T) {
	fx := newRouterFixture(t)

	rec := fx.do(t, http.MethodPost, "/conversations/"+uuid.New().String()+"/end", map[string]any{
		"status": "completed",
	}, asSystem)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

// ---------------- artifacts ----------------

func validArtifactBody(conversationID uuid.UUID) map[string]any {
	return map[string]any{
		"type":            "transcript_version",
		"conversation_id": conversationID.String(),
		"payload":         map[string]any{"text": "hello"},
		"produced_by":     map[string]any{"kind": "system"},
		"source":          "transcription",
	}
}

func TestCreateArtifactNotifies(t *testing.T) {
	fx := newRouterFixture(t)
	conv := fx.seedConversation(t)

	rec := fx.do(t, http.MethodPost, "/artifacts", validArtifactBody(conv.ID), asSystem)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(fx.notifier.events) != 1 || fx.notifier.events[0] != "artifact.created" {
		t.Fatalf("expected artifact.created event, got %v", fx.notifier.events)
	}
}

func TestCreateArtifactRejectsClientSuppliedID(t *testing.T) {
	fx := newRouterFixture(t)
	conv := fx.seedConversation(t)

	body := validArtifactBody(conv.ID)
	body["id"] = uuid.New().String()
	rec := fx.do(t, http.MethodPost, "/artifacts", body, asSystem)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for client-supplied id, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateArtifactUnknownType(t *testing.T) {
	fx := newRouterFixture(t)
	conv := fx.seedConversation(t)

	body := validArtifactBody(conv.ID)
	body["type"] = "hologram"
	rec := fx.do(t, http.MethodPost, "/artifacts", body, asSystem)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown type, got %d", rec.Code)
	}
}

func TestGetArtifactIncludeDeletedRequiresAdmin(t *testing.T) {
	fx := newRouterFixture(t)
	conv := fx.seedConversation(t)
	art, err := fx.artifacts.Create(context.Background(), domain.Actor{Type: domain.ActorSystem, ID: "seed"}, domain.CreateArtifactParams{
		Type:           domain.ArtifactTranscriptVersion,
		ConversationID: conv.ID,
		Payload:        json.RawMessage(`{"text":"x"}`),
		ProducedBy:     domain.Producer{Kind: domain.ProducerSystem},
	})
	if err != nil {
		t.Fatalf("seed artifact: %v", err)
	}
	if _, err := fx.artifacts.SoftDelete(context.Background(), domain.Actor{Type: domain.ActorSystem, ID: "seed"}, art.ID); err != nil {
		t.Fatalf("seed delete: %v", err)
	}

	rec := fx.do(t, http.MethodGet, "/artifacts/"+art.ID.String()+"?include_deleted=1", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without admin token, got %d", rec.Code)
	}

	rec = fx.do(t, http.MethodGet, "/artifacts/"+art.ID.String()+"?include_deleted=1", nil, asAdmin)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with admin token, got %d: %s", rec.Code, rec.Body.String())
	}

	// Without the flag a soft-deleted artifact reads as absent.
	rec = fx.do(t, http.MethodGet, "/artifacts/"+art.ID.String(), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for soft-deleted artifact, got %d", rec.Code)
	}
}

func TestSoftDeleteImmutabilityConflict(t *testing.T) {
	fx := newRouterFixture(t)
	fx.artifacts.deleteErr = &domain.ImmutabilityError{
		ResourceType: "artifact",
		ResourceID:   uuid.New().String(),
		Field:        "lifecycle_state",
	}

	rec := fx.do(t, http.MethodDelete, "/artifacts/"+uuid.New().String(), nil, asSystem)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for immutability violation, got %d", rec.Code)
	}
}

func TestProvenanceEndpoint(t *testing.T) {
	fx := newRouterFixture(t)
	artifactID := uuid.New()
	parentID := uuid.New()
	fx.provenance.edges[artifactID] = &domain.ProvenanceEdge{
		ArtifactID:       artifactID,
		ParentArtifactID: &parentID,
	}
	fx.provenance.ancestors[artifactID] = []domain.ProvenanceEdge{{ArtifactID: parentID}}

	rec := fx.do(t, http.MethodGet, "/artifacts/"+artifactID.String()+"/provenance", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Edge      *domain.ProvenanceEdge  `json:"edge"`
		Ancestors []domain.ProvenanceEdge `json:"ancestors"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Edge == nil || resp.Edge.ParentArtifactID == nil || *resp.Edge.ParentArtifactID != parentID {
		t.Fatal("expected edge pointing at parent")
	}
	if len(resp.Ancestors) != 1 {
		t.Fatalf("expected 1 ancestor, got %d", len(resp.Ancestors))
	}
}

// ---------------- bundles ----------------

func TestBuildBundleNotifies(t *testing.T) {
	fx := newRouterFixture(t)
	conv := fx.seedConversation(t)
	fx.builder.bundle = &domain.EvidenceBundle{
		ID:             uuid.New(),
		ConversationID: conv.ID,
		BundleHash:     "sha256:abc",
		Version:        1,
	}

	rec := fx.do(t, http.MethodPost, "/conversations/"+conv.ID.String()+"/bundle", nil, asSystem)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if fx.builder.lastParams.ConversationID != conv.ID {
		t.Fatal("builder called with wrong conversation")
	}
	if len(fx.notifier.events) != 1 || fx.notifier.events[0] != "bundle.built" {
		t.Fatalf("expected bundle.built event, got %v", fx.notifier.events)
	}
}

func TestBuildBundleIncompleteEvidence(t *testing.T) {
	fx := newRouterFixture(t)
	conv := fx.seedConversation(t)
	fx.builder.err = &domain.IncompleteEvidenceError{
		ConversationID: conv.ID,
		Reason:         "artifact is soft-deleted",
	}

	rec := fx.do(t, http.MethodPost, "/conversations/"+conv.ID.String()+"/bundle", nil, asSystem)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	if len(fx.notifier.events) != 0 {
		t.Fatalf("no event expected on failure, got %v", fx.notifier.events)
	}
}

func TestGetLatestBundle(t *testing.T) {
	fx := newRouterFixture(t)
	conv := fx.seedConversation(t)

	rec := fx.do(t, http.MethodGet, "/conversations/"+conv.ID.String()+"/bundle", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 with no bundle, got %d", rec.Code)
	}

	fx.bundles.latest = &domain.EvidenceBundle{ID: uuid.New(), ConversationID: conv.ID, Version: 3}
	rec = fx.do(t, http.MethodGet, "/conversations/"+conv.ID.String()+"/bundle", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var bundle domain.EvidenceBundle
	if err := json.Unmarshal(rec.Body.Bytes(), &bundle); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if bundle.Version != 3 {
		t.Fatalf("expected version 3, got %d", bundle.Version)
	}
}

// ---------------- audit / debug ----------------

func TestAuditTrailFilters(t *testing.T) {
	fx := newRouterFixture(t)
	conv := fx.seedConversation(t)
	fx.audit.entries = []domain.AuditEntry{{ID: uuid.New(), Action: domain.ActionCreate}}

	rec := fx.do(t, http.MethodGet, "/conversations/"+conv.ID.String()+"/audit?action=create&limit=5&offset=10", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if fx.audit.lastFilter.Action != "create" || fx.audit.lastFilter.Limit != 5 || fx.audit.lastFilter.Offset != 10 {
		t.Fatalf("filter not passed through: %+v", fx.audit.lastFilter)
	}
}

func TestAuditTrailUnknownConversation(t *testing.T) {
	fx := newRouterFixture(t)

	rec := fx.do(t, http.MethodGet, "/conversations/"+uuid.New().String()+"/audit", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestDebugViewIncludesDeletedArtifacts(t *testing.T) {
	fx := newRouterFixture(t)
	conv := fx.seedConversation(t)
	actor := domain.Actor{Type: domain.ActorSystem, ID: "seed"}
	art, err := fx.artifacts.Create(context.Background(), actor, domain.CreateArtifactParams{
		Type:           domain.ArtifactTranscriptVersion,
		ConversationID: conv.ID,
		Payload:        json.RawMessage(`{"text":"x"}`),
		ProducedBy:     domain.Producer{Kind: domain.ProducerSystem},
	})
	if err != nil {
		t.Fatalf("seed artifact: %v", err)
	}
	if _, err := fx.artifacts.SoftDelete(context.Background(), actor, art.ID); err != nil {
		t.Fatalf("seed delete: %v", err)
	}

	rec := fx.do(t, http.MethodGet, "/conversations/"+conv.ID.String()+"/debug", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Artifacts []domain.Artifact `json:"artifacts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Artifacts) != 1 {
		t.Fatalf("debug view should include soft-deleted artifacts, got %d", len(resp.Artifacts))
	}
}

// ---------------- delivery admin ----------------

func TestDeliveryRoutesRequireAdminToken(t *testing.T) {
	fx := newRouterFixture(t)

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/delivery/targets"},
		{http.MethodPost, "/delivery/targets"},
		{http.MethodGet, "/delivery/tasks"},
		{http.MethodPost, fmt.Sprintf("/delivery/tasks/%s/retry", uuid.New())},
		{http.MethodPost, fmt.Sprintf("/delivery/tasks/%s/discard", uuid.New())},
	}
	for _, tc := range paths {
		rec := fx.do(t, tc.method, tc.path, nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: expected 401 without token, got %d", tc.method, tc.path, rec.Code)
		}
	}
}

func TestRegisterAndListTargets(t *testing.T) {
	fx := newRouterFixture(t)

	rec := fx.do(t, http.MethodPost, "/delivery/targets", map[string]any{
		"event_type": "bundle.built",
		"url":        "https://hooks.example.com/evidence",
		"secret":     "s3cret",
	}, asAdmin, asSystem)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "s3cret") {
		t.Fatal("secret must never appear in a response")
	}

	rec = fx.do(t, http.MethodGet, "/delivery/targets", nil, asAdmin)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Targets []domain.DeliveryTarget `json:"targets"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Targets) != 1 {
		t.Fatalf("expected 1 target, got %d", len(resp.Targets))
	}
}

func TestListTasksStatusFilter(t *testing.T) {
	fx := newRouterFixture(t)
	taskID := uuid.New()
	fx.tasks.tasks[taskID] = &domain.DeliveryTask{ID: taskID, Status: domain.DeliveryFailed}

	rec := fx.do(t, http.MethodGet, "/delivery/tasks?status=failed", nil, asAdmin)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if fx.tasks.lastStatus != domain.DeliveryFailed {
		t.Fatalf("status filter not passed through, got %q", fx.tasks.lastStatus)
	}
}

func TestForceRetryTask(t *testing.T) {
	fx := newRouterFixture(t)
	taskID := uuid.New()
	fx.tasks.tasks[taskID] = &domain.DeliveryTask{ID: taskID, Status: domain.DeliveryManualReview, AttemptCount: 5}

	rec := fx.do(t, http.MethodPost, "/delivery/tasks/"+taskID.String()+"/retry", nil, asAdmin, asSystem)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !fx.tasks.retryCalled {
		t.Fatal("ForceRetry not called")
	}
}

func TestDiscardTaskRequiresReason(t *testing.T) {
	fx := newRouterFixture(t)
	taskID := uuid.New()
	fx.tasks.tasks[taskID] = &domain.DeliveryTask{ID: taskID, Status: domain.DeliveryFailed}

	rec := fx.do(t, http.MethodPost, "/delivery/tasks/"+taskID.String()+"/discard", map[string]any{}, asAdmin, asSystem)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without reason, got %d", rec.Code)
	}

	rec = fx.do(t, http.MethodPost, "/delivery/tasks/"+taskID.String()+"/discard", map[string]any{
		"reason": "target decommissioned",
	}, asAdmin, asSystem)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if fx.tasks.lastReason != "target decommissioned" {
		t.Fatalf("reason not passed through, got %q", fx.tasks.lastReason)
	}
}

// ---------------- infrastructure ----------------

func TestHealthz(t *testing.T) {
	fx := newRouterFixture(t)

	rec := fx.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestVersionEndpoint(t *testing.T) {
	fx := newRouterFixture(t)

	rec := fx.do(t, http.MethodGet, "/version", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["version"] == "" {
		t.Fatal("expected a version field")
	}
}

func TestRequestIDHeaderPropagated(t *testing.T) {
	fx := newRouterFixture(t)

	rec := fx.do(t, http.MethodGet, "/healthz", nil)
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected X-Request-Id on every response")
	}
}
