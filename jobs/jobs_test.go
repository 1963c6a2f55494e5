package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/odyssey-erp/odyssey-access/internal/jobs"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
)

type recordingPublisher struct {
	mu  sync.Mutex
	ids []uuid.UUID
	all int
	err error
}

func (p *recordingPublisher) PublishIdentity(ctx context.Context, id uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = append(p.ids, id)
	return p.err
}

func (p *recordingPublisher) PublishAll(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.all++
	return p.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewAuthzInvalidateTask(t *testing.T) {
	id := uuid.New()
	task, err := NewAuthzInvalidateTask(AuthzInvalidatePayload{IdentityID: id.String()})
	require.NoError(t, err)
	assert.Equal(t, TaskAuthzInvalidate, task.Type())
	var payload AuthzInvalidatePayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Equal(t, id.String(), payload.IdentityID)

	_, err = NewAuthzInvalidateTask(AuthzInvalidatePayload{IdentityID: "42"})
	assert.Error(t, err)
	_, err = NewAuthzInvalidateTask(AuthzInvalidatePayload{All: true})
	assert.NoError(t, err)
}

func TestAuthzInvalidateJobPublishes(t *testing.T) {
	publisher := &recordingPublisher{}
	metrics := jobmetrics.NewMetrics(prometheus.NewRegistry())
	job := NewAuthzInvalidateJob(publisher, discardLogger(), metrics)
	id := uuid.New()

	identityTask, err := NewAuthzInvalidateTask(AuthzInvalidatePayload{IdentityID: id.String()})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), identityTask))

	allTask, err := NewAuthzInvalidateTask(AuthzInvalidatePayload{All: true, IdentityID: id.String()})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), allTask))

	assert.Equal(t, []uuid.UUID{id}, publisher.ids)
	assert.Equal(t, 1, publisher.all)
}

func TestAuthzInvalidateJobSkipsBadPayloads(t *testing.T) {
	job := NewAuthzInvalidateJob(&recordingPublisher{}, discardLogger(), nil)

	err := job.Handle(context.Background(), asynq.NewTask(TaskAuthzInvalidate, []byte(`{`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	err = job.Handle(context.Background(), asynq.NewTask(TaskAuthzInvalidate, []byte(`{"identity_id":"nope"}`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestAuthzInvalidateJobRetriesPublishFailure(t *testing.T) {
	publisher := &recordingPublisher{err: errors.New("redis down")}
	job := NewAuthzInvalidateJob(publisher, discardLogger(), nil)
	task, err := NewAuthzInvalidateTask(AuthzInvalidatePayload{All: true})
	require.NoError(t, err)

	err = job.Handle(context.Background(), task)
	require.Error(t, err)
	assert.NotErrorIs(t, err, asynq.SkipRetry)

	var unconfigured *AuthzInvalidateJob
	assert.Error(t, unconfigured.Handle(context.Background(), task))
}

type stubFindings struct {
	findings []rbac.Finding
	err      error
}

func (s stubFindings) ConsistencyFindings(ctx context.Context) ([]rbac.Finding, error) {
	return s.findings, s.err
}

func TestAuthzConsistencyScan(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	source := stubFindings{findings: []rbac.Finding{
		{Kind: rbac.FindingUnknownRole, Subject: "vault_keeper", Identities: []uuid.UUID{a}},
		{Kind: rbac.FindingMissingTenantSettings, Subject: uuid.NewString(), Identities: []uuid.UUID{a, b}},
		{Kind: rbac.FindingRoleWithoutPermissions, Subject: "learner"},
	}}
	publisher := &recordingPublisher{}
	reg := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(reg)
	job := NewAuthzConsistencyScanJob(source, publisher, discardLogger(), metrics)

	task, err := NewAuthzConsistencyScanTask(true)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	assert.ElementsMatch(t, []uuid.UUID{a, b}, publisher.ids)
	families, err := reg.Gather()
	require.NoError(t, err)
	series := 0
	for _, f := range families {
		if f.GetName() == "odyssey_authz_consistency_findings_total" {
			series = len(f.GetMetric())
		}
	}
	assert.Equal(t, 3, series)

	quiet := &recordingPublisher{}
	job = NewAuthzConsistencyScanJob(source, quiet, discardLogger(), metrics)
	task, err = NewAuthzConsistencyScanTask(false)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	assert.Empty(t, quiet.ids)
}

func TestAuthzConsistencyScanSourceFailure(t *testing.T) {
	job := NewAuthzConsistencyScanJob(stubFindings{err: errors.New("db down")}, nil, discardLogger(), nil)
	task, err := NewAuthzConsistencyScanTask(false)
	require.NoError(t, err)
	assert.Error(t, job.Handle(context.Background(), task))
}

type stubInspector struct {
	info map[string]*asynq.QueueInfo
	err  error
}

func (s stubInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	if s.err != nil {
		return nil, s.err
	}
	info, ok := s.info[queue]
	if !ok {
		return nil, asynq.ErrQueueNotFound
	}
	return info, nil
}

func TestJobsHealth(t *testing.T) {
	handler := NewHandler(stubInspector{info: map[string]*asynq.QueueInfo{
		QueueCritical: {Queue: QueueCritical, Pending: 3, Active: 1},
	}}, discardLogger())

	rec := httptest.NewRecorder()
	handler.health(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"queues":[{"queue":"critical","pending":3,"active":1,"retry":0},{"queue":"default","pending":0,"active":0,"retry":0}]}`, rec.Body.String())

	handler = NewHandler(stubInspector{err: errors.New("redis down")}, discardLogger())
	rec = httptest.NewRecorder()
	handler.health(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
