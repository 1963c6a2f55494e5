package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-access/internal/jobs"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
)

// FindingSource lists consistency findings. *rbac.Repository satisfies it.
type FindingSource interface {
	ConsistencyFindings(ctx context.Context) ([]rbac.Finding, error)
}

// AuthzConsistencyScanJob logs and counts stored assignments that resolve to
// less access than intended, optionally reloading affected engines.
type AuthzConsistencyScanJob struct {
	Source    FindingSource
	Publisher InvalidationPublisher
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewAuthzConsistencyScanJob wires dependencies for the scan handler.
func NewAuthzConsistencyScanJob(source FindingSource, publisher InvalidationPublisher, logger *slog.Logger, metrics *jobmetrics.Metrics) *AuthzConsistencyScanJob {
	return &AuthzConsistencyScanJob{Source: source, Publisher: publisher, Logger: logger, Metrics: metrics}
}

// Handle processes TaskAuthzConsistencyScan tasks.
func (j *AuthzConsistencyScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Source == nil {
		return errors.New("authz consistency scan: handler not configured")
	}
	var payload AuthzConsistencyScanPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("authz consistency scan: decode payload: %v: %w", err, asynq.SkipRetry)
		}
	}

	tracker := j.metrics().Track(TaskAuthzConsistencyScan)
	logger := j.logger()
	start := time.Now()

	findings, err := j.Source.ConsistencyFindings(ctx)
	if err != nil {
		logger.Error("load consistency findings", slog.Any("error", err))
		return tracker.End(err)
	}

	affected := make(map[uuid.UUID]struct{})
	for _, f := range findings {
		logger.Warn("authorization finding",
			slog.String("kind", f.Kind),
			slog.String("subject", f.Subject),
			slog.Int("identities", len(f.Identities)),
		)
		j.metrics().AddFindings(f.Kind, 1)
		for _, id := range f.Identities {
			affected[id] = struct{}{}
		}
	}

	var publishErr error
	if payload.Publish && j.Publisher != nil {
		for id := range affected {
			if err := j.Publisher.PublishIdentity(ctx, id); err != nil {
				logger.Warn("publish invalidate", slog.String("identity_id", id.String()), slog.Any("error", err))
				publishErr = errors.Join(publishErr, err)
			}
		}
	}

	logger.Info("completed consistency scan",
		slog.Int("findings", len(findings)),
		slog.Int("identities", len(affected)),
		slog.Duration("duration", time.Since(start)),
	)
	return tracker.End(publishErr)
}

func (j *AuthzConsistencyScanJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskAuthzConsistencyScan))
	}
	return slog.Default().With(slog.String("job", TaskAuthzConsistencyScan))
}

func (j *AuthzConsistencyScanJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
