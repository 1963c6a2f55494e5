package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-access/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// InvalidationPublisher delivers invalidations to running processes.
// *authz.Broadcaster satisfies it.
type InvalidationPublisher interface {
	PublishIdentity(ctx context.Context, id uuid.UUID) error
	PublishAll(ctx context.Context) error
}

// AuthzInvalidateJob relays queued invalidations to the broadcast channel.
type AuthzInvalidateJob struct {
	Publisher InvalidationPublisher
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewAuthzInvalidateJob wires dependencies for the invalidation handler.
func NewAuthzInvalidateJob(publisher InvalidationPublisher, logger *slog.Logger, metrics *jobmetrics.Metrics) *AuthzInvalidateJob {
	return &AuthzInvalidateJob{Publisher: publisher, Logger: logger, Metrics: metrics}
}

// Handle processes TaskAuthzInvalidate tasks.
func (j *AuthzInvalidateJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Publisher == nil {
		return errors.New("authz invalidate: handler not configured")
	}
	var payload AuthzInvalidatePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("authz invalidate: decode payload: %v: %w", err, asynq.SkipRetry)
	}

	tracker := j.metrics().Track(TaskAuthzInvalidate)
	logger := j.logger()

	if payload.All {
		if err := j.Publisher.PublishAll(ctx); err != nil {
			logger.Error("publish invalidate all", slog.Any("error", err))
			return tracker.End(err)
		}
		logger.Info("published invalidate all")
		return tracker.End(nil)
	}

	id, err := uuid.Parse(payload.IdentityID)
	if err != nil || id == uuid.Nil {
		logger.Warn("drop invalidation with bad identity", slog.String("identity_id", payload.IdentityID))
		return tracker.End(fmt.Errorf("authz invalidate: identity %q: %w", payload.IdentityID, asynq.SkipRetry))
	}
	if err := j.Publisher.PublishIdentity(ctx, id); err != nil {
		logger.Error("publish invalidate", slog.String("identity_id", id.String()), slog.Any("error", err))
		return tracker.End(err)
	}
	logger.Debug("published invalidate", slog.String("identity_id", id.String()))
	return tracker.End(nil)
}

func (j *AuthzInvalidateJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskAuthzInvalidate))
	}
	return slog.Default().With(slog.String("job", TaskAuthzInvalidate))
}

func (j *AuthzInvalidateJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
