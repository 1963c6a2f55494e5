package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueCritical carries authorization invalidations ahead of other work.
	QueueCritical = "critical"

	// TaskAuthzInvalidate fans an authorization change out to every process
	// holding session engines.
	TaskAuthzInvalidate = "authz:invalidate"
	// TaskAuthzConsistencyScan reports assignments that resolve to less access
	// than intended.
	TaskAuthzConsistencyScan = "authz:consistency_scan"
)

// AuthzInvalidatePayload names the identity whose engines must reload. All
// reloads every engine and takes precedence over IdentityID.
type AuthzInvalidatePayload struct {
	IdentityID string `json:"identity_id,omitempty"`
	All        bool   `json:"all,omitempty"`
}

// NewAuthzInvalidateTask constructs an invalidation task.
func NewAuthzInvalidateTask(payload AuthzInvalidatePayload) (*asynq.Task, error) {
	if !payload.All {
		id, err := uuid.Parse(payload.IdentityID)
		if err != nil || id == uuid.Nil {
			return nil, fmt.Errorf("jobs: invalid identity id %q", payload.IdentityID)
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuthzInvalidate, data), nil
}

// AuthzConsistencyScanPayload configures the consistency scan.
type AuthzConsistencyScanPayload struct {
	// Publish reloads the engines of affected identities when findings exist.
	Publish bool `json:"publish"`
}

// NewAuthzConsistencyScanTask constructs a scan task.
func NewAuthzConsistencyScanTask(publish bool) (*asynq.Task, error) {
	data, err := json.Marshal(AuthzConsistencyScanPayload{Publish: publish})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuthzConsistencyScan, data), nil
}
