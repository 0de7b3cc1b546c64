package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskPermissionsCleanup prunes expired temporary permission grants.
	TaskPermissionsCleanup = "permissions:cleanup"
)

// PermissionsCleanupPayload parameterises one cleanup sweep. As is the time
// the sweep evaluates expiry against; zero means the handler decides.
type PermissionsCleanupPayload struct {
	As time.Time `json:"as,omitempty"`
}

// NewPermissionsCleanupTask constructs an Asynq task for the expiry sweep.
func NewPermissionsCleanupTask(payload PermissionsCleanupPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPermissionsCleanup, data), nil
}
