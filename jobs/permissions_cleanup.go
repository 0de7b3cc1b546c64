package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/gatekeep-io/gatekeep/internal/shared"
)

// cleanupLockTTL bounds how long a crashed sweep can block the next tick.
const cleanupLockTTL = 10 * time.Minute

// Cleaner is the engine operation the sweep invokes.
type Cleaner interface {
	CleanupExpiredPermissions(ctx context.Context, now time.Time) (int, error)
}

// PermissionsCleanupJob runs the expiry sweep. A redis lock keeps the sweep
// single-flight across processes; a tick that finds the lock held skips
// instead of piling up. The sweep itself is idempotent, so losing the lock
// mid-run is safe.
type PermissionsCleanupJob struct {
	cleaner Cleaner
	redis   *redis.Client
	logger  *slog.Logger
}

// NewPermissionsCleanupJob constructs the job.
func NewPermissionsCleanupJob(cleaner Cleaner, redisClient *redis.Client, logger *slog.Logger) *PermissionsCleanupJob {
	return &PermissionsCleanupJob{cleaner: cleaner, redis: redisClient, logger: logger}
}

// Handle processes TaskPermissionsCleanup tasks.
func (j *PermissionsCleanupJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload PermissionsCleanupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	now := payload.As
	if now.IsZero() {
		now = time.Now().UTC()
	}

	acquired, err := j.redis.SetNX(ctx, shared.CleanupLockKey, now.Format(time.RFC3339), cleanupLockTTL).Result()
	if err != nil {
		j.logger.Error("cleanup lock", slog.Any("error", err))
		return err
	}
	if !acquired {
		j.logger.Info("cleanup already running, skipping tick")
		return nil
	}
	defer func() {
		if err := j.redis.Del(context.WithoutCancel(ctx), shared.CleanupLockKey).Err(); err != nil {
			j.logger.Warn("cleanup lock release", slog.Any("error", err))
		}
	}()

	affected, err := j.cleaner.CleanupExpiredPermissions(ctx, now)
	if err != nil {
		j.logger.Error("permissions cleanup", slog.Any("error", err))
		return err
	}
	j.logger.Info("permissions cleanup finished", slog.Int("affected_users", affected))
	return nil
}
