package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/songzhibin97/gkit/generator"

	"github.com/songzhibin97/dagflow/types"
)

const (
	triggerRunPrefix = "trigger_run:"
	runPrefix        = "run:"
	stepRunPrefix    = "step_run:"

	// DefaultKeyPrefix namespaces every key written by RedisRepository.
	DefaultKeyPrefix = "dagflow:"

	// maxTxRetries bounds optimistic-lock retries on a contended run key.
	maxTxRetries = 10
)

// RedisRepository is a Redis-backed RunStore. Documents are stored as JSON;
// a SETNX index on (run, step) makes step run creation unique.
type RedisRepository struct {
	client *redis.Client
	prefix string
	ids    idSource
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
	// KeyPrefix defaults to DefaultKeyPrefix.
	KeyPrefix string
	// Generator defaults to a snowflake generator.
	Generator generator.Generator
}

// NewRedisRepository connects to Redis and verifies the connection.
func NewRedisRepository(opts RedisOptions) (*RedisRepository, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisRepository{client: client, prefix: prefix, ids: newIDSource(opts.Generator)}, nil
}

func (s *RedisRepository) triggerRunKey(id string) string { return s.prefix + triggerRunPrefix + id }
func (s *RedisRepository) runKey(id string) string        { return s.prefix + runPrefix + id }
func (s *RedisRepository) stepRunKey(id string) string    { return s.prefix + stepRunPrefix + id }

// runStepsKey lists the run's step run ids in creation order.
func (s *RedisRepository) runStepsKey(runID string) string {
	return s.prefix + runPrefix + runID + ":step_runs"
}

// stepIndexKey maps (run, step) to the step run id.
func (s *RedisRepository) stepIndexKey(runID, stepID string) string {
	return s.prefix + runPrefix + runID + ":step:" + stepID
}

// getter is satisfied by *redis.Client and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// getFromRedis retrieves and unmarshals a JSON document.
func getFromRedis[T any](ctx context.Context, client getter, key string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		data, err := client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("%w: key=%s", errNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %w", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %w", key, err)
		}
		return result, nil
	})
}

func marshal(key string, value interface{}) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return data, nil
}

func (s *RedisRepository) CreateTriggerRun(ctx context.Context, triggerID string, output map[string]interface{}) (types.TriggerRun, error) {
	return withContext(ctx, func() (types.TriggerRun, error) {
		id, err := s.ids.next()
		if err != nil {
			return types.TriggerRun{}, err
		}
		tr := types.TriggerRun{ID: id, TriggerID: triggerID, Output: emptyIfNil(output), CreatedAt: nowMillis()}
		key := s.triggerRunKey(id)
		data, err := marshal(key, tr)
		if err != nil {
			return types.TriggerRun{}, err
		}
		if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
			return types.TriggerRun{}, fmt.Errorf("failed to set %s in Redis: %w", key, err)
		}
		return tr, nil
	})
}

// GetTriggerRun retrieves a trigger run by id.
func (s *RedisRepository) GetTriggerRun(ctx context.Context, id string) (types.TriggerRun, error) {
	return getFromRedis[types.TriggerRun](ctx, s.client, s.triggerRunKey(id), ErrTriggerRunNotFound)
}

func (s *RedisRepository) CreateRun(ctx context.Context, templateID string, triggerRun types.TriggerRun) (types.WorkflowRun, error) {
	return withContext(ctx, func() (types.WorkflowRun, error) {
		id, err := s.ids.next()
		if err != nil {
			return types.WorkflowRun{}, err
		}
		now := nowMillis()
		run := types.WorkflowRun{
			ID:         id,
			TemplateID: templateID,
			TriggerRun: triggerRun,
			Status:     types.WorkflowStatusPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		key := s.runKey(id)
		data, err := marshal(key, run)
		if err != nil {
			return types.WorkflowRun{}, err
		}
		if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
			return types.WorkflowRun{}, fmt.Errorf("failed to set %s in Redis: %w", key, err)
		}
		return run, nil
	})
}

// ChangeExecutionStatus performs a WATCH/MULTI read-check-write on the run key.
func (s *RedisRepository) ChangeExecutionStatus(ctx context.Context, runID string, status types.WorkflowStatus) (types.WorkflowRun, error) {
	return withContext(ctx, func() (types.WorkflowRun, error) {
		key := s.runKey(runID)
		var result types.WorkflowRun
		txf := func(tx *redis.Tx) error {
			run, err := getFromRedis[types.WorkflowRun](ctx, tx, key, ErrRunNotFound)
			if err != nil {
				return err
			}
			changed, err := checkTransition(runID, run.Status, status)
			if err != nil {
				return err
			}
			if !changed {
				result = run
				return nil
			}
			run.Status = status
			run.UpdatedAt = nowMillis()
			data, err := marshal(key, run)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				return nil
			})
			if err == nil {
				result = run
			}
			return err
		}

		for i := 0; i < maxTxRetries; i++ {
			err := s.client.Watch(ctx, txf, key)
			if errors.Is(err, redis.TxFailedErr) {
				continue
			}
			if err != nil {
				return types.WorkflowRun{}, err
			}
			return result, nil
		}
		return types.WorkflowRun{}, fmt.Errorf("failed to update %s: too much contention", key)
	})
}

func (s *RedisRepository) GetExecutionStatus(ctx context.Context, runID string) (types.WorkflowStatus, error) {
	run, err := getFromRedis[types.WorkflowRun](ctx, s.client, s.runKey(runID), ErrRunNotFound)
	if err != nil {
		return "", err
	}
	return run.Status, nil
}

func (s *RedisRepository) CreateStepRun(ctx context.Context, stepID, runID string, status types.StepRunStatus) (types.StepRun, error) {
	return withContext(ctx, func() (types.StepRun, error) {
		exists, err := s.client.Exists(ctx, s.runKey(runID)).Result()
		if err != nil {
			return types.StepRun{}, fmt.Errorf("failed to check run %s: %w", runID, err)
		}
		if exists == 0 {
			return types.StepRun{}, fmt.Errorf("%w: id=%s", ErrRunNotFound, runID)
		}

		id, err := s.ids.next()
		if err != nil {
			return types.StepRun{}, err
		}
		indexKey := s.stepIndexKey(runID, stepID)
		claimed, err := s.client.SetNX(ctx, indexKey, id, 0).Result()
		if err != nil {
			return types.StepRun{}, fmt.Errorf("failed to claim %s: %w", indexKey, err)
		}
		if !claimed {
			return types.StepRun{}, fmt.Errorf("%w: run=%s step=%s", ErrStepRunExists, runID, stepID)
		}

		now := nowMillis()
		sr := types.StepRun{
			ID:        id,
			StepID:    stepID,
			RunID:     runID,
			Status:    status,
			Output:    map[string]interface{}{},
			CreatedAt: now,
			UpdatedAt: now,
		}
		key := s.stepRunKey(id)
		data, err := marshal(key, sr)
		if err != nil {
			return types.StepRun{}, err
		}
		pipe := s.client.TxPipeline()
		pipe.Set(ctx, key, data, 0)
		pipe.RPush(ctx, s.runStepsKey(runID), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return types.StepRun{}, fmt.Errorf("failed to execute pipeline for step run %s: %w", id, err)
		}
		return sr, nil
	})
}

func (s *RedisRepository) UpdateStepRunStatus(ctx context.Context, stepRunID string, status types.StepRunStatus, output map[string]interface{}) (types.StepRun, error) {
	return withContext(ctx, func() (types.StepRun, error) {
		key := s.stepRunKey(stepRunID)
		sr, err := getFromRedis[types.StepRun](ctx, s.client, key, ErrStepRunNotFound)
		if err != nil {
			return types.StepRun{}, err
		}
		sr.Status = status
		sr.Output = emptyIfNil(output)
		sr.UpdatedAt = nowMillis()
		data, err := marshal(key, sr)
		if err != nil {
			return types.StepRun{}, err
		}
		// SETXX keeps a step run removed by ClearFinished from coming back.
		ok, err := s.client.SetXX(ctx, key, data, 0).Result()
		if err != nil {
			return types.StepRun{}, fmt.Errorf("failed to set %s in Redis: %w", key, err)
		}
		if !ok {
			return types.StepRun{}, fmt.Errorf("%w: id=%s", ErrStepRunNotFound, stepRunID)
		}
		return sr, nil
	})
}

func (s *RedisRepository) GetRunDetails(ctx context.Context, runID string) (types.WorkflowRun, error) {
	return withContext(ctx, func() (types.WorkflowRun, error) {
		run, err := getFromRedis[types.WorkflowRun](ctx, s.client, s.runKey(runID), ErrRunNotFound)
		if err != nil {
			return types.WorkflowRun{}, err
		}
		ids, err := s.client.LRange(ctx, s.runStepsKey(runID), 0, -1).Result()
		if err != nil {
			return types.WorkflowRun{}, fmt.Errorf("failed to list step runs of %s: %w", runID, err)
		}
		run.StepRuns = make([]types.StepRun, 0, len(ids))
		if len(ids) == 0 {
			return run, nil
		}

		pipe := s.client.Pipeline()
		cmds := make([]*redis.StringCmd, len(ids))
		for i, id := range ids {
			cmds[i] = pipe.Get(ctx, s.stepRunKey(id))
		}
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return types.WorkflowRun{}, fmt.Errorf("failed to execute pipeline for step runs of %s: %w", runID, err)
		}
		for i, cmd := range cmds {
			data, err := cmd.Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			} else if err != nil {
				return types.WorkflowRun{}, fmt.Errorf("failed to get step run %s: %w", ids[i], err)
			}
			var sr types.StepRun
			if err := json.Unmarshal(data, &sr); err != nil {
				return types.WorkflowRun{}, fmt.Errorf("failed to unmarshal step run %s: %w", ids[i], err)
			}
			run.StepRuns = append(run.StepRuns, sr)
		}
		return run, nil
	})
}

// ClearFinished removes terminal runs and every key that belongs to them.
func (s *RedisRepository) ClearFinished(ctx context.Context) error {
	_, err := withContext(ctx, func() (struct{}, error) {
		iter := s.client.Scan(ctx, 0, s.prefix+runPrefix+"*", 100).Iterator()
		var runKeys []string
		for iter.Next(ctx) {
			key := iter.Val()
			// Skip the :step_runs lists and :step: index keys.
			if strings.Contains(key[len(s.prefix+runPrefix):], ":") {
				continue
			}
			runKeys = append(runKeys, key)
		}
		if err := iter.Err(); err != nil {
			return struct{}{}, fmt.Errorf("failed to scan run keys: %w", err)
		}

		for _, key := range runKeys {
			runID := key[len(s.prefix+runPrefix):]
			run, err := getFromRedis[types.WorkflowRun](ctx, s.client, key, ErrRunNotFound)
			if errors.Is(err, ErrRunNotFound) {
				continue
			} else if err != nil {
				return struct{}{}, err
			}
			if !run.Status.IsTerminal() {
				continue
			}

			ids, err := s.client.LRange(ctx, s.runStepsKey(runID), 0, -1).Result()
			if err != nil {
				return struct{}{}, fmt.Errorf("failed to list step runs of %s: %w", runID, err)
			}
			pipe := s.client.Pipeline()
			for _, id := range ids {
				pipe.Del(ctx, s.stepRunKey(id))
			}
			indexKeys, err := s.client.Keys(ctx, s.stepIndexKey(runID, "*")).Result()
			if err != nil {
				return struct{}{}, fmt.Errorf("failed to list step index of %s: %w", runID, err)
			}
			for _, k := range indexKeys {
				pipe.Del(ctx, k)
			}
			pipe.Del(ctx, s.runStepsKey(runID), key)
			if _, err := pipe.Exec(ctx); err != nil {
				return struct{}{}, fmt.Errorf("failed to execute pipeline for deletion: %w", err)
			}
		}
		return struct{}{}, nil
	})
	return err
}

// Close closes the Redis client connection.
func (s *RedisRepository) Close() error {
	return s.client.Close()
}
