package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/checkpoint"
	"github.com/loomworks/loom/id"
)

// SaveCheckpoint stores a checkpoint in the workflow's checkpoint set,
// scored by sequence. Any earlier checkpoint at the same sequence is
// replaced.
func (s *Store) SaveCheckpoint(ctx context.Context, cp *checkpoint.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("loom/redis: marshal checkpoint: %w", err)
	}

	key := checkpointsKey(cp.WorkflowID.String())
	score := strconv.FormatUint(cp.Sequence, 10)

	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, score, score)
	pipe.ZAdd(ctx, key, goredis.Z{Score: float64(cp.Sequence), Member: string(data)})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("loom/redis: save checkpoint: %w", err)
	}
	return nil
}

// LatestCheckpoint returns the highest-sequence checkpoint for a workflow.
func (s *Store) LatestCheckpoint(ctx context.Context, workflowID id.WorkflowID) (*checkpoint.Checkpoint, error) {
	raw, err := s.client.ZRevRange(ctx, checkpointsKey(workflowID.String()), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("loom/redis: latest checkpoint: %w", err)
	}
	if len(raw) == 0 {
		return nil, loom.ErrCheckpointNotFound
	}

	cp := new(checkpoint.Checkpoint)
	if err := json.Unmarshal([]byte(raw[0]), cp); err != nil {
		return nil, fmt.Errorf("loom/redis: unmarshal checkpoint: %w", err)
	}
	return cp, nil
}

// ListCheckpoints returns all checkpoints for a workflow in ascending
// sequence order.
func (s *Store) ListCheckpoints(ctx context.Context, workflowID id.WorkflowID) ([]*checkpoint.Checkpoint, error) {
	raw, err := s.client.ZRange(ctx, checkpointsKey(workflowID.String()), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("loom/redis: list checkpoints: %w", err)
	}

	result := make([]*checkpoint.Checkpoint, 0, len(raw))
	for _, member := range raw {
		cp := new(checkpoint.Checkpoint)
		if err := json.Unmarshal([]byte(member), cp); err != nil {
			return nil, fmt.Errorf("loom/redis: unmarshal checkpoint: %w", err)
		}
		result = append(result, cp)
	}
	return result, nil
}
