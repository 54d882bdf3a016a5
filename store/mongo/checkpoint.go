package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/checkpoint"
	"github.com/loomworks/loom/id"
)

// SaveCheckpoint upserts a checkpoint keyed by (workflow_id, sequence).
func (s *Store) SaveCheckpoint(ctx context.Context, cp *checkpoint.Checkpoint) error {
	m := toCheckpointModel(cp)

	_, err := s.db.Collection(colCheckpoints).ReplaceOne(ctx,
		bson.M{"workflow_id": m.WorkflowID, "sequence": m.Sequence},
		m,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("loom/mongo: save checkpoint: %w", err)
	}
	return nil
}

// LatestCheckpoint returns the highest-sequence checkpoint for a workflow.
func (s *Store) LatestCheckpoint(ctx context.Context, workflowID id.WorkflowID) (*checkpoint.Checkpoint, error) {
	var m checkpointModel
	err := s.db.Collection(colCheckpoints).FindOne(ctx,
		bson.M{"workflow_id": workflowID.String()},
		options.FindOne().SetSort(bson.D{{Key: "sequence", Value: -1}}),
	).Decode(&m)
	if isNoDocuments(err) {
		return nil, loom.ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loom/mongo: latest checkpoint: %w", err)
	}
	return fromCheckpointModel(&m)
}

// ListCheckpoints returns all checkpoints for a workflow in ascending
// sequence order.
func (s *Store) ListCheckpoints(ctx context.Context, workflowID id.WorkflowID) ([]*checkpoint.Checkpoint, error) {
	cur, err := s.db.Collection(colCheckpoints).Find(ctx,
		bson.M{"workflow_id": workflowID.String()},
		options.Find().SetSort(bson.D{{Key: "sequence", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("loom/mongo: list checkpoints: %w", err)
	}
	defer cur.Close(ctx) //nolint:errcheck // read-only cursor

	var result []*checkpoint.Checkpoint
	for cur.Next(ctx) {
		var m checkpointModel
		if err := cur.Decode(&m); err != nil {
			return nil, fmt.Errorf("loom/mongo: decode checkpoint: %w", err)
		}
		cp, err := fromCheckpointModel(&m)
		if err != nil {
			return nil, err
		}
		result = append(result, cp)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("loom/mongo: list checkpoints: %w", err)
	}
	return result, nil
}
