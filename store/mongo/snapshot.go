package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/workflow"
)

// SaveSnapshot upserts the cached snapshot for a workflow.
func (s *Store) SaveSnapshot(ctx context.Context, snap *workflow.Snapshot) error {
	m, err := toSnapshotModel(snap)
	if err != nil {
		return err
	}

	_, err = s.db.Collection(colSnapshots).ReplaceOne(ctx,
		bson.M{"_id": m.WorkflowID},
		m,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("loom/mongo: save snapshot: %w", err)
	}
	return nil
}

// GetSnapshot retrieves the cached snapshot for a workflow.
func (s *Store) GetSnapshot(ctx context.Context, workflowID id.WorkflowID) (*workflow.Snapshot, error) {
	var m snapshotModel
	err := s.db.Collection(colSnapshots).FindOne(ctx,
		bson.M{"_id": workflowID.String()},
	).Decode(&m)
	if isNoDocuments(err) {
		return nil, loom.ErrWorkflowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loom/mongo: get snapshot: %w", err)
	}
	return fromSnapshotModel(&m)
}

// ListSnapshots returns cached snapshots matching the options, ordered by
// workflow ID.
func (s *Store) ListSnapshots(ctx context.Context, opts workflow.ListOpts) ([]*workflow.Snapshot, error) {
	filter := bson.M{}
	if opts.State != "" {
		filter["state"] = string(opts.State)
	}
	if opts.AgentID != "" {
		filter["agents"] = opts.AgentID
	}

	findOpts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		findOpts.SetSkip(int64(opts.Offset))
	}

	cur, err := s.db.Collection(colSnapshots).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("loom/mongo: list snapshots: %w", err)
	}
	defer cur.Close(ctx) //nolint:errcheck // read-only cursor

	var result []*workflow.Snapshot
	for cur.Next(ctx) {
		var m snapshotModel
		if err := cur.Decode(&m); err != nil {
			return nil, fmt.Errorf("loom/mongo: decode snapshot: %w", err)
		}
		snap, err := fromSnapshotModel(&m)
		if err != nil {
			return nil, err
		}
		result = append(result, snap)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("loom/mongo: list snapshots: %w", err)
	}
	return result, nil
}
