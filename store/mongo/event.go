package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/event"
	"github.com/loomworks/loom/id"
)

// AppendEvents bumps the tail document and inserts the events in one
// multi-document transaction. The tail update only matches when the
// stored tail equals expectedSeq, so exactly one of any set of racing
// appenders wins; the rest get loom.ErrConflict. The transaction keeps
// the log gapless: a crash can never leave a reserved sequence range
// with no events behind it, because the tail bump and the inserts
// commit or abort together. The unique (workflow_id, sequence) index
// backstops the invariant.
func (s *Store) AppendEvents(ctx context.Context, workflowID id.WorkflowID, expectedSeq uint64, events ...*event.Event) (uint64, error) {
	wfID := workflowID.String()
	newTail := expectedSeq + uint64(len(events))

	docs := make([]any, 0, len(events))
	seq := expectedSeq
	for _, e := range events {
		seq++
		cp := *e
		cp.Sequence = seq
		docs = append(docs, toEventModel(&cp))
	}

	sess, err := s.db.Client().StartSession()
	if err != nil {
		return 0, fmt.Errorf("loom/mongo: start session: %w", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		res, err := s.db.Collection(colEventTails).UpdateOne(ctx,
			bson.M{"_id": wfID, "tail": expectedSeq},
			bson.M{"$set": bson.M{"tail": newTail}},
		)
		if err != nil {
			return nil, fmt.Errorf("loom/mongo: reserve tail: %w", err)
		}
		if res.MatchedCount == 0 {
			if expectedSeq != 0 {
				return nil, loom.ErrConflict
			}
			// First append for this workflow: create the tail document.
			if _, err := s.db.Collection(colEventTails).InsertOne(ctx,
				&tailModel{WorkflowID: wfID, Tail: newTail},
			); err != nil {
				if isDuplicateKey(err) {
					return nil, loom.ErrConflict
				}
				return nil, fmt.Errorf("loom/mongo: create tail: %w", err)
			}
		}

		if _, err := s.db.Collection(colEvents).InsertMany(ctx, docs); err != nil {
			if isDuplicateKey(err) {
				return nil, loom.ErrConflict
			}
			return nil, fmt.Errorf("loom/mongo: insert events: %w", err)
		}
		return nil, nil
	})
	if err != nil {
		if errors.Is(err, loom.ErrConflict) {
			return s.conflictTail(ctx, workflowID)
		}
		return 0, err
	}
	return newTail, nil
}

// conflictTail reports the current tail alongside loom.ErrConflict.
func (s *Store) conflictTail(ctx context.Context, workflowID id.WorkflowID) (uint64, error) {
	tail, err := s.TailSequence(ctx, workflowID)
	if err != nil {
		return 0, loom.ErrConflict
	}
	return tail, loom.ErrConflict
}

// ReadEvents returns events with sequence >= fromSeq in sequence order.
func (s *Store) ReadEvents(ctx context.Context, workflowID id.WorkflowID, fromSeq uint64) ([]*event.Event, error) {
	if err := s.requireWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}

	cur, err := s.db.Collection(colEvents).Find(ctx,
		bson.M{"workflow_id": workflowID.String(), "sequence": bson.M{"$gte": fromSeq}},
		options.Find().SetSort(bson.D{{Key: "sequence", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("loom/mongo: read events: %w", err)
	}
	defer cur.Close(ctx) //nolint:errcheck // read-only cursor

	var result []*event.Event
	for cur.Next(ctx) {
		var m eventModel
		if err := cur.Decode(&m); err != nil {
			return nil, fmt.Errorf("loom/mongo: decode event: %w", err)
		}
		e, err := fromEventModel(&m)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("loom/mongo: read events: %w", err)
	}
	return result, nil
}

// TailSequence returns the last assigned sequence, or 0 for an unknown
// workflow.
func (s *Store) TailSequence(ctx context.Context, workflowID id.WorkflowID) (uint64, error) {
	var m tailModel
	err := s.db.Collection(colEventTails).FindOne(ctx,
		bson.M{"_id": workflowID.String()},
	).Decode(&m)
	if isNoDocuments(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("loom/mongo: tail sequence: %w", err)
	}
	return m.Tail, nil
}

// CompactEvents deletes events with sequence <= throughSeq.
func (s *Store) CompactEvents(ctx context.Context, workflowID id.WorkflowID, throughSeq uint64) (int64, error) {
	if err := s.requireWorkflow(ctx, workflowID); err != nil {
		return 0, err
	}

	res, err := s.db.Collection(colEvents).DeleteMany(ctx,
		bson.M{"workflow_id": workflowID.String(), "sequence": bson.M{"$lte": throughSeq}},
	)
	if err != nil {
		return 0, fmt.Errorf("loom/mongo: compact events: %w", err)
	}
	return res.DeletedCount, nil
}

// requireWorkflow maps an unknown workflow to loom.ErrWorkflowNotFound.
func (s *Store) requireWorkflow(ctx context.Context, workflowID id.WorkflowID) error {
	err := s.db.Collection(colEventTails).FindOne(ctx,
		bson.M{"_id": workflowID.String()},
	).Err()
	if isNoDocuments(err) {
		return loom.ErrWorkflowNotFound
	}
	if err != nil {
		return fmt.Errorf("loom/mongo: check workflow: %w", err)
	}
	return nil
}
