package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/event"
	"github.com/loomworks/loom/id"
)

// AppendEvents appends a batch inside a single transaction. The tail row
// is locked FOR UPDATE so concurrent appenders for the same workflow
// serialize; the loser of the sequence race gets loom.ErrConflict.
func (s *Store) AppendEvents(ctx context.Context, workflowID id.WorkflowID, expectedSeq uint64, events ...*event.Event) (uint64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("loom/postgres: begin append: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	var tail uint64
	err = tx.QueryRow(ctx,
		`SELECT tail FROM loom_event_tails WHERE workflow_id = $1 FOR UPDATE`,
		workflowID.String(),
	).Scan(&tail)
	if err != nil && !isNoRows(err) {
		return 0, fmt.Errorf("loom/postgres: read tail: %w", err)
	}

	if tail != expectedSeq {
		return tail, loom.ErrConflict
	}

	seq := expectedSeq
	for _, e := range events {
		seq++
		_, err = tx.Exec(ctx,
			`INSERT INTO loom_events (workflow_id, sequence, id, type, payload, timestamp)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			workflowID.String(), seq, e.ID.String(), string(e.Type),
			[]byte(e.Payload), e.Timestamp.UTC(),
		)
		if err != nil {
			if isDuplicateKey(err) {
				return 0, loom.ErrConflict
			}
			return 0, fmt.Errorf("loom/postgres: insert event: %w", err)
		}
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO loom_event_tails (workflow_id, tail) VALUES ($1, $2)
		 ON CONFLICT (workflow_id) DO UPDATE SET tail = EXCLUDED.tail`,
		workflowID.String(), seq,
	)
	if err != nil {
		return 0, fmt.Errorf("loom/postgres: update tail: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("loom/postgres: commit append: %w", err)
	}
	return seq, nil
}

// ReadEvents returns events with sequence >= fromSeq in sequence order.
func (s *Store) ReadEvents(ctx context.Context, workflowID id.WorkflowID, fromSeq uint64) ([]*event.Event, error) {
	if err := s.requireWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT sequence, id, type, payload, timestamp
		 FROM loom_events
		 WHERE workflow_id = $1 AND sequence >= $2
		 ORDER BY sequence ASC`,
		workflowID.String(), fromSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("loom/postgres: read events: %w", err)
	}
	defer rows.Close()

	var result []*event.Event
	for rows.Next() {
		e, err := scanEvent(rows, workflowID)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loom/postgres: read events: %w", err)
	}
	return result, nil
}

// TailSequence returns the last assigned sequence, or 0 for an unknown
// workflow.
func (s *Store) TailSequence(ctx context.Context, workflowID id.WorkflowID) (uint64, error) {
	var tail uint64
	err := s.pool.QueryRow(ctx,
		`SELECT tail FROM loom_event_tails WHERE workflow_id = $1`,
		workflowID.String(),
	).Scan(&tail)
	if isNoRows(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("loom/postgres: tail sequence: %w", err)
	}
	return tail, nil
}

// CompactEvents deletes events with sequence <= throughSeq.
func (s *Store) CompactEvents(ctx context.Context, workflowID id.WorkflowID, throughSeq uint64) (int64, error) {
	if err := s.requireWorkflow(ctx, workflowID); err != nil {
		return 0, err
	}

	tag, err := s.pool.Exec(ctx,
		`DELETE FROM loom_events WHERE workflow_id = $1 AND sequence <= $2`,
		workflowID.String(), throughSeq,
	)
	if err != nil {
		return 0, fmt.Errorf("loom/postgres: compact events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// requireWorkflow maps an unknown workflow to loom.ErrWorkflowNotFound.
func (s *Store) requireWorkflow(ctx context.Context, workflowID id.WorkflowID) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM loom_event_tails WHERE workflow_id = $1)`,
		workflowID.String(),
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("loom/postgres: check workflow: %w", err)
	}
	if !exists {
		return loom.ErrWorkflowNotFound
	}
	return nil
}

// scanEvent converts a loom_events row into an event.
func scanEvent(rows pgx.Rows, workflowID id.WorkflowID) (*event.Event, error) {
	var (
		seq     uint64
		rawID   string
		typ     string
		payload []byte
	)
	e := &event.Event{WorkflowID: workflowID}
	if err := rows.Scan(&seq, &rawID, &typ, &payload, &e.Timestamp); err != nil {
		return nil, fmt.Errorf("loom/postgres: scan event: %w", err)
	}

	eventID, err := id.ParseEventID(rawID)
	if err != nil {
		return nil, fmt.Errorf("loom/postgres: scan event id: %w", err)
	}

	e.ID = eventID
	e.Sequence = seq
	e.Type = event.Type(typ)
	e.Payload = json.RawMessage(payload)
	return e, nil
}
