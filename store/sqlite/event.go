package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/event"
	"github.com/loomworks/loom/id"
)

// AppendEvents appends a batch inside a single transaction. The tail is
// read and compared in the same transaction, and the (workflow_id,
// sequence) primary key backstops any race: either path surfaces as
// loom.ErrConflict.
func (s *Store) AppendEvents(ctx context.Context, workflowID id.WorkflowID, expectedSeq uint64, events ...*event.Event) (uint64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("loom/sqlite: begin append: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	var tail uint64
	err = tx.QueryRowContext(ctx,
		`SELECT tail FROM loom_event_tails WHERE workflow_id = ?`,
		workflowID.String(),
	).Scan(&tail)
	if err != nil && !isNoRows(err) {
		return 0, fmt.Errorf("loom/sqlite: read tail: %w", err)
	}

	if tail != expectedSeq {
		return tail, loom.ErrConflict
	}

	seq := expectedSeq
	for _, e := range events {
		seq++
		_, err = tx.ExecContext(ctx,
			`INSERT INTO loom_events (workflow_id, sequence, id, type, payload, timestamp)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			workflowID.String(), seq, e.ID.String(), string(e.Type),
			[]byte(e.Payload), e.Timestamp.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			if isDuplicateKey(err) {
				return 0, loom.ErrConflict
			}
			return 0, fmt.Errorf("loom/sqlite: insert event: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO loom_event_tails (workflow_id, tail) VALUES (?, ?)
		 ON CONFLICT (workflow_id) DO UPDATE SET tail = excluded.tail`,
		workflowID.String(), seq,
	)
	if err != nil {
		return 0, fmt.Errorf("loom/sqlite: update tail: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("loom/sqlite: commit append: %w", err)
	}
	return seq, nil
}

// ReadEvents returns events with sequence >= fromSeq in sequence order.
func (s *Store) ReadEvents(ctx context.Context, workflowID id.WorkflowID, fromSeq uint64) ([]*event.Event, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM loom_event_tails WHERE workflow_id = ?`,
		workflowID.String(),
	).Scan(&exists)
	if isNoRows(err) {
		return nil, loom.ErrWorkflowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loom/sqlite: read events: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence, id, type, payload, timestamp
		 FROM loom_events
		 WHERE workflow_id = ? AND sequence >= ?
		 ORDER BY sequence ASC`,
		workflowID.String(), fromSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("loom/sqlite: read events: %w", err)
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
		return nil, fmt.Errorf("loom/sqlite: read events: %w", err)
	}
	return result, nil
}

// TailSequence returns the last assigned sequence, or 0 for an unknown
// workflow.
func (s *Store) TailSequence(ctx context.Context, workflowID id.WorkflowID) (uint64, error) {
	var tail uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT tail FROM loom_event_tails WHERE workflow_id = ?`,
		workflowID.String(),
	).Scan(&tail)
	if isNoRows(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("loom/sqlite: tail sequence: %w", err)
	}
	return tail, nil
}

// CompactEvents deletes events with sequence <= throughSeq.
func (s *Store) CompactEvents(ctx context.Context, workflowID id.WorkflowID, throughSeq uint64) (int64, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM loom_event_tails WHERE workflow_id = ?`,
		workflowID.String(),
	).Scan(&exists)
	if isNoRows(err) {
		return 0, loom.ErrWorkflowNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("loom/sqlite: compact events: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM loom_events WHERE workflow_id = ? AND sequence <= ?`,
		workflowID.String(), throughSeq,
	)
	if err != nil {
		return 0, fmt.Errorf("loom/sqlite: compact events: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("loom/sqlite: compact events: %w", err)
	}
	return removed, nil
}

// scanEvent converts a loom_events row into an event.
func scanEvent(rows *sql.Rows, workflowID id.WorkflowID) (*event.Event, error) {
	var (
		seq     uint64
		rawID   string
		typ     string
		payload []byte
		ts      string
	)
	if err := rows.Scan(&seq, &rawID, &typ, &payload, &ts); err != nil {
		return nil, fmt.Errorf("loom/sqlite: scan event: %w", err)
	}

	eventID, err := id.ParseEventID(rawID)
	if err != nil {
		return nil, fmt.Errorf("loom/sqlite: scan event id: %w", err)
	}
	stamp, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("loom/sqlite: scan event timestamp: %w", err)
	}

	return &event.Event{
		ID:         eventID,
		WorkflowID: workflowID,
		Sequence:   seq,
		Type:       event.Type(typ),
		Payload:    json.RawMessage(payload),
		Timestamp:  stamp,
	}, nil
}
