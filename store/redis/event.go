package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/event"
	"github.com/loomworks/loom/id"
)

// appendScript atomically checks the tail and appends the batch.
// KEYS[1] = tail key, KEYS[2] = events key, KEYS[3] = workflow ID set.
// ARGV[1] = expected sequence, ARGV[2] = workflow ID,
// ARGV[3..] = pre-marshaled events with sequences already assigned.
// Returns the new tail, or -1 on a sequence conflict.
var appendScript = goredis.NewScript(`
local tail = tonumber(redis.call('GET', KEYS[1]) or '0')
if tail ~= tonumber(ARGV[1]) then
	return -1
end
local seq = tail
for i = 3, #ARGV do
	seq = seq + 1
	redis.call('ZADD', KEYS[2], seq, ARGV[i])
end
redis.call('SET', KEYS[1], seq)
redis.call('SADD', KEYS[3], ARGV[2])
return seq
`)

// AppendEvents appends a batch via a Lua script, so the tail check and
// the writes execute atomically on the server.
func (s *Store) AppendEvents(ctx context.Context, workflowID id.WorkflowID, expectedSeq uint64, events ...*event.Event) (uint64, error) {
	wfID := workflowID.String()

	args := make([]any, 0, len(events)+2)
	args = append(args, expectedSeq, wfID)
	seq := expectedSeq
	for _, e := range events {
		seq++
		cp := *e
		cp.Sequence = seq
		data, err := json.Marshal(&cp)
		if err != nil {
			return 0, fmt.Errorf("loom/redis: marshal event: %w", err)
		}
		args = append(args, string(data))
	}

	res, err := appendScript.Run(ctx, s.client,
		[]string{tailKey(wfID), eventsKey(wfID), workflowIDsKey},
		args...,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("loom/redis: append events: %w", err)
	}
	if res < 0 {
		tail, _ := s.TailSequence(ctx, workflowID) //nolint:errcheck // best-effort tail for the error path
		return tail, loom.ErrConflict
	}
	return uint64(res), nil
}

// ReadEvents returns events with sequence >= fromSeq in sequence order.
func (s *Store) ReadEvents(ctx context.Context, workflowID id.WorkflowID, fromSeq uint64) ([]*event.Event, error) {
	wfID := workflowID.String()

	known, err := s.client.SIsMember(ctx, workflowIDsKey, wfID).Result()
	if err != nil {
		return nil, fmt.Errorf("loom/redis: read events: %w", err)
	}
	if !known {
		return nil, loom.ErrWorkflowNotFound
	}

	raw, err := s.client.ZRangeByScore(ctx, eventsKey(wfID), &goredis.ZRangeBy{
		Min: strconv.FormatUint(fromSeq, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("loom/redis: read events: %w", err)
	}

	result := make([]*event.Event, 0, len(raw))
	for _, member := range raw {
		e := new(event.Event)
		if err := json.Unmarshal([]byte(member), e); err != nil {
			return nil, fmt.Errorf("loom/redis: unmarshal event: %w", err)
		}
		result = append(result, e)
	}
	return result, nil
}

// TailSequence returns the last assigned sequence, or 0 for an unknown
// workflow.
func (s *Store) TailSequence(ctx context.Context, workflowID id.WorkflowID) (uint64, error) {
	val, err := s.client.Get(ctx, tailKey(workflowID.String())).Result()
	if err == goredis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("loom/redis: tail sequence: %w", err)
	}
	tail, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("loom/redis: parse tail: %w", err)
	}
	return tail, nil
}

// CompactEvents removes events with sequence <= throughSeq.
func (s *Store) CompactEvents(ctx context.Context, workflowID id.WorkflowID, throughSeq uint64) (int64, error) {
	wfID := workflowID.String()

	known, err := s.client.SIsMember(ctx, workflowIDsKey, wfID).Result()
	if err != nil {
		return 0, fmt.Errorf("loom/redis: compact events: %w", err)
	}
	if !known {
		return 0, loom.ErrWorkflowNotFound
	}

	removed, err := s.client.ZRemRangeByScore(ctx, eventsKey(wfID),
		"-inf", strconv.FormatUint(throughSeq, 10),
	).Result()
	if err != nil {
		return 0, fmt.Errorf("loom/redis: compact events: %w", err)
	}
	return removed, nil
}
