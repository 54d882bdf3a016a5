// Package redis implements store.Store using Redis for high-throughput
// ephemeral deployments. Event logs use Sorted Sets scored by sequence,
// appends run through a Lua script so the tail check and the writes are
// atomic, and snapshots and checkpoints are stored as JSON values.
//
// The caller owns the Redis client lifecycle -- redis never closes it:
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	s := redis.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis
