package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/loomworks/loom/checkpoint"
	"github.com/loomworks/loom/event"
	"github.com/loomworks/loom/workflow"
)

// Collection name constants.
const (
	colEvents      = "loom_events"
	colEventTails  = "loom_event_tails"
	colSnapshots   = "loom_snapshots"
	colCheckpoints = "loom_checkpoints"
)

// Ensure Store implements all subsystem interfaces at compile time.
var (
	_ event.Store            = (*Store)(nil)
	_ workflow.SnapshotStore = (*Store)(nil)
	_ checkpoint.Store       = (*Store)(nil)
)

// Store is a MongoDB implementation of store.Store. The caller owns the
// client lifecycle; Store never closes it.
type Store struct {
	db     *mongod.Database
	logger *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a new MongoDB store on the given database. The caller owns
// the underlying client lifecycle -- the Store will not close it on Close().
func New(db *mongod.Database, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Database returns the underlying *mongo.Database for advanced usage.
func (s *Store) Database() *mongod.Database {
	return s.db
}

// Migrate creates indexes for all loom collections.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if len(models) == 0 {
			continue
		}

		_, err := s.db.Collection(col).Indexes().CreateMany(ctx, models)
		if err != nil {
			return fmt.Errorf("loom/mongo: migrate %s indexes: %w", col, err)
		}
	}

	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Client().Ping(ctx, nil)
}

// Close is a no-op because the caller owns the client lifecycle.
func (s *Store) Close() error {
	return nil
}

// ── helpers ──────────────────────────────────────────────────────

// now returns the current UTC time.
func now() time.Time {
	return time.Now().UTC()
}

// isNoDocuments returns true when err indicates no MongoDB documents found.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongod.ErrNoDocuments)
}

// isDuplicateKey checks if a MongoDB error is a duplicate key violation.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "duplicate key") ||
		strings.Contains(err.Error(), "E11000")
}

// migrationIndexes returns the index definitions for all loom collections.
func migrationIndexes() map[string][]mongod.IndexModel {
	return map[string][]mongod.IndexModel{
		colEvents: {
			// The gapless log: one event per (workflow, sequence).
			{
				Keys: bson.D{
					{Key: "workflow_id", Value: 1},
					{Key: "sequence", Value: 1},
				},
				Options: options.Index().SetUnique(true),
			},
		},
		colSnapshots: {
			{Keys: bson.D{{Key: "state", Value: 1}}},
			{Keys: bson.D{{Key: "agents", Value: 1}}},
		},
		colCheckpoints: {
			{
				Keys: bson.D{
					{Key: "workflow_id", Value: 1},
					{Key: "sequence", Value: 1},
				},
				Options: options.Index().SetUnique(true),
			},
		},
	}
}
