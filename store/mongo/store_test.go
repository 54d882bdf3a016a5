//go:build integration

package mongo_test

import (
	"context"
	"errors"
	"testing"

	tcmongo "github.com/testcontainers/testcontainers-go/modules/mongodb"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/event"
	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/store/mongo"
	"github.com/loomworks/loom/workflow"
)

// setupTestStore starts a single-node replica set (appends run in a
// multi-document transaction) and returns a migrated Store.
func setupTestStore(t *testing.T) *mongo.Store {
	t.Helper()

	ctx := context.Background()

	container, err := tcmongo.Run(ctx, "mongo:7", tcmongo.WithReplicaSet("rs0"))
	if err != nil {
		t.Fatalf("start mongo container: %v", err)
	}
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	uri, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}

	client, err := mongod.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		t.Fatalf("connect client: %v", err)
	}
	t.Cleanup(func() {
		if dcErr := client.Disconnect(ctx); dcErr != nil {
			t.Logf("disconnect client: %v", dcErr)
		}
	})

	s := mongo.New(client.Database("loom_test"))
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func testDefinition() *workflow.Definition {
	return &workflow.Definition{
		Name: "deploy",
		Steps: []workflow.StepDefinition{
			{ID: "build"},
			{ID: "release", DependsOn: []string{"build"}},
		},
	}
}

func TestAppendReadAndConflict(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	wfID := id.NewWorkflowID()

	seq, err := s.AppendEvents(ctx, wfID, 0,
		event.NewCreated(wfID, testDefinition()),
		event.NewStarted(wfID),
	)
	if err != nil {
		t.Fatalf("AppendEvents() error = %v", err)
	}
	if seq != 2 {
		t.Fatalf("AppendEvents() seq = %d, want 2", seq)
	}

	if _, err := s.AppendEvents(ctx, wfID, 0, event.NewStarted(wfID)); !errors.Is(err, loom.ErrConflict) {
		t.Fatalf("AppendEvents(stale) error = %v, want ErrConflict", err)
	}

	events, err := s.ReadEvents(ctx, wfID, 2)
	if err != nil {
		t.Fatalf("ReadEvents() error = %v", err)
	}
	if len(events) != 1 || events[0].Type != event.TypeStarted {
		t.Fatalf("ReadEvents(from 2) = %d events, want the started event", len(events))
	}
}

// TestAppendIsAtomic verifies that a rejected append commits nothing:
// the tail and the log stay consistent, and every sequence the tail
// covers has an event behind it.
func TestAppendIsAtomic(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	wfID := id.NewWorkflowID()

	if _, err := s.AppendEvents(ctx, wfID, 0, event.NewCreated(wfID, testDefinition())); err != nil {
		t.Fatalf("AppendEvents() error = %v", err)
	}

	// A cancelled context aborts the whole transaction: neither the
	// tail bump nor the events may land.
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := s.AppendEvents(cancelled, wfID, 1, event.NewStarted(wfID)); err == nil {
		t.Fatal("AppendEvents(cancelled ctx) succeeded, want error")
	}

	tail, err := s.TailSequence(ctx, wfID)
	if err != nil {
		t.Fatalf("TailSequence() error = %v", err)
	}
	events, err := s.ReadEvents(ctx, wfID, 0)
	if err != nil {
		t.Fatalf("ReadEvents() error = %v", err)
	}
	if tail != 1 || uint64(len(events)) != tail {
		t.Fatalf("tail = %d with %d events, want a gapless log behind the tail", tail, len(events))
	}

	// The same expected sequence still appends cleanly afterwards.
	seq, err := s.AppendEvents(ctx, wfID, 1, event.NewStarted(wfID))
	if err != nil {
		t.Fatalf("AppendEvents(retry) error = %v", err)
	}
	if seq != 2 {
		t.Fatalf("AppendEvents(retry) seq = %d, want 2", seq)
	}
	events, err = s.ReadEvents(ctx, wfID, 0)
	if err != nil {
		t.Fatalf("ReadEvents() error = %v", err)
	}
	for i, e := range events {
		if e.Sequence != uint64(i+1) {
			t.Fatalf("events[%d].Sequence = %d, want %d", i, e.Sequence, i+1)
		}
	}
}

func TestConcurrentAppends_ExactlyOneWins(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	wfID := id.NewWorkflowID()

	if _, err := s.AppendEvents(ctx, wfID, 0, event.NewCreated(wfID, testDefinition())); err != nil {
		t.Fatalf("AppendEvents() error = %v", err)
	}

	const writers = 8
	results := make(chan error, writers)
	for i := 0; i < writers; i++ {
		go func() {
			_, err := s.AppendEvents(ctx, wfID, 1, event.NewStarted(wfID))
			results <- err
		}()
	}

	var wins, conflicts int
	for i := 0; i < writers; i++ {
		switch err := <-results; {
		case err == nil:
			wins++
		case errors.Is(err, loom.ErrConflict):
			conflicts++
		default:
			t.Fatalf("concurrent append error = %v", err)
		}
	}
	if wins != 1 || conflicts != writers-1 {
		t.Fatalf("wins = %d, conflicts = %d, want 1 and %d", wins, conflicts, writers-1)
	}

	tail, _ := s.TailSequence(ctx, wfID)
	if tail != 2 {
		t.Fatalf("TailSequence() = %d, want 2", tail)
	}
}
