// Package mongo implements store.Store using the official MongoDB driver.
// Appends reserve the next sequence range with an atomic tail update and
// insert the events in the same multi-document transaction, so the log
// stays gapless across crashes; a unique (workflow_id, sequence) index
// backstops the invariant. Transactions require the deployment to be a
// replica set (a single-node replica set is enough).
//
// The caller owns the *mongo.Client lifecycle -- the store never closes it:
//
//	client, _ := mongod.Connect(options.Client().ApplyURI(uri))
//	s := mongo.New(client.Database("loom"))
//	s.Migrate(ctx)
package mongo
