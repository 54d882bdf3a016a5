// Package sqlite implements store.Store on database/sql with the
// modernc.org/sqlite driver. Suitable for embedded/edge deployments, CLI
// tools, and standalone applications.
//
// The caller owns the *sql.DB lifecycle -- sqlite never closes it. Pass the
// db handle through the constructor:
//
//	import (
//	    "database/sql"
//	    _ "modernc.org/sqlite"
//
//	    "github.com/loomworks/loom/store/sqlite"
//	)
//
//	db, _ := sql.Open("sqlite", dsn)
//	store := sqlite.New(db)
//	store.Migrate(ctx)
package sqlite
