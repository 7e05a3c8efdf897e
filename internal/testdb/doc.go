//go:build integration

// Package testdb provides helpers for tests that run against a real
// PostgreSQL database.
//
// Tests call Open to obtain a migrated connection, which skips the test when
// no database URL is configured. WithTx runs a test body inside a transaction
// that is always rolled back, so tests can share tables without cleanup:
//
//	func TestSomething(t *testing.T) {
//	    db := testdb.Open(t)
//	    testdb.WithTx(t, db, func(t *testing.T, tx *sql.Tx) {
//	        cards := postgres.NewSimCardStore(tx)
//	        // ...
//	    })
//	}
//
// The database URL is read from DATABASE_URL, falling back to
// SIMSYNC_TEST_DB_URL.
package testdb
