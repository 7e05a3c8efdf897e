// Package store holds the persistence primitives shared by every backend:
// the error taxonomy that callers match with errors.Is, the DBTX abstraction
// over *sql.DB and *sql.Tx, and transaction helpers.
package store
