// Package redis provides a Redis-backed task store for deployments that keep
// task state out of PostgreSQL.
package redis
