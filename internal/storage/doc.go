// Package storage provides the in-memory shard each node owns. Every entry
// carries a vector clock version, and deletes leave tombstones, so answers
// gathered from several shards can be reconciled by version.
package storage
