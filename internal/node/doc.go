// Package node runs one shardcast node: a shard, an engine attached to the
// broker cluster with every operator registered, and an HTTP API that
// serves local writes and cluster-wide reads.
package node
