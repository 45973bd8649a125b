// Package clock provides vector clock versions for shard entries. A version
// maps node ids to write counters and captures which writes an entry has
// seen, so answers gathered from several shards can be ordered, or found
// to be concurrent, without wall-clock time.
package clock
