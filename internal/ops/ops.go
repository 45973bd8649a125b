package ops

import (
	"errors"

	"shardcast/internal/engine"
	"shardcast/internal/storage"
)

// Request types.
const (
	TypeRandom   = "random"
	TypeKeyCount = "keycount"
	TypeNodeInfo = "nodeinfo"
	TypeLookup   = "lookup"
)

// RegisterAll registers every operator on e, backed by shard.
func RegisterAll(e *engine.Engine, shard *storage.Shard) error {
	return errors.Join(
		e.Register(TypeRandom, NewRandom()),
		e.Register(TypeKeyCount, NewKeyCount(shard)),
		e.Register(TypeNodeInfo, NewNodeInfo(shard, e.Registry().Tags)),
		e.Register(TypeLookup, NewLookup(shard)),
	)
}
