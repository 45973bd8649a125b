package ops

import (
	"context"

	"shardcast/internal/envelope"
	"shardcast/internal/operator"
	"shardcast/internal/storage"
)

type keyCountResponse struct {
	NodeID string `json:"node_id"`
	Keys   int    `json:"keys"`
}

// KeyCountResult is the cluster-wide live key count.
type KeyCountResult struct {
	Total   int            `json:"total"`
	PerNode map[string]int `json:"per_node"`
}

// KeyCount sums the live keys of every shard.
type KeyCount struct {
	shard *storage.Shard
}

// NewKeyCount creates the keycount operator for shard.
func NewKeyCount(shard *storage.Shard) *KeyCount {
	return &KeyCount{shard: shard}
}

func (k *KeyCount) BuildRequest(ctx context.Context, args any) (any, any, error) {
	return nil, nil, nil
}

func (k *KeyCount) OnRequest(ctx context.Context, req *operator.Request) {
	// The engine reports publish failures to its error sink
	_ = req.Respond(keyCountResponse{NodeID: k.shard.NodeID(), Keys: k.shard.Len()})
}

func (k *KeyCount) OnEachResponse(call *operator.Call, resp envelope.Envelope) {}

func (k *KeyCount) OnAllResponses(call *operator.Call, resps []envelope.Envelope) (any, error) {
	result := KeyCountResult{PerNode: make(map[string]int, len(resps))}
	for _, resp := range resps {
		v, err := operator.Decode[keyCountResponse](resp)
		if err != nil {
			return nil, err
		}
		result.Total += v.Keys
		result.PerNode[v.NodeID] += v.Keys
	}
	return result, nil
}
