package ops

import (
	"context"
	"slices"
	"strings"

	"shardcast/internal/envelope"
	"shardcast/internal/operator"
	"shardcast/internal/storage"
)

// NodeInfoEntry describes one live node.
type NodeInfoEntry struct {
	NodeID    string   `json:"node_id"`
	Keys      int      `json:"keys"`
	Operators []string `json:"operators"`
}

// NodeInfo lists the nodes that answered, sorted by node id.
type NodeInfo struct {
	shard *storage.Shard
	tags  func() []string
}

// NewNodeInfo creates the nodeinfo operator. tags lists the local request types.
func NewNodeInfo(shard *storage.Shard, tags func() []string) *NodeInfo {
	return &NodeInfo{shard: shard, tags: tags}
}

func (n *NodeInfo) BuildRequest(ctx context.Context, args any) (any, any, error) {
	return nil, nil, nil
}

func (n *NodeInfo) OnRequest(ctx context.Context, req *operator.Request) {
	// The engine reports publish failures to its error sink
	_ = req.Respond(NodeInfoEntry{
		NodeID:    n.shard.NodeID(),
		Keys:      n.shard.Len(),
		Operators: n.tags(),
	})
}

func (n *NodeInfo) OnEachResponse(call *operator.Call, resp envelope.Envelope) {}

func (n *NodeInfo) OnAllResponses(call *operator.Call, resps []envelope.Envelope) (any, error) {
	nodes := make([]NodeInfoEntry, 0, len(resps))
	for _, resp := range resps {
		v, err := operator.Decode[NodeInfoEntry](resp)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, v)
	}
	slices.SortFunc(nodes, func(a, b NodeInfoEntry) int {
		return strings.Compare(a.NodeID, b.NodeID)
	})
	return nodes, nil
}
