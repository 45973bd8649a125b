package ops

import (
	"context"
	"errors"
	"slices"
	"strings"

	"shardcast/internal/clock"
	"shardcast/internal/envelope"
	"shardcast/internal/operator"
	"shardcast/internal/storage"
)

// ErrKeyRequired is returned when a lookup is built without a key.
var ErrKeyRequired = errors.New("lookup key required")

type lookupRequest struct {
	Key string `json:"key"`
}

type lookupResponse struct {
	NodeID  string        `json:"node_id"`
	Found   bool          `json:"found"`
	Value   []byte        `json:"value,omitempty"`
	Version clock.Version `json:"version,omitempty"`
	Deleted bool          `json:"deleted,omitempty"`
}

// lookupState stays with the originator while responses arrive.
type lookupState struct {
	Key     string
	Holders []string
}

// Sibling is one of several concurrent versions of a key.
type Sibling struct {
	Value   []byte        `json:"value"`
	Version clock.Version `json:"version"`
}

// LookupResult is the reconciled answer for a key across all shards.
type LookupResult struct {
	Key     string        `json:"key"`
	Found   bool          `json:"found"`
	Value   []byte        `json:"value,omitempty"`
	Version clock.Version `json:"version,omitempty"`
	// Conflicts lists every concurrent live version, the reported one included.
	Conflicts []Sibling `json:"conflicts,omitempty"`
	// Holders lists the nodes that had any version of the key, tombstones included.
	Holders []string `json:"holders"`
	// Repaired is set when the originator's shard took the winning version.
	Repaired bool `json:"repaired"`
}

// Lookup reads a key from every shard and reconciles the answers by
// version. The originator's shard is brought up to date with a single winner.
type Lookup struct {
	shard *storage.Shard
}

// NewLookup creates the lookup operator for shard.
func NewLookup(shard *storage.Shard) *Lookup {
	return &Lookup{shard: shard}
}

// BuildRequest takes the key as args, a string.
func (l *Lookup) BuildRequest(ctx context.Context, args any) (any, any, error) {
	key, _ := args.(string)
	if key == "" {
		return nil, nil, ErrKeyRequired
	}
	return lookupRequest{Key: key}, &lookupState{Key: key}, nil
}

func (l *Lookup) OnRequest(ctx context.Context, req *operator.Request) {
	var in lookupRequest
	if err := req.Decode(&in); err != nil || in.Key == "" {
		// Still answer so the originator is not left waiting
		_ = req.Respond(lookupResponse{NodeID: l.shard.NodeID()})
		return
	}

	resp := lookupResponse{NodeID: l.shard.NodeID()}
	if e, ok := l.shard.Get(in.Key); ok {
		resp.Found = true
		resp.Value = e.Value
		resp.Version = e.Version
		resp.Deleted = e.Deleted
	}
	// The engine reports publish failures to its error sink
	_ = req.Respond(resp)
}

func (l *Lookup) OnEachResponse(call *operator.Call, resp envelope.Envelope) {
	state, ok := call.State.(*lookupState)
	if !ok {
		return
	}
	v, err := operator.Decode[lookupResponse](resp)
	if err != nil || !v.Found {
		return
	}
	state.Holders = append(state.Holders, v.NodeID)
}

func (l *Lookup) OnAllResponses(call *operator.Call, resps []envelope.Envelope) (any, error) {
	var (
		key     string
		holders []string
	)
	if state, ok := call.State.(*lookupState); ok {
		key = state.Key
		holders = slices.Clone(state.Holders)
	}

	found := make([]lookupResponse, 0, len(resps))
	for _, resp := range resps {
		v, err := operator.Decode[lookupResponse](resp)
		if err != nil {
			return nil, err
		}
		if v.Found {
			found = append(found, v)
		}
	}

	versions := make([]clock.Version, len(found))
	for i, v := range found {
		versions[i] = v.Version
	}

	if holders == nil {
		holders = []string{}
	}
	slices.Sort(holders)
	result := LookupResult{Key: key, Holders: holders}

	winners := clock.Frontier(versions)
	if len(winners) == 1 && key != "" {
		w := found[winners[0]]
		result.Repaired = l.shard.Apply(key, storage.Entry{Value: w.Value, Version: w.Version, Deleted: w.Deleted})
	}

	var live []Sibling
	for _, i := range winners {
		if !found[i].Deleted {
			live = append(live, Sibling{Value: found[i].Value, Version: found[i].Version})
		}
	}
	if len(live) == 0 {
		return result, nil
	}

	// Arrival order varies, so siblings are ordered by version
	slices.SortFunc(live, func(a, b Sibling) int {
		return strings.Compare(a.Version.String(), b.Version.String())
	})

	result.Found = true
	result.Value = live[0].Value
	result.Version = live[0].Version
	if len(live) > 1 {
		result.Conflicts = live
	}
	return result, nil
}
