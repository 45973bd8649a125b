package ops

import (
	"context"
	"math/rand/v2"

	"shardcast/internal/envelope"
	"shardcast/internal/operator"
)

type randomResponse struct {
	Value float64 `json:"value"`
}

// Random gathers one random number from every node, in arrival order.
type Random struct {
	rand func() float64
}

// NewRandom creates the random operator.
func NewRandom() *Random {
	return &Random{rand: rand.Float64}
}

func (r *Random) BuildRequest(ctx context.Context, args any) (any, any, error) {
	return nil, nil, nil
}

func (r *Random) OnRequest(ctx context.Context, req *operator.Request) {
	// The engine reports publish failures to its error sink
	_ = req.Respond(randomResponse{Value: r.rand()})
}

func (r *Random) OnEachResponse(call *operator.Call, resp envelope.Envelope) {}

func (r *Random) OnAllResponses(call *operator.Call, resps []envelope.Envelope) (any, error) {
	values := make([]float64, 0, len(resps))
	for _, resp := range resps {
		v, err := operator.Decode[randomResponse](resp)
		if err != nil {
			return nil, err
		}
		values = append(values, v.Value)
	}
	return values, nil
}
