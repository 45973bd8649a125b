package node

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"shardcast/internal/clock"
	"shardcast/internal/engine"
	"shardcast/internal/ops"
)

const maxValueBytes = 1 << 20

// Handler returns the node's HTTP API.
func (n *Node) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", n.handleHealth)
	mux.HandleFunc("PUT /kv/{key}", n.handlePut)
	mux.HandleFunc("DELETE /kv/{key}", n.handleDelete)
	mux.HandleFunc("GET /kv/{key}", n.handleLookup)
	mux.HandleFunc("GET /cluster/keys", n.gather(ops.TypeKeyCount))
	mux.HandleFunc("GET /cluster/nodes", n.gather(ops.TypeNodeInfo))
	mux.HandleFunc("GET /cluster/random", n.gather(ops.TypeRandom))
	if n.metrics != nil {
		mux.Handle("GET /metrics", n.metrics.Handler())
	}

	return mux
}

type healthResponse struct {
	Status  string `json:"status"`
	NodeID  string `json:"node_id"`
	Keys    int    `json:"keys"`
	Pending int    `json:"pending"`
}

type writeResponse struct {
	Key     string        `json:"key"`
	Version clock.Version `json:"version"`
	Deleted bool          `json:"deleted,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (n *Node) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		NodeID:  n.nodeID,
		Keys:    n.shard.Len(),
		Pending: n.engine.Pending(),
	})
}

func (n *Node) handlePut(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	value, err := io.ReadAll(io.LimitReader(r.Body, maxValueBytes+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if len(value) > maxValueBytes {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "value too large"})
		return
	}

	version := n.shard.Put(key, value)
	n.logger.Debug("Put", "key", key, "version", version.String())
	writeJSON(w, http.StatusOK, writeResponse{Key: key, Version: version})
}

func (n *Node) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	version := n.shard.Delete(key)
	n.logger.Debug("Delete", "key", key, "version", version.String())
	writeJSON(w, http.StatusOK, writeResponse{Key: key, Version: version, Deleted: true})
}

func (n *Node) handleLookup(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	result, err := n.engine.Request(r.Context(), ops.TypeLookup, key)
	if err != nil {
		n.writeGatherError(w, ops.TypeLookup, err)
		return
	}

	res, _ := result.(ops.LookupResult)
	status := http.StatusOK
	if !res.Found {
		status = http.StatusNotFound
	}
	writeJSON(w, status, res)
}

// gather serves a request type that takes no arguments.
func (n *Node) gather(tag string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := n.engine.Request(r.Context(), tag, nil)
		if err != nil {
			n.writeGatherError(w, tag, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func (n *Node) writeGatherError(w http.ResponseWriter, tag string, err error) {
	status := http.StatusBadGateway
	switch {
	case engine.IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		// Client went away
		return
	}
	n.logger.Warn("Scatter/gather failed", "type", tag, "error", err)
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
