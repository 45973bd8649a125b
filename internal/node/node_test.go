package node

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shardcast/internal/bus"
	"shardcast/internal/config"
	"shardcast/internal/metrics"
	"shardcast/internal/ops"
)

func testConfig(nodeID string) *config.Config {
	cfg := config.Default()
	cfg.NodeID = nodeID
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.RequestTimeout = 2 * time.Second
	return cfg
}

// startNode starts a node on b and serves its handler with httptest.
func startNode(t *testing.T, cfg *config.Config, b bus.Bus) (*Node, *httptest.Server) {
	t.Helper()

	n, err := NewNode(cfg, Options{Bus: b, Metrics: metrics.New()})
	require.NoError(t, err)
	require.NoError(t, n.Engine().Start(context.Background()))
	t.Cleanup(func() { _ = n.Stop() })

	srv := httptest.NewServer(n.Handler())
	t.Cleanup(srv.Close)
	return n, srv
}

func do(t *testing.T, method, url, body string) (int, []byte) {
	t.Helper()

	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func TestNode_KeyValueAcrossNodes(t *testing.T) {
	b := bus.NewMemory()
	defer b.Close()

	_, srv1 := startNode(t, testConfig("n1"), b)
	n2, srv2 := startNode(t, testConfig("n2"), b)

	status, _ := do(t, http.MethodPut, srv1.URL+"/kv/color", "blue")
	require.Equal(t, http.StatusOK, status)

	status, body := do(t, http.MethodGet, srv2.URL+"/kv/color", "")
	require.Equal(t, http.StatusOK, status, string(body))

	var res ops.LookupResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.True(t, res.Found)
	assert.Equal(t, "blue", string(res.Value))
	assert.Equal(t, []string{"n1"}, res.Holders)

	// The reading node took a copy
	e, ok := n2.Shard().Get("color")
	require.True(t, ok)
	assert.Equal(t, "blue", string(e.Value))

	status, _ = do(t, http.MethodDelete, srv2.URL+"/kv/color", "")
	require.Equal(t, http.StatusOK, status)

	status, body = do(t, http.MethodGet, srv1.URL+"/kv/color", "")
	assert.Equal(t, http.StatusNotFound, status, string(body))
}

func TestNode_ClusterEndpoints(t *testing.T) {
	b := bus.NewMemory()
	defer b.Close()

	n1, srv1 := startNode(t, testConfig("n1"), b)
	startNode(t, testConfig("n2"), b)
	n1.Shard().Put("a", []byte("1"))
	n1.Shard().Put("b", []byte("2"))

	status, body := do(t, http.MethodGet, srv1.URL+"/cluster/keys", "")
	require.Equal(t, http.StatusOK, status)
	var counts ops.KeyCountResult
	require.NoError(t, json.Unmarshal(body, &counts))
	assert.Equal(t, 2, counts.Total)
	assert.Equal(t, map[string]int{"n1": 2, "n2": 0}, counts.PerNode)

	status, body = do(t, http.MethodGet, srv1.URL+"/cluster/nodes", "")
	require.Equal(t, http.StatusOK, status)
	var infos []ops.NodeInfoEntry
	require.NoError(t, json.Unmarshal(body, &infos))
	require.Len(t, infos, 2)
	assert.Equal(t, "n1", infos[0].NodeID)
	assert.Equal(t, "n2", infos[1].NodeID)

	status, body = do(t, http.MethodGet, srv1.URL+"/cluster/random", "")
	require.Equal(t, http.StatusOK, status)
	var values []float64
	require.NoError(t, json.Unmarshal(body, &values))
	assert.Len(t, values, 2)

	status, body = do(t, http.MethodGet, srv1.URL+"/health", "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"node_id":"n1"`)

	status, body = do(t, http.MethodGet, srv1.URL+"/metrics", "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "shardcast_engine_requests_total")
}

func TestNode_TimeoutIsGatewayTimeout(t *testing.T) {
	b := bus.NewMemory()
	defer b.Close()

	cfg := testConfig("n1")
	cfg.RequestTimeout = 100 * time.Millisecond
	_, srv := startNode(t, cfg, b)

	// A subscriber that never answers
	_, err := b.Subscribe(context.Background(), bus.ChannelsFor(cfg.Prefix, cfg.Namespace).Request, func(string, []byte) {})
	require.NoError(t, err)

	status, body := do(t, http.MethodGet, srv.URL+"/cluster/random", "")
	assert.Equal(t, http.StatusGatewayTimeout, status, string(body))
}

type brokenBus struct {
	*bus.Memory
}

func (brokenBus) NumSub(context.Context, string) (int, error) {
	return 0, errors.New("broker unreachable")
}

func TestNode_TransportFailureIsBadGateway(t *testing.T) {
	b := brokenBus{bus.NewMemory()}
	defer b.Close()

	_, srv := startNode(t, testConfig("n1"), b)

	status, body := do(t, http.MethodGet, srv.URL+"/cluster/keys", "")
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Contains(t, string(body), "broker unreachable")
}

func TestNode_ApplyConfig(t *testing.T) {
	b := bus.NewMemory()
	defer b.Close()

	n, _ := startNode(t, testConfig("n1"), b)

	cfg := testConfig("n1")
	cfg.RequestTimeout = 300 * time.Millisecond
	n.ApplyConfig(cfg)
	assert.Equal(t, 300*time.Millisecond, n.Engine().RequestTimeout())
}

func TestNode_ListenServeStop(t *testing.T) {
	b := bus.NewMemory()
	defer b.Close()

	n, err := NewNode(testConfig("n1"), Options{Bus: b})
	require.NoError(t, err)
	require.NoError(t, n.Listen(context.Background()))

	done := make(chan error, 1)
	go func() { done <- n.Serve() }()

	status, _ := do(t, http.MethodGet, "http://"+n.Addr()+"/health", "")
	assert.Equal(t, http.StatusOK, status)

	require.NoError(t, n.Stop())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Stop")
	}
}

func TestNode_ListenFailureReleasesSubscriptions(t *testing.T) {
	b := bus.NewMemory()
	defer b.Close()

	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	cfg := testConfig("n1")
	cfg.HTTPAddr = taken.Addr().String()
	n, err := NewNode(cfg, Options{Bus: b})
	require.NoError(t, err)

	require.Error(t, n.Listen(context.Background()))
	assert.Equal(t, 0, b.Subscribers())
	assert.NoError(t, n.Stop())
}

func TestNewNode_InvalidConfig(t *testing.T) {
	cfg := testConfig("")
	_, err := NewNode(cfg, Options{Bus: bus.NewMemory()})
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}
