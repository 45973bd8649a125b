package it

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shardcast/internal/ops"
)

func startCluster(t *testing.T, timeout time.Duration) *Cluster {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cluster := NewCluster(timeout)
	t.Cleanup(cluster.Stop)
	require.NoError(t, cluster.StartCluster(ctx), "Failed to start cluster")
	return cluster
}

func call(t *testing.T, method, url, body string) (int, []byte) {
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

func TestSmoke_RandomGathersEveryNode(t *testing.T) {
	cluster := startCluster(t, 2*time.Second)

	// Ask from a node on each broker
	for _, id := range []string{"n1", "n3"} {
		node := cluster.GetNode(id)
		require.NotNil(t, node)

		status, body := call(t, http.MethodGet, node.URL+"/cluster/random", "")
		require.Equal(t, http.StatusOK, status, string(body))

		var values []float64
		require.NoError(t, json.Unmarshal(body, &values))
		assert.Len(t, values, 3, "one value per node, asked from %s", id)
	}
}

func TestSmoke_PutGetDelete_SingleKey(t *testing.T) {
	cluster := startCluster(t, 2*time.Second)

	node1 := cluster.GetNode("n1")
	node3 := cluster.GetNode("n3")
	require.NotNil(t, node1)
	require.NotNil(t, node3)

	// Put on n3, which sits behind the second broker
	status, body := call(t, http.MethodPut, node3.URL+"/kv/test-key", "test-value")
	require.Equal(t, http.StatusOK, status, string(body))

	// Get from n1
	status, body = call(t, http.MethodGet, node1.URL+"/kv/test-key", "")
	require.Equal(t, http.StatusOK, status, string(body))

	var res ops.LookupResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.True(t, res.Found)
	assert.Equal(t, "test-value", string(res.Value))
	assert.Equal(t, []string{"n3"}, res.Holders)
	assert.True(t, res.Repaired)

	// n1 now holds a copy
	entry, ok := node1.Shard().Get("test-key")
	require.True(t, ok)
	assert.Equal(t, "test-value", string(entry.Value))

	// Delete on n1 supersedes the copy on n3
	status, body = call(t, http.MethodDelete, node1.URL+"/kv/test-key", "")
	require.Equal(t, http.StatusOK, status, string(body))

	status, body = call(t, http.MethodGet, cluster.GetNode("n2").URL+"/kv/test-key", "")
	assert.Equal(t, http.StatusNotFound, status, string(body))
}

func TestSmoke_KeyCount(t *testing.T) {
	cluster := startCluster(t, 2*time.Second)

	cluster.GetNode("n1").Shard().Put("a", []byte("1"))
	cluster.GetNode("n2").Shard().Put("b", []byte("2"))
	cluster.GetNode("n3").Shard().Put("c", []byte("3"))
	cluster.GetNode("n3").Shard().Put("d", []byte("4"))

	status, body := call(t, http.MethodGet, cluster.GetNode("n2").URL+"/cluster/keys", "")
	require.Equal(t, http.StatusOK, status, string(body))

	var counts ops.KeyCountResult
	require.NoError(t, json.Unmarshal(body, &counts))
	assert.Equal(t, 4, counts.Total)
	assert.Equal(t, map[string]int{"n1": 1, "n2": 1, "n3": 2}, counts.PerNode)
}

func TestSmoke_KillNode(t *testing.T) {
	cluster := startCluster(t, 2*time.Second)

	require.NoError(t, cluster.KillNode("n3"))
	assert.Nil(t, cluster.GetNode("n3"))

	// The broker drops n3's subscription once its stream ends
	node1 := cluster.GetNode("n1")
	require.Eventually(t, func() bool {
		status, body := call(t, http.MethodGet, node1.URL+"/cluster/random", "")
		if status != http.StatusOK {
			return false
		}
		var values []float64
		return json.Unmarshal(body, &values) == nil && len(values) == 2
	}, 10*time.Second, 50*time.Millisecond)
}
