package bucketconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePartitionedBucket(t *testing.T) {
	raw := []byte(`{
		"rev": 1,
		"uuid": "abc123",
		"name": "default",
		"nodesExt": [
			{"hostname": "10.0.0.1", "services": {"mgmt": 8091, "direct": 11210}}
		],
		"nodes": [
			{"hostname": "10.0.0.1", "ports": {"direct": 11210}}
		],
		"vBucketServerMap": {
			"serverList": ["10.0.0.1:11210"],
			"vBucketMap": [[0], [0]]
		},
		"bucketCapabilities": ["COUCHAPI", "collections"],
		"clusterCapabilities": {"n1ql": ["enhancedPreparedStatements"]}
	}`)

	cfg, err := Parse(raw, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, BucketPartitioned, cfg.Type)
	assert.Equal(t, int64(1), cfg.Revision)
	assert.False(t, cfg.Tainted)
	require.Len(t, cfg.Nodes, 1)
	assert.Equal(t, "10.0.0.1", cfg.Nodes[0].Identifier.Host)
	assert.Equal(t, uint16(8091), cfg.Nodes[0].Identifier.ManagerPort)
	assert.True(t, cfg.HasBucketCapability("collections"))
	assert.True(t, cfg.HasClusterCapability("n1ql"))
	assert.Equal(t, 0, cfg.Partitions.MasterForPartition(0))
	assert.True(t, cfg.HasPrimaryPartitionsOnNode(cfg.Nodes[0].Identifier))
}

func TestParseTaintedOnForwardMap(t *testing.T) {
	raw := []byte(`{
		"rev": 3,
		"nodesExt": [{"hostname": "a", "services": {"direct": 11210}}],
		"vBucketServerMap": {
			"serverList": ["a:11210"],
			"vBucketMap": [[0]],
			"vBucketMapForward": [[0]]
		}
	}`)
	cfg, err := Parse(raw, "a")
	require.NoError(t, err)
	assert.True(t, cfg.Tainted)
}

func TestParseMemcacheHasNoPartitionMap(t *testing.T) {
	raw := []byte(`{"rev": 1, "nodesExt": [{"hostname": "a", "services": {"direct": 11210}}]}`)
	cfg, err := Parse(raw, "a")
	require.NoError(t, err)
	assert.Equal(t, BucketMemcache, cfg.Type)
	assert.Nil(t, cfg.Partitions)
}

func TestParsePartitionHostCountMismatchFails(t *testing.T) {
	raw := []byte(`{
		"rev": 1,
		"nodesExt": [{"hostname": "a", "services": {"direct": 11210}}],
		"vBucketServerMap": {
			"serverList": ["a:11210", "b:11210"],
			"vBucketMap": [[0]]
		}
	}`)
	_, err := Parse(raw, "a")
	assert.Error(t, err)
	var pf *ErrParseFailure
	assert.ErrorAs(t, err, &pf)
}

func TestParseHeterogeneousClusterResolvesPartitionIndicesAgainstKVNodesOnly(t *testing.T) {
	// A query-only node sorts before the KV node in nodesExt/Nodes, so a
	// naive Nodes[idx] lookup for a VBucketMap index of 0 would resolve to
	// the query node instead of the real KV master.
	raw := []byte(`{
		"rev": 1,
		"nodesExt": [
			{"hostname": "query-only", "services": {"mgmt": 8091, "n1ql": 8093}},
			{"hostname": "kv-node", "services": {"mgmt": 8091, "direct": 11210}}
		],
		"vBucketServerMap": {
			"serverList": ["kv-node:11210"],
			"vBucketMap": [[0]]
		}
	}`)

	cfg, err := Parse(raw, "kv-node")
	require.NoError(t, err)
	require.Len(t, cfg.Nodes, 2)
	require.Len(t, cfg.PartitionNodes, 1)

	master := cfg.NodeAtIndex(cfg.Partitions.MasterForPartition(0))
	require.NotNil(t, master)
	assert.Equal(t, "kv-node", master.Identifier.Host)
	assert.True(t, cfg.HasPrimaryPartitionsOnNode(bucketIdentifier("kv-node", 8091)))
}

func TestParsePartitionHostMismatchFails(t *testing.T) {
	raw := []byte(`{
		"rev": 1,
		"nodesExt": [{"hostname": "a", "services": {"direct": 11210}}],
		"vBucketServerMap": {
			"serverList": ["wrong-host:11210"],
			"vBucketMap": [[0]]
		}
	}`)
	_, err := Parse(raw, "a")
	assert.Error(t, err)
	var pf *ErrParseFailure
	assert.ErrorAs(t, err, &pf)
}

func bucketIdentifier(host string, port uint16) NodeIdentifier {
	return NodeIdentifier{Host: host, ManagerPort: port}
}

func TestParseMalformedJSON(t *testing.T) {
	_, err := Parse([]byte("not json"), "a")
	assert.Error(t, err)
}

func TestSplitHostPortIPv6Bracket(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		wantHost string
		wantPort uint16
	}{
		{"ipv4", "10.0.0.1:11210", "10.0.0.1", 11210},
		{"ipv6 bracketed", "[::1]:11210", "::1", 11210},
		{"unparseable port", "host:notaport", "host", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, p := SplitHostPort(tt.in)
			assert.Equal(t, tt.wantHost, h)
			assert.Equal(t, tt.wantPort, p)
		})
	}
}
