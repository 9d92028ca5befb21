package bucketconfig

import (
	"encoding/json"
	"fmt"
)

// ErrParseFailure wraps any failure to turn a raw bucket-config document
// into a BucketConfig: malformed JSON, or a partition-host list that
// doesn't cross-reference against the node list.
type ErrParseFailure struct {
	Origin string
	Reason string
}

func (e *ErrParseFailure) Error() string {
	return fmt.Sprintf("bucketconfig: parse failure from %s: %s", e.Origin, e.Reason)
}

// wireNodeExt and wireNode mirror the subset of the Couchbase-style
// nodesExt/nodes documents this parser understands. Unknown fields are
// ignored by construction (encoding/json drops them).
type wireNode struct {
	Hostname string            `json:"hostname"`
	Ports    map[string]int    `json:"ports"`
}

type wireNodeExt struct {
	Hostname string                    `json:"hostname"`
	Services map[string]int            `json:"services"`
}

type wireVBucketServerMap struct {
	ServerList      []string `json:"serverList"`
	VBucketMap      [][]int  `json:"vBucketMap"`
	VBucketMapForward [][]int `json:"vBucketMapForward,omitempty"`
}

type wireBucketConfig struct {
	Rev                 int64                 `json:"rev"`
	UUID                string                `json:"uuid"`
	Name                string                `json:"name"`
	URI                 string                `json:"uri"`
	StreamingURI        string                `json:"streamingUri"`
	VBucketServerMap    *wireVBucketServerMap `json:"vBucketServerMap,omitempty"`
	Nodes               []wireNode            `json:"nodes"`
	NodesExt            []wireNodeExt         `json:"nodesExt"`
	BucketCapabilities  []string              `json:"bucketCapabilities"`
	ClusterCapabilities map[string][]string   `json:"clusterCapabilities"`
}

// plainPortKeys and tlsPortKeys map the well-known wire port field names to ServiceType,
// for both plaintext and TLS variants.
var plainPortKeys = map[string]ServiceType{
	"direct":    ServiceKeyValue,
	"mgmt":      ServiceManager,
	"n1ql":      ServiceQuery,
	"fts":       ServiceSearch,
	"cbas":      ServiceAnalytics,
	"capi":      ServiceViews,
}

var tlsPortKeys = map[string]ServiceType{
	"kvSSL":    ServiceKeyValue,
	"mgmtSSL":  ServiceManager,
	"n1qlSSL":  ServiceQuery,
	"ftsSSL":   ServiceSearch,
	"cbasSSL":  ServiceAnalytics,
	"capiSSL":  ServiceViews,
}

// Default bootstrap ports, switched on TLS, per spec.md section 6.
const (
	DefaultKVPlainPort  = 11210
	DefaultKVTLSPort    = 11207
	DefaultMgrPlainPort = 8091
	DefaultMgrTLSPort   = 18091
)

// Parse turns a raw bucket-config JSON document plus the origin host it was
// fetched from into a typed BucketConfig. Unknown fields are ignored.
// Bucket type is inferred from the presence/absence of capability markers:
// no VBucketServerMap means memcache; COUCHAPI absence among bucket
// capabilities means ephemeral.
func Parse(raw []byte, origin string) (*BucketConfig, error) {
	var wire wireBucketConfig
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, &ErrParseFailure{Origin: origin, Reason: err.Error()}
	}

	nodes, err := buildNodes(wire.NodesExt, wire.Nodes, origin)
	if err != nil {
		return nil, &ErrParseFailure{Origin: origin, Reason: err.Error()}
	}

	bc := &BucketConfig{
		Revision:            wire.Rev,
		UUID:                wire.UUID,
		Name:                wire.Name,
		Nodes:               nodes,
		BucketCapabilities:  toSet(wire.BucketCapabilities),
		ClusterCapabilities: toFlatSet(wire.ClusterCapabilities),
	}

	hasCouchAPI := bc.HasBucketCapability("couchapi") || hasAny(wire.BucketCapabilities, "COUCHAPI")
	switch {
	case wire.VBucketServerMap == nil:
		bc.Type = BucketMemcache
	case !hasCouchAPI:
		bc.Type = BucketEphemeral
	default:
		bc.Type = BucketPartitioned
	}

	if wire.VBucketServerMap != nil {
		pm, kvNodes, err := buildPartitionMap(wire.VBucketServerMap, nodes, origin)
		if err != nil {
			return nil, err
		}
		bc.Partitions = pm
		bc.PartitionNodes = kvNodes
		bc.Tainted = wire.VBucketServerMap.VBucketMapForward != nil
		bc.primaryPartitionHosts = primaryHostsOf(pm, kvNodes)
	}

	return bc, nil
}

func hasAny(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

func toSet(list []string) map[string]struct{} {
	out := make(map[string]struct{}, len(list))
	for _, v := range list {
		out[v] = struct{}{}
	}
	return out
}

func toFlatSet(m map[string][]string) map[string]struct{} {
	out := make(map[string]struct{})
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}

// buildNodes merges nodesExt (service->port maps, host optional — falls
// back to the origin host when omitted, as Couchbase does for the
// bootstrap node) with the legacy nodes[] block, whose "host:port"
// hostname supplies the manager port when nodesExt carries no mgmt port.
func buildNodes(ext []wireNodeExt, legacy []wireNode, origin string) ([]*NodeInfo, error) {
	nodes := make([]*NodeInfo, 0, len(ext))
	for i, ne := range ext {
		host := ne.Hostname
		if host == "" {
			host = origin
		}
		ni := &NodeInfo{
			Identifier:  NodeIdentifier{Host: host},
			Services:    make(map[ServiceType]uint16),
			SSLServices: make(map[ServiceType]uint16),
		}
		for key, port := range ne.Services {
			if st, ok := plainPortKeys[key]; ok {
				ni.Services[st] = uint16(port)
			}
			if st, ok := tlsPortKeys[key]; ok {
				ni.SSLServices[st] = uint16(port)
			}
		}
		if p, ok := ni.Services[ServiceManager]; ok {
			ni.Identifier.ManagerPort = p
		} else if i < len(legacy) {
			if _, p := SplitHostPort(legacy[i].Hostname); p != 0 {
				ni.Identifier.ManagerPort = p
			}
		}
		nodes = append(nodes, ni)
	}
	return nodes, nil
}

// buildPartitionMap cross-references the vBucketServerMap's serverList
// (host:port strings) against the KV-hosting subset of nodes, in order: a
// count mismatch or a host that doesn't match its corresponding KV node at
// the same position is a parse failure per spec.md 4.5. The returned
// []*NodeInfo is index-aligned with serverList and therefore with
// VBucketMap's master/replica indices; it is NOT the same slice as the
// full node list passed in, since that list may include non-KV nodes.
func buildPartitionMap(vsm *wireVBucketServerMap, nodes []*NodeInfo, origin string) (*PartitionMap, []*NodeInfo, error) {
	kvNodes := make([]*NodeInfo, 0, len(nodes))
	for _, n := range nodes {
		_, plain := n.Services[ServiceKeyValue]
		_, tls := n.SSLServices[ServiceKeyValue]
		if plain || tls {
			kvNodes = append(kvNodes, n)
		}
	}
	if len(vsm.ServerList) != len(kvNodes) {
		return nil, nil, &ErrParseFailure{
			Origin: origin,
			Reason: fmt.Sprintf("partition host count %d does not match resolved KV node count %d", len(vsm.ServerList), len(kvNodes)),
		}
	}

	for i, hp := range vsm.ServerList {
		host, _ := SplitHostPort(hp)
		if host != kvNodes[i].Identifier.Host {
			return nil, nil, &ErrParseFailure{
				Origin: origin,
				Reason: fmt.Sprintf("serverList[%d] host %q does not match resolved KV node %q at the same position", i, host, kvNodes[i].Identifier.Host),
			}
		}
	}

	return &PartitionMap{
		NumPartitions: len(vsm.VBucketMap),
		VBucketMap:    vsm.VBucketMap,
		ForwardMap:    vsm.VBucketMapForward,
	}, kvNodes, nil
}

func primaryHostsOf(pm *PartitionMap, kvNodes []*NodeInfo) map[NodeIdentifier]struct{} {
	out := make(map[NodeIdentifier]struct{})
	for _, row := range pm.VBucketMap {
		if len(row) == 0 {
			continue
		}
		master := row[0]
		if master >= 0 && master < len(kvNodes) {
			out[kvNodes[master].Identifier] = struct{}{}
		}
	}
	return out
}
