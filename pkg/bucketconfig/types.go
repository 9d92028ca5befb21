// Package bucketconfig holds the typed representation of cluster and bucket
// topology: nodes, the services each one runs, partition ownership, and the
// capability sets a client uses to gate feature use.
package bucketconfig

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ServiceType identifies a protocol endpoint type exposed by a node.
type ServiceType string

const (
	ServiceKeyValue  ServiceType = "kv"
	ServiceManager   ServiceType = "mgr"
	ServiceQuery     ServiceType = "query"
	ServiceSearch    ServiceType = "search"
	ServiceAnalytics ServiceType = "analytics"
	ServiceViews     ServiceType = "views"
)

// BucketScoped reports whether a service type is scoped to one bucket
// rather than shared across the whole cluster.
func (s ServiceType) BucketScoped() bool {
	return s == ServiceKeyValue
}

// AllServiceTypes enumerates every service type the reconciler knows about.
// Used when deciding which services are no longer present in an incoming
// config and must be removed from a node.
var AllServiceTypes = []ServiceType{
	ServiceKeyValue, ServiceManager, ServiceQuery, ServiceSearch, ServiceAnalytics, ServiceViews,
}

// BucketType distinguishes the handful of bucket flavors a cluster can run.
type BucketType string

const (
	BucketPartitioned BucketType = "partitioned"
	BucketEphemeral   BucketType = "ephemeral"
	BucketMemcache    BucketType = "memcache"
)

// Ports carries a service's plaintext and TLS port on one node. A zero value
// means the service is not offered over that transport.
type Ports struct {
	Plain uint16
	TLS   uint16
}

// NodeIdentifier is the stable identity of a remote node: host plus its
// manager port. Ports for other services may change without the node's
// identity changing.
type NodeIdentifier struct {
	Host        string
	ManagerPort uint16
}

func (n NodeIdentifier) String() string {
	return fmt.Sprintf("%s:%d", n.Host, n.ManagerPort)
}

// NodeInfo describes one node participating in a bucket's topology: its
// identity and the ports every service it hosts listens on, plaintext and
// TLS.
type NodeInfo struct {
	Identifier NodeIdentifier
	Services   map[ServiceType]uint16
	SSLServices map[ServiceType]uint16
}

// ServicesFor returns the service->port map to use given a TLS preference,
// mirroring the reconciler's choice between ni.services() and
// ni.sslServices().
func (n *NodeInfo) ServicesFor(tls bool) map[ServiceType]uint16 {
	if tls {
		return n.SSLServices
	}
	return n.Services
}

// PartitionMap is the vBucket map for a partitioned bucket: for each of P
// partitions, the index (into BucketConfig.PartitionNodes) of the master
// and any replicas. A ForwardMap, when present, describes the in-progress
// rebalance target and signals a tainted config.
type PartitionMap struct {
	NumPartitions int
	// VBucketMap[p] is {master, replica0, replica1, ...}; -1 means absent.
	VBucketMap [][]int
	ForwardMap [][]int
}

// PartitionNotExistent is the sentinel master/replica index meaning "this
// partition currently has no owner" (e.g. mid-rebalance).
const PartitionNotExistent = -1

// MasterForPartition returns the node index mastering partition p, or
// PartitionNotExistent.
func (m *PartitionMap) MasterForPartition(p int) int {
	if m == nil || p < 0 || p >= len(m.VBucketMap) || len(m.VBucketMap[p]) == 0 {
		return PartitionNotExistent
	}
	return m.VBucketMap[p][0]
}

// ReplicaForPartition returns the node index for the given replica number
// (1-based: replica 1 is VBucketMap[p][1]), or PartitionNotExistent.
func (m *PartitionMap) ReplicaForPartition(p, replica int) int {
	if m == nil || p < 0 || p >= len(m.VBucketMap) || replica >= len(m.VBucketMap[p]) {
		return PartitionNotExistent
	}
	return m.VBucketMap[p][replica]
}

// ForwardMasterForPartition looks up the fast-forward master, used during
// rebalance when a request opts in to the forward map.
func (m *PartitionMap) ForwardMasterForPartition(p int) int {
	if m == nil || m.ForwardMap == nil || p < 0 || p >= len(m.ForwardMap) || len(m.ForwardMap[p]) == 0 {
		return PartitionNotExistent
	}
	return m.ForwardMap[p][0]
}

// BucketConfig is the typed topology of one bucket: identity, nodes,
// partition ownership (if partitioned), capabilities, and the revision used
// to gate acceptance of newer configs.
type BucketConfig struct {
	Revision   int64
	UUID       string
	Name       string
	Tainted    bool
	Type       BucketType
	Nodes      []*NodeInfo
	Partitions *PartitionMap // nil for memcache buckets

	BucketCapabilities  map[string]struct{}
	ClusterCapabilities map[string]struct{}

	// PartitionNodes is the key-value-hosting subset of Nodes, in the same
	// order as the wire vBucketServerMap's serverList. VBucketMap entries
	// are positions into this slice, not into Nodes: a bucket with any
	// non-KV node (a normal heterogeneous cluster) has len(PartitionNodes)
	// < len(Nodes), so the two must never be indexed interchangeably.
	PartitionNodes []*NodeInfo

	// primaryPartitionHosts is the set of node identifiers that master at
	// least one partition, precomputed at parse time.
	primaryPartitionHosts map[NodeIdentifier]struct{}
}

// NodeAtIndex resolves a partition-map node index (an index into
// PartitionNodes, the KV-filtered subset) to the NodeInfo, or nil if the
// index is out of range or PartitionNotExistent.
func (b *BucketConfig) NodeAtIndex(idx int) *NodeInfo {
	if idx < 0 || idx >= len(b.PartitionNodes) {
		return nil
	}
	return b.PartitionNodes[idx]
}

// HasPrimaryPartitionsOnNode reports whether the given node masters at
// least one partition of this bucket.
func (b *BucketConfig) HasPrimaryPartitionsOnNode(id NodeIdentifier) bool {
	_, ok := b.primaryPartitionHosts[id]
	return ok
}

// HasBucketCapability reports whether this bucket advertises the named
// capability (e.g. "collections", "durableWrite").
func (b *BucketConfig) HasBucketCapability(name string) bool {
	_, ok := b.BucketCapabilities[name]
	return ok
}

// HasClusterCapability reports whether the cluster-wide capability set
// includes the named capability.
func (b *BucketConfig) HasClusterCapability(name string) bool {
	_, ok := b.ClusterCapabilities[name]
	return ok
}

// ClusterConfig maps bucket name to its current BucketConfig. It is the
// unit published on the provider's config stream and consumed by the
// reconciler.
type ClusterConfig struct {
	Buckets map[string]*BucketConfig
}

// NewClusterConfig returns an empty cluster configuration.
func NewClusterConfig() *ClusterConfig {
	return &ClusterConfig{Buckets: make(map[string]*BucketConfig)}
}

// Clone returns a shallow copy of the cluster config with its own Buckets
// map, so a caller may add/replace one bucket without mutating the
// original (used by the provider to publish copy-on-write snapshots).
func (c *ClusterConfig) Clone() *ClusterConfig {
	out := NewClusterConfig()
	for name, bc := range c.Buckets {
		out.Buckets[name] = bc
	}
	return out
}

// HasBucket reports whether the named bucket is present in this snapshot.
func (c *ClusterConfig) HasBucket(name string) bool {
	_, ok := c.Buckets[name]
	return ok
}

// IsEmpty reports whether the cluster config carries no buckets at all,
// the condition under which the reconciler tears down every managed node.
func (c *ClusterConfig) IsEmpty() bool {
	return len(c.Buckets) == 0
}

// SplitHostPort parses a "host:port" string with IPv6 bracket handling
// (e.g. "[::1]:11210"). An unparseable port yields 0 rather than an error,
// matching the wire-format tolerance required of the partition-host list.
func SplitHostPort(hostport string) (host string, port uint16) {
	h, p, err := net.SplitHostPort(hostport)
	if err != nil {
		// No colon, or a bare IPv6 literal without a port: treat the whole
		// string as the host.
		return strings.Trim(hostport, "[]"), 0
	}
	n, err := strconv.ParseUint(p, 10, 16)
	if err != nil {
		return h, 0
	}
	return h, uint16(n)
}
