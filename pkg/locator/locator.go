// Package locator implements the dispatch strategies that pick a node for
// a request given current topology: key-value (partition hash), manager
// (any bucket node), and round-robin (query/search/analytics/views).
// Represented as a tagged variant behind one Dispatch operation rather
// than a class hierarchy, per spec.md section 9.
package locator

import (
	"context"
	"hash/crc32"
	"sort"
	"sync/atomic"

	"github.com/cuemby/dbcore/pkg/bucketconfig"
	"github.com/cuemby/dbcore/pkg/node"
	"github.com/cuemby/dbcore/pkg/transport"
)

// NodeSet is the currently-managed set of nodes, keyed by identity. A node
// present in a bucket config's partition map but absent here (e.g. not
// yet reconciled, or dropped by failover) is not a valid dispatch target.
type NodeSet map[bucketconfig.NodeIdentifier]*node.Node

// Locator picks a node/service/endpoint for one request and dispatches to
// it, or hands the request to the retry orchestrator when no node
// currently satisfies it.
type Locator interface {
	Dispatch(ctx context.Context, req transport.Request, body []byte, cfg *bucketconfig.BucketConfig, nodes NodeSet, orch transport.RetryOrchestrator)
}

// KeyValueLocator dispatches by partition hash against a partitioned
// bucket's vBucket map, per spec.md section 4.4.
type KeyValueLocator struct{}

// Dispatch computes the partition as crc32(key) & (P-1), resolves the
// master (or the requested replica, or the fast-forward master when the
// request opts in and the config carries one), and sends to that node's
// key-value service scoped to the request's bucket.
func (KeyValueLocator) Dispatch(ctx context.Context, req transport.Request, body []byte, cfg *bucketconfig.BucketConfig, nodes NodeSet, orch transport.RetryOrchestrator) {
	if cfg == nil || cfg.Partitions == nil || cfg.Partitions.NumPartitions == 0 {
		orch.MaybeRetry(ctx, req)
		return
	}

	partition := int(crc32.ChecksumIEEE(req.Key())) & (cfg.Partitions.NumPartitions - 1)

	var idx int
	if req.UseFastForward() && cfg.Partitions.ForwardMap != nil {
		idx = cfg.Partitions.ForwardMasterForPartition(partition)
	} else if req.Replica() >= 0 {
		idx = cfg.Partitions.ReplicaForPartition(partition, req.Replica())
	} else {
		idx = cfg.Partitions.MasterForPartition(partition)
	}

	if idx == bucketconfig.PartitionNotExistent {
		orch.MaybeRetry(ctx, req)
		return
	}

	ni := cfg.NodeAtIndex(idx)
	if ni == nil {
		orch.MaybeRetry(ctx, req)
		return
	}

	n, ok := nodes[ni.Identifier]
	if !ok {
		orch.MaybeRetry(ctx, req)
		return
	}

	svc := n.Service(bucketconfig.ServiceKeyValue, req.Bucket())
	if svc == nil {
		orch.MaybeRetry(ctx, req)
		return
	}
	svc.Send(ctx, req, body)
}

// ManagerLocator dispatches to any node offering the manager service,
// preferring a stable (identifier-sorted) choice for cache locality of
// admin requests.
type ManagerLocator struct{}

// Dispatch picks the first manager-capable node in identifier order.
func (ManagerLocator) Dispatch(ctx context.Context, req transport.Request, body []byte, cfg *bucketconfig.BucketConfig, nodes NodeSet, orch transport.RetryOrchestrator) {
	target := pickStableManagerNode(nodes)
	if target == nil {
		orch.MaybeRetry(ctx, req)
		return
	}
	svc := target.Service(bucketconfig.ServiceManager, "")
	if svc == nil {
		orch.MaybeRetry(ctx, req)
		return
	}
	svc.Send(ctx, req, body)
}

func pickStableManagerNode(nodes NodeSet) *node.Node {
	var candidates []*node.Node
	for _, n := range nodes {
		if n.ServiceEnabled(bucketconfig.ServiceManager) {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Identifier().String() < candidates[j].Identifier().String()
	})
	return candidates[0]
}

// RoundRobinLocator dispatches across all nodes offering a fixed service
// type (QUERY, ANALYTICS, SEARCH, VIEWS), cycling with an atomic
// fetch-add counter so the hot path stays lock-free.
type RoundRobinLocator struct {
	ServiceType bucketconfig.ServiceType
	counter     atomic.Uint64
}

// NewRoundRobinLocator constructs a RoundRobinLocator for the given
// service type.
func NewRoundRobinLocator(svcType bucketconfig.ServiceType) *RoundRobinLocator {
	return &RoundRobinLocator{ServiceType: svcType}
}

// Dispatch picks nodes_with_service[counter++ mod len].
func (r *RoundRobinLocator) Dispatch(ctx context.Context, req transport.Request, body []byte, cfg *bucketconfig.BucketConfig, nodes NodeSet, orch transport.RetryOrchestrator) {
	var candidates []*node.Node
	for _, n := range nodes {
		if n.ServiceEnabled(r.ServiceType) {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		orch.MaybeRetry(ctx, req)
		return
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Identifier().String() < candidates[j].Identifier().String()
	})

	idx := r.counter.Add(1) - 1
	target := candidates[idx%uint64(len(candidates))]

	bucket := ""
	if r.ServiceType.BucketScoped() {
		bucket = req.Bucket()
	}
	svc := target.Service(r.ServiceType, bucket)
	if svc == nil {
		orch.MaybeRetry(ctx, req)
		return
	}
	svc.Send(ctx, req, body)
}

// ForService returns the appropriate Locator for a request's declared
// service type. QUERY/ANALYTICS/SEARCH/VIEWS share the round-robin
// strategy via independent counters; roundRobin memoizes one
// RoundRobinLocator per service type so its cycle position persists
// across calls. The caller (normally pkg/core) owns the map and its
// locking.
func ForService(svcType bucketconfig.ServiceType, roundRobin map[bucketconfig.ServiceType]*RoundRobinLocator) Locator {
	switch svcType {
	case bucketconfig.ServiceKeyValue:
		return KeyValueLocator{}
	case bucketconfig.ServiceManager:
		return ManagerLocator{}
	default:
		l, ok := roundRobin[svcType]
		if !ok {
			l = NewRoundRobinLocator(svcType)
			roundRobin[svcType] = l
		}
		return l
	}
}
