// Package core implements the topology reconciler: it subscribes to the
// configuration provider's stream, converges the managed node/service set
// to match each new ClusterConfig, and exposes the request dispatch
// entrypoint Send. See spec.md section 4.7.
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/dbcore/pkg/bucketconfig"
	"github.com/cuemby/dbcore/pkg/endpoint"
	"github.com/cuemby/dbcore/pkg/events"
	"github.com/cuemby/dbcore/pkg/locator"
	"github.com/cuemby/dbcore/pkg/log"
	"github.com/cuemby/dbcore/pkg/metrics"
	"github.com/cuemby/dbcore/pkg/node"
	"github.com/cuemby/dbcore/pkg/provider"
	"github.com/cuemby/dbcore/pkg/svcpool"
	"github.com/cuemby/dbcore/pkg/transport"
)

// coreIDSeq is the process-wide monotonic counter from spec.md section 9.
var coreIDSeq atomic.Uint64

// ErrAlreadyShutdown is the sentinel returned by Shutdown on a repeat
// call. Requests submitted after Shutdown are cancelled with reasonShutdown.
var ErrAlreadyShutdown = errors.New("core: already shut down")

const reasonShutdown = "SHUTDOWN"

// Config wires a Core to its collaborators.
type Config struct {
	Provider       *provider.Provider
	Bus            *events.Broker
	Timer          transport.Timer
	Orchestrator   transport.RetryOrchestrator
	Dialer         transport.Dialer
	TLS            bool
	PoolConfig     svcpool.Config
	EndpointConfig endpoint.Config
	RequestTimeout time.Duration
}

type nodeSet map[bucketconfig.NodeIdentifier]*node.Node

// Core is the topology reconciler and dispatch entrypoint described in
// spec.md section 4.7.
type Core struct {
	id  uint64
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc

	shutdownFlag           atomic.Bool
	reconfigureInProgress  atomic.Bool
	moreConfigsPending     atomic.Bool

	nodes         atomic.Pointer[nodeSet]
	currentConfig atomic.Pointer[bucketconfig.ClusterConfig]

	rrMu       sync.Mutex
	roundRobin map[bucketconfig.ServiceType]*locator.RoundRobinLocator

	configSub chan *bucketconfig.ClusterConfig
}

// New constructs a Core, subscribes it to the provider's config stream,
// and starts the reconcile-on-arrival goroutine.
func New(cfg Config) *Core {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Core{
		id:         coreIDSeq.Add(1),
		cfg:        cfg,
		ctx:        ctx,
		cancel:     cancel,
		roundRobin: make(map[bucketconfig.ServiceType]*locator.RoundRobinLocator),
	}
	empty := nodeSet{}
	c.nodes.Store(&empty)
	c.currentConfig.Store(bucketconfig.NewClusterConfig())

	c.configSub = cfg.Provider.Subscribe()
	go c.consumeConfigStream()
	return c
}

// ID returns this Core's process-lifetime monotonic identifier.
func (c *Core) ID() uint64 { return c.id }

// Context returns the Core's root context, cancelled on Shutdown.
func (c *Core) Context() context.Context { return c.ctx }

// Provider returns the configuration provider this Core reconciles
// against.
func (c *Core) Provider() *provider.Provider { return c.cfg.Provider }

// ClusterConfig returns the currently-applied cluster configuration
// snapshot.
func (c *Core) ClusterConfig() *bucketconfig.ClusterConfig {
	return c.currentConfig.Load()
}

// ManagedNodes returns the identifiers of every node currently in the
// managed set, in no particular order.
func (c *Core) ManagedNodes() []bucketconfig.NodeIdentifier {
	ns := *c.nodes.Load()
	ids := make([]bucketconfig.NodeIdentifier, 0, len(ns))
	for id := range ns {
		ids = append(ids, id)
	}
	return ids
}

// NodeServices returns the service types currently enabled on the given
// managed node, or nil if the node is not managed.
func (c *Core) NodeServices(id bucketconfig.NodeIdentifier) []bucketconfig.ServiceType {
	n, ok := (*c.nodes.Load())[id]
	if !ok {
		return nil
	}
	var out []bucketconfig.ServiceType
	for _, st := range bucketconfig.AllServiceTypes {
		if n.ServiceEnabled(st) {
			out = append(out, st)
		}
	}
	return out
}

func (c *Core) consumeConfigStream() {
	for cfg := range c.configSub {
		c.currentConfig.Store(cfg)
		c.reconfigure()
	}
}

// reconfigure enters the CAS-guarded critical section, or records a
// pending re-run and publishes ReconfigurationIgnored if one is already
// in flight. See spec.md section 4.7 "Serialization".
func (c *Core) reconfigure() {
	if !c.reconfigureInProgress.CompareAndSwap(false, true) {
		c.moreConfigsPending.Store(true)
		metrics.ReconciliationIgnoredTotal.Inc()
		c.publish(events.EventReconfigurationIgnored, "")
		return
	}

	c.reconcileOnce()
	c.reconfigureInProgress.Store(false)

	if c.moreConfigsPending.CompareAndSwap(true, false) {
		c.reconfigure()
	}
}

func (c *Core) reconcileOnce() {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconciliationDuration)

	cfg := c.currentConfig.Load()

	if cfg.IsEmpty() {
		for _, n := range *c.nodes.Load() {
			n.Disconnect()
		}
		empty := nodeSet{}
		c.nodes.Store(&empty)
		metrics.NodesManaged.Set(0)
		metrics.ReconciliationCyclesTotal.Inc()
		c.publish(events.EventReconfigurationCompleted, "")
		return
	}

	working := c.cloneNodes()

	for bucketName, bc := range cfg.Buckets {
		for _, ni := range bc.Nodes {
			c.reconcileNode(working, bucketName, ni)
		}
	}

	for id, n := range working {
		if !referencedIn(cfg, id) || !n.HasServicesEnabled() {
			delete(working, id)
			n.Disconnect()
		}
	}

	c.nodes.Store(&working)
	metrics.NodesManaged.Set(float64(len(working)))
	metrics.ReconciliationCyclesTotal.Inc()
	c.publish(events.EventReconfigurationCompleted, "")
}

func (c *Core) reconcileNode(working nodeSet, bucketName string, ni *bucketconfig.NodeInfo) {
	services := ni.ServicesFor(c.cfg.TLS)

	for _, st := range bucketconfig.AllServiceTypes {
		if _, present := services[st]; !present {
			c.removeServiceFrom(working, ni.Identifier, st, bucketScope(st, bucketName))
		}
	}

	for st, port := range services {
		if err := c.ensureServiceAt(working, ni.Identifier, st, port, bucketScope(st, bucketName)); err != nil {
			c.publish(events.EventServiceReconfigurationFailed, fmt.Sprintf("node=%s service=%s: %v", ni.Identifier, st, err))
			continue
		}
		metrics.ServicesManaged.WithLabelValues(string(st)).Set(float64(countNodesWithService(working, st)))
	}
}

// ensureServiceAt finds or creates the node by identifier and delegates
// to Node.AddService, which handles idempotence and the replace-on-
// port-mismatch resolution from spec.md section 9.
func (c *Core) ensureServiceAt(working nodeSet, id bucketconfig.NodeIdentifier, svcType bucketconfig.ServiceType, port uint16, bucket string) error {
	n, ok := working[id]
	if !ok {
		n = c.createNode(id)
		working[id] = n
	}
	n.AddService(svcType, port, bucket)
	return nil
}

// removeServiceFrom delegates to Node.RemoveService for nodes currently
// offering the service type; a no-op otherwise.
func (c *Core) removeServiceFrom(working nodeSet, id bucketconfig.NodeIdentifier, svcType bucketconfig.ServiceType, bucket string) {
	n, ok := working[id]
	if !ok {
		return
	}
	if n.ServiceEnabled(svcType) {
		n.RemoveService(svcType, bucket)
	}
}

func (c *Core) createNode(id bucketconfig.NodeIdentifier) *node.Node {
	return node.New(id, c.cfg.TLS, c.cfg.Dialer, c.cfg.Bus, c.cfg.Orchestrator, c.cfg.PoolConfig, c.cfg.EndpointConfig)
}

func bucketScope(st bucketconfig.ServiceType, bucketName string) string {
	if st.BucketScoped() {
		return bucketName
	}
	return ""
}

func countNodesWithService(working nodeSet, st bucketconfig.ServiceType) int {
	n := 0
	for _, node := range working {
		if node.ServiceEnabled(st) {
			n++
		}
	}
	return n
}

func referencedIn(cfg *bucketconfig.ClusterConfig, id bucketconfig.NodeIdentifier) bool {
	for _, bc := range cfg.Buckets {
		for _, ni := range bc.Nodes {
			if ni.Identifier == id {
				return true
			}
		}
	}
	return false
}

func (c *Core) cloneNodes() nodeSet {
	old := *c.nodes.Load()
	next := make(nodeSet, len(old))
	for k, v := range old {
		next[k] = v
	}
	return next
}

// Send dispatches a request through the locator appropriate to its
// service type. A request arriving after Shutdown is cancelled with
// reason SHUTDOWN and never reaches a locator.
func (c *Core) Send(ctx context.Context, req transport.Request, body []byte, registerForTimeout bool) {
	if c.shutdownFlag.Load() {
		req.Cancel(reasonShutdown)
		return
	}

	if registerForTimeout && c.cfg.Timer != nil {
		timeout := c.cfg.RequestTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		c.cfg.Timer.Register(ctx, req, timeout)
	}

	correlationID := uuid.New().String()
	log.WithComponent("core").Debug().Str("request_id", correlationID).Str("service", req.ServiceType()).Msg("dispatching request")

	svcType := bucketconfig.ServiceType(req.ServiceType())
	loc := c.locatorFor(svcType)

	cfg := c.currentConfig.Load()
	bucketCfg := cfg.Buckets[req.Bucket()]

	timer := metrics.NewTimer()
	loc.Dispatch(ctx, req, body, bucketCfg, *c.nodes.Load(), c.cfg.Orchestrator)
	timer.ObserveDurationVec(metrics.DispatchLatency, string(svcType))
}

// locatorFor returns the Locator for a service type. Round-robin
// locators are memoized per service type so their atomic cycle counter
// persists across calls.
func (c *Core) locatorFor(svcType bucketconfig.ServiceType) locator.Locator {
	c.rrMu.Lock()
	defer c.rrMu.Unlock()
	return locator.ForService(svcType, c.roundRobin)
}

// Shutdown is CAS-guarded and idempotent: the first call disconnects
// every managed node, shuts down the provider, and publishes
// ShutdownCompleted. Subsequent calls return ErrAlreadyShutdown.
func (c *Core) Shutdown() error {
	if !c.shutdownFlag.CompareAndSwap(false, true) {
		return ErrAlreadyShutdown
	}

	for _, n := range *c.nodes.Load() {
		n.Disconnect()
	}
	empty := nodeSet{}
	c.nodes.Store(&empty)

	if err := c.cfg.Provider.Shutdown(); err != nil && !errors.Is(err, provider.ErrAlreadyShutdown) {
		c.cancel()
		return fmt.Errorf("core: shutting down provider: %w", err)
	}

	c.publish(events.EventShutdownCompleted, "")
	c.cancel()
	return nil
}

func (c *Core) publish(t events.EventType, msg string) {
	if c.cfg.Bus == nil {
		return
	}
	c.cfg.Bus.Publish(&events.Event{Type: t, Message: msg})
}
