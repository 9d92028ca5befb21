// Package node models all services hosted on one remote node: creation
// and removal of per-service-type pools, and the idempotent add/replace
// semantics the reconciler depends on.
package node

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/dbcore/pkg/bucketconfig"
	"github.com/cuemby/dbcore/pkg/endpoint"
	"github.com/cuemby/dbcore/pkg/events"
	"github.com/cuemby/dbcore/pkg/log"
	"github.com/cuemby/dbcore/pkg/svcpool"
	"github.com/cuemby/dbcore/pkg/transport"
)

type serviceKey struct {
	svc    bucketconfig.ServiceType
	bucket string
}

// Node owns every Service pool for one remote node, keyed by
// (service-type, optional bucket).
type Node struct {
	id bucketconfig.NodeIdentifier

	tls     bool
	dialer  transport.Dialer
	bus     *events.Broker
	orch    transport.RetryOrchestrator
	poolCfg svcpool.Config
	econf   endpoint.Config

	mu       sync.RWMutex
	services map[serviceKey]*svcpool.Service

	logger zerolog.Logger
}

// New constructs a Node with no services. Callers add services via
// AddService as the reconciler discovers them in the cluster config.
func New(id bucketconfig.NodeIdentifier, tls bool, dialer transport.Dialer, bus *events.Broker, orch transport.RetryOrchestrator, poolCfg svcpool.Config, econf endpoint.Config) *Node {
	return &Node{
		id:       id,
		tls:      tls,
		dialer:   dialer,
		bus:      bus,
		orch:     orch,
		poolCfg:  poolCfg,
		econf:    econf,
		services: make(map[serviceKey]*svcpool.Service),
		logger:   log.WithNode(id.String()),
	}
}

// Identifier returns this node's stable identity.
func (n *Node) Identifier() bucketconfig.NodeIdentifier {
	return n.id
}

// AddService is idempotent: a no-op if the service is already present at
// the given port; if present at a different port it is replaced
// (disconnect old, create new) per the resolved Open Question in
// spec.md section 9, emitting ServiceReplaced.
func (n *Node) AddService(svcType bucketconfig.ServiceType, port uint16, bucket string) {
	key := serviceKey{svc: svcType, bucket: bucket}

	n.mu.Lock()
	existing, ok := n.services[key]
	if ok {
		if existing.Port() == port {
			n.mu.Unlock()
			return
		}
		delete(n.services, key)
		n.mu.Unlock()
		existing.Disconnect()
		n.logger.Info().Str("service", string(svcType)).Str("bucket", bucket).
			Uint16("old_port", existing.Port()).Uint16("new_port", port).Msg("replacing service at new port")
		n.publish(events.EventServiceReplaced, svcType, bucket)
		n.mu.Lock()
	} else {
		n.logger.Debug().Str("service", string(svcType)).Str("bucket", bucket).Uint16("port", port).Msg("adding service")
	}
	svc := svcpool.New(svcType, bucket, n.id.Host, port, n.tls, n.poolCfg, n.econf, n.dialer, n.bus, n.orch)
	n.services[key] = svc
	n.mu.Unlock()
}

// RemoveService disconnects and removes the service of the given type (and
// bucket, for bucket-scoped types) if present.
func (n *Node) RemoveService(svcType bucketconfig.ServiceType, bucket string) {
	key := serviceKey{svc: svcType, bucket: bucket}

	n.mu.Lock()
	svc, ok := n.services[key]
	if !ok {
		n.mu.Unlock()
		return
	}
	delete(n.services, key)
	n.mu.Unlock()

	n.logger.Debug().Str("service", string(svcType)).Str("bucket", bucket).Msg("removing service")
	svc.Disconnect()
}

// ServiceEnabled reports whether this node currently offers the given
// service type, for any bucket.
func (n *Node) ServiceEnabled(svcType bucketconfig.ServiceType) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for k := range n.services {
		if k.svc == svcType {
			return true
		}
	}
	return false
}

// HasServicesEnabled reports whether this node hosts any service at all;
// used by the reconciler to decide whether to remove the node.
func (n *Node) HasServicesEnabled() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.services) > 0
}

// Service returns the pool for (svcType, bucket), or nil.
func (n *Node) Service(svcType bucketconfig.ServiceType, bucket string) *svcpool.Service {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.services[serviceKey{svc: svcType, bucket: bucket}]
}

// Disconnect shuts down every service pool on this node.
func (n *Node) Disconnect() {
	n.mu.Lock()
	svcs := make([]*svcpool.Service, 0, len(n.services))
	for _, s := range n.services {
		svcs = append(svcs, s)
	}
	n.services = make(map[serviceKey]*svcpool.Service)
	n.mu.Unlock()

	for _, s := range svcs {
		s.Disconnect()
	}
}

func (n *Node) publish(t events.EventType, svcType bucketconfig.ServiceType, bucket string) {
	if n.bus == nil {
		return
	}
	n.bus.Publish(&events.Event{
		Type: t,
		Metadata: map[string]string{
			"node":    n.id.String(),
			"service": string(svcType),
			"bucket":  bucket,
		},
	})
}
