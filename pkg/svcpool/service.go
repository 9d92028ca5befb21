// Package svcpool implements the bounded endpoint pool for one
// service-type on one node: sized between min/max endpoints, optionally
// idle-shrinking, and either pipelined (one endpoint serving many
// concurrent requests) or not (one in-flight request per endpoint).
package svcpool

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/dbcore/pkg/bucketconfig"
	"github.com/cuemby/dbcore/pkg/endpoint"
	"github.com/cuemby/dbcore/pkg/events"
	"github.com/cuemby/dbcore/pkg/transport"
)

// Config tunes the pool, per spec.md 4.3.
type Config struct {
	MinEndpoints int
	MaxEndpoints int
	IdleTime     time.Duration
	Pipelined    bool
}

// DefaultConfig is a reasonable single-endpoint, non-pipelined pool used
// for management and query-family services.
func DefaultConfig() Config {
	return Config{MinEndpoints: 1, MaxEndpoints: 1, IdleTime: 5 * time.Minute}
}

// Service is a pool of endpoints serving one (service-type, optional
// bucket) on one node.
type Service struct {
	Type   bucketconfig.ServiceType
	Bucket string // empty for cluster-scoped services

	host string
	port uint16
	tls  bool
	cfg  Config

	dialer transport.Dialer
	bus    *events.Broker
	orch   transport.RetryOrchestrator
	ecfg   endpoint.Config

	mu        sync.Mutex
	endpoints []*endpoint.Endpoint

	stopIdle chan struct{}
}

// New constructs a Service pool and, up to MinEndpoints, eagerly connects
// warm endpoints.
func New(svcType bucketconfig.ServiceType, bucket, host string, port uint16, tls bool, cfg Config, ecfg endpoint.Config, dialer transport.Dialer, bus *events.Broker, orch transport.RetryOrchestrator) *Service {
	s := &Service{
		Type:     svcType,
		Bucket:   bucket,
		host:     host,
		port:     port,
		tls:      tls,
		cfg:      cfg,
		dialer:   dialer,
		bus:      bus,
		orch:     orch,
		ecfg:     ecfg,
		stopIdle: make(chan struct{}),
	}
	for i := 0; i < cfg.MinEndpoints; i++ {
		s.endpoints = append(s.endpoints, s.newEndpoint())
	}
	for _, e := range s.endpoints {
		e.Connect()
	}
	if cfg.IdleTime > 0 && cfg.MinEndpoints < cfg.MaxEndpoints {
		go s.idleShrinkLoop()
	}
	return s
}

// Port reports the port this pool connects to, used by addService's
// idempotence/port-mismatch check.
func (s *Service) Port() uint16 {
	return s.port
}

func (s *Service) newEndpoint() *endpoint.Endpoint {
	ecfg := s.ecfg
	ecfg.Host = s.host
	ecfg.Port = s.port
	ecfg.Service = s.Type
	ecfg.TLS = s.tls
	ecfg.Pipelined = s.cfg.Pipelined
	return endpoint.New(ecfg, s.dialer, s.bus, s.orch)
}

// Send picks a free endpoint, growing the pool up to MaxEndpoints if none
// is free, and dispatches the request body. If the pool is saturated, the
// request is handed to the retry orchestrator.
func (s *Service) Send(ctx context.Context, req transport.Request, body []byte) {
	s.mu.Lock()
	var target *endpoint.Endpoint
	for _, e := range s.endpoints {
		if e.Free() {
			target = e
			break
		}
	}
	if target == nil && len(s.endpoints) < s.cfg.MaxEndpoints {
		target = s.newEndpoint()
		s.endpoints = append(s.endpoints, target)
		target.Connect()
	}
	s.mu.Unlock()

	if target == nil {
		s.orch.MaybeRetry(ctx, req)
		return
	}
	target.Send(ctx, req, body)
}

// Disconnect tears down every endpoint in the pool and stops the idle
// shrink loop.
func (s *Service) Disconnect() {
	select {
	case <-s.stopIdle:
	default:
		close(s.stopIdle)
	}

	s.mu.Lock()
	eps := s.endpoints
	s.endpoints = nil
	s.mu.Unlock()

	for _, e := range eps {
		e.Shutdown()
	}
}

func (s *Service) idleShrinkLoop() {
	ticker := time.NewTicker(s.cfg.IdleTime / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.shrinkIdle()
		case <-s.stopIdle:
			return
		}
	}
}

func (s *Service) shrinkIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.endpoints) <= s.cfg.MinEndpoints {
		return
	}
	kept := s.endpoints[:0]
	for _, e := range s.endpoints {
		idleFor := time.Since(e.LastResponseReceived())
		if len(kept) >= s.cfg.MinEndpoints && e.Free() && idleFor > s.cfg.IdleTime {
			e.Shutdown()
			continue
		}
		kept = append(kept, e)
	}
	s.endpoints = kept
}
