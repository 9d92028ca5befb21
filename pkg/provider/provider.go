// Package provider implements the configuration provider: bootstrap from
// seed nodes, revision-gated acceptance of proposed bucket configs,
// refresher fan-in, the subscriber config stream, and the collection
// manifest cache. See spec.md section 4.6.
package provider

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/dbcore/pkg/bucketconfig"
	"github.com/cuemby/dbcore/pkg/events"
	"github.com/cuemby/dbcore/pkg/log"
	"github.com/cuemby/dbcore/pkg/metrics"
	"github.com/cuemby/dbcore/pkg/storage"
	"github.com/cuemby/dbcore/pkg/transport"
)

// MaxParallelLoaders bounds concurrent seed-node probing during
// bootstrap, per spec.md section 4.6.
const MaxParallelLoaders = 5

// Config tunes bootstrap behavior.
type Config struct {
	Seeds          []string
	TLS            bool
	KVPort         uint16
	ManagerPort    uint16
	ConnectTimeout time.Duration
	ManifestCache  int
}

// DefaultConfig returns the standard bootstrap ports switched on TLS, per
// spec.md section 6.
func DefaultConfig(tls bool) Config {
	cfg := Config{TLS: tls, ConnectTimeout: 10 * time.Second}
	if tls {
		cfg.KVPort = bucketconfig.DefaultKVTLSPort
		cfg.ManagerPort = bucketconfig.DefaultMgrTLSPort
	} else {
		cfg.KVPort = bucketconfig.DefaultKVPlainPort
		cfg.ManagerPort = bucketconfig.DefaultMgrPlainPort
	}
	return cfg
}

// Provider is the configuration provider described in spec.md section
// 4.6: it owns bootstrap, the current cluster config, the subscriber
// stream, and the collection manifest cache.
type Provider struct {
	cfg Config

	kvLoader       transport.ConfigLoader
	mgrLoader      transport.ConfigLoader
	manifestLoader transport.ManifestLoader
	kvRefresher    transport.Refresher
	mgrRefresher   transport.Refresher
	store          storage.SnapshotStore
	bus            *events.Broker

	shutdownFlag atomic.Bool

	mu      sync.Mutex
	cluster *bucketconfig.ClusterConfig

	stream    *ConfigStream
	manifests *lru.Cache[manifestKey, []byte]
}

// New constructs a Provider. kvLoader/mgrLoader are required; refreshers,
// a snapshot store, and a manifest loader may be nil if that capability
// is unused by the host application.
func New(cfg Config, kvLoader, mgrLoader transport.ConfigLoader, manifestLoader transport.ManifestLoader, kvRefresher, mgrRefresher transport.Refresher, store storage.SnapshotStore, bus *events.Broker) *Provider {
	return &Provider{
		cfg:            cfg,
		kvLoader:       kvLoader,
		mgrLoader:      mgrLoader,
		manifestLoader: manifestLoader,
		kvRefresher:    kvRefresher,
		mgrRefresher:   mgrRefresher,
		store:          store,
		bus:            bus,
		cluster:        bucketconfig.NewClusterConfig(),
		stream:         NewConfigStream(),
		manifests:      newManifestCache(cfg.ManifestCache),
	}
}

// Subscribe returns a channel receiving the most recently published
// cluster config snapshot immediately (nothing before the first publish),
// then every subsequent update.
func (p *Provider) Subscribe() chan *bucketconfig.ClusterConfig {
	return p.stream.Subscribe()
}

// Unsubscribe detaches a subscriber channel obtained from Subscribe.
func (p *Provider) Unsubscribe(ch chan *bucketconfig.ClusterConfig) {
	p.stream.Unsubscribe(ch)
}

// CurrentConfig returns the current cluster config snapshot.
func (p *Provider) CurrentConfig() *bucketconfig.ClusterConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cluster
}

type loadResult struct {
	raw    []byte
	origin string
}

// Bootstrap opens a bucket by racing config loaders across seed nodes,
// up to MaxParallelLoaders in parallel, and feeding the first success
// into proposeBucketConfig. On failure it compensates by closing the
// bucket (ignoring the shutdown flag) and returns ErrBootstrapExhausted.
func (p *Provider) Bootstrap(ctx context.Context, bucket string) error {
	if seed, ok := p.seedFromSnapshot(bucket); ok {
		log.WithComponent("provider").Debug().Str("bucket", bucket).Msg("seeding from local snapshot cache while bootstrap races seed nodes")
		p.acceptParsed(seed, bucket)
	}

	timer := metrics.NewTimer()
	result, err := p.raceSeedNodes(ctx, bucket)
	timer.ObserveDuration(metrics.BootstrapDuration)

	if err != nil {
		metrics.BootstrapLoaderFailuresTotal.WithLabelValues("seed_race").Inc()
		p.closeBucketIgnoreShutdown(bucket)
		return fmt.Errorf("%w: %v", ErrBootstrapExhausted, err)
	}

	bc := p.proposeBucketConfig(result.raw, result.origin, bucket)
	if bc == nil {
		p.closeBucketIgnoreShutdown(bucket)
		return fmt.Errorf("%w: bucket config from %s was rejected", ErrBootstrapExhausted, result.origin)
	}

	if bc.Type == bucketconfig.BucketPartitioned || bc.Type == bucketconfig.BucketEphemeral {
		if p.kvRefresher != nil {
			p.kvRefresher.Register(bucket, func(raw []byte, origin string) { p.proposeBucketConfig(raw, origin, bucket) })
		}
	} else if p.mgrRefresher != nil {
		p.mgrRefresher.Register(bucket, func(raw []byte, origin string) { p.proposeBucketConfig(raw, origin, bucket) })
	}

	if p.store != nil {
		_ = p.store.SaveSnapshot(bucket, bc)
	}

	p.publish(events.EventBucketOpened, bucket)
	return nil
}

func (p *Provider) raceSeedNodes(ctx context.Context, bucket string) (loadResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan loadResult, len(p.cfg.Seeds))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(MaxParallelLoaders)

	for _, seed := range p.cfg.Seeds {
		host := seed
		g.Go(func() error {
			raw, origin, err := p.loadFromSeed(gctx, host, bucket)
			if err != nil {
				return nil // a single seed failure does not abort the race
			}
			select {
			case results <- loadResult{raw: raw, origin: origin}:
			case <-gctx.Done():
			}
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case r := <-results:
		cancel()
		<-done
		return r, nil
	case <-done:
		select {
		case r := <-results:
			return r, nil
		default:
			return loadResult{}, fmt.Errorf("no seed node among %d yielded a config", len(p.cfg.Seeds))
		}
	}
}

// loadFromSeed tries the key-value loader first, falling back to the
// cluster-manager loader, per spec.md section 4.6.
func (p *Provider) loadFromSeed(ctx context.Context, host, bucket string) ([]byte, string, error) {
	if p.kvLoader != nil {
		if raw, err := p.kvLoader.Load(ctx, host, p.cfg.KVPort, bucket); err == nil {
			return raw, host, nil
		}
	}
	if p.mgrLoader != nil {
		if raw, err := p.mgrLoader.Load(ctx, host, p.cfg.ManagerPort, bucket); err == nil {
			return raw, host, nil
		}
	}
	return nil, "", fmt.Errorf("no loader succeeded against seed %s", host)
}

// proposeBucketConfig parses raw, applies the revision gate, and on
// acceptance replaces the bucket's entry and republishes the whole
// cluster config. Returns the accepted BucketConfig, or nil if the
// proposal was swallowed (parse failure or stale revision).
func (p *Provider) proposeBucketConfig(raw []byte, origin, bucket string) *bucketconfig.BucketConfig {
	bc, err := bucketconfig.Parse(raw, origin)
	if err != nil {
		p.publishConfigIgnored(bucket, events.ReasonParseFailure)
		return nil
	}
	return p.acceptParsed(bc, bucket)
}

// acceptParsed applies the revision gate to an already-parsed
// BucketConfig and, on acceptance, replaces the bucket's entry and
// republishes. Shared by proposeBucketConfig (fresh wire data) and the
// snapshot-cache bootstrap seed (already-typed data, no reparse).
func (p *Provider) acceptParsed(bc *bucketconfig.BucketConfig, bucket string) *bucketconfig.BucketConfig {
	p.mu.Lock()
	current := p.cluster.Buckets[bucket]
	if bc.Revision > 0 && current != nil && bc.Revision <= current.Revision {
		p.mu.Unlock()
		p.publishConfigIgnored(bucket, events.ReasonOldOrSameRevision)
		return nil
	}

	if bc.Tainted {
		if p.kvRefresher != nil {
			p.kvRefresher.MarkTainted(bucket)
		}
		if p.mgrRefresher != nil {
			p.mgrRefresher.MarkTainted(bucket)
		}
	} else {
		if p.kvRefresher != nil {
			p.kvRefresher.MarkUntainted(bucket)
		}
		if p.mgrRefresher != nil {
			p.mgrRefresher.MarkUntainted(bucket)
		}
	}

	next := p.cluster.Clone()
	next.Buckets[bucket] = bc
	p.cluster = next
	p.mu.Unlock()

	p.stream.Publish(next)
	p.publish(events.EventConfigUpdated, bucket)
	return bc
}

func (p *Provider) publishConfigIgnored(bucket string, reason events.ConfigIgnoredReason) {
	metrics.ConfigIgnoredTotal.WithLabelValues(string(reason)).Inc()
	if p.bus == nil {
		return
	}
	p.bus.Publish(&events.Event{
		Type:     events.EventConfigIgnored,
		Message:  string(reason),
		Metadata: map[string]string{"bucket": bucket, "reason": string(reason)},
	})
}

// CloseBucket removes a bucket and republishes, deregistering both
// refreshers. Fails with ErrAlreadyShutdown if the provider has been shut
// down.
func (p *Provider) CloseBucket(bucket string) error {
	if p.shutdownFlag.Load() {
		return ErrAlreadyShutdown
	}
	p.closeBucketIgnoreShutdown(bucket)
	return nil
}

func (p *Provider) closeBucketIgnoreShutdown(bucket string) {
	p.mu.Lock()
	if _, ok := p.cluster.Buckets[bucket]; !ok {
		p.mu.Unlock()
		return
	}
	next := p.cluster.Clone()
	delete(next.Buckets, bucket)
	p.cluster = next
	p.mu.Unlock()

	p.stream.Publish(next)
	if p.kvRefresher != nil {
		p.kvRefresher.Deregister(bucket)
	}
	if p.mgrRefresher != nil {
		p.mgrRefresher.Deregister(bucket)
	}
	if p.store != nil {
		_ = p.store.DeleteSnapshot(bucket)
	}
	p.publish(events.EventBucketClosed, bucket)
}

// Shutdown closes every open bucket, publishes a final empty cluster
// config, completes the subscriber stream, and shuts down both
// refreshers. Idempotent: a second call returns ErrAlreadyShutdown.
func (p *Provider) Shutdown() error {
	if !p.shutdownFlag.CompareAndSwap(false, true) {
		return ErrAlreadyShutdown
	}

	p.mu.Lock()
	names := make([]string, 0, len(p.cluster.Buckets))
	for name := range p.cluster.Buckets {
		names = append(names, name)
	}
	p.mu.Unlock()

	for _, name := range names {
		p.closeBucketIgnoreShutdown(name)
	}

	p.stream.Publish(bucketconfig.NewClusterConfig())
	p.stream.Complete()

	if p.kvRefresher != nil {
		p.kvRefresher.Shutdown()
	}
	if p.mgrRefresher != nil {
		p.mgrRefresher.Shutdown()
	}
	return nil
}

func (p *Provider) publish(t events.EventType, bucket string) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(&events.Event{Type: t, Metadata: map[string]string{"bucket": bucket}})
}

func (p *Provider) seedFromSnapshot(bucket string) (*bucketconfig.BucketConfig, bool) {
	if p.store == nil {
		return nil, false
	}
	bc, err := p.store.LoadSnapshot(bucket)
	if err != nil || bc == nil {
		return nil, false
	}
	return bc, true
}
