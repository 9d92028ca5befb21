package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cuemby/dbcore/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePartitionedConfig = `{
  "rev": %d,
  "uuid": "abc",
  "name": "b",
  "nodesExt": [{"hostname": "10.0.0.1", "services": {"direct": 11210, "mgmt": 8091}}],
  "vBucketServerMap": {
    "serverList": ["10.0.0.1:11210"],
    "vBucketMap": [[0],[0]]
  },
  "bucketCapabilities": ["couchapi"]
}`

type fakeLoader struct {
	raw []byte
	err error
}

func (l fakeLoader) Load(ctx context.Context, host string, port uint16, bucket string) ([]byte, error) {
	if l.err != nil {
		return nil, l.err
	}
	return l.raw, nil
}

type fakeRefresher struct {
	registered   map[string]bool
	taintedCalls int
}

func newFakeRefresher() *fakeRefresher { return &fakeRefresher{registered: make(map[string]bool)} }

func (r *fakeRefresher) Register(bucket string, onConfig func(raw []byte, origin string)) {
	r.registered[bucket] = true
}
func (r *fakeRefresher) Deregister(bucket string) { delete(r.registered, bucket) }
func (r *fakeRefresher) MarkTainted(bucket string) { r.taintedCalls++ }
func (r *fakeRefresher) MarkUntainted(bucket string) {}
func (r *fakeRefresher) Shutdown()                  {}

func newTestProvider(kv, mgr fakeLoader) (*Provider, *fakeRefresher, *fakeRefresher) {
	kvRef := newFakeRefresher()
	mgrRef := newFakeRefresher()
	cfg := Config{Seeds: []string{"10.0.0.1"}, KVPort: 11210, ManagerPort: 8091}
	p := New(cfg, kv, mgr, nil, kvRef, mgrRef, nil, events.NewBroker())
	return p, kvRef, mgrRef
}

func TestBootstrapSingleNodeSingleBucket(t *testing.T) {
	raw := []byte(fmt.Sprintf(samplePartitionedConfig, 1))
	p, kvRef, _ := newTestProvider(fakeLoader{raw: raw}, fakeLoader{err: errors.New("unused")})

	err := p.Bootstrap(context.Background(), "b")
	require.NoError(t, err)

	cfg := p.CurrentConfig()
	assert.True(t, cfg.HasBucket("b"))
	assert.True(t, kvRef.registered["b"])
}

func TestBootstrapFailsWhenNoSeedSucceeds(t *testing.T) {
	p, _, _ := newTestProvider(fakeLoader{err: errors.New("kv down")}, fakeLoader{err: errors.New("mgr down")})

	err := p.Bootstrap(context.Background(), "b")
	assert.ErrorIs(t, err, ErrBootstrapExhausted)
	assert.False(t, p.CurrentConfig().HasBucket("b"))
}

func TestRevisionRegressionIsIgnored(t *testing.T) {
	p, _, _ := newTestProvider(fakeLoader{}, fakeLoader{})

	bc7 := p.proposeBucketConfig([]byte(fmt.Sprintf(samplePartitionedConfig, 7)), "origin", "b")
	require.NotNil(t, bc7)

	bc5 := p.proposeBucketConfig([]byte(fmt.Sprintf(samplePartitionedConfig, 5)), "origin", "b")
	assert.Nil(t, bc5)
	assert.EqualValues(t, 7, p.CurrentConfig().Buckets["b"].Revision)
}

func TestCloseBucketRemovesAndEmitsEvent(t *testing.T) {
	p, kvRef, _ := newTestProvider(fakeLoader{}, fakeLoader{})
	bus := events.NewBroker()
	bus.Start()
	defer bus.Stop()
	p.bus = bus
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	bc := p.proposeBucketConfig([]byte(fmt.Sprintf(samplePartitionedConfig, 1)), "origin", "b")
	require.NotNil(t, bc)
	kvRef.registered["b"] = true

	require.NoError(t, p.CloseBucket("b"))
	assert.False(t, p.CurrentConfig().HasBucket("b"))

	var sawClosed bool
	deadline := time.After(time.Second)
drain:
	for {
		select {
		case ev := <-sub:
			if ev.Type == events.EventBucketClosed {
				sawClosed = true
				break drain
			}
		case <-deadline:
			break drain
		}
	}
	assert.True(t, sawClosed)
}

func TestShutdownIsIdempotent(t *testing.T) {
	p, _, _ := newTestProvider(fakeLoader{}, fakeLoader{})
	require.NoError(t, p.Shutdown())
	assert.ErrorIs(t, p.Shutdown(), ErrAlreadyShutdown)
	assert.ErrorIs(t, p.CloseBucket("b"), ErrAlreadyShutdown)
}

func TestParseFailurePublishesConfigIgnored(t *testing.T) {
	p, _, _ := newTestProvider(fakeLoader{}, fakeLoader{})
	bc := p.proposeBucketConfig([]byte("not json"), "origin", "b")
	assert.Nil(t, bc)
	assert.False(t, p.CurrentConfig().HasBucket("b"))
}
