package node

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/cuemby/dbcore/pkg/bucketconfig"
	"github.com/cuemby/dbcore/pkg/endpoint"
	"github.com/cuemby/dbcore/pkg/events"
	"github.com/cuemby/dbcore/pkg/svcpool"
	"github.com/cuemby/dbcore/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopHandle struct{}

func (nopHandle) Write(ctx context.Context, payload []byte) error { return nil }
func (nopHandle) Flush() error                                    { return nil }
func (nopHandle) IsWritable() bool                                { return true }
func (nopHandle) IsActive() bool                                  { return true }
func (nopHandle) LocalAddr() net.Addr                             { return nil }
func (nopHandle) Disconnect() error                               { return nil }

type nopDialer struct{ fail bool }

func (d nopDialer) Dial(ctx context.Context, host string, port uint16, tls bool) (transport.Handle, error) {
	if d.fail {
		return nil, errors.New("fail")
	}
	return nopHandle{}, nil
}

type nopOrch struct{}

func (nopOrch) MaybeRetry(ctx context.Context, req transport.Request) {}

func testNode() (*Node, *events.Broker) {
	bus := events.NewBroker()
	bus.Start()
	id := bucketconfig.NodeIdentifier{Host: "10.0.0.1"}
	return New(id, false, nopDialer{}, bus, nopOrch{}, svcpool.Config{MinEndpoints: 0, MaxEndpoints: 1}, endpoint.Config{ConnectTimeout: time.Second}), bus
}

func TestAddServiceIsIdempotentAtSamePort(t *testing.T) {
	n, bus := testNode()
	defer bus.Stop()
	defer n.Disconnect()

	n.AddService(bucketconfig.ServiceKeyValue, 11210, "default")
	svc1 := n.Service(bucketconfig.ServiceKeyValue, "default")
	require.NotNil(t, svc1)

	n.AddService(bucketconfig.ServiceKeyValue, 11210, "default")
	svc2 := n.Service(bucketconfig.ServiceKeyValue, "default")
	assert.Same(t, svc1, svc2)
}

func TestAddServiceReplacesOnPortMismatch(t *testing.T) {
	n, bus := testNode()
	defer bus.Stop()
	defer n.Disconnect()

	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	n.AddService(bucketconfig.ServiceKeyValue, 11210, "default")
	svc1 := n.Service(bucketconfig.ServiceKeyValue, "default")
	require.NotNil(t, svc1)

	n.AddService(bucketconfig.ServiceKeyValue, 11211, "default")
	svc2 := n.Service(bucketconfig.ServiceKeyValue, "default")
	require.NotNil(t, svc2)
	assert.NotSame(t, svc1, svc2)
	assert.Equal(t, uint16(11211), svc2.Port())

	var sawReplaced bool
	deadline := time.After(time.Second)
drain:
	for {
		select {
		case ev := <-sub:
			if ev.Type == events.EventServiceReplaced {
				sawReplaced = true
				break drain
			}
		case <-deadline:
			break drain
		}
	}
	assert.True(t, sawReplaced)
}

func TestRemoveServiceAndHasServicesEnabled(t *testing.T) {
	n, bus := testNode()
	defer bus.Stop()
	defer n.Disconnect()

	assert.False(t, n.HasServicesEnabled())

	n.AddService(bucketconfig.ServiceManager, 8091, "")
	assert.True(t, n.HasServicesEnabled())
	assert.True(t, n.ServiceEnabled(bucketconfig.ServiceManager))

	n.RemoveService(bucketconfig.ServiceManager, "")
	assert.False(t, n.HasServicesEnabled())
	assert.False(t, n.ServiceEnabled(bucketconfig.ServiceManager))
}
