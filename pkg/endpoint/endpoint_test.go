package endpoint

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/dbcore/pkg/bucketconfig"
	"github.com/cuemby/dbcore/pkg/events"
	"github.com/cuemby/dbcore/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	writable atomic.Bool
	active   atomic.Bool
	writes   atomic.Int32
	failNext atomic.Bool
}

func newFakeHandle() *fakeHandle {
	h := &fakeHandle{}
	h.writable.Store(true)
	h.active.Store(true)
	return h
}

func (h *fakeHandle) Write(ctx context.Context, payload []byte) error {
	h.writes.Add(1)
	if h.failNext.CompareAndSwap(true, false) {
		return errors.New("write failed")
	}
	return nil
}
func (h *fakeHandle) Flush() error       { return nil }
func (h *fakeHandle) IsWritable() bool   { return h.writable.Load() }
func (h *fakeHandle) IsActive() bool     { return h.active.Load() }
func (h *fakeHandle) LocalAddr() net.Addr { return nil }
func (h *fakeHandle) Disconnect() error  { h.active.Store(false); return nil }

type fakeDialer struct {
	mu       sync.Mutex
	failures int
	handle   *fakeHandle
	calls    atomic.Int32
}

func (d *fakeDialer) Dial(ctx context.Context, host string, port uint16, tls bool) (transport.Handle, error) {
	d.calls.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failures > 0 {
		d.failures--
		return nil, errors.New("dial failed")
	}
	if d.handle == nil {
		d.handle = newFakeHandle()
	}
	return d.handle, nil
}

type fakeRequest struct {
	key []byte
}

func (r *fakeRequest) Key() []byte            { return r.key }
func (r *fakeRequest) Bucket() string         { return "default" }
func (r *fakeRequest) ServiceType() string    { return string(bucketconfig.ServiceKeyValue) }
func (r *fakeRequest) Replica() int           { return -1 }
func (r *fakeRequest) UseFastForward() bool   { return false }
func (r *fakeRequest) Cancel(reason string)   {}

type fakeOrchestrator struct {
	retries atomic.Int32
}

func (o *fakeOrchestrator) MaybeRetry(ctx context.Context, req transport.Request) {
	o.retries.Add(1)
}

func waitForState(t *testing.T, e *Endpoint, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("endpoint did not reach state %s, got %s", want, e.State())
}

func TestConnectTransitionsToConnected(t *testing.T) {
	dialer := &fakeDialer{}
	bus := events.NewBroker()
	bus.Start()
	defer bus.Stop()
	orch := &fakeOrchestrator{}

	e := New(Config{Host: "h", Port: 1, Service: bucketconfig.ServiceKeyValue, ConnectTimeout: time.Second}, dialer, bus, orch)
	defer e.Shutdown()

	assert.Equal(t, Disconnected, e.State())
	e.Connect()
	waitForState(t, e, Connected)
	assert.True(t, e.CanWrite())
}

func TestSendWhenNotWritableGoesToRetryOrchestrator(t *testing.T) {
	dialer := &fakeDialer{}
	bus := events.NewBroker()
	bus.Start()
	defer bus.Stop()
	orch := &fakeOrchestrator{}

	e := New(Config{Host: "h", Port: 1, Service: bucketconfig.ServiceKeyValue, ConnectTimeout: time.Second}, dialer, bus, orch)
	defer e.Shutdown()

	e.Send(context.Background(), &fakeRequest{}, []byte("x"))
	assert.Equal(t, int32(1), orch.retries.Load())
}

func TestDisconnectIsIdempotent(t *testing.T) {
	dialer := &fakeDialer{}
	bus := events.NewBroker()
	bus.Start()
	defer bus.Stop()
	orch := &fakeOrchestrator{}

	e := New(Config{Host: "h", Port: 1, Service: bucketconfig.ServiceKeyValue, ConnectTimeout: time.Second}, dialer, bus, orch)
	e.Connect()
	waitForState(t, e, Connected)

	e.Disconnect()
	waitForState(t, e, Disconnected)
	e.Disconnect()
	waitForState(t, e, Disconnected)
	e.Shutdown()
}

func TestFreeReflectsOutstandingCounter(t *testing.T) {
	dialer := &fakeDialer{}
	bus := events.NewBroker()
	bus.Start()
	defer bus.Stop()
	orch := &fakeOrchestrator{}

	e := New(Config{Host: "h", Port: 1, Service: bucketconfig.ServiceKeyValue, ConnectTimeout: time.Second, Pipelined: false}, dialer, bus, orch)
	defer e.Shutdown()
	e.Connect()
	waitForState(t, e, Connected)

	require.True(t, e.Free())
	e.Send(context.Background(), &fakeRequest{}, []byte("x"))
	assert.False(t, e.Free())
	e.MarkRequestCompletion(true)
	assert.True(t, e.Free())
}

type slowDialer struct {
	handle  *fakeHandle
	release chan struct{}
	dialing chan struct{}
}

func newSlowDialer() *slowDialer {
	return &slowDialer{handle: newFakeHandle(), release: make(chan struct{}), dialing: make(chan struct{}, 1)}
}

func (d *slowDialer) Dial(ctx context.Context, host string, port uint16, tls bool) (transport.Handle, error) {
	select {
	case d.dialing <- struct{}{}:
	default:
	}
	<-d.release
	return d.handle, nil
}

func TestDisconnectRequestedDuringDialAbortsInsteadOfConnecting(t *testing.T) {
	dialer := newSlowDialer()
	bus := events.NewBroker()
	bus.Start()
	defer bus.Stop()
	orch := &fakeOrchestrator{}

	e := New(Config{Host: "h", Port: 1, Service: bucketconfig.ServiceKeyValue, ConnectTimeout: time.Second}, dialer, bus, orch)
	defer e.Shutdown()

	e.Connect()
	<-dialer.dialing // the dial is now in flight

	e.Disconnect()
	close(dialer.release) // let the dial succeed after the disconnect was requested

	waitForState(t, e, Disconnected)
	assert.False(t, e.CanWrite())
	assert.False(t, dialer.handle.IsActive(), "the handle dialed after disconnect should be closed, not left connected")
}

func TestPipelinedEndpointAlwaysFree(t *testing.T) {
	dialer := &fakeDialer{}
	bus := events.NewBroker()
	bus.Start()
	defer bus.Stop()
	orch := &fakeOrchestrator{}

	e := New(Config{Host: "h", Port: 1, Service: bucketconfig.ServiceKeyValue, ConnectTimeout: time.Second, Pipelined: true}, dialer, bus, orch)
	defer e.Shutdown()
	e.Connect()
	waitForState(t, e, Connected)

	e.Send(context.Background(), &fakeRequest{}, []byte("x"))
	assert.True(t, e.Free())
}
