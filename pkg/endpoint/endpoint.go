// Package endpoint implements one transport connection to one (host,
// port, service): the connect/reconnect state machine, writability
// gating, the outstanding-request counter, and the circuit breaker that
// guards it. FSM transitions for a given endpoint are totally ordered on
// that endpoint's own reactor goroutine; the public methods may be called
// from any goroutine.
package endpoint

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/dbcore/pkg/breaker"
	"github.com/cuemby/dbcore/pkg/bucketconfig"
	"github.com/cuemby/dbcore/pkg/events"
	"github.com/cuemby/dbcore/pkg/log"
	"github.com/cuemby/dbcore/pkg/metrics"
	"github.com/cuemby/dbcore/pkg/transport"
)

// State is one of the endpoint FSM states.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// Reconnect backoff bounds, per spec.md 4.2.
const (
	backoffBase = 32 * time.Millisecond
	backoffCap  = 4096 * time.Millisecond
)

// Config configures one Endpoint.
type Config struct {
	Host           string
	Port           uint16
	Service        bucketconfig.ServiceType
	TLS            bool
	Pipelined      bool
	ConnectTimeout time.Duration
	Breaker        breaker.Config
}

// Endpoint owns one transport connection and its FSM. Construct via New;
// callers must call Connect to begin establishing the transport.
type Endpoint struct {
	cfg    Config
	dialer transport.Dialer
	bus    *events.Broker
	orch   transport.RetryOrchestrator

	breaker *breaker.Breaker

	state                atomic.Int32
	attemptStart         atomic.Int64
	lastResponse         atomic.Int64
	outstanding          atomic.Int32
	disconnectRequested  atomic.Bool

	handleMu atomic.Pointer[transport.Handle]

	cmds chan command
	done chan struct{}

	logger zerolog.Logger
}

type command struct {
	kind commandKind
}

type commandKind int

const (
	cmdConnect commandKind = iota
	cmdDisconnect
)

// New constructs an Endpoint in the Disconnected state. It does not start
// connecting; call Connect.
func New(cfg Config, dialer transport.Dialer, bus *events.Broker, orch transport.RetryOrchestrator) *Endpoint {
	e := &Endpoint{
		cfg:     cfg,
		dialer:  dialer,
		bus:     bus,
		orch:    orch,
		breaker: breaker.New(cfg.Breaker),
		cmds:    make(chan command, 64),
		done:    make(chan struct{}),
		logger:  log.WithEndpoint(cfg.Host, cfg.Port, string(cfg.Service)),
	}
	e.state.Store(int32(Disconnected))
	go e.reactor()
	return e
}

// State returns a snapshot of the FSM state.
func (e *Endpoint) State() State {
	return State(e.state.Load())
}

// Identity reports the (host, port, service) this endpoint connects to.
func (e *Endpoint) Identity() (string, uint16, bucketconfig.ServiceType) {
	return e.cfg.Host, e.cfg.Port, e.cfg.Service
}

// Connect requests a transition from Disconnected to Connecting. No-op
// from any other state.
func (e *Endpoint) Connect() {
	select {
	case e.cmds <- command{kind: cmdConnect}:
	case <-e.done:
	}
}

// Disconnect is idempotent: requests a transition to Disconnecting and
// closing of the transport. Safe to call repeatedly.
func (e *Endpoint) Disconnect() {
	e.disconnectRequested.Store(true)
	select {
	case e.cmds <- command{kind: cmdDisconnect}:
	case <-e.done:
	}
}

// CanWrite reports writability: CONNECTED, transport active and
// writable, and the breaker currently allows a request.
func (e *Endpoint) CanWrite() bool {
	if e.State() != Connected {
		return false
	}
	hp := e.handleMu.Load()
	if hp == nil {
		return false
	}
	h := *hp
	if !h.IsActive() || !h.IsWritable() {
		return false
	}
	return e.breaker.AllowsRequest()
}

// Free reports whether this endpoint may accept another request: true
// when pipelined, or when the outstanding counter is zero.
func (e *Endpoint) Free() bool {
	if e.cfg.Pipelined {
		return true
	}
	return e.outstanding.Load() == 0
}

// LastResponseReceived returns the timestamp of the most recent completed
// request, used by the owning service for idle-shrink comparisons.
func (e *Endpoint) LastResponseReceived() time.Time {
	return time.Unix(0, e.lastResponse.Load())
}

// Send dispatches a request body if writable; otherwise hands the request
// to the retry orchestrator.
func (e *Endpoint) Send(ctx context.Context, req transport.Request, body []byte) {
	if !e.CanWrite() {
		e.orch.MaybeRetry(ctx, req)
		return
	}
	if !e.cfg.Pipelined {
		e.outstanding.Add(1)
	}
	hp := e.handleMu.Load()
	if hp == nil {
		e.orch.MaybeRetry(ctx, req)
		return
	}
	h := *hp
	if err := h.Write(ctx, body); err != nil {
		e.breaker.MarkFailure()
		if !e.cfg.Pipelined {
			e.outstanding.Add(-1)
		}
		e.orch.MaybeRetry(ctx, req)
		return
	}
}

// MarkRequestCompletion is invoked externally when the response for a
// previously-sent request completes: decrements the outstanding counter
// (if non-pipelined) and refreshes the last-response timestamp.
func (e *Endpoint) MarkRequestCompletion(success bool) {
	if !e.cfg.Pipelined {
		e.outstanding.Add(-1)
	}
	e.lastResponse.Store(time.Now().UnixNano())
	if success {
		e.breaker.MarkSuccess()
	} else {
		e.breaker.MarkFailure()
	}
}

// Shutdown stops the reactor goroutine permanently after disconnecting.
func (e *Endpoint) Shutdown() {
	e.Disconnect()
	close(e.done)
}

func (e *Endpoint) reactor() {
	for {
		select {
		case cmd := <-e.cmds:
			switch cmd.kind {
			case cmdConnect:
				e.handleConnect()
			case cmdDisconnect:
				e.handleDisconnect()
			}
		case <-e.done:
			return
		}
	}
}

func (e *Endpoint) handleConnect() {
	if e.State() != Disconnected {
		return
	}
	e.disconnectRequested.Store(false)
	e.state.Store(int32(Connecting))
	e.attemptStart.Store(time.Now().UnixNano())
	metrics.EndpointsByState.WithLabelValues(Connecting.String()).Inc()

	go e.connectLoop()
}

func (e *Endpoint) connectLoop() {
	attempt := 0
	for {
		if e.disconnectRequested.Load() {
			e.logger.Debug().Msg("connect aborted by disconnect request")
			e.publish(events.EventEndpointConnectionAborted, "connect aborted by disconnect request")
			e.state.Store(int32(Disconnected))
			metrics.EndpointsByState.WithLabelValues(Connecting.String()).Dec()
			return
		}

		e.publish(events.EventEndpointConnecting, "")
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ConnectTimeout)
		h, err := e.dialer.Dial(ctx, e.cfg.Host, e.cfg.Port, e.cfg.TLS)
		cancel()

		if err != nil {
			attempt++
			e.logger.Warn().Err(err).Int("attempt", attempt).Msg("dial failed")
			e.publish(events.EventEndpointConnectionFailed, err.Error())
			if e.disconnectRequested.Load() {
				e.state.Store(int32(Disconnected))
				metrics.EndpointsByState.WithLabelValues(Connecting.String()).Dec()
				return
			}
			time.Sleep(backoff(attempt))
			continue
		}

		// A disconnect may have been requested while the dial above was in
		// flight; honor it now instead of landing in Connected, per
		// spec.md 4.2's "disconnect requested while connecting aborts
		// without error".
		if e.disconnectRequested.Load() {
			if cerr := h.Disconnect(); cerr != nil {
				e.logger.Debug().Err(cerr).Msg("closing transport dialed after disconnect request")
			}
			e.logger.Debug().Msg("connect aborted by disconnect request after dial completed")
			e.publish(events.EventEndpointConnectionAborted, "connect aborted by disconnect request")
			e.state.Store(int32(Disconnected))
			metrics.EndpointsByState.WithLabelValues(Connecting.String()).Dec()
			return
		}

		e.handleMu.Store(&h)
		e.breaker.Reset()
		e.state.Store(int32(Connected))
		metrics.EndpointsByState.WithLabelValues(Connecting.String()).Dec()
		metrics.EndpointsByState.WithLabelValues(Connected.String()).Inc()
		e.logger.Info().Msg("connected")
		e.publish(events.EventEndpointConnected, "")
		return
	}
}

func (e *Endpoint) handleDisconnect() {
	state := e.State()
	if state == Disconnected {
		return
	}
	if state == Connected {
		metrics.EndpointsByState.WithLabelValues(Connected.String()).Dec()
	}
	e.state.Store(int32(Disconnecting))

	hp := e.handleMu.Load()
	if hp != nil {
		if err := (*hp).Disconnect(); err != nil {
			e.logger.Warn().Err(err).Msg("transport disconnect failed")
			e.publish(events.EventEndpointDisconnectionFailed, err.Error())
		}
		e.handleMu.Store(nil)
	}

	e.state.Store(int32(Disconnected))
	e.logger.Debug().Msg("disconnected")
	e.publish(events.EventEndpointDisconnected, "")
}

func (e *Endpoint) publish(t events.EventType, msg string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(&events.Event{
		Type:    t,
		Message: msg,
		Metadata: map[string]string{
			"host":    e.cfg.Host,
			"port":    portStr(e.cfg.Port),
			"service": string(e.cfg.Service),
		},
	})
}

// backoff computes exponential backoff with jitter, bounded by
// backoffBase and backoffCap.
func backoff(attempt int) time.Duration {
	d := backoffBase << attempt
	if d <= 0 || d > backoffCap {
		d = backoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 2))
	return d/2 + jitter
}

func portStr(p uint16) string {
	const digits = "0123456789"
	if p == 0 {
		return "0"
	}
	var buf [5]byte
	i := len(buf)
	for p > 0 {
		i--
		buf[i] = digits[p%10]
		p /= 10
	}
	return string(buf[i:])
}
