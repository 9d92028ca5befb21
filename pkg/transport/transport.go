// Package transport declares the narrow interfaces the core dispatch
// engine consumes from its host application: the wire transport itself,
// timers, and the retry orchestrator. None of these are implemented here
// — codecs, TLS handshakes, and request encoding are explicitly out of
// scope (spec non-goals); the host application supplies concrete types.
package transport

import (
	"context"
	"net"
	"time"
)

// Handle is one connected transport to a (host, port, service). It is
// deliberately minimal: write/flush plus the liveness checks the endpoint
// FSM needs to compute writability.
type Handle interface {
	Write(ctx context.Context, payload []byte) error
	Flush() error
	IsWritable() bool
	IsActive() bool
	LocalAddr() net.Addr
	Disconnect() error
}

// Dialer connects to one (host, port) for a given service type and TLS
// setting, returning a Handle once the handshake completes.
type Dialer interface {
	Dial(ctx context.Context, host string, port uint16, tls bool) (Handle, error)
}

// Request is the minimal shape the dispatch path needs from an
// application request: routing selectors (key, bucket, service type,
// replica, fast-forward opt-in) and a reason-carrying cancel.
// Value encoding/decoding of the request body is out of scope.
type Request interface {
	// Key is used by the key-value locator for partition hashing. Empty
	// for requests dispatched by other locators.
	Key() []byte
	// Bucket scopes a bucket-scoped service request (key-value).
	Bucket() string
	// ServiceType selects which locator handles this request.
	ServiceType() string
	// Replica, when >=0, requests dispatch to that replica index instead
	// of the master.
	Replica() int
	// UseFastForward opts a key-value request into fast-forward map
	// lookups during rebalance.
	UseFastForward() bool
	// Cancel aborts the request with a reason such as "SHUTDOWN" or
	// "TIMEOUT".
	Cancel(reason string)
}

// Timer registers and cancels per-request timeouts. Registration is a
// no-op if the caller opted the request out of timeout tracking.
type Timer interface {
	Register(ctx context.Context, req Request, timeout time.Duration) (cancel func())
}

// RetryOrchestrator decides whether and when to resubmit a request that
// could not be dispatched immediately (no writable endpoint, no eligible
// node). It owns the re-dispatch policy; the locator only hands off.
type RetryOrchestrator interface {
	MaybeRetry(ctx context.Context, req Request)
}

// ConfigLoader fetches one bucket configuration from a single node over
// one transport (key-value or cluster-manager). Bootstrap races several
// loaders across seed nodes and takes the first success.
type ConfigLoader interface {
	Load(ctx context.Context, host string, port uint16, bucket string) ([]byte, error)
}

// Refresher periodically re-fetches a bucket's configuration from one
// source and feeds it back through a callback. Register/Deregister scope
// it to a bucket name; MarkTainted/MarkUntainted adjust poll cadence
// during rebalance.
type Refresher interface {
	Register(bucket string, onConfig func(raw []byte, origin string))
	Deregister(bucket string)
	MarkTainted(bucket string)
	MarkUntainted(bucket string)
	Shutdown()
}

// ManifestStatus is the server-reported outcome of a collection manifest
// request.
type ManifestStatus int

const (
	ManifestOK ManifestStatus = iota
	ManifestUnknown
	ManifestError
)

// ManifestCollection is one collection within a scope, carrying its
// server-assigned id as a hex string per the wire format.
type ManifestCollection struct {
	Name   string
	UIDHex string
}

// ManifestScope is one scope within a collection manifest.
type ManifestScope struct {
	Name        string
	Collections []ManifestCollection
}

// ManifestResult is the response to a collection manifest request.
type ManifestResult struct {
	Status ManifestStatus
	Scopes []ManifestScope
}

// ManifestLoader fetches the current collection manifest for a bucket.
type ManifestLoader interface {
	LoadManifest(ctx context.Context, bucket string) (ManifestResult, error)
}
