package provider

import (
	"sync"

	"github.com/cuemby/dbcore/pkg/bucketconfig"
)

// ConfigStream is a hot multicast broadcast of ClusterConfig snapshots.
// New subscribers receive the latest snapshot immediately on subscribe
// (replay-one semantics) before any subsequent publish, per spec.md
// section 9.
type ConfigStream struct {
	mu          sync.Mutex
	subscribers map[chan *bucketconfig.ClusterConfig]struct{}
	latest      *bucketconfig.ClusterConfig
	completed   bool
}

// NewConfigStream returns a stream with no snapshot yet published.
func NewConfigStream() *ConfigStream {
	return &ConfigStream{subscribers: make(map[chan *bucketconfig.ClusterConfig]struct{})}
}

// Subscribe returns a channel that immediately receives the latest
// snapshot, if any, then every subsequent Publish. Buffered so a slow
// subscriber does not stall Publish; Publish drops on a full buffer.
func (s *ConfigStream) Subscribe() chan *bucketconfig.ClusterConfig {
	ch := make(chan *bucketconfig.ClusterConfig, 8)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers[ch] = struct{}{}
	if s.latest != nil {
		ch <- s.latest
	}
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (s *ConfigStream) Unsubscribe(ch chan *bucketconfig.ClusterConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subscribers[ch]; ok {
		delete(s.subscribers, ch)
		close(ch)
	}
}

// Publish broadcasts a new snapshot to every current subscriber and
// remembers it as the replay value for future subscribers.
func (s *ConfigStream) Publish(cfg *bucketconfig.ClusterConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completed {
		return
	}
	s.latest = cfg
	for ch := range s.subscribers {
		select {
		case ch <- cfg:
		default:
		}
	}
}

// Complete marks the stream closed: no further snapshots are accepted,
// and every subscriber channel is closed. Used once, at provider
// shutdown, after the final empty-config Publish.
func (s *ConfigStream) Complete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completed {
		return
	}
	s.completed = true
	for ch := range s.subscribers {
		close(ch)
	}
	s.subscribers = make(map[chan *bucketconfig.ClusterConfig]struct{})
}
