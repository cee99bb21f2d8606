package broker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/paho"
)

// unsubscribeTimeout bounds the broker round trip when releasing a
// topic. Disposal itself never blocks on it; the unsubscribe runs in
// the background.
const unsubscribeTimeout = 5 * time.Second

// Subscription is a disposable handle representing active interest in
// a topic. The zero value is an inert handle: it never delivers and
// disposing it is a no-op. Inert handles are what Subscribe returns
// when the connection is down, so callers can treat every return value
// uniformly.
type Subscription struct {
	conn    *Conn
	topic   string
	handler MessageHandler

	live     atomic.Bool
	disposed atomic.Bool
}

// Active reports whether the handle can still receive deliveries.
// Inert handles, disposed handles, and handles invalidated by a
// disconnect all report false.
func (s *Subscription) Active() bool {
	return s != nil && s.live.Load()
}

// Topic returns the topic this handle was created for, or "" for an
// inert handle.
func (s *Subscription) Topic() string {
	if s == nil {
		return ""
	}
	return s.topic
}

// Dispose releases the subscription. Further deliveries to the handler
// stop immediately, even for messages already in flight at the
// transport. Safe to call any number of times, in any connection
// state, including after the transport-level teardown has already
// invalidated the handle.
func (s *Subscription) Dispose() {
	if s == nil || s.conn == nil {
		return // inert handle
	}
	if !s.disposed.CompareAndSwap(false, true) {
		return
	}
	s.live.Store(false)
	s.conn.release(s)
}

// Subscribe registers interest in a topic and returns its handle.
//
// At most one live broker-level subscription exists per topic. If the
// topic already has one, the broker subscription is reused and the new
// handler supersedes the old one, whose handle goes dead (the registry
// carries a single delivery target per topic; the one-view-per-device
// usage never needs more).
//
// If the connection is not up, Subscribe is a no-op returning an inert
// handle, with no queueing. Callers must observe the status transition to
// connected and re-issue the subscribe. Topic and handler must be
// non-empty; violating that is a wiring bug and panics.
func (c *Conn) Subscribe(ctx context.Context, topic string, handler MessageHandler) *Subscription {
	if topic == "" {
		panic("broker: Subscribe with empty topic")
	}
	if handler == nil {
		panic("broker: Subscribe with nil handler")
	}

	c.mu.Lock()
	if c.status != StatusConnected || c.tr == nil {
		c.mu.Unlock()
		c.logger.Debug("subscribe while not connected is a no-op", "topic", topic)
		return &Subscription{}
	}
	existing := c.subs[topic]
	sub := &Subscription{conn: c, topic: topic, handler: handler}
	sub.live.Store(true)
	c.subs[topic] = sub
	tr := c.tr
	c.mu.Unlock()

	if existing != nil {
		// Broker-level subscription already in place; just swap the
		// delivery target.
		existing.live.Store(false)
		return sub
	}

	if _, err := tr.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 0}},
	}); err != nil {
		c.logger.Warn("broker subscribe failed", "topic", topic, "error", err)
		sub.live.Store(false)
		c.mu.Lock()
		if c.subs[topic] == sub {
			delete(c.subs, topic)
		}
		c.mu.Unlock()
		return &Subscription{}
	}

	c.logger.Debug("subscribed", "topic", topic)
	return sub
}

// release removes a disposed handle from the registry and, when still
// connected, unsubscribes the topic at the broker in the background.
func (c *Conn) release(s *Subscription) {
	c.mu.Lock()
	current := c.subs[s.topic] == s
	if current {
		delete(c.subs, s.topic)
	}
	tr := c.tr
	connected := c.status == StatusConnected
	c.mu.Unlock()

	if !current || !connected || tr == nil {
		// Superseded handle, or the transport already dropped the
		// subscription for us. Nothing to tell the broker.
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
		defer cancel()
		if _, err := tr.Unsubscribe(ctx, &paho.Unsubscribe{Topics: []string{s.topic}}); err != nil {
			c.logger.Debug("broker unsubscribe failed", "topic", s.topic, "error", err)
		}
	}()
}

// invalidateSubsLocked marks every live subscription dead and empties
// the registry. Callers hold c.mu. Used on disconnect and connection
// loss: the broker-level subscriptions are gone either way, and the
// dead handles guarantee no in-flight delivery reaches a handler
// afterwards.
func (c *Conn) invalidateSubsLocked() {
	for _, sub := range c.subs {
		sub.live.Store(false)
	}
	c.subs = make(map[string]*Subscription)
}

// SubscriptionCount returns the number of live registry entries.
func (c *Conn) SubscriptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}
