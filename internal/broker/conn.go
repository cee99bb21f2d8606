package broker

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/fernbed/drip/internal/config"
	"github.com/fernbed/drip/internal/events"
)

// Status is the connection state of the shared broker connection.
// Transitions are driven only by the Conn; everything else reads it.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusErrored      Status = "errored"
)

// MessageHandler is called for each message delivered on a subscribed
// topic. Handlers run on the transport's read goroutine and must be
// safe for concurrent use with the rest of the program.
type MessageHandler func(topic string, payload []byte)

// transport is the subset of [autopaho.ConnectionManager] the Conn
// depends on. Tests substitute a fake.
type transport interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
	Subscribe(ctx context.Context, s *paho.Subscribe) (*paho.Suback, error)
	Unsubscribe(ctx context.Context, u *paho.Unsubscribe) (*paho.Unsuback, error)
	Disconnect(ctx context.Context) error
}

// dialFunc establishes the underlying transport. The production dial
// is autopaho; tests inject one that returns a fake and drives the
// config's callbacks by hand.
type dialFunc func(ctx context.Context, cfg autopaho.ClientConfig) (transport, error)

func pahoDial(ctx context.Context, cfg autopaho.ClientConfig) (transport, error) {
	return autopaho.NewConnection(ctx, cfg)
}

// Conn manages the process-wide broker connection. At most one Conn
// should exist per running client; consumers receive it by injection.
type Conn struct {
	cfg      config.BrokerConfig
	clientID string
	bus      *events.Bus
	logger   *slog.Logger
	dial     dialFunc

	mu        sync.Mutex
	status    Status
	tr        transport
	cancel    context.CancelFunc
	subs      map[string]*Subscription
	observers []statusObserver
	nextObsID int
}

type statusObserver struct {
	id int
	fn func(Status)
}

// NewConn creates a disconnected Conn. clientID identifies this client
// instance to the broker and must be stable across restarts so the
// broker does not accumulate ghost sessions. The bus may be nil.
func NewConn(cfg config.BrokerConfig, clientID string, bus *events.Bus, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{
		cfg:      cfg,
		clientID: clientID,
		bus:      bus,
		logger:   logger,
		dial:     pahoDial,
		status:   StatusDisconnected,
		subs:     make(map[string]*Subscription),
	}
}

// Status returns the current connection status.
func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// OnStatusChange registers an observer invoked on every status
// transition. Multiple observers are supported; they run in
// registration order on the goroutine that drove the transition. The
// returned cancel func removes the observer and is safe to call more
// than once.
func (c *Conn) OnStatusChange(fn func(Status)) (cancel func()) {
	if fn == nil {
		panic("broker: nil status observer")
	}
	c.mu.Lock()
	id := c.nextObsID
	c.nextObsID++
	c.observers = append(c.observers, statusObserver{id: id, fn: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.observers = slices.DeleteFunc(c.observers, func(o statusObserver) bool {
			return o.id == id
		})
	}
}

// Connect starts the connection. Idempotent: calling while already
// connecting or connected has no additional effect. The handshake and
// all reconnect attempts run in the background; progress is observable
// only through the status. Connect returns an error solely for invalid
// configuration; transport failures transition the status to errored
// and autopaho retries at the configured fixed delay until Disconnect
// is called or the connection succeeds.
//
// ctx bounds the lifetime of the whole connection, including
// reconnect attempts; cancelling it is equivalent to Disconnect.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.status == StatusConnecting || c.status == StatusConnected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	brokerURL, err := url.Parse(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("parse broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:       []*url.URL{brokerURL},
		KeepAlive:        30,
		ConnectUsername:  c.cfg.Username,
		ConnectPassword:  []byte(c.cfg.Password),
		ReconnectBackoff: autopaho.NewConstantBackoff(c.cfg.ReconnectDelay()),
		OnConnectionUp: func(_ *autopaho.ConnectionManager, _ *paho.Connack) {
			c.logger.Info("broker connected", "broker", c.cfg.URL)
			c.setStatus(StatusConnected)
		},
		OnConnectError: func(err error) {
			c.logger.Warn("broker connection error", "error", err)
			c.setStatus(StatusErrored)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: c.clientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				c.onMessage,
			},
			OnClientError: func(err error) {
				c.logger.Warn("broker client error", "error", err)
				c.connectionLost()
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				c.logger.Warn("broker server disconnect", "reason_code", d.ReasonCode)
				c.connectionLost()
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	connCtx, cancelConn := context.WithCancel(ctx)

	c.mu.Lock()
	// Re-check under the lock; a concurrent Connect may have won.
	if c.status == StatusConnecting || c.status == StatusConnected {
		c.mu.Unlock()
		cancelConn()
		return nil
	}
	c.status = StatusConnecting
	c.cancel = cancelConn
	obs := observersLocked(c)
	c.mu.Unlock()
	c.emit(StatusConnecting, obs)

	tr, err := c.dial(connCtx, pahoCfg)
	if err != nil {
		cancelConn()
		c.setStatus(StatusErrored)
		return fmt.Errorf("broker connect: %w", err)
	}

	c.mu.Lock()
	c.tr = tr
	c.mu.Unlock()
	return nil
}

// Disconnect tears down the transport, cancels any pending reconnect,
// and invalidates every live subscription. Idempotent. Subscribers
// must re-subscribe after a later reconnect; their existing handles
// stay safe to dispose but will never deliver again.
func (c *Conn) Disconnect(ctx context.Context) {
	c.mu.Lock()
	if c.status == StatusDisconnected {
		c.mu.Unlock()
		return
	}
	tr := c.tr
	cancel := c.cancel
	c.tr = nil
	c.cancel = nil
	c.invalidateSubsLocked()
	c.status = StatusDisconnected
	obs := observersLocked(c)
	c.mu.Unlock()

	if tr != nil {
		if err := tr.Disconnect(ctx); err != nil {
			c.logger.Debug("broker disconnect", "error", err)
		}
	}
	if cancel != nil {
		cancel()
	}
	c.emit(StatusDisconnected, obs)
}

// Publish sends a message on a topic, fire-and-forget. Not connected
// is a silent no-op apart from a debug log; transport errors are
// logged and otherwise swallowed. No delivery confirmation is exposed
// to callers.
func (c *Conn) Publish(ctx context.Context, topic string, payload []byte) {
	c.mu.Lock()
	tr := c.tr
	connected := c.status == StatusConnected
	c.mu.Unlock()

	if !connected || tr == nil {
		c.logger.Debug("publish dropped, broker not connected", "topic", topic)
		return
	}

	if _, err := tr.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
	}); err != nil {
		c.logger.Warn("broker publish failed", "topic", topic, "error", err)
	}
}

// connectionLost handles an established connection dropping out from
// under us. Broker-level subscriptions are gone; autopaho will retry
// in the background and observers re-subscribe on the next connected
// transition.
func (c *Conn) connectionLost() {
	c.mu.Lock()
	if c.status == StatusDisconnected {
		// Deliberate teardown already handled everything.
		c.mu.Unlock()
		return
	}
	c.invalidateSubsLocked()
	c.mu.Unlock()
	c.setStatus(StatusErrored)
}

// onMessage routes an inbound publish to the registered subscription,
// if any. Messages for topics without a live subscription are dropped;
// that includes deliveries already in flight when a handle was
// disposed.
func (c *Conn) onMessage(pr paho.PublishReceived) (bool, error) {
	topic := pr.Packet.Topic
	c.mu.Lock()
	sub := c.subs[topic]
	c.mu.Unlock()

	if sub == nil || !sub.Active() {
		c.logger.Debug("message on unwatched topic dropped", "topic", topic)
		return false, nil
	}
	sub.handler(topic, pr.Packet.Payload)
	return true, nil
}

// setStatus records a transition and notifies observers. Equal-status
// calls are suppressed so repeated connect errors do not spam
// observers.
func (c *Conn) setStatus(st Status) {
	c.mu.Lock()
	if c.status == st {
		c.mu.Unlock()
		return
	}
	c.status = st
	obs := observersLocked(c)
	c.mu.Unlock()
	c.emit(st, obs)
}

func observersLocked(c *Conn) []statusObserver {
	return slices.Clone(c.observers)
}

func (c *Conn) emit(st Status, obs []statusObserver) {
	c.logger.Info("broker status changed", "status", st)
	c.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceBroker,
		Kind:      events.KindStatusChanged,
		Data:      map[string]any{"status": string(st)},
	})
	for _, o := range obs {
		o.fn(st)
	}
}
