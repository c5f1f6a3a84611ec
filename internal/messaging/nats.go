// Package messaging provides a NATS client wrapper for cross-service pub/sub.
// It handles connection lifecycle and convenience methods for the push
// dispatch and global event channels.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns used across services.
const (
	SubjectPushDispatch = "push.dispatch"
	SubjectGlobalEvents = "events.global"
)

// PushRequest is the payload published to push.dispatch. A push worker
// consumes these and delivers them to the recipient's registered endpoint.
type PushRequest struct {
	UserID         int64           `json:"user_id"`
	ConversationID int64           `json:"conversation_id"`
	Title          string          `json:"title"`
	Body           string          `json:"body"`
	Subscription   json.RawMessage `json:"subscription"`
}

// GlobalEvent carries a global-room broadcast between server nodes. Origin
// identifies the publishing node so it can skip its own events on receipt.
type GlobalEvent struct {
	Origin  string          `json:"origin"`
	Payload json.RawMessage `json:"payload"`
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	name string
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name, also used as the origin tag
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "echodm",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		name: config.Name,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// PublishPush publishes a push notification request for a worker to deliver.
func (c *NATSClient) PublishPush(req PushRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("nats: marshal push request: %w", err)
	}
	return c.Publish(SubjectPushDispatch, data)
}

// SubscribePush subscribes to push dispatch requests in a queue group so that
// each request is delivered to exactly one worker.
func (c *NATSClient) SubscribePush(handler func(req PushRequest)) error {
	sub, err := c.conn.QueueSubscribe(SubjectPushDispatch, "pushworkers", func(msg *nats.Msg) {
		var req PushRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			log.Printf("[nats] bad push request: %v", err)
			return
		}
		handler(req)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", SubjectPushDispatch, err)
	}

	c.mu.Lock()
	c.subs[SubjectPushDispatch] = sub
	c.mu.Unlock()
	return nil
}

// PublishGlobal publishes a global-room event tagged with this node's origin.
func (c *NATSClient) PublishGlobal(payload []byte) error {
	data, err := json.Marshal(GlobalEvent{Origin: c.name, Payload: payload})
	if err != nil {
		return fmt.Errorf("nats: marshal global event: %w", err)
	}
	return c.Publish(SubjectGlobalEvents, data)
}

// SubscribeGlobal subscribes to global-room events from other nodes. Events
// published by this node are skipped.
func (c *NATSClient) SubscribeGlobal(handler func(payload []byte)) error {
	return c.Subscribe(SubjectGlobalEvents, func(msg *nats.Msg) {
		var ev GlobalEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Printf("[nats] bad global event: %v", err)
			return
		}
		if ev.Origin == c.name {
			return
		}
		handler(ev.Payload)
	})
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
