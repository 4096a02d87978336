// Package eventbus wraps a NATS connection as the gateway's process-wide
// bus for callback_result delivery and Client Hub event fan-out, so a
// long-poll or SSE listener on one gateway process can observe a result
// produced by another (spec.md §4.8's callback_result bus).
package eventbus

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	subjectCallbackResult = "gateway.callback_result" // + .<requestId>
	subjectEvent          = "gateway.event"           // + .<eventName>, "*" subscribes to all
)

// Config holds NATS connection settings, adapted from the teacher's
// NATSConfig (internal/messaging/nats.go).
type Config struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	MaxReconnects int
}

// DefaultConfig returns sensible defaults matching the teacher's
// DefaultNATSConfig.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "browser-control-gateway",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Client wraps a NATS connection with the gateway's two fan-out shapes:
// one-shot callback_result delivery per requestId, and broadcast event
// delivery per event name.
type Client struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// Connect dials NATS with config and returns a ready Client.
func Connect(config Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("eventbus: disconnected: %v", err)
			} else {
				log.Printf("eventbus: disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("eventbus: reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("eventbus: connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("eventbus: connect: %w", err)
	}
	log.Printf("eventbus: connected to %s", nc.ConnectedUrl())

	return &Client{conn: nc, subs: make(map[string]*nats.Subscription)}, nil
}

// PublishCallbackResult announces that requestId reached a terminal
// state, carrying the same payload shape the Callback Store holds, for
// any long-poll listener racing against it on any gateway process.
func (c *Client) PublishCallbackResult(requestID string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("eventbus: marshal callback_result for %s: %w", requestID, err)
	}
	return c.conn.Publish(subjectCallbackResult+"."+requestID, data)
}

// SubscribeCallbackResult registers a one-shot handler for requestId's
// callback_result subject, used by the HTTP long-poll endpoint to race a
// local channel wait against a cross-process result. The returned cancel
// func unsubscribes; it is safe to call more than once.
func (c *Client) SubscribeCallbackResult(requestID string, handler func(data []byte)) (cancel func(), err error) {
	subject := subjectCallbackResult + "." + requestID
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("eventbus: subscribe %s: %w", subject, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if uerr := sub.Unsubscribe(); uerr != nil {
				log.Printf("eventbus: unsubscribe %s: %v", subject, uerr)
			}
		})
	}, nil
}

// PublishEvent fans an event out to any other gateway process's Client
// Hub subscribers (spec.md §4.7), in addition to the local in-process
// clienthub.Hub.Publish push.
func (c *Client) PublishEvent(eventName string, data interface{}) error {
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("eventbus: marshal event %s: %w", eventName, err)
	}
	return c.conn.Publish(subjectEvent+"."+eventName, body)
}

// SubscribeAllEvents subscribes to every gateway.event.* subject. The
// handler receives the trailing event name and the raw JSON payload.
// Nothing in this repository calls it; the SSE endpoint streams only
// events emitted in its own process.
func (c *Client) SubscribeAllEvents(handler func(eventName string, data []byte)) (cancel func(), err error) {
	subject := subjectEvent + ".*"
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		name := msg.Subject[len(subjectEvent)+1:]
		handler(name, msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("eventbus: subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	key := fmt.Sprintf("sse:%p", sub)
	c.subs[key] = sub
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, key)
			c.mu.Unlock()
			if uerr := sub.Unsubscribe(); uerr != nil {
				log.Printf("eventbus: unsubscribe %s: %v", subject, uerr)
			}
		})
	}, nil
}

// Close drains any remaining subscriptions and closes the connection.
func (c *Client) Close() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]*nats.Subscription)
	c.mu.Unlock()

	for key, sub := range subs {
		if err := sub.Drain(); err != nil {
			log.Printf("eventbus: drain %s: %v", key, err)
		}
	}
	if err := c.conn.Drain(); err != nil {
		log.Printf("eventbus: connection drain: %v", err)
	}
	log.Printf("eventbus: client closed")
}
