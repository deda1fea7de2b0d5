// Package broker wraps the MQTT client the Dispatcher subscribes
// through, isolating the rest of the core from the paho client's
// callback-based API.
package broker

import (
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Message is the minimal view of an inbound broker message the
// Dispatcher needs.
type Message struct {
	Topic   string
	Payload []byte
}

// Handler processes one inbound Message. The MQTT callback never calls a
// Handler directly; it only enqueues, so a slow or blocking Handler backs
// up the single Run loop, not the callback itself.
type Handler func(Message)

// Client wraps a paho MQTT client for wildcard topic subscription.
type Client struct {
	mqtt    mqtt.Client
	inbox   chan Message
	handler Handler
	done    chan struct{}
}

// Config configures a broker Client.
type Config struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	// InboxSize bounds how many messages may be queued between the MQTT
	// callback and the handler goroutine; default 256.
	InboxSize int
}

// Connect dials the broker and returns a ready Client. It does not
// subscribe to anything yet; call Subscribe per topic filter.
func Connect(cfg Config) (*Client, error) {
	if cfg.InboxSize == 0 {
		cfg.InboxSize = 256
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(10 * time.Second)

	c := &Client{
		inbox: make(chan Message, cfg.InboxSize),
		done:  make(chan struct{}),
	}

	opts.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
		c.enqueue(Message{Topic: msg.Topic(), Payload: msg.Payload()})
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connecting to broker %s: timed out", cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to broker %s: %w", cfg.BrokerURL, err)
	}
	c.mqtt = client
	return c, nil
}

// Subscribe registers handler for every message matching topicFilter
// (which may contain MQTT `+`/`#` wildcards, e.g. the default
// `ops/+/+/+/session/closed`). Only one handler is supported per Client;
// Subscribe may be called multiple times for distinct filters, all
// routed to the same handler, distinguished by Message.Topic.
func (c *Client) Subscribe(topicFilter string, handler Handler) error {
	c.handler = handler
	token := c.mqtt.Subscribe(topicFilter, 1, func(_ mqtt.Client, msg mqtt.Message) {
		c.enqueue(Message{Topic: msg.Topic(), Payload: msg.Payload()})
	})
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("subscribing to %s: timed out", topicFilter)
	}
	return token.Error()
}

// Run drains the inbox and dispatches to the registered handler until
// Close is called. Handler panics are recovered and logged: a bad
// handler must never kill the subscription.
func (c *Client) Run() {
	for {
		select {
		case msg := <-c.inbox:
			c.dispatch(msg)
		case <-c.done:
			return
		}
	}
}

func (c *Client) dispatch(msg Message) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("broker handler panicked", "topic", msg.Topic, "panic", r)
		}
	}()
	if c.handler != nil {
		c.handler(msg)
	}
}

// enqueue never blocks the MQTT callback beyond the channel send; if the
// inbox is full the message is dropped and logged.
func (c *Client) enqueue(msg Message) {
	select {
	case c.inbox <- msg:
	default:
		slog.Warn("broker inbox full, dropping message", "topic", msg.Topic)
	}
}

// Close disconnects from the broker and stops Run.
func (c *Client) Close() {
	close(c.done)
	if c.mqtt != nil {
		c.mqtt.Disconnect(250)
	}
}
