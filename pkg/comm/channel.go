package comm

import (
	"context"
	"errors"
	"sync"
)

//go:generate mockgen -source=channel.go -destination=mocks/mock_channel.go -package=mocks

// ErrNotConnected is returned by Send when the channel is down
var ErrNotConnected = errors.New("channel not connected")

// Envelope is a raw message body plus the instance id it is routed by
type Envelope struct {
	Body       string
	RoutingKey string
}

// Channel is the transport between the master and its workers. Recv never
// blocks; it reports false when no message is waiting.
type Channel interface {
	Setup(ctx context.Context) error
	Send(body, routingKey string) error
	Recv() (Envelope, bool)
	IsConnected() bool
	Shutdown() error
}

// MemChannel is an in-process Channel. Deliver queues inbound messages and
// Sent exposes everything the master sent.
type MemChannel struct {
	mu        sync.Mutex
	connected bool
	setups    int
	inbox     []Envelope
	sent      []Envelope
}

// NewMemChannel creates a disconnected in-memory channel
func NewMemChannel() *MemChannel {
	return &MemChannel{}
}

func (c *MemChannel) Setup(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	c.setups++
	return nil
}

func (c *MemChannel) Send(body, routingKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return ErrNotConnected
	}
	c.sent = append(c.sent, Envelope{Body: body, RoutingKey: routingKey})
	return nil
}

func (c *MemChannel) Recv() (Envelope, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || len(c.inbox) == 0 {
		return Envelope{}, false
	}
	env := c.inbox[0]
	c.inbox = c.inbox[1:]
	return env, true
}

func (c *MemChannel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *MemChannel) Shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	return nil
}

// Deliver queues a message from the worker identified by routingKey
func (c *MemChannel) Deliver(routingKey string, m Message) {
	c.DeliverRaw(Envelope{Body: Encode(m), RoutingKey: routingKey})
}

// DeliverRaw queues an already-encoded envelope
func (c *MemChannel) DeliverRaw(env Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inbox = append(c.inbox, env)
}

// Sent returns a copy of every envelope sent so far
func (c *MemChannel) Sent() []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Envelope(nil), c.sent...)
}

// SentTo returns the decoded messages sent to routingKey, skipping any
// that fail to decode
func (c *MemChannel) SentTo(routingKey string) []Message {
	var out []Message
	for _, env := range c.Sent() {
		if env.RoutingKey != routingKey {
			continue
		}
		if m, err := Decode(env.Body); err == nil {
			out = append(out, m)
		}
	}
	return out
}

// Setups returns how many times Setup was called
func (c *MemChannel) Setups() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setups
}

// Drop simulates a lost broker connection
func (c *MemChannel) Drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
}

var _ Channel = (*MemChannel)(nil)
