package kura

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/nerrad567/kura-gateway/internal/infrastructure/mqtt"
)

// Transport is the publish/subscribe surface the bridge needs.
// *mqtt.Client satisfies it.
type Transport interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// RequestKind labels a request for logging and selective discard.
type RequestKind string

// Request kinds.
const (
	RequestAssets RequestKind = "assets"
	RequestRead   RequestKind = "read"
	RequestWrite  RequestKind = "write"
)

// Request describes one request/reply exchange.
type Request struct {
	Kind RequestKind

	// Topic is where the request is published.
	Topic string

	// ReplyTopic derives the reply topic from the correlation id.
	ReplyTopic func(corrID string) string

	// Payload builds the request payload for the correlation id.
	Payload func(corrID string) ([]byte, error)

	// OnReply receives the raw reply payload. Called at most once.
	OnReply func(payload []byte)

	// OnFailure is called when retries are exhausted. Optional.
	OnFailure func(err error)
}

// RetryPolicy controls request timeouts. A zero Timeout disables it and a
// request then waits for its reply until discarded.
type RetryPolicy struct {
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// pendingRequest is a request awaiting its reply.
type pendingRequest struct {
	id         string
	replyTopic string
	req        Request
	payload    []byte
	issuedAt   time.Time
	retries    int
	backoff    *backoff.ExponentialBackOff
	timer      *time.Timer
}

// Correlator turns publish/subscribe into one-shot request/reply.
//
// Each request gets a random 128-bit correlation id and its own reply topic.
// The reply topic is subscribed before the request is published and is
// unsubscribed exactly once: when the first reply arrives, when the request
// is discarded or when its retries run out.
type Correlator struct {
	transport Transport
	qos       byte
	policy    RetryPolicy
	logger    Logger

	mu      sync.Mutex
	pending map[string]*pendingRequest // keyed by reply topic
}

// NewCorrelator creates a correlator publishing through transport.
func NewCorrelator(transport Transport, qos byte, policy RetryPolicy, logger Logger) *Correlator {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Correlator{
		transport: transport,
		qos:       qos,
		policy:    policy,
		logger:    logger,
		pending:   make(map[string]*pendingRequest),
	}
}

// newCorrelationID returns a random v4 UUID as 32 hex digits.
func newCorrelationID() (string, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generating correlation id: %w", err)
	}
	return hex.EncodeToString(u[:]), nil
}

// Issue subscribes to the reply topic, records the request and publishes it.
// It returns the correlation id without waiting for the reply.
func (c *Correlator) Issue(req Request) (string, error) {
	id, err := newCorrelationID()
	if err != nil {
		return "", err
	}
	payload, err := req.Payload(id)
	if err != nil {
		return "", fmt.Errorf("building %s request: %w", req.Kind, err)
	}

	p := &pendingRequest{
		id:         id,
		replyTopic: req.ReplyTopic(id),
		req:        req,
		payload:    payload,
		issuedAt:   time.Now(),
	}

	c.mu.Lock()
	c.pending[p.replyTopic] = p
	c.mu.Unlock()

	if err := c.transport.Subscribe(p.replyTopic, c.qos, c.handleReply); err != nil {
		c.remove(p)
		return "", fmt.Errorf("subscribing to %s reply: %w", req.Kind, err)
	}

	if err := c.transport.Publish(req.Topic, payload, c.qos, false); err != nil {
		if c.remove(p) {
			c.unsubscribe(p.replyTopic)
		}
		return "", fmt.Errorf("publishing %s request: %w", req.Kind, err)
	}

	c.mu.Lock()
	if c.pending[p.replyTopic] == p {
		c.armLocked(p)
	}
	c.mu.Unlock()

	c.logger.Debug("request issued", "kind", req.Kind, "request_id", id, "topic", req.Topic)
	return id, nil
}

// handleReply is the transport handler for every reply topic.
func (c *Correlator) handleReply(topic string, payload []byte) error {
	c.mu.Lock()
	p, ok := c.pending[topic]
	if ok {
		c.dropLocked(p)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("dropping reply without pending request", "topic", topic)
		return nil
	}

	c.unsubscribe(topic)
	c.logger.Debug("reply received",
		"kind", p.req.Kind,
		"request_id", p.id,
		"latency", time.Since(p.issuedAt),
	)
	p.req.OnReply(payload)
	return nil
}

// Discard drops pending requests of the given kinds, or all of them when no
// kind is given, and unsubscribes their reply topics. Late replies are then
// ignored.
func (c *Correlator) Discard(kinds ...RequestKind) {
	var dropped []*pendingRequest

	c.mu.Lock()
	for _, p := range c.pending {
		if len(kinds) == 0 || containsKind(kinds, p.req.Kind) {
			dropped = append(dropped, p)
		}
	}
	for _, p := range dropped {
		c.dropLocked(p)
	}
	c.mu.Unlock()

	for _, p := range dropped {
		c.unsubscribe(p.replyTopic)
		c.logger.Debug("request discarded", "kind", p.req.Kind, "request_id", p.id)
	}
}

// Pending returns the number of requests awaiting a reply.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// armLocked starts the reply timeout for p. Caller holds mu.
func (c *Correlator) armLocked(p *pendingRequest) {
	if c.policy.Timeout <= 0 {
		return
	}
	p.timer = time.AfterFunc(c.policy.Timeout, func() { c.expire(p) })
}

// expire runs when p has waited Timeout without a reply.
func (c *Correlator) expire(p *pendingRequest) {
	c.mu.Lock()
	if c.pending[p.replyTopic] != p {
		c.mu.Unlock()
		return
	}

	if p.retries >= c.policy.MaxRetries {
		c.dropLocked(p)
		c.mu.Unlock()

		c.unsubscribe(p.replyTopic)
		err := fmt.Errorf("%w: %s request %s got no reply after %d attempts", ErrRequestFailed, p.req.Kind, p.id, p.retries+1)
		c.logger.Error("request failed", "kind", p.req.Kind, "request_id", p.id, "error", err)
		if p.req.OnFailure != nil {
			p.req.OnFailure(err)
		}
		return
	}

	if p.backoff == nil {
		p.backoff = c.newBackoff()
	}
	wait := p.backoff.NextBackOff()
	if wait == backoff.Stop {
		wait = c.policy.MaxBackoff
	}
	p.retries++
	retry := p.retries
	p.timer = time.AfterFunc(wait, func() { c.resend(p) })
	c.mu.Unlock()

	c.logger.Warn("request timed out, retrying",
		"kind", p.req.Kind,
		"request_id", p.id,
		"retry", retry,
		"backoff", wait,
	)
}

// resend republishes p with the same correlation id; its reply topic is
// still subscribed.
func (c *Correlator) resend(p *pendingRequest) {
	c.mu.Lock()
	if c.pending[p.replyTopic] != p {
		c.mu.Unlock()
		return
	}
	c.armLocked(p)
	c.mu.Unlock()

	if err := c.transport.Publish(p.req.Topic, p.payload, c.qos, false); err != nil {
		c.logger.Warn("republishing request failed", "kind", p.req.Kind, "request_id", p.id, "error", err)
	}
}

func (c *Correlator) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if c.policy.InitialBackoff > 0 {
		b.InitialInterval = c.policy.InitialBackoff
	}
	if c.policy.MaxBackoff > 0 {
		b.MaxInterval = c.policy.MaxBackoff
	}
	b.Reset()
	return b
}

// remove drops p if it is still pending and reports whether it was.
func (c *Correlator) remove(p *pendingRequest) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[p.replyTopic] != p {
		return false
	}
	c.dropLocked(p)
	return true
}

// dropLocked removes p and stops its timer. Caller holds mu.
func (c *Correlator) dropLocked(p *pendingRequest) {
	delete(c.pending, p.replyTopic)
	if p.timer != nil {
		p.timer.Stop()
	}
}

func (c *Correlator) unsubscribe(topic string) {
	if err := c.transport.Unsubscribe(topic); err != nil {
		c.logger.Warn("unsubscribing reply topic failed", "topic", topic, "error", err)
	}
}

func containsKind(kinds []RequestKind, k RequestKind) bool {
	for _, kind := range kinds {
		if kind == k {
			return true
		}
	}
	return false
}
