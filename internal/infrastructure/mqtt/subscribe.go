package mqtt

import "fmt"

// Subscribe registers handler for filter, which may use the + and #
// wildcards, and tracks it so it is restored after a reconnect.
//
// Subscribing the same filter again replaces its handler. If the broker
// rejects the subscription the filter is not tracked.
func (c *Client) Subscribe(filter string, qos byte, handler MessageHandler) error {
	if filter == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.track(filter, subscription{qos: qos, handler: handler})

	token := c.paho.Subscribe(filter, qos, c.wrapHandler(handler))
	if err := await(token, defaultOperationTimeout, ErrSubscribeFailed); err != nil {
		c.untrack(filter)
		return err
	}
	return nil
}

// Unsubscribe stops delivery for filter. Messages already in flight may
// still reach the old handler.
func (c *Client) Unsubscribe(filter string) error {
	if filter == "" {
		return ErrInvalidTopic
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.untrack(filter)
	return await(c.paho.Unsubscribe(filter), defaultOperationTimeout, ErrUnsubscribeFailed)
}

// SubscriptionCount returns the number of tracked filters.
func (c *Client) SubscriptionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscriptions)
}

// HasSubscription reports whether filter is tracked. It compares filter
// strings; use Match to test a topic against a filter.
func (c *Client) HasSubscription(filter string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subscriptions[filter]
	return ok
}

func (c *Client) track(filter string, sub subscription) {
	c.mu.Lock()
	c.subscriptions[filter] = sub
	c.mu.Unlock()
}

func (c *Client) untrack(filter string) {
	c.mu.Lock()
	delete(c.subscriptions, filter)
	c.mu.Unlock()
}
