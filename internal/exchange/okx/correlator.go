package okx

import (
	"fmt"
	"sync"
)

// correlationResult is the terminal state of one in-flight streaming
// request: either the tagged response or the failure that ended it.
type correlationResult struct {
	res wsRequestResult
	err error
}

// correlator matches inbound tagged streaming responses to the pending
// caller by request id. Each entry resolves at most once; entries that are
// still pending when the connection drops are failed, never leaked.
type correlator struct {
	mu      sync.Mutex
	pending map[string]chan correlationResult
}

func newCorrelator() *correlator {
	return &correlator{pending: make(map[string]chan correlationResult)}
}

// register creates a pending entry for id and returns the channel its
// resolution will arrive on. Uniqueness within the in-flight window is the
// caller's responsibility; a duplicate id is rejected rather than racing two
// waiters for one response.
func (c *correlator) register(id string) (<-chan correlationResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.pending[id]; exists {
		return nil, fmt.Errorf("request id %q already in flight", id)
	}
	ch := make(chan correlationResult, 1)
	c.pending[id] = ch
	return ch, nil
}

// resolve delivers a tagged response to its waiter. Responses with no
// pending entry (late arrivals after a failAll) are dropped.
func (c *correlator) resolve(res wsRequestResult) bool {
	c.mu.Lock()
	ch, ok := c.pending[res.ID]
	if ok {
		delete(c.pending, res.ID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	ch <- correlationResult{res: res}
	return true
}

// drop removes a pending entry when the caller gave up waiting.
func (c *correlator) drop(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// failAll resolves every pending entry to err. Called on disconnect and on
// shutdown so no waiter blocks forever on a response that cannot arrive.
func (c *correlator) failAll(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan correlationResult)
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- correlationResult{err: err}
	}
}
