package apps

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// correlator matches responses to the requests this side sent. Every request gets a record keyed
// by its numeric id; the record is settled exactly once, by whichever comes first of a matching
// response, its timeout, the caller giving up, or teardown of the whole correlator.
type correlator struct {
	metrics *Metrics

	mu      sync.Mutex
	lastID  int64
	pending map[int64]*pendingRequest
	closed  error
}

type pendingRequest struct {
	id      RequestID
	method  string
	started time.Time
	timer   *time.Timer

	// replies is buffered so the settling side never blocks on a caller that already left.
	replies chan reply
}

type reply struct {
	result json.RawMessage
	err    error
}

func newCorrelator(metrics *Metrics) *correlator {
	return &correlator{
		metrics: metrics,
		pending: make(map[int64]*pendingRequest),
	}
}

// register allocates the next id and records a pending request for it. A positive timeout arms
// a timer that settles the record with ErrRequestTimeout.
func (c *correlator) register(method string, timeout time.Duration) (*pendingRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed != nil {
		return nil, c.closed
	}

	for {
		c.lastID++
		if _, ok := c.pending[c.lastID]; !ok {
			break
		}
	}
	id := c.lastID

	p := &pendingRequest{
		id:      NumberID(id),
		method:  method,
		started: time.Now(),
		replies: make(chan reply, 1),
	}
	if timeout > 0 {
		p.timer = time.AfterFunc(timeout, func() {
			c.settle(id, reply{
				err: fmt.Errorf("%w: %s did not answer within %s", ErrRequestTimeout, method, timeout),
			}, outcomeTimeout)
		})
	}
	c.pending[id] = p
	c.metrics.requestStarted()

	return p, nil
}

// settle removes the record for id and delivers r to its caller. It reports false when the
// record was already settled by another path.
func (c *correlator) settle(id int64, r reply, outcome string) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	p.finish(r, outcome, c.metrics)
	return true
}

// resolve settles the request a response envelope answers. Responses with an unknown or
// non-numeric id report false and change nothing.
func (c *correlator) resolve(env Envelope) bool {
	if env.ID == nil {
		return false
	}
	id, ok := env.ID.Number()
	if !ok {
		return false
	}

	if env.Error != nil {
		return c.settle(id, reply{err: env.Error}, outcomeError)
	}
	return c.settle(id, reply{result: env.Result}, outcomeSuccess)
}

// closeAll settles every pending request with err and makes further registrations fail with it.
// It returns the number of requests it rejected.
func (c *correlator) closeAll(err error) int {
	c.mu.Lock()
	if c.closed == nil {
		c.closed = err
	}
	pending := c.pending
	c.pending = make(map[int64]*pendingRequest)
	c.mu.Unlock()

	for _, p := range pending {
		p.finish(reply{err: err}, outcomeClosed, c.metrics)
	}
	return len(pending)
}

func (c *correlator) outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (p *pendingRequest) finish(r reply, outcome string, metrics *Metrics) {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.replies <- r
	metrics.requestSettled(p.method, outcome, time.Since(p.started))
}

func (p *pendingRequest) number() int64 {
	n, _ := p.id.Number()
	return n
}
