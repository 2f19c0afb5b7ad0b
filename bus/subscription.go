package bus

import (
	"sync"

	"github.com/upb/agent-control-plane/models"
)

// Subscription is one agent's registered interest in a set of event types.
// Events arrive on C in publish order; for a fixed correlation id that
// order matches the publishers' order. The channel is closed when the
// subscription is cancelled or the bus shuts down.
type Subscription struct {
	AgentID string
	Types   []models.EventType
	C       <-chan *models.EventEnvelope

	ch     chan *models.EventEnvelope
	done   chan struct{}
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*models.EventEnvelope
	closed bool

	depthThreshold int
	degraded       bool
}

func newSubscription(agentID string, types []models.EventType, depthThreshold int) *Subscription {
	s := &Subscription{
		AgentID:        agentID,
		Types:          types,
		ch:             make(chan *models.EventEnvelope),
		done:           make(chan struct{}),
		depthThreshold: depthThreshold,
	}
	s.cond = sync.NewCond(&s.mu)
	s.C = s.ch
	return s
}

func (s *Subscription) wants(eventType models.EventType) bool {
	for _, t := range s.Types {
		if t == eventType {
			return true
		}
	}
	return false
}

// enqueue appends an event to the inbound queue. The queue is unbounded so
// publishers never wait on slow subscribers; crossing the depth threshold
// reports backpressure instead of dropping.
func (s *Subscription) enqueue(env *models.EventEnvelope) (nowDegraded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.queue = append(s.queue, env)
	if !s.degraded && len(s.queue) > s.depthThreshold {
		s.degraded = true
		nowDegraded = true
	}
	s.cond.Signal()
	return nowDegraded
}

// dequeue blocks until an event is available or the subscription closes.
// The second return reports whether the backlog drained below the
// recovery threshold on this pop.
func (s *Subscription) dequeue() (env *models.EventEnvelope, recovered bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.closed {
		s.cond.Wait()
	}
	if len(s.queue) == 0 {
		return nil, false, false
	}
	env = s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	if s.degraded && len(s.queue) <= s.depthThreshold/2 {
		s.degraded = false
		recovered = true
	}
	return env, recovered, true
}

// Depth returns the current inbound queue depth.
func (s *Subscription) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Subscription) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	s.cond.Broadcast()
	s.mu.Unlock()
}

// pump moves events from the queue to the delivery channel, one at a
// time, preserving order. Delivery to a stalled consumer parks here
// without affecting other subscribers or publishers.
func (s *Subscription) pump(onRecovered func()) {
	defer close(s.ch)
	for {
		env, recovered, ok := s.dequeue()
		if !ok {
			return
		}
		if recovered && onRecovered != nil {
			onRecovered()
		}
		select {
		case s.ch <- env:
		case <-s.done:
			return
		}
	}
}
