package client

import "sync"

// delivery is a received message and the handlers it matched when it
// arrived. An empty handlers slice routes it to Config.DefaultHandler.
type delivery struct {
	msg      *Message
	handlers []MessageHandler
}

// deliveryQueue is an unbounded FIFO between the read loop and the delivery
// goroutine. push never blocks, so slow handlers cannot stall acknowledgments.
type deliveryQueue struct {
	mu     sync.Mutex
	items  []delivery
	closed bool
	signal chan struct{}
}

func newDeliveryQueue() *deliveryQueue {
	return &deliveryQueue{signal: make(chan struct{}, 1)}
}

func (q *deliveryQueue) push(d delivery) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, d)
	q.mu.Unlock()
	q.notify()
}

// close stops accepting messages. Messages already queued are still returned
// by next.
func (q *deliveryQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notify()
}

func (q *deliveryQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// next blocks until messages are available and returns all of them. It
// returns false once the queue is closed and empty.
func (q *deliveryQueue) next() ([]delivery, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			batch := q.items
			q.items = nil
			q.mu.Unlock()
			return batch, true
		}
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		q.mu.Unlock()
		<-q.signal
	}
}

// len returns the number of queued messages.
func (q *deliveryQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
