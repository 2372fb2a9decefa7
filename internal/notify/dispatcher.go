package notify

import (
	"context"
	"log"
	"sync"
	"time"
)

type alert struct {
	title   string
	message string
}

// Dispatcher decouples notification delivery from the request path: Enqueue
// never blocks, a single background worker drains the queue, and each alert is
// retried with doubling backoff before being dropped. Delivery failure never
// reaches the caller.
type Dispatcher struct {
	sender   Sender
	queue    chan alert
	attempts int
	backoff  time.Duration
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewDispatcher(sender Sender, queueSize int) *Dispatcher {
	if sender == nil {
		sender = NoopSender{}
	}
	if queueSize < 1 {
		queueSize = 64
	}

	d := &Dispatcher{
		sender:   sender,
		queue:    make(chan alert, queueSize),
		attempts: 3,
		backoff:  500 * time.Millisecond,
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// Enqueue hands an alert to the background worker. When the queue is full the
// alert is dropped with a logged warning rather than blocking the request.
func (d *Dispatcher) Enqueue(title string, message string) {
	select {
	case d.queue <- alert{title: title, message: message}:
	default:
		log.Printf("[notify] WARN: queue full, dropping alert %q", title)
	}
}

// Close stops accepting alerts, drains what is already queued and waits for
// the worker to finish.
func (d *Dispatcher) Close() {
	d.stopOnce.Do(func() {
		close(d.queue)
	})
	d.wg.Wait()
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for a := range d.queue {
		d.deliver(a)
	}
}

func (d *Dispatcher) deliver(a alert) {
	delay := d.backoff
	for attempt := 1; attempt <= d.attempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := d.sender.Send(ctx, a.title, a.message)
		cancel()
		if err == nil {
			return
		}
		if attempt == d.attempts {
			log.Printf("[notify] WARN: giving up on alert %q after %d attempts: %v", a.title, attempt, err)
			return
		}
		log.Printf("[notify] delivery attempt %d failed for %q: %v", attempt, a.title, err)
		time.Sleep(delay)
		delay *= 2
	}
}
