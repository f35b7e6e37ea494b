// Package bus fans ingestion and lifecycle events out to live subscribers.
package bus

import (
	"sync"
	"time"

	"github.com/golang-collections/collections/queue"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"unibox/models"
)

// Handler receives envelopes for one subscription, one at a time and in publish order
type Handler func(Envelope)

// Bus is an in-process topic bus. Every subscriber owns an unbounded FIFO
// drained by its own goroutine: Publish never blocks on a slow handler and
// never drops, and each subscriber sees envelopes in publish order.
type Bus struct {
	mu     sync.RWMutex
	pubMu  sync.Mutex
	subs   map[Topic]map[uint64]*subscriber
	nextID uint64
	closed bool
	wg     sync.WaitGroup
	logger *logrus.Entry
}

func New(logger *logrus.Entry) *Bus {
	return &Bus{
		subs:   make(map[Topic]map[uint64]*subscriber),
		logger: logger,
	}
}

// Publish wraps payload in an envelope and queues it for every subscriber of topic
func (b *Bus) Publish(topic Topic, platform models.Platform, payload interface{}) Envelope {
	env := Envelope{
		ID:        uuid.NewString(),
		Topic:     topic,
		Platform:  platform,
		EmittedAt: time.Now().UTC(),
		Payload:   payload,
	}

	// pubMu gives all subscribers of a topic the same global order
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.logger.WithField("topic", topic).Warn("Publish on closed bus dropped")
		return env
	}
	for _, sub := range b.subs[topic] {
		sub.push(env)
	}
	return env
}

// Subscribe registers handler for topic and returns the func that removes it.
// Envelopes already queued for the subscriber are still delivered.
func (b *Bus) Subscribe(topic Topic, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	sub := newSubscriber(topic, handler, b.logger)
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]*subscriber)
	}
	b.subs[topic][id] = sub

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		sub.run()
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[topic], id)
			b.mu.Unlock()
			sub.close()
		})
	}
}

// SubscribeAll registers handler on every topic
func (b *Bus) SubscribeAll(handler Handler) func() {
	var unsubs []func()
	for _, topic := range Topics {
		unsubs = append(unsubs, b.Subscribe(topic, handler))
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

// Close stops accepting publishes and waits until every queue is drained
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.close()
		}
	}
	b.subs = make(map[Topic]map[uint64]*subscriber)
	b.mu.Unlock()

	b.wg.Wait()
}

type subscriber struct {
	topic   Topic
	handler Handler
	logger  *logrus.Entry

	mu     sync.Mutex
	cond   *sync.Cond
	queue  *queue.Queue
	closed bool
}

func newSubscriber(topic Topic, handler Handler, logger *logrus.Entry) *subscriber {
	s := &subscriber{
		topic:   topic,
		handler: handler,
		logger:  logger,
		queue:   queue.New(),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *subscriber) push(env Envelope) {
	s.mu.Lock()
	if !s.closed {
		s.queue.Enqueue(env)
	}
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()
}

func (s *subscriber) run() {
	for {
		s.mu.Lock()
		for s.queue.Len() == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.queue.Len() == 0 {
			s.mu.Unlock()
			return
		}
		env := s.queue.Dequeue().(Envelope)
		s.mu.Unlock()

		s.deliver(env)
	}
}

func (s *subscriber) deliver(env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithFields(logrus.Fields{
				"topic":    s.topic,
				"event_id": env.ID,
				"panic":    r,
			}).Error("Subscriber handler panicked")
		}
	}()
	s.handler(env)
}
