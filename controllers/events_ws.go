package controller

import (
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"

	"unibox/bus"
)

// eventWriteTimeout bounds one write to a client; a client slower than this is dropped
const eventWriteTimeout = 10 * time.Second

// Subscriber is the subscribe side of the notification bus
type Subscriber interface {
	SubscribeAll(handler bus.Handler) func()
}

type EventsController struct {
	bus          Subscriber
	writeTimeout time.Duration
	logger       *logrus.Entry
}

func NewEventsController(b Subscriber, logger *logrus.Entry) *EventsController {
	return &EventsController{bus: b, writeTimeout: eventWriteTimeout, logger: logger}
}

// eventConn is the write side of a client socket
type eventConn interface {
	SetWriteDeadline(t time.Time) error
	WriteJSON(v interface{}) error
}

// eventStream serializes envelope writes to one client and closes done on
// the first failed or timed out write
type eventStream struct {
	conn    eventConn
	timeout time.Duration
	logger  *logrus.Entry

	mu   sync.Mutex
	once sync.Once
	done chan struct{}
}

func newEventStream(conn eventConn, timeout time.Duration, logger *logrus.Entry) *eventStream {
	return &eventStream{conn: conn, timeout: timeout, logger: logger, done: make(chan struct{})}
}

func (s *eventStream) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *eventStream) send(env bus.Envelope) {
	select {
	case <-s.done:
		return
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
	if err == nil {
		err = s.conn.WriteJSON(env)
	}
	if err != nil {
		s.logger.WithError(err).WithField("event_id", env.ID).Debug("Event stream write failed")
		s.stop()
	}
}

// HandleEvents streams every bus envelope to the socket as JSON until the
// client goes away or stops reading
func (ec *EventsController) HandleEvents(c *websocket.Conn) {
	defer c.Close()

	stream := newEventStream(c, ec.writeTimeout, ec.logger)
	unsubscribe := ec.bus.SubscribeAll(stream.send)
	defer unsubscribe()

	ec.logger.WithField("remote", c.RemoteAddr().String()).Info("Event stream opened")

	// inbound frames are ignored; a read error means the client left
	go func() {
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				stream.stop()
				return
			}
		}
	}()

	<-stream.done
	ec.logger.WithField("remote", c.RemoteAddr().String()).Info("Event stream closed")
}
