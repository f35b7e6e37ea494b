// Package supervisor owns the platform adapters and drives each connection
// through its lifecycle. Every platform has one event queue and one consumer
// goroutine, so events of a platform are handled in arrival order.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"unibox/bus"
	"unibox/metrics"
	"unibox/models"
	"unibox/pipeline"
	"unibox/platform"
	"unibox/utils"
)

const eventQueueSize = 256

// ErrNoHistory is returned by Sync for platforms without a historical source
var ErrNoHistory = errors.New("platform has no historical source")

type Ingester interface {
	Ingest(ctx context.Context, p models.Platform, payload interface{}) (*pipeline.Result, error)
	IngestBatch(ctx context.Context, p models.Platform, payloads []interface{}) pipeline.BatchResult
}

type CursorStore interface {
	GetCursor(ctx context.Context, p models.Platform) (int64, error)
	SetCursor(ctx context.Context, p models.Platform, ts int64) error
}

type Publisher interface {
	Publish(topic bus.Topic, p models.Platform, payload interface{}) bus.Envelope
}

// StateInfo is the externally visible view of one connection
type StateInfo struct {
	Platform models.Platform `json:"platform"`
	State    State           `json:"state"`
	Reason   string          `json:"reason,omitempty"`
	Since    time.Time       `json:"since"`
	Syncable bool            `json:"syncable"`
}

type connection struct {
	adapter platform.Adapter
	events  chan event

	mu         sync.Mutex
	state      State
	reason     string
	since      time.Time
	generation uint64
	cancel     context.CancelFunc
	ctx        context.Context
}

type Supervisor struct {
	conns    map[models.Platform]*connection
	ingester Ingester
	cursors  CursorStore
	bus      Publisher
	logger   *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	start  sync.Once
}

// New registers one adapter per platform. Registering a platform twice is an error.
func New(adapters []platform.Adapter, ingester Ingester, cursors CursorStore, publisher Publisher, logger *logrus.Entry) (*Supervisor, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		conns:    make(map[models.Platform]*connection, len(adapters)),
		ingester: ingester,
		cursors:  cursors,
		bus:      publisher,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, a := range adapters {
		p := a.Platform()
		if _, ok := s.conns[p]; ok {
			cancel()
			return nil, fmt.Errorf("platform %s registered twice", p)
		}
		s.conns[p] = &connection{
			adapter: a,
			events:  make(chan event, eventQueueSize),
			state:   StateDisconnected,
			since:   time.Now().UTC(),
		}
		setStateGauge(p, StateDisconnected)
	}
	return s, nil
}

// Start launches the per-platform consumer loops
func (s *Supervisor) Start() {
	s.start.Do(func() {
		for p, c := range s.conns {
			s.wg.Add(1)
			go s.consume(p, c)
		}
		s.logger.WithField("platforms", len(s.conns)).Info("Connection supervisor started")
	})
}

// Stop disconnects every platform and waits for the consumer loops to exit
func (s *Supervisor) Stop() {
	for p := range s.conns {
		if err := s.Disconnect(context.Background(), p); err != nil {
			s.logger.WithError(err).WithField("platform", p).Warn("Disconnect during shutdown failed")
		}
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Supervisor) lookup(p models.Platform) (*connection, error) {
	c, ok := s.conns[p]
	if !ok {
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownPlatform, p)
	}
	return c, nil
}

// Platforms returns the registered platforms in name order
func (s *Supervisor) Platforms() []models.Platform {
	out := make([]models.Platform, 0, len(s.conns))
	for p := range s.conns {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Supervisor) State(p models.Platform) (StateInfo, error) {
	c, err := s.lookup(p)
	if err != nil {
		return StateInfo{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return s.info(p, c), nil
}

func (s *Supervisor) States() []StateInfo {
	out := make([]StateInfo, 0, len(s.conns))
	for _, p := range s.Platforms() {
		c := s.conns[p]
		c.mu.Lock()
		out = append(out, s.info(p, c))
		c.mu.Unlock()
	}
	return out
}

func (s *Supervisor) info(p models.Platform, c *connection) StateInfo {
	_, syncable := c.adapter.(platform.Fetcher)
	return StateInfo{Platform: p, State: c.state, Reason: c.reason, Since: c.since, Syncable: syncable}
}

// Callbacks returns the boundary handler for the platform's current connect
// attempt. Signals from an earlier attempt are ignored.
func (s *Supervisor) Callbacks(p models.Platform) (platform.Callbacks, error) {
	c, err := s.lookup(p)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	gen := c.generation
	c.mu.Unlock()
	return &callbacks{s: s, c: c, generation: gen}, nil
}

// Connect starts a disconnected platform
func (s *Supervisor) Connect(ctx context.Context, p models.Platform) error {
	c, err := s.lookup(p)
	if err != nil {
		return err
	}
	return s.connect(ctx, p, c, StateDisconnected)
}

// Reconnect restarts a failed or disconnected platform
func (s *Supervisor) Reconnect(ctx context.Context, p models.Platform) error {
	c, err := s.lookup(p)
	if err != nil {
		return err
	}
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state == StateFailed {
		if err := c.adapter.Disconnect(); err != nil {
			s.logger.WithError(err).WithField("platform", p).Debug("Closing failed client")
		}
	}
	return s.connect(ctx, p, c, StateDisconnected, StateFailed)
}

func (s *Supervisor) connect(ctx context.Context, p models.Platform, c *connection, from ...State) error {
	c.mu.Lock()
	allowed := false
	for _, st := range from {
		if c.state == st {
			allowed = true
		}
	}
	if !allowed {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot connect %s from %s", models.ErrIllegalTransition, p, state)
	}
	if err := s.transitionLocked(p, c, StateConnecting, ""); err != nil {
		c.mu.Unlock()
		return err
	}
	c.generation++
	c.ctx, c.cancel = context.WithCancel(s.ctx)
	connCtx := c.ctx
	cb := &callbacks{s: s, c: c, generation: c.generation}
	c.mu.Unlock()

	log := s.logger.WithField("platform", p)
	log.Info("Connecting platform")

	if err := c.adapter.Connect(connCtx, cb); err != nil {
		cb.OnAuthFailure(err.Error())
		log.WithError(err).Warn("Platform connect failed")
		if !errors.Is(err, models.ErrConnectionFailure) {
			err = fmt.Errorf("%w: %v", models.ErrConnectionFailure, err)
		}
		return err
	}
	return nil
}

// Disconnect stops a platform. Queued events from the closed session are
// discarded; writes already started complete.
func (s *Supervisor) Disconnect(ctx context.Context, p models.Platform) error {
	c, err := s.lookup(p)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.state == StateDisconnected || c.state == StateFailed {
		if c.cancel != nil {
			c.cancel()
		}
		c.mu.Unlock()
		return nil
	}
	c.generation++
	if c.cancel != nil {
		c.cancel()
	}
	err = s.transitionLocked(p, c, StateDisconnected, "disconnect requested")
	c.mu.Unlock()

	if cerr := c.adapter.Disconnect(); cerr != nil {
		s.logger.WithError(cerr).WithField("platform", p).Warn("Adapter disconnect returned an error")
	}
	return err
}

// SendMessage sends through a connected platform
func (s *Supervisor) SendMessage(ctx context.Context, p models.Platform, target, body string) (*platform.SendResult, error) {
	c, err := s.lookup(p)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != StateConnected {
		return nil, fmt.Errorf("%w: %s is %s", models.ErrConnectionFailure, p, state)
	}

	res, err := c.adapter.SendMessage(ctx, target, body)
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{"platform": p, "target": target}).Warn("Send failed")
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{"platform": p, "target": target, "message_id": res.MessageID}).Info("Message sent")
	return res, nil
}

// Sync fetches history newer than the platform cursor, ingests it and
// advances the cursor to the newest stored timestamp.
func (s *Supervisor) Sync(ctx context.Context, p models.Platform) (pipeline.BatchResult, error) {
	c, err := s.lookup(p)
	if err != nil {
		return pipeline.BatchResult{}, err
	}
	fetcher, ok := c.adapter.(platform.Fetcher)
	if !ok {
		return pipeline.BatchResult{}, fmt.Errorf("%w: %s", ErrNoHistory, p)
	}

	c.mu.Lock()
	state, gen, connCtx := c.state, c.generation, c.ctx
	c.mu.Unlock()
	if state != StateConnected {
		return pipeline.BatchResult{}, fmt.Errorf("%w: %s is %s", models.ErrConnectionFailure, p, state)
	}

	// stop when either the caller or the connection goes away
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(connCtx, cancel)
	defer stop()

	started := time.Now()
	defer func() {
		metrics.SyncDuration.WithLabelValues(string(p)).Observe(time.Since(started).Seconds())
	}()

	log := s.logger.WithField("platform", p)
	cursor, err := s.cursors.GetCursor(ctx, p)
	if err != nil {
		return pipeline.BatchResult{}, err
	}

	payloads, err := fetcher.FetchBatch(ctx, cursor)
	if err != nil {
		if errors.Is(err, models.ErrConnectionFailure) {
			(&callbacks{s: s, c: c, generation: gen}).OnAuthFailure(err.Error())
		}
		utils.LogError(log, "sync_fetch", err, map[string]interface{}{"cursor": cursor})
		return pipeline.BatchResult{}, err
	}

	res := s.ingester.IngestBatch(ctx, p, payloads)
	if res.Newest > cursor {
		if err := s.cursors.SetCursor(ctx, p, res.Newest); err != nil {
			log.WithError(err).Warn("Failed to advance sync cursor")
			if res.Err == nil {
				res.Err = err
			}
		}
	}

	log.WithFields(logrus.Fields{
		"fetched":  len(payloads),
		"ingested": res.Ingested,
		"warnings": len(res.Warnings),
		"cursor":   res.Newest,
	}).Info("Sync finished")
	return res, res.Err
}

// SyncAll syncs every connected platform that has a historical source.
// Platforms run concurrently; errors are logged per platform.
func (s *Supervisor) SyncAll(ctx context.Context) map[models.Platform]pipeline.BatchResult {
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make(map[models.Platform]pipeline.BatchResult)
	)
	for p, c := range s.conns {
		if _, ok := c.adapter.(platform.Fetcher); !ok {
			continue
		}
		c.mu.Lock()
		connected := c.state == StateConnected
		c.mu.Unlock()
		if !connected {
			continue
		}

		wg.Add(1)
		go func(p models.Platform) {
			defer wg.Done()
			res, err := s.Sync(ctx, p)
			if err != nil {
				s.logger.WithError(err).WithField("platform", p).Warn("Sync failed")
			}
			mu.Lock()
			out[p] = res
			mu.Unlock()
		}(p)
	}
	wg.Wait()
	return out
}

func (s *Supervisor) consume(p models.Platform, c *connection) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-c.events:
			s.handle(p, c, ev)
		}
	}
}

func (s *Supervisor) handle(p models.Platform, c *connection, ev event) {
	log := s.logger.WithFields(logrus.Fields{"platform": p, "event": ev.kind.String()})

	c.mu.Lock()
	if ev.generation != c.generation {
		c.mu.Unlock()
		log.Debug("Dropping event from a closed session")
		if ev.kind == eventMessage {
			metrics.DiscardedEvents.WithLabelValues(string(p), "stale").Inc()
		}
		return
	}

	switch ev.kind {
	case eventChallenge:
		err := s.transitionLocked(p, c, StateChallengePending, "")
		c.mu.Unlock()
		if err != nil {
			log.WithError(err).Warn("Ignoring challenge")
			return
		}
		s.bus.Publish(bus.TopicConnectionQR, p, bus.ChallengeEvent{Challenge: ev.challenge})

	case eventReady:
		err := s.transitionLocked(p, c, StateConnected, "")
		c.mu.Unlock()
		if err != nil {
			log.WithError(err).Warn("Ignoring ready signal")
			return
		}
		s.bus.Publish(bus.TopicConnectionReady, p, bus.ReadyEvent{})

	case eventAuthFailure:
		err := s.transitionLocked(p, c, StateFailed, ev.reason)
		c.mu.Unlock()
		if err != nil {
			log.WithError(err).Warn("Ignoring failure signal")
			return
		}
		utils.LogEvent(log, "connection_failed", map[string]interface{}{"reason": ev.reason})

	case eventDisconnected:
		err := s.transitionLocked(p, c, StateDisconnected, ev.reason)
		if err == nil && c.cancel != nil {
			c.cancel()
		}
		c.mu.Unlock()
		if err != nil {
			log.WithError(err).Warn("Ignoring disconnect signal")
		}

	case eventMessage:
		state, connCtx := c.state, c.ctx
		c.mu.Unlock()
		if state != StateConnected {
			metrics.DiscardedEvents.WithLabelValues(string(p), string(state)).Inc()
			log.WithField("state", state).Warn("Discarding message received outside connected state")
			return
		}
		if _, err := s.ingester.Ingest(connCtx, p, ev.payload); err != nil && !errors.Is(err, models.ErrMalformedPayload) {
			utils.LogError(log, "live_ingest", err, nil)
		}

	default:
		c.mu.Unlock()
	}
}

// transitionLocked moves c to the next state; c.mu must be held
func (s *Supervisor) transitionLocked(p models.Platform, c *connection, to State, reason string) error {
	from := c.state
	if !CanTransition(from, to) {
		err := fmt.Errorf("%w: %s -> %s", models.ErrIllegalTransition, from, to)
		s.logger.WithFields(logrus.Fields{"platform": p, "from": from, "to": to}).Warn("Illegal connection state transition")
		return err
	}

	c.state = to
	c.reason = reason
	c.since = time.Now().UTC()
	setStateGauge(p, to)

	s.bus.Publish(bus.TopicConnectionStatus, p, bus.StatusEvent{
		State:    string(to),
		Previous: string(from),
		Reason:   reason,
	})
	s.logger.WithFields(logrus.Fields{"platform": p, "from": from, "to": to}).Info("Connection state changed")
	return nil
}

func setStateGauge(p models.Platform, current State) {
	for _, st := range States {
		v := 0.0
		if st == current {
			v = 1
		}
		metrics.ConnectionState.WithLabelValues(string(p), string(st)).Set(v)
	}
}

// callbacks queues client signals for the platform's consumer loop
type callbacks struct {
	s          *Supervisor
	c          *connection
	generation uint64
}

func (cb *callbacks) enqueue(ev event) {
	ev.generation = cb.generation
	select {
	case cb.c.events <- ev:
	case <-cb.s.ctx.Done():
	}
}

func (cb *callbacks) OnChallenge(payload string) {
	cb.enqueue(event{kind: eventChallenge, challenge: payload})
}

func (cb *callbacks) OnReady() {
	cb.enqueue(event{kind: eventReady})
}

func (cb *callbacks) OnAuthFailure(reason string) {
	cb.enqueue(event{kind: eventAuthFailure, reason: reason})
}

func (cb *callbacks) OnMessage(payload interface{}) {
	cb.enqueue(event{kind: eventMessage, payload: payload})
}

func (cb *callbacks) OnDisconnected(reason string) {
	cb.enqueue(event{kind: eventDisconnected, reason: reason})
}
