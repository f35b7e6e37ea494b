package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"unibox/normalizer"
)

const bridgeReadLimit = 4 << 20

// bridgeFrame is one JSON frame exchanged with the session bridge process
type bridgeFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type bridgeSendRequest struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	To        string `json:"to"`
	Body      string `json:"body"`
}

type bridgeSendResult struct {
	RequestID string `json:"request_id"`
	MessageID string `json:"message_id"`
	Error     string `json:"error"`
}

// BridgeClient is a SessionClient that talks to a chat-session bridge process
// over a websocket. The bridge owns the protocol and emits qr, ready,
// auth_failure, message, disconnected and send_result frames.
type BridgeClient struct {
	url    string
	logger *logrus.Entry

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan bridgeSendResult
}

func NewBridgeClient(url string, logger *logrus.Entry) *BridgeClient {
	return &BridgeClient{
		url:     url,
		logger:  logger,
		pending: make(map[string]chan bridgeSendResult),
	}
}

// Start dials the bridge and pumps frames into cb until ctx ends or the socket closes
func (b *BridgeClient) Start(ctx context.Context, cb Callbacks) error {
	conn, _, err := websocket.Dial(ctx, b.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial bridge: %w", err)
	}
	conn.SetReadLimit(bridgeReadLimit)

	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()

	go b.readLoop(ctx, conn, cb)
	return nil
}

func (b *BridgeClient) readLoop(ctx context.Context, conn *websocket.Conn, cb Callbacks) {
	defer b.failPending("bridge connection closed")
	for {
		var frame bridgeFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			if ctx.Err() != nil {
				return
			}
			reason := err.Error()
			if status := websocket.CloseStatus(err); status == websocket.StatusNormalClosure {
				reason = "bridge closed the session"
			}
			cb.OnDisconnected(reason)
			return
		}
		b.dispatch(frame, cb)
	}
}

func (b *BridgeClient) dispatch(frame bridgeFrame, cb Callbacks) {
	log := b.logger.WithField("frame", frame.Type)
	switch frame.Type {
	case "qr":
		var data struct {
			QR string `json:"qr"`
		}
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			log.WithError(err).Warn("Invalid qr frame")
			return
		}
		cb.OnChallenge(data.QR)
	case "authenticated":
		log.Debug("Bridge session authenticated")
	case "ready":
		cb.OnReady()
	case "auth_failure":
		var data struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(frame.Data, &data)
		cb.OnAuthFailure(data.Message)
	case "message":
		var payload normalizer.WhatsAppPayload
		if err := json.Unmarshal(frame.Data, &payload); err != nil {
			log.WithError(err).Warn("Invalid message frame")
			return
		}
		cb.OnMessage(payload)
	case "disconnected":
		var data struct {
			Reason string `json:"reason"`
		}
		_ = json.Unmarshal(frame.Data, &data)
		cb.OnDisconnected(data.Reason)
	case "send_result":
		var res bridgeSendResult
		if err := json.Unmarshal(frame.Data, &res); err != nil {
			log.WithError(err).Warn("Invalid send_result frame")
			return
		}
		b.resolve(res)
	default:
		log.Debug("Ignoring unknown bridge frame")
	}
}

// Send asks the bridge to deliver body to the chat id and waits for its answer
func (b *BridgeClient) Send(ctx context.Context, to, body string) (string, error) {
	b.mu.Lock()
	conn := b.conn
	if conn == nil {
		b.mu.Unlock()
		return "", errors.New("bridge not connected")
	}
	req := bridgeSendRequest{Type: "send", RequestID: uuid.NewString(), To: to, Body: body}
	ch := make(chan bridgeSendResult, 1)
	b.pending[req.RequestID] = ch
	b.mu.Unlock()

	if err := wsjson.Write(ctx, conn, req); err != nil {
		b.forget(req.RequestID)
		return "", fmt.Errorf("failed to write send request: %w", err)
	}

	select {
	case res := <-ch:
		if res.Error != "" {
			return "", errors.New(res.Error)
		}
		return res.MessageID, nil
	case <-ctx.Done():
		b.forget(req.RequestID)
		return "", ctx.Err()
	}
}

func (b *BridgeClient) resolve(res bridgeSendResult) {
	b.mu.Lock()
	ch, ok := b.pending[res.RequestID]
	delete(b.pending, res.RequestID)
	b.mu.Unlock()
	if ok {
		ch <- res
	}
}

func (b *BridgeClient) forget(requestID string) {
	b.mu.Lock()
	delete(b.pending, requestID)
	b.mu.Unlock()
}

func (b *BridgeClient) failPending(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.pending {
		ch <- bridgeSendResult{RequestID: id, Error: reason}
		delete(b.pending, id)
	}
}

// Close ends the bridge session
func (b *BridgeClient) Close() error {
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "client disconnect")
}
