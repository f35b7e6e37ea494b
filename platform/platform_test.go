package platform

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"unibox/config"
	"unibox/models"
	"unibox/normalizer"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(log)
}

type recordedCallbacks struct {
	mu         sync.Mutex
	challenges []string
	ready      int
	failures   []string
	messages   []interface{}
	disconnect []string
}

func (r *recordedCallbacks) OnChallenge(p string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.challenges = append(r.challenges, p)
}

func (r *recordedCallbacks) OnReady() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ready++
}

func (r *recordedCallbacks) OnAuthFailure(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, reason)
}

func (r *recordedCallbacks) OnMessage(p interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, p)
}

func (r *recordedCallbacks) OnDisconnected(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnect = append(r.disconnect, reason)
}

func (r *recordedCallbacks) snapshot() recordedCallbacks {
	r.mu.Lock()
	defer r.mu.Unlock()
	return recordedCallbacks{
		challenges: append([]string(nil), r.challenges...),
		ready:      r.ready,
		failures:   append([]string(nil), r.failures...),
		messages:   append([]interface{}(nil), r.messages...),
		disconnect: append([]string(nil), r.disconnect...),
	}
}

type fakeSession struct {
	startErr error
	sendErr  error
	closed   bool
	cb       Callbacks
}

func (f *fakeSession) Start(ctx context.Context, cb Callbacks) error {
	f.cb = cb
	return f.startErr
}

func (f *fakeSession) Send(ctx context.Context, to, body string) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	return "wamid-" + to, nil
}

func (f *fakeSession) Close() error {
	f.closed = true
	return nil
}

func TestWhatsAppVariants(t *testing.T) {
	personal := NewWhatsApp(&fakeSession{}, testLogger())
	business := NewWhatsAppBusiness(&fakeSession{}, testLogger())

	assert.Equal(t, models.PlatformWhatsApp, personal.Platform())
	assert.Equal(t, models.PlatformWhatsAppBusiness, business.Platform())

	res, err := business.SendMessage(context.Background(), "peer@c.us", "hello")
	require.NoError(t, err)
	assert.Equal(t, models.PlatformWhatsAppBusiness, res.Platform)
	assert.Equal(t, "wamid-peer@c.us", res.MessageID)
}

func TestWhatsAppErrors(t *testing.T) {
	session := &fakeSession{startErr: errors.New("bridge down"), sendErr: errors.New("not paired")}
	wa := NewWhatsApp(session, testLogger())

	err := wa.Connect(context.Background(), &recordedCallbacks{})
	assert.ErrorIs(t, err, models.ErrConnectionFailure)

	_, err = wa.SendMessage(context.Background(), "peer@c.us", "hi")
	assert.ErrorIs(t, err, models.ErrConnectionFailure)

	_, err = wa.SendMessage(context.Background(), " ", "hi")
	assert.Error(t, err)

	require.NoError(t, wa.Disconnect())
	assert.True(t, session.closed)
}

func TestBridgeClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusInternalError, "")
		ctx := r.Context()

		frames := []string{
			`{"type":"qr","data":{"qr":"1@abc,def=="}}`,
			`{"type":"authenticated"}`,
			`{"type":"ready"}`,
			`{"type":"message","data":{"id":"wa-9","body":"yo","timestamp":1700000000,"contact":{"id":"p@c.us","pushname":"P"},"chat":{"id":"p@c.us","name":"P"}}}`,
			`{"type":"unknown_thing"}`,
		}
		for _, f := range frames {
			if err := c.Write(ctx, websocket.MessageText, []byte(f)); err != nil {
				return
			}
		}

		var req bridgeSendRequest
		if err := wsjson.Read(ctx, c, &req); err != nil {
			return
		}
		data, _ := json.Marshal(bridgeSendResult{RequestID: req.RequestID, MessageID: "sent-" + req.To})
		_ = wsjson.Write(ctx, c, bridgeFrame{Type: "send_result", Data: data})

		// block until the client hangs up
		_, _, _ = c.Read(ctx)
	}))
	defer srv.Close()

	client := NewBridgeClient("ws"+strings.TrimPrefix(srv.URL, "http"), testLogger())
	cb := &recordedCallbacks{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, client.Start(ctx, cb))
	require.Eventually(t, func() bool {
		return len(cb.snapshot().messages) == 1
	}, 2*time.Second, 10*time.Millisecond)

	got := cb.snapshot()
	assert.Equal(t, []string{"1@abc,def=="}, got.challenges)
	assert.Equal(t, 1, got.ready)
	payload, ok := got.messages[0].(normalizer.WhatsAppPayload)
	require.True(t, ok)
	assert.Equal(t, "wa-9", payload.ID)
	assert.Equal(t, "P", payload.Contact.PushName)

	sendCtx, sendCancel := context.WithTimeout(ctx, 2*time.Second)
	defer sendCancel()
	id, err := client.Send(sendCtx, "p@c.us", "hello")
	require.NoError(t, err)
	assert.Equal(t, "sent-p@c.us", id)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
}

func TestBridgeClientSendWithoutSession(t *testing.T) {
	client := NewBridgeClient("ws://127.0.0.1:1", testLogger())
	_, err := client.Send(context.Background(), "p@c.us", "hi")
	assert.Error(t, err)
}

func TestBridgeClientReportsDrop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		_ = c.Close(websocket.StatusGoingAway, "phone offline")
	}))
	defer srv.Close()

	cb := &recordedCallbacks{}
	client := NewBridgeClient("ws"+strings.TrimPrefix(srv.URL, "http"), testLogger())
	require.NoError(t, client.Start(context.Background(), cb))

	require.Eventually(t, func() bool {
		return len(cb.snapshot().disconnect) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

type gmailServer struct {
	mu      sync.Mutex
	queries []string
	raw     string
}

func (g *gmailServer) handler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.URL.Path == "/profile":
		_, _ = w.Write([]byte(`{"emailAddress":"me@example.com"}`))
	case r.URL.Path == "/messages" && r.Method == http.MethodGet:
		g.mu.Lock()
		g.queries = append(g.queries, r.URL.Query().Get("q"))
		g.mu.Unlock()
		_, _ = w.Write([]byte(`{"messages":[{"id":"g1","threadId":"t1"},{"id":"broken","threadId":"t2"}]}`))
	case r.URL.Path == "/messages/g1":
		_, _ = w.Write([]byte(`{"id":"g1","threadId":"t1","internalDate":"1700000000000","payload":{"mimeType":"text/plain","headers":[{"name":"From","value":"a@example.com"}]}}`))
	case r.URL.Path == "/messages/send" && r.Method == http.MethodPost:
		var body struct {
			Raw string `json:"raw"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		g.mu.Lock()
		g.raw = body.Raw
		g.mu.Unlock()
		_, _ = w.Write([]byte(`{"id":"sent-1"}`))
	default:
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	}
}

func TestGmailAdapter(t *testing.T) {
	api := &gmailServer{}
	srv := httptest.NewServer(http.HandlerFunc(api.handler))
	defer srv.Close()

	gm := NewGmail(NewGmailClientWithHTTP(srv.Client(), srv.URL), 0, testLogger())
	ctx := context.Background()
	cb := &recordedCallbacks{}

	require.NoError(t, gm.Connect(ctx, cb))
	assert.Equal(t, 1, cb.snapshot().ready)

	batch, err := gm.FetchBatch(ctx, 0)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "g1", batch[0].(normalizer.GmailPayload).ID)

	_, err = gm.FetchBatch(ctx, 1700000000999)
	require.NoError(t, err)
	assert.Equal(t, []string{"in:inbox", "in:inbox after:1700000000"}, api.queries)

	res, err := gm.SendMessage(ctx, "bob@example.com", "see you")
	require.NoError(t, err)
	assert.Equal(t, "sent-1", res.MessageID)

	raw, err := base64.RawURLEncoding.DecodeString(api.raw)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "To: bob@example.com")
	assert.Contains(t, string(raw), "From: me@example.com")
	assert.Contains(t, string(raw), "see you")

	_, err = gm.SendMessage(ctx, "not-an-address", "x")
	assert.Error(t, err)
}

func TestGmailFetchWalksAllPages(t *testing.T) {
	const total = 7
	var (
		mu         sync.Mutex
		pageTokens []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/messages" {
			q := r.URL.Query()
			max, _ := strconv.Atoi(q.Get("maxResults"))
			start, _ := strconv.Atoi(q.Get("pageToken"))
			mu.Lock()
			pageTokens = append(pageTokens, q.Get("pageToken"))
			mu.Unlock()

			end := start + max
			if end > total {
				end = total
			}
			var out struct {
				Messages      []map[string]string `json:"messages"`
				NextPageToken string              `json:"nextPageToken,omitempty"`
			}
			for i := start; i < end; i++ {
				out.Messages = append(out.Messages, map[string]string{"id": fmt.Sprintf("g%d", i)})
			}
			if end < total {
				out.NextPageToken = strconv.Itoa(end)
			}
			_ = json.NewEncoder(w).Encode(out)
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/messages/")
		_, _ = fmt.Fprintf(w, `{"id":%q,"threadId":"t","internalDate":"1700000000000","payload":{"mimeType":"text/plain"}}`, id)
	}))
	defer srv.Close()

	gm := NewGmail(NewGmailClientWithHTTP(srv.Client(), srv.URL), 3, testLogger())
	batch, err := gm.FetchBatch(context.Background(), 1700000000000)
	require.NoError(t, err)
	require.Len(t, batch, total, "ids beyond the first page must be fetched too")
	assert.Equal(t, []string{"", "3", "6"}, pageTokens)

	seen := map[string]bool{}
	for _, item := range batch {
		seen[item.(normalizer.GmailPayload).ID] = true
	}
	assert.Len(t, seen, total)
}

func TestGmailConnectFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	gm := NewGmail(NewGmailClientWithHTTP(srv.Client(), srv.URL), 10, testLogger())
	cb := &recordedCallbacks{}
	err := gm.Connect(context.Background(), cb)
	assert.ErrorIs(t, err, models.ErrConnectionFailure)
	assert.Zero(t, cb.snapshot().ready)

	_, err = gm.FetchBatch(context.Background(), 0)
	assert.ErrorIs(t, err, models.ErrConnectionFailure)
}

func TestIMAPAdapterFailures(t *testing.T) {
	m := NewIMAP(config.IMAPConfig{Host: "127.0.0.1", Port: 1, Encryption: "none"}, config.SMTPConfig{}, testLogger())
	assert.Equal(t, models.PlatformIMAP, m.Platform())

	err := m.Connect(context.Background(), &recordedCallbacks{})
	assert.ErrorIs(t, err, models.ErrConnectionFailure)

	_, err = m.FetchBatch(context.Background(), 0)
	assert.ErrorIs(t, err, models.ErrConnectionFailure)

	_, err = m.SendMessage(context.Background(), "bad address", "x")
	assert.Error(t, err)

	_, err = m.SendMessage(context.Background(), "bob@example.com", "x")
	assert.ErrorIs(t, err, models.ErrConnectionFailure)
}
