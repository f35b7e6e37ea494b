package routes

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unibox/bus"
	"unibox/config"
	controller "unibox/controllers"
	"unibox/models"
	"unibox/pipeline"
	"unibox/platform"
	"unibox/supervisor"
	"unibox/utils"
)

type stubReader struct{}

func (stubReader) QueryMessages(ctx context.Context, filter models.MessageFilter) ([]models.Message, error) {
	return []models.Message{{ID: "m1", Platform: models.PlatformGmail}}, nil
}

func (stubReader) SearchMessages(ctx context.Context, term string) ([]models.Message, error) {
	return nil, nil
}

func (stubReader) ListConversations(ctx context.Context) ([]models.ConversationPreview, error) {
	return nil, nil
}

type stubIngester struct{}

func (stubIngester) Ingest(ctx context.Context, p models.Platform, payload interface{}) (*pipeline.Result, error) {
	return nil, errors.New("not used")
}

func (stubIngester) IngestBatch(ctx context.Context, p models.Platform, payloads []interface{}) pipeline.BatchResult {
	return pipeline.BatchResult{}
}

type stubConnections struct{}

func (stubConnections) States() []supervisor.StateInfo                          { return nil }
func (stubConnections) Connect(ctx context.Context, p models.Platform) error    { return nil }
func (stubConnections) Reconnect(ctx context.Context, p models.Platform) error  { return nil }
func (stubConnections) Disconnect(ctx context.Context, p models.Platform) error { return nil }
func (stubConnections) Sync(ctx context.Context, p models.Platform) (pipeline.BatchResult, error) {
	return pipeline.BatchResult{}, nil
}
func (stubConnections) SendMessage(ctx context.Context, p models.Platform, target, body string) (*platform.SendResult, error) {
	return &platform.SendResult{Platform: p, Target: target}, nil
}

func newApp(t *testing.T, ping func(ctx context.Context) error) *fiber.App {
	t.Helper()
	config.AppConfig.JWTSecret = "routes-test-secret"

	log, _ := test.NewNullLogger()
	entry := logrus.NewEntry(log)
	b := bus.New(entry)
	t.Cleanup(b.Close)

	hash, err := controller.HashSecret("ui-secret")
	require.NoError(t, err)

	app := fiber.New()
	SetupRoutes(app, Handlers{
		Auth:        controller.NewAuthController("ui", hash, time.Hour, entry),
		Messages:    controller.NewMessageController(stubReader{}, stubIngester{}, entry),
		Connections: controller.NewConnectionController(stubConnections{}, entry),
		Events:      controller.NewEventsController(b, entry),
		Ping:        ping,
	}, entry)
	return app
}

func get(t *testing.T, app *fiber.App, path, bearer string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func TestAPIRequiresToken(t *testing.T) {
	app := newApp(t, nil)
	token, err := utils.GenerateJWTToken("ui", time.Hour)
	require.NoError(t, err)

	resp := get(t, app, "/api/v1/messages", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = get(t, app, "/api/v1/messages", "garbage")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = get(t, app, "/api/v1/messages", token)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = get(t, app, "/api/v1/connections?token="+token, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	expired, err := utils.GenerateJWTToken("ui", -time.Minute)
	require.NoError(t, err)
	resp = get(t, app, "/api/v1/messages", expired)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestTokenEndpointIsPublic(t *testing.T) {
	app := newApp(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/auth/token",
		strings.NewReader(`{"client_id":"ui","client_secret":"ui-secret"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Data struct {
			AccessToken string `json:"access_token"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))

	resp = get(t, app, "/api/v1/conversations", out.Data.AccessToken)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEventsRequireUpgrade(t *testing.T) {
	app := newApp(t, nil)
	token, err := utils.GenerateJWTToken("ui", time.Hour)
	require.NoError(t, err)

	resp := get(t, app, "/api/v1/events", token)
	assert.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	resp := get(t, newApp(t, nil), "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	down := func(ctx context.Context) error { return errors.New("database is closed") }
	resp = get(t, newApp(t, down), "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMetricsAndNotFound(t *testing.T) {
	app := newApp(t, nil)

	_ = get(t, app, "/health", "")
	resp := get(t, app, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "unibox_http_requests_total")

	resp = get(t, app, "/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
