package routes

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	controller "unibox/controllers"
	"unibox/middleware"
)

// Handlers bundles what the router mounts
type Handlers struct {
	Auth        *controller.AuthController
	Messages    *controller.MessageController
	Connections *controller.ConnectionController
	Events      *controller.EventsController
	SendLimiter fiber.Handler
	// Ping reports whether the store is reachable; nil skips the check
	Ping func(ctx context.Context) error
}

func SetupAPIRoutes(app *fiber.App, h Handlers, log *logrus.Entry) {
	api := app.Group("/api/v1", middleware.Protected(), logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Message routes
	messages := api.Group("/messages")
	messages.Post("/", h.Messages.IngestMessage)
	messages.Get("/", h.Messages.GetMessages)
	messages.Get("/search", h.Messages.SearchMessages)
	if h.SendLimiter != nil {
		messages.Post("/send", h.SendLimiter, h.Connections.SendMessage)
	} else {
		messages.Post("/send", h.Connections.SendMessage)
	}

	api.Get("/conversations", h.Messages.GetConversations)

	// Connection routes
	conns := api.Group("/connections")
	conns.Get("/", h.Connections.GetConnections)
	conns.Post("/:platform/connect", h.Connections.Connect)
	conns.Post("/:platform/disconnect", h.Connections.Disconnect)
	conns.Post("/:platform/sync", h.Connections.Sync)

	// WebSocket event stream
	api.Use("/events", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	api.Get("/events", websocket.New(h.Events.HandleEvents))

	log.Info("API routes initialized successfully")
}

func SetupRoutes(app *fiber.App, h Handlers, log *logrus.Entry) {
	app.Use(middleware.RequestMetrics())

	app.Get("/health", func(c *fiber.Ctx) error {
		if h.Ping != nil {
			ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
			defer cancel()
			if err := h.Ping(ctx); err != nil {
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
					"status": "degraded",
					"error":  err.Error(),
				})
			}
		}
		return c.JSON(fiber.Map{"status": "ok"})
	})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	if h.Auth != nil {
		app.Post("/auth/token", h.Auth.IssueToken)
	}

	SetupAPIRoutes(app, h, log)

	// Setup 404 handler
	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})
}
