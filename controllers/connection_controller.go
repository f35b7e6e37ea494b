package controller

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"unibox/models"
	"unibox/pipeline"
	"unibox/platform"
	"unibox/supervisor"
	"unibox/utils"
)

// Connections is the supervisor surface the API drives
type Connections interface {
	States() []supervisor.StateInfo
	Connect(ctx context.Context, p models.Platform) error
	Reconnect(ctx context.Context, p models.Platform) error
	Disconnect(ctx context.Context, p models.Platform) error
	Sync(ctx context.Context, p models.Platform) (pipeline.BatchResult, error)
	SendMessage(ctx context.Context, p models.Platform, target, body string) (*platform.SendResult, error)
}

type ConnectionController struct {
	conns  Connections
	logger *logrus.Entry
}

func NewConnectionController(conns Connections, logger *logrus.Entry) *ConnectionController {
	return &ConnectionController{conns: conns, logger: logger}
}

// GetConnections handles GET /connections
func (cc *ConnectionController) GetConnections(c *fiber.Ctx) error {
	return c.JSON(utils.SuccessResponse(cc.conns.States()))
}

// Connect handles POST /connections/:platform/connect. A failed platform is
// reconnected.
func (cc *ConnectionController) Connect(c *fiber.Ctx) error {
	p, err := platformParam(c)
	if err != nil {
		return utils.ErrorResponse(c, utils.StatusForError(err), "Unknown platform", err)
	}

	if err := cc.conns.Reconnect(c.UserContext(), p); err != nil {
		return utils.ErrorResponse(c, utils.StatusForError(err), "Failed to connect", err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"success": true,
		"message": "Connection started",
	})
}

// Disconnect handles POST /connections/:platform/disconnect
func (cc *ConnectionController) Disconnect(c *fiber.Ctx) error {
	p, err := platformParam(c)
	if err != nil {
		return utils.ErrorResponse(c, utils.StatusForError(err), "Unknown platform", err)
	}

	if err := cc.conns.Disconnect(c.UserContext(), p); err != nil {
		return utils.ErrorResponse(c, utils.StatusForError(err), "Failed to disconnect", err)
	}
	return c.JSON(fiber.Map{
		"success": true,
		"message": "Disconnected",
	})
}

// Sync handles POST /connections/:platform/sync
func (cc *ConnectionController) Sync(c *fiber.Ctx) error {
	p, err := platformParam(c)
	if err != nil {
		return utils.ErrorResponse(c, utils.StatusForError(err), "Unknown platform", err)
	}

	res, err := cc.conns.Sync(c.UserContext(), p)
	if err != nil {
		status := utils.StatusForError(err)
		if errors.Is(err, supervisor.ErrNoHistory) {
			status = fiber.StatusBadRequest
		}
		return c.Status(status).JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
			"data":    res,
		})
	}
	return c.JSON(utils.SuccessResponse(res))
}

// SendRequest is the body of POST /messages/send
type SendRequest struct {
	Platform string `json:"platform" validate:"required"`
	Target   string `json:"target" validate:"required"`
	Body     string `json:"body" validate:"required,max=65536"`
}

// SendMessage handles POST /messages/send
func (cc *ConnectionController) SendMessage(c *fiber.Ctx) error {
	var req SendRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	p, err := models.ParsePlatform(req.Platform)
	if err != nil {
		return utils.ErrorResponse(c, utils.StatusForError(err), "Unknown platform", err)
	}

	res, err := cc.conns.SendMessage(c.UserContext(), p, req.Target, req.Body)
	if err != nil {
		status := utils.StatusForError(err)
		if status == fiber.StatusInternalServerError {
			status = fiber.StatusBadRequest
		}
		return utils.ErrorResponse(c, status, "Failed to send message", err)
	}
	return c.JSON(utils.SuccessResponse(res))
}
