package controller

import (
	"context"
	"encoding/json"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"unibox/models"
	"unibox/normalizer"
	"unibox/pipeline"
	"unibox/utils"
)

// MessageReader is the read side of the message store
type MessageReader interface {
	QueryMessages(ctx context.Context, filter models.MessageFilter) ([]models.Message, error)
	SearchMessages(ctx context.Context, term string) ([]models.Message, error)
	ListConversations(ctx context.Context) ([]models.ConversationPreview, error)
}

type Ingester interface {
	Ingest(ctx context.Context, p models.Platform, payload interface{}) (*pipeline.Result, error)
	IngestBatch(ctx context.Context, p models.Platform, payloads []interface{}) pipeline.BatchResult
}

type MessageController struct {
	store    MessageReader
	ingester Ingester
	logger   *logrus.Entry
}

func NewMessageController(store MessageReader, ingester Ingester, logger *logrus.Entry) *MessageController {
	return &MessageController{
		store:    store,
		ingester: ingester,
		logger:   logger,
	}
}

// IngestRequest carries exactly one of: a platform-native payload, a batch of
// them, a canonical message, or a batch of canonical messages
type IngestRequest struct {
	Platform string            `json:"platform" validate:"required"`
	Payload  json.RawMessage   `json:"payload"`
	Payloads []json.RawMessage `json:"payloads"`
	Message  json.RawMessage   `json:"message"`
	Messages []json.RawMessage `json:"messages"`
}

type decodeFunc func(raw []byte) (interface{}, error)

func nativeDecoder(platform models.Platform) decodeFunc {
	return func(raw []byte) (interface{}, error) {
		return normalizer.Decode(platform, raw)
	}
}

func canonicalDecoder(raw []byte) (interface{}, error) {
	return normalizer.DecodeCanonical(raw)
}

func (r *IngestRequest) parts() int {
	n := 0
	for _, set := range []bool{len(r.Payload) > 0, len(r.Payloads) > 0, len(r.Message) > 0, len(r.Messages) > 0} {
		if set {
			n++
		}
	}
	return n
}

type ingestResponse struct {
	Message        *models.Message `json:"message"`
	IsNew          bool            `json:"is_new"`
	RollupAdvanced bool            `json:"rollup_advanced"`
}

// IngestMessage handles POST /messages
func (mc *MessageController) IngestMessage(c *fiber.Ctx) error {
	var req IngestRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	platform, err := models.ParsePlatform(req.Platform)
	if err != nil {
		return utils.ErrorResponse(c, utils.StatusForError(err), "Unknown platform", err)
	}

	if n := req.parts(); n == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "one of payload, payloads, message or messages is required", nil)
	} else if n > 1 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "only one of payload, payloads, message or messages may be set", nil)
	}

	var (
		raw    []byte
		decode decodeFunc
	)
	switch {
	case len(req.Payloads) > 0:
		return mc.ingestBatch(c, platform, req.Payloads, nativeDecoder(platform))
	case len(req.Messages) > 0:
		return mc.ingestBatch(c, platform, req.Messages, canonicalDecoder)
	case len(req.Message) > 0:
		raw, decode = req.Message, canonicalDecoder
	default:
		raw, decode = req.Payload, nativeDecoder(platform)
	}

	payload, err := decode(raw)
	if err != nil {
		return utils.ErrorResponse(c, utils.StatusForError(err), "Invalid payload", err)
	}

	res, err := mc.ingester.Ingest(c.UserContext(), platform, payload)
	if err != nil {
		return utils.ErrorResponse(c, utils.StatusForError(err), "Failed to ingest message", err)
	}

	status := fiber.StatusOK
	if res.IsNew {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(utils.SuccessResponse(ingestResponse{
		Message:        res.Message,
		IsNew:          res.IsNew,
		RollupAdvanced: res.RollupAdvanced,
	}))
}

func (mc *MessageController) ingestBatch(c *fiber.Ctx, platform models.Platform, raws []json.RawMessage, decode decodeFunc) error {
	payloads := make([]interface{}, 0, len(raws))
	for _, raw := range raws {
		payload, err := decode(raw)
		if err != nil {
			// left undecoded so the batch records it as a warning
			payloads = append(payloads, raw)
			continue
		}
		payloads = append(payloads, payload)
	}

	res := mc.ingester.IngestBatch(c.UserContext(), platform, payloads)
	if res.Err != nil {
		mc.logger.WithError(res.Err).WithFields(logrus.Fields{
			"platform": platform,
			"ingested": res.Ingested,
		}).Warn("Batch stopped early")
		return c.Status(utils.StatusForError(res.Err)).JSON(fiber.Map{
			"success": false,
			"error":   res.Err.Error(),
			"data":    res,
		})
	}
	return c.JSON(utils.SuccessResponse(res))
}

// GetMessages handles GET /messages
func (mc *MessageController) GetMessages(c *fiber.Ctx) error {
	var filter models.MessageFilter
	if err := c.QueryParser(&filter); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid query parameters", err)
	}
	if filter.Limit < 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "limit must not be negative", nil)
	}
	if filter.Platform != "" {
		if _, err := models.ParsePlatform(string(filter.Platform)); err != nil {
			return utils.ErrorResponse(c, utils.StatusForError(err), "Unknown platform", err)
		}
	}

	messages, err := mc.store.QueryMessages(c.UserContext(), filter)
	if err != nil {
		return utils.ErrorResponse(c, utils.StatusForError(err), "Failed to fetch messages", err)
	}
	return c.JSON(fiber.Map{
		"success": true,
		"data":    messages,
		"count":   len(messages),
	})
}

// SearchMessages handles GET /messages/search?q=
func (mc *MessageController) SearchMessages(c *fiber.Ctx) error {
	term := c.Query("q")
	if term == "" {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "q is required", nil)
	}

	messages, err := mc.store.SearchMessages(c.UserContext(), term)
	if err != nil {
		return utils.ErrorResponse(c, utils.StatusForError(err), "Search failed", err)
	}
	return c.JSON(fiber.Map{
		"success": true,
		"data":    messages,
		"count":   len(messages),
	})
}

// GetConversations handles GET /conversations
func (mc *MessageController) GetConversations(c *fiber.Ctx) error {
	conversations, err := mc.store.ListConversations(c.UserContext())
	if err != nil {
		return utils.ErrorResponse(c, utils.StatusForError(err), "Failed to fetch conversations", err)
	}
	return c.JSON(utils.SuccessResponse(conversations))
}

func platformParam(c *fiber.Ctx) (models.Platform, error) {
	return models.ParsePlatform(c.Params("platform"))
}
