package controller

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"unibox/utils"
)

// TokenRequest is the body of POST /auth/token
type TokenRequest struct {
	ClientID     string `json:"client_id" validate:"required"`
	ClientSecret string `json:"client_secret" validate:"required"`
}

type TokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// AuthController issues API tokens to the UI client. The client secret is
// configured as a bcrypt hash.
type AuthController struct {
	clientID   string
	secretHash []byte
	ttl        time.Duration
	logger     *logrus.Entry
}

func NewAuthController(clientID, secretHash string, ttl time.Duration, logger *logrus.Entry) *AuthController {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &AuthController{
		clientID:   clientID,
		secretHash: []byte(secretHash),
		ttl:        ttl,
		logger:     logger,
	}
}

// HashSecret returns the bcrypt hash to configure for a client secret
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// IssueToken handles POST /auth/token
func (ac *AuthController) IssueToken(c *fiber.Ctx) error {
	var req TokenRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	if len(ac.secretHash) == 0 || req.ClientID != ac.clientID ||
		bcrypt.CompareHashAndPassword(ac.secretHash, []byte(req.ClientSecret)) != nil {
		utils.LogEvent(ac.logger, "token_rejected", map[string]interface{}{
			"client_id": req.ClientID,
			"ip":        c.IP(),
		})
		return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Invalid client credentials", nil)
	}

	token, err := utils.GenerateJWTToken(req.ClientID, ac.ttl)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to generate token", err)
	}

	return c.JSON(utils.SuccessResponse(TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresAt:   time.Now().Add(ac.ttl).UTC(),
	}))
}
