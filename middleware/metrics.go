package middleware

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"unibox/metrics"
)

// RequestMetrics counts requests by route pattern so path parameters do not
// explode label cardinality
func RequestMetrics() fiber.Handler {
	return func(c *fiber.Ctx) error {
		err := c.Next()

		status := c.Response().StatusCode()
		if fe, ok := err.(*fiber.Error); ok {
			status = fe.Code
		}
		path := c.Route().Path
		metrics.HTTPRequestsTotal.WithLabelValues(c.Method(), path, strconv.Itoa(status)).Inc()
		return err
	}
}
