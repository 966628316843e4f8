package errors

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTPErrorsTotal tracks HTTP errors by type
var HTTPErrorsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "http_errors_total",
		Help: "Total HTTP errors by error type",
	},
	[]string{"type"},
)

// Middleware converts handler errors into categorized JSON responses.
// Echo's own HTTPErrors pass through so middleware status codes survive.
func Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			if err == nil {
				return nil
			}

			var httpErr *echo.HTTPError
			if errors.As(err, &httpErr) {
				HTTPErrorsTotal.WithLabelValues(string(TypeInternal)).Inc()
				return err
			}

			classified := Classify(err)
			HTTPErrorsTotal.WithLabelValues(string(classified.Type)).Inc()
			slog.Warn("Request failed",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"type", string(classified.Type),
				"error", err,
			)

			response := map[string]string{
				"error": classified.Message,
				"type":  string(classified.Type),
			}
			if err := c.JSON(classified.HTTPStatus(), response); err != nil {
				return fmt.Errorf("failed to write error response: %w", err)
			}
			return nil
		}
	}
}
