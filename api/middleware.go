package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"

	"tasklist-api/collection"
)

const (
	metricsContextKey = "tasklist.metrics"
	ownerContextKey   = "tasklist.owner"
)

// RequestMetrics opens a span for every request and logs one observability event when
// the handler returns.
func RequestMetrics(logger *log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			m, ctx := newRequestMetrics(req.Context(), logger, req.Method, c.Path())
			c.SetRequest(req.WithContext(ctx))
			c.Set(metricsContextKey, m)

			err := next(c)
			status := c.Response().Status
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					status = he.Code
				} else {
					status = http.StatusInternalServerError
				}
			}
			if err == nil {
				err = m.failure
			}
			m.Log(status, err)
			return err
		}
	}
}

// RequireOwner authenticates the caller and stores the owner id in the request context.
// With allowQueryToken the token may also come from the token query parameter, which
// EventSource clients need.
func RequireOwner(auth Authenticator, allowQueryToken bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			if strings.TrimSpace(header) == "" && allowQueryToken {
				if token := c.QueryParam("token"); token != "" {
					header = bearerPrefix + token
				}
			}
			owner, err := auth.OwnerFromAuthHeader(header)
			metricsFrom(c).ObserveAuth(time.Since(start))
			if err != nil {
				metricsFrom(c).fail("auth", err)
				return c.JSON(http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			}
			req := c.Request()
			c.SetRequest(req.WithContext(collection.WithOwner(req.Context(), owner)))
			c.Set(ownerContextKey, owner)
			return next(c)
		}
	}
}

// Decompress accepts gzip encoded request bodies.
func Decompress() echo.MiddlewareFunc {
	return middleware.Decompress()
}

// Compress gzips responses except the event stream, which must flush per message.
func Compress() echo.MiddlewareFunc {
	return middleware.GzipWithConfig(middleware.GzipConfig{
		Skipper: func(c echo.Context) bool {
			return strings.HasSuffix(c.Path(), "/stream")
		},
	})
}

func metricsFrom(c echo.Context) *requestMetrics {
	m, _ := c.Get(metricsContextKey).(*requestMetrics)
	return m
}
