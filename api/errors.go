package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"tasklist-api/domain"
)

type errorResponse struct {
	Error  string `json:"error"`
	Field  string `json:"field,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// writeError maps a domain error to its HTTP response and records it on the request
// metrics under stage.
func writeError(c echo.Context, stage string, err error) error {
	metricsFrom(c).fail(stage, err)

	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		return c.JSON(http.StatusBadRequest, errorResponse{Error: verr.Reason, Field: verr.Field})
	case errors.Is(err, domain.ErrNotAuthenticated):
		return c.JSON(http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
	case errors.Is(err, domain.ErrNotFound):
		return c.JSON(http.StatusNotFound, errorResponse{Error: "task not found"})
	case errors.Is(err, domain.ErrGateway):
		return c.JSON(http.StatusBadGateway, errorResponse{Error: "storage unavailable", Detail: err.Error()})
	case errors.Is(err, domain.ErrGeneration):
		return c.JSON(http.StatusBadGateway, errorResponse{Error: "assistant unavailable", Detail: err.Error()})
	default:
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}
