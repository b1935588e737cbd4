package api

import (
	"errors"
	"io"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"

	"tasklist-api/domain"
)

const maxBodyBytes = 1 << 20

// SonicSerializer replaces echo's encoding/json serializer. Request bodies are size
// limited and unknown fields are rejected.
type SonicSerializer struct{}

func (SonicSerializer) Serialize(c echo.Context, i any, indent string) error {
	enc := sonic.ConfigStd.NewEncoder(c.Response())
	if indent != "" {
		enc.SetIndent("", indent)
	}
	return enc.Encode(i)
}

func (SonicSerializer) Deserialize(c echo.Context, i any) error {
	dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(i); err != nil {
		return &domain.ValidationError{Field: "body", Reason: "invalid JSON body"}
	}
	return nil
}

// decodeBody decodes the request body with the configured serializer.
func decodeBody(c echo.Context, v any) error {
	s := c.Echo().JSONSerializer
	if s == nil {
		s = SonicSerializer{}
	}
	if err := s.Deserialize(c, v); err != nil {
		if errors.Is(err, domain.ErrValidation) {
			return err
		}
		return &domain.ValidationError{Field: "body", Reason: "invalid JSON body"}
	}
	return nil
}
