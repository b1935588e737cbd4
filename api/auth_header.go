package api

import (
	"errors"
	"strings"
)

var (
	errMissingAuthorization = errors.New("missing authorization header")
	errBadAuthorization     = errors.New("bad auth header")
)

const bearerPrefix = "Bearer "

// bearerToken returns the JWT carried by an Authorization header value. The token must
// have exactly three dot separated segments.
func bearerToken(raw string) (string, error) {
	raw = strings.Trim(raw, " ")
	if raw == "" {
		return "", errMissingAuthorization
	}
	if len(raw) <= len(bearerPrefix) || !strings.EqualFold(raw[:len(bearerPrefix)], bearerPrefix) {
		return "", errBadAuthorization
	}
	token := strings.TrimLeft(raw[len(bearerPrefix):], " ")
	if strings.Count(token, ".") != 2 || strings.HasPrefix(token, ".") || strings.HasSuffix(token, ".") {
		return "", errBadAuthorization
	}
	return token, nil
}
