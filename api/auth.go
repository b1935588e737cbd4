package api

import (
	"errors"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
)

const DefaultJWKSCacheTTL = 15 * time.Minute

// AuthConfig selects how tokens are verified. A non-empty SharedSecret switches to HS256
// (local and test deployments); otherwise tokens must be RS256 signed by a JWKS key.
type AuthConfig struct {
	JWKS         *keyfunc.JWKS
	Audience     string
	Issuer       string
	SharedSecret []byte
	KeyCacheTTL  time.Duration
}

// Auth validates incoming JWT tokens. The sub claim is the owner id.
type Auth struct {
	jwks     *keyfunc.JWKS
	audience string
	issuer   string
	secret   []byte

	parser      *jwt.Parser
	keyCache    sync.Map
	keyCacheTTL time.Duration
}

type cachedKey struct {
	key       any
	expiresAt time.Time
}

func NewAuth(cfg AuthConfig) *Auth {
	a := &Auth{
		jwks:        cfg.JWKS,
		audience:    cfg.Audience,
		issuer:      cfg.Issuer,
		secret:      cfg.SharedSecret,
		keyCacheTTL: cfg.KeyCacheTTL,
	}
	if a.keyCacheTTL < 0 {
		a.keyCacheTTL = 0
	}
	if a.hmac() {
		a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}))
	} else {
		a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"RS256"}))
	}
	return a
}

func (a *Auth) hmac() bool { return len(a.secret) > 0 }

// OwnerFromAuthHeader extracts the owner id from an Authorization header value.
func (a *Auth) OwnerFromAuthHeader(h string) (string, error) {
	token, err := bearerToken(h)
	if err != nil {
		return "", err
	}
	return a.OwnerFromToken(token)
}

// OwnerFromToken verifies a raw JWT and returns its subject.
func (a *Auth) OwnerFromToken(tokenStr string) (string, error) {
	if tokenStr == "" {
		return "", errBadAuthorization
	}
	parsed, err := a.parser.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		if a.hmac() {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("invalid signing method")
			}
			return a.secret, nil
		}
		return a.keyForToken(t)
	})
	if err != nil {
		return "", err
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid claims")
	}
	now := time.Now().Add(time.Minute).Unix()
	if !claims.VerifyExpiresAt(now, true) {
		return "", errors.New("token expired")
	}
	if !claims.VerifyNotBefore(now, false) {
		return "", errors.New("token not valid yet")
	}
	if a.audience != "" && !claims.VerifyAudience(a.audience, false) {
		return "", errors.New("invalid audience")
	}
	if a.issuer != "" && !claims.VerifyIssuer(a.issuer, false) {
		return "", errors.New("invalid issuer")
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", errors.New("missing sub")
	}
	return sub, nil
}

func (a *Auth) keyForToken(token *jwt.Token) (any, error) {
	if a.jwks == nil {
		return nil, errors.New("jwks not configured")
	}

	kid, _ := token.Header["kid"].(string)
	if kid != "" && a.keyCacheTTL > 0 {
		if cached, ok := a.keyCache.Load(kid); ok {
			entry := cached.(cachedKey)
			if time.Now().Before(entry.expiresAt) {
				return entry.key, nil
			}
			a.keyCache.Delete(kid)
		}
	}

	key, err := a.jwks.Keyfunc(token)
	if err != nil {
		return nil, err
	}
	if kid != "" && a.keyCacheTTL > 0 {
		a.keyCache.Store(kid, cachedKey{key: key, expiresAt: time.Now().Add(a.keyCacheTTL)})
	}
	return key, nil
}
