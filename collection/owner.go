package collection

import (
	"context"
	"strings"

	"tasklist-api/domain"
)

type ownerKey struct{}

// WithOwner returns a context carrying the authenticated owner id.
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

// OwnerFromContext returns the owner id stored by WithOwner or ErrNotAuthenticated.
func OwnerFromContext(ctx context.Context) (string, error) {
	owner, _ := ctx.Value(ownerKey{}).(string)
	if strings.TrimSpace(owner) == "" {
		return "", domain.ErrNotAuthenticated
	}
	return owner, nil
}
