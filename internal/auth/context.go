package auth

import (
	"context"

	"github.com/fieldstack/simsync/internal/task"
)

type principalKey struct{}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p task.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom resolves the current principal, failing with
// ErrUnauthenticated when the context carries none.
func PrincipalFrom(ctx context.Context) (task.Principal, error) {
	p, ok := ctx.Value(principalKey{}).(task.Principal)
	if !ok || p.ID == "" {
		return task.Principal{}, ErrUnauthenticated
	}
	return p, nil
}
