package access

import (
	"context"
	"net/http"
	"strings"
)

type namespaceKey struct{}

func WithNamespace(ctx context.Context, namespace string) context.Context {
	return context.WithValue(ctx, namespaceKey{}, namespace)
}

func NamespaceFrom(ctx context.Context) (string, bool) {
	ns, ok := ctx.Value(namespaceKey{}).(string)
	return ns, ok && ns != ""
}

// BearerToken extracts the token from an Authorization header.
func BearerToken(r *http.Request) string {
	authorization := r.Header.Get("Authorization")
	if len(authorization) < len("bearer ") || !strings.EqualFold(authorization[:len("bearer ")], "bearer ") {
		return ""
	}
	return strings.TrimSpace(authorization[len("bearer "):])
}
