// Package requestid carries a correlation id through outbound daemon calls.
package requestid

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"
)

const Header = "X-Request-Id"

type ctxKey struct{}

func New() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func WithContext(ctx context.Context, id string) context.Context {
	id = strings.TrimSpace(id)
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, id)
}

func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// Ensure returns the id stored in ctx, generating a fresh one when absent.
func Ensure(ctx context.Context) string {
	if id := FromContext(ctx); id != "" {
		return id
	}
	id, err := New()
	if err != nil {
		return ""
	}
	return id
}
