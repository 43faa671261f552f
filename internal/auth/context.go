package auth

import (
	"context"

	"github.com/vladislavdragonenkov/bookstore/internal/domain"
)

type callerKey struct{}

// WithCaller кладёт идентичность вызывающего в контекст запроса.
func WithCaller(ctx context.Context, caller domain.Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFrom достаёт идентичность вызывающего. ok=false, если запрос не аутентифицирован.
func CallerFrom(ctx context.Context) (domain.Caller, bool) {
	caller, ok := ctx.Value(callerKey{}).(domain.Caller)
	return caller, ok && caller.ID != ""
}
