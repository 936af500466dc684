package registry

import "context"

type generationContextKey struct{}

// WithGeneration attaches gen to ctx so the router and tool registry can
// read the request's current-generation snapshot without a second global
// lookup — the Go shape of the "registry read (atomic load of current
// generation)" suspension point.
func WithGeneration(ctx context.Context, gen *Generation) context.Context {
	return context.WithValue(ctx, generationContextKey{}, gen)
}

// GenerationFromContext retrieves the generation attached by WithGeneration.
func GenerationFromContext(ctx context.Context) (*Generation, bool) {
	gen, ok := ctx.Value(generationContextKey{}).(*Generation)
	return gen, ok
}
