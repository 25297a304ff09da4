package lookup

import "context"

type cacheCtxKey struct{}

type requestCtxKey struct{}

// WithCache attaches a request-scoped cache. The cache must not outlive the
// request: block state can change between requests.
func WithCache(ctx context.Context, c Cache) context.Context {
	return context.WithValue(ctx, cacheCtxKey{}, c)
}

func cacheFrom(ctx context.Context) Cache {
	c, _ := ctx.Value(cacheCtxKey{}).(Cache)
	return c
}

// WithRequest attaches the metadata of the request being served.
func WithRequest(ctx context.Context, md RequestMetadata) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, md)
}

// RequestFrom returns the request metadata attached to ctx, if any.
func RequestFrom(ctx context.Context) (RequestMetadata, bool) {
	md, ok := ctx.Value(requestCtxKey{}).(RequestMetadata)
	return md, ok && md != nil
}
