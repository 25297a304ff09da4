package httpapi

import (
	"net"
	"net/http"
	"strings"

	"github.com/haukened/gblock/internal/gblock/common/log"
	"github.com/haukened/gblock/internal/gblock/repos/lookupcache"
	"github.com/haukened/gblock/internal/gblock/services/lookup"
)

// requestMetadata implements lookup.RequestMetadata for one HTTP request.
type requestMetadata struct {
	direct string
	chain  []string
}

func (m requestMetadata) DirectAddress() string    { return m.direct }
func (m requestMetadata) ForwardedChain() []string { return m.chain }

// metadataFrom reads the peer address and every X-Forwarded-For header.
// Entries are kept in header order, nearest to the client first.
func metadataFrom(r *http.Request) requestMetadata {
	direct := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		direct = host
	}
	var chain []string
	for _, h := range r.Header.Values("X-Forwarded-For") {
		for _, part := range strings.Split(h, ",") {
			if part = strings.TrimSpace(part); part != "" {
				chain = append(chain, part)
			}
		}
	}
	return requestMetadata{direct: direct, chain: chain}
}

// withLookupContext attaches the request metadata and a fresh lookup cache
// to every request. The cache is dropped with the request.
func withLookupContext(next http.Handler, cacheSize int, logger log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := lookup.WithRequest(r.Context(), metadataFrom(r))
		cache, err := lookupcache.New(cacheSize)
		if err != nil {
			logger.Warn(map[string]any{"error": err, "size": cacheSize}, "lookup_cache_unavailable")
		} else {
			ctx = lookup.WithCache(ctx, cache)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
