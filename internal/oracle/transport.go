package oracle

import (
	"context"
	"net/http"

	"github.com/gregjones/httpcache"
	"github.com/gregjones/httpcache/diskcache"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// authenticatedTransport returns a round tripper that attaches a client
// credentials token when TokenURL is configured, and base otherwise.
func authenticatedTransport(ctx context.Context, cfg Config, base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if cfg.TokenURL == "" {
		return base
	}

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       cfg.Scopes,
	}

	// token requests use the base transport too
	tokenCtx := context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Transport: base, Timeout: cfg.Timeout})

	return &oauth2.Transport{
		Source: oauth2.ReuseTokenSource(nil, cc.TokenSource(tokenCtx)),
		Base:   base,
	}
}

// cachingTransport wraps next with an HTTP cache that honours Cache-Control
// on oracle responses. An empty cacheDir keeps the cache in memory.
func cachingTransport(cacheDir string, next http.RoundTripper) *httpcache.Transport {
	var cache httpcache.Cache
	if cacheDir == "" {
		cache = httpcache.NewMemoryCache()
	} else {
		cache = diskcache.New(cacheDir)
	}

	t := httpcache.NewTransport(cache)
	t.Transport = next
	return t
}
