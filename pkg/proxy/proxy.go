package proxy

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/rs/zerolog/log"
)

// ViaHeader marks requests that went through relaylog.
const ViaHeader = "X-Relaylog"

// Gateway forwards every request to a single upstream.
type Gateway struct {
	target *url.URL
	proxy  *httputil.ReverseProxy
}

func New(targetURL string) (*Gateway, error) {
	parsedURL, err := parseTarget(targetURL)
	if err != nil {
		return nil, err
	}
	return &Gateway{
		target: parsedURL,
		proxy:  newReverseProxy(parsedURL),
	}, nil
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.proxy.ServeHTTP(w, r)
}

func (g *Gateway) Target() string {
	return g.target.String()
}

func parseTarget(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid target URL %s: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid target URL %q: scheme and host required", raw)
	}
	return u, nil
}

func newReverseProxy(target *url.URL) *httputil.ReverseProxy {
	p := httputil.NewSingleHostReverseProxy(target)

	director := p.Director
	p.Director = func(req *http.Request) {
		director(req)
		req.Header.Set(ViaHeader, "1")
	}

	// Log upstream errors so network/DNS/TLS issues are visible.
	p.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Warn().Err(err).Str("target", target.Host).Str("path", r.URL.Path).Msg("upstream error")
		http.Error(w, "upstream error", http.StatusBadGateway)
	}
	return p
}
