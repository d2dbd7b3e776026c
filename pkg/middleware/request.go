package middleware

import (
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/ngoyal88/relaylog/pkg/record"
)

// Match modes for excluded paths.
const (
	MatchPrefix = "prefix"
	MatchExact  = "exact"
)

type exclusions struct {
	exact bool
	paths []string
}

func newExclusions(paths []string, mode string) exclusions {
	ex := exclusions{exact: strings.EqualFold(mode, MatchExact)}
	for _, p := range paths {
		if p = strings.TrimSpace(p); p != "" {
			ex.paths = append(ex.paths, p)
		}
	}
	return ex
}

func (e exclusions) match(path string) bool {
	for _, p := range e.paths {
		if path == p || (!e.exact && strings.HasPrefix(path, p)) {
			return true
		}
	}
	return false
}

// trustedProxies lists the peers whose forwarding headers are believed.
// An empty list believes every peer.
type trustedProxies []netip.Prefix

func (t trustedProxies) allows(remoteAddr string) bool {
	if len(t) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(peerHost(remoteAddr))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range t {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// requestData copies what the record needs from r before the handler can
// change it. forwarded says whether X-Forwarded-* and X-Real-IP may be used.
func requestData(r *http.Request, forwarded bool) record.RequestData {
	return record.RequestData{
		Path:          r.URL.Path,
		Method:        r.Method,
		URL:           fullURL(r, forwarded),
		ClientIP:      clientIP(r, forwarded),
		UserAgent:     r.UserAgent(),
		ContentLength: r.ContentLength,
		Query:         r.URL.Query(),
		Header:        r.Header.Clone(),
	}
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// peer address. Headers are skipped unless forwarded is set.
func clientIP(r *http.Request, forwarded bool) string {
	if forwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	return peerHost(r.RemoteAddr)
}

func peerHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

func fullURL(r *http.Request, forwarded bool) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" && forwarded {
		scheme = p
	}
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	uri := r.RequestURI
	if uri == "" {
		uri = r.URL.RequestURI()
	}
	return scheme + "://" + host + uri
}
