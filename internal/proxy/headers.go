package proxy

import (
	"net/http"
	"strings"
)

// clientKeyHeader is the credential header this system issues; it must
// never reach the upstream.
const clientKeyHeader = "X-Client-API-Key"

// userAgentTag prefixes the forwarded user agent so the upstream can
// attribute traffic to this middleware.
const userAgentTag = "OpenRouter-Middleware/1.0"

// requestStripSet are hop-by-hop (plus transport-managed) headers never
// forwarded upstream. Content negotiation and framing are renegotiated by
// the outbound transport.
var requestStripSet = map[string]struct{}{
	"host":                {},
	"connection":          {},
	"upgrade":             {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailers":            {},
	"transfer-encoding":   {},
	"accept-encoding":     {},
	"content-length":      {},
}

// responseStripSet are headers removed from the upstream response before
// it is relayed. Framing is re-established by the server writer.
var responseStripSet = map[string]struct{}{
	"connection":          {},
	"upgrade":             {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailers":            {},
	"transfer-encoding":   {},
}

// buildOutboundHeaders copies the client headers minus the strip set and
// our own credential header, then injects auth, forwarding, and the
// middleware user-agent tag.
func buildOutboundHeaders(in http.Header, upstreamSecret, clientIP string) http.Header {
	out := make(http.Header, len(in)+3)
	for name, values := range in {
		lower := strings.ToLower(name)
		if _, strip := requestStripSet[lower]; strip {
			continue
		}
		if lower == strings.ToLower(clientKeyHeader) {
			continue
		}
		for _, v := range values {
			out.Add(name, v)
		}
	}

	out.Set("Authorization", "Bearer "+upstreamSecret)
	out.Set("X-Forwarded-For", clientIP)

	ua := strings.TrimSpace(in.Get("User-Agent"))
	if ua == "" {
		out.Set("User-Agent", userAgentTag)
	} else {
		out.Set("User-Agent", userAgentTag+" "+ua)
	}
	return out
}

// copyResponseHeaders relays upstream headers minus the strip set.
func copyResponseHeaders(dst http.Header, src http.Header) {
	for name, values := range src {
		if _, strip := responseStripSet[strings.ToLower(name)]; strip {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// bodylessMethod reports whether the method forwards no request body.
func bodylessMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodDelete:
		return true
	}
	return false
}
