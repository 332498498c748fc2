package bridge

import (
	"net/http"
	"strings"
)

// endpointBaseHeader overrides the advertised endpoint base when the bridge
// sits behind a tunnel the proxy headers cannot describe.
const endpointBaseHeader = "X-Mcpjam-Endpoint-Base"

// EndpointBase returns the absolute URL base advertised to SSE clients for
// posting messages back.
func EndpointBase(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(endpointBaseHeader)); v != "" {
		return strings.TrimSuffix(v, "/")
	}
	proto, host := forwardedProtoAndHost(r)
	return proto + "://" + host
}

// forwardedProtoAndHost resolves the originating scheme and host, honoring
// RFC 7239 Forwarded before the X-Forwarded-* conventions and finally the
// request itself.
func forwardedProtoAndHost(r *http.Request) (proto, host string) {
	if fwd := r.Header.Get("Forwarded"); fwd != "" {
		first := strings.Split(fwd, ",")[0]
		for _, part := range strings.Split(first, ";") {
			kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
			if len(kv) != 2 {
				continue
			}
			v := strings.Trim(kv[1], `"`)
			switch strings.ToLower(strings.TrimSpace(kv[0])) {
			case "proto":
				proto = v
			case "host":
				host = v
			}
		}
	}
	if proto == "" {
		if v := r.Header.Get("X-Forwarded-Proto"); v != "" {
			proto = strings.TrimSpace(strings.Split(v, ",")[0])
		}
	}
	if host == "" {
		if v := r.Header.Get("X-Forwarded-Host"); v != "" {
			host = strings.TrimSpace(strings.Split(v, ",")[0])
		}
	}
	if proto == "" {
		if r.TLS != nil {
			proto = "https"
		} else {
			proto = "http"
		}
	}
	if host == "" {
		host = r.Host
	}
	return proto, host
}
