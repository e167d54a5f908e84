// internal/server/region.go
package server

import (
	"net"
	"net/http"
	"strings"
)

// RegionDetector produces an ISO 3166-1 alpha-2 country hint for a connecting
// client, or "" when no hint is available. The hint is advisory only; it never
// gates the login flow.
type RegionDetector interface {
	Detect(r *http.Request) string
}

// NoopRegionDetector never produces a hint. It is the default when no GeoIP
// backend is wired in.
type NoopRegionDetector struct{}

func (NoopRegionDetector) Detect(*http.Request) string { return "" }

// HeaderRegionDetector trusts a country header populated by an upstream proxy
// or CDN (e.g. CF-IPCountry), falling back to "" for private or local peers.
type HeaderRegionDetector struct {
	// Header is the request header carrying the alpha-2 country code.
	Header string
}

func (d HeaderRegionDetector) Detect(r *http.Request) string {
	code := strings.ToUpper(strings.TrimSpace(r.Header.Get(d.Header)))
	if len(code) != 2 || code == "XX" {
		return ""
	}
	if !publicPeer(r.RemoteAddr) {
		return ""
	}
	return code
}

// publicPeer reports whether the remote address is a routable public IP.
// Loopback, private, and unspecified peers carry no usable region signal.
func publicPeer(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return !ip.IsLoopback() && !ip.IsPrivate() && !ip.IsUnspecified()
}
