package gateway

import (
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientIP_NoProxiesIgnoresHeaders(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "203.0.113.9:44321"
	r.Header.Set("X-Forwarded-For", "198.51.100.1")

	assert.Equal(t, "203.0.113.9", clientIPWithProxies(r, nil))
}

func TestClientIP_UntrustedPeerIgnoresHeaders(t *testing.T) {
	proxies := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "203.0.113.9:44321"
	r.Header.Set("X-Forwarded-For", "198.51.100.1")

	assert.Equal(t, "203.0.113.9", clientIPWithProxies(r, proxies))
}

func TestClientIP_TrustedPeerHonorsForwardedFor(t *testing.T) {
	proxies := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.1.2.3:44321"
	r.Header.Set("X-Forwarded-For", "198.51.100.1, 10.1.2.3")

	assert.Equal(t, "198.51.100.1", clientIPWithProxies(r, proxies))
}

func TestClientIP_TrustedPeerForwardedHeader(t *testing.T) {
	proxies := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.1.2.3:44321"
	r.Header.Set("Forwarded", `for="[2001:db8::7]:9000";proto=https`)

	assert.Equal(t, "2001:db8::7", clientIPWithProxies(r, proxies))
}

func TestClientIP_TrustedPeerRealIPFallback(t *testing.T) {
	proxies := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.1.2.3:44321"
	r.Header.Set("X-Real-IP", "198.51.100.7")

	assert.Equal(t, "198.51.100.7", clientIPWithProxies(r, proxies))
}

func TestClientIP_GarbageHeaderFallsBackToPeer(t *testing.T) {
	proxies := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.1.2.3:44321"
	r.Header.Set("X-Forwarded-For", "not-an-ip, also bad")

	assert.Equal(t, "10.1.2.3", clientIPWithProxies(r, proxies))
}

func TestParseIPCandidate(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"192.0.2.1", "192.0.2.1", true},
		{"192.0.2.1:8080", "192.0.2.1", true},
		{" 192.0.2.1 ", "192.0.2.1", true},
		{`"[::1]:1234"`, "::1", true},
		{"fe80::1%eth0", "fe80::1", true},
		{"[2001:db8::5]", "2001:db8::5", true},
		{"", "", false},
		{"not-an-ip", "", false},
	}
	for _, tc := range cases {
		got, ok := parseIPCandidate(tc.in)
		assert.Equal(t, tc.ok, ok, "input %q", tc.in)
		assert.Equal(t, tc.want, got, "input %q", tc.in)
	}
}
