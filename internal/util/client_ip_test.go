package util

import (
	"net/http/httptest"
	"testing"
)

func TestClientIP(t *testing.T) {
	trusted, err := NewTrustedProxies([]string{"172.16.0.0/12", "192.0.2.50"})
	if err != nil {
		t.Fatalf("new trusted proxies: %v", err)
	}

	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		xrip       string
		trusted    *TrustedProxies
		want       string
	}{
		{
			name:       "untrusted peer ignores forwarded headers",
			remoteAddr: "203.0.113.9:48213",
			xff:        "198.51.100.77",
			xrip:       "198.51.100.78",
			trusted:    trusted,
			want:       "203.0.113.9",
		},
		{
			name:       "nil allowlist trusts nobody",
			remoteAddr: "172.16.4.4:48213",
			xff:        "198.51.100.77",
			want:       "172.16.4.4",
		},
		{
			name:       "trusted balancer forwards the client",
			remoteAddr: "172.16.4.4:48213",
			xff:        "198.51.100.77",
			trusted:    trusted,
			want:       "198.51.100.77",
		},
		{
			name:       "chain resolves to first untrusted hop from the right",
			remoteAddr: "172.16.4.4:48213",
			xff:        "198.51.100.77, 172.16.9.9",
			trusted:    trusted,
			want:       "198.51.100.77",
		},
		{
			name:       "x-real-ip used when forwarded-for is garbage",
			remoteAddr: "192.0.2.50:48213",
			xff:        "not-an-ip",
			xrip:       "198.51.100.80",
			trusted:    trusted,
			want:       "198.51.100.80",
		},
		{
			name:       "fully trusted chain keeps the leftmost hop",
			remoteAddr: "172.16.4.4:48213",
			xff:        "172.16.1.1, 172.16.2.2",
			trusted:    trusted,
			want:       "172.16.1.1",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "http://example.com/search", nil)
			req.RemoteAddr = tc.remoteAddr
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			if tc.xrip != "" {
				req.Header.Set("X-Real-IP", tc.xrip)
			}
			if got := ClientIP(req, tc.trusted); got != tc.want {
				t.Fatalf("client ip = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestNewTrustedProxies(t *testing.T) {
	if _, err := NewTrustedProxies([]string{"172.16.0.0/12", "2001:db8::1"}); err != nil {
		t.Fatalf("valid entries rejected: %v", err)
	}
	if tp, err := NewTrustedProxies([]string{"", "  "}); err != nil || tp != nil {
		t.Fatalf("blank entries should yield nil allowlist, got %v / %v", tp, err)
	}
	if _, err := NewTrustedProxies([]string{"not-a-range"}); err == nil {
		t.Fatalf("expected parse error for invalid entry")
	}
}
