package util

import (
	"net/http/httptest"
	"testing"
)

func TestClientIP(t *testing.T) {
	trusted, err := NewTrustedProxies([]string{"172.16.0.0/12", "192.0.2.40"})
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
			remoteAddr: "192.0.2.15:40312",
			xff:        "198.51.100.21",
			xrip:       "198.51.100.22",
			want:       "192.0.2.15",
		},
		{
			name:       "trusted balancer reveals provider address",
			remoteAddr: "172.16.4.9:40312",
			xff:        "198.51.100.21",
			trusted:    trusted,
			want:       "198.51.100.21",
		},
		{
			name:       "chain walked right to left past our own hops",
			remoteAddr: "172.16.4.9:40312",
			xff:        "198.51.100.21, 172.16.8.2",
			trusted:    trusted,
			want:       "198.51.100.21",
		},
		{
			name:       "x-real-ip used when forwarded-for is garbage",
			remoteAddr: "172.16.4.9:40312",
			xff:        "not-an-ip",
			xrip:       "198.51.100.30",
			trusted:    trusted,
			want:       "198.51.100.30",
		},
		{
			name:       "chain of only our proxies keeps leftmost hop",
			remoteAddr: "172.16.4.9:40312",
			xff:        "172.16.1.1, 172.16.8.2",
			trusted:    trusted,
			want:       "172.16.1.1",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "http://luna.example/webhook", nil)
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
	if _, err := NewTrustedProxies([]string{"172.16.0.0/12", "192.0.2.40"}); err != nil {
		t.Fatalf("expected valid entries, got err: %v", err)
	}
	if tp, err := NewTrustedProxies(nil); err != nil || tp != nil {
		t.Fatalf("empty input should trust nothing: tp=%v err=%v", tp, err)
	}
	if _, err := NewTrustedProxies([]string{"bad-cidr"}); err == nil {
		t.Fatalf("expected parse error for invalid entry")
	}
}
