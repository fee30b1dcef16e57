package origin

import "testing"

func TestAllowedSameHostDefault(t *testing.T) {
	cases := []struct {
		name   string
		origin string
		host   string
		want   bool
	}{
		{"no origin header", "", "example.com", true},
		{"same host", "http://example.com", "example.com", true},
		{"same host with port", "http://example.com:3000", "example.com:3000", true},
		{"default port elided", "http://example.com:80", "example.com", true},
		{"https default port elided", "https://example.com:443", "example.com", true},
		{"case-insensitive host", "http://EXAMPLE.com", "example.com", true},
		{"https origin behind tls proxy", "https://example.com", "example.com", true},
		{"different host", "http://evil.com", "example.com", false},
		{"different port", "http://example.com:9000", "example.com:3000", false},
		{"null origin", "null", "example.com", false},
		{"garbage origin", "not a url", "example.com", false},
		{"scheme only", "http://", "example.com", false},
		{"ftp scheme", "ftp://example.com", "example.com", false},
		{"origin with path", "http://example.com/app", "example.com", false},
		{"origin with userinfo", "http://u:p@example.com", "example.com", false},
		{"ipv6 literal", "http://[::1]:3000", "[::1]:3000", true},
	}
	for _, tc := range cases {
		if got := Allowed(tc.origin, tc.host, nil); got != tc.want {
			t.Errorf("%s: Allowed(%q, %q)=%v, want %v", tc.name, tc.origin, tc.host, got, tc.want)
		}
	}
}

func TestAllowedWithAllowlist(t *testing.T) {
	allowed := []string{"http://app.example.com", "https://chat.example.com"}

	cases := []struct {
		origin string
		want   bool
	}{
		{"http://app.example.com", true},
		{"https://chat.example.com", true},
		{"http://APP.example.com", true}, // normalized before comparison
		{"http://other.example.com", false},
		{"null", false},
		{"", true}, // non-browser client
	}
	for _, tc := range cases {
		if got := Allowed(tc.origin, "irrelevant.host", allowed); got != tc.want {
			t.Errorf("Allowed(%q)=%v, want %v", tc.origin, got, tc.want)
		}
	}
}

func TestAllowedWildcard(t *testing.T) {
	if !Allowed("http://anything.example", "host", []string{"*"}) {
		t.Fatalf("wildcard allowlist rejected a valid origin")
	}
	if Allowed("garbage", "host", []string{"*"}) {
		t.Fatalf("wildcard allowlist accepted an unparseable origin")
	}
}
