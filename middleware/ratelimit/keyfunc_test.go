package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDefaultKeyFunc_PrefersHeaderWhenSet(t *testing.T) {
	fn := DefaultKeyFunc("X-Client", false)

	r := httptest.NewRequest(http.MethodPost, "http://example/", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	r.Header.Set("X-Client", " client-123 ")

	if got := fn(r); got != "client-123" {
		t.Fatalf("expected header key, got %q", got)
	}
}

func TestDefaultKeyFunc_TrustXForwardedForUsesFirstIP(t *testing.T) {
	fn := DefaultKeyFunc("", true)

	r := httptest.NewRequest(http.MethodPost, "http://example/", nil)
	r.RemoteAddr = "10.0.0.9:5555"
	r.Header.Set("X-Forwarded-For", "::ffff:1.2.3.4, 5.6.7.8")

	if got := fn(r); got != "1.2.3.4" {
		t.Fatalf("expected first XFF ip, got %q", got)
	}
}

func TestDefaultKeyFunc_IgnoresXForwardedForUnlessTrusted(t *testing.T) {
	fn := DefaultKeyFunc("", false)

	r := httptest.NewRequest(http.MethodPost, "http://example/", nil)
	r.RemoteAddr = "10.0.0.9:5555"
	r.Header.Set("X-Forwarded-For", "1.2.3.4")

	if got := fn(r); got != "10.0.0.9" {
		t.Fatalf("expected remote host, got %q", got)
	}
}

func TestDefaultKeyFunc_FallbacksToRemoteAddr(t *testing.T) {
	fn := DefaultKeyFunc("", false)

	r := httptest.NewRequest(http.MethodPost, "http://example/", nil)
	r.RemoteAddr = "::1"
	if got := fn(r); got != CanonicalLoopback {
		t.Fatalf("expected loopback, got %q", got)
	}

	r.RemoteAddr = ""
	if got := fn(r); got != "unknown" {
		t.Fatalf("expected unknown, got %q", got)
	}
}

func TestNormalizeIdentity(t *testing.T) {
	cases := map[string]string{
		"::1":              CanonicalLoopback,
		"[::1]":            CanonicalLoopback,
		"127.0.0.1":        CanonicalLoopback,
		"127.10.0.3":       CanonicalLoopback,
		"::ffff:127.0.0.1": CanonicalLoopback,
		"::ffff:10.1.2.3":  "10.1.2.3",
		" 192.168.0.10 ":   "192.168.0.10",
		"2001:DB8::1":      "2001:db8::1",
		"not-an-ip":        "not-an-ip",
	}
	for in, want := range cases {
		if got := NormalizeIdentity(in); got != want {
			t.Errorf("NormalizeIdentity(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFormatSeconds_RoundsUp(t *testing.T) {
	cases := map[time.Duration]string{
		0:                       "1",
		500 * time.Millisecond:  "1",
		2 * time.Second:         "2",
		2500 * time.Millisecond: "3",
	}
	for in, want := range cases {
		if got := formatSeconds(in); got != want {
			t.Errorf("formatSeconds(%s) = %q, want %q", in, got, want)
		}
	}
}
