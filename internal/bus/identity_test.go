package bus

import (
	"strings"
	"testing"
)

func TestSanitizeHost(t *testing.T) {
	cases := map[string]string{
		"":               "unknown",
		"worker-3":       "worker-3",
		"host.local":     "host.local",
		"bad host!name":  "bad_host_name",
		"ünïcode":        "_n_code",
		"ok_under.score": "ok_under.score",
	}
	for in, want := range cases {
		if got := sanitizeHost(in); got != want {
			t.Fatalf("sanitizeHost(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestInstanceSuffix_Unique(t *testing.T) {
	a := instanceSuffix()
	b := instanceSuffix()
	if a == b {
		t.Fatalf("suffixes collide: %q", a)
	}
	for _, s := range []string{a, b} {
		if strings.ContainsAny(s, " !@#/\\") {
			t.Fatalf("suffix not broker-safe: %q", s)
		}
	}
}
