package app

import (
	"reflect"
	"testing"
	"time"
)

func TestEnvString(t *testing.T) {
	t.Setenv("VEIL_TEST_STR", "  value  ")
	if got := EnvString("VEIL_TEST_STR", "def"); got != "value" {
		t.Fatalf("got %q, want value", got)
	}
	if got := EnvString("VEIL_TEST_MISSING", "def"); got != "def" {
		t.Fatalf("got %q, want def", got)
	}
}

func TestEnvBool(t *testing.T) {
	cases := []struct {
		name  string
		value string
		def   bool
		want  bool
	}{
		{"true", "true", false, true},
		{"one", "1", false, true},
		{"false", "false", true, false},
		{"garbage falls back", "yep", false, false},
		{"empty falls back", "", true, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("VEIL_TEST_BOOL", tc.value)
			if got := EnvBool("VEIL_TEST_BOOL", tc.def); got != tc.want {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestEnvInt(t *testing.T) {
	cases := []struct {
		name  string
		value string
		want  int
	}{
		{"valid", "42", 42},
		{"zero falls back", "0", 7},
		{"negative falls back", "-3", 7},
		{"garbage falls back", "many", 7},
		{"empty falls back", "", 7},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("VEIL_TEST_INT", tc.value)
			if got := EnvInt("VEIL_TEST_INT", 7); got != tc.want {
				t.Fatalf("got %d, want %d", got, tc.want)
			}
		})
	}
}

func TestEnvDuration(t *testing.T) {
	cases := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"go syntax", "90s", 90 * time.Second},
		{"bare seconds", "960", 960 * time.Second},
		{"garbage falls back", "soon", time.Minute},
		{"negative falls back", "-5s", time.Minute},
		{"empty falls back", "", time.Minute},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("VEIL_TEST_DUR", tc.value)
			if got := EnvDuration("VEIL_TEST_DUR", time.Minute); got != tc.want {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestEnvCSV(t *testing.T) {
	t.Setenv("VEIL_TEST_CSV", " a.example.com , ,b.example.com ")
	got := EnvCSV("VEIL_TEST_CSV", "")
	want := []string{"a.example.com", "b.example.com"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	t.Setenv("VEIL_TEST_CSV", "")
	if got := EnvCSV("VEIL_TEST_CSV", ""); got != nil {
		t.Fatalf("got %v, want nil", got)
	}
}

func TestConfigAddrAndTLS(t *testing.T) {
	c := Config{Host: "127.0.0.1", Port: 9090}
	if got := c.Addr(); got != "127.0.0.1:9090" {
		t.Fatalf("addr = %q", got)
	}
	if c.TLSEnabled() {
		t.Fatalf("expected TLS disabled")
	}
	c.TLSCertFile = "cert.pem"
	c.TLSKeyFile = "key.pem"
	if !c.TLSEnabled() {
		t.Fatalf("expected TLS enabled")
	}
}

func TestRedisURI(t *testing.T) {
	t.Setenv("REDIS_URI", "redis://explicit:6380")
	t.Setenv("REDIS_HOST", "ignored")
	if got := redisURI(); got != "redis://explicit:6380" {
		t.Fatalf("uri = %q", got)
	}

	t.Setenv("REDIS_URI", "")
	t.Setenv("REDIS_HOST", "cache.internal")
	t.Setenv("REDIS_PORT", "6390")
	if got := redisURI(); got != "redis://cache.internal:6390" {
		t.Fatalf("uri = %q", got)
	}

	t.Setenv("REDIS_HOST", "")
	if got := redisURI(); got != "" {
		t.Fatalf("uri = %q, want empty", got)
	}
}
