package source

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/obsidianstack/depwatch/agent/internal/config"
)

func TestAuthRoundTripper_Modes(t *testing.T) {
	t.Setenv("SRC_KEY", "k1")
	t.Setenv("SRC_TOKEN", "t1")
	t.Setenv("SRC_PASS", "p1")

	tests := []struct {
		name  string
		auth  config.AuthConfig
		check func(t *testing.T, r *http.Request)
	}{
		{"apikey", config.AuthConfig{Mode: "apikey", Header: "X-Status-Key", KeyEnv: "SRC_KEY"}, func(t *testing.T, r *http.Request) {
			if got := r.Header.Get("X-Status-Key"); got != "k1" {
				t.Errorf("X-Status-Key: got %q, want k1", got)
			}
		}},
		{"bearer", config.AuthConfig{Mode: "bearer", TokenEnv: "SRC_TOKEN"}, func(t *testing.T, r *http.Request) {
			if got := r.Header.Get("Authorization"); got != "Bearer t1" {
				t.Errorf("Authorization: got %q", got)
			}
		}},
		{"basic", config.AuthConfig{Mode: "basic", Username: "u", PasswordEnv: "SRC_PASS"}, func(t *testing.T, r *http.Request) {
			u, p, ok := r.BasicAuth()
			if !ok || u != "u" || p != "p1" {
				t.Errorf("basic auth: got %q/%q ok=%v", u, p, ok)
			}
		}},
		{"none", config.AuthConfig{Mode: "none"}, func(t *testing.T, r *http.Request) {
			if r.Header.Get("Authorization") != "" {
				t.Error("none mode sent Authorization header")
			}
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var seen *http.Request
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = r
				w.WriteHeader(http.StatusNoContent)
			}))
			defer srv.Close()

			client, err := NewHTTPClient(config.AgentConfig{Auth: tc.auth})
			if err != nil {
				t.Fatalf("NewHTTPClient: %v", err)
			}
			resp, err := client.Get(srv.URL)
			if err != nil {
				t.Fatalf("GET: %v", err)
			}
			resp.Body.Close()
			tc.check(t, seen)
		})
	}
}

func TestTLSConfig_MissingCert(t *testing.T) {
	_, err := TLSConfig(config.AgentConfig{Auth: config.AuthConfig{Mode: "mtls", CertFile: "/nope.pem", KeyFile: "/nope.key"}})
	if err == nil {
		t.Fatal("expected error for missing client cert")
	}
}
