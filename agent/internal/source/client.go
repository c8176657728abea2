package source

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/obsidianstack/depwatch/agent/internal/config"
)

const defaultRequestTimeout = 10 * time.Second

// authRoundTripper injects authentication headers into every outgoing request.
type authRoundTripper struct {
	base http.RoundTripper
	auth config.AuthConfig
}

func (t *authRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	h := AuthHeader(t.auth)
	if len(h) == 0 {
		return t.base.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	for k, v := range h {
		req.Header[k] = v
	}
	return t.base.RoundTrip(req)
}

// AuthHeader returns the headers that authenticate a request under auth. It
// is used directly by the WebSocket dialer, which does not go through an
// http.Client.
func AuthHeader(auth config.AuthConfig) http.Header {
	h := http.Header{}
	switch auth.Mode {
	case "apikey":
		h.Set(auth.Header, auth.Key())
	case "bearer":
		h.Set("Authorization", "Bearer "+auth.Token())
	case "basic":
		r := &http.Request{Header: h}
		r.SetBasicAuth(auth.Username, auth.Password())
	}
	return h
}

// TLSConfig builds the client TLS configuration for cfg, loading the client
// certificate and CA bundle in mtls mode.
func TLSConfig(cfg config.AgentConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{
		InsecureSkipVerify: cfg.TLS.InsecureSkipVerify, //nolint:gosec // user-configured
	}
	if cfg.Auth.Mode != "mtls" {
		return tlsCfg, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.Auth.CertFile, cfg.Auth.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load client cert: %w", err)
	}
	tlsCfg.Certificates = []tls.Certificate{cert}

	if cfg.Auth.CAFile != "" {
		caPEM, err := os.ReadFile(cfg.Auth.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("no valid certs found in ca file %q", cfg.Auth.CAFile)
		}
		tlsCfg.RootCAs = pool
	}
	return tlsCfg, nil
}

// NewHTTPClient constructs an http.Client for cfg's auth and TLS settings.
// The client has a request timeout; long-lived streams should reuse its
// Transport with a client of their own.
func NewHTTPClient(cfg config.AgentConfig) (*http.Client, error) {
	tlsCfg, err := TLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	transport := &authRoundTripper{
		base: &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: tlsCfg,
		},
		auth: cfg.Auth,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultRequestTimeout,
	}, nil
}
