// Package upstream performs the HTTP calls to the real provider backends
// using a process-wide, immutable transport configuration.
package upstream

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// TransportConfig holds the proxy and TLS settings for upstream calls. It is
// built once at startup from environment-style input and shared read-only by
// every request; the core never reads the process environment at call time.
type TransportConfig struct {
	// HTTPProxy and HTTPSProxy are per-scheme proxy URLs; AllProxy is the
	// fallback when the scheme-specific one is unset.
	HTTPProxy  string
	HTTPSProxy string
	AllProxy   string
	// CABundle is a path to a PEM bundle that replaces the system roots.
	CABundle string
	// VerifyTLS disables certificate validation when false. This is an
	// explicit insecure mode, never a fallback.
	VerifyTLS bool
}

// ConfigFromEnv builds a TransportConfig from a lookup function, usually
// os.Getenv. CA bundle resolution: REQUESTS_CA_BUNDLE wins over
// SSL_CERT_FILE. SSL_VERIFY defaults to true.
func ConfigFromEnv(getenv func(string) string) TransportConfig {
	cfg := TransportConfig{
		HTTPProxy:  strings.TrimSpace(getenv("HTTP_PROXY")),
		HTTPSProxy: strings.TrimSpace(getenv("HTTPS_PROXY")),
		AllProxy:   strings.TrimSpace(getenv("ALL_PROXY")),
		VerifyTLS:  true,
	}
	for _, key := range []string{"REQUESTS_CA_BUNDLE", "SSL_CERT_FILE"} {
		if path := strings.TrimSpace(getenv(key)); path != "" {
			cfg.CABundle = path
			break
		}
	}
	if v := strings.ToLower(strings.TrimSpace(getenv("SSL_VERIFY"))); v != "" {
		cfg.VerifyTLS = !(v == "0" || v == "false" || v == "no" || v == "off")
	}
	return cfg
}

// DefaultConfig reads the transport configuration from the process
// environment.
func DefaultConfig() TransportConfig {
	return ConfigFromEnv(os.Getenv)
}

// NewTransport builds the shared *http.Transport. Pool sizes are tuned for
// many concurrent long-lived SSE streams (per-destination pooling, no global
// per-request lock).
func (c TransportConfig) NewTransport() (*http.Transport, error) {
	proxy, err := c.proxyFunc()
	if err != nil {
		return nil, err
	}

	tlsCfg := &tls.Config{}
	if !c.VerifyTLS {
		tlsCfg.InsecureSkipVerify = true
	}
	if c.CABundle != "" {
		pem, err := os.ReadFile(c.CABundle)
		if err != nil {
			return nil, fmt.Errorf("cannot read CA bundle %s: %w", c.CABundle, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("CA bundle %s contains no usable certificates", c.CABundle)
		}
		tlsCfg.RootCAs = pool
	}

	return &http.Transport{
		Proxy: proxy,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:       tlsCfg,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          1000,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 600 * time.Second,
	}, nil
}

// proxyFunc resolves the proxy per request scheme. The three settings are
// orthogonal to the TLS ones and may combine freely.
func (c TransportConfig) proxyFunc() (func(*http.Request) (*url.URL, error), error) {
	parse := func(raw string) (*url.URL, error) {
		if raw == "" {
			return nil, nil
		}
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", raw, err)
		}
		return u, nil
	}
	httpProxy, err := parse(c.HTTPProxy)
	if err != nil {
		return nil, err
	}
	httpsProxy, err := parse(c.HTTPSProxy)
	if err != nil {
		return nil, err
	}
	allProxy, err := parse(c.AllProxy)
	if err != nil {
		return nil, err
	}
	if httpProxy == nil && httpsProxy == nil && allProxy == nil {
		return nil, nil
	}
	return func(req *http.Request) (*url.URL, error) {
		switch req.URL.Scheme {
		case "https":
			if httpsProxy != nil {
				return httpsProxy, nil
			}
		case "http":
			if httpProxy != nil {
				return httpProxy, nil
			}
		}
		return allProxy, nil
	}, nil
}
