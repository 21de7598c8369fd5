package upstream

import (
	"net"
	"net/http"
	"net/url"

	"gcliproxy/internal/config"
	"gcliproxy/internal/constants"
)

// newTransport builds the shared HTTP transport for Code Assist calls.
// No client-level timeout is set: streaming responses stay open for
// minutes, so deadlines come from the request context and the
// ResponseHeaderTimeout below bounds the wait for first byte.
func newTransport(cfg config.UpstreamConfig) *http.Transport {
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = constants.DefaultMaxIdleConns
	}
	return &http.Transport{
		Proxy: proxyFunc(cfg.ProxyURL),
		DialContext: (&net.Dialer{
			Timeout:   constants.DefaultDialTimeout,
			KeepAlive: constants.DefaultKeepAlive,
		}).DialContext,
		MaxIdleConns:          maxIdle,
		MaxIdleConnsPerHost:   constants.DefaultMaxIdleConnsPerHost,
		MaxConnsPerHost:       constants.DefaultMaxConnsPerHost,
		IdleConnTimeout:       constants.DefaultIdleConnTimeout,
		TLSHandshakeTimeout:   constants.DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: constants.DefaultResponseHeaderTimeout,
		ExpectContinueTimeout: constants.DefaultExpectContinueTimeout,
	}
}

// proxyFunc prefers the configured proxy URL and falls back to the
// standard environment variables when it is unset or unparseable.
func proxyFunc(proxyURL string) func(*http.Request) (*url.URL, error) {
	if proxyURL != "" {
		if parsed, err := url.Parse(proxyURL); err == nil {
			return http.ProxyURL(parsed)
		}
	}
	return http.ProxyFromEnvironment
}
