// Package http holds the consolidated retry classifier and the shared HTTP
// transports used for control-plane calls and bulk transfers.
package http

import (
	"crypto/tls"
	nethttp "net/http"
	"os"

	"golang.org/x/net/http2"

	"github.com/vidfleet/vidfleet-runner/internal/config"
	"github.com/vidfleet/vidfleet-runner/internal/constants"
)

// CreateTransferClient creates an HTTP client tuned for large transfers:
// ranged source downloads and object-store part uploads.
//
// Key properties:
//   - Proxy support (ConfigureHTTPClient as base)
//   - Large connection pool for concurrent chunk fetches
//   - Compression disabled (video payloads don't benefit and ranged
//     offsets must map to raw bytes)
//   - HTTP/2 with a DISABLE_HTTP2 env toggle, and off whenever a proxy is
//     active (proxies commonly break long-lived multiplexed streams)
//   - No overall client timeout; operations bound themselves via context
func CreateTransferClient(proxy config.ProxySettings) (*nethttp.Client, error) {
	baseClient, err := ConfigureHTTPClient(proxy)
	if err != nil {
		return nil, err
	}

	tr, ok := baseClient.Transport.(*nethttp.Transport)
	if !ok {
		// NTLM mode wraps the transport in a negotiator; tuning is not
		// reachable through the wrapper, so use the client as configured.
		baseClient.Timeout = 0
		return baseClient, nil
	}

	tr.MaxIdleConns = 512
	tr.MaxIdleConnsPerHost = 100
	tr.MaxConnsPerHost = 100
	tr.IdleConnTimeout = constants.HTTPIdleConnTimeout

	tr.TLSHandshakeTimeout = constants.HTTPTLSHandshakeTimeout
	tr.ExpectContinueTimeout = constants.HTTPExpectContinueTimeout

	tr.DisableCompression = true
	tr.ForceAttemptHTTP2 = true

	_ = http2.ConfigureTransport(tr)

	if os.Getenv("DISABLE_HTTP2") == "true" {
		tr.ForceAttemptHTTP2 = false
		tr.TLSNextProto = make(map[string]func(string, *tls.Conn) nethttp.RoundTripper)
	}

	if proxyActive(proxy) {
		tr.ForceAttemptHTTP2 = false
		tr.TLSNextProto = make(map[string]func(string, *tls.Conn) nethttp.RoundTripper)
	}

	baseClient.Transport = tr
	baseClient.Timeout = 0

	return baseClient, nil
}

func proxyActive(proxy config.ProxySettings) bool {
	switch proxy.Mode {
	case "no-proxy", "":
		return false
	case "system":
		return os.Getenv("HTTP_PROXY") != "" || os.Getenv("HTTPS_PROXY") != "" ||
			os.Getenv("http_proxy") != "" || os.Getenv("https_proxy") != ""
	default:
		return true
	}
}
