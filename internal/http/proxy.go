package http

import (
	"crypto/tls"
	"fmt"
	"net"
	nethttp "net/http"
	"net/url"
	"strings"

	ntlmssp "github.com/Azure/go-ntlmssp"
	"golang.org/x/net/http/httpproxy"

	"github.com/vidfleet/vidfleet-runner/internal/config"
	"github.com/vidfleet/vidfleet-runner/internal/constants"
)

// ConfigureHTTPClient builds an HTTP client honoring the proxy settings.
// The returned client carries no overall timeout; callers bound requests
// with contexts or set their own.
func ConfigureHTTPClient(proxy config.ProxySettings) (*nethttp.Client, error) {
	transport := &nethttp.Transport{
		DialContext: (&net.Dialer{
			Timeout:   constants.HTTPDialTimeout,
			KeepAlive: constants.HTTPDialKeepAlive,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		MaxConnsPerHost:       100,
		IdleConnTimeout:       constants.HTTPIdleConnTimeout,
		TLSHandshakeTimeout:   constants.HTTPTLSHandshakeTimeout,
		ExpectContinueTimeout: constants.HTTPExpectContinueTimeout,
	}

	switch strings.ToLower(proxy.Mode) {
	case "no-proxy", "":
		transport.Proxy = nil

	case "system":
		transport.Proxy = nethttp.ProxyFromEnvironment

	case "ntlm":
		// Incomplete saved settings fall back to direct connections so the
		// runner can still start and report the misconfiguration.
		if proxy.Host == "" {
			transport.Proxy = nil
			return &nethttp.Client{Transport: transport}, nil
		}

		proxyURL := buildProxyURL(proxy)
		transport.Proxy = proxyFuncWithBypass(proxyURL, proxy.NoProxy)

		return &nethttp.Client{
			Transport: ntlmssp.Negotiator{
				RoundTripper: transport,
			},
		}, nil

	case "basic":
		if proxy.Host == "" {
			transport.Proxy = nil
			return &nethttp.Client{Transport: transport}, nil
		}

		proxyURL := buildProxyURL(proxy)
		transport.Proxy = proxyFuncWithBypass(proxyURL, proxy.NoProxy)

	default:
		return nil, fmt.Errorf("unsupported proxy mode: %s", proxy.Mode)
	}

	return &nethttp.Client{Transport: transport}, nil
}

// ConfigureAPIClient is ConfigureHTTPClient with the per-attempt timeout
// applied, for control-plane calls.
func ConfigureAPIClient(proxy config.ProxySettings) (*nethttp.Client, error) {
	client, err := ConfigureHTTPClient(proxy)
	if err != nil {
		return nil, err
	}
	client.Timeout = constants.APIRequestTimeout
	return client, nil
}

// buildProxyURL constructs a proxy URL from the settings.
func buildProxyURL(proxy config.ProxySettings) *url.URL {
	port := proxy.Port
	if port == 0 {
		port = 8080
	}

	proxyURL := &url.URL{
		Scheme: "http",
		Host:   fmt.Sprintf("%s:%d", proxy.Host, port),
	}

	// Credentials are embedded only when complete; an empty password in the
	// URL breaks auth with some proxies.
	if proxy.User != "" && proxy.Password != "" {
		proxyURL.User = url.UserPassword(proxy.User, proxy.Password)
	}

	return proxyURL
}

// proxyFuncWithBypass returns a proxy function that honors the NoProxy
// bypass list. An empty list behaves identically to nethttp.ProxyURL.
func proxyFuncWithBypass(proxyURL *url.URL, noProxy string) func(*nethttp.Request) (*url.URL, error) {
	if noProxy == "" {
		return nethttp.ProxyURL(proxyURL)
	}
	cfg := httpproxy.Config{
		HTTPProxy:  proxyURL.String(),
		HTTPSProxy: proxyURL.String(),
		NoProxy:    noProxy,
	}
	proxyFunc := cfg.ProxyFunc()
	return func(req *nethttp.Request) (*url.URL, error) {
		return proxyFunc(req.URL)
	}
}
