// Package config resolves the runner configuration from the environment and
// manages the persisted identity file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/vidfleet/vidfleet-runner/internal/constants"
)

// Config is the runner configuration resolved from the environment.
type Config struct {
	// BaseURL is the control-plane base URL. API paths are joined under
	// BaseURL + "/api".
	BaseURL string

	// BootstrapToken is the one-time provisioning secret (`token` env).
	// Required only until an identity file exists.
	BootstrapToken string

	// Hostname is the machine name reported to the control plane.
	Hostname string

	// EncoderHint is the operator hint ("hardware" or "cpu"). The probe
	// may override it.
	EncoderHint string

	// NodeEnv selects the logging profile: debug unless "production".
	NodeEnv string

	// LogLevel overrides the NodeEnv-derived level when set.
	LogLevel string

	// Proxy configures outbound proxying for all HTTP traffic.
	Proxy ProxySettings

	// Per-stage concurrency caps.
	DownloadCap int
	ConvertCap  int
	UploadCap   int
}

// ProxySettings configures the outbound proxy.
type ProxySettings struct {
	Mode     string // "", "no-proxy", "system", "basic", "ntlm"
	Host     string
	Port     int
	User     string
	Password string
	NoProxy  string // comma-separated bypass hosts/CIDRs
}

// Validation errors
var (
	ErrMissingBaseURL  = errors.New("BASE_URL is required")
	ErrMissingHostname = errors.New("HOSTNAME is required and no OS hostname is available")
	ErrInvalidEncoder  = errors.New("ENCODER must be hardware or cpu")
	ErrInvalidProxy    = errors.New("proxy mode must be one of no-proxy, system, basic, ntlm")
	ErrMissingToken    = errors.New("token is required when no identity file exists")
)

// FromEnv resolves the configuration from the environment. Validation is a
// separate step so callers can report every resolved field on failure.
func FromEnv() *Config {
	cfg := &Config{
		BaseURL:        strings.TrimRight(strings.TrimSpace(os.Getenv("BASE_URL")), "/"),
		BootstrapToken: strings.TrimSpace(os.Getenv("token")),
		Hostname:       strings.TrimSpace(os.Getenv("HOSTNAME")),
		EncoderHint:    strings.ToLower(strings.TrimSpace(os.Getenv("ENCODER"))),
		NodeEnv:        strings.TrimSpace(os.Getenv("NODE_ENV")),
		LogLevel:       strings.TrimSpace(os.Getenv("LOG_LEVEL")),
		DownloadCap:    constants.DefaultDownloadCap,
		ConvertCap:     constants.DefaultConvertCap,
		UploadCap:      constants.DefaultUploadCap,
	}

	if cfg.Hostname == "" {
		if h, err := os.Hostname(); err == nil {
			cfg.Hostname = h
		}
	}

	cfg.Proxy = ProxySettings{
		Mode:     strings.ToLower(strings.TrimSpace(os.Getenv("VIDFLEET_PROXY_MODE"))),
		Host:     strings.TrimSpace(os.Getenv("VIDFLEET_PROXY_HOST")),
		User:     os.Getenv("VIDFLEET_PROXY_USER"),
		Password: os.Getenv("VIDFLEET_PROXY_PASSWORD"),
		NoProxy:  strings.TrimSpace(os.Getenv("VIDFLEET_PROXY_NO_PROXY")),
	}
	if port := os.Getenv("VIDFLEET_PROXY_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Proxy.Port = p
		}
	}

	return cfg
}

// Validate checks the resolved configuration. A failure here is fatal at
// startup (CONFIG_ERROR).
func (cfg *Config) Validate() error {
	if cfg.BaseURL == "" {
		return ErrMissingBaseURL
	}
	if cfg.Hostname == "" {
		return ErrMissingHostname
	}
	switch cfg.EncoderHint {
	case "", "hardware", "cpu":
	default:
		return ErrInvalidEncoder
	}
	switch cfg.Proxy.Mode {
	case "", "no-proxy", "system", "basic", "ntlm":
	default:
		return ErrInvalidProxy
	}
	if cfg.DownloadCap < 1 || cfg.ConvertCap < 1 || cfg.UploadCap < 1 {
		return fmt.Errorf("stage capacities must be at least 1")
	}
	return nil
}

// APIBase returns the root for all control-plane paths.
func (cfg *Config) APIBase() string {
	return cfg.BaseURL + "/api"
}

// Debug reports whether debug logging is enabled by NODE_ENV.
func (cfg *Config) Debug() bool {
	return !strings.EqualFold(cfg.NodeEnv, "production")
}
