// Package config loads the coordinator configuration from a YAML file,
// applies environment overrides and validates the result. Everything
// downstream receives typed values; string-or-bool ambiguity is resolved
// here.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dreamware/fleetgate/internal/cluster"
)

const (
	EnvListen                 = "EDGE_LISTEN"
	EnvBaseDomain             = "EDGE_BASE_DOMAIN"
	EnvRegistryDriver         = "EDGE_REGISTRY_DRIVER"
	EnvRegistryDSN            = "EDGE_REGISTRY_DSN"
	EnvRegistryEndpoints      = "EDGE_REGISTRY_ENDPOINTS"
	EnvExternalIdPURL         = "EDGE_EXTERNAL_IDP_URL"
	EnvAllowSubdomainOverride = "EDGE_ALLOW_SUBDOMAIN_OVERRIDE"
	EnvACMEDirectoryURL       = "EDGE_ACME_DIRECTORY_URL"
	EnvACMEEmail              = "EDGE_ACME_EMAIL"
	EnvDNSPropagationDelayMs  = "EDGE_DNS_PROPAGATION_DELAY_MS"
	EnvLogLevel               = "EDGE_LOG_LEVEL"
	EnvLogFormat              = "EDGE_LOG_FORMAT"

	DefaultACMEDirectory = "https://acme-v02.api.letsencrypt.org/directory"

	MinPortNumber = 1
	MaxPortNumber = 65535
)

// Bool accepts YAML booleans as well as the strings "true" and "false".
type Bool bool

func (b *Bool) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected true or false", value.Line)
	}
	v, err := parseBool(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*b = Bool(v)
	return nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean %q: must be true or false", s)
	}
}

type FallbackConfig struct {
	Status int    `yaml:"status"`
	Body   string `yaml:"body"`
}

type RegistryConfig struct {
	Driver    string   `yaml:"driver"`
	DSN       string   `yaml:"dsn"`
	Endpoints []string `yaml:"endpoints"`
}

type IdentityConfig struct {
	// ExternalIdPURL switches the instance into service-provider mode.
	ExternalIdPURL string `yaml:"externalIdpUrl"`
	// LocalUpstream is where identity paths are delegated in identity
	// provider mode.
	LocalUpstream  string `yaml:"localUpstream"`
	JWKSPath       string `yaml:"jwksPath"`
	JWKSTTLSeconds int    `yaml:"jwksTtlSeconds"`
}

type TunnelConfig struct {
	ServerHost string `yaml:"serverHost"`
	ServerPort int    `yaml:"serverPort"`
	Secret     string `yaml:"secret"`
}

type HeartbeatConfig struct {
	IntervalSeconds        int  `yaml:"intervalSeconds"`
	AllowSubdomainOverride Bool `yaml:"allowSubdomainOverride"`
}

type CapabilitiesConfig struct {
	// Enabled limits which declared capabilities are echoed back as
	// effective. Empty means all known capabilities.
	Enabled []string `yaml:"enabled"`
}

type ReachabilityConfig struct {
	Enabled         Bool `yaml:"enabled"`
	IntervalSeconds int  `yaml:"intervalSeconds"`
	MaxFailures     int  `yaml:"maxFailures"`
	TimeoutSeconds  int  `yaml:"timeoutSeconds"`
}

type ProxyConfig struct {
	TimeoutSeconds int `yaml:"timeoutSeconds"`
}

type ACMEConfig struct {
	DirectoryURL          string   `yaml:"directoryUrl"`
	FallbackDirectoryURLs []string `yaml:"fallbackDirectoryUrls"`
	Email                 string   `yaml:"email"`
	AccountKeyPath        string   `yaml:"accountKeyPath"`
	DNSPropagationDelayMs int      `yaml:"dnsPropagationDelayMs"`
	RelayTimeoutSeconds   int      `yaml:"relayTimeoutSeconds"`
	OrderTimeoutSeconds   int      `yaml:"orderTimeoutSeconds"`
	CheckIntervalMinutes  int      `yaml:"checkIntervalMinutes"`
}

// CertificateJob describes one node hostname the coordinator keeps a
// certificate for.
type CertificateJob struct {
	NodeID          string   `yaml:"nodeId"`
	Token           string   `yaml:"token"`
	SignalEndpoint  string   `yaml:"signalEndpoint"`
	Domains         []string `yaml:"domains"`
	PrivateKeyPath  string   `yaml:"privateKeyPath"`
	CertificatePath string   `yaml:"certificatePath"`
	FullChainPath   string   `yaml:"fullChainPath"`
	RenewBeforeDays int      `yaml:"renewBeforeDays"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the full coordinator configuration.
type Config struct {
	Listen       string             `yaml:"listen"`
	BaseDomain   string             `yaml:"baseDomain"`
	SignalPath   string             `yaml:"signalPath"`
	Fallback     FallbackConfig     `yaml:"fallback"`
	Registry     RegistryConfig     `yaml:"registry"`
	Identity     IdentityConfig     `yaml:"identity"`
	Tunnel       TunnelConfig       `yaml:"tunnel"`
	Heartbeat    HeartbeatConfig    `yaml:"heartbeat"`
	Capabilities CapabilitiesConfig `yaml:"capabilities"`
	Reachability ReachabilityConfig `yaml:"reachability"`
	Proxy        ProxyConfig        `yaml:"proxy"`
	ACME         ACMEConfig         `yaml:"acme"`
	Certificates []CertificateJob   `yaml:"certificates"`
	Log          LogConfig          `yaml:"log"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Listen:     ":8080",
		SignalPath: "/api/signal",
		Fallback:   FallbackConfig{Status: 404, Body: "no such node\n"},
		Registry:   RegistryConfig{Driver: "memory"},
		Identity: IdentityConfig{
			JWKSPath:       "/.oidc/jwks",
			JWKSTTLSeconds: 300,
		},
		Heartbeat: HeartbeatConfig{IntervalSeconds: 30},
		Reachability: ReachabilityConfig{
			Enabled:         true,
			IntervalSeconds: 30,
			MaxFailures:     3,
			TimeoutSeconds:  2,
		},
		Proxy: ProxyConfig{TimeoutSeconds: 30},
		ACME: ACMEConfig{
			DirectoryURL:          DefaultACMEDirectory,
			AccountKeyPath:        "data/acme/account.key",
			DNSPropagationDelayMs: 20000,
			RelayTimeoutSeconds:   10,
			OrderTimeoutSeconds:   300,
			CheckIntervalMinutes:  720,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path (when non-empty) over the defaults, applies environment
// overrides and validates.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	for i := range cfg.Certificates {
		if cfg.Certificates[i].RenewBeforeDays == 0 {
			cfg.Certificates[i].RenewBeforeDays = 30
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Listen, EnvListen)
	setString(&c.BaseDomain, EnvBaseDomain)
	setString(&c.Registry.Driver, EnvRegistryDriver)
	setString(&c.Registry.DSN, EnvRegistryDSN)
	setString(&c.Identity.ExternalIdPURL, EnvExternalIdPURL)
	setString(&c.ACME.DirectoryURL, EnvACMEDirectoryURL)
	setString(&c.ACME.Email, EnvACMEEmail)
	setString(&c.Log.Level, EnvLogLevel)
	setString(&c.Log.Format, EnvLogFormat)

	if v := strings.TrimSpace(os.Getenv(EnvRegistryEndpoints)); v != "" {
		c.Registry.Endpoints = strings.Split(v, ",")
	}
	if v := strings.TrimSpace(os.Getenv(EnvAllowSubdomainOverride)); v != "" {
		b, err := parseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvAllowSubdomainOverride, err)
		}
		c.Heartbeat.AllowSubdomainOverride = Bool(b)
	}
	if v := strings.TrimSpace(os.Getenv(EnvDNSPropagationDelayMs)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvDNSPropagationDelayMs, err)
		}
		c.ACME.DNSPropagationDelayMs = n
	}
	return nil
}

func setString(dst *string, env string) {
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		*dst = v
	}
}

// Validate checks that the configuration is coherent.
func (c Config) Validate() error {
	if c.Listen == "" {
		return errors.New("invalid listen: must not be empty")
	}
	if !strings.HasPrefix(c.SignalPath, "/") {
		return fmt.Errorf("invalid signalPath %q: must start with /", c.SignalPath)
	}
	if c.Fallback.Status < 100 || c.Fallback.Status > 599 {
		return fmt.Errorf("invalid fallback.status %d", c.Fallback.Status)
	}

	switch c.Registry.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Registry.DSN == "" {
			return fmt.Errorf("invalid registry.dsn: required for driver %s", c.Registry.Driver)
		}
	case "etcd":
		if len(c.Registry.Endpoints) == 0 {
			return errors.New("invalid registry.endpoints: required for driver etcd")
		}
	default:
		return fmt.Errorf("invalid registry.driver %q", c.Registry.Driver)
	}

	if c.Identity.ExternalIdPURL != "" {
		if err := absoluteURL(c.Identity.ExternalIdPURL); err != nil {
			return fmt.Errorf("invalid identity.externalIdpUrl: %w", err)
		}
	}
	if c.Identity.LocalUpstream != "" {
		if err := absoluteURL(c.Identity.LocalUpstream); err != nil {
			return fmt.Errorf("invalid identity.localUpstream: %w", err)
		}
	}
	if c.Identity.JWKSTTLSeconds <= 0 {
		return errors.New("invalid identity.jwksTtlSeconds: must be > 0")
	}

	if c.Tunnel.ServerHost != "" {
		if c.Tunnel.ServerPort < MinPortNumber || c.Tunnel.ServerPort > MaxPortNumber {
			return fmt.Errorf("invalid tunnel.serverPort: must be in range %d..%d", MinPortNumber, MaxPortNumber)
		}
		if c.Tunnel.Secret == "" {
			return errors.New("invalid tunnel.secret: required when tunnel.serverHost is set")
		}
	}
	if c.Heartbeat.IntervalSeconds <= 0 {
		return errors.New("invalid heartbeat.intervalSeconds: must be > 0")
	}
	if _, err := cluster.ParseCapabilities(c.Capabilities.Enabled); err != nil {
		return fmt.Errorf("invalid capabilities.enabled: %w", err)
	}
	if c.Reachability.Enabled {
		if c.Reachability.IntervalSeconds <= 0 || c.Reachability.MaxFailures <= 0 || c.Reachability.TimeoutSeconds <= 0 {
			return errors.New("invalid reachability: interval, maxFailures and timeout must be > 0")
		}
	}
	if c.Proxy.TimeoutSeconds <= 0 {
		return errors.New("invalid proxy.timeoutSeconds: must be > 0")
	}

	if len(c.Certificates) > 0 {
		if err := c.validateACME(); err != nil {
			return err
		}
	}
	for i, job := range c.Certificates {
		if err := job.validate(); err != nil {
			return fmt.Errorf("invalid certificates[%d]: %w", i, err)
		}
	}
	return nil
}

func (c Config) validateACME() error {
	if err := absoluteURL(c.ACME.DirectoryURL); err != nil {
		return fmt.Errorf("invalid acme.directoryUrl: %w", err)
	}
	for i, u := range c.ACME.FallbackDirectoryURLs {
		if err := absoluteURL(u); err != nil {
			return fmt.Errorf("invalid acme.fallbackDirectoryUrls[%d]: %w", i, err)
		}
	}
	if c.ACME.AccountKeyPath == "" {
		return errors.New("invalid acme.accountKeyPath: must not be empty")
	}
	if c.ACME.DNSPropagationDelayMs < 0 {
		return errors.New("invalid acme.dnsPropagationDelayMs: must be >= 0")
	}
	if c.ACME.RelayTimeoutSeconds <= 0 || c.ACME.OrderTimeoutSeconds <= 0 || c.ACME.CheckIntervalMinutes <= 0 {
		return errors.New("invalid acme: relayTimeoutSeconds, orderTimeoutSeconds and checkIntervalMinutes must be > 0")
	}
	return nil
}

func (j CertificateJob) validate() error {
	switch {
	case j.NodeID == "":
		return errors.New("nodeId must not be empty")
	case j.Token == "":
		return errors.New("token must not be empty")
	case len(j.Domains) == 0:
		return errors.New("domains must not be empty")
	case j.PrivateKeyPath == "" || j.CertificatePath == "":
		return errors.New("privateKeyPath and certificatePath are required")
	case j.RenewBeforeDays <= 0:
		return errors.New("renewBeforeDays must be > 0")
	}
	if err := absoluteURL(j.SignalEndpoint); err != nil {
		return fmt.Errorf("signalEndpoint: %w", err)
	}
	return nil
}

func absoluteURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%q must be an http(s) URL", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	return nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (c Config) HeartbeatInterval() time.Duration    { return seconds(c.Heartbeat.IntervalSeconds) }
func (c Config) ReachabilityInterval() time.Duration { return seconds(c.Reachability.IntervalSeconds) }
func (c Config) ReachabilityTimeout() time.Duration  { return seconds(c.Reachability.TimeoutSeconds) }
func (c Config) ProxyTimeout() time.Duration         { return seconds(c.Proxy.TimeoutSeconds) }
func (c Config) JWKSTTL() time.Duration              { return seconds(c.Identity.JWKSTTLSeconds) }
func (c Config) RelayTimeout() time.Duration         { return seconds(c.ACME.RelayTimeoutSeconds) }
func (c Config) OrderTimeout() time.Duration         { return seconds(c.ACME.OrderTimeoutSeconds) }

func (c Config) PropagationDelay() time.Duration {
	return time.Duration(c.ACME.DNSPropagationDelayMs) * time.Millisecond
}

func (c Config) CertificateCheckInterval() time.Duration {
	return time.Duration(c.ACME.CheckIntervalMinutes) * time.Minute
}

// DirectoryURLs returns the primary ACME directory followed by the
// fallbacks, in order.
func (c Config) DirectoryURLs() []string {
	out := make([]string, 0, 1+len(c.ACME.FallbackDirectoryURLs))
	out = append(out, c.ACME.DirectoryURL)
	return append(out, c.ACME.FallbackDirectoryURLs...)
}
