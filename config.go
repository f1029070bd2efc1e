package goSession

import (
	"errors"
	"net/url"
	"strings"
	"time"
)

// Config holds every tunable of a Session. Build clones it, so a Config may be reused for
// several sessions.
type Config struct {
	Endpoints EndpointsConfig
	HTTP      HTTPConfig
	Refresh   RefreshConfig
	Account   AccountConfig
	Store     StoreConfig
	Audit     AuditConfig
	Metrics   MetricsConfig
}

/*
====================================
ENDPOINTS CONFIG
====================================
*/

// EndpointsConfig locates the API. Paths are resolved against BaseURL.
type EndpointsConfig struct {
	BaseURL      string
	LoginPath    string
	RefreshPath  string
	RegisterPath string
}

/*
====================================
HTTP CONFIG
====================================
*/

// HTTPConfig configures the raw client used for login, registration and refresh calls, and the
// headers stamped by the Transport.
type HTTPConfig struct {
	Timeout         time.Duration
	UserAgent       string
	RequestIDHeader string // empty disables request IDs
}

/*
====================================
REFRESH CONFIG
====================================
*/

// RefreshConfig drives the proactive scheduler and the resume checks.
type RefreshConfig struct {
	// Interval is the fixed proactive refresh period. It must be shorter than the access-token
	// lifetime.
	Interval time.Duration
	// RetryInterval is used after a refresh failed with a network error.
	RetryInterval time.Duration
	// StaleAfter is the age of the last refresh after which a hidden→visible transition forces
	// an immediate refresh.
	StaleAfter time.Duration
	// ResumeStaleAfter is the same threshold applied by Session.Resume at startup.
	ResumeStaleAfter time.Duration
	// UseTokenExpiry schedules from the access token's iat/exp claims when they can be read,
	// falling back to Interval otherwise.
	UseTokenExpiry   bool
	LifetimeFraction float64
	// MinInterval bounds expiry-derived delays from below.
	MinInterval time.Duration
}

/*
====================================
ACCOUNT CONFIG
====================================
*/

type AccountConfig struct {
	LowercaseUsername      bool
	AutoLoginAfterRegister bool
}

/*
====================================
STORE CONFIG
====================================
*/

// StoreConfig names the durable keys of the credential slot.
type StoreConfig struct {
	AccessTokenKey  string
	RefreshTokenKey string
	LastRefreshKey  string
}

/*
====================================
AUDIT / METRICS CONFIG
====================================
*/

type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns the configuration matching the finance tracker API: five minute access
// tokens refreshed every four minutes.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		Endpoints: EndpointsConfig{
			BaseURL:      "http://localhost:8000/",
			LoginPath:    "accounts/token/",
			RefreshPath:  "accounts/token/refresh/",
			RegisterPath: "register/",
		},
		HTTP: HTTPConfig{
			Timeout:         15 * time.Second,
			UserAgent:       "goSession/1",
			RequestIDHeader: "X-Request-ID",
		},
		Refresh: RefreshConfig{
			Interval:         4 * time.Minute,
			RetryInterval:    30 * time.Second,
			StaleAfter:       4 * time.Minute,
			ResumeStaleAfter: 4*time.Minute + 30*time.Second,
			UseTokenExpiry:   false,
			LifetimeFraction: 0.8,
			MinInterval:      5 * time.Second,
		},
		Account: AccountConfig{
			LowercaseUsername:      true,
			AutoLoginAfterRegister: true,
		},
		Store: StoreConfig{
			AccessTokenKey:  "accessToken",
			RefreshTokenKey: "refreshToken",
			LastRefreshKey:  "lastRefresh",
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 256,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 false,
			EnableLatencyHistograms: false,
		},
	}
}

func cloneConfig(cfg Config) Config {
	return cfg
}

/*
====================================
VALIDATION
====================================
*/

// Validate reports the first inconsistency found in c.
func (c *Config) Validate() error {
	// Endpoints
	base, err := url.Parse(c.Endpoints.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return errors.New("Endpoints BaseURL must be an absolute URL")
	}
	if strings.TrimSpace(c.Endpoints.LoginPath) == "" {
		return errors.New("Endpoints LoginPath must be set")
	}
	if strings.TrimSpace(c.Endpoints.RefreshPath) == "" {
		return errors.New("Endpoints RefreshPath must be set")
	}
	if c.Endpoints.RefreshPath == c.Endpoints.LoginPath {
		return errors.New("Endpoints RefreshPath must differ from LoginPath")
	}

	// HTTP
	if c.HTTP.Timeout < 0 {
		return errors.New("HTTP Timeout must be >= 0")
	}

	// Refresh
	if c.Refresh.Interval <= 0 {
		return errors.New("Refresh Interval must be > 0")
	}
	if c.Refresh.RetryInterval <= 0 {
		return errors.New("Refresh RetryInterval must be > 0")
	}
	if c.Refresh.StaleAfter <= 0 {
		return errors.New("Refresh StaleAfter must be > 0")
	}
	if c.Refresh.ResumeStaleAfter <= 0 {
		return errors.New("Refresh ResumeStaleAfter must be > 0")
	}
	if c.Refresh.UseTokenExpiry {
		if c.Refresh.LifetimeFraction <= 0 || c.Refresh.LifetimeFraction >= 1 {
			return errors.New("Refresh LifetimeFraction must be in (0, 1)")
		}
		if c.Refresh.MinInterval <= 0 {
			return errors.New("Refresh MinInterval must be > 0 when UseTokenExpiry is true")
		}
	}

	// Store
	keys := []string{c.Store.AccessTokenKey, c.Store.RefreshTokenKey, c.Store.LastRefreshKey}
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if strings.TrimSpace(k) == "" {
			return errors.New("Store keys must be non-empty")
		}
		if _, dup := seen[k]; dup {
			return errors.New("Store keys must be distinct")
		}
		seen[k] = struct{}{}
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when Audit is enabled")
	}

	return nil
}

func (c *Config) endpoint(path string) (string, error) {
	base, err := url.Parse(c.Endpoints.BaseURL)
	if err != nil {
		return "", err
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	ref, err := url.Parse(strings.TrimPrefix(path, "/"))
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}
