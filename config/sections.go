package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/synqronlabs/mailverdict/cache"
)

// Cache configures the DNS and WHOIS response caches. Redis, when an
// address is set, replaces the in-process LRU so several instances share
// answers.
type Cache struct {
	// MaxItems bounds the in-process cache, per collaborator.
	MaxItems uint `yaml:"maxItems" default:"10000"`

	// TTL caps how long a DNS answer is kept; record TTLs below it win.
	TTL time.Duration `yaml:"ttl" default:"1h"`

	// NegativeTTL is how long NXDOMAIN and missing WHOIS data are kept.
	NegativeTTL time.Duration `yaml:"negativeTTL" default:"5m"`

	// WhoisTTL is how long a WHOIS creation date is kept.
	WhoisTTL time.Duration `yaml:"whoisTTL" default:"24h"`

	Redis cache.RedisConfig `yaml:"redis"`
}

// IsEnabled reports whether answers are cached at all.
func (c *Cache) IsEnabled() bool {
	return c.TTL > 0
}

func (c *Cache) validate() []error {
	var errs []error

	if c.TTL < 0 || c.NegativeTTL < 0 || c.WhoisTTL < 0 {
		errs = append(errs, errors.New("cache: durations must not be negative"))
	}

	if c.Redis.IsEnabled() {
		if _, _, err := net.SplitHostPort(c.Redis.Address); err != nil {
			errs = append(errs, fmt.Errorf("cache.redis.address: %w", err))
		}
	}

	return errs
}

func (c *Cache) LogConfig(logger *logrus.Entry) {
	if !c.IsEnabled() {
		logger.Info("disabled")

		return
	}

	logger.Infof("ttl = %s, negativeTTL = %s, whoisTTL = %s", c.TTL, c.NegativeTTL, c.WhoisTTL)

	if !c.Redis.IsEnabled() {
		logger.Infof("maxItems = %d", c.MaxItems)

		return
	}

	logger.Infof("redis = %s/%d", c.Redis.Address, c.Redis.Database)
	logger.Infof("redis username = %s, password = %s", c.Redis.Username, strings.Repeat("*", len(c.Redis.Password)))
}

// Analysis tunes a single analysis.
type Analysis struct {
	Timeout time.Duration `yaml:"timeout" default:"30s"`

	// Selectors are probed for DKIM keys in domain mode. Empty means the
	// built-in list.
	Selectors []string `yaml:"selectors"`
}

func (c *Analysis) validate() []error {
	var errs []error

	if c.Timeout <= 0 {
		errs = append(errs, errors.New("analysis.timeout must be positive"))
	}

	for _, s := range c.Selectors {
		if s == "" || strings.ContainsAny(s, " \t/") {
			errs = append(errs, fmt.Errorf("analysis.selectors: invalid selector %q", s))
		}
	}

	return errs
}

func (c *Analysis) LogConfig(logger *logrus.Entry) {
	logger.Infof("timeout = %s", c.Timeout)

	if len(c.Selectors) > 0 {
		logger.Infof("selectors = %s", strings.Join(c.Selectors, ", "))
	}
}

// HTTP configures the web API.
type HTTP struct {
	Address string `yaml:"address" default:":8080"`

	// MaxBodyBytes is the largest accepted message, larger ones get 413.
	MaxBodyBytes int64 `yaml:"maxBodyBytes" default:"10485760"`

	// CORSOrigins lists the origins allowed to call the API from a browser.
	CORSOrigins []string `yaml:"corsOrigins"`

	// RateLimit is the number of analyses one client IP may request per
	// RateWindow. Zero disables the limit.
	RateLimit  int           `yaml:"rateLimit" default:"60"`
	RateWindow time.Duration `yaml:"rateWindow" default:"1m"`
}

func (c *HTTP) validate() []error {
	var errs []error

	if _, port, err := net.SplitHostPort(c.Address); err != nil {
		errs = append(errs, fmt.Errorf("http.address: %w", err))
	} else if !validPort(port) {
		errs = append(errs, fmt.Errorf("http.address: invalid port %q", port))
	}

	if c.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("http.maxBodyBytes must be positive"))
	}

	if c.RateLimit < 0 || (c.RateLimit > 0 && c.RateWindow <= 0) {
		errs = append(errs, errors.New("http.rateLimit needs a positive rateWindow"))
	}

	return errs
}

func (c *HTTP) LogConfig(logger *logrus.Entry) {
	logger.Infof("address = %s", c.Address)
	logger.Infof("maxBodyBytes = %d", c.MaxBodyBytes)

	if c.RateLimit > 0 {
		logger.Infof("rateLimit = %d per %s", c.RateLimit, c.RateWindow)
	}

	if len(c.CORSOrigins) > 0 {
		logger.Infof("corsOrigins = %s", strings.Join(c.CORSOrigins, ", "))
	}
}
