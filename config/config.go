// Package config loads the YAML configuration shared by the analyze and
// serve commands.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/creasty/defaults"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/synqronlabs/mailverdict/dns"
	"github.com/synqronlabs/mailverdict/log"
	"github.com/synqronlabs/mailverdict/whois"
)

// DefaultPath is read when no --config flag is given. It may be absent.
const DefaultPath = "mailverdict.yml"

// Config is the root of the configuration file.
type Config struct {
	Log      log.Config         `yaml:"log"`
	Resolver dns.ResolverConfig `yaml:"resolver"`
	Whois    whois.Config       `yaml:"whois"`
	Cache    Cache              `yaml:"cache"`
	Analysis Analysis           `yaml:"analysis"`
	HTTP     HTTP               `yaml:"http"`
}

// Default returns a configuration with every default applied.
func Default() (*Config, error) {
	cfg := &Config{}

	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("can't apply default values: %w", err)
	}

	return cfg, nil
}

// Load reads path on top of the defaults. A missing file is not an error
// when path is DefaultPath. HOST and PORT from the environment override the
// listen address.
func Load(path string) (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)

	switch {
	case errors.Is(err, os.ErrNotExist) && path == DefaultPath:
	case err != nil:
		return nil, fmt.Errorf("can't read config file: %w", err)
	default:
		if err := Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	cfg.HTTP.applyEnv(os.Getenv("HOST"), os.Getenv("PORT"))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Unmarshal decodes data into cfg. Unknown keys are errors.
func Unmarshal(data []byte, cfg *Config) error {
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return fmt.Errorf("wrong file structure: %w", err)
	}

	return nil
}

// Validate reports every invalid value, not only the first.
func (c *Config) Validate() error {
	var result *multierror.Error

	if _, err := logrus.ParseLevel(string(c.Log.Level)); err != nil {
		result = multierror.Append(result, fmt.Errorf("log.level: %w", err))
	}

	if c.Log.Format != log.FormatTypeText && c.Log.Format != log.FormatTypeJSON {
		result = multierror.Append(result, fmt.Errorf("log.format: %q is neither text nor json", c.Log.Format))
	}

	for _, ns := range c.Resolver.Nameservers {
		if _, _, err := net.SplitHostPort(ns); err != nil {
			result = multierror.Append(result, fmt.Errorf("resolver.nameservers: %w", err))
		}
	}

	if c.Resolver.Timeout <= 0 {
		result = multierror.Append(result, errors.New("resolver.timeout must be positive"))
	}

	if c.Resolver.Attempts == 0 {
		result = multierror.Append(result, errors.New("resolver.attempts must be at least 1"))
	}

	if !c.Whois.Disabled {
		if c.Whois.Timeout <= 0 {
			result = multierror.Append(result, errors.New("whois.timeout must be positive"))
		}

		if c.Whois.Attempts == 0 {
			result = multierror.Append(result, errors.New("whois.attempts must be at least 1"))
		}
	}

	result = multierror.Append(result, c.Cache.validate()...)
	result = multierror.Append(result, c.Analysis.validate()...)
	result = multierror.Append(result, c.HTTP.validate()...)

	return result.ErrorOrNil()
}

// LogConfig logs every section under its own prefix.
func (c *Config) LogConfig(logger *logrus.Entry) {
	sections := []struct {
		name string
		log  func(*logrus.Entry)
	}{
		{"resolver", c.Resolver.LogConfig},
		{"whois", c.Whois.LogConfig},
		{"cache", c.Cache.LogConfig},
		{"analysis", c.Analysis.LogConfig},
		{"http", c.HTTP.LogConfig},
	}

	logger.Infof("log = %s/%s", c.Log.Level, c.Log.Format)

	for _, s := range sections {
		logger.Infof("%s:", s.name)
		s.log(logger.WithField("prefix", "config."+s.name))
	}
}

// applyEnv overrides the host and port parts of the listen address.
func (h *HTTP) applyEnv(host, port string) {
	if host == "" && port == "" {
		return
	}

	curHost, curPort, err := net.SplitHostPort(h.Address)
	if err != nil {
		curHost, curPort = "", ""
	}

	if host != "" {
		curHost = strings.Trim(host, "[]")
	}

	if port != "" {
		curPort = port
	}

	h.Address = net.JoinHostPort(curHost, curPort)
}

func validPort(port string) bool {
	n, err := strconv.Atoi(port)

	return err == nil && n >= 0 && n <= 65535
}
