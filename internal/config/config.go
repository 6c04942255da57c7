package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/raaihank/input-sentinel/internal/filter"
	"github.com/spf13/viper"
)

// envKeys are bound explicitly so that environment overrides work even when
// no config file mentions the key.
var envKeys = []string{
	"server.port",
	"filter.enabled",
	"filter.mode",
	"filter.deny",
	"filter.allow",
	"filter.escape_quotes",
	"filter.escape_angle_brackets",
	"filter.escape_scripts",
	"filter.name_match",
	"upstream.url",
	"offenders.enabled",
	"offenders.redis_url",
	"audit.enabled",
	"audit.database_url",
	"websocket.username",
	"websocket.password",
	"admin.username",
	"admin.password",
	"logging.level",
	"logging.format",
}

// Loader reads configuration through its own viper instance.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a loader searching the standard config locations.
func NewLoader() *Loader {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/input-sentinel/")
	v.AddConfigPath("$HOME/.input-sentinel/")

	v.SetEnvPrefix("SENTINEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	return &Loader{v: v}
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	return NewLoader().Load(configPath)
}

// Load reads the configuration. A missing config file is not an error.
func (l *Loader) Load(configPath string) (*Config, error) {
	config := GetDefaults()

	if configPath != "" {
		l.v.SetConfigFile(configPath)
	}

	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := l.v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// ConfigFile returns the path of the file that was read, if any.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// ParseTrustedProxies converts IPs and CIDR ranges into networks. A bare IP
// becomes a single-host network.
func ParseTrustedProxies(entries []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if strings.Contains(entry, "/") {
			_, ipNet, err := net.ParseCIDR(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
			}
			nets = append(nets, ipNet)
			continue
		}

		ip := net.ParseIP(entry)
		if ip == nil {
			return nil, fmt.Errorf("invalid trusted proxy %q", entry)
		}
		bits := 8 * net.IPv6len
		if v4 := ip.To4(); v4 != nil {
			ip, bits = v4, 8*net.IPv4len
		}
		nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return nets, nil
}

// validateConfig validates the loaded configuration
func validateConfig(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if _, err := ParseTrustedProxies(config.Server.TrustedProxies); err != nil {
		return err
	}

	if config.Filter.Mode != ModeBlock && config.Filter.Mode != ModeLog {
		return fmt.Errorf("invalid filter mode: %s (must be block or log)", config.Filter.Mode)
	}

	if !filter.NameMatchPolicy(config.Filter.NameMatch).Valid() {
		return fmt.Errorf("invalid name match policy: %s (must be substring or full)", config.Filter.NameMatch)
	}

	if config.Filter.MaxBodyBytes <= 0 {
		return fmt.Errorf("invalid max body bytes: %d", config.Filter.MaxBodyBytes)
	}

	// Compile every pattern now so that a bad list fails at startup.
	if _, err := filter.New(config.Filter.EngineConfig(), nil); err != nil {
		return err
	}

	target, err := url.Parse(config.Upstream.URL)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return fmt.Errorf("invalid upstream url: %q", config.Upstream.URL)
	}

	if config.RateLimit.Enabled && config.RateLimit.RequestsPerMin <= 0 {
		return fmt.Errorf("invalid rate limit: %d requests per minute", config.RateLimit.RequestsPerMin)
	}

	if config.Offenders.Enabled && config.Offenders.BanThreshold <= 0 {
		return fmt.Errorf("invalid offender ban threshold: %d", config.Offenders.BanThreshold)
	}

	if config.Metrics.Enabled && !strings.HasPrefix(config.Metrics.Path, "/") {
		return fmt.Errorf("invalid metrics path: %q", config.Metrics.Path)
	}

	if config.Logging.Level != "debug" && config.Logging.Level != "info" && config.Logging.Level != "warn" && config.Logging.Level != "error" {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}

	if config.Logging.Format != "json" && config.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", config.Logging.Format)
	}

	return nil
}

// Watch starts watching the configuration file for changes. onChange is
// called with every valid new configuration; onError with configurations
// that fail to load, which are otherwise ignored.
func (l *Loader) Watch(onChange func(*Config), onError func(error)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		newConfig := GetDefaults()
		if err := l.v.Unmarshal(newConfig); err != nil {
			if onError != nil {
				onError(fmt.Errorf("failed to unmarshal config: %w", err))
			}
			return
		}

		if err := validateConfig(newConfig); err != nil {
			if onError != nil {
				onError(fmt.Errorf("invalid configuration in %s: %w", e.Name, err))
			}
			return
		}

		onChange(newConfig)
	})
	l.v.WatchConfig()
}
