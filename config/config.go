// Package config loads the callwall configuration from an INI or YAML
// file, an optional .env file and CALLWALL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/jaracil/callwall/screening"
)

// DefaultPath is where the daemon looks for its configuration.
const DefaultPath = "/etc/callwall/config.ini"

// EnvPrefix prefixes environment overrides: modem.device is CALLWALL_MODEM_DEVICE.
const EnvPrefix = "CALLWALL"

// Config holds all configuration for callwall.
type Config struct {
	Device    DeviceConfig    `mapstructure:"device"`
	Server    ServerConfig    `mapstructure:"server"`
	Modem     ModemConfig     `mapstructure:"modem"`
	Modems    []ModemConfig   `mapstructure:"modems"`
	Screening ScreeningConfig `mapstructure:"screening"`
	IVR       IVRConfig       `mapstructure:"ivr"`
	Store     StoreConfig     `mapstructure:"store"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	API       APIConfig       `mapstructure:"api"`
	Log       LogConfig       `mapstructure:"log"`
}

// DeviceConfig identifies this device to the screening server.
type DeviceConfig struct {
	ID        string `mapstructure:"id"`
	AuthToken string `mapstructure:"auth_token"`
}

// ServerConfig holds the screening server settings. An empty URL disables
// the reputation signal and the heartbeat.
type ServerConfig struct {
	URL               string        `mapstructure:"url"`
	SignJWT           bool          `mapstructure:"sign_jwt"`
	Seal              bool          `mapstructure:"seal"`
	Timeout           time.Duration `mapstructure:"timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// ModemConfig describes one modem session.
type ModemConfig struct {
	ID                 string        `mapstructure:"id"`
	Device             string        `mapstructure:"device"`
	BaudRate           int           `mapstructure:"baud_rate"`
	CommandTimeout     time.Duration `mapstructure:"command_timeout"`
	AnswerTimeout      time.Duration `mapstructure:"answer_timeout"`
	RecoveryBackoff    time.Duration `mapstructure:"recovery_backoff"`
	MaxRecoveries      int           `mapstructure:"max_recoveries"`
	RingsWithoutNumber int           `mapstructure:"rings_without_number"`
	RingTimeout        time.Duration `mapstructure:"ring_timeout"`
}

// ScreeningConfig tunes the decision pipeline and the local signals.
type ScreeningConfig struct {
	Deadline           time.Duration      `mapstructure:"deadline"`
	SignalTimeout      time.Duration      `mapstructure:"signal_timeout"`
	CacheSize          int                `mapstructure:"cache_size"`
	CacheTTL           time.Duration      `mapstructure:"cache_ttl"`
	CacheLow           float64            `mapstructure:"cache_low"`
	CacheHigh          float64            `mapstructure:"cache_high"`
	BlockThreshold     float64            `mapstructure:"block_threshold"`
	ChallengeThreshold float64            `mapstructure:"challenge_threshold"`
	MinConfidence      float64            `mapstructure:"min_confidence"`
	FailurePolicy      string             `mapstructure:"failure_policy"`
	WithheldAction     string             `mapstructure:"withheld_action"`
	ReportThreshold    int                `mapstructure:"report_threshold"`
	VelocityWindow     time.Duration      `mapstructure:"velocity_window"`
	VelocityLimit      int                `mapstructure:"velocity_limit"`
	Weights            map[string]float64 `mapstructure:"weights"`
}

// IVRConfig tunes challenges.
type IVRConfig struct {
	Expiry      time.Duration `mapstructure:"expiry"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	PassAllow   time.Duration `mapstructure:"pass_allow"`
	CodeLength  int           `mapstructure:"code_length"`
	PromptID    string        `mapstructure:"prompt_id"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// NotifyConfig enables the optional event sinks. Empty addresses disable them.
type NotifyConfig struct {
	Buffer       int    `mapstructure:"buffer"`
	NSQAddr      string `mapstructure:"nsq_addr"`
	NSQTopic     string `mapstructure:"nsq_topic"`
	RedisAddr    string `mapstructure:"redis_addr"`
	RedisChannel string `mapstructure:"redis_channel"`
}

// APIConfig holds the status API settings. An empty Listen disables it.
type APIConfig struct {
	Listen string `mapstructure:"listen"`
}

// LogConfig selects the log handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("device.id", "")
	v.SetDefault("device.auth_token", "")

	v.SetDefault("server.url", "")
	v.SetDefault("server.sign_jwt", false)
	v.SetDefault("server.seal", false)
	v.SetDefault("server.timeout", "2s")
	v.SetDefault("server.heartbeat_interval", "30s")

	v.SetDefault("modem.id", "modem0")
	v.SetDefault("modem.device", "")
	v.SetDefault("modem.baud_rate", 57600)
	v.SetDefault("modem.command_timeout", "2s")
	v.SetDefault("modem.answer_timeout", "1500ms")
	v.SetDefault("modem.recovery_backoff", "2s")
	v.SetDefault("modem.max_recoveries", 3)
	v.SetDefault("modem.rings_without_number", 2)
	v.SetDefault("modem.ring_timeout", "8s")

	v.SetDefault("screening.deadline", "3s")
	v.SetDefault("screening.signal_timeout", "300ms")
	v.SetDefault("screening.cache_size", 10000)
	v.SetDefault("screening.cache_ttl", "30m")
	v.SetDefault("screening.cache_low", 0.3)
	v.SetDefault("screening.cache_high", 0.7)
	v.SetDefault("screening.block_threshold", 0.7)
	v.SetDefault("screening.challenge_threshold", 0.4)
	v.SetDefault("screening.min_confidence", 0.5)
	v.SetDefault("screening.failure_policy", "allow")
	v.SetDefault("screening.withheld_action", "allow")
	v.SetDefault("screening.report_threshold", 3)
	v.SetDefault("screening.velocity_window", "1h")
	v.SetDefault("screening.velocity_limit", 4)

	v.SetDefault("ivr.expiry", "30s")
	v.SetDefault("ivr.max_attempts", 3)
	v.SetDefault("ivr.pass_allow", "24h")
	v.SetDefault("ivr.code_length", 4)
	v.SetDefault("ivr.prompt_id", "enter-code")

	v.SetDefault("store.path", "/var/lib/callwall/callwall.db")

	v.SetDefault("notify.buffer", 256)
	v.SetDefault("notify.nsq_addr", "")
	v.SetDefault("notify.nsq_topic", "callwall.events")
	v.SetDefault("notify.redis_addr", "")
	v.SetDefault("notify.redis_channel", "callwall:events")

	v.SetDefault("api.listen", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads the configuration. An explicit path must exist; with an empty
// path config.{ini,yaml} is searched in /etc/callwall and the working
// directory, and defaults are used when none is found. A .env file in the
// working directory is loaded into the environment first.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext == "yml" {
			v.SetConfigType("yaml")
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(filepath.Dir(DefaultPath))
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	if _, err := screening.ParseFailurePolicy(c.Screening.FailurePolicy); err != nil {
		return fmt.Errorf("screening.failure_policy: %w", err)
	}
	if _, err := screening.ParseAction(c.Screening.WithheldAction); err != nil {
		return fmt.Errorf("screening.withheld_action: %w", err)
	}
	if c.Screening.ChallengeThreshold > c.Screening.BlockThreshold {
		return errors.New("screening.challenge_threshold above block_threshold")
	}
	if c.Screening.CacheLow > c.Screening.CacheHigh {
		return errors.New("screening.cache_low above cache_high")
	}
	if (c.Server.SignJWT || c.Server.Seal) && c.Device.AuthToken == "" {
		return errors.New("server.sign_jwt and server.seal need device.auth_token")
	}
	ids := map[string]bool{}
	for _, m := range c.Sessions() {
		if m.BaudRate <= 0 {
			return fmt.Errorf("modem %s: invalid baud rate %d", m.ID, m.BaudRate)
		}
		if ids[m.ID] {
			return fmt.Errorf("duplicate modem id %q", m.ID)
		}
		ids[m.ID] = true
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format: unknown format %q", c.Log.Format)
	}
	return nil
}

// Sessions returns the configured modems. The [modem] section describes the
// first one; entries of the modems list inherit its unset fields.
func (c *Config) Sessions() []ModemConfig {
	var out []ModemConfig
	if c.Modem.Device != "" || len(c.Modems) == 0 {
		out = append(out, c.Modem)
	}
	for i, m := range c.Modems {
		if m.ID == "" {
			m.ID = fmt.Sprintf("modem%d", i+1)
		}
		if m.BaudRate == 0 {
			m.BaudRate = c.Modem.BaudRate
		}
		if m.CommandTimeout == 0 {
			m.CommandTimeout = c.Modem.CommandTimeout
		}
		if m.AnswerTimeout == 0 {
			m.AnswerTimeout = c.Modem.AnswerTimeout
		}
		if m.RecoveryBackoff == 0 {
			m.RecoveryBackoff = c.Modem.RecoveryBackoff
		}
		if m.MaxRecoveries == 0 {
			m.MaxRecoveries = c.Modem.MaxRecoveries
		}
		if m.RingsWithoutNumber == 0 {
			m.RingsWithoutNumber = c.Modem.RingsWithoutNumber
		}
		if m.RingTimeout == 0 {
			m.RingTimeout = c.Modem.RingTimeout
		}
		out = append(out, m)
	}
	return out
}
