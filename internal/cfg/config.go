// Package cfg provides configuration for the federation tools.
//
// Values come from built-in defaults, then an optional YAML file
// (.federation.yaml in the working directory or $HOME), then FEDERATION_*
// environment variables, then command-line flags bound by the caller.
package cfg

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable. Nested keys are joined
// with underscores, so github.api_url is FEDERATION_GITHUB_API_URL.
const EnvPrefix = "FEDERATION"

// GitHubConfig configures the hosting API client.
type GitHubConfig struct {
	APIURL string `mapstructure:"api_url" validate:"required,url"`
	// Tokens are used round-robin when one is rate limited.
	Tokens []string `mapstructure:"tokens"`
	// Token is a single extra token, for FEDERATION_GITHUB_TOKEN or GITHUB_TOKEN.
	Token             string        `mapstructure:"token"`
	Timeout           time.Duration `mapstructure:"timeout" validate:"gt=0"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" validate:"gte=0"`
}

// DatabaseConfig configures the graph store.
type DatabaseConfig struct {
	// URL is a SQLite path or a postgres:// URL.
	URL string `mapstructure:"url" validate:"required"`
}

// ReviewConfig configures the manual review queue.
type ReviewConfig struct {
	Dir string `mapstructure:"dir" validate:"required"`
}

// ReplicationConfig configures replication runs.
type ReplicationConfig struct {
	BranchPrefix       string   `mapstructure:"branch_prefix" validate:"required"`
	Include            []string `mapstructure:"include"`
	Exclude            []string `mapstructure:"exclude"`
	ExtractConcurrency int      `mapstructure:"extract_concurrency" validate:"min=1,max=64"`
	SingleFileFastPath bool     `mapstructure:"single_file_fast_path"`
	ProposedBy         string   `mapstructure:"proposed_by" validate:"required"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

// MetricsConfig configures metrics output.
type MetricsConfig struct {
	// Textfile, if set, receives the metrics registry in text format on exit.
	Textfile string `mapstructure:"textfile"`
}

// Config holds all runtime configuration.
type Config struct {
	GitHub      GitHubConfig      `mapstructure:"github"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Review      ReviewConfig      `mapstructure:"review"`
	Replication ReplicationConfig `mapstructure:"replication"`
	Log         LogConfig         `mapstructure:"log"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("github.api_url", "https://api.github.com/")
	v.SetDefault("github.tokens", []string{})
	v.SetDefault("github.token", "")
	v.SetDefault("github.timeout", 10*time.Second)
	v.SetDefault("github.requests_per_second", 0.0)
	v.SetDefault("database.url", "federation.db")
	v.SetDefault("review.dir", "queues/manual_review_queue")
	v.SetDefault("replication.branch_prefix", "federation/replicate")
	v.SetDefault("replication.include", []string{})
	v.SetDefault("replication.exclude", []string{})
	v.SetDefault("replication.extract_concurrency", 4)
	v.SetDefault("replication.single_file_fast_path", true)
	v.SetDefault("replication.proposed_by", "federation")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("metrics.textfile", "")
}

// NewViper returns a viper instance with defaults and environment binding
// in place, and reads configFile, or .federation.yaml from the working
// directory or $HOME when configFile is empty. Only an explicitly named
// file is required to exist.
func NewViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("github.token", EnvPrefix+"_GITHUB_TOKEN", "GITHUB_TOKEN"); err != nil {
		return nil, fmt.Errorf("binding github.token: %w", err)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", configFile, err)
		}
		return v, nil
	}

	v.SetConfigName(".federation")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}
	return v, nil
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// AllTokens returns the configured tokens in order, trimmed, without blanks
// or repeats. Token is appended after Tokens.
func (c *Config) AllTokens() []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range append(append([]string(nil), c.GitHub.Tokens...), c.GitHub.Token) {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
