// Package config loads and validates harvester configuration via Viper.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/org-harvester/internal/channel"
	"github.com/JakeFAU/org-harvester/internal/enrich"
	"github.com/JakeFAU/org-harvester/internal/extract"
	"github.com/JakeFAU/org-harvester/internal/fetch"
	"github.com/JakeFAU/org-harvester/internal/harvest"
	"github.com/JakeFAU/org-harvester/internal/logging"
	"github.com/JakeFAU/org-harvester/internal/normalize"
	"github.com/JakeFAU/org-harvester/internal/orchestrator"
	"github.com/JakeFAU/org-harvester/internal/policy/ratelimit"
)

// ErrUnknownOrganization is returned for slugs with no configured organization.
var ErrUnknownOrganization = errors.New("unknown organization")

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging           logging.Config         `mapstructure:"logging"`
	Server            ServerConfig           `mapstructure:"server"`
	Auth              AuthConfig             `mapstructure:"auth"`
	Fetcher           FetcherConfig          `mapstructure:"fetcher"`
	Channels          ChannelsConfig         `mapstructure:"channels"`
	Orchestrator      orchestrator.Config    `mapstructure:"orchestrator"`
	Enrichment        enrich.Config          `mapstructure:"enrichment"`
	Sites             []extract.SiteRule     `mapstructure:"sites"`
	Organizations     []harvest.Organization `mapstructure:"organizations"`
	OrganizationsFile string                 `mapstructure:"organizations_file"`
	Storage           StorageConfig          `mapstructure:"storage"`
	PubSub            PubSubConfig           `mapstructure:"pubsub"`
	DB                DBConfig               `mapstructure:"db"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// FetcherConfig configures outbound fetching.
type FetcherConfig struct {
	UserAgent          string        `mapstructure:"user_agent"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	AttemptTimeout     time.Duration `mapstructure:"attempt_timeout"`
	MaxAttempts        int           `mapstructure:"max_attempts"`
	BackoffBase        time.Duration `mapstructure:"backoff_base"`
	BackoffMax         time.Duration `mapstructure:"backoff_max"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
	MaxInFlight        int64         `mapstructure:"max_in_flight"`
	PerDomainRPS       float64       `mapstructure:"per_domain_rps"`
	Burst              int           `mapstructure:"burst"`
}

// ChannelsConfig tunes channel scrapers.
type ChannelsConfig struct {
	Timeout     time.Duration  `mapstructure:"timeout"`
	XMirror     string         `mapstructure:"x_mirror"`
	VideoMaxAge time.Duration  `mapstructure:"video_max_age"`
	Limits      extract.Limits `mapstructure:"limits"`
}

// StorageConfig selects where delivered harvests are written.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Storage backends.
const (
	BackendMemory = "memory"
	BackendLocal  = "local"
	BackendGCS    = "gcs"
)

// LoadDotEnv loads KEY=value files into the environment without overriding
// existing variables. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load env file %s: %w", p, err)
		}
	}
	return nil
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	if err := bindEnv(v); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.OrganizationsFile != "" {
		orgs, err := LoadOrganizations(cfg.OrganizationsFile)
		if err != nil {
			return Config{}, err
		}
		cfg.Organizations = append(cfg.Organizations, orgs...)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "5m")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")

	v.SetDefault("fetcher.user_agent", fetch.DefaultUserAgent)
	v.SetDefault("fetcher.request_timeout", "30s")
	v.SetDefault("fetcher.attempt_timeout", "10s")
	v.SetDefault("fetcher.max_attempts", 3)
	v.SetDefault("fetcher.backoff_base", "1s")
	v.SetDefault("fetcher.backoff_max", "10s")
	v.SetDefault("fetcher.insecure_skip_verify", false)
	v.SetDefault("fetcher.max_in_flight", 16)
	v.SetDefault("fetcher.per_domain_rps", 1.0)
	v.SetDefault("fetcher.burst", 2)

	v.SetDefault("channels.timeout", "60s")
	v.SetDefault("channels.x_mirror", channel.DefaultXMirror)
	v.SetDefault("channels.video_max_age", "0s")
	limits := extract.DefaultLimits()
	v.SetDefault("channels.limits.press", limits.Press)
	v.SetDefault("channels.limits.social", limits.Social)
	v.SetDefault("channels.limits.video", limits.Video)

	v.SetDefault("orchestrator.organization_timeout", "3m")
	v.SetDefault("orchestrator.workers", 4)

	v.SetDefault("enrichment.api_key", "")
	v.SetDefault("enrichment.endpoint", "")
	v.SetDefault("enrichment.batch_size", enrich.MaxBatchSize)
	v.SetDefault("enrichment.timeout", "15s")

	v.SetDefault("organizations_file", "")

	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.base_dir", "data/harvests")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "harvests")

	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")

	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "harvest_records")
}

// bindEnv wires the conventional unprefixed variables next to the prefixed ones.
func bindEnv(v *viper.Viper) error {
	bindings := map[string][]string{
		"enrichment.api_key":           {"HARVESTER_ENRICHMENT_API_KEY", "YOUTUBE_API_KEY"},
		"fetcher.insecure_skip_verify": {"HARVESTER_FETCHER_INSECURE_SKIP_VERIFY", "HARVESTER_INSECURE_TLS"},
	}
	for key, envs := range bindings {
		args := append([]string{key}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Fetcher.MaxAttempts <= 0 {
		return fmt.Errorf("fetcher.max_attempts must be > 0")
	}
	if c.Fetcher.AttemptTimeout <= 0 {
		return fmt.Errorf("fetcher.attempt_timeout must be > 0")
	}
	if c.Fetcher.PerDomainRPS < 0 {
		return fmt.Errorf("fetcher.per_domain_rps must be >= 0")
	}
	if c.Channels.Timeout <= 0 {
		return fmt.Errorf("channels.timeout must be > 0")
	}
	if c.Channels.VideoMaxAge < 0 {
		return fmt.Errorf("channels.video_max_age must be >= 0")
	}
	if u, err := url.Parse(c.Channels.XMirror); c.Channels.XMirror != "" && (err != nil || u.Host == "") {
		return fmt.Errorf("channels.x_mirror must be an absolute url")
	}
	if c.Orchestrator.Workers <= 0 {
		return fmt.Errorf("orchestrator.workers must be > 0")
	}
	if c.Enrichment.BatchSize < 0 || c.Enrichment.BatchSize > enrich.MaxBatchSize {
		return fmt.Errorf("enrichment.batch_size must be between 0 and %d", enrich.MaxBatchSize)
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendLocal:
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir must be set for the local backend")
		}
	case BackendGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	for _, rule := range c.Sites {
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("sites: %w", err)
		}
	}

	seen := make(map[string]string, len(c.Organizations))
	for i, org := range c.Organizations {
		if strings.TrimSpace(org.Name) == "" {
			return fmt.Errorf("organizations[%d].company must be set", i)
		}
		slug := normalize.Slug(normalize.Organization(org.Name))
		if prev, dup := seen[slug]; dup {
			return fmt.Errorf("organizations: %q and %q share slug %q", prev, org.Name, slug)
		}
		seen[slug] = org.Name
	}
	return nil
}

// Organization finds the organization addressed by slug. Both the canonical
// name's slug and the configured name's slug match.
func (c Config) Organization(slug string) (harvest.Organization, error) {
	want := normalize.Slug(slug)
	for _, org := range c.Organizations {
		if normalize.Slug(normalize.Organization(org.Name)) == want || normalize.Slug(org.Name) == want {
			return org, nil
		}
	}
	return harvest.Organization{}, fmt.Errorf("%w: %s", ErrUnknownOrganization, slug)
}

// Slugs lists the canonical slug of every configured organization.
func (c Config) Slugs() []string {
	out := make([]string, 0, len(c.Organizations))
	for _, org := range c.Organizations {
		out = append(out, normalize.Slug(normalize.Organization(org.Name)))
	}
	return out
}

// SiteRules returns configured rules followed by built-ins not overridden by name.
func (c Config) SiteRules() []extract.SiteRule {
	host := ""
	if u, err := url.Parse(c.Channels.XMirror); err == nil {
		host = u.Hostname()
	}
	rules := append([]extract.SiteRule(nil), c.Sites...)
	overridden := make(map[string]struct{}, len(c.Sites))
	for _, r := range c.Sites {
		overridden[r.Name] = struct{}{}
	}
	for _, r := range extract.DefaultSites(host) {
		if _, ok := overridden[r.Name]; !ok {
			rules = append(rules, r)
		}
	}
	return rules
}

// FetchConfig returns the fetcher's transport settings.
func (c Config) FetchConfig() fetch.Config {
	return fetch.Config{
		UserAgent:          c.Fetcher.UserAgent,
		RequestTimeout:     c.Fetcher.RequestTimeout,
		InsecureSkipVerify: c.Fetcher.InsecureSkipVerify,
		MaxInFlight:        c.Fetcher.MaxInFlight,
	}
}

// RateLimit returns the per-domain limiter settings.
func (c Config) RateLimit() ratelimit.Config {
	return ratelimit.Config{PerDomainRPS: c.Fetcher.PerDomainRPS, Burst: c.Fetcher.Burst}
}

// ChannelConfig returns settings shared by every channel scraper.
func (c Config) ChannelConfig() channel.Config {
	return channel.Config{
		Timeout:     c.Channels.Timeout,
		XMirror:     c.Channels.XMirror,
		VideoMaxAge: c.Channels.VideoMaxAge,
		Fetch: fetch.Options{
			MaxAttempts: c.Fetcher.MaxAttempts,
			BaseDelay:   c.Fetcher.BackoffBase,
			MaxDelay:    c.Fetcher.BackoffMax,
			Timeout:     c.Fetcher.AttemptTimeout,
		},
	}
}

// organizationEntry mirrors one element of an organizations file.
type organizationEntry struct {
	Company  string     `json:"company"`
	Press    stringList `json:"press_releases"`
	RSS      stringList `json:"rss"`
	Twitter  stringList `json:"twitter"`
	X        stringList `json:"x"`
	LinkedIn stringList `json:"linkedin"`
	YouTube  stringList `json:"youtube"`
}

// stringList accepts a JSON string, an array of strings, or null.
type stringList []string

func (s *stringList) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	switch {
	case trimmed == "null":
		*s = nil
		return nil
	case strings.HasPrefix(trimmed, "["):
		var list []string
		if err := json.Unmarshal(data, &list); err != nil {
			return fmt.Errorf("decode locator list: %w", err)
		}
		*s = list
		return nil
	default:
		var one string
		if err := json.Unmarshal(data, &one); err != nil {
			return fmt.Errorf("decode locator: %w", err)
		}
		if one == "" {
			*s = nil
			return nil
		}
		*s = []string{one}
		return nil
	}
}

// LoadOrganizations reads a JSON array of organizations.
func LoadOrganizations(path string) ([]harvest.Organization, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read organizations file: %w", err)
	}
	var entries []organizationEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode organizations file: %w", err)
	}
	out := make([]harvest.Organization, 0, len(entries))
	for _, e := range entries {
		out = append(out, harvest.Organization{
			Name:     e.Company,
			Press:    e.Press,
			RSS:      e.RSS,
			X:        append(e.Twitter, e.X...),
			LinkedIn: e.LinkedIn,
			Video:    e.YouTube,
		})
	}
	return out, nil
}
