// Package config handles Asesor configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata" // reference timezone must resolve on minimal images

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/nugget/asesor/internal/paths"
)

// DefaultTimezone is the reference timezone for message timestamps and
// appointment times.
const DefaultTimezone = "America/Mexico_City"

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/asesor/config.yaml, /etc/asesor/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "asesor", "config.yaml"))
	}

	paths = append(paths, "/etc/asesor/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Asesor configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text (default) or json
	Timezone  string          `yaml:"timezone"`
	DataDir   string          `yaml:"data_dir"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Policy    PolicyConfig    `yaml:"policy"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts"`
	Twilio    TwilioConfig    `yaml:"twilio"`
	Google    GoogleConfig    `yaml:"google"`
	Storage   StorageConfig   `yaml:"storage"`
	Knowledge KnowledgeConfig `yaml:"knowledge"`
	Calendar  CalendarConfig  `yaml:"calendar"`
	Leads     LeadsConfig     `yaml:"leads"`
	Notify    NotifyConfig    `yaml:"notify"`
	WhatsApp  WhatsAppConfig  `yaml:"whatsapp"`

	// Pricing maps model names to per-million-token prices for the
	// usage ledger. Unlisted models are recorded at zero cost.
	Pricing map[string]PricingEntry `yaml:"pricing"`
}

// PricingEntry is the USD price per million tokens for one model.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// ListenConfig defines the HTTP server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // Overrides the Messages endpoint (tests, proxies)
}

// PolicyConfig is the conversation policy. The prompt wording, history
// depth, model and greeting behavior all live here so a single agent
// loop serves every variant.
type PolicyConfig struct {
	Name               string   `yaml:"name"`
	SystemPrompt       string   `yaml:"system_prompt"`
	SystemPromptFile   string   `yaml:"system_prompt_file"`
	Model              string   `yaml:"model"`
	MaxTokens          int      `yaml:"max_tokens"`
	HistoryLimit       int      `yaml:"history_limit"`
	MaxToolIterations  int      `yaml:"max_tool_iterations"`
	TranscriptInSystem bool     `yaml:"transcript_in_system"`
	GreetingFastPath   *bool    `yaml:"greeting_fast_path"` // nil = enabled
	GreetingRandom     bool     `yaml:"greeting_random"`
	Greetings          []string `yaml:"greetings"`
	GreetingPatterns   []string `yaml:"greeting_patterns"`
	FallbackMessage    string   `yaml:"fallback_message"`
}

// FastPathEnabled reports whether trivial greetings bypass the agent.
func (p PolicyConfig) FastPathEnabled() bool {
	return p.GreetingFastPath == nil || *p.GreetingFastPath
}

// TimeoutsConfig bounds every external call. Values are Go duration
// strings in YAML ("30s", "2m").
type TimeoutsConfig struct {
	Completion time.Duration `yaml:"completion"`
	Tool       time.Duration `yaml:"tool"`
	Send       time.Duration `yaml:"send"`
	Store      time.Duration `yaml:"store"`
	Handle     time.Duration `yaml:"handle"`
	Secondary  time.Duration `yaml:"secondary"`
}

// TwilioConfig defines the WhatsApp messaging provider.
type TwilioConfig struct {
	AccountSID        string `yaml:"account_sid"`
	AuthToken         string `yaml:"auth_token"`
	WhatsAppNumber    string `yaml:"whatsapp_number"` // E.164 without the whatsapp: prefix
	BaseURL           string `yaml:"base_url"`
	ValidateSignature bool   `yaml:"validate_signature"`
	PublicURL         string `yaml:"public_url"` // Webhook URL as Twilio sees it
}

// GoogleConfig defines Google Workspace access. Credentials are
// provisioned out of band.
type GoogleConfig struct {
	CredentialsFile string `yaml:"credentials_file"`
	SheetID         string `yaml:"sheet_id"`
	DocID           string `yaml:"doc_id"`
	CalendarID      string `yaml:"calendar_id"`
}

// StorageConfig selects the message log backend.
type StorageConfig struct {
	Backend string `yaml:"backend"` // sqlite (default) or sheets
}

// KnowledgeConfig selects the document lookup backend.
type KnowledgeConfig struct {
	Backend string `yaml:"backend"` // google_docs (default), file, url
	Path    string `yaml:"path"`
	URL     string `yaml:"url"`

	// CacheTTL reuses the last fetched corpus for this long. Zero
	// fetches on every lookup.
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// CalendarConfig selects the scheduling backend.
type CalendarConfig struct {
	Backend string       `yaml:"backend"` // google (default) or caldav
	CalDAV  CalDAVConfig `yaml:"caldav"`
}

// CalDAVConfig defines a CalDAV collection to write events into.
type CalDAVConfig struct {
	URL        string `yaml:"url"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	Collection string `yaml:"collection"` // Path of the calendar collection
}

// LeadsConfig selects where client/lead entries are written.
type LeadsConfig struct {
	Backend string `yaml:"backend"` // sqlite (default) or sheets
}

// NotifyConfig defines appointment notifications.
type NotifyConfig struct {
	Email EmailNotifyConfig `yaml:"email"`
	MQTT  MQTTNotifyConfig  `yaml:"mqtt"`
}

// EmailNotifyConfig sends a confirmation email for each appointment.
type EmailNotifyConfig struct {
	Enabled    bool       `yaml:"enabled"`
	From       string     `yaml:"from"`
	To         []string   `yaml:"to"`
	CopyClient bool       `yaml:"copy_client"` // Cc the client's email when known
	SMTP       SMTPConfig `yaml:"smtp"`
}

// SMTPConfig defines the outgoing mail server.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	StartTLS bool   `yaml:"starttls"` // true for 587, false for implicit TLS on 465
}

// MQTTNotifyConfig publishes appointment events to a broker.
type MQTTNotifyConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Topic    string `yaml:"topic"` // Base topic; events go to <topic>/appointments
	ClientID string `yaml:"client_id"`
}

// WhatsAppConfig tunes the inbound webhook.
type WhatsAppConfig struct {
	RateLimit          int   `yaml:"rate_limit"` // per sender per minute; 0 = unlimited
	SerializePerSender *bool `yaml:"serialize_per_sender"`
}

// Serialize reports whether deliveries for the same sender run one at
// a time. Enabled unless explicitly turned off.
func (w WhatsAppConfig) Serialize() bool {
	return w.SerializePerSender == nil || *w.SerializePerSender
}

// Load reads configuration from a YAML file, expanding ${ENV} references
// and filling defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	cfg.resolvePaths(filepath.Dir(path))

	if cfg.Policy.SystemPrompt == "" && cfg.Policy.SystemPromptFile != "" {
		prompt, err := os.ReadFile(cfg.Policy.SystemPromptFile)
		if err != nil {
			return nil, fmt.Errorf("read system prompt file: %w", err)
		}
		cfg.Policy.SystemPrompt = string(prompt)
	}

	return cfg, nil
}

// resolvePaths makes every file path absolute. Relative paths are
// taken from the config file's directory; "config:" and "data:"
// prefixes name that directory and the data directory.
func (c *Config) resolvePaths(dir string) {
	r := paths.New(dir, map[string]string{"config": dir})
	c.DataDir = r.Resolve(c.DataDir)

	r = r.With("data", c.DataDir)
	c.Policy.SystemPromptFile = r.Resolve(c.Policy.SystemPromptFile)
	c.Google.CredentialsFile = r.Resolve(c.Google.CredentialsFile)
	c.Knowledge.Path = r.Resolve(c.Knowledge.Path)
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Timezone == "" {
		c.Timezone = DefaultTimezone
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}

	p := &c.Policy
	if p.Name == "" {
		p.Name = "asesor"
	}
	if p.Model == "" {
		p.Model = "claude-haiku-4-5"
	}
	if p.MaxTokens <= 0 {
		p.MaxTokens = 300
	}
	if p.HistoryLimit <= 0 {
		p.HistoryLimit = 10
	}
	if p.MaxToolIterations <= 0 {
		p.MaxToolIterations = 6
	}
	if p.FallbackMessage == "" {
		p.FallbackMessage = "No se pudo generar respuesta."
	}

	t := &c.Timeouts
	if t.Completion <= 0 {
		t.Completion = 60 * time.Second
	}
	if t.Tool <= 0 {
		t.Tool = 20 * time.Second
	}
	if t.Send <= 0 {
		t.Send = 15 * time.Second
	}
	if t.Store <= 0 {
		t.Store = 10 * time.Second
	}
	if t.Handle <= 0 {
		t.Handle = 3 * time.Minute
	}
	if t.Secondary <= 0 {
		t.Secondary = 10 * time.Second
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = "sqlite"
	}
	if c.Knowledge.Backend == "" {
		c.Knowledge.Backend = "google_docs"
	}
	if c.Calendar.Backend == "" {
		c.Calendar.Backend = "google"
	}
	if c.Leads.Backend == "" {
		c.Leads.Backend = "sqlite"
	}
	if c.Notify.MQTT.Topic == "" {
		c.Notify.MQTT.Topic = "asesor"
	}
	if c.Notify.MQTT.ClientID == "" {
		c.Notify.MQTT.ClientID = "asesor"
	}
	if c.Notify.Email.SMTP.Port == 0 {
		c.Notify.Email.SMTP.Port = 587
	}
	if c.Pricing == nil {
		c.Pricing = map[string]PricingEntry{
			"claude-haiku-4-5":  {InputPerMillion: 1.0, OutputPerMillion: 5.0},
			"claude-sonnet-4-5": {InputPerMillion: 3.0, OutputPerMillion: 15.0},
		}
	}
}

// Location resolves the reference timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Validate reports settings that the selected backends require but
// that are missing. All problems are returned together.
func (c *Config) Validate() error {
	var result *multierror.Error
	need := func(ok bool, msg string) {
		if !ok {
			result = multierror.Append(result, errors.New(msg))
		}
	}

	need(c.Anthropic.APIKey != "", "anthropic.api_key is required")
	need(c.Twilio.AccountSID != "", "twilio.account_sid is required")
	need(c.Twilio.AuthToken != "", "twilio.auth_token is required")
	need(c.Twilio.WhatsAppNumber != "", "twilio.whatsapp_number is required")
	if c.Twilio.ValidateSignature {
		need(c.Twilio.PublicURL != "", "twilio.public_url is required when validate_signature is set")
	}

	usesGoogle := false
	switch c.Storage.Backend {
	case "sqlite":
	case "sheets":
		usesGoogle = true
		need(c.Google.SheetID != "", "google.sheet_id is required for storage.backend sheets")
	default:
		result = multierror.Append(result, fmt.Errorf("unknown storage.backend %q", c.Storage.Backend))
	}

	switch c.Knowledge.Backend {
	case "google_docs":
		usesGoogle = true
		need(c.Google.DocID != "", "google.doc_id is required for knowledge.backend google_docs")
	case "file":
		need(c.Knowledge.Path != "", "knowledge.path is required for knowledge.backend file")
	case "url":
		need(c.Knowledge.URL != "", "knowledge.url is required for knowledge.backend url")
	default:
		result = multierror.Append(result, fmt.Errorf("unknown knowledge.backend %q", c.Knowledge.Backend))
	}

	switch c.Calendar.Backend {
	case "google":
		usesGoogle = true
		need(c.Google.CalendarID != "", "google.calendar_id is required for calendar.backend google")
	case "caldav":
		need(c.Calendar.CalDAV.URL != "", "calendar.caldav.url is required for calendar.backend caldav")
		need(c.Calendar.CalDAV.Collection != "", "calendar.caldav.collection is required for calendar.backend caldav")
	default:
		result = multierror.Append(result, fmt.Errorf("unknown calendar.backend %q", c.Calendar.Backend))
	}

	switch c.Leads.Backend {
	case "sqlite":
	case "sheets":
		usesGoogle = true
		need(c.Google.SheetID != "", "google.sheet_id is required for leads.backend sheets")
	default:
		result = multierror.Append(result, fmt.Errorf("unknown leads.backend %q", c.Leads.Backend))
	}

	if usesGoogle {
		need(c.Google.CredentialsFile != "", "google.credentials_file is required by the selected backends")
	}

	if c.Notify.Email.Enabled {
		need(c.Notify.Email.From != "", "notify.email.from is required")
		need(len(c.Notify.Email.To) > 0, "notify.email.to is required")
		need(c.Notify.Email.SMTP.Host != "", "notify.email.smtp.host is required")
	}
	if c.Notify.MQTT.Enabled {
		need(c.Notify.MQTT.Broker != "", "notify.mqtt.broker is required")
	}

	if _, err := c.Location(); err != nil {
		result = multierror.Append(result, err)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		result = multierror.Append(result, err)
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "text", "json":
	default:
		result = multierror.Append(result, fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat))
	}

	return result.ErrorOrNil()
}
