package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the application configuration.
type Config struct {
	App      AppConfig      `json:"app"`
	ERP      ERPConfig      `json:"erp"`
	XML      XMLConfig      `json:"xml"`
	Sync     SyncConfig     `json:"sync"`
	Nightly  NightlyConfig  `json:"nightly"`
	MySQL    MySQLConfig    `json:"mysql"`
	Redis    RedisConfig    `json:"redis"`
	Email    EmailConfig    `json:"email"`
	Security SecurityConfig `json:"security"`
}

type AppConfig struct {
	Env             string        `json:"env"`       // local / prod
	LogLevel        string        `json:"log_level"` // debug / info / warn / error
	HTTPAddr        string        `json:"http_addr"`
	Workers         int           `json:"workers"`        // manual run worker pool
	QueueCapacity   int           `json:"queue_capacity"` // pending manual runs
	TaskRetention   time.Duration `json:"task_retention"`
	JanitorInterval time.Duration `json:"janitor_interval"` // task sweep period
	LockTTL         time.Duration `json:"lock_ttl"`         // redis run lock lease
}

// ERPConfig is the OData endpoint of the accounting system.
type ERPConfig struct {
	ODataURL      string        `json:"odata_url"`
	User          string        `json:"user"`
	Password      string        `json:"password"`
	Timeout       time.Duration `json:"timeout"`
	PageSize      int           `json:"page_size"`
	RetryAttempts int           `json:"retry_attempts"`
	RetryBackoff  time.Duration `json:"retry_backoff"`
	RateLimit     float64       `json:"rate_limit"` // requests per second, 0 disables
	RateBurst     float64       `json:"rate_burst"`
	PhoneRegion   string        `json:"phone_region"`
}

// XMLConfig locates the CommerceML exchange files. Values may be URLs or
// local paths.
type XMLConfig struct {
	CatalogURL    string `json:"catalog_url"`
	OffersURL     string `json:"offers_url"`
	SkipUnchanged bool   `json:"skip_unchanged"`
}

type SyncConfig struct {
	CatalogSource       string `json:"catalog_source"` // xml / odata
	BatchSize           int    `json:"batch_size"`
	LoadAll             bool   `json:"load_all"`
	Limit               int    `json:"limit"` // cap when load_all is off
	TrailingDays        int    `json:"trailing_days"`
	CustomerHistoryDays int    `json:"customer_history_days"`
}

type NightlyConfig struct {
	Enabled bool     `json:"enabled"`
	Hour    int      `json:"hour"`
	Minute  int      `json:"minute"`
	Types   []string `json:"types"`
}

type MySQLConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	Addr     string `json:"addr"` // empty disables redis-backed features
	Password string `json:"password"`
}

type EmailConfig struct {
	SMTPHost   string `json:"smtp_host"`
	SMTPPort   int    `json:"smtp_port"`
	SMTPUser   string `json:"smtp_user"`
	SMTPPass   string `json:"smtp_pass"`
	FromEmail  string `json:"from_email"`
	AlertEmail string `json:"alert_email"` // nightly failure recipient
}

type SecurityConfig struct {
	JWTSecret string `json:"jwt_secret"`
}

// Catalog sources.
const (
	SourceXML   = "xml"
	SourceOData = "odata"
)

// Load reads configs/config.json (or the given path) when present, fills
// defaults and applies environment overrides. A .env file in the working
// directory is loaded first.
func Load(configPath ...string) (*Config, error) {
	_ = godotenv.Load()

	path := "configs/config.json"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	cfg := getDefaultConfig()
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyDefaults(cfg)
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg as indented JSON.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Validate reports settings that make every run fail.
func (c *Config) Validate() error {
	var errs []error
	switch c.Sync.CatalogSource {
	case SourceXML:
		if c.XML.CatalogURL == "" {
			errs = append(errs, errors.New("XML_CATALOG_URL is required for the xml catalog source"))
		}
	case SourceOData:
	default:
		errs = append(errs, fmt.Errorf("unknown CATALOG_SOURCE %q", c.Sync.CatalogSource))
	}
	if c.ERP.ODataURL == "" {
		errs = append(errs, errors.New("ERP_ODATA_URL is required"))
	}
	if c.Nightly.Hour < 0 || c.Nightly.Hour > 23 || c.Nightly.Minute < 0 || c.Nightly.Minute > 59 {
		errs = append(errs, fmt.Errorf("invalid nightly time %02d:%02d", c.Nightly.Hour, c.Nightly.Minute))
	}
	return errors.Join(errs...)
}

func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:             "local",
			LogLevel:        "info",
			HTTPAddr:        ":8081",
			Workers:         2,
			QueueCapacity:   16,
			TaskRetention:   24 * time.Hour,
			JanitorInterval: 10 * time.Minute,
			LockTTL:         2 * time.Minute,
		},
		ERP: ERPConfig{
			Timeout:       300 * time.Second,
			PageSize:      1000,
			RetryAttempts: 4,
			RetryBackoff:  2 * time.Second,
			RateLimit:     0,
			RateBurst:     5,
			PhoneRegion:   "RU",
		},
		XML: XMLConfig{
			SkipUnchanged: true,
		},
		Sync: SyncConfig{
			CatalogSource:       SourceOData,
			BatchSize:           1000,
			LoadAll:             true,
			Limit:               1000,
			TrailingDays:        7,
			CustomerHistoryDays: 365,
		},
		Nightly: NightlyConfig{
			Enabled: true,
			Hour:    2,
			Minute:  0,
			Types:   []string{"catalog", "stock", "sales", "customers"},
		},
		MySQL: MySQLConfig{
			DSN: "root:password@tcp(localhost:3306)/erpsync?parseTime=true&loc=Local",
		},
		Redis: RedisConfig{
			Addr: "",
		},
		Email: EmailConfig{
			SMTPPort: 587,
		},
		Security: SecurityConfig{
			JWTSecret: "dev_secret_change_me",
		},
	}
}

// applyDefaults fills fields a config file left at zero.
func applyDefaults(cfg *Config) {
	defaults := getDefaultConfig()

	if cfg.App.Env == "" {
		cfg.App.Env = defaults.App.Env
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = defaults.App.LogLevel
	}
	if cfg.App.HTTPAddr == "" {
		cfg.App.HTTPAddr = defaults.App.HTTPAddr
	}
	if cfg.App.Workers <= 0 {
		cfg.App.Workers = defaults.App.Workers
	}
	if cfg.App.QueueCapacity <= 0 {
		cfg.App.QueueCapacity = defaults.App.QueueCapacity
	}
	if cfg.App.TaskRetention <= 0 {
		cfg.App.TaskRetention = defaults.App.TaskRetention
	}
	if cfg.App.JanitorInterval <= 0 {
		cfg.App.JanitorInterval = defaults.App.JanitorInterval
	}
	if cfg.App.LockTTL <= 0 {
		cfg.App.LockTTL = defaults.App.LockTTL
	}
	if cfg.ERP.Timeout <= 0 {
		cfg.ERP.Timeout = defaults.ERP.Timeout
	}
	if cfg.ERP.PageSize <= 0 {
		cfg.ERP.PageSize = defaults.ERP.PageSize
	}
	if cfg.ERP.RetryAttempts <= 0 {
		cfg.ERP.RetryAttempts = defaults.ERP.RetryAttempts
	}
	if cfg.ERP.RetryBackoff <= 0 {
		cfg.ERP.RetryBackoff = defaults.ERP.RetryBackoff
	}
	if cfg.ERP.RateBurst <= 0 {
		cfg.ERP.RateBurst = defaults.ERP.RateBurst
	}
	if cfg.ERP.PhoneRegion == "" {
		cfg.ERP.PhoneRegion = defaults.ERP.PhoneRegion
	}
	if cfg.Sync.CatalogSource == "" {
		cfg.Sync.CatalogSource = defaults.Sync.CatalogSource
	}
	if cfg.Sync.BatchSize <= 0 {
		cfg.Sync.BatchSize = defaults.Sync.BatchSize
	}
	if cfg.Sync.Limit <= 0 {
		cfg.Sync.Limit = defaults.Sync.Limit
	}
	if cfg.Sync.TrailingDays <= 0 {
		cfg.Sync.TrailingDays = defaults.Sync.TrailingDays
	}
	if cfg.Sync.CustomerHistoryDays <= 0 {
		cfg.Sync.CustomerHistoryDays = defaults.Sync.CustomerHistoryDays
	}
	if len(cfg.Nightly.Types) == 0 {
		cfg.Nightly.Types = defaults.Nightly.Types
	}
	if cfg.MySQL.DSN == "" {
		cfg.MySQL.DSN = defaults.MySQL.DSN
	}
	if cfg.Email.SMTPPort == 0 {
		cfg.Email.SMTPPort = defaults.Email.SMTPPort
	}
	if cfg.Security.JWTSecret == "" {
		cfg.Security.JWTSecret = defaults.Security.JWTSecret
	}
}

func applyEnvOverrides(cfg *Config) error {
	viper.AutomaticEnv()

	_ = viper.BindEnv("erp_password", "ERP_PASSWORD")
	_ = viper.BindEnv("db_host", "DB_HOST")
	_ = viper.BindEnv("db_password", "DB_PASSWORD")
	_ = viper.BindEnv("redis_addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = viper.BindEnv("smtp_pass", "SMTP_PASS")
	_ = viper.BindEnv("jwt_secret", "JWT_SECRET")

	var errs []error
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			i, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = i
		}
	}
	float := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	flag := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	// Durations accept Go syntax ("90s") or a bare number of seconds.
	duration := func(key string, dst *time.Duration) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			if secs, err := strconv.Atoi(v); err == nil {
				*dst = time.Duration(secs) * time.Second
				return
			}
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("APP_ENV", &cfg.App.Env)
	str("APP_LOG_LEVEL", &cfg.App.LogLevel)
	str("APP_HTTP_ADDR", &cfg.App.HTTPAddr)
	num("SYNC_WORKERS", &cfg.App.Workers)
	num("SYNC_QUEUE_CAPACITY", &cfg.App.QueueCapacity)
	duration("TASK_RETENTION", &cfg.App.TaskRetention)
	duration("SYNC_LOCK_TTL", &cfg.App.LockTTL)

	str("ERP_ODATA_URL", &cfg.ERP.ODataURL)
	str("ERP_USER", &cfg.ERP.User)
	if v := viper.GetString("erp_password"); v != "" {
		cfg.ERP.Password = v
	}
	duration("ERP_TIMEOUT", &cfg.ERP.Timeout)
	num("ERP_PAGE_SIZE", &cfg.ERP.PageSize)
	num("ERP_RETRY_ATTEMPTS", &cfg.ERP.RetryAttempts)
	duration("ERP_RETRY_BACKOFF", &cfg.ERP.RetryBackoff)
	float("ERP_RATE_LIMIT", &cfg.ERP.RateLimit)
	float("ERP_RATE_BURST", &cfg.ERP.RateBurst)
	str("ERP_PHONE_REGION", &cfg.ERP.PhoneRegion)

	str("XML_CATALOG_URL", &cfg.XML.CatalogURL)
	str("XML_OFFERS_URL", &cfg.XML.OffersURL)
	flag("XML_SKIP_UNCHANGED", &cfg.XML.SkipUnchanged)

	if v := os.Getenv("CATALOG_SOURCE"); v != "" {
		cfg.Sync.CatalogSource = strings.ToLower(strings.TrimSpace(v))
	}
	num("SYNC_BATCH_SIZE", &cfg.Sync.BatchSize)
	flag("SYNC_LOAD_ALL", &cfg.Sync.LoadAll)
	num("SYNC_LIMIT", &cfg.Sync.Limit)
	num("SYNC_TRAILING_DAYS", &cfg.Sync.TrailingDays)
	num("CUSTOMER_HISTORY_DAYS", &cfg.Sync.CustomerHistoryDays)

	flag("NIGHTLY_SYNC_ENABLED", &cfg.Nightly.Enabled)
	num("NIGHTLY_SYNC_HOUR", &cfg.Nightly.Hour)
	num("NIGHTLY_SYNC_MINUTE", &cfg.Nightly.Minute)
	if v := os.Getenv("NIGHTLY_SYNC_TYPES"); v != "" {
		cfg.Nightly.Types = splitList(v)
	}

	if v := viper.GetString("jwt_secret"); v != "" {
		cfg.Security.JWTSecret = v
	}

	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.MySQL.DSN = v
	} else if hasAnyEnv("DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME") || viper.GetString("db_host") != "" || viper.GetString("db_password") != "" {
		parsed := parseMySQLDSN(cfg.MySQL.DSN)
		if v := viper.GetString("db_host"); v != "" {
			port := getenvDefault("DB_PORT", parsed.Addr, "3306")
			parsed.Addr = v + ":" + port
		} else if v := os.Getenv("DB_PORT"); v != "" {
			host := parsed.Addr
			if strings.Contains(host, ":") {
				host = strings.Split(host, ":")[0]
			}
			parsed.Addr = host + ":" + v
		}
		if v := os.Getenv("DB_USER"); v != "" {
			parsed.User = v
		}
		if v := viper.GetString("db_password"); v != "" {
			parsed.Passwd = v
		}
		if v := os.Getenv("DB_NAME"); v != "" {
			parsed.DBName = v
		}
		cfg.MySQL.DSN = parsed.FormatDSN()
	}

	if v := viper.GetString("redis_addr"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := viper.GetString("redis_password"); v != "" {
		cfg.Redis.Password = v
	}

	str("SMTP_HOST", &cfg.Email.SMTPHost)
	num("SMTP_PORT", &cfg.Email.SMTPPort)
	str("SMTP_USER", &cfg.Email.SMTPUser)
	if v := viper.GetString("smtp_pass"); v != "" {
		cfg.Email.SMTPPass = v
	}
	str("SMTP_FROM", &cfg.Email.FromEmail)
	str("ALERT_EMAIL", &cfg.Email.AlertEmail)

	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func hasAnyEnv(keys ...string) bool {
	for _, key := range keys {
		if os.Getenv(key) != "" {
			return true
		}
	}
	return false
}

func getenvDefault(envKey, fallbackAddr, defaultValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if fallbackAddr == "" {
		return defaultValue
	}
	if strings.Contains(fallbackAddr, ":") {
		parts := strings.Split(fallbackAddr, ":")
		if len(parts) == 2 && parts[1] != "" {
			return parts[1]
		}
	}
	return defaultValue
}

func defaultMySQL() *mysql.Config {
	cfg := mysql.NewConfig()
	cfg.User = "root"
	cfg.Net = "tcp"
	cfg.Addr = "localhost:3306"
	cfg.DBName = "erpsync"
	cfg.ParseTime = true
	cfg.Params = map[string]string{"loc": "Local"}
	return cfg
}

func parseMySQLDSN(dsn string) *mysql.Config {
	if dsn == "" {
		return defaultMySQL()
	}
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return defaultMySQL()
	}
	return parsed
}

// UnmarshalJSON accepts duration strings such as "24h".
func (a *AppConfig) UnmarshalJSON(data []byte) error {
	type Alias AppConfig
	aux := &struct {
		TaskRetention   string `json:"task_retention"`
		JanitorInterval string `json:"janitor_interval"`
		LockTTL         string `json:"lock_ttl"`
		*Alias
	}{
		Alias: (*Alias)(a),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	return parseDurations(map[string]durationField{
		"task_retention":   {aux.TaskRetention, &a.TaskRetention},
		"janitor_interval": {aux.JanitorInterval, &a.JanitorInterval},
		"lock_ttl":         {aux.LockTTL, &a.LockTTL},
	})
}

// MarshalJSON writes durations as strings.
func (a AppConfig) MarshalJSON() ([]byte, error) {
	type Alias AppConfig
	return json.Marshal(&struct {
		TaskRetention   string `json:"task_retention"`
		JanitorInterval string `json:"janitor_interval"`
		LockTTL         string `json:"lock_ttl"`
		*Alias
	}{
		TaskRetention:   a.TaskRetention.String(),
		JanitorInterval: a.JanitorInterval.String(),
		LockTTL:         a.LockTTL.String(),
		Alias:           (*Alias)(&a),
	})
}

func (e *ERPConfig) UnmarshalJSON(data []byte) error {
	type Alias ERPConfig
	aux := &struct {
		Timeout      string `json:"timeout"`
		RetryBackoff string `json:"retry_backoff"`
		*Alias
	}{
		Alias: (*Alias)(e),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	return parseDurations(map[string]durationField{
		"timeout":       {aux.Timeout, &e.Timeout},
		"retry_backoff": {aux.RetryBackoff, &e.RetryBackoff},
	})
}

func (e ERPConfig) MarshalJSON() ([]byte, error) {
	type Alias ERPConfig
	return json.Marshal(&struct {
		Timeout      string `json:"timeout"`
		RetryBackoff string `json:"retry_backoff"`
		*Alias
	}{
		Timeout:      e.Timeout.String(),
		RetryBackoff: e.RetryBackoff.String(),
		Alias:        (*Alias)(&e),
	})
}

type durationField struct {
	raw string
	dst *time.Duration
}

func parseDurations(fields map[string]durationField) error {
	for name, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("invalid %s format: %w", name, err)
		}
		*f.dst = d
	}
	return nil
}
