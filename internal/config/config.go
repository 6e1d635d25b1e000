// Package config loads run settings from an optional dotenv file and the
// process environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"espacios/internal/normalize"
	"espacios/internal/storage"
)

// Config holds every setting of a run. Keys are the upper-case variable
// names, e.g. URL_MUSEOS or DEFAULT_SQL_PATH.
type Config struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"min=1,max=65535"`
	Database string `mapstructure:"database" validate:"required"`

	URLMuseos      string `mapstructure:"url_museos" validate:"required"`
	URLCines       string `mapstructure:"url_cines" validate:"required"`
	URLBibliotecas string `mapstructure:"url_bibliotecas" validate:"required"`

	DataPath string `mapstructure:"default_data_path" validate:"required"`
	SQLPath  string `mapstructure:"default_sql_path" validate:"required"`
	LogPath  string `mapstructure:"default_log_path" validate:"required"`

	StorageKind string `mapstructure:"storage_kind" validate:"oneof=postgres sqlite sqlserver"`
	DSN         string `mapstructure:"dsn"`

	LogLevel             string        `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	HTTPTimeout          time.Duration `mapstructure:"http_timeout" validate:"gt=0"`
	RepresentativePolicy string        `mapstructure:"representative_policy" validate:"oneof=max first"`

	MetricsBackend string `mapstructure:"metrics_backend" validate:"oneof=none datadog pushgateway"`
	PushgatewayURL string `mapstructure:"pushgateway_url" validate:"omitempty,url"`
	MetricsTags    string `mapstructure:"metrics_tags"`

	Schedule string `mapstructure:"schedule"`
}

// ValidationError lists every setting that failed validation.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "config: invalid settings: " + strings.Join(e.Fields, ", ")
}

// Load reads envFile (dotenv syntax) when present, overlays the environment
// and validates the result. A missing envFile is not an error.
func Load(envFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Database
	v.SetDefault("user", "postgres")
	v.SetDefault("password", "admin")
	v.SetDefault("host", "localhost")
	v.SetDefault("port", 5432)
	v.SetDefault("database", "postgres")
	v.SetDefault("storage_kind", "postgres")
	v.SetDefault("dsn", "")

	// Sources have no defaults but must be known keys for env lookup.
	v.SetDefault("url_museos", "")
	v.SetDefault("url_cines", "")
	v.SetDefault("url_bibliotecas", "")

	// Paths
	v.SetDefault("default_data_path", "data")
	v.SetDefault("default_sql_path", "tables.sql")
	v.SetDefault("default_log_path", "db.log")

	// Run behavior
	v.SetDefault("log_level", "info")
	v.SetDefault("http_timeout", "60s")
	v.SetDefault("representative_policy", "max")
	v.SetDefault("schedule", "")

	// Metrics
	v.SetDefault("metrics_backend", "none")
	v.SetDefault("pushgateway_url", "http://localhost:9091")
	v.SetDefault("metrics_tags", "")
}

var validate = validator.New()

// Validate checks field constraints and reports all failures at once, named
// by their setting keys.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", settingKey(fe.StructField()), fe.Tag()))
	}
	return &ValidationError{Fields: fields}
}

var fieldKeys = map[string]string{
	"URLMuseos":            "URL_MUSEOS",
	"URLCines":             "URL_CINES",
	"URLBibliotecas":       "URL_BIBLIOTECAS",
	"DataPath":             "DEFAULT_DATA_PATH",
	"SQLPath":              "DEFAULT_SQL_PATH",
	"LogPath":              "DEFAULT_LOG_PATH",
	"StorageKind":          "STORAGE_KIND",
	"LogLevel":             "LOG_LEVEL",
	"HTTPTimeout":          "HTTP_TIMEOUT",
	"RepresentativePolicy": "REPRESENTATIVE_POLICY",
	"MetricsBackend":       "METRICS_BACKEND",
	"PushgatewayURL":       "PUSHGATEWAY_URL",
}

func settingKey(field string) string {
	if k, ok := fieldKeys[field]; ok {
		return k
	}
	return strings.ToUpper(field)
}

// Sources returns the source URLs keyed by source.
func (c *Config) Sources() map[normalize.Source]string {
	return map[normalize.Source]string{
		normalize.Museums:   c.URLMuseos,
		normalize.Cinemas:   c.URLCines,
		normalize.Libraries: c.URLBibliotecas,
	}
}

// Storage builds the executor configuration. When DSN is empty one is
// derived from the connection settings for the selected kind; AdminDSN points
// at the server's maintenance database, used to create Database.
func (c *Config) Storage() storage.Config {
	sc := storage.Config{
		Kind:     c.StorageKind,
		DSN:      c.DSN,
		Database: c.Database,
		User:     c.User,
	}
	switch c.StorageKind {
	case "postgres":
		if sc.DSN == "" {
			sc.DSN = c.postgresDSN(c.Database)
		}
		sc.AdminDSN = c.postgresDSN("postgres")
	case "sqlserver":
		if sc.DSN == "" {
			sc.DSN = c.sqlserverDSN(c.Database)
		}
		sc.AdminDSN = c.sqlserverDSN("master")
	case "sqlite":
		if sc.DSN == "" {
			sc.DSN = "file:" + c.Database + ".db?_pragma=foreign_keys(1)"
		}
	}
	return sc
}

func (c *Config) postgresDSN(db string) string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     c.Host + ":" + strconv.Itoa(c.Port),
		Path:     "/" + db,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

func (c *Config) sqlserverDSN(db string) string {
	q := url.Values{}
	q.Set("database", db)
	u := url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(c.User, c.Password),
		Host:     c.Host + ":" + strconv.Itoa(c.Port),
		RawQuery: q.Encode(),
	}
	return u.String()
}

// Redacted returns dsn with any password replaced, for logging.
func Redacted(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	return u.Redacted()
}
