package pgjson

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	defaultHost      = "localhost"
	defaultPort      = 5432
	defaultSSLMode   = "prefer"
	defaultTimeCol   = "time"
	defaultTagCol    = "tag"
	defaultRecordCol = "record"
)

// Config describes the target table and how records are written to it.
type Config struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	SSLMode  string `yaml:"sslmode"`
	Database string `yaml:"database"`
	Table    string `yaml:"table"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`

	TimeCol   string `yaml:"time_col"`
	TagCol    string `yaml:"tag_col"`
	RecordCol string `yaml:"record_col"`

	// MsgPack selects BinaryMode for the record column.
	MsgPack bool `yaml:"msgpack"`

	// MetricPrefix is a prefix for metrics collected by the sink.
	MetricPrefix string `yaml:"metric_prefix"`

	Output OutputConfig `yaml:"buffer"`
}

// DefaultConfig returns a Config with every optional field set.
func DefaultConfig() Config {
	return Config{
		Host:         defaultHost,
		Port:         defaultPort,
		SSLMode:      defaultSSLMode,
		TimeCol:      defaultTimeCol,
		TagCol:       defaultTagCol,
		RecordCol:    defaultRecordCol,
		MetricPrefix: "pgjson",
		Output:       DefaultOutputConfig(),
	}
}

// LoadConfig reads a YAML config file on top of DefaultConfig.
// ${VAR} references are replaced with environment values before parsing.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	content := substituteEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse YAML: %w", err)
	}

	cfg.applyDefaults()
	return cfg, cfg.Validate()
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = defaultHost
	}
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.SSLMode == "" {
		c.SSLMode = defaultSSLMode
	}
	if c.TimeCol == "" {
		c.TimeCol = defaultTimeCol
	}
	if c.TagCol == "" {
		c.TagCol = defaultTagCol
	}
	if c.RecordCol == "" {
		c.RecordCol = defaultRecordCol
	}
}

// identifierRegexp accepts plain and schema-qualified SQL identifiers.
var identifierRegexp = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*(\.[A-Za-z_][A-Za-z0-9_$]*)?$`)

var validSSLModes = map[string]bool{
	"disable":     true,
	"allow":       true,
	"prefer":      true,
	"require":     true,
	"verify-ca":   true,
	"verify-full": true,
}

// Validate checks required fields and that table and column names are safe
// to interpolate into the COPY command.
func (c *Config) Validate() error {
	if c.Database == "" {
		return &ConfigError{Field: "database", Reason: "is required"}
	}
	if c.Table == "" {
		return &ConfigError{Field: "table", Reason: "is required"}
	}
	if c.Port <= 0 || c.Port > 65535 {
		return &ConfigError{Field: "port", Reason: fmt.Sprintf("%d is out of range", c.Port)}
	}
	if !validSSLModes[c.SSLMode] {
		return &ConfigError{Field: "sslmode", Reason: fmt.Sprintf("unknown mode %q", c.SSLMode)}
	}

	idents := []struct{ field, value string }{
		{"table", c.Table},
		{"tag_col", c.TagCol},
		{"time_col", c.TimeCol},
		{"record_col", c.RecordCol},
	}
	for _, id := range idents {
		if !identifierRegexp.MatchString(id.value) {
			return &ConfigError{Field: id.field, Reason: fmt.Sprintf("%q is not a valid identifier", id.value)}
		}
	}
	for _, id := range idents[1:] {
		if strings.Contains(id.value, ".") {
			return &ConfigError{Field: id.field, Reason: fmt.Sprintf("%q must not be qualified", id.value)}
		}
	}
	return nil
}

// Mode returns the record encoding selected by MsgPack.
func (c *Config) Mode() Mode {
	if c.MsgPack {
		return BinaryMode
	}
	return TextMode
}

// CopyCommand returns the single statement the sink ever issues.
//
// Names are interpolated as-is; Validate restricts them to plain identifiers.
func (c *Config) CopyCommand() string {
	return fmt.Sprintf(`COPY %s (%s, %s, %s) FROM STDIN WITH DELIMITER E'\x01'`,
		c.Table, c.TagCol, c.TimeCol, c.RecordCol)
}

// ConnString returns a postgres:// URL understood by pgconn.ParseConfig.
func (c *Config) ConnString() string {
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/" + c.Database,
	}
	switch {
	case c.User != "" && c.Password != "":
		u.User = url.UserPassword(c.User, c.Password)
	case c.User != "":
		u.User = url.User(c.User)
	}

	q := url.Values{}
	q.Set("sslmode", c.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values.
// Values are inserted as is and never expanded again.
func substituteEnvVars(content string) string {
	return os.Expand(content, os.Getenv)
}
