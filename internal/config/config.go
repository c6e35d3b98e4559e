// Package config assembles the connector configuration from defaults, a
// config file, command-line flags and environment variables.
package config

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/tidwall/jsonc"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/Schera-ole/cloudconnector/internal/connection"
	internalerrors "github.com/Schera-ole/cloudconnector/internal/errors"
)

const (
	DefaultConfigFile     = "config.json"
	DefaultServerURI      = "tcp://demo-jamaicaedg.aicas.com:1883"
	DefaultDeviceName     = "Tristan-CloudConnector-Demo-Device"
	DefaultTrace          = "automotive-trace.json"
	DefaultTopic          = "v1/devices/me/telemetry"
	DefaultFrequency      = 1.0
	DefaultStatusAddr     = "localhost:8080"
	DefaultLogLevel       = "info"
	DefaultSampleInterval = 10 * time.Second
)

//go:embed config.json
var embedded embed.FS

// Duration is a time.Duration written as a string such as "10s".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := time.ParseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Device is one simulated device replaying a trace.
type Device struct {
	Name      string  `json:"name" yaml:"name"`
	Token     string  `json:"token" yaml:"token"`
	Trace     string  `json:"trace" yaml:"trace"`
	Frequency float64 `json:"frequency" yaml:"frequency"`
	TopN      int     `json:"topN" yaml:"topN"`
	Topic     string  `json:"topic,omitempty" yaml:"topic"`

	// Delay is the pause between publishes in milliseconds. It only applies
	// when Frequency is not set.
	Delay int64 `json:"delay,omitempty" yaml:"delay"`
}

// Config is the complete connector configuration.
type Config struct {
	ServerURI          string   `json:"edg.server.uri" yaml:"edg.server.uri"`
	TrustStorePath     string   `json:"truststore.path" yaml:"truststore.path"`
	TrustStorePassword string   `json:"truststore.password" yaml:"truststore.password"`
	LogLevel           string   `json:"log.level" yaml:"log.level"`
	StatusAddr         string   `json:"status.addr" yaml:"status.addr"`
	AuditFile          string   `json:"audit.file" yaml:"audit.file"`
	AuditURL           string   `json:"audit.url" yaml:"audit.url"`
	DatabaseDSN        string   `json:"database.dsn" yaml:"database.dsn"`
	SampleInterval     Duration `json:"sample.interval" yaml:"sample.interval"`
	Devices            []Device `json:"devices" yaml:"devices"`

	// LegacyDevices accepts the older "deviceConfigs" key.
	LegacyDevices []Device `json:"deviceConfigs,omitempty" yaml:"deviceConfigs"`

	ConfigPath  string `json:"-" yaml:"-"`
	ShowVersion bool   `json:"-" yaml:"-"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ServerURI:      DefaultServerURI,
		LogLevel:       DefaultLogLevel,
		StatusAddr:     DefaultStatusAddr,
		SampleInterval: Duration(DefaultSampleInterval),
		ConfigPath:     DefaultConfigFile,
	}
}

// TrustStore returns the trust store parameters, or nil when TLS trust
// material is not configured.
func (c *Config) TrustStore() *connection.TrustStore {
	if c.TrustStorePath == "" {
		return nil
	}
	return &connection.TrustStore{Path: c.TrustStorePath, Password: c.TrustStorePassword}
}

type flagValues struct {
	configPath         string
	server             string
	device             string
	token              string
	trace              string
	frequency          float64
	topN               int
	topic              string
	trustStore         string
	trustStorePassword string
	statusAddr         string
	logLevel           string
	auditFile          string
	auditURL           string
	databaseDSN        string
	sampleInterval     time.Duration
	version            bool
}

func newFlagSet(v *flagValues) *pflag.FlagSet {
	fs := pflag.NewFlagSet("connector", pflag.ContinueOnError)
	// errors and usage are reported by the caller
	fs.SetOutput(io.Discard)
	fs.StringVarP(&v.configPath, "config", "c", DefaultConfigFile, "configuration file (JSON with comments or YAML)")
	fs.StringVarP(&v.server, "server", "s", DefaultServerURI, "MQTT broker URI, tcp://host:port or ssl://host:port")
	fs.StringVarP(&v.device, "device", "d", DefaultDeviceName, "device name registered on the broker; replaces the configured device list")
	fs.StringVarP(&v.token, "token", "t", "", "device access token")
	fs.StringVar(&v.trace, "trace", DefaultTrace, "trace file, local path or bundled name")
	fs.Float64VarP(&v.frequency, "frequency", "f", DefaultFrequency, "publish frequency in Hz")
	fs.IntVarP(&v.topN, "top-n", "n", 0, "publish only the first N scalar signals, 0 disables")
	fs.StringVar(&v.topic, "topic", DefaultTopic, "telemetry topic")
	fs.StringVar(&v.trustStore, "truststore", "", "PKCS#12 or PEM trust store for ssl:// brokers")
	fs.StringVar(&v.trustStorePassword, "truststore-password", "", "trust store password")
	fs.StringVar(&v.statusAddr, "status-addr", DefaultStatusAddr, "status HTTP server address, empty disables")
	fs.StringVar(&v.logLevel, "log-level", DefaultLogLevel, "log level")
	fs.StringVar(&v.auditFile, "audit-file", "", "append run events to this file")
	fs.StringVar(&v.auditURL, "audit-url", "", "POST run events to this URL")
	fs.StringVar(&v.databaseDSN, "database-dsn", "", "PostgreSQL DSN for run reports")
	fs.DurationVar(&v.sampleInterval, "sample-interval", DefaultSampleInterval, "resource sampling interval, 0 disables")
	fs.BoolVarP(&v.version, "version", "v", false, "print version and exit")
	return fs
}

// Load builds the configuration from args (without the program name) and
// the environment. It returns pflag.ErrHelp when help was requested.
func Load(args []string, getenv func(string) string) (*Config, error) {
	var fv flagValues
	flags := newFlagSet(&fv)
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, err
		}
		return nil, &internalerrors.ConfigError{Field: "flags", Reason: err.Error()}
	}

	cfg := Default()
	cfg.ConfigPath = fv.configPath
	if v := getenv("CONFIG"); v != "" {
		cfg.ConfigPath = v
	}
	if err := cfg.loadFile(cfg.ConfigPath); err != nil {
		return nil, err
	}
	cfg.ShowVersion = fv.version
	if cfg.ShowVersion {
		return cfg, nil
	}

	cfg.applyFlags(flags, &fv)
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Usage returns the flag help text.
func Usage() string {
	var fv flagValues
	return newFlagSet(&fv).FlagUsages()
}

// loadFile reads the config file from disk, falling back to the embedded
// file of the same name.
func (c *Config) loadFile(name string) error {
	data, err := os.ReadFile(name)
	if errors.Is(err, fs.ErrNotExist) {
		data, err = fs.ReadFile(embedded, path.Base(name))
	}
	if err != nil {
		return &internalerrors.LoadError{Source: name, Err: err}
	}

	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	default:
		err = json.Unmarshal(jsonc.ToJSON(data), c)
	}
	if err != nil {
		return &internalerrors.LoadError{Source: name, Err: err}
	}
	if len(c.Devices) == 0 && len(c.LegacyDevices) > 0 {
		c.Devices = c.LegacyDevices
	}
	c.LegacyDevices = nil
	return nil
}

func (c *Config) applyFlags(flags *pflag.FlagSet, fv *flagValues) {
	str := map[string]*string{
		"server":              &c.ServerURI,
		"truststore":          &c.TrustStorePath,
		"truststore-password": &c.TrustStorePassword,
		"status-addr":         &c.StatusAddr,
		"log-level":           &c.LogLevel,
		"audit-file":          &c.AuditFile,
		"audit-url":           &c.AuditURL,
		"database-dsn":        &c.DatabaseDSN,
	}
	src := map[string]string{
		"server":              fv.server,
		"truststore":          fv.trustStore,
		"truststore-password": fv.trustStorePassword,
		"status-addr":         fv.statusAddr,
		"log-level":           fv.logLevel,
		"audit-file":          fv.auditFile,
		"audit-url":           fv.auditURL,
		"database-dsn":        fv.databaseDSN,
	}
	for name, dst := range str {
		if flags.Changed(name) {
			*dst = src[name]
		}
	}
	if flags.Changed("sample-interval") {
		c.SampleInterval = Duration(fv.sampleInterval)
	}

	if flags.Changed("device") || len(c.Devices) == 0 {
		c.Devices = []Device{{Name: fv.device}}
	}
	for i := range c.Devices {
		d := &c.Devices[i]
		if flags.Changed("token") {
			d.Token = fv.token
		}
		if flags.Changed("trace") {
			d.Trace = fv.trace
		}
		if flags.Changed("frequency") {
			d.Frequency = fv.frequency
			d.Delay = 0
		}
		if flags.Changed("top-n") {
			d.TopN = fv.topN
		}
		if flags.Changed("topic") {
			d.Topic = fv.topic
		}
	}
}

func (c *Config) applyEnv(getenv func(string) string) error {
	envStr := map[string]*string{
		"EDG_SERVER_URI":          &c.ServerURI,
		"EDG_TRUSTSTORE_PATH":     &c.TrustStorePath,
		"EDG_TRUSTSTORE_PASSWORD": &c.TrustStorePassword,
		"STATUS_ADDRESS":          &c.StatusAddr,
		"LOG_LEVEL":               &c.LogLevel,
		"AUDIT_FILE":              &c.AuditFile,
		"AUDIT_URL":               &c.AuditURL,
		"DATABASE_DSN":            &c.DatabaseDSN,
	}
	for name, dst := range envStr {
		if v := getenv(name); v != "" {
			*dst = v
		}
	}

	if v := getenv("SAMPLE_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return &internalerrors.ConfigError{Field: "SAMPLE_INTERVAL", Reason: err.Error()}
		}
		c.SampleInterval = Duration(d)
	}

	if v := getenv("EDG_DEVICE_NAME"); v != "" {
		c.Devices = []Device{{Name: v}}
	}

	var (
		frequency float64
		topN      int
		err       error
	)
	freqEnv, topNEnv := getenv("EDG_FREQUENCY"), getenv("EDG_TOP_N")
	if freqEnv != "" {
		if frequency, err = strconv.ParseFloat(freqEnv, 64); err != nil {
			return &internalerrors.ConfigError{Field: "EDG_FREQUENCY", Reason: fmt.Sprintf("invalid number %q", freqEnv)}
		}
	}
	if topNEnv != "" {
		if topN, err = strconv.Atoi(topNEnv); err != nil {
			return &internalerrors.ConfigError{Field: "EDG_TOP_N", Reason: fmt.Sprintf("invalid integer %q", topNEnv)}
		}
	}

	for i := range c.Devices {
		d := &c.Devices[i]
		if v := getenv("EDG_DEVICE_TOKEN"); v != "" {
			d.Token = v
		}
		if v := getenv("EDG_TRACE"); v != "" {
			d.Trace = v
		}
		if freqEnv != "" {
			d.Frequency = frequency
			d.Delay = 0
		}
		if topNEnv != "" {
			d.TopN = topN
		}
	}
	return nil
}

func (c *Config) fillDefaults() {
	for i := range c.Devices {
		d := &c.Devices[i]
		if d.Trace == "" {
			d.Trace = DefaultTrace
		}
		if d.Topic == "" {
			d.Topic = DefaultTopic
		}
		if d.Frequency == 0 {
			if d.Delay > 0 {
				d.Frequency = 1000 / float64(d.Delay)
			} else {
				d.Frequency = DefaultFrequency
			}
		}
	}
}

// Validate checks every field the connector depends on.
func (c *Config) Validate() error {
	if err := validateServerURI(c.ServerURI); err != nil {
		return err
	}
	if (c.TrustStorePath == "") != (c.TrustStorePassword == "") {
		return &internalerrors.ConfigError{Field: "truststore", Reason: "path and password must be set together"}
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return &internalerrors.ConfigError{Field: "log.level", Reason: err.Error()}
	}
	if c.SampleInterval < 0 {
		return &internalerrors.ConfigError{Field: "sample.interval", Reason: "must not be negative"}
	}
	if c.AuditURL != "" {
		if u, err := url.Parse(c.AuditURL); err != nil || u.Scheme == "" || u.Host == "" {
			return &internalerrors.ConfigError{Field: "audit.url", Reason: fmt.Sprintf("invalid URL %q", c.AuditURL)}
		}
	}
	if len(c.Devices) == 0 {
		return &internalerrors.ConfigError{Field: "devices", Reason: "at least one device is required"}
	}

	anonymous := connection.IsAnonymousEndpoint(c.ServerURI)
	seen := make(map[string]struct{}, len(c.Devices))
	for i, d := range c.Devices {
		field := fmt.Sprintf("devices[%d]", i)
		if d.Name == "" {
			return &internalerrors.ConfigError{Field: field + ".name", Reason: "must not be empty"}
		}
		if _, dup := seen[d.Name]; dup {
			return &internalerrors.ConfigError{Field: field + ".name", Reason: fmt.Sprintf("duplicate device %q", d.Name)}
		}
		seen[d.Name] = struct{}{}

		if !(d.Frequency > 0) || math.IsInf(d.Frequency, 0) {
			return &internalerrors.ConfigError{Field: field + ".frequency", Reason: fmt.Sprintf("must be positive, got %v", d.Frequency)}
		}
		if math.Round(1000/d.Frequency) < 1 {
			return &internalerrors.ConfigError{Field: field + ".frequency", Reason: fmt.Sprintf("%v Hz is above the 2000 Hz limit", d.Frequency)}
		}
		if d.TopN < 0 {
			return &internalerrors.ConfigError{Field: field + ".topN", Reason: "must not be negative"}
		}
		if d.Token == "" && !anonymous {
			return &internalerrors.ConfigError{Field: field + ".token", Reason: "required unless the broker is a public anonymous endpoint"}
		}
	}
	return nil
}

func validateServerURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return &internalerrors.ConfigError{Field: "edg.server.uri", Reason: err.Error()}
	}
	if u.Scheme != "tcp" && u.Scheme != "ssl" {
		return &internalerrors.ConfigError{Field: "edg.server.uri", Reason: fmt.Sprintf("scheme must be tcp or ssl, got %q", u.Scheme)}
	}
	if u.Hostname() == "" {
		return &internalerrors.ConfigError{Field: "edg.server.uri", Reason: "missing host"}
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil || port <= 0 || port > 65535 {
		return &internalerrors.ConfigError{Field: "edg.server.uri", Reason: fmt.Sprintf("missing or invalid port in %q", raw)}
	}
	return nil
}
