// Package config loads the settings of the dioctl tool. Values are layered:
// defaults, then a YAML file, then DIO_* environment variables, then flags.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/gsautter/goldengate-server-docs-sub000/pkg/codec"
	"github.com/gsautter/goldengate-server-docs-sub000/pkg/constants"
	"github.com/gsautter/goldengate-server-docs-sub000/pkg/logger"
)

const envPrefix = "DIO_"

// Transports
const (
	TransportTCP       = "tcp"
	TransportWebSocket = "ws"
)

type Config struct {
	// Server is the DIO server URL, tcp://host:port or ws://host:port.
	Server    string `yaml:"server"`
	Transport string `yaml:"transport"`
	Session   string `yaml:"session"`
	User      string `yaml:"user"`

	// CacheDir is the local cache root. Empty disables the cache.
	CacheDir     string        `yaml:"cache_dir"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogFile   string `yaml:"log_file"`

	// ContentFormat is the codec of cached document content, json or cbor.
	ContentFormat string `yaml:"content_format"`
	// ListFormat is the document list format the server speaks, csv or xml.
	ListFormat string `yaml:"list_format"`
}

func Default() *Config {
	cacheDir := ""
	if dir, err := os.UserCacheDir(); err == nil {
		cacheDir = filepath.Join(dir, "dioctl")
	}
	return &Config{
		Server:        "tcp://localhost:8015",
		CacheDir:      cacheDir,
		ReadTimeout:   constants.DefaultReadTimeout,
		PollInterval:  constants.DefaultPollInterval,
		DialTimeout:   constants.DefaultDialTimeout,
		LogLevel:      "info",
		LogFormat:     "text",
		ContentFormat: "json",
		ListFormat:    "csv",
	}
}

// Load builds a configuration from the defaults, the YAML file at path if
// set, and the environment. A .env file in the working directory is read into
// the environment first. The result is not validated, so flags can still be
// applied on top.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("reading .env: %w", err)
	}
	c := Default()
	if path != "" {
		if err := c.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := c.LoadEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadFile overlays the fields present in a YAML file.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// LoadEnv overlays the DIO_* variables found by lookup.
func (c *Config) LoadEnv(lookup func(key string) (string, bool)) error {
	strs := map[string]*string{
		"SERVER":         &c.Server,
		"TRANSPORT":      &c.Transport,
		"SESSION":        &c.Session,
		"USER":           &c.User,
		"CACHE_DIR":      &c.CacheDir,
		"LOG_LEVEL":      &c.LogLevel,
		"LOG_FORMAT":     &c.LogFormat,
		"LOG_FILE":       &c.LogFile,
		"CONTENT_FORMAT": &c.ContentFormat,
		"LIST_FORMAT":    &c.ListFormat,
	}
	for key, field := range strs {
		if v, ok := lookup(envPrefix + key); ok {
			*field = v
		}
	}

	durations := map[string]*time.Duration{
		"READ_TIMEOUT":  &c.ReadTimeout,
		"POLL_INTERVAL": &c.PollInterval,
		"DIAL_TIMEOUT":  &c.DialTimeout,
	}
	for key, field := range durations {
		v, ok := lookup(envPrefix + key)
		if !ok || v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, key, err)
		}
		*field = d
	}
	return nil
}

var errBadServerURL = validation.NewError("validation_server_url", "must be a tcp:// or ws:// URL with a host")

func serverURL(value any) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return errBadServerURL
	}
	switch u.Scheme {
	case TransportTCP, TransportWebSocket, "wss":
		return nil
	}
	return errBadServerURL
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server, validation.Required, validation.By(serverURL)),
		validation.Field(&c.Transport, validation.In(TransportTCP, TransportWebSocket)),
		validation.Field(&c.ReadTimeout, validation.Min(time.Duration(0))),
		validation.Field(&c.PollInterval, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.DialTimeout, validation.Min(time.Duration(0))),
		validation.Field(&c.LogLevel, validation.In("debug", "info", "warn", "error")),
		validation.Field(&c.LogFormat, validation.In("text", "json")),
		validation.Field(&c.ContentFormat, validation.In("json", "cbor")),
		validation.Field(&c.ListFormat, validation.In("csv", "xml")),
	)
}

// ServerURL parses Server. An explicit Transport overrides the URL scheme.
func (c *Config) ServerURL() (*url.URL, error) {
	u, err := url.Parse(c.Server)
	if err != nil {
		return nil, err
	}
	if c.Transport != "" && !(c.Transport == TransportWebSocket && u.Scheme == "wss") {
		u.Scheme = c.Transport
	}
	return u, nil
}

func (c *Config) DocumentCodec() codec.DocumentCodec {
	if strings.EqualFold(c.ContentFormat, "cbor") {
		return codec.CBOR{}
	}
	return codec.JSON{}
}

func (c *Config) ListCodec() codec.ListCodec {
	if strings.EqualFold(c.ListFormat, "xml") {
		return codec.XMLList{}
	}
	return codec.CSVList{}
}

// Logger builds the configured logger. The returned file, if any, is the log
// file to close on exit.
func (c *Config) Logger() (logger.Logger, *os.File, error) {
	if c.LogFormat == "json" {
		build := logger.NewBuild().WithLevel(c.LogLevel)
		if c.LogFile != "" {
			build = build.FromPath(c.LogFile)
		}
		l, file, err := build.Make()
		if err != nil {
			return nil, nil, err
		}
		return l, file, nil
	}

	var file *os.File
	w := os.Stderr
	if c.LogFile != "" {
		f, err := os.OpenFile(c.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o664)
		if err != nil {
			return nil, nil, err
		}
		file, w = f, f
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	return logger.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), file, nil
}
