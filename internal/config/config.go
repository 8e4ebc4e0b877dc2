package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"bpmncollab/internal/session"
)

type Config struct {
	Port            string   `yaml:"port"`
	WSPath          string   `yaml:"ws_path"`
	RedisAddr       string   `yaml:"redis_addr"`
	PresenceChannel string   `yaml:"presence_channel"`
	SendQueueSize   int      `yaml:"send_queue_size"`
	MaxMessageBytes int64    `yaml:"max_message_bytes"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	LogLevel        string   `yaml:"log_level"`

	// InitialDocumentFile replaces the built-in starting diagram when set.
	InitialDocumentFile string `yaml:"initial_document_file"`

	StrictElementLocks              bool `yaml:"strict_element_locks"`
	ReleaseElementLocksOnDisconnect bool `yaml:"release_element_locks_on_disconnect"`
}

func Default() Config {
	return Config{
		Port:            "8001",
		WSPath:          "/ws",
		PresenceChannel: "collab:presence",
		SendQueueSize:   256,
		MaxMessageBytes: 4 << 20,
		AllowedOrigins:  []string{"*"},
		LogLevel:        "info",
	}
}

// Load builds the configuration from defaults, the YAML file named by
// CONFIG_FILE (if any), and finally environment variables.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.mergeEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) mergeEnv() error {
	setString(&c.Port, "PORT")
	setString(&c.WSPath, "WS_PATH")
	setString(&c.RedisAddr, "REDIS_ADDR")
	setString(&c.PresenceChannel, "PRESENCE_CHANNEL")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.InitialDocumentFile, "INITIAL_DOCUMENT_FILE")

	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		c.AllowedOrigins = origins
	}
	if v := os.Getenv("SEND_QUEUE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SEND_QUEUE_SIZE: %w", err)
		}
		c.SendQueueSize = n
	}
	if v := os.Getenv("MAX_MESSAGE_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("MAX_MESSAGE_BYTES: %w", err)
		}
		c.MaxMessageBytes = n
	}
	if err := setBool(&c.StrictElementLocks, "STRICT_ELEMENT_LOCKS"); err != nil {
		return err
	}
	return setBool(&c.ReleaseElementLocksOnDisconnect, "RELEASE_ELEMENT_LOCKS_ON_DISCONNECT")
}

func (c Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("port must not be empty"))
	}
	if !strings.HasPrefix(c.WSPath, "/") {
		errs = append(errs, fmt.Errorf("ws_path %q must start with /", c.WSPath))
	}
	if c.SendQueueSize < session.MinSendQueueSize {
		errs = append(errs, fmt.Errorf("send_queue_size must be at least %d, got %d", session.MinSendQueueSize, c.SendQueueSize))
	}
	if c.MaxMessageBytes <= 0 {
		errs = append(errs, fmt.Errorf("max_message_bytes must be positive, got %d", c.MaxMessageBytes))
	}
	if c.RedisAddr != "" && c.PresenceChannel == "" {
		errs = append(errs, errors.New("presence_channel is required when redis_addr is set"))
	}
	return errors.Join(errs...)
}

// Addr is the listen address for the HTTP server.
func (c Config) Addr() string { return ":" + c.Port }

// InitialDocument returns the contents of InitialDocumentFile, or fallback
// when no file is configured.
func (c Config) InitialDocument(fallback string) (string, error) {
	if c.InitialDocumentFile == "" {
		return fallback, nil
	}
	data, err := os.ReadFile(c.InitialDocumentFile)
	if err != nil {
		return "", fmt.Errorf("read initial document: %w", err)
	}
	return string(data), nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}
