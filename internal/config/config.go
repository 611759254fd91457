// Package config resolves the bridge configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultBrokerHost   = "127.0.0.1"
	defaultBrokerPort   = 1883
	defaultPollInterval = 5 * time.Second
	defaultDevicesFile  = "devices.json"
	defaultScanFile     = "local_scan.json"
)

// Config carries everything the bridge needs from the environment.
type Config struct {
	// Tuya cloud credentials. All three are required for ONLINE operation.
	APIKey    string
	APISecret string
	APIRegion string

	// MQTT broker connection.
	BrokerHost string
	BrokerPort int
	Username   string
	Password   string

	// Persisted state.
	DevicesFile    string
	ScanFile       string
	ExtensionsFile string

	PollInterval time.Duration
}

// FromEnv loads .env (if present) and resolves the configuration.
func FromEnv() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		APIKey:         os.Getenv("TUYA_API_KEY"),
		APISecret:      os.Getenv("TUYA_API_SECRET"),
		APIRegion:      os.Getenv("TUYA_API_REGION"),
		BrokerHost:     envOr("MQTT_BROKER_HOST", defaultBrokerHost),
		Username:       os.Getenv("MQTT_USERNAME"),
		Password:       os.Getenv("MQTT_PASSWORD"),
		DevicesFile:    envOr("TUYA2MQTT_DEV_CONF_FILE", defaultDevicesFile),
		ScanFile:       envOr("TUYA2MQTT_LOCAL_SCAN_FILE", defaultScanFile),
		ExtensionsFile: os.Getenv("TUYA2MQTT_EXTANSIONS_SETTINGS_FILE"),
		BrokerPort:     defaultBrokerPort,
		PollInterval:   defaultPollInterval,
	}

	if v := os.Getenv("MQTT_BROKER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid MQTT_BROKER_PORT %q: %w", v, err)
		}
		cfg.BrokerPort = port
	}

	if v := os.Getenv("TUYA2MQTT_POLL_INTERVAL"); v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TUYA2MQTT_POLL_INTERVAL %q: %w", v, err)
		}
		cfg.PollInterval = time.Duration(secs * float64(time.Second))
	}

	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	if c.BrokerHost == "" {
		return errors.New("mqtt broker host is required")
	}
	if c.BrokerPort <= 0 || c.BrokerPort > 65535 {
		return fmt.Errorf("mqtt broker port %d out of range", c.BrokerPort)
	}
	if c.PollInterval <= 0 {
		return errors.New("poll interval must be greater than 0")
	}
	if c.DevicesFile == "" || c.ScanFile == "" {
		return errors.New("devices and scan file paths are required")
	}
	return nil
}

// HasCloudCredentials reports whether all three cloud credentials are set.
// Missing credentials are fatal at startup.
func (c *Config) HasCloudCredentials() bool {
	return c.APIKey != "" && c.APISecret != "" && c.APIRegion != ""
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
