package main

import (
	"fmt"
	"os"
	"time"

	"github.com/nanocoin/offline/control"
	"github.com/nanocoin/offline/router"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const envPrefix = "NANOCOIN_SW_"

type Config struct {
	// URL of the game server.
	Origin string `yaml:"origin" env:"ORIGIN"`
	// Hostname of the origin, if the origin URL is just an IP address.
	Host string `yaml:"host" env:"HOST"`
	// Public URL of the game. Defaults to the origin.
	Scope           string                      `yaml:"scope" env:"SCOPE"`
	Port            int                         `yaml:"port" env:"PORT"`
	DB              string                      `yaml:"db" env:"DB"`
	Namespace       string                      `yaml:"namespace" env:"NAMESPACE"`
	Version         string                      `yaml:"version" env:"VERSION"`
	Precache        []string                    `yaml:"precache" env:"PRECACHE" envSeparator:","`
	Rules           router.Rules                `yaml:"rules"`
	Notification    control.NotificationOptions `yaml:"notification"`
	HoldWaiting     bool                        `yaml:"holdWaiting" env:"HOLD_WAITING"`
	InstallAttempts uint                        `yaml:"installAttempts" env:"INSTALL_ATTEMPTS"`
	Timeout         time.Duration               `yaml:"timeout" env:"TIMEOUT"`
}

func defaultConfig() Config {
	return Config{
		Port:      8080,
		DB:        "cache.db",
		Namespace: "nanocoin-",
		Version:   "1",
		Precache: []string{
			"/",
			"/static/game/css/animations.css",
			"/static/game/js/api.js",
		},
		Rules:           router.DefaultRules(),
		Notification:    control.DefaultNotificationOptions(),
		InstallAttempts: 5,
		Timeout:         30 * time.Second,
	}
}

// getConfig layers the defaults, the YAML file (if any) and the environment, in that order.
func getConfig(filename string, environ map[string]string) (Config, error) {
	config := defaultConfig()
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, err
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, fmt.Errorf("parse %s: %w", filename, err)
		}
	}
	if err := env.ParseWithOptions(&config, env.Options{
		Prefix:      envPrefix,
		Environment: environ,
	}); err != nil {
		return config, fmt.Errorf("parse env: %w", err)
	}
	if err := config.Rules.Validate(); err != nil {
		return config, err
	}
	return config, nil
}
