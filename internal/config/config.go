// Package config loads runtime settings from the environment.
//
// A .env file in the working directory is read first when present. Every
// field has a default so the commands run with no environment at all.
package config

import (
	"errors"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// ErrParsingConfig is returned when environment variables cannot be parsed
var ErrParsingConfig = errors.New("failed to parse environment variables into config")

// Config holds settings shared by the commands
type Config struct {
	LogLevel  string `env:"SIMULACRA_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"SIMULACRA_LOG_FORMAT" envDefault:"console"`

	CoverWidth int `env:"SIMULACRA_COVER_WIDTH" envDefault:"64"`

	// DNS delivery
	DNSListen     string        `env:"SIMULACRA_DNS_LISTEN" envDefault:":5353"`
	DNSServer     string        `env:"SIMULACRA_DNS_SERVER" envDefault:"localhost:5353"`
	Domain        string        `env:"SIMULACRA_DOMAIN" envDefault:"covert.example.com"`
	StateFile     string        `env:"SIMULACRA_STATE_FILE"`
	CleanInterval time.Duration `env:"SIMULACRA_CLEAN_INTERVAL" envDefault:"1h"`
	FetchWorkers  int           `env:"SIMULACRA_FETCH_WORKERS" envDefault:"4"`
	QueryTimeout  time.Duration `env:"SIMULACRA_QUERY_TIMEOUT" envDefault:"5s"`
	MaxRetries    int           `env:"SIMULACRA_MAX_RETRIES" envDefault:"3"`
}

var dotenvOnce sync.Once

// Load reads .env (if any) and parses the environment into a Config
func Load() (Config, error) {
	dotenvOnce.Do(func() {
		// Ignore errors - the .env file might not exist and that's ok
		_ = godotenv.Load()
	})

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, errors.Join(ErrParsingConfig, err)
	}
	return cfg, nil
}
