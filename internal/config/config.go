// Package config содержит логику чтения конфигурации сервиса записи на приём.
package config

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	defaultRunAddress  = "localhost:8080"
	defaultDataFile    = "members_data.json"
	defaultBaseURL     = "https://ac-controle.anem.dz/AllocationChomage/api"
	defaultSiteURL     = "https://ac-controle.anem.dz/"
	defaultCertDir     = "certificates"
	defaultLogLevel    = "info"
	defaultUpstreamRPS = 1
)

// ErrInvalidSettings возвращается при недопустимых настройках мониторинга.
var ErrInvalidSettings = errors.New("invalid settings")

// Settings содержит настройки, которые можно менять во время работы.
type Settings struct {
	MinMemberDelay      time.Duration `env:"MIN_MEMBER_DELAY" envDefault:"30s"`
	MaxMemberDelay      time.Duration `env:"MAX_MEMBER_DELAY" envDefault:"60s"`
	MonitoringInterval  time.Duration `env:"MONITORING_INTERVAL" envDefault:"1m"`
	Backoff429          time.Duration `env:"BACKOFF_429" envDefault:"60s"`
	BackoffGeneral      time.Duration `env:"BACKOFF_GENERAL" envDefault:"5s"`
	RequestTimeout      time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
	UpstreamRPS         float64       `env:"UPSTREAM_RPS" envDefault:"1"`
	OutageThreshold     int           `env:"OUTAGE_THRESHOLD" envDefault:"3"`
	OutageProbeInterval time.Duration `env:"OUTAGE_PROBE_INTERVAL" envDefault:"60s"`
}

// DefaultSettings возвращает настройки по умолчанию.
func DefaultSettings() Settings {
	return Settings{
		MinMemberDelay:      30 * time.Second,
		MaxMemberDelay:      60 * time.Second,
		MonitoringInterval:  time.Minute,
		Backoff429:          60 * time.Second,
		BackoffGeneral:      5 * time.Second,
		RequestTimeout:      30 * time.Second,
		UpstreamRPS:         defaultUpstreamRPS,
		OutageThreshold:     3,
		OutageProbeInterval: 60 * time.Second,
	}
}

// Validate проверяет, что все интервалы положительны и минимальная задержка не больше максимальной.
func (s Settings) Validate() error {
	positive := []struct {
		name  string
		value time.Duration
	}{
		{"min member delay", s.MinMemberDelay},
		{"max member delay", s.MaxMemberDelay},
		{"monitoring interval", s.MonitoringInterval},
		{"rate limit backoff", s.Backoff429},
		{"general backoff", s.BackoffGeneral},
		{"request timeout", s.RequestTimeout},
		{"outage probe interval", s.OutageProbeInterval},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidSettings, p.name)
		}
	}
	if s.MinMemberDelay > s.MaxMemberDelay {
		return fmt.Errorf("%w: min member delay %s exceeds max member delay %s", ErrInvalidSettings, s.MinMemberDelay, s.MaxMemberDelay)
	}
	if s.UpstreamRPS < 0 {
		return fmt.Errorf("%w: upstream rps must not be negative", ErrInvalidSettings)
	}
	if s.OutageThreshold <= 0 {
		return fmt.Errorf("%w: outage threshold must be positive", ErrInvalidSettings)
	}
	return nil
}

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress      string `env:"RUN_ADDRESS"`
	DatabaseURI     string `env:"DATABASE_URI"`
	DataFile        string `env:"DATA_FILE"`
	UpstreamBaseURL string `env:"UPSTREAM_BASE_URL"`
	UpstreamSiteURL string `env:"UPSTREAM_SITE_URL"`
	CertificatesDir string `env:"CERTIFICATES_DIR"`
	APIToken        string `env:"API_TOKEN"`
	LogLevel        string `env:"LOG_LEVEL"`
	Autostart       bool   `env:"AUTOSTART" envDefault:"false"`

	Settings Settings
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	fromEnv := *cfg

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.DataFile, "f", defaultDataFile, "members data file")
	flag.StringVar(&cfg.UpstreamBaseURL, "u", defaultBaseURL, "upstream API base URL")
	flag.StringVar(&cfg.UpstreamSiteURL, "s", defaultSiteURL, "upstream site URL")
	flag.StringVar(&cfg.CertificatesDir, "c", defaultCertDir, "certificates directory")
	flag.StringVar(&cfg.APIToken, "t", "", "control API bearer token")
	flag.StringVar(&cfg.LogLevel, "l", defaultLogLevel, "log level")

	flag.Parse()

	override(&cfg.RunAddress, fromEnv.RunAddress)
	override(&cfg.DatabaseURI, fromEnv.DatabaseURI)
	override(&cfg.DataFile, fromEnv.DataFile)
	override(&cfg.UpstreamBaseURL, fromEnv.UpstreamBaseURL)
	override(&cfg.UpstreamSiteURL, fromEnv.UpstreamSiteURL)
	override(&cfg.CertificatesDir, fromEnv.CertificatesDir)
	override(&cfg.APIToken, fromEnv.APIToken)
	override(&cfg.LogLevel, fromEnv.LogLevel)

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}
	if cfg.DataFile == "" {
		cfg.DataFile = defaultDataFile
	}

	if err := cfg.Settings.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func override(dst *string, envValue string) {
	if envValue != "" {
		*dst = envValue
	}
}
