// Package config содержит логику чтения конфигурации сервиса голосового переводчика.
package config

import (
	"flag"
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress  string `env:"RUN_ADDRESS"`
	DatabaseURI string `env:"DATABASE_URI"`

	// BaseURL — публичный адрес сервиса; используется для notify_url и ссылок возврата.
	BaseURL string `env:"BASE_URL"`

	CryptoCloudAPIBase   string `env:"CRYPTOCLOUD_API_BASE"`
	CryptoCloudAPIKey    string `env:"CRYPTOCLOUD_API_KEY"`
	CryptoCloudShopID    string `env:"CRYPTOCLOUD_SHOP_ID"`
	CryptoCloudSecretKey string `env:"CRYPTOCLOUD_SECRET_KEY"`

	TelegramBotToken string `env:"TELEGRAM_BOT_TOKEN"`

	// InternalAPISecret защищает внутренние эндпоинты (authorize, invoices, stats).
	InternalAPISecret string `env:"INTERNAL_API_SECRET"`

	TrialLimit int `env:"TRIAL_LIMIT"`
}

// TrialMaxSecondsPerMessage — максимальная длительность одного сообщения в пробном режиме.
const TrialMaxSecondsPerMessage = 60

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envBaseURL := cfg.BaseURL
	envTrialLimit := cfg.TrialLimit

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.BaseURL, "b", "", "public base URL of the service")
	flag.IntVar(&cfg.TrialLimit, "t", 5, "free trial messages per account")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envBaseURL != "" {
		cfg.BaseURL = envBaseURL
	}
	if envTrialLimit != 0 {
		cfg.TrialLimit = envTrialLimit
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.TrialLimit <= 0 {
		cfg.TrialLimit = 5
	}
	if cfg.CryptoCloudAPIBase == "" {
		cfg.CryptoCloudAPIBase = "https://api.cryptocloud.plus"
	}
	cfg.CryptoCloudAPIBase = strings.TrimRight(cfg.CryptoCloudAPIBase, "/")
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return cfg, nil
}

// ValidateCryptoCloud проверяет наличие обязательных реквизитов платёжного провайдера.
// Возвращает список отсутствующих переменных окружения.
func (c *Config) ValidateCryptoCloud() []string {
	var missing []string
	if c.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}
	if c.CryptoCloudAPIKey == "" {
		missing = append(missing, "CRYPTOCLOUD_API_KEY")
	}
	if c.CryptoCloudShopID == "" {
		missing = append(missing, "CRYPTOCLOUD_SHOP_ID")
	}
	if c.CryptoCloudSecretKey == "" {
		missing = append(missing, "CRYPTOCLOUD_SECRET_KEY")
	}
	return missing
}
