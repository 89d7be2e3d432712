package config

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	sslModeDisable = "disable"
	sslModeRequire = "require"
)

type (
	Config struct {
		Host       string `mapstructure:"HOST"`
		Port       string `mapstructure:"PORT"`
		DBHost     string `mapstructure:"DB_HOST"`
		DBPort     string `mapstructure:"DB_PORT"`
		DBUser     string `mapstructure:"DB_USER"`
		DBPassword string `mapstructure:"DB_PASSWORD"`
		DBName     string `mapstructure:"DB_NAME"`
		DBSSLMode  string `mapstructure:"DB_SSL_MODE"`

		CatalogAPIKey         string `mapstructure:"CATALOG_API_KEY"`
		CatalogBaseURL        string `mapstructure:"CATALOG_BASE_URL"`
		CatalogTimeoutSeconds int    `mapstructure:"CATALOG_TIMEOUT_SECONDS"`

		UploadDir         string `mapstructure:"UPLOAD_DIR"`
		AvatarDir         string `mapstructure:"AVATAR_DIR"`
		MaxUploadBytes    int64  `mapstructure:"MAX_UPLOAD_BYTES"`
		AllowedExtensions string `mapstructure:"ALLOWED_EXTENSIONS"`
	}
)

func NewConfig() (*Config, error) {
	viper.SetEnvPrefix("GAMESHELF")

	viper.SetDefault("HOST", "0.0.0.0")
	viper.SetDefault("PORT", "1323")
	viper.SetDefault("DB_HOST", "0.0.0.0")
	viper.SetDefault("DB_PORT", "5432")
	viper.SetDefault("DB_USER", "user")
	viper.SetDefault("DB_PASSWORD", "password")
	viper.SetDefault("DB_NAME", "db")
	viper.SetDefault("DB_SSL_MODE", sslModeDisable)
	viper.SetDefault("CATALOG_API_KEY", "")
	viper.SetDefault("CATALOG_BASE_URL", "https://api.rawg.io/api")
	viper.SetDefault("CATALOG_TIMEOUT_SECONDS", 10)
	viper.SetDefault("UPLOAD_DIR", "static/uploads")
	viper.SetDefault("AVATAR_DIR", "static/avatars")
	viper.SetDefault("MAX_UPLOAD_BYTES", 2*1024*1024)
	viper.SetDefault("ALLOWED_EXTENSIONS", "png,jpg,jpeg,gif")

	envs := []string{
		"HOST", "PORT",
		"DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME", "DB_SSL_MODE",
		"CATALOG_API_KEY", "CATALOG_BASE_URL", "CATALOG_TIMEOUT_SECONDS",
		"UPLOAD_DIR", "AVATAR_DIR", "MAX_UPLOAD_BYTES", "ALLOWED_EXTENSIONS",
	}
	for _, key := range envs {
		if err := viper.BindEnv(key); err != nil {
			return nil, err
		}
	}

	cfg := Config{}
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := validate(&cfg); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}

	return &cfg, nil
}

// Extensions returns the allowed upload extensions, lowercased, without dots.
func (c *Config) Extensions() []string {
	parts := strings.Split(c.AllowedExtensions, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func validate(cfg *Config) error {
	validSSLValues := []string{sslModeDisable, sslModeRequire}
	sslOK := false
	for _, validValue := range validSSLValues {
		if cfg.DBSSLMode == validValue {
			sslOK = true
			break
		}
	}
	if !sslOK {
		return errors.New(fmt.Sprintf("DB SSL mode is invalid: %s", cfg.DBSSLMode))
	}
	if cfg.CatalogTimeoutSeconds <= 0 {
		return errors.New(fmt.Sprintf("catalog timeout is invalid: %d", cfg.CatalogTimeoutSeconds))
	}
	if cfg.MaxUploadBytes <= 0 {
		return errors.New(fmt.Sprintf("max upload size is invalid: %d", cfg.MaxUploadBytes))
	}
	return nil
}
