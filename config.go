package session

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/caarlos0/env/v11"
)

// EnvConfig carries the database settings consumed from the process
// environment.
type EnvConfig struct {
	Host     string `env:"SESSION_DB_HOST" envDefault:"localhost"`
	Port     int    `env:"SESSION_DB_PORT" envDefault:"5432"`
	Name     string `env:"SESSION_DB_NAME,required"`
	User     string `env:"SESSION_DB_USER,required"`
	Password string `env:"SESSION_DB_PASSWORD"`
	SSLMode  string `env:"SESSION_DB_SSLMODE" envDefault:"disable"`
	Table    string `env:"SESSION_TABLE"`
}

// LoadEnvConfig reads the SESSION_DB_* variables.
func LoadEnvConfig() (EnvConfig, error) {
	var cfg EnvConfig
	if err := env.Parse(&cfg); err != nil {
		return EnvConfig{}, fmt.Errorf("failed to parse environment: %w", err)
	}
	return cfg, nil
}

// DSN renders the PostgreSQL connection URL.
func (c EnvConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		Host:   c.Host + ":" + strconv.Itoa(c.Port),
		Path:   "/" + c.Name,
	}
	if c.Password != "" {
		u.User = url.UserPassword(c.User, c.Password)
	} else {
		u.User = url.User(c.User)
	}
	q := url.Values{}
	q.Set("sslmode", c.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// NewPostgreSQLStoreFromEnv creates a PostgreSQL-backed session store from
// the SESSION_DB_* variables, with default pool settings.
func NewPostgreSQLStoreFromEnv() (*Store, error) {
	cfg, err := LoadEnvConfig()
	if err != nil {
		return nil, err
	}
	pgCfg := defaultPostgreSQLConfig(cfg.DSN())
	pgCfg.Table = cfg.Table
	return NewPostgreSQLStoreWithConfig(pgCfg)
}
