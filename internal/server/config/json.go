package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/finvault/finvault/internal/flagx"
	"github.com/finvault/finvault/internal/timex"
)

// JsonConfig defines a configuration structure tailored for JSON
// unmarshalling. It uses timex.Duration for interval fields, which allows
// parsing both string values such as "15m" and integer nanoseconds.
//
// This struct is an intermediate DTO used only for reading JSON
// configuration files. After unmarshalling, its fields are copied into the
// runtime Config struct which uses time.Duration.
type JsonConfig struct {
	EndpointAddrHTTP             string         `json:"endpoint_addr_http"`
	DatabaseDSN                  string         `json:"database_dsn"`
	SecretKey                    string         `json:"secret_key"`
	AccessTokenValidityDuration  timex.Duration `json:"access_token_validity_duration"`
	RefreshTokenValidityDuration timex.Duration `json:"refresh_token_validity_duration"`
	LegacyMasterKey              string         `json:"legacy_master_key"`
	SaltIndexSecret              string         `json:"salt_index_secret"`
	LoginRateLimit               int            `json:"login_rate_limit"`
	LoginRateWindow              timex.Duration `json:"login_rate_window"`
	HashWorkers                  int64          `json:"hash_workers"`
}

// parseJson loads configuration values from a JSON file into the provided
// Config instance. The file path comes from the -c/--config flags; if absent,
// no JSON file is loaded. An unreadable or invalid file panics, since the
// server must not start on a half-applied configuration.
func parseJson(config *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()

	// nothing to load
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	if c.EndpointAddrHTTP != "" {
		config.EndpointAddrHTTP = c.EndpointAddrHTTP
	}
	if c.DatabaseDSN != "" {
		config.DatabaseDSN = c.DatabaseDSN
	}
	if c.SecretKey != "" {
		config.SecretKey = c.SecretKey
	}
	if c.AccessTokenValidityDuration.Duration != 0 {
		config.AccessTokenValidityDuration = time.Duration(c.AccessTokenValidityDuration.Duration)
	}
	if c.RefreshTokenValidityDuration.Duration != 0 {
		config.RefreshTokenValidityDuration = time.Duration(c.RefreshTokenValidityDuration.Duration)
	}
	if c.LegacyMasterKey != "" {
		config.LegacyMasterKey = c.LegacyMasterKey
	}
	if c.SaltIndexSecret != "" {
		config.SaltIndexSecret = c.SaltIndexSecret
	}
	if c.LoginRateLimit != 0 {
		config.LoginRateLimit = c.LoginRateLimit
	}
	if c.LoginRateWindow.Duration != 0 {
		config.LoginRateWindow = time.Duration(c.LoginRateWindow.Duration)
	}
	if c.HashWorkers != 0 {
		config.HashWorkers = c.HashWorkers
	}
}
