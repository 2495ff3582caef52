package config

import (
	"encoding/json"
	"os"

	"github.com/opsapi/secretvault/internal/flagx"
	"github.com/opsapi/secretvault/internal/timex"
)

// JsonConfig is the DTO used only for reading JSON configuration files.
// Interval fields use timex.Duration, which accepts both string values such
// as "5m" and integer nanoseconds. After unmarshalling, values are copied
// into the runtime Config.
type JsonConfig struct {
	DatabaseDSN      string         `json:"database_dsn"`
	KDFIterations    int            `json:"kdf_iterations"`
	KDFMaxConcurrent int64          `json:"kdf_max_concurrent"`
	SessionTTL       timex.Duration `json:"session_ttl"`
	SweepInterval    timex.Duration `json:"sweep_interval"`
	S3RootUser       string         `json:"s3_root_user"`
	S3RootPassword   string         `json:"s3_root_password"`
	S3Bucket         string         `json:"s3_bucket"`
	S3Region         string         `json:"s3_region"`
	S3BaseEndpoint   string         `json:"s3_base_endpoint"`
}

// parseJson loads configuration values from the JSON file named by the
// -c/-config flags into the provided Config. When no file is given, the
// Config is left untouched. Unreadable or invalid files panic: a partially
// applied config is worse than failing to start.
func parseJson(config *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	c := &JsonConfig{}
	if err := json.Unmarshal(data, c); err != nil {
		panic(err)
	}

	if c.DatabaseDSN != "" {
		config.DatabaseDSN = c.DatabaseDSN
	}
	if c.KDFIterations != 0 {
		config.KDFIterations = c.KDFIterations
	}
	if c.KDFMaxConcurrent != 0 {
		config.KDFMaxConcurrent = c.KDFMaxConcurrent
	}
	if c.SessionTTL.Duration != 0 {
		config.SessionTTL = c.SessionTTL.Duration
	}
	if c.SweepInterval.Duration != 0 {
		config.SweepInterval = c.SweepInterval.Duration
	}
	if c.S3RootUser != "" {
		config.S3RootUser = c.S3RootUser
	}
	if c.S3RootPassword != "" {
		config.S3RootPassword = c.S3RootPassword
	}
	if c.S3Bucket != "" {
		config.S3Bucket = c.S3Bucket
	}
	if c.S3Region != "" {
		config.S3Region = c.S3Region
	}
	if c.S3BaseEndpoint != "" {
		config.S3BaseEndpoint = c.S3BaseEndpoint
	}
}
