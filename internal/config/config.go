package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Settings holds process configuration read from the environment.
type Settings struct {
	LogLevel    string `env:"LAMPSTACK_LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LAMPSTACK_LOG_FORMAT" envDefault:"text"`
	Dir         string `env:"LAMPSTACK_DIR" envDefault:".lampstack"`
	Parallelism int    `env:"LAMPSTACK_PARALLELISM" envDefault:"10"`
	NoColor     bool   `env:"NO_COLOR"`

	Backend BackendSettings
}

// BackendSettings selects and configures the state store.
type BackendSettings struct {
	Type          string `env:"LAMPSTACK_BACKEND" envDefault:"local"`
	Bucket        string `env:"LAMPSTACK_S3_BUCKET"`
	Key           string `env:"LAMPSTACK_S3_KEY"`
	Region        string `env:"LAMPSTACK_S3_REGION"`
	DynamoDBTable string `env:"LAMPSTACK_S3_DYNAMODB_TABLE"`
	Encrypt       bool   `env:"LAMPSTACK_S3_ENCRYPT"`
	Profile       string `env:"LAMPSTACK_AWS_PROFILE"`
}

// Map returns the backend settings in the form state.NewBackend expects.
func (b BackendSettings) Map() map[string]string {
	m := map[string]string{}
	set := func(k, v string) {
		if v != "" {
			m[k] = v
		}
	}
	set("bucket", b.Bucket)
	set("key", b.Key)
	set("region", b.Region)
	set("dynamodb_table", b.DynamoDBTable)
	set("profile", b.Profile)
	if b.Encrypt {
		m["encrypt"] = "true"
	}
	return m
}

// Load reads an optional .env file from dir and parses the environment.
// Variables already set in the environment win over the .env file.
func Load(dir string) (*Settings, error) {
	if err := godotenv.Load(filepath.Join(dir, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	var s Settings
	if err := env.Parse(&s); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if s.Parallelism < 1 {
		s.Parallelism = 1
	}
	return &s, nil
}
