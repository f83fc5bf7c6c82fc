package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/requestor-go/internal/platform/env"
)

// Config addresses the S3-compatible store holding workload images.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("REQUESTOR_S3_USE_SSL", true)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:  env.String("REQUESTOR_S3_ENDPOINT", "localhost:9000"),
		AccessKey: env.String("REQUESTOR_S3_ACCESS_KEY", ""),
		SecretKey: env.String("REQUESTOR_S3_SECRET_KEY", ""),
		Region:    env.String("REQUESTOR_S3_REGION", "us-east-1"),
		UseSSL:    useSSL,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
