// Package config resolves the process configuration from an optional env file and the environment.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// Backends names.
const (
	BackendS3         = "s3"
	BackendSwift      = "swift"
	BackendFileSystem = "filesystem"
	BackendBolt       = "bolt"
)

// Config is the resolved configuration shared read-only by every component.
type Config struct {
	Backend string
	// Bucket is the S3 bucket or the Swift container.
	Bucket       string
	Endpoint     string
	Region       string
	Prefix       string
	CreateBucket bool
	// Path is the filesystem backend root or the bolt database file.
	Path string

	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	Swift Swift

	Digest      string
	Concurrency int
	Retries     int
	LogLevel    string
}

// Swift holds the Keystone credentials of the Swift backend.
type Swift struct {
	AuthURL  string
	Username string
	APIKey   string
	Tenant   string
	Domain   string
	Region   string
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Backend:     BackendS3,
		Bucket:      "s3-cache",
		Endpoint:    "http://localhost:9000",
		Region:      "us-east-1",
		Path:        "s3cache-store",
		Digest:      "sha256",
		Concurrency: 8,
		Retries:     5,
		LogLevel:    "info",
		Swift: Swift{
			Domain: "Default",
		},
	}
}

// LoadEnvFile loads filename into the process environment without overriding already set variables.
// A missing file is not an error.
func LoadEnvFile(filename string) error {
	if filename == "" {
		return nil
	}

	err := godotenv.Load(filename)
	if err != nil && !os.IsNotExist(errors.Cause(err)) {
		return errors.Wrapf(err, "could not load %s", filename)
	}
	return nil
}

// FromEnv returns the default configuration overridden by the environment.
func FromEnv() (Config, error) {
	c := Default()

	c.Backend = envORdefault("S3CACHE_BACKEND", c.Backend)
	c.Bucket = envORdefault("S3CACHE_BUCKET", c.Bucket)
	c.Endpoint = envORdefault("S3CACHE_ENDPOINT", c.Endpoint)
	c.Region = envORdefault("S3CACHE_REGION", c.Region)
	c.Prefix = envORdefault("S3CACHE_PREFIX", c.Prefix)
	c.Path = envORdefault("S3CACHE_PATH", c.Path)
	c.Digest = envORdefault("S3CACHE_DIGEST", c.Digest)
	c.LogLevel = envORdefault("S3CACHE_LOG_LEVEL", c.LogLevel)

	c.AccessKeyID = os.Getenv("S3CACHE_ACCESS_KEY_ID")
	c.SecretAccessKey = os.Getenv("S3CACHE_SECRET_ACCESS_KEY")
	c.SessionToken = os.Getenv("S3CACHE_SESSION_TOKEN")

	c.Swift.AuthURL = envORdefault("SWIFT_AUTH_URL", c.Swift.AuthURL)
	c.Swift.Username = envORdefault("SWIFT_USERNAME", c.Swift.Username)
	c.Swift.APIKey = envORdefault("SWIFT_API_KEY", c.Swift.APIKey)
	c.Swift.Tenant = envORdefault("SWIFT_TENANT", c.Swift.Tenant)
	c.Swift.Domain = envORdefault("SWIFT_DOMAIN", c.Swift.Domain)
	c.Swift.Region = envORdefault("SWIFT_REGION", c.Swift.Region)

	var err error
	if c.CreateBucket, err = envBool("S3CACHE_CREATE_BUCKET", c.CreateBucket); err != nil {
		return c, err
	}
	if c.Concurrency, err = envInt("S3CACHE_CONCURRENCY", c.Concurrency); err != nil {
		return c, err
	}
	if c.Retries, err = envInt("S3CACHE_RETRIES", c.Retries); err != nil {
		return c, err
	}

	return c, nil
}

// Validate checks the configuration consistency.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendS3:
		if c.Bucket == "" {
			return errors.New("bucket is required by the s3 backend")
		}
	case BackendSwift:
		if c.Bucket == "" || c.Swift.AuthURL == "" {
			return errors.New("container and auth URL are required by the swift backend")
		}
	case BackendFileSystem, BackendBolt:
		if c.Path == "" {
			return errors.Errorf("path is required by the %s backend", c.Backend)
		}
	default:
		return errors.Errorf("unknown backend %q", c.Backend)
	}

	if c.Concurrency < 1 {
		return errors.Errorf("concurrency must be positive, got %d", c.Concurrency)
	}
	if c.Retries < 0 {
		return errors.Errorf("retries must not be negative, got %d", c.Retries)
	}
	return nil
}

func envORdefault(name, fallback string) string {
	p := os.Getenv(name)
	if len(p) == 0 {
		return fallback
	}
	return p
}

func envInt(name string, fallback int) (int, error) {
	p := strings.TrimSpace(os.Getenv(name))
	if len(p) == 0 {
		return fallback, nil
	}

	v, err := strconv.Atoi(p)
	return v, errors.Wrap(err, name)
}

func envBool(name string, fallback bool) (bool, error) {
	p := strings.TrimSpace(os.Getenv(name))
	if len(p) == 0 {
		return fallback, nil
	}

	v, err := strconv.ParseBool(p)
	return v, errors.Wrap(err, name)
}
