// Package s3 mirrors build output into AWS S3 and S3-compatible storage.
package s3

import "fmt"

// Page size limits for List.
const (
	DefaultMaxKeys = 1000
	MaxAllowedKeys = 1000
)

// DefaultAWSRegion is used for AWS S3 when nothing else names a region.
const DefaultAWSRegion = "us-east-1"

// Config configures an S3 provider.
//
// Static keys win over the SDK default chain (environment, shared files
// with Profile, then instance or task roles). For S3-compatible stores such
// as a team MinIO, set Endpoint and usually ForcePathStyle; no default
// region is applied when Endpoint is set.
type Config struct {
	// Bucket is required.
	Bucket string

	Region   string
	Endpoint string
	Profile  string

	// AccessKeyID and SecretAccessKey are set together or not at all.
	AccessKeyID     string
	SecretAccessKey string

	// ForcePathStyle puts the bucket in the path instead of the host name.
	ForcePathStyle bool

	// MaxKeys is the page size used when the mirror lists old compiles.
	// Zero means DefaultMaxKeys; larger values are clamped to MaxAllowedKeys.
	MaxKeys int
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}
	if (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "access key ID and secret access key must be set together",
		}
	}
	return nil
}

// ConfigError reports an invalid Config field.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("s3 config: %s: %s", e.Field, e.Message)
}
