// Package archive uploads finished job artifacts to S3 or S3-compatible
// storage.
//
// Archiving is best effort: a failed upload is a logged warning, never a
// change to job state. The job directory on disk stays the source of
// truth; the archive is an off-box copy for retention.
package archive

// Config configures the artifact archiver.
//
// Authentication priority (AWS SDK v2 default chain):
//  1. Explicit AccessKeyID/SecretAccessKey (if provided)
//  2. Environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY)
//  3. Shared credentials file (~/.aws/credentials)
//  4. Shared config file (~/.aws/config) with profile
//  5. EC2 instance metadata / ECS task role / EKS IRSA
//
// For S3-compatible stores (Wasabi, MinIO, DigitalOcean Spaces), set
// Endpoint and typically ForcePathStyle.
type Config struct {
	// Bucket is the destination bucket (required).
	Bucket string

	// Prefix is the key prefix under which job directories land. Artifacts
	// upload to <prefix>/<job_id>/<filename>.
	Prefix string

	// Region is the AWS region. For AWS S3 an empty value falls back to
	// environment/profile resolution, then the instance metadata service,
	// then us-east-1. When Endpoint is set no default is applied.
	Region string

	// Endpoint is a custom endpoint URL for S3-compatible stores. Leave
	// empty for AWS S3.
	Endpoint string

	// Profile is the AWS profile name from shared config. Empty uses the
	// default profile or environment credentials.
	Profile string

	// AccessKeyID is an explicit access key. If set, SecretAccessKey must
	// also be set. Takes precedence over the default credential chain.
	AccessKeyID string

	// SecretAccessKey is an explicit secret key. Required if AccessKeyID
	// is set.
	SecretAccessKey string

	// ForcePathStyle forces path-style URLs (bucket in path, not
	// subdomain). Required for most S3-compatible stores.
	ForcePathStyle bool

	// RateLimit caps upload starts per second. Zero disables the limiter.
	RateLimit float64

	// Parallel bounds concurrent uploads per job. Zero uses
	// DefaultParallel.
	Parallel int
}

// DefaultParallel is the upload concurrency per archived job.
const DefaultParallel = 4

// DefaultAWSRegion is the fallback region for AWS S3 when nothing else
// resolves one.
const DefaultAWSRegion = "us-east-1"

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}

	// If one explicit credential is set, both must be set
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}

	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "archive config: " + e.Field + ": " + e.Message
}
