package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// Config holds all configuration for the stratus control plane.
type Config struct {
	Port        int
	MetricsPort int // standalone /metrics listener; 0 leaves metrics on the API port only
	APIKey      string
	LogLevel    string

	// Database
	DatabaseURL string // PostgreSQL connection string

	// Auth
	JWTSecret string // Signing secret for session-scoped JWTs

	// NATS
	NATSURL string // NATS server URL; empty disables event publishing

	// Redis for workflow execution state
	RedisURL string // empty falls back to the in-memory execution store

	// AWS
	Region          string
	AccountID       string
	AccessKeyID     string // optional; default credential chain when empty
	SecretAccessKey string

	// Compute
	LaunchTemplateID string // fallback when no blessed AMI is cached
	InstanceType     string // default instance type
	SubnetID         string
	SecurityGroupID  string
	KeyName          string // SSH key pair name (for debugging)
	DefaultAZ        string // volume placement fallback

	// S3-compatible object storage for terminated record archives
	S3Endpoint        string // e.g. "https://<account>.r2.cloudflarestorage.com"
	S3Bucket          string // empty disables archival
	S3Region          string // defaults to Region if not set
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3ForcePathStyle  bool // true for R2/MinIO

	// AWS Secrets Manager — if set, secrets are fetched at startup using IAM credentials.
	// The secret should be a JSON object with keys matching env var names (e.g. STRATUS_JWT_SECRET).
	// Env vars take precedence over secret values (for local overrides).
	SecretsARN string
}

// Load reads configuration from environment variables with sensible defaults.
// If STRATUS_SECRETS_ARN is set, secrets are fetched from AWS Secrets Manager
// first, then environment variables are applied on top (env vars take precedence).
func Load() (*Config, error) {
	// Fetch secrets from AWS Secrets Manager if configured.
	// This populates the process environment so subsequent os.Getenv calls pick them up.
	if arn := os.Getenv("STRATUS_SECRETS_ARN"); arn != "" {
		if err := loadSecretsManager(arn); err != nil {
			return nil, fmt.Errorf("failed to load secrets from %s: %w", arn, err)
		}
	}

	cfg := &Config{
		Port:     8080,
		APIKey:   os.Getenv("STRATUS_API_KEY"),
		LogLevel: envOrDefault("STRATUS_LOG_LEVEL", "info"),

		DatabaseURL: envOrDefault("STRATUS_DATABASE_URL", os.Getenv("DATABASE_URL")),
		JWTSecret:   os.Getenv("STRATUS_JWT_SECRET"),
		NATSURL:     os.Getenv("STRATUS_NATS_URL"),
		RedisURL:    os.Getenv("STRATUS_REDIS_URL"),

		Region:          envOrDefault("STRATUS_AWS_REGION", "us-east-1"),
		AccountID:       os.Getenv("STRATUS_AWS_ACCOUNT_ID"),
		AccessKeyID:     os.Getenv("STRATUS_AWS_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("STRATUS_AWS_SECRET_ACCESS_KEY"),

		LaunchTemplateID: os.Getenv("STRATUS_LAUNCH_TEMPLATE_ID"),
		InstanceType:     envOrDefault("STRATUS_INSTANCE_TYPE", "g4dn.xlarge"),
		SubnetID:         os.Getenv("STRATUS_SUBNET_ID"),
		SecurityGroupID:  os.Getenv("STRATUS_SECURITY_GROUP_ID"),
		KeyName:          os.Getenv("STRATUS_KEY_NAME"),
		DefaultAZ:        os.Getenv("STRATUS_DEFAULT_AZ"),

		S3Endpoint:        os.Getenv("STRATUS_S3_ENDPOINT"),
		S3Bucket:          os.Getenv("STRATUS_S3_BUCKET"),
		S3Region:          os.Getenv("STRATUS_S3_REGION"),
		S3AccessKeyID:     os.Getenv("STRATUS_S3_ACCESS_KEY_ID"),
		S3SecretAccessKey: os.Getenv("STRATUS_S3_SECRET_ACCESS_KEY"),
		S3ForcePathStyle:  os.Getenv("STRATUS_S3_FORCE_PATH_STYLE") == "true",

		SecretsARN: os.Getenv("STRATUS_SECRETS_ARN"),
	}

	// Default S3 region to the compute region for same-region storage
	if cfg.S3Region == "" {
		cfg.S3Region = cfg.Region
	}

	if portStr := os.Getenv("STRATUS_PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid STRATUS_PORT %q: %w", portStr, err)
		}
		cfg.Port = port
	}

	if portStr := os.Getenv("STRATUS_METRICS_PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid STRATUS_METRICS_PORT %q: %w", portStr, err)
		}
		cfg.MetricsPort = port
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// loadSecretsManager fetches a JSON secret from AWS Secrets Manager and sets
// any values as environment variables (only if not already set, so explicit
// env vars always win). Uses the default AWS credential chain (IAM instance
// profile on EC2, or ~/.aws/credentials locally).
func loadSecretsManager(arn string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Extract region from ARN: arn:aws:secretsmanager:REGION:ACCOUNT:secret:NAME
	var opts []func(*awsconfig.LoadOptions) error
	if parts := strings.Split(arn, ":"); len(parts) >= 4 && parts[3] != "" {
		opts = append(opts, awsconfig.WithRegion(parts[3]))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("load AWS config: %w", err)
	}

	client := secretsmanager.NewFromConfig(awsCfg)
	result, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &arn,
	})
	if err != nil {
		return fmt.Errorf("GetSecretValue: %w", err)
	}

	if result.SecretString == nil {
		return fmt.Errorf("secret %s has no string value", arn)
	}

	var secrets map[string]string
	if err := json.Unmarshal([]byte(*result.SecretString), &secrets); err != nil {
		return fmt.Errorf("parse secret JSON: %w", err)
	}

	applied := 0
	for key, value := range secrets {
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
			applied++
		}
	}

	log.Printf("config: loaded %d secrets from Secrets Manager (%d keys in secret, env overrides take precedence)", applied, len(secrets))
	return nil
}
