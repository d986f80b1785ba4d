package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// SecretsClient is the part of the Secrets Manager API used here.
type SecretsClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// EnvReport records what LoadEnv did. It is returned rather than logged
// because LoadEnv runs before the logger knows LOG_LEVEL and APP_ENV.
type EnvReport struct {
	SecretID       string
	SecretsApplied int
	SecretsErr     error
	DotEnvFile     string
	DotEnvLoaded   bool
}

// Log writes the report to l.
func (r EnvReport) Log(l *zap.Logger) {
	switch {
	case r.SecretsErr != nil:
		l.Warn("skipping AWS Secrets Manager load", zap.String("secret_id", r.SecretID), zap.Error(r.SecretsErr))
	case r.SecretID != "":
		l.Info("loaded env from AWS Secrets Manager", zap.String("secret_id", r.SecretID), zap.Int("applied", r.SecretsApplied))
	}

	if r.DotEnvLoaded {
		l.Debug("loaded .env file", zap.String("path", r.DotEnvFile))
	} else if os.Getenv("KUBERNETES_SERVICE_HOST") == "" {
		// Don't log if running in K8s/Docker where env is injected
		l.Info(".env file not found, using system environment variables", zap.String("path", r.DotEnvFile))
	}
}

// LoadEnv pulls secrets from AWS Secrets Manager (if configured) and then loads
// local .env files. Secrets are applied first so they win over .env values,
// which godotenv never overwrites.
func LoadEnv(ctx context.Context, defaultEnvPath string) EnvReport {
	var report EnvReport

	report.SecretID = secretIDFromEnv()
	if report.SecretID != "" {
		cfg, err := loadAWSConfig(ctx, os.Getenv("AWS_SECRETS_MANAGER_REGION"))
		if err != nil {
			report.SecretsErr = err
		} else {
			report.SecretsApplied, report.SecretsErr = LoadSecretsIntoEnv(ctx, secretsmanager.NewFromConfig(cfg), report.SecretID)
		}
	}

	report.DotEnvFile, report.DotEnvLoaded = loadDotEnv(defaultEnvPath)
	return report
}

func loadDotEnv(defaultEnvPath string) (string, bool) {
	envFile := os.Getenv("ENV_FILE_PATH")
	if envFile == "" {
		envFile = defaultEnvPath
	}

	if err := godotenv.Load(envFile); err != nil {
		// Try current directory as fallback
		if err := godotenv.Load(); err != nil {
			return envFile, false
		}
		return ".env", true
	}
	return envFile, true
}

func secretIDFromEnv() string {
	if id := os.Getenv("AWS_SECRETS_MANAGER_SECRET_ID"); id != "" {
		return id
	}
	return os.Getenv("AWS_SECRET_ID")
}

// LoadSecretsIntoEnv fetches secretID, which must hold a flat JSON object,
// and exports each key. Existing variables are kept unless
// AWS_SECRETS_MANAGER_OVERWRITE=true.
func LoadSecretsIntoEnv(ctx context.Context, client SecretsClient, secretID string) (int, error) {
	versionStage := os.Getenv("AWS_SECRETS_MANAGER_VERSION_STAGE")
	if versionStage == "" {
		versionStage = "AWSCURRENT"
	}
	overwrite := strings.EqualFold(os.Getenv("AWS_SECRETS_MANAGER_OVERWRITE"), "true")

	output, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId:     aws.String(secretID),
		VersionStage: aws.String(versionStage),
	})
	if err != nil {
		return 0, fmt.Errorf("fetching secret %s: %w", secretID, err)
	}

	var payload string
	switch {
	case output.SecretString != nil:
		payload = *output.SecretString
	case len(output.SecretBinary) > 0:
		payload = string(output.SecretBinary)
	default:
		return 0, fmt.Errorf("secret %s has no payload", secretID)
	}

	return applySecretPayload(secretID, payload, overwrite)
}

func applySecretPayload(secretID, payload string, overwrite bool) (int, error) {
	var kv map[string]interface{}
	if err := json.Unmarshal([]byte(payload), &kv); err != nil {
		return 0, fmt.Errorf("parsing secret %s as JSON: %w", secretID, err)
	}

	applied := 0
	for key, val := range kv {
		if !overwrite && os.Getenv(key) != "" {
			continue
		}
		if err := os.Setenv(key, fmt.Sprint(val)); err != nil {
			return applied, fmt.Errorf("setting env %s from secret: %w", key, err)
		}
		applied++
	}
	return applied, nil
}

func loadAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	if region != "" {
		return awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	}
	return awsconfig.LoadDefaultConfig(ctx)
}
