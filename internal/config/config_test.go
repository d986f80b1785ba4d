package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSecrets struct {
	out   *secretsmanager.GetSecretValueOutput
	err   error
	input *secretsmanager.GetSecretValueInput
}

func (f *fakeSecrets) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.input = in
	return f.out, f.err
}

func TestLoadSecretsIntoEnv(t *testing.T) {
	t.Setenv("AUTHSRV_TEST_KEEP", "original")
	t.Setenv("AUTHSRV_TEST_NEW", "")
	t.Setenv("AWS_SECRETS_MANAGER_OVERWRITE", "")
	t.Setenv("AWS_SECRETS_MANAGER_VERSION_STAGE", "")

	client := &fakeSecrets{out: &secretsmanager.GetSecretValueOutput{
		SecretString: aws.String(`{"AUTHSRV_TEST_KEEP":"from-secret","AUTHSRV_TEST_NEW":"value","AUTHSRV_TEST_NUM":42}`),
	}}

	applied, err := LoadSecretsIntoEnv(context.Background(), client, "authserver/prod")
	require.NoError(t, err)
	t.Cleanup(func() { os.Unsetenv("AUTHSRV_TEST_NUM") })

	assert.Equal(t, 2, applied)
	assert.Equal(t, "original", os.Getenv("AUTHSRV_TEST_KEEP"))
	assert.Equal(t, "value", os.Getenv("AUTHSRV_TEST_NEW"))
	assert.Equal(t, "42", os.Getenv("AUTHSRV_TEST_NUM"))
	assert.Equal(t, "authserver/prod", aws.ToString(client.input.SecretId))
	assert.Equal(t, "AWSCURRENT", aws.ToString(client.input.VersionStage))
}

func TestLoadSecretsIntoEnv_Overwrite(t *testing.T) {
	t.Setenv("AUTHSRV_TEST_KEEP", "original")
	t.Setenv("AWS_SECRETS_MANAGER_OVERWRITE", "TRUE")

	client := &fakeSecrets{out: &secretsmanager.GetSecretValueOutput{
		SecretBinary: []byte(`{"AUTHSRV_TEST_KEEP":"from-secret"}`),
	}}

	applied, err := LoadSecretsIntoEnv(context.Background(), client, "id")
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	assert.Equal(t, "from-secret", os.Getenv("AUTHSRV_TEST_KEEP"))
}

func TestLoadSecretsIntoEnv_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := LoadSecretsIntoEnv(ctx, &fakeSecrets{err: errors.New("access denied")}, "id")
	assert.ErrorContains(t, err, "access denied")

	_, err = LoadSecretsIntoEnv(ctx, &fakeSecrets{out: &secretsmanager.GetSecretValueOutput{}}, "id")
	assert.ErrorContains(t, err, "no payload")

	_, err = LoadSecretsIntoEnv(ctx, &fakeSecrets{out: &secretsmanager.GetSecretValueOutput{
		SecretString: aws.String("not json"),
	}}, "id")
	assert.ErrorContains(t, err, "parsing secret")
}

func TestLoadEnv_DotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(path, []byte("AUTHSRV_DOTENV_VAR=hello\n"), 0o600))

	t.Setenv("ENV_FILE_PATH", path)
	t.Setenv("AWS_SECRETS_MANAGER_SECRET_ID", "")
	t.Setenv("AWS_SECRET_ID", "")
	t.Cleanup(func() { os.Unsetenv("AUTHSRV_DOTENV_VAR") })

	report := LoadEnv(context.Background(), ".env")
	assert.True(t, report.DotEnvLoaded)
	assert.Equal(t, path, report.DotEnvFile)
	assert.Empty(t, report.SecretID)
	assert.Equal(t, "hello", os.Getenv("AUTHSRV_DOTENV_VAR"))
}

func TestLoadServerConfig_Defaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("CORS_ORIGINS", "")

	cfg, err := LoadServerConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultServerConfig(), cfg)
}

func TestLoadServerConfig_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":8080"
  read_timeout: 5s
  shutdown_timeout: 30s
  cors_origins:
    - https://app.example
  register_rate_per_minute: 2.5
  register_burst: 1
`), 0o600))

	t.Setenv("PORT", "")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := LoadServerConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, 5*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 15*time.Second, cfg.WriteTimeout)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, 2.5, cfg.RegisterRatePerMinute)
	assert.Equal(t, 1, cfg.RegisterBurst)

	t.Setenv("PORT", "9999")
	cfg, err = LoadServerConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Addr)
}

func TestLoadServerConfig_BadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  idle_timeout: forever\n"), 0o600))

	_, err := LoadServerConfig(path)
	assert.ErrorContains(t, err, "server.idle_timeout")
}
