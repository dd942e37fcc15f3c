package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mineguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const validConfig = `
homeDir: /tmp/mineguard-test
logging:
  level: debug
gateway:
  httpBinding: 127.0.0.1:9440
  secret: test_secret
  rateLimiter:
    limit: 25
    burst: 50
  sessions:
    eventChannelSize: 1024
    webSocketReadBufferSize: 1024
    webSocketWriteBufferSize: 1024
    maxConnections: 64
`

func TestLoadConfig_Valid(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, "/tmp/mineguard-test", cfg.HomeDir)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "127.0.0.1:9440", cfg.Gateway.HttpBinding)

	// Unset timing and policy fields pick up defaults.
	assert.Equal(t, 120*time.Second, cfg.Defaults.Timeouts.Startup)
	assert.Equal(t, 30*time.Second, cfg.Defaults.Timeouts.Shutdown)
	assert.Equal(t, 5*time.Second, cfg.Defaults.Health.Interval)
	assert.Equal(t, 3, cfg.Defaults.Health.StaleThreshold)
	assert.Equal(t, 3, cfg.Defaults.Restart.MaxRetries)
	assert.Equal(t, 45*time.Second, cfg.ShutdownGrace)
}

func TestLoadConfig_Errors(t *testing.T) {
	testCases := []struct {
		name     string
		content  string
		expected error
	}{
		{
			name:     "Missing homeDir",
			content:  "gateway:\n  httpBinding: 127.0.0.1:9440\n  secret: s\n",
			expected: ErrHomeDirMissing,
		},
		{
			name:     "Missing binding",
			content:  "homeDir: /tmp/x\ngateway:\n  secret: s\n",
			expected: ErrHttpBindingMissing,
		},
		{
			name:     "Missing secret",
			content:  "homeDir: /tmp/x\ngateway:\n  httpBinding: 127.0.0.1:9440\n",
			expected: ErrSecretMissing,
		},
		{
			name: "Half-configured TLS",
			content: `
homeDir: /tmp/x
gateway:
  httpBinding: 127.0.0.1:9440
  secret: s
  tls:
    cert: /tmp/server.crt
`,
			expected: ErrTLSMissing,
		},
		{
			name: "Missing rate limiter",
			content: `
homeDir: /tmp/x
gateway:
  httpBinding: 127.0.0.1:9440
  secret: s
`,
			expected: ErrRateLimiterMissing,
		},
		{
			name: "Missing sessions",
			content: `
homeDir: /tmp/x
gateway:
  httpBinding: 127.0.0.1:9440
  secret: s
  rateLimiter:
    limit: 25
    burst: 50
`,
			expected: ErrSessionsMissing,
		},
		{
			name:     "Unparseable",
			content:  "homeDir: [unclosed",
			expected: ErrConfigFileUnmarshallable,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tc.content))
			assert.ErrorIs(t, err, tc.expected)
		})
	}
}

func TestLoadConfig_FileMissing(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, ErrConfigFileUnreadable)
}

func TestValidateInstance(t *testing.T) {
	ctrl, err := GenerateConfig("unused")
	require.NoError(t, err)

	t.Run("Fills defaults", func(t *testing.T) {
		inst := Instance{Name: "alpha", ServerDir: "/srv/alpha"}
		require.NoError(t, ctrl.ValidateInstance(&inst))

		assert.Equal(t, DefaultJarName, inst.JarPath)
		assert.Equal(t, DefaultJavaBin, inst.JavaBin)
		assert.Equal(t, ctrl.Defaults.Timeouts.Startup, inst.Timeouts.Startup)
		assert.Equal(t, ctrl.Defaults.Health.Interval, inst.Health.Interval)
		assert.Equal(t, ctrl.Defaults.Restart.MaxRetries, inst.Restart.MaxRetries)
	})

	t.Run("Explicit values survive", func(t *testing.T) {
		inst := Instance{
			Name:      "beta",
			ServerDir: "/srv/beta",
			JarPath:   "paper.jar",
			JavaBin:   "/opt/java/bin/java",
			Timeouts:  Timeouts{Startup: time.Minute, Shutdown: 10 * time.Second},
		}
		require.NoError(t, ctrl.ValidateInstance(&inst))

		assert.Equal(t, "paper.jar", inst.JarPath)
		assert.Equal(t, "/opt/java/bin/java", inst.JavaBin)
		assert.Equal(t, time.Minute, inst.Timeouts.Startup)
	})

	t.Run("Rejections", func(t *testing.T) {
		assert.ErrorIs(t, ctrl.ValidateInstance(&Instance{ServerDir: "/srv/x"}), ErrInstanceNameMissing)
		assert.ErrorIs(t, ctrl.ValidateInstance(&Instance{Name: "x"}), ErrInstanceDirMissing)
		assert.ErrorIs(t, ctrl.ValidateInstance(&Instance{
			Name: "x", ServerDir: "/srv/x", JarPath: "/abs/server.jar",
		}), ErrInstanceJarNotRelative)
	})
}

func TestRestart_Backoff(t *testing.T) {
	policy := Restart{
		Enabled:     true,
		MaxRetries:  5,
		BackoffBase: 2 * time.Second,
		BackoffCap:  15 * time.Second,
	}

	assert.Equal(t, 2*time.Second, policy.Backoff(1))
	assert.Equal(t, 4*time.Second, policy.Backoff(2))
	assert.Equal(t, 8*time.Second, policy.Backoff(3))
	assert.Equal(t, 15*time.Second, policy.Backoff(4)) // capped
	assert.Equal(t, 15*time.Second, policy.Backoff(5))
}

func TestGenerateConfig_RoundTrip(t *testing.T) {
	cfg, err := GenerateConfig("unused")
	require.NoError(t, err)

	data, err := yaml.Marshal(cfg)
	require.NoError(t, err)

	loaded, err := LoadConfig(writeConfig(t, string(data)))
	require.NoError(t, err)
	assert.Equal(t, cfg.Gateway.HttpBinding, loaded.Gateway.HttpBinding)
	assert.Equal(t, cfg.Defaults.Restart, loaded.Defaults.Restart)
}
