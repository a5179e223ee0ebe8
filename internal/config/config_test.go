package config_test

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/revault/cosignerd/internal/config"
	"github.com/revault/cosignerd/pkg/transport"
)

func managerKeyHex(t *testing.T) string {
	t.Helper()

	priv, err := transport.GenerateKey()
	require.NoError(t, err)
	pub, err := priv.PublicKey()
	require.NoError(t, err)
	return pub.String()
}

func managersToml(keys ...string) string {
	var b strings.Builder
	for _, key := range keys {
		fmt.Fprintf(&b, "[[managers]]\nnoise_key = %q\n\n", key)
	}
	return b.String()
}

// loadConfig points the daemon at a throwaway datadir, optionally seeds it
// with a config file and runs config.LoadConfig. Viper keeps global state,
// reset it so tests do not leak settings into each other.
func loadConfig(t *testing.T, configToml string) (*config.Config, error) {
	t.Helper()

	viper.Reset()
	datadir := t.TempDir()
	t.Setenv("COSIGNERD_DATADIR", datadir)
	if configToml != "" {
		require.NoError(t, os.WriteFile(
			filepath.Join(datadir, "config.toml"), []byte(configToml), 0o600,
		))
	}
	return config.LoadConfig()
}

func TestLoadConfigDefaults(t *testing.T) {
	keyA, keyB := managerKeyHex(t), managerKeyHex(t)

	cfg, err := loadConfig(t, managersToml(keyA, keyB))
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:8383", cfg.Listen)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, "sqlite", cfg.DbType)

	managerKeys := cfg.ManagerKeys()
	require.Len(t, managerKeys, 2)
	require.Equal(t, keyA, managerKeys[0].String())
	require.Equal(t, keyB, managerKeys[1].String())
}

func TestLoadConfigFromFile(t *testing.T) {
	configToml := strings.Join([]string{
		`listen = "127.0.0.1:18383"`,
		`log_level = "debug"`,
		`db_type = "badger"`,
		"",
		managersToml(managerKeyHex(t)),
	}, "\n")

	cfg, err := loadConfig(t, configToml)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:18383", cfg.Listen)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, "badger", cfg.DbType)
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	t.Setenv("COSIGNERD_LISTEN", "127.0.0.1:28383")

	configToml := "listen = \"127.0.0.1:18383\"\n\n" + managersToml(managerKeyHex(t))
	cfg, err := loadConfig(t, configToml)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:28383", cfg.Listen)
}

func TestLoadConfigCreatesDatadir(t *testing.T) {
	viper.Reset()
	datadir := filepath.Join(t.TempDir(), "data")
	t.Setenv("COSIGNERD_DATADIR", datadir)

	// No managers are configured so loading fails, but the datadir must
	// already exist with owner-only permissions by then.
	_, err := config.LoadConfig()
	require.Error(t, err)

	info, err := os.Stat(datadir)
	require.NoError(t, err)
	require.True(t, info.IsDir())
	require.Equal(t, os.FileMode(0o700), info.Mode().Perm())
}

func TestLoadConfigRejections(t *testing.T) {
	key := managerKeyHex(t)

	tests := []struct {
		name string
		toml string
		env  map[string]string
	}{
		{
			name: "no managers",
			toml: "",
		},
		{
			name: "empty managers",
			toml: "managers = []\n",
		},
		{
			name: "invalid manager key",
			toml: "[[managers]]\nnoise_key = \"beef\"\n",
		},
		{
			name: "duplicate manager keys",
			toml: managersToml(key, key),
		},
		{
			name: "invalid listen address",
			toml: managersToml(key),
			env:  map[string]string{"COSIGNERD_LISTEN": "127.0.0.1:8383:extra"},
		},
		{
			name: "unsupported db type",
			toml: managersToml(key),
			env:  map[string]string{"COSIGNERD_DB_TYPE": "postgres"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := loadConfig(t, tc.toml)
			require.Error(t, err)
		})
	}
}
