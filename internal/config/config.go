package config

import (
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/spf13/viper"

	"github.com/revault/cosignerd/pkg/transport"
)

// ManagerConfig identifies one manager authorized to request signatures,
// by the static public key it authenticates with on the transport.
type ManagerConfig struct {
	NoiseKey string `mapstructure:"noise_key"`
}

type Config struct {
	Datadir  string
	Listen   string
	LogLevel string
	DbType   string
	Managers []ManagerConfig

	managerKeys []transport.PublicKey
}

var (
	Datadir  = "DATADIR"
	Listen   = "LISTEN"
	LogLevel = "LOG_LEVEL"
	DbType   = "DB_TYPE"

	// Managers can only be set through the config file.
	Managers = "managers"

	defaultDatadir  = btcutil.AppDataDir("cosignerd", false)
	defaultListen   = "127.0.0.1:8383"
	defaultLogLevel = "info"
	defaultDbType   = "sqlite"

	supportedDbTypes = []string{"sqlite", "badger"}

	configFileName = "config.toml"
)

// LoadConfig reads the configuration from defaults, the config.toml file in
// the data directory and COSIGNERD_* environment variables, in increasing
// order of precedence, and validates it.
func LoadConfig() (*Config, error) {
	viper.SetEnvPrefix("COSIGNERD")
	viper.AutomaticEnv()

	viper.SetDefault(Datadir, defaultDatadir)
	viper.SetDefault(Listen, defaultListen)
	viper.SetDefault(LogLevel, defaultLogLevel)
	viper.SetDefault(DbType, defaultDbType)

	if err := initDatadir(); err != nil {
		return nil, fmt.Errorf("error while creating datadir: %s", err)
	}

	configFile := filepath.Join(datadir(), configFileName)
	if _, err := os.Stat(configFile); err == nil {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error while reading config file: %s", err)
		}
	}

	var managers []ManagerConfig
	if err := viper.UnmarshalKey(Managers, &managers); err != nil {
		return nil, fmt.Errorf("error while reading managers: %s", err)
	}

	config := &Config{
		Datadir:  datadir(),
		Listen:   viper.GetString(Listen),
		LogLevel: viper.GetString(LogLevel),
		DbType:   viper.GetString(DbType),
		Managers: managers,
	}

	if err := config.initManagerKeys(); err != nil {
		return nil, err
	}
	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// ManagerKeys returns the static public keys of the authorized managers.
func (c *Config) ManagerKeys() []transport.PublicKey {
	return c.managerKeys
}

func (c *Config) initManagerKeys() error {
	if len(c.Managers) <= 0 {
		return fmt.Errorf("at least one manager must be configured")
	}

	keys := make([]transport.PublicKey, 0, len(c.Managers))
	seen := make(map[transport.PublicKey]struct{})
	for i, manager := range c.Managers {
		key, err := transport.PublicKeyFromHex(manager.NoiseKey)
		if err != nil {
			return fmt.Errorf("invalid noise key for manager %d: %s", i, err)
		}
		if _, ok := seen[key]; ok {
			return fmt.Errorf("duplicate manager noise key %s", key)
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	c.managerKeys = keys
	return nil
}

func (c *Config) validate() error {
	if _, err := net.ResolveTCPAddr("tcp", c.Listen); err != nil {
		return fmt.Errorf("invalid listen address %s: %s", c.Listen, err)
	}

	for _, dbType := range supportedDbTypes {
		if c.DbType == dbType {
			return nil
		}
	}
	return fmt.Errorf(
		"unsupported db type %s, please select one of %s",
		c.DbType, strings.Join(supportedDbTypes, ", "),
	)
}

func datadir() string {
	return cleanAndExpandPath(viper.GetString(Datadir))
}

func initDatadir() error {
	return makeDirectoryIfNotExists(datadir())
}

func makeDirectoryIfNotExists(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// The datadir holds key material, keep it owner-only.
		return os.MkdirAll(path, os.ModeDir|0700)
	}
	return nil
}

func cleanAndExpandPath(path string) string {
	if path == "" {
		return path
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		u, err := user.Current()
		if err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
