// Package config resolves scorer settings from flags, the environment, an
// optional .env file and an optional YAML config file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "IBSCORE"

const (
	defaultConfigName = "ibscore"
	defaultEnvFile    = ".env"
)

// Option customises the loader behaviour.
type Option func(*loadOptions)

type loadOptions struct {
	configPath string
	envFile    string
	envFileSet bool
	searchDirs []string
	flags      *pflag.FlagSet
}

// WithConfigPath forces the loader to read configuration from a specific file.
// A missing file is an error.
func WithConfigPath(path string) Option {
	return func(o *loadOptions) {
		o.configPath = path
	}
}

// WithSearchDirs sets the directories searched for ibscore.yaml when no
// config path is given.
func WithSearchDirs(dirs ...string) Option {
	return func(o *loadOptions) {
		o.searchDirs = dirs
	}
}

// WithEnvFile loads variables from path before reading the environment. An
// explicitly named file must exist; an empty path disables .env loading.
func WithEnvFile(path string) Option {
	return func(o *loadOptions) {
		o.envFile = path
		o.envFileSet = true
	}
}

// WithFlags binds flags named after the keys (with dashes) as overrides.
func WithFlags(flags *pflag.FlagSet) Option {
	return func(o *loadOptions) {
		o.flags = flags
	}
}

// EnvName returns the environment variable for key.
func EnvName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(key)
}

// FlagName returns the flag name bound to key.
func FlagName(key string) string {
	return strings.ReplaceAll(key, "_", "-")
}

// Load resolves the configuration. Precedence from highest: changed flags,
// environment (including .env), config file, defaults.
func Load(opts ...Option) (Config, Metadata, error) {
	options := loadOptions{envFile: defaultEnvFile, searchDirs: []string{"."}}
	for _, opt := range opts {
		opt(&options)
	}

	if err := loadDotEnv(options.envFile, options.envFileSet); err != nil {
		return Config{}, Metadata{}, err
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	v.SetDefault(KeyResultsDir, DefaultResultsDir)
	v.SetDefault(KeyTasksDir, DefaultTasksDir)
	v.SetDefault(KeyJudgeModel, "")
	v.SetDefault(KeyJudgeCommand, "")
	v.SetDefault(KeyJudgePrompt, "")
	v.SetDefault(KeyLogLevel, DefaultLogLevel)
	v.SetDefault(KeyLogFormat, DefaultLogFormat)
	v.SetDefault(KeyMetricsFile, "")
	v.SetDefault(KeyTaskCacheSize, DefaultTaskCacheSize)

	meta := Metadata{sources: map[string]ValueSource{}, loadedAt: time.Now()}

	if options.configPath != "" {
		v.SetConfigFile(options.configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, Metadata{}, fmt.Errorf("read config %s: %w", options.configPath, err)
		}
		meta.file = v.ConfigFileUsed()
	} else {
		v.SetConfigName(defaultConfigName)
		v.SetConfigType("yaml")
		for _, dir := range options.searchDirs {
			v.AddConfigPath(dir)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, Metadata{}, fmt.Errorf("read config: %w", err)
			}
		} else {
			meta.file = v.ConfigFileUsed()
		}
	}

	if options.flags != nil {
		for _, key := range Keys {
			if flag := options.flags.Lookup(FlagName(key)); flag != nil {
				if err := v.BindPFlag(key, flag); err != nil {
					return Config{}, Metadata{}, fmt.Errorf("bind flag %s: %w", flag.Name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, Metadata{}, fmt.Errorf("decode config: %w", err)
	}
	if cfg.TaskCacheSize <= 0 {
		cfg.TaskCacheSize = DefaultTaskCacheSize
	}

	for _, key := range Keys {
		meta.sources[key] = source(v, options.flags, key)
	}
	return cfg, meta, nil
}

func source(v *viper.Viper, flags *pflag.FlagSet, key string) ValueSource {
	if flags != nil {
		if flag := flags.Lookup(FlagName(key)); flag != nil && flag.Changed {
			return SourceOverride
		}
	}
	if _, ok := os.LookupEnv(EnvName(key)); ok {
		return SourceEnv
	}
	if v.InConfig(key) {
		return SourceFile
	}
	return SourceDefault
}

// loadDotEnv reads path into the process environment without overriding
// variables that are already set.
func loadDotEnv(path string, explicit bool) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return nil
		}
		return fmt.Errorf("env file %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}
