package config

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/m-mizutani/goerr/v2"
	"github.com/pelletier/go-toml/v2"
	"github.com/sethvargo/go-envconfig"
)

const (
	// DefaultAddr is the bind address of the serve command.
	DefaultAddr = "127.0.0.1:8080"
	// DefaultEnvFile is read from the working directory when present.
	DefaultEnvFile = ".env"

	wasmModuleName = "xm_encryptor.wasm"
	lockFileName   = ".xmdecrypt.lock"
)

var defaultCORSOrigins = []string{"http://localhost:3000", "http://localhost:5173", "http://localhost:5174"}

// Config holds the resolved settings of one xmdecrypt run.
type Config struct {
	// OutputRoot is where decrypted audio is written, one sub-directory per album.
	OutputRoot string `toml:"output_root" env:"XMDECRYPT_OUTPUT_ROOT, overwrite"`
	// WasmPath points at the stage-2 WebAssembly module.
	WasmPath string `toml:"wasm_path" env:"XMDECRYPT_WASM_PATH, overwrite"`

	Addr        string   `toml:"addr" env:"XMDECRYPT_ADDR, overwrite"`
	CORSOrigins []string `toml:"cors_origins" env:"XMDECRYPT_CORS_ORIGINS, overwrite"`
	GinMode     string   `toml:"gin_mode" env:"GIN_MODE, overwrite"`
}

// LoadOptions controls where Load looks for each configuration layer.
type LoadOptions struct {
	// ConfigFile is an optional TOML file. A missing file is an error only when set.
	ConfigFile string
	// SettingsFile is the user settings JSON. Defaults to SettingsFilePath().
	SettingsFile string
	// EnvFile is an optional dotenv file. Defaults to DefaultEnvFile.
	EnvFile string
	// Lookuper overrides the process environment, mainly for tests.
	Lookuper envconfig.Lookuper
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		OutputRoot:  DefaultOutputRoot(),
		WasmPath:    DefaultWasmPath(),
		Addr:        DefaultAddr,
		CORSOrigins: append([]string(nil), defaultCORSOrigins...),
		GinMode:     "release",
	}
}

// Load resolves the configuration: defaults, then the TOML file, then the user
// settings file, then .env, then the environment. CLI flags are applied by the
// caller afterwards.
func Load(ctx context.Context, opts LoadOptions) (*Config, error) {
	cfg := Default()

	if opts.ConfigFile != "" {
		path, err := expandPath(opts.ConfigFile)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to read config file", goerr.V("path", path))
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, goerr.Wrap(err, "failed to parse config file", goerr.V("path", path))
		}
	}

	settingsFile := opts.SettingsFile
	if settingsFile == "" {
		settingsFile = SettingsFilePath()
	}
	settings, err := LoadUserSettings(settingsFile)
	if err != nil {
		return nil, err
	}
	if settings.OutputLocation != "" {
		cfg.OutputRoot = settings.OutputLocation
	}

	envFile := opts.EnvFile
	if envFile == "" {
		envFile = DefaultEnvFile
	}
	dotenv, err := godotenv.Read(envFile)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, goerr.Wrap(err, "failed to read env file", goerr.V("path", envFile))
	}

	lookuper := opts.Lookuper
	if lookuper == nil {
		lookuper = envconfig.OsLookuper()
	}
	if len(dotenv) > 0 {
		// Real environment variables win over .env entries.
		lookuper = envconfig.MultiLookuper(lookuper, envconfig.MapLookuper(dotenv))
	}
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: cfg, Lookuper: lookuper}); err != nil {
		return nil, goerr.Wrap(err, "failed to process environment")
	}

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() error {
	var err error
	if c.OutputRoot, err = expandPath(strings.TrimSpace(c.OutputRoot)); err != nil {
		return err
	}
	if c.WasmPath, err = expandPath(strings.TrimSpace(c.WasmPath)); err != nil {
		return err
	}
	if c.OutputRoot == "" {
		return goerr.New("output root must not be empty")
	}

	origins := c.CORSOrigins[:0]
	for _, o := range c.CORSOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.CORSOrigins = origins
	return nil
}

// LockPath returns the advisory lock file guarding the output root.
func (c *Config) LockPath() string {
	return filepath.Join(c.OutputRoot, lockFileName)
}

// DefaultOutputRoot returns <home>/Documents/XimalayaDecrypt.
func DefaultOutputRoot() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "XimalayaDecrypt")
	}
	return filepath.Join(homeDir, "Documents", "XimalayaDecrypt")
}

// DefaultWasmPath returns the stage-2 module path next to the running executable.
func DefaultWasmPath() string {
	exe, err := os.Executable()
	if err != nil {
		return wasmModuleName
	}
	return filepath.Join(filepath.Dir(exe), wasmModuleName)
}

func expandPath(path string) (string, error) {
	if path == "" || !strings.HasPrefix(path, "~") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", goerr.Wrap(err, "failed to resolve home directory")
	}
	if path == "~" {
		return homeDir, nil
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(homeDir, path[2:]), nil
	}
	return path, nil
}
