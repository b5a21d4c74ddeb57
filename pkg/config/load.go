package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration. Values are resolved in order:
// defaults, YAML file, TSGATE_* environment variables, command-line flags.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Backend BackendConfig `yaml:"backend"`
	Node    NodeConfig    `yaml:"node"`
	Import  ImportConfig  `yaml:"import"`
	Export  ExportConfig  `yaml:"export"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	Port string `yaml:"port" validate:"required,numeric"`
}

// BackendConfig selects how the gateway reaches its backend
type BackendConfig struct {
	Mode        string        `yaml:"mode" validate:"oneof=remote embedded memory"`
	Endpoint    string        `yaml:"endpoint" validate:"required_if=Mode remote"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	DataDir     string        `yaml:"data_dir" validate:"required_if=Mode embedded"`
	MaxMemoryMB int64         `yaml:"max_memory_mb" validate:"gte=0"`
	CallTimeout time.Duration `yaml:"call_timeout" validate:"gt=0"`
	LoadTimeout time.Duration `yaml:"load_timeout" validate:"gt=0"`
}

// NodeConfig configures cmd/backend
type NodeConfig struct {
	Port      string `yaml:"port" validate:"required,numeric"`
	Store     string `yaml:"store" validate:"oneof=badger memory"`
	DataDir   string `yaml:"data_dir"`
	UploadDir string `yaml:"upload_dir"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

type ImportConfig struct {
	TempDir   string `yaml:"temp_dir"`
	ChunkSize int    `yaml:"chunk_size" validate:"gt=0"`
}

type ExportConfig struct {
	// TimeColumn names the leading timestamp column in query and export output
	TimeColumn string `yaml:"time_column" validate:"required"`
}

type LogConfig struct {
	Level       string `yaml:"level" validate:"oneof=debug info warn error"`
	Development bool   `yaml:"development"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Server: ServerConfig{Port: DefaultPort},
		Backend: BackendConfig{
			Mode:        DefaultBackendMode,
			Endpoint:    DefaultEndpoint,
			DataDir:     DefaultDataDir,
			MaxMemoryMB: DefaultMaxMemoryMB,
			CallTimeout: BackendCallTimeout,
			LoadTimeout: BackendLoadTimeout,
		},
		Node: NodeConfig{
			Port:    DefaultNodePort,
			Store:   DefaultNodeStore,
			DataDir: DefaultDataDir,
		},
		Import: ImportConfig{ChunkSize: ImportChunkSize},
		Export: ExportConfig{TimeColumn: DefaultTimeColumn},
		Log:    LogConfig{Level: DefaultLogLevel},
	}
}

// NewFlagSet returns the gateway's command-line flags
func NewFlagSet(name string) *pflag.FlagSet {
	d := Default()
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "path to YAML config file")
	fs.String("port", d.Server.Port, "HTTP listen port")
	fs.String("backend", d.Backend.Mode, "backend mode: remote, embedded or memory")
	fs.String("backend-endpoint", d.Backend.Endpoint, "backend node URL (remote mode)")
	fs.String("data-dir", d.Backend.DataDir, "BadgerDB directory (embedded mode)")
	fs.Duration("call-timeout", d.Backend.CallTimeout, "timeout for each backend call")
	fs.Int("chunk-size", d.Import.ChunkSize, "import chunk size in bytes")
	fs.String("time-column", d.Export.TimeColumn, "name of the timestamp column in results")
	fs.String("log-level", d.Log.Level, "log level: debug, info, warn or error")
	fs.Bool("log-development", d.Log.Development, "human-friendly console logs")
	return fs
}

// NewNodeFlagSet returns cmd/backend's command-line flags
func NewNodeFlagSet(name string) *pflag.FlagSet {
	d := Default()
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "path to YAML config file")
	fs.String("node-port", d.Node.Port, "HTTP listen port")
	fs.String("store", d.Node.Store, "store: badger or memory")
	fs.String("node-data-dir", d.Node.DataDir, "BadgerDB directory")
	fs.String("upload-dir", d.Node.UploadDir, "directory for staged uploads")
	fs.String("log-level", d.Log.Level, "log level: debug, info, warn or error")
	fs.Bool("log-development", d.Log.Development, "human-friendly console logs")
	return fs
}

// Load resolves configuration. fs must already be parsed; only flags set
// explicitly override file and environment values. fs may be nil.
func Load(fs *pflag.FlagSet) (Config, error) {
	cfg := Default()

	var path string
	if fs != nil {
		path, _ = fs.GetString("config")
	}
	if path == "" {
		path = os.Getenv("TSGATE_CONFIG")
	}
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if fs != nil {
		var flagErr error
		fs.Visit(func(f *pflag.Flag) {
			if err := applyFlag(&cfg, fs, f.Name); err != nil {
				flagErr = errors.Join(flagErr, err)
			}
		})
		if flagErr != nil {
			return Config{}, flagErr
		}
	}

	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	var errs []error

	// PORT is honoured for platforms that inject it
	setString(&cfg.Server.Port, "PORT")
	setString(&cfg.Server.Port, "TSGATE_PORT")
	setString(&cfg.Backend.Mode, "TSGATE_BACKEND")
	setString(&cfg.Backend.Endpoint, "TSGATE_BACKEND_ENDPOINT")
	setString(&cfg.Backend.Username, "TSGATE_BACKEND_USERNAME")
	setString(&cfg.Backend.Password, "TSGATE_BACKEND_PASSWORD")
	setString(&cfg.Backend.DataDir, "TSGATE_DATA_DIR")
	setString(&cfg.Node.Port, "TSGATE_NODE_PORT")
	setString(&cfg.Node.Store, "TSGATE_NODE_STORE")
	setString(&cfg.Node.DataDir, "TSGATE_NODE_DATA_DIR")
	setString(&cfg.Node.UploadDir, "TSGATE_NODE_UPLOAD_DIR")
	setString(&cfg.Node.Username, "TSGATE_NODE_USERNAME")
	setString(&cfg.Node.Password, "TSGATE_NODE_PASSWORD")
	setString(&cfg.Import.TempDir, "TSGATE_TEMP_DIR")
	setString(&cfg.Export.TimeColumn, "TSGATE_TIME_COLUMN")
	setString(&cfg.Log.Level, "TSGATE_LOG_LEVEL")

	errs = append(errs,
		setInt64(&cfg.Backend.MaxMemoryMB, "TSGATE_MAX_MEMORY_MB"),
		setDuration(&cfg.Backend.CallTimeout, "TSGATE_CALL_TIMEOUT"),
		setDuration(&cfg.Backend.LoadTimeout, "TSGATE_LOAD_TIMEOUT"),
		setInt(&cfg.Import.ChunkSize, "TSGATE_CHUNK_SIZE"),
	)
	return errors.Join(errs...)
}

func applyFlag(cfg *Config, fs *pflag.FlagSet, name string) error {
	var err error
	switch name {
	case "port":
		cfg.Server.Port, err = fs.GetString(name)
	case "backend":
		cfg.Backend.Mode, err = fs.GetString(name)
	case "backend-endpoint":
		cfg.Backend.Endpoint, err = fs.GetString(name)
	case "data-dir":
		cfg.Backend.DataDir, err = fs.GetString(name)
	case "call-timeout":
		cfg.Backend.CallTimeout, err = fs.GetDuration(name)
	case "chunk-size":
		cfg.Import.ChunkSize, err = fs.GetInt(name)
	case "time-column":
		cfg.Export.TimeColumn, err = fs.GetString(name)
	case "log-level":
		cfg.Log.Level, err = fs.GetString(name)
	case "log-development":
		cfg.Log.Development, err = fs.GetBool(name)
	case "node-port":
		cfg.Node.Port, err = fs.GetString(name)
	case "store":
		cfg.Node.Store, err = fs.GetString(name)
	case "node-data-dir":
		cfg.Node.DataDir, err = fs.GetString(name)
	case "upload-dir":
		cfg.Node.UploadDir, err = fs.GetString(name)
	}
	if err != nil {
		return fmt.Errorf("flag --%s: %w", name, err)
	}
	return nil
}

func setString(dst *string, key string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

func setInt64(dst *int64, key string) error {
	if val := os.Getenv(key); val != "" {
		parsed, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %q", key, val)
		}
		*dst = parsed
	}
	return nil
}

func setInt(dst *int, key string) error {
	if val := os.Getenv(key); val != "" {
		parsed, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %q", key, val)
		}
		*dst = parsed
	}
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	if val := os.Getenv(key); val != "" {
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %q", key, val)
		}
		*dst = parsed
	}
	return nil
}
