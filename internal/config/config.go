package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// retention and reaper interval, unless configured explicitly
const (
	defaultRetention = time.Hour
	defaultInterval  = 10 * time.Minute
	cloudRetention   = 30 * time.Minute
	cloudInterval    = 5 * time.Minute
)

type Config struct {
	Server    Server  `mapstructure:"server" yaml:"server"`
	Storage   Storage `mapstructure:"storage" yaml:"storage"`
	Upload    Upload  `mapstructure:"upload" yaml:"upload"`
	Worker    Worker  `mapstructure:"worker" yaml:"worker"`
	Device    Device  `mapstructure:"device" yaml:"device"`
	Cleanup   Cleanup `mapstructure:"cleanup" yaml:"cleanup"`
	CloudMode bool    `mapstructure:"cloud_mode" yaml:"cloud_mode"`
	Log       Log     `mapstructure:"log" yaml:"log"`
}

type Server struct {
	Addr            string        `mapstructure:"addr" yaml:"addr" validate:"required"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"gt=0"`
}

type Storage struct {
	TempDir   string `mapstructure:"temp_dir" yaml:"temp_dir" validate:"required"`
	OutputDir string `mapstructure:"output_dir" yaml:"output_dir" validate:"required"`
	ModelsDir string `mapstructure:"models_dir" yaml:"models_dir" validate:"required"`
	StemsURL  string `mapstructure:"stems_url" yaml:"stems_url" validate:"required,startswith=/"`
}

type Upload struct {
	MaxFileSizeMB int `mapstructure:"max_file_size_mb" yaml:"max_file_size_mb" validate:"min=1"`
}

// MaxBytes is the upload limit in bytes.
func (u Upload) MaxBytes() int64 {
	return int64(u.MaxFileSizeMB) * 1024 * 1024
}

type Worker struct {
	Path           string            `mapstructure:"path" yaml:"path" validate:"required"`
	Args           []string          `mapstructure:"args" yaml:"args"`
	Env            map[string]string `mapstructure:"env" yaml:"env"`
	TerminateGrace time.Duration     `mapstructure:"terminate_grace" yaml:"terminate_grace" validate:"gt=0"`
	Timeout        time.Duration     `mapstructure:"timeout" yaml:"timeout" validate:"gte=0"`
}

// Environ returns the worker environment: the environment of this process
// extended by the configured variables. Values starting with $ are expanded.
func (w Worker) Environ() []string {
	env := os.Environ()
	for k, v := range w.Env {
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		env = append(env, strings.ToUpper(k)+"="+v)
	}
	return env
}

type Device struct {
	Override       string   `mapstructure:"override" yaml:"override"`
	ReleaseCommand []string `mapstructure:"release_command" yaml:"release_command"`
}

type Cleanup struct {
	Interval      time.Duration `mapstructure:"interval" yaml:"interval" validate:"gt=0"`
	Schedule      string        `mapstructure:"schedule" yaml:"schedule,omitempty"`
	Retention     time.Duration `mapstructure:"retention" yaml:"retention" validate:"gt=0"`
	FallbackDelay time.Duration `mapstructure:"fallback_delay" yaml:"fallback_delay" validate:"gt=0"`
}

type Log struct {
	Verbose bool   `mapstructure:"verbose" yaml:"verbose"`
	Format  string `mapstructure:"format" yaml:"format" validate:"oneof=json console"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration values.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			errs := make([]error, 0, len(verrs))
			for _, fe := range verrs {
				errs = append(errs, fmt.Errorf("%s: failed on %q", fe.Namespace(), fe.Tag()))
			}
			return errors.Join(errs...)
		}
		return err
	}
	if c.Cleanup.Schedule != "" {
		if _, err := ParseCron(c.Cleanup.Schedule); err != nil {
			return fmt.Errorf("parsing cleanup.schedule: %w", err)
		}
	}
	return nil
}

// Default returns the configuration used when no file is given.
func Default() Config {
	v := newViper()
	cfg, err := decode(v)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads the yaml configuration file at path. An empty path uses the
// defaults. Environment variables take precedence over the file.
func Load(path string) (Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
	}
	return load(v)
}

// Read is Load reading the yaml from r.
func Read(r io.Reader) (Config, error) {
	v := newViper()
	if err := v.ReadConfig(r); err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	return load(v)
}

func load(v *viper.Viper) (Config, error) {
	cfg, err := decode(v)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationHook,
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}

	if cfg.Cleanup.Retention == 0 {
		cfg.Cleanup.Retention = defaultRetention
		switch secs := v.GetInt("cleanup.retention_seconds"); {
		case cfg.CloudMode:
			cfg.Cleanup.Retention = cloudRetention
		case secs > 0:
			cfg.Cleanup.Retention = time.Duration(secs) * time.Second
		}
	}
	if cfg.Cleanup.Interval == 0 {
		cfg.Cleanup.Interval = defaultInterval
		if cfg.CloudMode {
			cfg.Cleanup.Interval = cloudInterval
		}
	}
	cfg.Device.Override = strings.ToLower(strings.TrimSpace(cfg.Device.Override))
	return cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("storage.temp_dir", "temp_audio")
	v.SetDefault("storage.output_dir", "static_stems")
	v.SetDefault("storage.models_dir", "models")
	v.SetDefault("storage.stems_url", "/stems")
	v.SetDefault("upload.max_file_size_mb", 50)
	v.SetDefault("worker.path", "python3")
	v.SetDefault("worker.args", []string{"worker.py"})
	v.SetDefault("worker.env", map[string]string{})
	v.SetDefault("worker.terminate_grace", "3s")
	v.SetDefault("worker.timeout", "0s")
	v.SetDefault("device.override", "")
	v.SetDefault("device.release_command", []string{})
	v.SetDefault("cleanup.schedule", "")
	v.SetDefault("cleanup.fallback_delay", "60s")
	v.SetDefault("cloud_mode", false)
	v.SetDefault("log.verbose", false)
	v.SetDefault("log.format", "json")

	v.SetEnvPrefix("UNWEAVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// variables understood by the previous deployments
	_ = v.BindEnv("device.override", "UNWEAVE_DEVICE_OVERRIDE", "DEVICE_OVERRIDE")
	_ = v.BindEnv("cloud_mode", "UNWEAVE_CLOUD_MODE", "CLOUD_MODE")
	_ = v.BindEnv("upload.max_file_size_mb", "UNWEAVE_UPLOAD_MAX_FILE_SIZE_MB", "MAX_FILE_SIZE_MB")
	_ = v.BindEnv("cleanup.retention_seconds", "CLEANUP_INTERVAL_SECONDS")
	// no defaults, zero is resolved according cloud_mode
	_ = v.BindEnv("cleanup.retention")
	_ = v.BindEnv("cleanup.interval")
	return v
}

var durationType = reflect.TypeOf(time.Duration(0))

func durationHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to != durationType {
		return data, nil
	}
	s, _ := data.(string)
	if s == "" {
		return time.Duration(0), nil
	}
	return ParseDuration(s)
}
