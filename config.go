package framepool

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type PoolConfig struct {
	// FreeThreshold is the number of free buffers a single size class can hold
	// before the pool starts to release device memory. When FreeAll pushes a free
	// list past the threshold, the oldest half of that list is released.
	// A value of 0 disables trimming: free lists only grow.
	FreeThreshold int `yaml:"free_threshold"`

	// TrimInterval is the period of a TrimWorker. A pool that served no
	// allocation for a whole interval has its free buffers released.
	// A value of 0 disables the worker.
	TrimInterval time.Duration `yaml:"trim_interval"`
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		FreeThreshold: 0, // Never release before teardown.
		TrimInterval:  0,
	}
}

func (c PoolConfig) Validate() error {
	var errs []error
	if c.FreeThreshold < 0 {
		errs = append(errs, errors.New("invalid config: free_threshold must not be negative"))
	}
	if c.TrimInterval < 0 {
		errs = append(errs, errors.New("invalid config: trim_interval must not be negative"))
	}
	return errors.Join(errs...)
}

type FrameConfig struct {
	// AcquireTimeout bounds the wait for the next presentable image.
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`

	// FenceTimeout bounds the wait for the previous submission of a frame slot.
	FenceTimeout time.Duration `yaml:"fence_timeout"`
}

func DefaultFrameConfig() FrameConfig {
	return FrameConfig{
		AcquireTimeout: time.Second,
		FenceTimeout:   time.Second,
	}
}

func (c FrameConfig) Validate() error {
	var errs []error
	if c.AcquireTimeout <= 0 {
		errs = append(errs, errors.New("invalid config: acquire_timeout must be positive"))
	}
	if c.FenceTimeout <= 0 {
		errs = append(errs, errors.New("invalid config: fence_timeout must be positive"))
	}
	return errors.Join(errs...)
}

// Config is the file representation of the pool and frame settings.
type Config struct {
	Frame FrameConfig `yaml:"frame"`
	Pool  PoolConfig  `yaml:"pool"`
}

func DefaultConfig() Config {
	return Config{
		Frame: DefaultFrameConfig(),
		Pool:  DefaultPoolConfig(),
	}
}

func (c Config) Validate() error {
	return errors.Join(c.Frame.Validate(), c.Pool.Validate())
}

// ReadConfig parses a YAML configuration. Fields absent from r keep their
// default values; unknown fields are an error.
func ReadConfig(r io.Reader) (Config, error) {
	c := DefaultConfig()
	d := yaml.NewDecoder(r)
	d.KnownFields(true)
	if err := d.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// LoadConfig reads the configuration file at path.
func LoadConfig(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()
	return ReadConfig(f)
}
