/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package config loads the runtime configuration.
//
// Values are layered: built-in defaults, then an optional TOML file, then
// environment variables with the ROVMM_ prefix.
//
// Environment Variables:
//   - ROVMM_CONFIG: path of the TOML file
//   - ROVMM_REGISTRY_NAME, ROVMM_REGISTRY_DIR, ROVMM_REGISTRY_CAPACITY, ROVMM_REGISTRY_INIT_TIMEOUT
//   - ROVMM_INTERCEPTOR_STRICT, ROVMM_INTERCEPTOR_AUDIT_CAPACITY
//   - ROVMM_LOG_LEVEL, ROVMM_LOG_DEVELOPMENT
//   - ROVMM_CUDA_LIBRARY
//   - ROVMM_SERVE_METRICS_ADDR
//   - ROVMM_TRANSFER_SOCKET, ROVMM_TRANSFER_DIAL_TIMEOUT
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"

	"github.com/srediag/gpu-roshare/internal/logging"
)

const (
	// EnvPrefix prefixes every environment variable.
	EnvPrefix = "ROVMM"
	// EnvFile names the TOML file to load when Load is given no path.
	EnvFile = "ROVMM_CONFIG"

	maxCapacity = 1 << 20
)

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("config: invalid")

// Config holds all runtime configuration. Section fields prefix their
// variables: Registry.Capacity is read from ROVMM_REGISTRY_CAPACITY.
type Config struct {
	Registry    RegistryConfig    `toml:"registry"`
	Interceptor InterceptorConfig `toml:"interceptor"`
	Log         LogConfig         `toml:"log"`
	CUDA        CUDAConfig        `toml:"cuda"`
	Serve       ServeConfig       `toml:"serve"`
	Transfer    TransferConfig    `toml:"transfer"`
}

// RegistryConfig locates and sizes the shared read-only table.
type RegistryConfig struct {
	Name        string   `split_words:"true" toml:"name"`
	Dir         string   `split_words:"true" toml:"dir"`
	Capacity    int      `split_words:"true" toml:"capacity"`
	InitTimeout Duration `split_words:"true" toml:"init_timeout"`
}

// InterceptorConfig holds enforcement settings.
type InterceptorConfig struct {
	Strict        bool `split_words:"true" toml:"strict"`
	AuditCapacity int  `split_words:"true" toml:"audit_capacity"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `split_words:"true" toml:"level"`
	Development bool   `split_words:"true" toml:"development"`
}

// CUDAConfig names the real driver library.
type CUDAConfig struct {
	Library string `split_words:"true" toml:"library"`
}

// ServeConfig holds the operator endpoint settings.
type ServeConfig struct {
	MetricsAddr string `split_words:"true" toml:"metrics_addr"`
}

// TransferConfig holds the descriptor hand-off settings.
type TransferConfig struct {
	Socket      string   `split_words:"true" toml:"socket"`
	DialTimeout Duration `split_words:"true" toml:"dial_timeout"`
}

// Duration is a time.Duration written as a Go duration string ("5s").
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Registry: RegistryConfig{
			Name:        "cuda_ro_wrapper_handles",
			Dir:         "/dev/shm",
			Capacity:    1024,
			InitTimeout: Duration(5 * time.Second),
		},
		Interceptor: InterceptorConfig{
			Strict:        false,
			AuditCapacity: 256,
		},
		Log: LogConfig{
			Level:       "warn",
			Development: false,
		},
		CUDA: CUDAConfig{
			Library: "libcuda.so.1",
		},
		Serve: ServeConfig{
			MetricsAddr: "127.0.0.1:9464",
		},
		Transfer: TransferConfig{
			Socket:      "/tmp/cuda_vmm_test.sock",
			DialTimeout: Duration(30 * time.Second),
		},
	}
}

// Load builds the configuration. path, or ROVMM_CONFIG when path is empty,
// names an optional TOML file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvFile)
	}
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads configuration or falls back to Default. The load
// error is returned alongside the defaults so the caller can report it.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return Default(), err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	defer f.Close()
	dec := toml.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

// Validate rejects unusable settings.
func (c *Config) Validate() error {
	var errs []error
	if c.Registry.Name == "" || strings.ContainsRune(c.Registry.Name, '/') {
		errs = append(errs, fmt.Errorf("%w: registry name %q", ErrInvalid, c.Registry.Name))
	}
	if c.Registry.Capacity <= 0 || c.Registry.Capacity > maxCapacity {
		errs = append(errs, fmt.Errorf("%w: registry capacity %d", ErrInvalid, c.Registry.Capacity))
	}
	if c.Registry.InitTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%w: registry init timeout %s", ErrInvalid, c.Registry.InitTimeout))
	}
	if c.Interceptor.AuditCapacity < 0 {
		errs = append(errs, fmt.Errorf("%w: audit capacity %d", ErrInvalid, c.Interceptor.AuditCapacity))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "dpanic", "panic", "fatal":
	default:
		errs = append(errs, fmt.Errorf("%w: log level %q", ErrInvalid, c.Log.Level))
	}
	if c.Transfer.Socket == "" {
		errs = append(errs, fmt.Errorf("%w: empty transfer socket", ErrInvalid))
	}
	return errors.Join(errs...)
}

// Logging returns the logger configuration.
func (c *Config) Logging() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = c.Log.Level
	cfg.Development = c.Log.Development
	return cfg
}

// Encode renders c as TOML.
func (c *Config) Encode() ([]byte, error) {
	return toml.Marshal(c)
}
