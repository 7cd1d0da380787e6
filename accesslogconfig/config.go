// Copyright 2025-2026 Patrick J. Scruggs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package accesslogconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/pjscruggs/accesslog"
)

// Section is the key under which settings are read.
const Section = "accesslog"

var (
	// ErrEmptyPath reports a missing config file path.
	ErrEmptyPath = errors.New("accesslogconfig: empty config path")
	// ErrUnsupportedFormat reports a file extension or format that is neither
	// YAML nor JSON.
	ErrUnsupportedFormat = errors.New("accesslogconfig: unsupported config format")
	// ErrLoadFailed reports a file that could not be read.
	ErrLoadFailed = errors.New("accesslogconfig: failed to load config")
	// ErrParseFailed reports content the parser rejected.
	ErrParseFailed = errors.New("accesslogconfig: failed to parse config")
	// ErrUnmarshalFailed reports a section that does not fit Settings.
	ErrUnmarshalFailed = errors.New("accesslogconfig: failed to unmarshal config")
	// ErrNotReloadable reports a Reload on a Config built from bytes.
	ErrNotReloadable = errors.New("accesslogconfig: config created from bytes cannot be reloaded")
)

// Format names a supported file format.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// Settings is the access log section of the config file.
type Settings struct {
	// Enabled gates access log emission. Defaults to true.
	Enabled bool `koanf:"enabled"`
	// ServiceName is stamped on outbound requests as the calling
	// microservice. Empty falls back to accesslog.DetectServiceName.
	ServiceName string `koanf:"service_name"`
}

// Bindings are the live values a Config drives. Nil fields are skipped.
// Pass ServiceName to the adapters with accessloghttp.WithServiceNameSource
// or accessloggrpc.WithServiceNameSource.
type Bindings struct {
	Switch      *accesslog.Switch
	ServiceName *accesslog.ServiceNameHolder
}

// apply stores s in the bound values.
func (b Bindings) apply(s Settings) {
	if b.Switch != nil {
		b.Switch.Set(s.Enabled)
	}
	if b.ServiceName != nil {
		b.ServiceName.Set(s.ServiceName)
	}
}

// DefaultSettings returns the settings used for keys the file omits.
func DefaultSettings() Settings {
	return Settings{Enabled: true}
}

// Config is a loaded settings file.
type Config struct {
	mu      sync.RWMutex
	k       *koanf.Koanf
	path    string
	format  Format
	isBytes bool
}

// New loads the file at path, choosing the parser from its extension.
func New(path string) (*Config, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}
	format, err := detectFormat(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadFailed, err)
	}
	k, err := load(data, format)
	if err != nil {
		return nil, err
	}
	return &Config{k: k, path: path, format: format}, nil
}

// NewFromBytes loads settings from data in the given format. Empty data
// yields DefaultSettings.
func NewFromBytes(data []byte, format Format) (*Config, error) {
	k, err := load(data, format)
	if err != nil {
		return nil, err
	}
	return &Config{k: k, format: format, isBytes: true}, nil
}

// Reload re-reads the file. On failure the previous content is kept.
func (c *Config) Reload() error {
	if c.isBytes {
		return ErrNotReloadable
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLoadFailed, err)
	}
	k, err := load(data, c.format)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.k = k
	c.mu.Unlock()
	return nil
}

// Settings decodes the access log section over DefaultSettings.
func (c *Config) Settings() (Settings, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := DefaultSettings()
	if err := c.k.Unmarshal(Section, &s); err != nil {
		return DefaultSettings(), fmt.Errorf("%w: %w", ErrUnmarshalFailed, err)
	}
	s.ServiceName = strings.TrimSpace(s.ServiceName)
	return s, nil
}

// Apply decodes the settings and stores them in b.
func (c *Config) Apply(b Bindings) (Settings, error) {
	s, err := c.Settings()
	if err != nil {
		return s, err
	}
	b.apply(s)
	return s, nil
}

// Path returns the file path, empty for configs built from bytes.
func (c *Config) Path() string {
	return c.path
}

// Format returns the config format.
func (c *Config) Format() Format {
	return c.format
}

// detectFormat maps a file extension to a Format.
func detectFormat(path string) (Format, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("%w: unknown extension %q", ErrUnsupportedFormat, ext)
	}
}

// load parses data into a fresh koanf instance.
func load(data []byte, format Format) (*koanf.Koanf, error) {
	var parser koanf.Parser
	switch format {
	case FormatYAML:
		parser = yaml.Parser()
	case FormatJSON:
		parser = json.Parser()
	default:
		return nil, ErrUnsupportedFormat
	}

	k := koanf.New(".")
	if len(data) == 0 {
		return k, nil
	}
	if err := k.Load(rawbytes.Provider(data), parser); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParseFailed, err)
	}
	return k, nil
}
