// Package config loads and writes axosync.toml.
//
// Settings live in a single [config] table. Values are layered the usual
// way: built-in defaults, then the file, then AXOSYNC_<KEY> environment
// variables. Unknown keys are rejected so a typo never silently falls back
// to a default.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/natefinch/atomic"
	"github.com/spf13/viper"

	"github.com/angeld23/axosync/internal/errs"
	"github.com/angeld23/axosync/internal/logging"
)

// FileName is the settings file looked up in the working directory.
const FileName = "axosync.toml"

// SchemaURL is referenced from the first line of generated files so editors
// can validate them.
const SchemaURL = "https://raw.githubusercontent.com/angeld23/axosync/refs/heads/main/schema.json"

// DefaultPort is the port the editor plugin connects to.
const DefaultPort = 33752

// envPrefix prefixes environment overrides (AXOSYNC_PORT, ...).
const envPrefix = "AXOSYNC"

// ErrExists is returned by WriteDefault when the file is already present.
var ErrExists = errors.New("config file already exists")

// Config is the [config] table.
type Config struct {
	ProjectName              string `toml:"project_name"`
	Port                     int    `toml:"port"`
	SourcemapDirectory       string `toml:"sourcemap_directory"`
	FilePathsScrapeDirectory string `toml:"file_paths_scrape_directory"`
	LogLevel                 string `toml:"log_level"`

	// FilePathsBase is the directory scraped paths are made relative to.
	// Empty keeps them absolute.
	FilePathsBase string `toml:"file_paths_base"`

	// LogFile additionally writes logs to a rotated file when set.
	LogFile string `toml:"log_file"`

	// HistoryFile enables the batch journal when set.
	HistoryFile string `toml:"history_file"`

	// WatchFilePaths announces layout changes to websocket clients.
	WatchFilePaths bool `toml:"watch_file_paths"`
}

// file is the on-disk document shape.
type file struct {
	Config Config `toml:"config"`
}

// Default returns the built-in settings for a project rooted at dir. The
// project name defaults to the directory's base name.
func Default(dir string) Config {
	name := "axosync"
	if abs, err := filepath.Abs(dir); err == nil {
		if base := filepath.Base(abs); base != string(filepath.Separator) && base != "." {
			name = base
		}
	}

	return Config{
		ProjectName:              name,
		Port:                     DefaultPort,
		SourcemapDirectory:       ".",
		FilePathsScrapeDirectory: ".",
		LogLevel:                 "info",
		WatchFilePaths:           true,
	}
}

// keys maps every accepted key to its default.
func keys(def Config) map[string]interface{} {
	return map[string]interface{}{
		"project_name":                def.ProjectName,
		"port":                        def.Port,
		"sourcemap_directory":         def.SourcemapDirectory,
		"file_paths_scrape_directory": def.FilePathsScrapeDirectory,
		"log_level":                   def.LogLevel,
		"file_paths_base":             def.FilePathsBase,
		"log_file":                    def.LogFile,
		"history_file":                def.HistoryFile,
		"watch_file_paths":            def.WatchFilePaths,
	}
}

// Load reads the settings file at path. Relative directories in the result
// are resolved against the file's directory.
func Load(path string) (Config, error) {
	dir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return Config{}, &errs.FileSystemError{Op: "resolve", Path: path, Err: err}
	}
	def := Default(dir)

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, &errs.FileSystemError{Op: "read", Path: path, Err: err}
	}
	if err := checkStrict(path, data); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigType("toml")
	for key, value := range keys(def) {
		full := "config." + key
		v.SetDefault(full, value)
		if err := v.BindEnv(full, envPrefix+"_"+strings.ToUpper(key)); err != nil {
			return Config{}, fmt.Errorf("failed to bind environment for %s: %w", key, err)
		}
	}
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return Config{}, &errs.FormatError{Source: path, Err: err}
	}

	cfg := Config{
		ProjectName:              v.GetString("config.project_name"),
		Port:                     v.GetInt("config.port"),
		SourcemapDirectory:       v.GetString("config.sourcemap_directory"),
		FilePathsScrapeDirectory: v.GetString("config.file_paths_scrape_directory"),
		LogLevel:                 v.GetString("config.log_level"),
		FilePathsBase:            v.GetString("config.file_paths_base"),
		LogFile:                  v.GetString("config.log_file"),
		HistoryFile:              v.GetString("config.history_file"),
		WatchFilePaths:           v.GetBool("config.watch_file_paths"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, &errs.FormatError{Source: path, Err: err}
	}
	return cfg.Resolve(dir), nil
}

// checkStrict decodes the document strictly: a missing [config] table,
// wrong value types and unknown keys are errors.
func checkStrict(path string, data []byte) error {
	var doc file
	md, err := toml.Decode(string(data), &doc)
	if err != nil {
		return &errs.FormatError{Source: path, Err: err}
	}
	if !md.IsDefined("config") {
		return &errs.FormatError{Source: path, Err: errors.New("missing [config] table")}
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		unknown := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			unknown = append(unknown, key.String())
		}
		sort.Strings(unknown)
		return &errs.FormatError{
			Source: path,
			Err:    fmt.Errorf("unknown field(s): %s", strings.Join(unknown, ", ")),
		}
	}
	return nil
}

// Validate checks values that decode fine but cannot be used.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535 (got %d)", c.Port)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Resolve returns a copy with relative paths made absolute against dir.
func (c Config) Resolve(dir string) Config {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}

	c.SourcemapDirectory = resolve(c.SourcemapDirectory)
	c.FilePathsScrapeDirectory = resolve(c.FilePathsScrapeDirectory)
	c.FilePathsBase = resolve(c.FilePathsBase)
	c.LogFile = resolve(c.LogFile)
	c.HistoryFile = resolve(c.HistoryFile)
	return c
}

// Warnings lists settings that point at something other than a directory.
// They are reported but do not stop the server.
func (c Config) Warnings() []string {
	var warnings []string
	check := func(key, dir string) {
		info, err := os.Stat(dir)
		switch {
		case err != nil:
			warnings = append(warnings, fmt.Sprintf("%s %q is not accessible: %v", key, dir, err))
		case !info.IsDir():
			warnings = append(warnings, fmt.Sprintf("%s %q is not a directory", key, dir))
		}
	}

	check("sourcemap_directory", c.SourcemapDirectory)
	check("file_paths_scrape_directory", c.FilePathsScrapeDirectory)
	if c.FilePathsBase != "" {
		check("file_paths_base", c.FilePathsBase)
	}
	return warnings
}

// Encode renders cfg as a settings document with the schema header.
func Encode(cfg Config) ([]byte, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "#:schema %s\n\n", SchemaURL)

	if err := toml.NewEncoder(&buf).Encode(file{Config: cfg}); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteDefault writes the default settings for the file's directory to path.
// An existing file is only replaced when force is set.
func WriteDefault(path string, force bool) (Config, error) {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return Config{}, fmt.Errorf("%s: %w", path, ErrExists)
		} else if !os.IsNotExist(err) {
			return Config{}, &errs.FileSystemError{Op: "stat", Path: path, Err: err}
		}
	}

	cfg := Default(filepath.Dir(path))
	data, err := Encode(cfg)
	if err != nil {
		return Config{}, err
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return Config{}, &errs.FileSystemError{Op: "write", Path: path, Err: err}
	}
	return cfg, nil
}
