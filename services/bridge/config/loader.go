// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/lspbridge/services/bridge/lsp"
	"github.com/AleutianAI/lspbridge/services/bridge/privacy"
)

const (
	// EnvConfig names a config file when no explicit path is given.
	EnvConfig = "LSPBRIDGE_CONFIG"

	// EnvLogLevel overrides logging.level.
	EnvLogLevel = "LSPBRIDGE_LOG_LEVEL"
)

// ErrNotFound is returned when an explicitly named file does not exist.
var ErrNotFound = errors.New("config file not found")

// workspaceNames are looked up in the workspace root, in order.
var workspaceNames = []string{".lspbridge.yaml", ".lspbridge.yml", ".lspbridge.toml"}

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("regexp", validateRegexp)
}

// validateRegexp checks that a string field compiles as a Go regexp.
func validateRegexp(fl validator.FieldLevel) bool {
	_, err := regexp.Compile(fl.Field().String())
	return err == nil
}

// LoadOptions locate the config file.
type LoadOptions struct {
	// Path is an explicit file, usually from --config.
	Path string

	// Root is the workspace root searched for .lspbridge.{yaml,yml,toml}.
	Root string

	// Getenv reads the environment. Nil uses os.Getenv.
	Getenv func(string) string

	// UserConfigDir overrides the per-user config directory.
	UserConfigDir string
}

// Load finds, decodes and validates the configuration.
//
// Description:
//
//	Search order: opts.Path, $LSPBRIDGE_CONFIG, the workspace root files,
//	the per-user config.yaml, then built-in defaults. Values from the file
//	are laid over Default(), so a file only needs the keys it changes.
//	$LSPBRIDGE_LOG_LEVEL overrides logging.level.
//
// Outputs:
//
//	Config - The effective configuration.
//	string - The file it came from, empty for built-in defaults.
//	error - ErrNotFound for a missing explicit file, a decode error, or a
//	  validation error.
func Load(opts LoadOptions) (Config, string, error) {
	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}

	path, err := locate(opts, getenv)
	if err != nil {
		return Config{}, "", err
	}

	cfg := Default()
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return Config{}, path, err
		}
	}
	if lvl := strings.TrimSpace(getenv(EnvLogLevel)); lvl != "" {
		cfg.Logging.Level = strings.ToLower(lvl)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, path, err
	}
	return cfg, path, nil
}

func locate(opts LoadOptions, getenv func(string) string) (string, error) {
	for _, explicit := range []string{opts.Path, getenv(EnvConfig)} {
		if explicit == "" {
			continue
		}
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("%w: %s", ErrNotFound, explicit)
		}
		return explicit, nil
	}

	if opts.Root != "" {
		for _, name := range workspaceNames {
			p := filepath.Join(opts.Root, name)
			if _, err := os.Stat(p); err == nil {
				return p, nil
			}
		}
	}

	dir := opts.UserConfigDir
	if dir == "" {
		dir = userConfigDir(getenv)
	}
	if dir != "" {
		p := filepath.Join(dir, "lspbridge", "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", nil
}

func userConfigDir(getenv func(string) string) string {
	if xdg := getenv("XDG_CONFIG_HOME"); xdg != "" {
		return xdg
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config")
}

// decodeFile decodes path over cfg by extension. Unknown keys are errors.
func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if isTOML(path) {
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return fmt.Errorf("%s: unknown keys %s", path, strings.Join(keys, ", "))
		}
		return nil
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	seen := make(map[string]bool, len(c.Servers))
	for _, s := range c.Servers {
		if seen[s.ID] {
			return fmt.Errorf("invalid config: duplicate server id %q", s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}

// Marshal renders cfg as YAML, or TOML when format is "toml".
func Marshal(cfg Config, format string) ([]byte, error) {
	if strings.EqualFold(format, "toml") {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return yaml.Marshal(cfg)
}

// WriteDefault writes Default() to path, as TOML for a .toml path and YAML
// otherwise. An existing file is only replaced when force is set.
func WriteDefault(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	format := "yaml"
	if isTOML(path) {
		format = "toml"
	}
	data, err := Marshal(Default(), format)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// =============================================================================
// COMPONENT OPTIONS
// =============================================================================

// ServerSpecs returns the configured servers, or the built-in set when
// none are configured.
func (c Config) ServerSpecs() []lsp.ServerSpec {
	if len(c.Servers) == 0 {
		return lsp.DefaultServerSpecs()
	}
	out := make([]lsp.ServerSpec, len(c.Servers))
	for i, s := range c.Servers {
		out[i] = lsp.ServerSpec{
			ID:                    s.ID,
			Command:               s.Command,
			Args:                  s.Args,
			Extensions:            s.Extensions,
			RootFiles:             s.RootFiles,
			Adapter:               s.Adapter,
			InitializationOptions: s.InitializationOptions,
		}
	}
	return out
}

// ManagerConfig maps the lsp section onto the manager's configuration.
func (c Config) ManagerConfig() lsp.ManagerConfig {
	mc := lsp.DefaultManagerConfig()
	if c.LSP.StartupTimeout > 0 {
		mc.StartupTimeout = c.LSP.StartupTimeout.D()
	}
	if c.LSP.RequestTimeout > 0 {
		mc.RequestTimeout = c.LSP.RequestTimeout.D()
	}
	mc.Freshness = c.LSP.Freshness.D()
	mc.FetchFixes = c.LSP.FetchFixes
	return mc
}

// PrivacyOptions maps the privacy section onto filter options for root.
func (c Config) PrivacyOptions(root string) privacy.Options {
	opts := privacy.Options{
		Root:       root,
		Exclude:    c.Privacy.Exclude,
		MaxPerFile: c.Export.MaxPerFile,
	}
	if len(c.Privacy.Rules) > 0 {
		opts.Extra = make(map[privacy.Level][]privacy.Rule)
		for _, r := range c.Privacy.Rules {
			level := privacy.Level(r.Level)
			opts.Extra[level] = append(opts.Extra[level], privacy.Rule{
				Name:        r.Name,
				Pattern:     r.Pattern,
				Replacement: r.Replacement,
			})
		}
	}
	return opts
}

// HistoryMaxAge returns the retention age; zero disables age eviction.
func (c Config) HistoryMaxAge() time.Duration {
	if c.History.MaxAge == 0 {
		return -1
	}
	return c.History.MaxAge.D()
}
