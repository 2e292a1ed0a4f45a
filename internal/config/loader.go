package config

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/conductor/internal/workflow"
)

// EnvPrefix prefixes every environment override, e.g. CONDUCTOR_LOG_LEVEL.
const EnvPrefix = "CONDUCTOR_"

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads configuration from a file, or from config.yaml when given a
// directory. Files listed under include are merged in order. Defaults are
// applied, then CONDUCTOR_* environment overrides, then checksums are
// verified and the result validated.
func Load(configPath string) (*Config, error) {
	absPath, err := resolveConfigPath(configPath)
	if err != nil {
		return nil, err
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}

	visited := map[string]bool{absPath: true}
	if len(cfg.Include) > 0 {
		if err := loadIncludes(cfg, cfg.Include, filepath.Dir(absPath), visited); err != nil {
			return nil, err
		}
	}
	cfg.SourceFiles = slices.Sorted(maps.Keys(visited))

	cfg = applyConfigDefaults(cfg)

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("apply environment overrides: %w", err)
	}

	if err := verifyAllConfigHashes(cfg.SourceFiles); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func resolveConfigPath(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

// DiscoverAllConfigFiles returns absolute paths to all configuration files in the include tree.
func DiscoverAllConfigFiles(configPath string) ([]string, error) {
	absPath, err := resolveConfigPath(configPath)
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	visited := map[string]bool{absPath: true}
	if len(cfg.Include) > 0 {
		scratch := &Config{}
		if err := loadIncludes(scratch, cfg.Include, filepath.Dir(absPath), visited); err != nil {
			return nil, err
		}
	}
	files := make([]string, 0, len(visited))
	for f := range visited {
		files = append(files, f)
	}
	sort.Strings(files)
	return files, nil
}

// loadIncludes recursively loads and merges files from the include array.
// visited tracks loaded files to prevent cycles.
func loadIncludes(cfg *Config, includes []string, baseDir string, visited map[string]bool) error {
	for i, includePath := range includes {
		includePath = interpolateEnv(includePath)

		resolvedPath := includePath
		if !filepath.IsAbs(includePath) {
			resolvedPath = filepath.Join(baseDir, includePath)
		}
		absPath, err := filepath.Abs(resolvedPath)
		if err != nil {
			return fmt.Errorf("include[%d]: failed to resolve path %q: %w", i, includePath, err)
		}

		if visited[absPath] {
			return fmt.Errorf("include[%d]: circular dependency detected: %s", i, absPath)
		}
		if _, err := os.Stat(absPath); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("include[%d]: file not found: %s\n"+
					"Referenced from: %s\n"+
					"Hint: Check the path is correct and the file exists", i, absPath, baseDir)
			}
			return fmt.Errorf("include[%d]: failed to access file %s: %w", i, absPath, err)
		}
		visited[absPath] = true

		includedCfg, err := loadConfigFile(absPath)
		if err != nil {
			return fmt.Errorf("include[%d] (%s): %w", i, includePath, err)
		}
		deepMergeConfig(cfg, includedCfg)

		if len(includedCfg.Include) > 0 {
			if err := loadIncludes(cfg, includedCfg.Include, filepath.Dir(absPath), visited); err != nil {
				return err
			}
		}
	}
	return nil
}

// loadConfigFile loads and parses a single config file.
func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &cfg, nil
}

// deepMergeConfig merges src into dst, with src taking precedence for
// non-zero values. Lists are appended and maps merged key by key.
func deepMergeConfig(dst, src *Config) {
	if src.Service.Name != "" {
		dst.Service.Name = src.Service.Name
	}
	if src.Service.TickInterval != 0 {
		dst.Service.TickInterval = src.Service.TickInterval
	}
	if src.Service.Workers != 0 {
		dst.Service.Workers = src.Service.Workers
	}
	if src.Service.LogLevel != "" {
		dst.Service.LogLevel = src.Service.LogLevel
	}
	if src.Service.Retention != 0 {
		dst.Service.Retention = src.Service.Retention
	}
	if src.Service.PruneEvery != 0 {
		dst.Service.PruneEvery = src.Service.PruneEvery
	}
	if src.Service.IntakeInterval != 0 {
		dst.Service.IntakeInterval = src.Service.IntakeInterval
	}

	if src.State.Path != "" {
		dst.State.Path = src.State.Path
	}

	if src.API.Enabled {
		dst.API.Enabled = true
	}
	if src.API.Listen != "" {
		dst.API.Listen = src.API.Listen
	}
	if src.API.Auth.APIKey != "" {
		dst.API.Auth.APIKey = src.API.Auth.APIKey
	}
	dst.API.Auth.Tokens = append(dst.API.Auth.Tokens, src.API.Auth.Tokens...)

	dst.Types = append(dst.Types, src.Types...)
	if src.Registrations != nil {
		if dst.Registrations == nil {
			dst.Registrations = make(map[string]string)
		}
		maps.Copy(dst.Registrations, src.Registrations)
	}
	dst.Ignored = append(dst.Ignored, src.Ignored...)

	if src.Deployment.PollInterval != 0 {
		dst.Deployment.PollInterval = src.Deployment.PollInterval
	}
	if src.Deployment.Retention != 0 {
		dst.Deployment.Retention = src.Deployment.Retention
	}
	if src.Deployment.MaxStalls != 0 {
		dst.Deployment.MaxStalls = src.Deployment.MaxStalls
	}
	if src.Deployment.Provider.BaseURL != "" {
		dst.Deployment.Provider.BaseURL = src.Deployment.Provider.BaseURL
	}
	if src.Deployment.Provider.Token != "" {
		dst.Deployment.Provider.Token = src.Deployment.Provider.Token
	}
	if src.Deployment.Provider.Timeout != 0 {
		dst.Deployment.Provider.Timeout = src.Deployment.Provider.Timeout
	}

	if src.Retry != nil {
		if dst.Retry == nil {
			dst.Retry = make(map[string]workflow.RetryPolicy)
		}
		maps.Copy(dst.Retry, src.Retry)
	}

	if src.Sinks.Callback.Secret != "" {
		dst.Sinks.Callback.Secret = src.Sinks.Callback.Secret
	}
	if src.Sinks.Callback.Timeout != 0 {
		dst.Sinks.Callback.Timeout = src.Sinks.Callback.Timeout
	}
	if src.Sinks.MQTT != nil {
		dst.Sinks.MQTT = src.Sinks.MQTT
	}

	if w := src.Webhooks; w != nil {
		if dst.Webhooks == nil {
			dst.Webhooks = &WebhooksConfig{}
		}
		if w.Listen != "" {
			dst.Webhooks.Listen = w.Listen
		}
		dst.Webhooks.Endpoints = append(dst.Webhooks.Endpoints, w.Endpoints...)
	}
}

func verifyAllConfigHashes(paths []string) error {
	dirToFiles := make(map[string][]string)
	for _, path := range paths {
		dir := filepath.Dir(path)
		dirToFiles[dir] = append(dirToFiles[dir], path)
	}

	for dir, files := range dirToFiles {
		if _, err := os.Stat(filepath.Join(dir, ChecksumFile)); os.IsNotExist(err) {
			continue
		}
		checksums, err := LoadChecksums(dir)
		if err != nil {
			return fmt.Errorf("%s: %w", dir, err)
		}
		for _, path := range files {
			basename := filepath.Base(path)
			expectedHash, ok := checksums.Hashes[basename]
			if !ok {
				return fmt.Errorf("config file %s has no hash in checksums at %s\n"+
					"Run: conductor config lock --config %s", basename, dir, dir)
			}
			if err := VerifyFileHash(path, expectedHash); err != nil {
				return fmt.Errorf("config verification failed for %s: %w\n"+
					"If you edited this file intentionally, run: conductor config lock --config %s", path, err, dir)
			}
		}
	}
	return nil
}

// applyConfigDefaults fills unset values from Defaults.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.TickInterval == 0 {
		cfg.Service.TickInterval = defaults.Service.TickInterval
	}
	if cfg.Service.Workers == 0 {
		cfg.Service.Workers = defaults.Service.Workers
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.Retention == 0 {
		cfg.Service.Retention = defaults.Service.Retention
	}
	if cfg.Service.PruneEvery == 0 {
		cfg.Service.PruneEvery = defaults.Service.PruneEvery
	}
	if cfg.Service.IntakeInterval == 0 {
		cfg.Service.IntakeInterval = defaults.Service.IntakeInterval
	}

	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}

	if cfg.Deployment.PollInterval == 0 {
		cfg.Deployment.PollInterval = defaults.Deployment.PollInterval
	}
	if cfg.Deployment.Retention == 0 {
		cfg.Deployment.Retention = defaults.Deployment.Retention
	}
	if cfg.Deployment.MaxStalls == 0 {
		cfg.Deployment.MaxStalls = defaults.Deployment.MaxStalls
	}
	if cfg.Deployment.Provider.Timeout == 0 {
		cfg.Deployment.Provider.Timeout = defaults.Deployment.Provider.Timeout
	}

	if cfg.Sinks.Callback.Timeout == 0 {
		cfg.Sinks.Callback.Timeout = defaults.Sinks.Callback.Timeout
	}
	if m := cfg.Sinks.MQTT; m != nil {
		if m.ClientID == "" {
			m.ClientID = cfg.Service.Name
		}
		if m.QoS == 0 {
			m.QoS = 1
		}
	}
	return cfg
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is so validation can report them.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	if cfg.Service.TickInterval <= 0 {
		return fmt.Errorf("service.tick_interval must be positive")
	}
	if cfg.Service.Workers < 1 {
		return fmt.Errorf("service.workers must be at least 1")
	}
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.Retention <= 0 {
		return fmt.Errorf("service.retention must be positive")
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}

	secrets := map[string]string{
		"deployment.provider.token": cfg.Deployment.Provider.Token,
		"sinks.callback.secret":     cfg.Sinks.Callback.Secret,
	}
	if cfg.API.Enabled {
		secrets["api.auth.api_key"] = cfg.API.Auth.APIKey
		for i, tok := range cfg.API.Auth.Tokens {
			if tok.Token == "" {
				return fmt.Errorf("api.auth.tokens[%d].token is required", i)
			}
			secrets[fmt.Sprintf("api.auth.tokens[%d].token", i)] = tok.Token
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
			}
		}
		if cfg.API.Auth.APIKey == "" && len(cfg.API.Auth.Tokens) == 0 {
			return fmt.Errorf("api.auth: api_key or tokens required when the api is enabled")
		}
	}
	if m := cfg.Sinks.MQTT; m != nil {
		secrets["sinks.mqtt.password"] = m.Password
		if m.BrokerURL == "" {
			return fmt.Errorf("sinks.mqtt.broker_url is required")
		}
		if m.QoS > 2 {
			return fmt.Errorf("sinks.mqtt.qos must be 0, 1, or 2 (got %d)", m.QoS)
		}
	}
	if w := cfg.Webhooks; w != nil {
		if w.Listen == "" {
			return fmt.Errorf("webhooks.listen is required")
		}
		paths := make(map[string]bool)
		for i, ep := range w.Endpoints {
			if !strings.HasPrefix(ep.Path, "/") {
				return fmt.Errorf("webhooks.endpoints[%d].path must start with /", i)
			}
			if paths[ep.Path] {
				return fmt.Errorf("webhooks.endpoints[%d].path %q is duplicated", i, ep.Path)
			}
			paths[ep.Path] = true
			if strings.TrimSpace(ep.CommandType) == "" {
				return fmt.Errorf("webhooks.endpoints[%d].command_type is required", i)
			}
			if ep.Secret == "" {
				return fmt.Errorf("webhooks.endpoints[%d].secret is required", i)
			}
			secrets[fmt.Sprintf("webhooks.endpoints[%d].secret", i)] = ep.Secret
		}
	}
	for _, field := range slices.Sorted(maps.Keys(secrets)) {
		if err := checkUnresolved(field, secrets[field]); err != nil {
			return err
		}
	}

	if cfg.Deployment.Provider.BaseURL == "" {
		return fmt.Errorf("deployment.provider.base_url is required")
	}
	if cfg.Deployment.PollInterval <= 0 || cfg.Deployment.Retention <= 0 {
		return fmt.Errorf("deployment.poll_interval and deployment.retention must be positive")
	}

	for i, t := range cfg.Types {
		if strings.TrimSpace(t.Name) == "" {
			return fmt.Errorf("types[%d].name is required", i)
		}
	}
	for typ, handler := range cfg.Registrations {
		if strings.TrimSpace(typ) == "" || strings.TrimSpace(handler) == "" {
			return fmt.Errorf("registrations: type and handler must be non-empty (got %q: %q)", typ, handler)
		}
		if slices.Contains(cfg.Ignored, typ) {
			return fmt.Errorf("registrations: type %q is both registered and ignored", typ)
		}
	}

	for name, p := range cfg.Retry {
		if !slices.Contains(PolicyNames, name) {
			return fmt.Errorf("retry.%s: unknown policy (want one of %v)", name, PolicyNames)
		}
		if p.MaxAttempts < 0 {
			return fmt.Errorf("retry.%s.max_attempts must not be negative", name)
		}
		if p.Multiplier != 0 && p.Multiplier < 1 {
			return fmt.Errorf("retry.%s.multiplier must be at least 1", name)
		}
	}
	return nil
}

func checkUnresolved(field, value string) error {
	if matches := envVarPattern.FindStringSubmatch(value); len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}
