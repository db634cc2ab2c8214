package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	Server    ServerConfig    `toml:"server"`
	Generator GeneratorConfig `toml:"generator"`
	Sandbox   SandboxConfig   `toml:"sandbox"`
	Pipeline  PipelineConfig  `toml:"pipeline"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

type GeneratorConfig struct {
	Endpoint       string `toml:"endpoint"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	MaxElapsedSecs int    `toml:"max_elapsed_seconds"`
}

type SandboxConfig struct {
	Root                  string `toml:"root"`
	Capacity              int    `toml:"capacity"`
	AcquireTimeoutSeconds int    `toml:"acquire_timeout_seconds"`
}

type PipelineConfig struct {
	Path string `toml:"path"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `toml:"otlp_endpoint"`
	Insecure     bool   `toml:"insecure"`
}

func Default() Config {
	return Config{
		Server:    ServerConfig{Host: "127.0.0.1", Port: 8177},
		Generator: GeneratorConfig{Endpoint: "http://127.0.0.1:8190/v1/generate", TimeoutSeconds: 300, MaxElapsedSecs: 60},
		Sandbox:   SandboxConfig{Root: filepath.ToSlash(filepath.Join(".crucible", "sandboxes")), Capacity: 4, AcquireTimeoutSeconds: 120},
		Pipeline:  PipelineConfig{Path: filepath.ToSlash(filepath.Join(".crucible", "pipeline.yaml"))},
		Telemetry: TelemetryConfig{},
	}
}

var (
	ErrInvalid = errors.New("invalid config")
)

type LoadResult struct {
	Config     Config
	Found      bool
	Path       string
	ParseError error
}

// Load reads .crucible/config.toml under root, merging overrides onto
// defaults. A missing file is not an error; a malformed file is reported via
// ParseError with defaults retained.
func Load(root string) LoadResult {
	res := LoadResult{Config: Default()}
	path := filepath.Join(root, ".crucible", "config.toml")
	res.Path = path

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return res
		}
		res.ParseError = err
		return res
	}

	res.Found = true
	var parsed Config
	if err := toml.Unmarshal(b, &parsed); err != nil {
		res.ParseError = fmt.Errorf("%w: %v", ErrInvalid, err)
		return res
	}

	res.Config = merge(Default(), parsed)
	return res
}

func merge(def Config, cfg Config) Config {
	if cfg.Server.Host != "" {
		def.Server.Host = cfg.Server.Host
	}
	if cfg.Server.Port != 0 {
		def.Server.Port = cfg.Server.Port
	}
	if cfg.Generator.Endpoint != "" {
		def.Generator.Endpoint = cfg.Generator.Endpoint
	}
	if cfg.Generator.TimeoutSeconds != 0 {
		def.Generator.TimeoutSeconds = cfg.Generator.TimeoutSeconds
	}
	if cfg.Generator.MaxElapsedSecs != 0 {
		def.Generator.MaxElapsedSecs = cfg.Generator.MaxElapsedSecs
	}
	if cfg.Sandbox.Root != "" {
		def.Sandbox.Root = cfg.Sandbox.Root
	}
	if cfg.Sandbox.Capacity != 0 {
		def.Sandbox.Capacity = cfg.Sandbox.Capacity
	}
	if cfg.Sandbox.AcquireTimeoutSeconds != 0 {
		def.Sandbox.AcquireTimeoutSeconds = cfg.Sandbox.AcquireTimeoutSeconds
	}
	if cfg.Pipeline.Path != "" {
		def.Pipeline.Path = cfg.Pipeline.Path
	}
	if cfg.Telemetry.OTLPEndpoint != "" {
		def.Telemetry.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
		def.Telemetry.Insecure = cfg.Telemetry.Insecure
	}
	return def
}
