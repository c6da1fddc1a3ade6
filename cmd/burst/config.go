package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the burst configuration file (~/.config/burst/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	// Job layout
	WorldSize  *int64 `yaml:"world_size"`
	IntraSize  *int64 `yaml:"intra_size"`
	Backend    string `yaml:"backend"`
	Rendezvous string `yaml:"rendezvous"`
	PinCPUs    *bool  `yaml:"pin_cpus"`

	// Problem shape
	Seq     *int64 `yaml:"seq"`
	Heads   *int64 `yaml:"heads"`
	KVHeads *int64 `yaml:"kv_heads"`
	HeadDim *int64 `yaml:"head_dim"`
	DType   string `yaml:"dtype"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Rendezvous server
	ListenAddress string `yaml:"listen_address"`
}

func configPath(override string) string {
	if override != "" {
		return override
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "burst", "config.yaml")
}

// applyJobConfig applies config file defaults to the job flags that were not
// set on the command line.
func applyJobConfig(c *cli.Command, cfg Config) {
	if cfg.WorldSize != nil && !c.IsSet("world-size") {
		worldSize = *cfg.WorldSize
	}
	if cfg.IntraSize != nil && !c.IsSet("intra-size") {
		intraSize = *cfg.IntraSize
	}
	if cfg.Backend != "" && !c.IsSet("backend") {
		ringBackend = cfg.Backend
	}
	if cfg.Rendezvous != "" && !c.IsSet("rendezvous") {
		rendezvousURL = cfg.Rendezvous
	}
	if cfg.PinCPUs != nil && !c.IsSet("pin-cpus") {
		pinCPUs = *cfg.PinCPUs
	}
}

// applyShapeConfig is applyJobConfig for the problem shape.
func applyShapeConfig(c *cli.Command, cfg Config) {
	if cfg.Seq != nil && !c.IsSet("seq") {
		seqLen = *cfg.Seq
	}
	if cfg.Heads != nil && !c.IsSet("heads") {
		heads = *cfg.Heads
	}
	if cfg.KVHeads != nil && !c.IsSet("kv-heads") {
		kvHeads = *cfg.KVHeads
	}
	if cfg.HeadDim != nil && !c.IsSet("head-dim") {
		headDim = *cfg.HeadDim
	}
	if cfg.DType != "" && !c.IsSet("dtype") {
		wireType = cfg.DType
	}
}

func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	if cfg.ListenAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ListenAddress
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't exist.
func LoadConfig(override string) Config {
	path := configPath(override)
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}
