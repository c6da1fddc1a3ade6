package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/urfave/cli/v3"
)

func TestLoadConfig(t *testing.T) {
	t.Run("missing file is zero config", func(t *testing.T) {
		cfg := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
		if cfg.WorldSize != nil || cfg.Backend != "" {
			t.Fatalf("expected zero config, got %+v", cfg)
		}
	})

	t.Run("fields are read", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		data := "world_size: 16\nintra_size: 8\nbackend: direct\npin_cpus: true\nseq: 1024\ndtype: bf16\nlisten_address: 0.0.0.0:29500\n"
		if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
		cfg := LoadConfig(path)
		if cfg.WorldSize == nil || *cfg.WorldSize != 16 || cfg.IntraSize == nil || *cfg.IntraSize != 8 {
			t.Fatalf("sizes not read: %+v", cfg)
		}
		if cfg.Backend != "direct" || cfg.DType != "bf16" || cfg.ListenAddress != "0.0.0.0:29500" {
			t.Fatalf("strings not read: %+v", cfg)
		}
		if cfg.PinCPUs == nil || !*cfg.PinCPUs || cfg.Seq == nil || *cfg.Seq != 1024 {
			t.Fatalf("pin/seq not read: %+v", cfg)
		}
	})

	t.Run("malformed file is zero config", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		if err := os.WriteFile(path, []byte("world_size: [1, 2\n"), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
		if cfg := LoadConfig(path); cfg.WorldSize != nil {
			t.Fatalf("expected zero config, got %+v", cfg)
		}
	})
}

func TestApplyJobConfigKeepsExplicitFlags(t *testing.T) {
	world, intra := int64(16), int64(8)
	cfg := Config{WorldSize: &world, IntraSize: &intra, Backend: "direct"}

	var applied bool
	cmd := &cli.Command{
		Name:  "topology",
		Flags: jobFlags(),
		Action: func(ctx context.Context, c *cli.Command) error {
			applyJobConfig(c, cfg)
			applied = true
			return nil
		},
	}
	if err := cmd.Run(context.Background(), []string{"topology", "--world-size", "4"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !applied {
		t.Fatal("action did not run")
	}
	if worldSize != 4 {
		t.Fatalf("explicit --world-size overridden: %d", worldSize)
	}
	if intraSize != 8 || ringBackend != "direct" {
		t.Fatalf("config defaults not applied: intra=%d backend=%q", intraSize, ringBackend)
	}
}

func TestPrintTopologyRejectsBadLayout(t *testing.T) {
	if err := printTopology(6, 4); err == nil {
		t.Fatal("expected an error for 6 ranks in nodes of 4")
	}
	if err := printTopology(4, 2); err != nil {
		t.Fatalf("printTopology: %v", err)
	}
}
