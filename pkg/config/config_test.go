package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"capcluster/internal/models"
	"capcluster/pkg/scaling"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Input.Data = []string{"bold.nii.gz"}
	cfg.Output.Root = "out/run"
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Input.MaskThreshold != 0.5 {
		t.Errorf("Expected mask threshold 0.5, got %g", cfg.Input.MaskThreshold)
	}
	if cfg.Clustering.Algorithm != "kmeans" || cfg.Clustering.K != 8 || cfg.Clustering.Repeats != 1 {
		t.Errorf("Unexpected clustering defaults: %+v", cfg.Clustering)
	}
	if cfg.Clustering.MinSamples != 100 || cfg.Clustering.MinClusterSize != 50 {
		t.Errorf("Unexpected density defaults: %+v", cfg.Clustering)
	}
	if cfg.Checkpoint.ReportEvery != 1000 || cfg.Checkpoint.CheckpointEvery != 10000 {
		t.Errorf("Unexpected checkpoint cadences: %+v", cfg.Checkpoint)
	}
	if err := validConfig().Validate(); err != nil {
		t.Errorf("Defaults with input and output should validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"no data", func(c *Config) { c.Input.Data = nil }},
		{"no root", func(c *Config) { c.Output.Root = "" }},
		{"unknown algorithm", func(c *Config) { c.Clustering.Algorithm = "spectral" }},
		{"unknown scaler", func(c *Config) { c.Scaling.Scaler = "minmax" }},
		{"unknown reduction", func(c *Config) { c.Reduction.Mode = "nmf" }},
		{"unknown norm", func(c *Config) { c.Reduction.NormMethod = "rank" }},
		{"negative ica", func(c *Config) { c.Reduction.ICAComponents = -1 }},
		{"k below two", func(c *Config) { c.Clustering.K = 1 }},
		{"no repeats", func(c *Config) { c.Clustering.Repeats = 0 }},
		{"average linkage", func(c *Config) { c.Clustering.Algorithm = "agglomerative"; c.Clustering.Linkage = "average" }},
		{"ward cosine", func(c *Config) { c.Clustering.Algorithm = "agglomerative"; c.Clustering.Affinity = "cosine" }},
		{"zero eps", func(c *Config) { c.Clustering.Algorithm = "dbscan"; c.Clustering.Eps = 0 }},
		{"small radius", func(c *Config) {
			c.Clustering.Algorithm = "agglomerative"
			c.Clustering.Connectivity = "spatial"
			c.Clustering.Radius = 0.9
		}},
		{"unknown engine", func(c *Config) { c.Checkpoint.Engine = "redis" }},
		{"unknown compression", func(c *Config) { c.Checkpoint.Compression = "lz4" }},
		{"negative sigma", func(c *Config) { c.Preprocess.Sigma = -2 }},
		{"unknown prefilter", func(c *Config) { c.Preprocess.Prefilter = "notch" }},
		{"inverted arb band", func(c *Config) {
			c.Preprocess.Prefilter = "arb"
			c.Preprocess.PassLow, c.Preprocess.PassHigh = 0.1, 0.01
		}},
		{"sparse pca fraction", func(c *Config) { c.Reduction.Mode = "sparsepca"; c.Reduction.PCAComponents = 0.5 }},
		{"sparse pca zero alpha", func(c *Config) {
			c.Reduction.Mode = "sparsepca"
			c.Reduction.PCAComponents = 3
			c.Reduction.SparseAlpha = 0
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if !errors.Is(err, models.ErrInvalidConfiguration) {
				t.Errorf("Expected ErrInvalidConfiguration, got %v", err)
			}
		})
	}
}

func TestSaveLoadConfig(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"config.yaml", "config.toml"} {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Clustering.Algorithm = "dbscan"
			cfg.Clustering.Eps = 1.5
			cfg.Checkpoint.Engine = "badger"
			cfg.Scaling.Intervals = []scaling.Interval{{Start: 0, End: 10}, {Start: 10, End: 20}}
			path := filepath.Join(dir, "nested", name)

			if err := SaveConfig(cfg, path); err != nil {
				t.Fatalf("Failed to save config: %v", err)
			}
			loaded, err := LoadConfig(path)
			if err != nil {
				t.Fatalf("Failed to load config: %v", err)
			}
			if loaded.Clustering.Algorithm != "dbscan" || loaded.Clustering.Eps != 1.5 {
				t.Errorf("Clustering section not restored: %+v", loaded.Clustering)
			}
			if loaded.Checkpoint.Engine != "badger" {
				t.Errorf("Expected badger engine, got %q", loaded.Checkpoint.Engine)
			}
			if len(loaded.Scaling.Intervals) != 2 || loaded.Scaling.Intervals[1].End != 20 {
				t.Errorf("Intervals not restored: %+v", loaded.Scaling.Intervals)
			}
			if len(loaded.Input.Data) != 1 || loaded.Input.Data[0] != "bold.nii.gz" {
				t.Errorf("Input not restored: %+v", loaded.Input)
			}
		})
	}
}

func TestLoadMissingConfig(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Missing file should yield defaults: %v", err)
	}
	if cfg.Clustering.K != DefaultConfig().Clustering.K {
		t.Errorf("Expected default K, got %d", cfg.Clustering.K)
	}
}

func TestLoadPartialYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.yml")
	doc := "clustering:\n  algorithm: hdbscan\n  minClusterSize: 20\n"
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Clustering.Algorithm != "hdbscan" || cfg.Clustering.MinClusterSize != 20 {
		t.Errorf("Overrides not applied: %+v", cfg.Clustering)
	}
	if cfg.Clustering.Alpha != 1.0 {
		t.Errorf("Defaults should survive partial files, alpha = %g", cfg.Clustering.Alpha)
	}
}
