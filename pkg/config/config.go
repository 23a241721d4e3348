// Package config provides configuration loading and management for capcluster.
// It handles loading configuration from YAML or TOML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"capcluster/internal/models"
	"capcluster/pkg/checkpoint"
	"capcluster/pkg/clustering"
	"capcluster/pkg/filter"
	"capcluster/pkg/logging"
	"capcluster/pkg/reduction"
	"capcluster/pkg/scaling"
	"capcluster/pkg/serialize"
)

// Config represents the application configuration
type Config struct {
	// Input data and masking
	Input struct {
		// Data lists the 4D input files. Several runs are concatenated in time.
		Data []string `yaml:"data" toml:"data"`

		// Mask is an optional 3D mask file
		Mask string `yaml:"mask" toml:"mask"`

		// MaskThreshold marks a voxel valid when its mask value exceeds it
		MaskThreshold float64 `yaml:"maskThreshold" toml:"mask_threshold"`
	} `yaml:"input" toml:"input"`

	// Preprocessing of each input file before the files are joined
	Preprocess struct {
		// Sigma is the spatial Gaussian width in mm, 0 disables smoothing
		Sigma float64 `yaml:"sigma" toml:"sigma"`

		// Prefilter is "none", "vlf", "lfo", "resp", "cardiac" or "arb"
		Prefilter string `yaml:"prefilter" toml:"prefilter"`

		// PassLow and PassHigh bound the "arb" pass band in Hz
		PassLow  float64 `yaml:"passLow" toml:"pass_low"`
		PassHigh float64 `yaml:"passHigh" toml:"pass_high"`
	} `yaml:"preprocess" toml:"preprocess"`

	// Output parameters
	Output struct {
		// Root is the path prefix of every output file
		Root string `yaml:"root" toml:"root"`

		// Display writes PNG slices of the label volume
		Display bool `yaml:"display" toml:"display"`
	} `yaml:"output" toml:"output"`

	// Scaling applied to the feature matrix before reduction
	Scaling struct {
		Scaler    string             `yaml:"scaler" toml:"scaler"`
		Normalize bool               `yaml:"normalize" toml:"normalize"`
		Intervals []scaling.Interval `yaml:"intervals" toml:"intervals"`
	} `yaml:"scaling" toml:"scaling"`

	// Dimensionality reduction
	Reduction struct {
		// Mode is "none", "pca", "sparsepca" or "ica"
		Mode string `yaml:"mode" toml:"mode"`

		// PCAComponents: <= 0 automatic, (0, 1) variance fraction, >= 1 count.
		// Sparse PCA needs a count.
		PCAComponents float64 `yaml:"pcaComponents" toml:"pca_components"`

		SparseAlpha      float64 `yaml:"sparseAlpha" toml:"sparse_alpha"`
		SparseRidgeAlpha float64 `yaml:"sparseRidgeAlpha" toml:"sparse_ridge_alpha"`
		SparseMaxIter    int     `yaml:"sparseMaxIter" toml:"sparse_max_iter"`
		SparseTol        float64 `yaml:"sparseTol" toml:"sparse_tol"`

		ICAComponents int     `yaml:"icaComponents" toml:"ica_components"`
		ICAMaxIter    int     `yaml:"icaMaxIter" toml:"ica_max_iter"`
		ICATol        float64 `yaml:"icaTol" toml:"ica_tol"`

		NormMethod string `yaml:"normMethod" toml:"norm_method"`
		Demean     bool   `yaml:"demean" toml:"demean"`

		// TrainedModel applies a saved PCA model instead of fitting one
		TrainedModel string `yaml:"trainedModel" toml:"trained_model"`

		// SaveModel writes the fitted PCA model here
		SaveModel string `yaml:"saveModel" toml:"save_model"`
	} `yaml:"reduction" toml:"reduction"`

	// Clustering parameters
	Clustering struct {
		Algorithm string `yaml:"algorithm" toml:"algorithm"`

		// kmeans and agglomerative
		K int `yaml:"k" toml:"k"`

		// kmeans
		Repeats   int     `yaml:"repeats" toml:"repeats"`
		Batch     bool    `yaml:"batch" toml:"batch"`
		BatchSize int     `yaml:"batchSize" toml:"batch_size"`
		MaxIter   int     `yaml:"maxIter" toml:"max_iter"`
		NInit     int     `yaml:"nInit" toml:"n_init"`
		Tol       float64 `yaml:"tol" toml:"tol"`
		Seed      int64   `yaml:"seed" toml:"seed"`

		// Workers bounds concurrent kmeans repeats
		Workers int `yaml:"workers" toml:"workers"`

		// agglomerative
		Linkage      string  `yaml:"linkage" toml:"linkage"`
		Affinity     string  `yaml:"affinity" toml:"affinity"`
		KNeighbors   int     `yaml:"kNeighbors" toml:"k_neighbors"`
		Connectivity string  `yaml:"connectivity" toml:"connectivity"`
		Radius       float64 `yaml:"radius" toml:"radius"`

		// dbscan and hdbscan
		Eps              float64 `yaml:"eps" toml:"eps"`
		MinSamples       int     `yaml:"minSamples" toml:"min_samples"`
		MinClusterSize   int     `yaml:"minClusterSize" toml:"min_cluster_size"`
		Alpha            float64 `yaml:"alpha" toml:"alpha"`
		SelectionEpsilon float64 `yaml:"selectionEpsilon" toml:"selection_epsilon"`
	} `yaml:"clustering" toml:"clustering"`

	// Checkpointing of the spatial connectivity build
	Checkpoint struct {
		checkpoint.Config `yaml:",inline"`

		// Compression of stored snapshots: "none", "snappy" or "zstd"
		Compression     string `yaml:"compression" toml:"compression"`
		Keep            bool   `yaml:"keep" toml:"keep"`
		ReportEvery     int    `yaml:"reportEvery" toml:"report_every"`
		CheckpointEvery int    `yaml:"checkpointEvery" toml:"checkpoint_every"`
	} `yaml:"checkpoint" toml:"checkpoint"`

	// Logging output
	Logging logging.Config `yaml:"logging" toml:"logging"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Input.MaskThreshold = 0.5

	cfg.Scaling.Scaler = "none"

	cfg.Reduction.Mode = "none"
	cfg.Reduction.ICAMaxIter = 200
	cfg.Reduction.ICATol = 1e-4
	cfg.Reduction.NormMethod = "none"
	cfg.Reduction.SparseAlpha = 1.0
	cfg.Reduction.SparseRidgeAlpha = 0.01
	cfg.Reduction.SparseMaxIter = 1000
	cfg.Reduction.SparseTol = 1e-8

	cfg.Preprocess.Prefilter = "none"

	cfg.Clustering.Algorithm = "kmeans"
	cfg.Clustering.K = 8
	cfg.Clustering.Repeats = 1
	cfg.Clustering.BatchSize = 1000
	cfg.Clustering.MaxIter = 250
	cfg.Clustering.NInit = 10
	cfg.Clustering.Tol = 1e-4
	cfg.Clustering.Workers = runtime.NumCPU() // Use all available cores by default
	cfg.Clustering.Linkage = "ward"
	cfg.Clustering.Affinity = "euclidean"
	cfg.Clustering.KNeighbors = 10
	cfg.Clustering.Connectivity = "knn"
	cfg.Clustering.Radius = 1.0
	cfg.Clustering.Eps = 0.3
	cfg.Clustering.MinSamples = 100
	cfg.Clustering.MinClusterSize = 50
	cfg.Clustering.Alpha = 1.0

	cfg.Checkpoint.Engine = "file"
	cfg.Checkpoint.Path = ".capcluster-checkpoints"
	cfg.Checkpoint.Compression = "snappy"
	cfg.Checkpoint.ReportEvery = 1000
	cfg.Checkpoint.CheckpointEvery = 10000

	cfg.Logging.Level = "info"
	cfg.Logging.MaxSize = 100
	cfg.Logging.MaxAge = 30

	return cfg
}

// isTOML reports whether path names a TOML file
func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// LoadConfig loads configuration from a YAML or TOML file, chosen by extension.
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if isTOML(configPath) {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML or TOML file, chosen by extension
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	var data []byte
	if isTOML(configPath) {
		var b strings.Builder
		if err := toml.NewEncoder(&b).Encode(cfg); err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
		data = []byte(b.String())
	} else {
		var err error
		if data, err = cfg.YAML(); err != nil {
			return err
		}
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// YAML renders the configuration as a YAML document
func (cfg *Config) YAML() ([]byte, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("error marshaling config: %w", err)
	}
	return data, nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), models.ErrInvalidConfiguration)
}

// Validate checks every setting that can be checked without reading data.
// All failures wrap models.ErrInvalidConfiguration.
func (cfg *Config) Validate() error {
	if len(cfg.Input.Data) == 0 {
		return invalid("no input data files")
	}
	if cfg.Output.Root == "" {
		return invalid("no output root")
	}

	if cfg.Preprocess.Sigma < 0 {
		return invalid("negative smoothing sigma %g", cfg.Preprocess.Sigma)
	}
	if _, _, err := filter.ParseBand(cfg.Preprocess.Prefilter, cfg.Preprocess.PassLow, cfg.Preprocess.PassHigh); err != nil {
		return err
	}

	if _, err := scaling.ParseScaler(cfg.Scaling.Scaler); err != nil {
		return err
	}
	mode, err := reduction.ParseMode(cfg.Reduction.Mode)
	if err != nil {
		return err
	}
	if _, err := reduction.ParseNormMethod(cfg.Reduction.NormMethod); err != nil {
		return err
	}
	if cfg.Reduction.ICAComponents < 0 {
		return invalid("negative ICA component count %d", cfg.Reduction.ICAComponents)
	}
	if cfg.Reduction.ICAMaxIter < 1 {
		return invalid("ICA max iter %d, need at least 1", cfg.Reduction.ICAMaxIter)
	}
	if mode == reduction.SparsePCA {
		if cfg.Reduction.PCAComponents < 1 {
			return invalid("sparse PCA needs a component count, got %g", cfg.Reduction.PCAComponents)
		}
		if cfg.Reduction.SparseAlpha <= 0 || cfg.Reduction.SparseRidgeAlpha <= 0 {
			return invalid("sparse PCA penalties must be positive")
		}
		if cfg.Reduction.SparseMaxIter < 1 {
			return invalid("sparse PCA max iter %d, need at least 1", cfg.Reduction.SparseMaxIter)
		}
	}

	if _, err := cfg.ClusteringOptions(); err != nil {
		return err
	}
	if cfg.Clustering.Connectivity == "spatial" && int(cfg.Clustering.Radius) < 1 {
		return invalid("connectivity radius %g, need at least 1", cfg.Clustering.Radius)
	}

	if _, err := serialize.ParseCompression(cfg.Checkpoint.Compression); err != nil {
		return err
	}
	switch cfg.Checkpoint.Engine {
	case "", "file", "badger":
	default:
		return invalid("unknown checkpoint engine %q", cfg.Checkpoint.Engine)
	}
	if cfg.Checkpoint.ReportEvery < 1 || cfg.Checkpoint.CheckpointEvery < 1 {
		return invalid("checkpoint cadences must be positive")
	}
	return nil
}

// ClusteringOptions converts the clustering section into dispatcher options.
func (cfg *Config) ClusteringOptions() (clustering.Options, error) {
	c := cfg.Clustering
	algorithm, err := clustering.ParseAlgorithm(c.Algorithm)
	if err != nil {
		return clustering.Options{}, err
	}
	opts := clustering.Options{
		Algorithm: algorithm,
		KMeans: clustering.KMeansOptions{
			K:         c.K,
			Repeats:   c.Repeats,
			Batch:     c.Batch,
			BatchSize: c.BatchSize,
			MaxIter:   c.MaxIter,
			NInit:     c.NInit,
			Tol:       c.Tol,
			Seed:      c.Seed,
			Workers:   c.Workers,
		},
		Agglomerative: clustering.AgglomerativeOptions{
			K:            c.K,
			Linkage:      c.Linkage,
			Affinity:     c.Affinity,
			KNeighbors:   c.KNeighbors,
			Connectivity: c.Connectivity,
		},
		DBSCAN: clustering.DBSCANOptions{Eps: c.Eps, MinSamples: c.MinSamples},
		HDBSCAN: clustering.HDBSCANOptions{
			MinClusterSize: c.MinClusterSize,
			MinSamples:     c.MinSamples,
			Alpha:          c.Alpha,
			Eps:            c.SelectionEpsilon,
		},
	}
	// Validation of the selected variant happens in NewDispatcher.
	if _, err := clustering.NewDispatcher(opts); err != nil {
		return clustering.Options{}, err
	}
	return opts, nil
}
