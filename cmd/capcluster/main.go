package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"capcluster/pkg/config"
	"capcluster/pkg/logging"
	"capcluster/pkg/pipeline"
)

// stringList collects a repeatable flag
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func main() {
	configPath := flag.String("config", "", "YAML or TOML configuration file")
	writeConfig := flag.String("write-config", "", "Write the effective configuration to this file and exit")
	root := flag.String("o", "", "Output root; every file is named <root>_<method>_...")
	mask := flag.String("mask", "", "Mask volume restricting the voxels clustered")
	var intervals stringList
	flag.Var(&intervals, "interval", "Timepoint interval start:end scaled on its own (repeatable)")
	flag.Float64("sigma", 0, "Spatial smoothing width in mm (0 disables)")
	flag.String("prefilter", "", "Temporal prefilter: none, vlf, lfo, resp or cardiac")
	flag.String("scaler", "", "Per-timepoint scaler: none, robust or standard")
	flag.Bool("normalize", false, "Divide each voxel time course by its L2 norm")
	flag.String("reduction", "", "Dimensionality reduction: none, pca, sparsepca or ica")
	flag.Float64("pca-components", 0, "PCA components: <=0 automatic, (0,1) variance fraction, >=1 count")
	flag.Int("ica-components", 0, "Number of ICA sources")
	flag.String("algorithm", "", "Clustering algorithm: kmeans, agglomerative, dbscan or hdbscan")
	flag.Int("k", 0, "Number of clusters for kmeans and agglomerative")
	flag.Int("repeats", 0, "Independent kmeans repeats")
	flag.Int64("seed", 0, "Base random seed; repeat r uses seed+r (0 derives one from the clock)")
	flag.Bool("batch", false, "Use mini-batch kmeans")
	flag.String("connectivity", "", "Agglomerative connectivity: knn or spatial")
	flag.Float64("radius", 0, "Spatial connectivity radius in voxels")
	flag.Float64("eps", 0, "DBSCAN neighbourhood radius")
	flag.Int("min-samples", 0, "DBSCAN/HDBSCAN core point threshold")
	flag.Int("min-cluster-size", 0, "HDBSCAN minimum cluster size")
	flag.Bool("display", false, "Write PNG slices of the label volume")
	flag.String("log-level", "", "Log level")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] datafile [datafile...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.LoadConfig(*configPath)
		if err != nil {
			logrus.Fatalf("Failed to load configuration: %v", err)
		}
		cfg = loaded
	}
	if flag.NArg() > 0 {
		cfg.Input.Data = flag.Args()
	}
	if *root != "" {
		cfg.Output.Root = *root
	}
	if *mask != "" {
		cfg.Input.Mask = *mask
	}
	if err := applyFlags(cfg, intervals); err != nil {
		logrus.Fatalf("Invalid arguments: %v", err)
	}

	if *writeConfig != "" {
		if err := config.SaveConfig(cfg, *writeConfig); err != nil {
			logrus.Fatalf("Failed to write configuration: %v", err)
		}
		return
	}

	if len(cfg.Input.Data) == 0 || cfg.Output.Root == "" {
		flag.Usage()
		os.Exit(1)
	}

	log, closer, err := logging.New(cfg.Logging)
	if err != nil {
		logrus.Fatalf("Failed to set up logging: %v", err)
	}
	defer closer.Close()

	// An interrupt stops the connectivity build between rows, leaving its
	// last checkpoint for the next run.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := pipeline.New(&pipeline.Params{Config: cfg, Argv: os.Args, Log: log})
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	if err := p.Process(ctx); err != nil {
		closer.Close()
		log.Fatalf("Clustering failed: %v", err)
	}

	summary := p.Summary()
	log.WithFields(logrus.Fields{
		"run":      summary.RunID,
		"tag":      summary.Tag,
		"voxels":   summary.NumValid,
		"clusters": summary.NumClusters,
		"seconds":  summary.Elapsed.Seconds(),
	}).Info("Finished")
	for _, f := range summary.Files {
		fmt.Println(f)
	}
}

// applyFlags copies explicitly set flags over the configuration.
func applyFlags(cfg *config.Config, intervals stringList) error {
	var err error
	flag.Visit(func(f *flag.Flag) {
		if err != nil {
			return
		}
		if f.Name == "interval" {
			cfg.Scaling.Intervals, err = parseIntervals(intervals)
			return
		}
		g := f.Value.(flag.Getter).Get()
		switch f.Name {
		case "sigma":
			cfg.Preprocess.Sigma = g.(float64)
		case "prefilter":
			cfg.Preprocess.Prefilter = g.(string)
		case "scaler":
			cfg.Scaling.Scaler = g.(string)
		case "normalize":
			cfg.Scaling.Normalize = g.(bool)
		case "reduction":
			cfg.Reduction.Mode = g.(string)
		case "pca-components":
			cfg.Reduction.PCAComponents = g.(float64)
		case "ica-components":
			cfg.Reduction.ICAComponents = g.(int)
		case "algorithm":
			cfg.Clustering.Algorithm = g.(string)
		case "k":
			cfg.Clustering.K = g.(int)
		case "repeats":
			cfg.Clustering.Repeats = g.(int)
		case "seed":
			cfg.Clustering.Seed = g.(int64)
		case "batch":
			cfg.Clustering.Batch = g.(bool)
		case "connectivity":
			cfg.Clustering.Connectivity = g.(string)
		case "radius":
			cfg.Clustering.Radius = g.(float64)
		case "eps":
			cfg.Clustering.Eps = g.(float64)
		case "min-samples":
			cfg.Clustering.MinSamples = g.(int)
		case "min-cluster-size":
			cfg.Clustering.MinClusterSize = g.(int)
		case "display":
			cfg.Output.Display = g.(bool)
		case "log-level":
			cfg.Logging.Level = g.(string)
		}
	})
	return err
}
