// Package pipeline runs a complete clustering job: load, extract, scale,
// reduce, optionally build spatial connectivity, cluster and write results.
package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"capcluster/internal/models"
	"capcluster/pkg/checkpoint"
	"capcluster/pkg/clustering"
	"capcluster/pkg/config"
	"capcluster/pkg/connectivity"
	"capcluster/pkg/extract"
	"capcluster/pkg/filter"
	"capcluster/pkg/nifti"
	"capcluster/pkg/output"
	"capcluster/pkg/reduction"
	"capcluster/pkg/scaling"
	"capcluster/pkg/serialize"
	"capcluster/pkg/visualization"
)

// Params holds everything a run needs besides the data files themselves.
type Params struct {
	// Config is the validated run configuration
	Config *config.Config

	// Argv is recorded in the invocation file
	Argv []string

	Log logrus.FieldLogger

	// Progress receives connectivity build progress. nil logs it instead.
	Progress connectivity.ProgressCallback

	// Store overrides the checkpoint store named by the configuration
	Store checkpoint.Store
}

// Summary describes a finished run.
type Summary struct {
	RunID       string
	Tag         string
	NumValid    int
	NumFeatures int
	NumClusters int
	NoiseCount  int
	Seed        int64
	Files       []string
	Elapsed     time.Duration
}

// Pipeline executes one run. The zero value is not usable; call New.
type Pipeline struct {
	params     *Params
	cfg        *config.Config
	log        logrus.FieldLogger
	dispatcher *clustering.Dispatcher
	scaler     scaling.Scaler
	mode       reduction.Mode
	norm       reduction.NormMethod
	band       filter.Band
	prefilter  bool
	seed       int64

	data     *models.Volume
	mask     *models.Volume
	index    []int
	features *mat.Dense
	tags     []string
	reduced  *reduction.Result
	spatial  *connectivity.CSR
	clusters *clustering.Result

	summary Summary
}

// New validates the configuration and prepares the clustering dispatcher.
// Nothing is read or written until Process.
func New(params *Params) (*Pipeline, error) {
	cfg := params.Config
	if cfg == nil {
		return nil, fmt.Errorf("no configuration: %w", models.ErrInvalidConfiguration)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	log := params.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	opts, err := cfg.ClusteringOptions()
	if err != nil {
		return nil, err
	}
	opts.Log = log
	// One base seed serves both ICA and k-means so a run can be replayed
	// from the seed in its invocation record.
	seed := cfg.Clustering.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	opts.KMeans.Seed = seed
	dispatcher, err := clustering.NewDispatcher(opts)
	if err != nil {
		return nil, err
	}
	// Validate already accepted these names.
	scaler, _ := scaling.ParseScaler(cfg.Scaling.Scaler)
	mode, _ := reduction.ParseMode(cfg.Reduction.Mode)
	norm, _ := reduction.ParseNormMethod(cfg.Reduction.NormMethod)
	pre := cfg.Preprocess
	band, prefilter, _ := filter.ParseBand(pre.Prefilter, pre.PassLow, pre.PassHigh)

	return &Pipeline{
		params:     params,
		cfg:        cfg,
		log:        log,
		dispatcher: dispatcher,
		scaler:     scaler,
		mode:       mode,
		norm:       norm,
		band:       band,
		prefilter:  prefilter,
		seed:       seed,
		summary:    Summary{Seed: seed},
	}, nil
}

// Process runs the complete clustering pipeline
func (p *Pipeline) Process(ctx context.Context) error {
	start := time.Now()

	// Step 1: Load input volumes
	p.log.WithField("files", len(p.cfg.Input.Data)).Info("Step 1: Loading input data...")
	if err := p.load(); err != nil {
		return fmt.Errorf("failed to load input data: %w", err)
	}

	// Step 2: Extract valid voxels
	p.log.Info("Step 2: Extracting valid voxels...")
	features, index, err := extract.Extract(p.data, p.mask, p.cfg.Input.MaskThreshold)
	if err != nil {
		return fmt.Errorf("failed to extract voxels: %w", err)
	}
	p.features, p.index = features, index
	_, cols := features.Dims()
	p.log.WithFields(logrus.Fields{"voxels": len(index), "features": cols}).Info("Extracted feature matrix")

	// Step 3: Scale and normalize
	p.log.WithField("scaler", p.scaler.String()).Info("Step 3: Scaling features...")
	scaled, tags, err := scaling.Apply(p.features, scaling.Options{
		Scaler:    p.scaler,
		Normalize: p.cfg.Scaling.Normalize,
		Intervals: p.cfg.Scaling.Intervals,
	})
	if err != nil {
		return fmt.Errorf("failed to scale features: %w", err)
	}
	p.features, p.tags = scaled, tags

	// Step 4: Dimensionality reduction
	p.log.WithField("mode", p.mode.String()).Info("Step 4: Reducing dimensionality...")
	if err := p.reduce(); err != nil {
		return fmt.Errorf("failed to reduce dimensionality: %w", err)
	}

	// Step 5: Spatial connectivity, only for spatially constrained clustering
	if p.dispatcher.NeedsSpatialConnectivity() {
		p.log.WithField("radius", p.cfg.Clustering.Radius).Info("Step 5: Building spatial connectivity...")
		if err := p.buildConnectivity(ctx); err != nil {
			return fmt.Errorf("failed to build connectivity: %w", err)
		}
	}

	// Step 6: Clustering
	p.log.WithField("algorithm", p.dispatcher.Algorithm().String()).Info("Step 6: Clustering...")
	res, err := p.dispatcher.Run(ctx, p.features, p.spatial)
	if err != nil {
		return fmt.Errorf("failed to cluster: %w", err)
	}
	p.clusters = res

	// Step 7: Write results
	p.log.Info("Step 7: Writing results...")
	if err := p.writeOutputs(); err != nil {
		return fmt.Errorf("failed to write outputs: %w", err)
	}

	rows, nfeat := p.features.Dims()
	p.summary.NumValid = rows
	p.summary.NumFeatures = nfeat
	p.summary.NumClusters = res.NumClusters
	p.summary.NoiseCount = res.NoiseCount
	p.summary.Elapsed = time.Since(start)
	fields := logrus.Fields{
		"clusters": res.NumClusters,
		"files":    len(p.summary.Files),
		"elapsed":  p.summary.Elapsed.Round(time.Millisecond),
	}
	for k, v := range p.diagnostics() {
		fields[k] = v
	}
	p.log.WithFields(fields).Info("Run complete")
	return nil
}

// Summary returns the outcome of the last Process call.
func (p *Pipeline) Summary() Summary {
	return p.summary
}

func (p *Pipeline) load() error {
	vols := make([]*models.Volume, len(p.cfg.Input.Data))
	for i, path := range p.cfg.Input.Data {
		vol, err := nifti.Read(path)
		if err != nil {
			return err
		}
		p.log.WithFields(logrus.Fields{"file": path, "dims": vol.Dims.String()}).Debug("Read volume")
		if vol, err = p.preprocess(vol); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		vols[i] = vol
	}
	data, err := extract.Concatenate(vols)
	if err != nil {
		return err
	}
	p.data = data

	if p.cfg.Input.Mask != "" {
		mask, err := nifti.Read(p.cfg.Input.Mask)
		if err != nil {
			return err
		}
		p.mask = mask
	}
	return nil
}

// diagnostics returns the algorithm-specific figures worth recording.
func (p *Pipeline) diagnostics() map[string]interface{} {
	if p.clusters == nil || p.clusters.Algorithm != clustering.AgglomerativeAlgorithm {
		return nil
	}
	return map[string]interface{}{
		"components": p.clusters.NComponents,
		"leaves":     p.clusters.NLeaves,
	}
}

// preprocess smooths each frame and band-passes each voxel of one input
// file, in that order.
func (p *Pipeline) preprocess(vol *models.Volume) (*models.Volume, error) {
	workers := p.cfg.Clustering.Workers
	if sigma := p.cfg.Preprocess.Sigma; sigma > 0 {
		p.log.WithField("sigma", sigma).Info("Smoothing data")
		smoothed, err := filter.SmoothSpatial(vol, sigma, workers)
		if err != nil {
			return nil, err
		}
		vol = smoothed
	}
	if p.prefilter {
		p.log.WithField("band", p.band.Name).Info("Temporally filtering data")
		filtered, err := filter.FilterVolume(vol, p.band, workers)
		if err != nil {
			return nil, err
		}
		vol = filtered
	}
	return vol, nil
}

func (p *Pipeline) reductionOptions() reduction.Options {
	r := p.cfg.Reduction
	return reduction.Options{
		Mode:          p.mode,
		PCAComponents: r.PCAComponents,
		ICAComponents: r.ICAComponents,
		ICA: reduction.ICAOptions{
			MaxIter: r.ICAMaxIter,
			Tol:     r.ICATol,
			Seed:    p.seed,
		},
		Sparse: reduction.SparsePCAOptions{
			Alpha:      r.SparseAlpha,
			RidgeAlpha: r.SparseRidgeAlpha,
			MaxIter:    r.SparseMaxIter,
			Tol:        r.SparseTol,
		},
		NormMethod: p.norm,
		Demean:     r.Demean,
		Log:        p.log,
	}
}

func (p *Pipeline) reduce() error {
	r := p.cfg.Reduction
	opts := p.reductionOptions()
	if p.mode == reduction.PCA && r.TrainedModel != "" {
		model, err := reduction.LoadModel(r.TrainedModel)
		if err != nil {
			return err
		}
		opts.Trained = model
	}

	res, err := reduction.Reduce(p.features, opts)
	if err != nil {
		return err
	}
	p.reduced = res
	p.features = res.Features

	if p.mode == reduction.PCA && r.SaveModel != "" && opts.Trained == nil {
		if err := reduction.SaveModel(res.PCA, r.SaveModel); err != nil {
			return err
		}
		p.log.WithField("file", r.SaveModel).Info("Saved PCA model")
	}
	return nil
}

func (p *Pipeline) buildConnectivity(ctx context.Context) error {
	c := p.cfg.Checkpoint
	builder := connectivity.NewBuilder(p.cfg.Clustering.Radius, p.data.Dims.Spatial())
	builder.ReportEvery = c.ReportEvery
	builder.CheckpointEvery = c.CheckpointEvery
	builder.KeepCheckpoint = c.Keep
	builder.Log = p.log
	builder.Progress = p.params.Progress
	if compression, err := serialize.ParseCompression(c.Compression); err == nil {
		builder.Compression = compression
	}

	store := p.params.Store
	if store == nil {
		opened, err := checkpoint.Open(c.Config, p.log)
		if err != nil {
			return err
		}
		defer opened.Close()
		store = opened
	}
	builder.Store = store

	spatial, err := builder.Build(ctx, p.index)
	if err != nil {
		return err
	}
	p.spatial = spatial
	return nil
}

// methodTag names the run after the transforms that actually ran.
func (p *Pipeline) methodTag() output.MethodTag {
	tag := output.MethodTag{
		Algorithm: p.dispatcher.Algorithm().String(),
		Reduction: p.mode.String(),
	}
	for _, t := range p.tags {
		if t == "normalize" {
			tag.Normalize = true
		} else {
			tag.Scaler = t
		}
	}
	switch p.dispatcher.Algorithm() {
	case clustering.KMeansAlgorithm, clustering.AgglomerativeAlgorithm:
		tag.Suffix = strconv.Itoa(p.cfg.Clustering.K)
	default:
		tag.Suffix = strconv.Itoa(p.clusters.NumClusters)
	}
	return tag
}

func (p *Pipeline) writeOutputs() error {
	w, err := output.NewWriter(p.cfg.Output.Root, p.methodTag(), p.log)
	if err != nil {
		return err
	}
	p.summary.Tag = w.Tag.Name()
	dims, geom := p.data.Dims, p.data.Geometry

	labels := extract.ScatterLabels(p.clusters.Labels, p.index, dims, geom)
	if _, err := w.WriteLabels(labels); err != nil {
		return err
	}

	if red := p.reduced; red != nil && red.Mode != reduction.None {
		mode := red.Mode.String()
		if _, err := w.WriteVolume(mode+"_reduced", extract.Scatter(red.Reduced, p.index, dims, geom)); err != nil {
			return err
		}
		if red.Mode == reduction.PCA || red.Mode == reduction.SparsePCA {
			if _, err := w.WriteVolume(mode+"_reconstructed", extract.Scatter(red.Reconstructed, p.index, dims, geom)); err != nil {
				return err
			}
		}
		if len(red.ExplainedVariance) > 0 {
			if _, err := w.WriteExplainedVariance(mode+"_explained_variance.txt", red.ExplainedVariance, red.ExplainedVarianceRatio); err != nil {
				return err
			}
		}
		if _, err := w.WriteMatrix(mode+"_components.txt", red.Components, false); err != nil {
			return err
		}
		if _, err := w.WriteMatrix(mode+"_components_T.txt", red.Components, true); err != nil {
			return err
		}
	}

	if p.clusters.Algorithm == clustering.KMeansAlgorithm {
		if _, err := w.WriteCenters(p.clusters.Centers); err != nil {
			return err
		}
		if _, err := w.WriteScores(p.clusters.Seeds, p.clusters.Scores, p.clusters.Inertia); err != nil {
			return err
		}
	}

	inv := output.NewInvocation(p.params.Argv, p.cfg)
	inv.Seed = p.seed
	inv.Diagnostics = p.diagnostics()
	if _, err := w.WriteInvocation(inv); err != nil {
		return err
	}
	p.summary.RunID = inv.RunID

	files := w.Written()
	if p.cfg.Output.Display {
		slices, err := p.writeSlices(w, labels)
		if err != nil {
			p.log.WithError(err).Warn("Failed to save label slices")
		}
		files = append(files, slices...)
	}
	p.summary.Files = files
	return nil
}

// writeSlices renders every axial slice of the first label frame as PNG.
func (p *Pipeline) writeSlices(w *output.Writer, labels *models.LabelVolume) ([]string, error) {
	viewer, err := visualization.NewViewer(labels, 0)
	if err != nil {
		return nil, err
	}
	dir := w.Path("slices")
	return viewer.SaveSliceSequence("z", dir, filepath.Base(w.Root)+"_")
}
