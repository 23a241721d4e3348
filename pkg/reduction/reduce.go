// Package reduction replaces the feature matrix with a PCA or sparse PCA
// projection, or an ICA reconstruction, before clustering.
//
// The modes are not symmetric. PCA and sparse PCA swap the features for the
// retained component scores, so the clustering stage sees k columns. ICA projects the
// data onto the sources and immediately mixes them back, acting as a
// denoising filter; the clustering stage keeps the original feature count.
package reduction

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"capcluster/internal/models"
)

// Mode selects the reduction.
type Mode int

const (
	None Mode = iota
	PCA
	ICA
	SparsePCA
)

func (m Mode) String() string {
	switch m {
	case PCA:
		return "pca"
	case ICA:
		return "ica"
	case SparsePCA:
		return "sparsepca"
	default:
		return "none"
	}
}

// ParseMode maps a configuration name to a Mode.
func ParseMode(name string) (Mode, error) {
	switch name {
	case "", "none":
		return None, nil
	case "pca":
		return PCA, nil
	case "ica":
		return ICA, nil
	case "sparsepca":
		return SparsePCA, nil
	}
	return None, fmt.Errorf("%w: unknown reduction mode %q", models.ErrInvalidConfiguration, name)
}

// Options configures Reduce.
type Options struct {
	Mode Mode

	// PCAComponents is the PCA target, see FitPCA. Sparse PCA takes
	// int(PCAComponents), which must be at least 1.
	PCAComponents float64
	Sparse        SparsePCAOptions

	// ICAComponents is the number of sources. Values below 1 are clamped to 1.
	ICAComponents int
	ICA           ICAOptions

	// NormMethod and Demean prepare the columns before decomposition
	NormMethod NormMethod
	Demean     bool

	// Trained is a previously fitted PCA applied instead of fitting
	Trained *PCAModel

	Log logrus.FieldLogger
}

// Result is the outcome of the reduction stage.
type Result struct {
	Mode Mode

	// Features is the matrix handed to clustering
	Features *mat.Dense

	// Components are the loadings, one component per row
	Components *mat.Dense

	// Reduced holds the per-voxel component scores (PCA) or sources (ICA)
	Reduced *mat.Dense

	// Reconstructed is the inverse transform in the original feature space
	Reconstructed *mat.Dense

	// ExplainedVariance and ExplainedVarianceRatio are PCA diagnostics
	ExplainedVariance      []float64
	ExplainedVarianceRatio []float64

	// PCA is the fitted or applied model, nil for other modes
	PCA *PCAModel

	// SparsePCA is the fitted sparse model, nil for other modes
	SparsePCA *SparsePCAModel
}

// NumComponents is the number of retained components, 0 for Mode None.
func (r *Result) NumComponents() int {
	if r.Components == nil {
		return 0
	}
	n, _ := r.Components.Dims()
	return n
}

// Reduce applies the configured reduction to x. With Mode None the result
// carries x unchanged as Features.
func Reduce(x *mat.Dense, opts Options) (*Result, error) {
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	if opts.Mode == None {
		return &Result{Mode: None, Features: x}, nil
	}

	normed, sc := prenormalize(x, opts.NormMethod, opts.Demean)

	switch opts.Mode {
	case PCA:
		model := opts.Trained
		if model == nil {
			var err error
			if model, err = FitPCA(normed, opts.PCAComponents); err != nil {
				return nil, err
			}
		} else {
			log.Info("Applying trained PCA model")
		}
		scores, err := model.Transform(normed)
		if err != nil {
			return nil, err
		}
		log.WithField("components", model.NumComponents()).Info("PCA fit complete")
		return &Result{
			Mode:                   PCA,
			Features:               scores,
			Components:             model.Components,
			Reduced:                scores,
			Reconstructed:          sc.restore(model.InverseTransform(scores)),
			ExplainedVariance:      model.ExplainedVariance,
			ExplainedVarianceRatio: model.ExplainedVarianceRatio,
			PCA:                    model,
		}, nil

	case SparsePCA:
		k := int(opts.PCAComponents)
		if k < 1 {
			return nil, fmt.Errorf("%w: sparse PCA needs an explicit component count, got %g", models.ErrInvalidConfiguration, opts.PCAComponents)
		}
		model, err := FitSparsePCA(normed, k, opts.Sparse)
		if err != nil {
			return nil, err
		}
		if !model.Converged {
			log.Warn("Sparse PCA did not converge, consider raising the iteration limit")
		}
		scores, err := model.Transform(normed)
		if err != nil {
			return nil, err
		}
		log.WithFields(logrus.Fields{
			"components": model.NumComponents(),
			"iterations": model.Iterations,
			"sparsity":   model.sparsity(),
		}).Info("Sparse PCA fit complete")
		return &Result{
			Mode:          SparsePCA,
			Features:      scores,
			Components:    model.Components,
			Reduced:       scores,
			Reconstructed: sc.restore(model.InverseTransform(scores)),
			SparsePCA:     model,
		}, nil

	case ICA:
		n := opts.ICAComponents
		if n < 1 {
			log.Warnf("ICA component count %d is not viable, using 1", n)
			n = 1
		}
		model, err := FitICA(normed, n, opts.ICA)
		if err != nil {
			return nil, err
		}
		if !model.Converged {
			log.Warn("FastICA did not converge, consider raising the iteration limit")
		}
		sources := model.Transform(normed)
		recon := sc.restore(model.InverseTransform(sources))
		log.WithField("components", model.NumComponents()).Info("ICA fit complete")
		return &Result{
			Mode:          ICA,
			Features:      recon,
			Components:    model.Components,
			Reduced:       sources,
			Reconstructed: recon,
		}, nil
	}
	return nil, fmt.Errorf("%w: unknown reduction mode %d", models.ErrInvalidConfiguration, opts.Mode)
}
